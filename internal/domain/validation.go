package domain

import (
	"errors"
	"net/mail"
	"regexp"
	"strings"
)

// 验证相关的错误定义
var (
	ErrInvalidEmail     = errors.New("invalid email format")
	ErrEmailTooLong     = errors.New("email address too long")
	ErrInvalidUsername  = errors.New("invalid username format")
	ErrReservedName     = errors.New("name is reserved")
	ErrInvalidSubdomain = errors.New("invalid subdomain format")
	ErrInvalidLocalPart = errors.New("invalid local part format")
)

// RFC 5322 长度限制
const (
	MaxEmailLength     = 254
	MaxLocalPartLength = 64
)

var (
	// 用户名：3-30 位，小写字母数字开头结尾，中间允许连字符
	usernameRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,28}[a-z0-9]$`)

	// 子域名：1 位或 3-30 位
	subdomainRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{1,28}[a-z0-9])?$`)

	// 子域名收件箱本地部分
	localPartRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9._+-]{0,62}[a-z0-9])?$`)
)

// reservedUsernames 不可购买的根域名用户名，防止冒充系统地址。
var reservedUsernames = toSet(
	// 基础设施
	"www", "mail", "smtp", "imap", "pop", "ftp", "api", "admin", "ns1", "ns2", "mx", "app",
	"autoconfig", "autodiscover", "localhost", "test", "staging", "dev",
	// RFC 2142 及常见系统发件人
	"postmaster", "abuse", "webmaster", "hostmaster", "mailer-daemon", "noreply", "no-reply",
	"relay", "bounce", "bounces", "mailer", "daemon", "root",
	"notifications", "alerts", "updates", "newsletter", "digest", "reminder", "reminders",
	"billing", "receipts", "receipt", "invoice", "invoices",
	"system", "service", "operator", "security", "verify", "verification", "confirm", "confirmation",
	"welcome", "onboarding", "subscribe", "unsubscribe",
	"support", "help", "info", "contact", "feedback", "sales", "legal", "compliance", "privacy", "terms",
	// 品牌
	"x402", "x-402", "protocol", "pay", "payment", "payments", "wallet", "wallets",
	"x402email", "x402mail", "merit", "meritsystems", "merit-systems", "meritx",
	// 通用
	"email", "account", "accounts", "user", "users", "me", "team", "teams",
	"hello", "hi", "hey", "news", "blog", "press", "media", "marketing",
	"inbox", "outbox", "sent", "draft", "drafts", "spam", "junk", "trash", "archive",
)

// reservedSubdomains 不可购买的子域名
var reservedSubdomains = toSet(
	"www", "mail", "smtp", "imap", "pop", "ftp", "api", "admin", "ns1", "ns2", "mx", "app",
)

func toSet(names ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

// ValidateUsername 校验根域名收件箱用户名
func ValidateUsername(username string) error {
	if !usernameRegex.MatchString(username) || strings.Contains(username, "--") {
		return ErrInvalidUsername
	}
	if _, ok := reservedUsernames[username]; ok {
		return ErrReservedName
	}
	return nil
}

// ValidateSubdomainName 校验子域名
func ValidateSubdomainName(name string) error {
	if !subdomainRegex.MatchString(name) || strings.Contains(name, "--") {
		return ErrInvalidSubdomain
	}
	if _, ok := reservedSubdomains[name]; ok {
		return ErrReservedName
	}
	return nil
}

// ValidateLocalPart 校验子域名收件箱的本地部分
func ValidateLocalPart(localPart string) error {
	if len(localPart) > MaxLocalPartLength || !localPartRegex.MatchString(localPart) {
		return ErrInvalidLocalPart
	}
	if strings.Contains(localPart, "..") {
		return ErrInvalidLocalPart
	}
	return nil
}

// NormalizeEmail 校验并规范化单个邮箱地址（只接受裸地址）
func NormalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return "", ErrInvalidEmail
	}
	if len(email) > MaxEmailLength {
		return "", ErrEmailTooLong
	}
	if strings.ContainsAny(email, "\r\n<> ") {
		return "", ErrInvalidEmail
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 || !strings.Contains(email[at+1:], ".") {
		return "", ErrInvalidEmail
	}
	return email, nil
}

// SplitAddress 在最后一个 @ 处拆分地址，返回小写的本地部分与域名。
func SplitAddress(address string) (localPart, domainPart string, ok bool) {
	address = strings.ToLower(strings.Trim(strings.TrimSpace(address), "<>"))
	at := strings.LastIndex(address, "@")
	if at <= 0 || at == len(address)-1 {
		return "", "", false
	}
	return address[:at], address[at+1:], true
}
