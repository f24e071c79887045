package domain

import (
	"strings"
	"time"
)

// 子域名相关容量上限
const (
	MaxSignersPerSubdomain = 50
	MaxInboxesPerSubdomain = 100
)

// Subdomain 表示钱包持有的 <name>.<rootDomain> 子域名。
type Subdomain struct {
	ID                string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Name              string    `json:"name" gorm:"type:varchar(30);uniqueIndex;not null"`
	OwnerWallet       string    `json:"ownerWallet" gorm:"type:varchar(42);index;not null"`
	DNSVerified       bool      `json:"dnsVerified" gorm:"not null"`
	SESVerified       bool      `json:"sesVerified" gorm:"not null"`
	CatchAllForwardTo *string   `json:"catchAllForwardTo,omitempty" gorm:"type:varchar(254)"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// TableName 固定表名
func (Subdomain) TableName() string {
	return "subdomains"
}

// HasCatchAll 是否配置了兜底转发
func (s *Subdomain) HasCatchAll() bool {
	return s.CatchAllForwardTo != nil && *s.CatchAllForwardTo != ""
}

// SubdomainPatch 子域名可变字段
type SubdomainPatch struct {
	CatchAllForwardTo *string
	DNSVerified       *bool
	SESVerified       *bool
}

// Signer 允许以子域名身份发信的钱包。
type Signer struct {
	ID          string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	SubdomainID string    `json:"subdomainId" gorm:"type:varchar(36);not null;uniqueIndex:idx_signer_subdomain_wallet"`
	Wallet      string    `json:"wallet" gorm:"type:varchar(42);not null;uniqueIndex:idx_signer_subdomain_wallet"`
	CreatedAt   time.Time `json:"createdAt"`
}

// TableName 固定表名
func (Signer) TableName() string {
	return "subdomain_signers"
}

// SubdomainInbox 子域名下的独立收件地址。
type SubdomainInbox struct {
	ID             string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	SubdomainID    string    `json:"subdomainId" gorm:"type:varchar(36);not null;uniqueIndex:idx_inbox_subdomain_local"`
	LocalPart      string    `json:"localPart" gorm:"type:varchar(64);not null;uniqueIndex:idx_inbox_subdomain_local"`
	ForwardTo      *string   `json:"forwardTo,omitempty" gorm:"type:varchar(254)"`
	RetainMessages bool      `json:"retainMessages" gorm:"not null"`
	Active         bool      `json:"active" gorm:"not null"`
	CreatedAt      time.Time `json:"createdAt"`
}

// TableName 固定表名
func (SubdomainInbox) TableName() string {
	return "subdomain_inboxes"
}

// HasForward 是否配置了转发地址
func (i *SubdomainInbox) HasForward() bool {
	return i.ForwardTo != nil && *i.ForwardTo != ""
}

// SubdomainInboxPatch 子域名收件箱可变字段
type SubdomainInboxPatch struct {
	ForwardTo      *string
	RetainMessages *bool
	Active         *bool
}

// Address 拼出完整收件地址
func (i *SubdomainInbox) Address(subdomain, rootDomain string) string {
	return i.LocalPart + "@" + subdomain + "." + strings.ToLower(rootDomain)
}
