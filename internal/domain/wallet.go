package domain

import (
	"encoding/hex"
	"errors"
	"regexp"
	"strings"

	"golang.org/x/crypto/sha3"
)

// ErrInvalidWallet 钱包地址格式错误
var ErrInvalidWallet = errors.New("invalid wallet address")

var walletRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// NormalizeWallet 校验 EVM 地址并返回小写形式。
//
// 全小写或全大写地址直接接受；大小写混合时按 EIP-55 校验和验证。
func NormalizeWallet(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if !walletRegex.MatchString(addr) {
		return "", ErrInvalidWallet
	}
	body := addr[2:]
	if body != strings.ToLower(body) && body != strings.ToUpper(body) {
		if ChecksumWallet(addr) != addr {
			return "", ErrInvalidWallet
		}
	}
	return "0x" + strings.ToLower(body), nil
}

// ChecksumWallet 返回 EIP-55 校验和格式的地址
func ChecksumWallet(addr string) string {
	lower := strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(addr, "0x"), "0X"))
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(lower))
	digest := hex.EncodeToString(h.Sum(nil))

	out := make([]byte, len(lower))
	for i := 0; i < len(lower); i++ {
		c := lower[i]
		if c >= 'a' && c <= 'f' && digest[i] >= '8' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return "0x" + string(out)
}

// SameWallet 忽略大小写比较两个钱包地址
func SameWallet(a, b string) bool {
	return a != "" && strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
