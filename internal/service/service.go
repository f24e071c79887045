// Package service 实现收件箱、子域名与外发邮件的业务操作。
//
// 调用方身份（钱包地址）由传输层完成校验后传入，这里只做所有权判断。
package service

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Merit-Systems/x402email/internal/blob"
	"github.com/Merit-Systems/x402email/internal/capacity"
	"github.com/Merit-Systems/x402email/internal/domain"
	"github.com/Merit-Systems/x402email/internal/ledger"
	"github.com/Merit-Systems/x402email/internal/sender"
	"github.com/Merit-Systems/x402email/internal/storage"
)

// Config 业务层共用配置
type Config struct {
	RootDomain   string // 根域名，如 x402email.com
	RelayAddress string // 共享发件地址，如 relay@x402email.com
	RelayName    string // 共享发件显示名
}

// Deps 业务层依赖
type Deps struct {
	Store    storage.Store
	Blobs    *blob.Manager
	Ledger   *ledger.Ledger
	Sender   sender.Sender
	Capacity capacity.Enforcer
	Clock    func() time.Time
	Logger   *zap.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return d
}

// normalizeConfig 根域名统一小写
func normalizeConfig(cfg Config) Config {
	cfg.RootDomain = strings.ToLower(strings.TrimSpace(cfg.RootDomain))
	return cfg
}

// callerWallet 规范化调用方钱包
func callerWallet(wallet string) (string, error) {
	normalized, err := domain.NormalizeWallet(wallet)
	if err != nil {
		return "", domain.Validationf("Invalid wallet address")
	}
	return normalized, nil
}

// normalizeForward 校验转发地址，禁止指向本服务管理的域名以免形成转发环路
func normalizeForward(address, rootDomain string) (string, error) {
	normalized, err := domain.NormalizeEmail(address)
	if err != nil {
		return "", domain.Validationf("Invalid forwarding address")
	}
	_, host, _ := domain.SplitAddress(normalized)
	if host == rootDomain || strings.HasSuffix(host, "."+rootDomain) {
		return "", domain.Validationf("Forwarding address cannot be on %s", rootDomain)
	}
	return normalized, nil
}
