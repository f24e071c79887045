// Package payment 把退款金额交给外部转账服务。
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Merit-Systems/x402email/internal/config"
)

// ErrNotConfigured 未配置转账服务
var ErrNotConfigured = errors.New("refund transfer is not configured")

// TransferRequest 一笔退款
type TransferRequest struct {
	To        string  // 收款钱包，小写
	Amount    float64 // 美元，保留 4 位小数
	Reference string  // 业务引用，例如收件箱用户名
}

// Transferer 转账服务
type Transferer interface {
	Transfer(ctx context.Context, req TransferRequest) (txHash string, err error)
}

// HTTPTransferer 调用外部转账 API
type HTTPTransferer struct {
	url        string
	token      string
	network    string
	currency   string
	httpClient *http.Client
	log        *zap.Logger
}

type transferPayload struct {
	To             string `json:"to"`
	Amount         string `json:"amount"`
	Currency       string `json:"currency"`
	Network        string `json:"network"`
	Reference      string `json:"reference"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type transferResponse struct {
	TxHash string `json:"txHash"`
	Error  string `json:"error,omitempty"`
}

// NewHTTPTransferer 创建转账客户端
func NewHTTPTransferer(cfg config.PaymentConfig, log *zap.Logger) *HTTPTransferer {
	if log == nil {
		log = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPTransferer{
		url:      cfg.TransferURL,
		token:    cfg.APIToken,
		network:  cfg.Network,
		currency: cfg.Currency,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: log.Named("payment"),
	}
}

// Transfer 发起转账并返回交易哈希
func (t *HTTPTransferer) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	if t.url == "" {
		return "", ErrNotConfigured
	}

	payload, err := json.Marshal(transferPayload{
		To:             req.To,
		Amount:         strconv.FormatFloat(req.Amount, 'f', 4, 64),
		Currency:       t.currency,
		Network:        t.network,
		Reference:      req.Reference,
		IdempotencyKey: uuid.NewString(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal transfer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to send transfer: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("transfer rejected: HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var out transferResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("failed to decode transfer response: %w", err)
	}
	if out.TxHash == "" {
		return "", fmt.Errorf("transfer response missing txHash: %s", out.Error)
	}

	t.log.Info("refund transferred",
		zap.String("to", req.To),
		zap.Float64("amount", req.Amount),
		zap.String("tx_hash", out.TxHash),
	)
	return out.TxHash, nil
}
