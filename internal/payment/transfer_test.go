package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Merit-Systems/x402email/internal/config"
)

func TestHTTPTransferer(t *testing.T) {
	ctx := context.Background()

	t.Run("成功返回交易哈希", func(t *testing.T) {
		var got transferPayload
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			_ = json.NewEncoder(w).Encode(transferResponse{TxHash: "0xdeadbeef"})
		}))
		defer srv.Close()

		tr := NewHTTPTransferer(config.PaymentConfig{
			TransferURL: srv.URL,
			APIToken:    "secret",
			Network:     "base",
			Currency:    "USDC",
		}, nil)

		hash, err := tr.Transfer(ctx, TransferRequest{To: "0xabc", Amount: 0.6667, Reference: "alice"})
		require.NoError(t, err)
		assert.Equal(t, "0xdeadbeef", hash)
		assert.Equal(t, "0xabc", got.To)
		assert.Equal(t, "0.6667", got.Amount)
		assert.Equal(t, "USDC", got.Currency)
		assert.Equal(t, "base", got.Network)
		assert.Equal(t, "alice", got.Reference)
		assert.NotEmpty(t, got.IdempotencyKey)
	})

	t.Run("非 2xx 视为失败", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "insufficient funds", http.StatusPaymentRequired)
		}))
		defer srv.Close()

		tr := NewHTTPTransferer(config.PaymentConfig{TransferURL: srv.URL}, nil)
		_, err := tr.Transfer(ctx, TransferRequest{To: "0xabc", Amount: 1})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "402")
	})

	t.Run("响应缺少 txHash", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"error":"queued"}`))
		}))
		defer srv.Close()

		tr := NewHTTPTransferer(config.PaymentConfig{TransferURL: srv.URL}, nil)
		_, err := tr.Transfer(ctx, TransferRequest{To: "0xabc", Amount: 1})
		assert.Error(t, err)
	})

	t.Run("未配置地址", func(t *testing.T) {
		tr := NewHTTPTransferer(config.PaymentConfig{}, nil)
		_, err := tr.Transfer(ctx, TransferRequest{To: "0xabc", Amount: 1})
		assert.ErrorIs(t, err, ErrNotConfigured)
	})
}
