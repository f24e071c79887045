package inbound

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Merit-Systems/x402email/internal/blob"
	"github.com/Merit-Systems/x402email/internal/routing"
	"github.com/Merit-Systems/x402email/internal/storage/memory"
)

const testTopic = "arn:aws:sns:us-east-1:123456789012:x402email-inbound"

// fakeRouter 按收件人返回预设结果，并记录收到的邮件
type fakeRouter struct {
	outcomes map[string]routing.Disposition
	errs     map[string]error
	calls    []string
	seen     []routing.Inbound
}

func (f *fakeRouter) Resolve(_ context.Context, recipient string, in routing.Inbound) (routing.Disposition, error) {
	f.calls = append(f.calls, recipient)
	f.seen = append(f.seen, in)
	if err := f.errs[recipient]; err != nil {
		return routing.Disposition{Recipient: recipient}, err
	}
	if d, ok := f.outcomes[recipient]; ok {
		d.Recipient = recipient
		return d, nil
	}
	return routing.Disposition{Recipient: recipient, Reason: routing.ReasonNoMailbox}, nil
}

type fixture struct {
	processor *Processor
	router    *fakeRouter
	blobs     *blob.MemoryStore
	store     *memory.Store
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store := memory.NewStore()
	blobs := blob.NewMemoryStore()
	router := &fakeRouter{outcomes: map[string]routing.Disposition{}, errs: map[string]error{}}
	p := NewProcessor(cfg, Deps{
		Router:  router,
		Blobs:   blob.NewManager(blobs, store, nil),
		Deduper: NewStoreDeduper(store, time.Hour),
	})
	return &fixture{processor: p, router: router, blobs: blobs, store: store}
}

func notificationBody(t *testing.T, messageID string, n Notification) []byte {
	t.Helper()
	inner, err := json.Marshal(n)
	require.NoError(t, err)
	body, err := json.Marshal(Envelope{
		Type:      TypeNotification,
		MessageID: messageID,
		TopicArn:  testTopic,
		Message:   string(inner),
		Timestamp: "2026-03-01T12:00:00.000Z",
	})
	require.NoError(t, err)
	return body
}

func sampleNotification(recipients ...string) Notification {
	return Notification{
		NotificationType: "Received",
		Mail: Mail{
			Source:        "bounce@corp.com",
			MessageID:     "ses-msg-1",
			CommonHeaders: CommonHeaders{From: []string{`"Bob" <bob@corp.com>`}, Subject: "Hi"},
		},
		Receipt: Receipt{
			Recipients: recipients,
			Action:     Action{Type: "S3", BucketName: "inbound", ObjectKey: "inbound/abc"},
		},
	}
}

func TestHandleEnvelope(t *testing.T) {
	ctx := context.Background()

	t.Run("无法解析的 JSON", func(t *testing.T) {
		f := newFixture(t, Config{})
		_, err := f.processor.HandleEnvelope(ctx, []byte("{not json"))
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("主题不匹配时忽略", func(t *testing.T) {
		f := newFixture(t, Config{TopicARN: "arn:aws:sns:us-east-1:1:other"})
		res, err := f.processor.HandleEnvelope(ctx, notificationBody(t, "m-1", sampleNotification("alice@x402email.com")))
		require.NoError(t, err)
		assert.Equal(t, StatusIgnored, res.Status)
		assert.Empty(t, f.router.calls)
	})

	t.Run("通知正文无法解析", func(t *testing.T) {
		f := newFixture(t, Config{})
		body, _ := json.Marshal(Envelope{Type: TypeNotification, MessageID: "m-1", Message: "oops"})
		res, err := f.processor.HandleEnvelope(ctx, body)
		require.NoError(t, err)
		assert.Equal(t, StatusRejected, res.Status)
	})

	t.Run("未知类型忽略", func(t *testing.T) {
		f := newFixture(t, Config{})
		res, err := f.processor.HandleEnvelope(ctx, []byte(`{"Type":"UnsubscribeConfirmation","MessageId":"m"}`))
		require.NoError(t, err)
		assert.Equal(t, StatusIgnored, res.Status)
	})

	t.Run("签名错误时拒绝", func(t *testing.T) {
		f := newFixture(t, Config{VerifySignature: true})
		f.processor.verifier = verifierFunc(func(context.Context, *Envelope) error { return ErrBadSignature })
		require.NoError(t, f.blobs.Put(ctx, "inbound/abc", []byte("raw")))

		res, err := f.processor.HandleEnvelope(ctx, notificationBody(t, "m-1", sampleNotification("alice@x402email.com")))
		require.NoError(t, err)
		assert.Equal(t, StatusRejected, res.Status)
		assert.Empty(t, f.router.calls)
	})
}

type verifierFunc func(context.Context, *Envelope) error

func (f verifierFunc) Verify(ctx context.Context, env *Envelope) error { return f(ctx, env) }

func TestSubscriptionConfirmation(t *testing.T) {
	ctx := context.Background()

	t.Run("访问 SubscribeURL 完成确认", func(t *testing.T) {
		var hits int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&hits, 1)
			assert.Equal(t, "ConfirmSubscription", r.URL.Query().Get("Action"))
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		f := newFixture(t, Config{TopicARN: testTopic})
		f.processor.checkURL = func(string) error { return nil }

		body, _ := json.Marshal(Envelope{
			Type:         TypeSubscriptionConfirmation,
			MessageID:    "sub-1",
			TopicArn:     testTopic,
			SubscribeURL: srv.URL + "/?Action=ConfirmSubscription&Token=abc",
		})
		res, err := f.processor.HandleEnvelope(ctx, body)
		require.NoError(t, err)
		assert.Equal(t, StatusConfirmed, res.Status)
		assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
	})

	t.Run("非 SNS 地址拒绝访问", func(t *testing.T) {
		var hits int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&hits, 1)
		}))
		defer srv.Close()

		f := newFixture(t, Config{})
		for _, u := range []string{srv.URL, "https://evil.example.com/confirm", "http://sns.us-east-1.amazonaws.com/"} {
			body, _ := json.Marshal(Envelope{Type: TypeSubscriptionConfirmation, SubscribeURL: u})
			res, err := f.processor.HandleEnvelope(ctx, body)
			require.NoError(t, err)
			assert.Equal(t, StatusRejected, res.Status, u)
		}
		assert.Zero(t, atomic.LoadInt32(&hits))
	})

	t.Run("确认请求失败", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		}))
		defer srv.Close()

		f := newFixture(t, Config{})
		f.processor.checkURL = func(string) error { return nil }
		body, _ := json.Marshal(Envelope{Type: TypeSubscriptionConfirmation, SubscribeURL: srv.URL})
		res, err := f.processor.HandleEnvelope(ctx, body)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, res.Status)
	})
}

func TestProcess(t *testing.T) {
	ctx := context.Background()

	t.Run("部分收件人保留时原文不删除", func(t *testing.T) {
		f := newFixture(t, Config{})
		require.NoError(t, f.blobs.Put(ctx, "inbound/abc", []byte("raw message")))
		f.router.outcomes["alice@x402email.com"] = routing.Disposition{Forwarded: true, Retained: true}
		f.router.outcomes["carol@x402email.com"] = routing.Disposition{Forwarded: true}

		n := sampleNotification("alice@x402email.com", "carol@x402email.com", "ghost@x402email.com")
		res := f.processor.Process(ctx, "m-1", &n)

		assert.Equal(t, StatusProcessed, res.Status)
		assert.Equal(t, 3, res.Recipients)
		assert.Equal(t, 2, res.Forwarded)
		assert.Equal(t, 1, res.Retained)
		assert.Equal(t, 1, res.Dropped)
		assert.False(t, res.BlobDeleted)
		assert.True(t, f.blobs.Has("inbound/abc"))

		require.Len(t, f.router.seen, 3)
		assert.Equal(t, []byte("raw message"), f.router.seen[0].Raw)
		assert.Equal(t, `"Bob" <bob@corp.com>`, f.router.seen[0].From)
		assert.Equal(t, "Hi", f.router.seen[0].Subject)
	})

	t.Run("无人保留时删除原文", func(t *testing.T) {
		f := newFixture(t, Config{})
		require.NoError(t, f.blobs.Put(ctx, "inbound/abc", []byte("raw")))
		f.router.outcomes["alice@x402email.com"] = routing.Disposition{Forwarded: true}

		n := sampleNotification("alice@x402email.com")
		res := f.processor.Process(ctx, "m-1", &n)
		assert.True(t, res.BlobDeleted)
		assert.False(t, f.blobs.Has("inbound/abc"))
	})

	t.Run("重复投递直接确认", func(t *testing.T) {
		f := newFixture(t, Config{})
		require.NoError(t, f.blobs.Put(ctx, "inbound/abc", []byte("raw")))
		f.router.outcomes["alice@x402email.com"] = routing.Disposition{Retained: true}

		body := notificationBody(t, "m-1", sampleNotification("alice@x402email.com"))
		first, err := f.processor.HandleEnvelope(ctx, body)
		require.NoError(t, err)
		assert.Equal(t, StatusProcessed, first.Status)

		second, err := f.processor.HandleEnvelope(ctx, body)
		require.NoError(t, err)
		assert.Equal(t, StatusDuplicate, second.Status)
		assert.Len(t, f.router.calls, 1)
	})

	t.Run("原文缺失时释放去重记录", func(t *testing.T) {
		f := newFixture(t, Config{})
		f.router.outcomes["alice@x402email.com"] = routing.Disposition{Retained: true}

		n := sampleNotification("alice@x402email.com")
		res := f.processor.Process(ctx, "m-1", &n)
		assert.Equal(t, StatusFailed, res.Status)
		assert.Empty(t, f.router.calls)

		// 重投递时可以重新处理
		require.NoError(t, f.blobs.Put(ctx, "inbound/abc", []byte("raw")))
		res = f.processor.Process(ctx, "m-1", &n)
		assert.Equal(t, StatusProcessed, res.Status)
		assert.Equal(t, 1, res.Retained)
	})

	t.Run("缺少 objectKey", func(t *testing.T) {
		f := newFixture(t, Config{})
		n := sampleNotification("alice@x402email.com")
		n.Receipt.Action.ObjectKey = ""
		res := f.processor.Process(ctx, "m-1", &n)
		assert.Equal(t, StatusRejected, res.Status)
	})

	t.Run("单个收件人失败不影响其它收件人", func(t *testing.T) {
		f := newFixture(t, Config{})
		require.NoError(t, f.blobs.Put(ctx, "inbound/abc", []byte("raw")))
		f.router.errs["alice@x402email.com"] = errors.New("db down")
		f.router.outcomes["carol@x402email.com"] = routing.Disposition{Retained: true}

		n := sampleNotification("alice@x402email.com", "carol@x402email.com")
		res := f.processor.Process(ctx, "m-1", &n)
		assert.Equal(t, StatusProcessed, res.Status)
		assert.Equal(t, 1, res.Failed)
		assert.Equal(t, 1, res.Retained)
		assert.Len(t, f.router.calls, 2)
	})

	t.Run("转发失败计入失败数", func(t *testing.T) {
		f := newFixture(t, Config{})
		require.NoError(t, f.blobs.Put(ctx, "inbound/abc", []byte("raw")))
		f.router.outcomes["alice@x402email.com"] = routing.Disposition{ForwardFailed: true}

		n := sampleNotification("alice@x402email.com")
		res := f.processor.Process(ctx, "m-1", &n)
		assert.Equal(t, 1, res.Failed)
		assert.Zero(t, res.Dropped)
		assert.True(t, res.BlobDeleted)
	})

	t.Run("缺省主题与发件人回退", func(t *testing.T) {
		f := newFixture(t, Config{})
		require.NoError(t, f.blobs.Put(ctx, "inbound/abc", []byte("raw")))

		n := sampleNotification("alice@x402email.com")
		n.Mail.CommonHeaders = CommonHeaders{}
		f.processor.Process(ctx, "", &n)

		require.Len(t, f.router.seen, 1)
		assert.Equal(t, DefaultSubject, f.router.seen[0].Subject)
		assert.Equal(t, "bounce@corp.com", f.router.seen[0].From)
	})
}

func TestCheckSNSURL(t *testing.T) {
	assert.NoError(t, checkSNSURL("https://sns.us-east-1.amazonaws.com/?Action=ConfirmSubscription"))
	assert.NoError(t, checkSNSURL("https://sns.cn-north-1.amazonaws.com.cn/x"))
	assert.Error(t, checkSNSURL("http://sns.us-east-1.amazonaws.com/"))
	assert.Error(t, checkSNSURL("https://sns.us-east-1.amazonaws.com.evil.io/"))
	assert.Error(t, checkSNSURL("https://evil.com/sns.us-east-1.amazonaws.com"))
}
