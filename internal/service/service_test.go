package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Merit-Systems/x402email/internal/blob"
	"github.com/Merit-Systems/x402email/internal/capacity"
	"github.com/Merit-Systems/x402email/internal/domain"
	"github.com/Merit-Systems/x402email/internal/ledger"
	"github.com/Merit-Systems/x402email/internal/storage/memory"
)

const (
	ownerWallet    = "0x1111111111111111111111111111111111111111"
	strangerWallet = "0x2222222222222222222222222222222222222222"
	signerWallet   = "0x3333333333333333333333333333333333333333"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const testRaw = "From: \"Bob\" <bob@corp.com>\r\n" +
	"To: alice@x402email.com\r\n" +
	"Subject: Quarterly report\r\n" +
	"Date: Sun, 01 Mar 2026 10:00:00 +0000\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=\"b1\"\r\n" +
	"\r\n" +
	"--b1\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"See attached.\r\n" +
	"--b1\r\n" +
	"Content-Type: text/csv\r\n" +
	"Content-Disposition: attachment; filename=\"q1.csv\"\r\n" +
	"\r\n" +
	"a,b\r\n1,2\r\n" +
	"--b1--\r\n"

type mockSender struct {
	mock.Mock
}

func (m *mockSender) SendRaw(ctx context.Context, from string, to []string, raw []byte) (string, error) {
	args := m.Called(ctx, from, to, raw)
	return args.String(0), args.Error(1)
}

type fixture struct {
	store   *memory.Store
	objects *blob.MemoryStore
	sender  *mockSender
	cfg     Config
	deps    Deps
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewStore()
	objects := blob.NewMemoryStore()
	snd := &mockSender{}
	clock := func() time.Time { return testNow }

	f := &fixture{
		store:   store,
		objects: objects,
		sender:  snd,
		cfg: Config{
			RootDomain:   "x402email.com",
			RelayAddress: "relay@x402email.com",
			RelayName:    "x402email",
		},
	}
	f.deps = Deps{
		Store:    store,
		Blobs:    blob.NewManager(objects, store, nil),
		Ledger:   ledger.New(ledger.DefaultConfig(), ledger.Deps{Store: store, Clock: clock}),
		Sender:   snd,
		Capacity: capacity.New(),
		Clock:    clock,
	}
	return f
}

func (f *fixture) inboxes() *InboxService {
	return NewInboxService(f.cfg, f.deps)
}

func (f *fixture) subdomains() *SubdomainService {
	return NewSubdomainService(f.cfg, f.deps)
}

func (f *fixture) outbound() *OutboundService {
	return NewOutboundService(f.cfg, f.deps)
}

// retain 写入一封保留邮件及其原文
func (f *fixture) retain(t *testing.T, kind domain.MailboxKind, mailboxID, key string, at time.Time) *domain.RetainedMessage {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.objects.Put(ctx, key, []byte(testRaw)))
	msg := &domain.RetainedMessage{
		MailboxID:  mailboxID,
		BlobKey:    key,
		FromEmail:  "bob@corp.com",
		Subject:    "Quarterly report",
		ReceivedAt: at,
	}
	require.NoError(t, f.store.SaveMessage(ctx, kind, msg))
	return msg
}

func strPtr(s string) *string { return &s }

func boolPtr(b bool) *bool { return &b }
