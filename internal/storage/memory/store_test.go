package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Merit-Systems/x402email/internal/domain"
)

const (
	walletA = "0x1111111111111111111111111111111111111111"
	walletB = "0x2222222222222222222222222222222222222222"
)

func TestMemoryStore_RootMailboxOperations(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	now := time.Now().UTC()

	mailbox := &domain.RootMailbox{
		Username:    "alice",
		OwnerWallet: walletA,
		Active:      true,
		ExpiresAt:   now.Add(30 * 24 * time.Hour),
		CreatedAt:   now,
	}
	require.NoError(t, store.CreateRootMailbox(ctx, mailbox))
	assert.NotEmpty(t, mailbox.ID)

	got, err := store.GetRootMailbox(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, walletA, got.OwnerWallet)

	// 重复用户名
	err = store.CreateRootMailbox(ctx, &domain.RootMailbox{Username: "alice", OwnerWallet: walletA})
	assert.ErrorIs(t, err, domain.ErrConflict)

	forward := "alice@gmail.com"
	retain := true
	updated, err := store.UpdateRootMailbox(ctx, "alice", domain.RootMailboxPatch{ForwardTo: &forward, RetainMessages: &retain})
	require.NoError(t, err)
	assert.Equal(t, forward, *updated.ForwardTo)
	assert.True(t, updated.RetainMessages)

	empty := ""
	updated, err = store.UpdateRootMailbox(ctx, "alice", domain.RootMailboxPatch{ForwardTo: &empty})
	require.NoError(t, err)
	assert.Nil(t, updated.ForwardTo)

	list, err := store.ListRootMailboxesByOwner(ctx, "0x1111111111111111111111111111111111111111")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = store.GetRootMailbox(ctx, "nobody")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemoryStore_CrossNamespaceUniqueness(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	require.NoError(t, store.CreateSubdomain(ctx, &domain.Subdomain{Name: "acme", OwnerWallet: walletA}))

	t.Run("其他钱包不能占用同名收件箱", func(t *testing.T) {
		err := store.CreateRootMailbox(ctx, &domain.RootMailbox{Username: "acme", OwnerWallet: walletB})
		assert.ErrorIs(t, err, domain.ErrConflict)
	})

	t.Run("同一钱包可以同时持有", func(t *testing.T) {
		err := store.CreateRootMailbox(ctx, &domain.RootMailbox{Username: "acme", OwnerWallet: walletA})
		assert.NoError(t, err)
	})

	t.Run("收件箱名被占用时其他钱包不能购买子域名", func(t *testing.T) {
		require.NoError(t, store.CreateRootMailbox(ctx, &domain.RootMailbox{Username: "bobco", OwnerWallet: walletB}))
		err := store.CreateSubdomain(ctx, &domain.Subdomain{Name: "bobco", OwnerWallet: walletA})
		assert.ErrorIs(t, err, domain.ErrConflict)
	})
}

func TestMemoryStore_ExtendRootMailbox(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	expiry := now.Add(10 * 24 * time.Hour)

	require.NoError(t, store.CreateRootMailbox(ctx, &domain.RootMailbox{
		Username: "alice", OwnerWallet: walletA, Active: true, ExpiresAt: expiry,
	}))

	t.Run("并发续费不会丢失更新", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.ExtendRootMailbox(ctx, "alice", 30, 1.0, now)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		mb, err := store.GetRootMailbox(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, mb.ExpiresAt.Equal(expiry.AddDate(0, 0, 60)))
		assert.InDelta(t, 2.0, mb.PaidAmount, 1e-9)
		assert.Equal(t, 60, mb.PaidDays)
	})

	t.Run("已过期的收件箱从当前时间起算", func(t *testing.T) {
		require.NoError(t, store.CreateRootMailbox(ctx, &domain.RootMailbox{
			Username: "lapsed", OwnerWallet: walletA, Active: false, ExpiresAt: now.Add(-48 * time.Hour),
		}))
		newExpiry, err := store.ExtendRootMailbox(ctx, "lapsed", 30, 1.0, now)
		require.NoError(t, err)
		assert.True(t, newExpiry.Equal(now.AddDate(0, 0, 30)))

		mb, _ := store.GetRootMailbox(ctx, "lapsed")
		assert.True(t, mb.Active)
	})

	t.Run("已取消的收件箱不能续费", func(t *testing.T) {
		ok, err := store.DeactivateRootMailbox(ctx, "alice", now)
		require.NoError(t, err)
		assert.True(t, ok)

		_, err = store.ExtendRootMailbox(ctx, "alice", 30, 1.0, now)
		assert.ErrorIs(t, err, domain.ErrConflict)

		ok, err = store.DeactivateRootMailbox(ctx, "alice", now)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	_, err := store.ExtendRootMailbox(ctx, "ghost", 30, 1.0, now)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemoryStore_SweepQueries(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tenHoursAgo := now.Add(-10 * time.Hour)
	thirtyHoursAgo := now.Add(-30 * time.Hour)

	fixtures := []*domain.RootMailbox{
		{Username: "expired", Active: true, ExpiresAt: now.Add(-time.Hour)},
		{Username: "fresh", Active: true, ExpiresAt: now.Add(3 * 24 * time.Hour)},
		{Username: "recently", Active: true, ExpiresAt: now.Add(3 * 24 * time.Hour), LastReminderAt: &tenHoursAgo},
		{Username: "stale", Active: true, ExpiresAt: now.Add(3 * 24 * time.Hour), LastReminderAt: &thirtyHoursAgo},
		{Username: "far", Active: true, ExpiresAt: now.Add(20 * 24 * time.Hour)},
		{Username: "off", Active: false, ExpiresAt: now.Add(2 * 24 * time.Hour)},
	}
	for _, mb := range fixtures {
		mb.OwnerWallet = walletA
		require.NoError(t, store.CreateRootMailbox(ctx, mb))
	}

	count, err := store.DeactivateExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	candidates, err := store.ListReminderCandidates(ctx, now, 7*24*time.Hour, 24*time.Hour)
	require.NoError(t, err)
	names := make([]string, 0, len(candidates))
	for _, c := range candidates {
		names = append(names, c.Username)
	}
	assert.ElementsMatch(t, []string{"fresh", "stale"}, names)

	require.NoError(t, store.MarkReminded(ctx, candidates[0].ID, now))
	candidates, err = store.ListReminderCandidates(ctx, now, 7*24*time.Hour, 24*time.Hour)
	require.NoError(t, err)
	assert.Len(t, candidates, 1)
}

func TestMemoryStore_SubdomainInboxesAndSigners(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	sub := &domain.Subdomain{Name: "acme", OwnerWallet: walletA}
	require.NoError(t, store.CreateSubdomain(ctx, sub))

	t.Run("签名钱包幂等且有上限", func(t *testing.T) {
		first, err := store.AddSigner(ctx, sub.ID, "0xABCDEFabcdef0000000000000000000000000001", 2)
		require.NoError(t, err)
		again, err := store.AddSigner(ctx, sub.ID, "0xabcdefabcdef0000000000000000000000000001", 2)
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)

		_, err = store.AddSigner(ctx, sub.ID, walletB, 2)
		require.NoError(t, err)
		_, err = store.AddSigner(ctx, sub.ID, walletA, 2)
		assert.ErrorIs(t, err, domain.ErrLimit)

		ok, err := store.IsSigner(ctx, sub.ID, "0xABCDEFABCDEF0000000000000000000000000001")
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, store.RemoveSigner(ctx, sub.ID, walletB))
		assert.ErrorIs(t, store.RemoveSigner(ctx, sub.ID, walletB), domain.ErrNotFound)
	})

	t.Run("收件箱本地部分唯一且有上限", func(t *testing.T) {
		require.NoError(t, store.CreateSubdomainInbox(ctx, &domain.SubdomainInbox{SubdomainID: sub.ID, LocalPart: "info", Active: true}, 2))
		err := store.CreateSubdomainInbox(ctx, &domain.SubdomainInbox{SubdomainID: sub.ID, LocalPart: "info"}, 2)
		assert.ErrorIs(t, err, domain.ErrConflict)
		require.NoError(t, store.CreateSubdomainInbox(ctx, &domain.SubdomainInbox{SubdomainID: sub.ID, LocalPart: "sales"}, 2))
		err = store.CreateSubdomainInbox(ctx, &domain.SubdomainInbox{SubdomainID: sub.ID, LocalPart: "ops"}, 2)
		assert.ErrorIs(t, err, domain.ErrLimit)
	})

	t.Run("删除收件箱级联删除邮件并返回 blob key", func(t *testing.T) {
		inbox, err := store.GetSubdomainInbox(ctx, sub.ID, "info")
		require.NoError(t, err)

		for _, key := range []string{"k1", "k1", "k2"} {
			require.NoError(t, store.SaveMessage(ctx, domain.KindSubdomainInbox, &domain.RetainedMessage{
				MailboxID: inbox.ID, BlobKey: key, ReceivedAt: time.Now(),
			}))
		}
		keys, err := store.DeleteSubdomainInbox(ctx, inbox.ID)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"k1", "k1", "k2"}, keys)

		count, err := store.CountMessages(ctx, domain.KindSubdomainInbox, inbox.ID)
		require.NoError(t, err)
		assert.Zero(t, count)
	})
}

func TestMemoryStore_MessageOperations(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.SaveMessage(ctx, domain.KindRootMailbox, &domain.RetainedMessage{
			MailboxID:  "mb-1",
			BlobKey:    "shared",
			Subject:    "hello",
			ReceivedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, store.SaveMessage(ctx, domain.KindSubdomainInbox, &domain.RetainedMessage{
		MailboxID: "inbox-1", BlobKey: "shared", ReceivedAt: base,
	}))

	page, err := store.ListMessages(ctx, domain.KindRootMailbox, "mb-1", domain.MessageQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.True(t, page[0].ReceivedAt.After(page[1].ReceivedAt))

	cursor := page[1].ReceivedAt
	next, err := store.ListMessages(ctx, domain.KindRootMailbox, "mb-1", domain.MessageQuery{Before: &cursor, BeforeID: page[1].ID, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, next, 3)

	// 接收时间相同的邮件按 ID 倒序继续
	for i := 0; i < 2; i++ {
		require.NoError(t, store.SaveMessage(ctx, domain.KindRootMailbox, &domain.RetainedMessage{
			MailboxID: "mb-2", BlobKey: "tied", ReceivedAt: base,
		}))
	}
	tied, err := store.ListMessages(ctx, domain.KindRootMailbox, "mb-2", domain.MessageQuery{Limit: 1})
	require.NoError(t, err)
	require.Len(t, tied, 1)
	rest, err := store.ListMessages(ctx, domain.KindRootMailbox, "mb-2", domain.MessageQuery{Before: &base, BeforeID: tied[0].ID, Limit: 10})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Less(t, rest[0].ID, tied[0].ID)

	refs, err := store.CountBlobReferences(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, int64(6), refs)

	require.NoError(t, store.MarkMessageRead(ctx, domain.KindRootMailbox, page[0].ID))
	msg, err := store.GetMessage(ctx, domain.KindRootMailbox, "mb-1", page[0].ID)
	require.NoError(t, err)
	assert.True(t, msg.Read)

	// 邮箱不匹配
	_, err = store.GetMessage(ctx, domain.KindRootMailbox, "mb-2", page[0].ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	key, err := store.DeleteMessage(ctx, domain.KindRootMailbox, "mb-1", page[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "shared", key)
	refs, _ = store.CountBlobReferences(ctx, "shared")
	assert.Equal(t, int64(5), refs)
}

func TestMemoryStore_Notifications(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	old := time.Now().Add(-48 * time.Hour)
	_, err := store.ClaimNotification(ctx, "sns-old", old)
	require.NoError(t, err)
	pruned, err := store.PruneNotifications(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	first, err := store.ClaimNotification(ctx, "sns-1", time.Now())
	require.NoError(t, err)
	assert.True(t, first)

	second, err := store.ClaimNotification(ctx, "sns-1", time.Now())
	require.NoError(t, err)
	assert.False(t, second)

	require.NoError(t, store.ReleaseNotification(ctx, "sns-1"))
	again, err := store.ClaimNotification(ctx, "sns-1", time.Now())
	require.NoError(t, err)
	assert.True(t, again)
}
