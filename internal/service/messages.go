package service

import (
	"bytes"
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"

	"github.com/jhillyerd/enmime/v2"
	"go.uber.org/zap"

	"github.com/Merit-Systems/x402email/internal/blob"
	"github.com/Merit-Systems/x402email/internal/capacity"
	"github.com/Merit-Systems/x402email/internal/domain"
	"github.com/Merit-Systems/x402email/internal/storage"
)

// 分页参数
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// ListQuery 邮件列表请求，Cursor 为上一页返回的 nextCursor
type ListQuery struct {
	Cursor string
	Limit  int
}

// MessagePage 一页邮件
type MessagePage struct {
	Messages   []domain.RetainedMessage `json:"messages"`
	NextCursor string                   `json:"nextCursor,omitempty"`
	Usage      capacity.Usage           `json:"usage"`
}

// Attachment 附件元数据，不返回内容
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int    `json:"size"`
}

// MessageDetail 解析后的邮件
type MessageDetail struct {
	ID          string       `json:"id"`
	From        string       `json:"from"`
	To          []string     `json:"to"`
	Subject     string       `json:"subject"`
	Date        *time.Time   `json:"date,omitempty"`
	Text        string       `json:"text,omitempty"`
	HTML        string       `json:"html,omitempty"`
	Attachments []Attachment `json:"attachments"`
	ReceivedAt  time.Time    `json:"receivedAt"`
}

// DeleteMessageResult 删除结果
type DeleteMessageResult struct {
	MessageID   string `json:"messageId"`
	Deleted     bool   `json:"deleted"`
	BlobDeleted bool   `json:"blobDeleted"`
}

// messageBox 两类邮箱共用的邮件读写逻辑
type messageBox struct {
	store    storage.MessageRepository
	blobs    *blob.Manager
	capacity capacity.Enforcer
	log      *zap.Logger
}

func (b *messageBox) list(ctx context.Context, kind domain.MailboxKind, mailboxID string, q ListQuery) (*MessagePage, error) {
	limit := q.Limit
	if limit == 0 {
		limit = DefaultPageSize
	}
	if limit < 1 || limit > MaxPageSize {
		return nil, domain.Validationf("limit must be between 1 and %d", MaxPageSize)
	}

	// 多取一条判断是否还有下一页
	query := domain.MessageQuery{Limit: limit + 1}
	if q.Cursor != "" {
		before, id, err := parseCursor(q.Cursor)
		if err != nil {
			return nil, err
		}
		query.Before, query.BeforeID = &before, id
	}

	messages, err := b.store.ListMessages(ctx, kind, mailboxID, query)
	if err != nil {
		return nil, err
	}
	count, err := b.store.CountMessages(ctx, kind, mailboxID)
	if err != nil {
		return nil, err
	}

	page := &MessagePage{Messages: messages, Usage: b.capacity.Usage(count)}
	if len(messages) > limit {
		page.Messages = messages[:limit]
		page.NextCursor = formatCursor(&page.Messages[limit-1])
	}
	return page, nil
}

// 游标格式：<receivedAt RFC3339Nano>|<message id>
const cursorSep = "|"

func formatCursor(m *domain.RetainedMessage) string {
	return m.ReceivedAt.UTC().Format(time.RFC3339Nano) + cursorSep + m.ID
}

func parseCursor(cursor string) (time.Time, string, error) {
	ts, id, ok := strings.Cut(cursor, cursorSep)
	if !ok || id == "" {
		return time.Time{}, "", domain.Validationf("Invalid cursor")
	}
	before, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, "", domain.Validationf("Invalid cursor")
	}
	return before, id, nil
}

func (b *messageBox) read(ctx context.Context, kind domain.MailboxKind, mailboxID, messageID string) (*MessageDetail, error) {
	message, err := b.store.GetMessage(ctx, kind, mailboxID, messageID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.NotFoundf("Message not found")
	}
	if err != nil {
		return nil, err
	}

	raw, err := b.blobs.Fetch(ctx, message.BlobKey)
	if err != nil {
		return nil, err
	}

	detail, err := parseMessage(raw)
	if err != nil {
		b.log.Warn("failed to parse message", zap.String("message_id", messageID), zap.Error(err))
		return nil, err
	}
	detail.ID = message.ID
	detail.ReceivedAt = message.ReceivedAt

	if !message.Read {
		if err := b.store.MarkMessageRead(ctx, kind, message.ID); err != nil {
			b.log.Warn("failed to mark message read", zap.String("message_id", messageID), zap.Error(err))
		}
	}
	return detail, nil
}

// remove 先删除记录再按引用计数释放 blob
func (b *messageBox) remove(ctx context.Context, kind domain.MailboxKind, mailboxID, messageID string) (*DeleteMessageResult, error) {
	key, err := b.store.DeleteMessage(ctx, kind, mailboxID, messageID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.NotFoundf("Message not found")
	}
	if err != nil {
		return nil, err
	}

	result := &DeleteMessageResult{MessageID: messageID, Deleted: true}
	released, err := b.blobs.Release(ctx, key)
	if err != nil {
		b.log.Warn("failed to release blob", zap.String("key", key), zap.Error(err))
	}
	result.BlobDeleted = released
	return result, nil
}

// parseMessage 用 enmime 解析原始邮件
func parseMessage(raw []byte) (*MessageDetail, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}

	detail := &MessageDetail{
		From:        env.GetHeader("From"),
		Subject:     env.GetHeader("Subject"),
		Text:        env.Text,
		HTML:        env.HTML,
		To:          []string{},
		Attachments: make([]Attachment, 0, len(env.Attachments)),
	}
	if detail.From == "" {
		detail.From = "unknown"
	}
	if detail.Subject == "" {
		detail.Subject = "(no subject)"
	}
	if addrs, err := env.AddressList("To"); err == nil {
		for _, addr := range addrs {
			detail.To = append(detail.To, addr.Address)
		}
	}
	if date, err := mail.ParseDate(env.GetHeader("Date")); err == nil {
		utc := date.UTC()
		detail.Date = &utc
	}
	for _, part := range env.Attachments {
		name := part.FileName
		if name == "" {
			name = "untitled"
		}
		contentType := part.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		detail.Attachments = append(detail.Attachments, Attachment{
			Filename:    name,
			ContentType: contentType,
			Size:        len(part.Content),
		})
	}
	return detail, nil
}
