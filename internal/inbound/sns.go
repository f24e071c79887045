package inbound

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// SNS 消息类型
const (
	TypeSubscriptionConfirmation = "SubscriptionConfirmation"
	TypeNotification             = "Notification"
	TypeUnsubscribeConfirmation  = "UnsubscribeConfirmation"
)

// snsHostRegex SNS 服务域名，订阅确认与证书下载只允许访问这些主机
var snsHostRegex = regexp.MustCompile(`^sns\.[a-z0-9-]+\.amazonaws\.com(\.cn)?$`)

// Envelope SNS 推送的外层消息
type Envelope struct {
	Type             string `json:"Type"`
	MessageID        string `json:"MessageId"`
	TopicArn         string `json:"TopicArn"`
	Subject          string `json:"Subject,omitempty"`
	Message          string `json:"Message"`
	Timestamp        string `json:"Timestamp"`
	SignatureVersion string `json:"SignatureVersion"`
	Signature        string `json:"Signature"`
	SigningCertURL   string `json:"SigningCertURL"`
	SubscribeURL     string `json:"SubscribeURL,omitempty"`
	UnsubscribeURL   string `json:"UnsubscribeURL,omitempty"`
	Token            string `json:"Token,omitempty"`
}

// Notification SES 收信规则产生的通知正文
type Notification struct {
	NotificationType string  `json:"notificationType"`
	Mail             Mail    `json:"mail"`
	Receipt          Receipt `json:"receipt"`
}

// Mail 原始邮件信息
type Mail struct {
	Source        string        `json:"source"`
	MessageID     string        `json:"messageId"`
	Destination   []string      `json:"destination"`
	CommonHeaders CommonHeaders `json:"commonHeaders"`
}

// CommonHeaders SES 预解析的常用头部
type CommonHeaders struct {
	From    []string `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
}

// Receipt 收信结果，Action.ObjectKey 为原文在 blob 存储中的位置
type Receipt struct {
	Recipients []string `json:"recipients"`
	Action     Action   `json:"action"`
}

// Action 收信动作
type Action struct {
	Type       string `json:"type"`
	BucketName string `json:"bucketName"`
	ObjectKey  string `json:"objectKey"`
}

// ParseEnvelope 解析外层 JSON
func ParseEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &env, nil
}

// ParseNotification 解析 Envelope.Message 中的 SES 通知
func ParseNotification(message string) (*Notification, error) {
	var n Notification
	if err := json.Unmarshal([]byte(message), &n); err != nil {
		return nil, fmt.Errorf("decode notification: %w", err)
	}
	return &n, nil
}

// Sender 取 commonHeaders.from 的第一项，缺失时回退到 mail.source
func (n *Notification) Sender() string {
	for _, from := range n.Mail.CommonHeaders.From {
		if strings.TrimSpace(from) != "" {
			return from
		}
	}
	return n.Mail.Source
}

// checkSNSURL 要求 https 且主机属于 SNS
func checkSNSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("url scheme must be https, got %q", u.Scheme)
	}
	if !snsHostRegex.MatchString(strings.ToLower(u.Hostname())) {
		return fmt.Errorf("host %q is not an SNS endpoint", u.Hostname())
	}
	return nil
}
