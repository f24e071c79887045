package inbound

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// ErrBadSignature SNS 签名校验失败
var ErrBadSignature = errors.New("invalid sns signature")

// maxCertSize 证书响应体上限
const maxCertSize = 64 << 10

// SignatureVerifier 校验 SNS 消息签名
type SignatureVerifier struct {
	client *http.Client

	mu    sync.RWMutex
	certs map[string]*x509.Certificate
}

// NewSignatureVerifier 证书按 URL 缓存
func NewSignatureVerifier(client *http.Client) *SignatureVerifier {
	if client == nil {
		client = http.DefaultClient
	}
	return &SignatureVerifier{
		client: client,
		certs:  make(map[string]*x509.Certificate),
	}
}

// Verify 按 SignatureVersion 1 (SHA1) 或 2 (SHA256) 校验
func (v *SignatureVerifier) Verify(ctx context.Context, env *Envelope) error {
	var alg x509.SignatureAlgorithm
	switch env.SignatureVersion {
	case "1":
		alg = x509.SHA1WithRSA
	case "2":
		alg = x509.SHA256WithRSA
	default:
		return fmt.Errorf("%w: unsupported signature version %q", ErrBadSignature, env.SignatureVersion)
	}

	sig, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		return fmt.Errorf("%w: decode signature: %v", ErrBadSignature, err)
	}

	cert, err := v.certificate(ctx, env.SigningCertURL)
	if err != nil {
		return err
	}

	if err := cert.CheckSignature(alg, []byte(canonicalString(env)), sig); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return nil
}

// canonicalString 按 SNS 规则拼接待签名字符串
func canonicalString(env *Envelope) string {
	var fields [][2]string
	switch env.Type {
	case TypeSubscriptionConfirmation, TypeUnsubscribeConfirmation:
		fields = [][2]string{
			{"Message", env.Message},
			{"MessageId", env.MessageID},
			{"SubscribeURL", env.SubscribeURL},
			{"Timestamp", env.Timestamp},
			{"Token", env.Token},
			{"TopicArn", env.TopicArn},
			{"Type", env.Type},
		}
	default:
		fields = [][2]string{
			{"Message", env.Message},
			{"MessageId", env.MessageID},
		}
		if env.Subject != "" {
			fields = append(fields, [2]string{"Subject", env.Subject})
		}
		fields = append(fields,
			[2]string{"Timestamp", env.Timestamp},
			[2]string{"TopicArn", env.TopicArn},
			[2]string{"Type", env.Type},
		)
	}

	var b strings.Builder
	for _, f := range fields {
		b.WriteString(f[0])
		b.WriteByte('\n')
		b.WriteString(f[1])
		b.WriteByte('\n')
	}
	return b.String()
}

func (v *SignatureVerifier) certificate(ctx context.Context, certURL string) (*x509.Certificate, error) {
	v.mu.RLock()
	cert, ok := v.certs[certURL]
	v.mu.RUnlock()
	if ok {
		return cert, nil
	}

	if err := checkSNSURL(certURL); err != nil {
		return nil, fmt.Errorf("%w: signing cert: %v", ErrBadSignature, err)
	}
	if u, _ := url.Parse(certURL); !strings.HasSuffix(u.Path, ".pem") {
		return nil, fmt.Errorf("%w: signing cert must be a .pem file", ErrBadSignature)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, certURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch signing cert: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch signing cert: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCertSize))
	if err != nil {
		return nil, fmt.Errorf("read signing cert: %w", err)
	}

	block, _ := pem.Decode(body)
	if block == nil {
		return nil, fmt.Errorf("%w: signing cert is not PEM", ErrBadSignature)
	}
	cert, err = x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parse signing cert: %v", ErrBadSignature, err)
	}

	v.mu.Lock()
	v.certs[certURL] = cert
	v.mu.Unlock()
	return cert, nil
}
