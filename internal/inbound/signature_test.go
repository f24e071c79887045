package inbound

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCertURL = "https://sns.us-east-1.amazonaws.com/SimpleNotificationService-test.pem"

func newSigningKey(t *testing.T) (*rsa.PrivateKey, *x509.Certificate) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "sns.amazonaws.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return key, cert
}

func sign(t *testing.T, key *rsa.PrivateKey, env *Envelope) {
	t.Helper()
	data := []byte(canonicalString(env))
	var (
		sig []byte
		err error
	)
	if env.SignatureVersion == "1" {
		sum := sha1.Sum(data)
		sig, err = rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA1, sum[:])
	} else {
		sum := sha256.Sum256(data)
		sig, err = rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, sum[:])
	}
	require.NoError(t, err)
	env.Signature = base64.StdEncoding.EncodeToString(sig)
}

func TestSignatureVerifier(t *testing.T) {
	key, cert := newSigningKey(t)
	v := NewSignatureVerifier(nil)
	v.certs[testCertURL] = cert
	ctx := context.Background()

	for _, version := range []string{"1", "2"} {
		t.Run("签名版本 "+version, func(t *testing.T) {
			env := &Envelope{
				Type:             TypeNotification,
				MessageID:        "m-1",
				TopicArn:         testTopic,
				Subject:          "Amazon SES Email Receipt Notification",
				Message:          `{"notificationType":"Received"}`,
				Timestamp:        "2026-03-01T12:00:00.000Z",
				SignatureVersion: version,
				SigningCertURL:   testCertURL,
			}
			sign(t, key, env)
			assert.NoError(t, v.Verify(ctx, env))

			env.Message = `{"notificationType":"Tampered"}`
			assert.ErrorIs(t, v.Verify(ctx, env), ErrBadSignature)
		})
	}

	t.Run("订阅确认的签名字段", func(t *testing.T) {
		env := &Envelope{
			Type:             TypeSubscriptionConfirmation,
			MessageID:        "sub-1",
			TopicArn:         testTopic,
			Message:          "You have chosen to subscribe",
			SubscribeURL:     "https://sns.us-east-1.amazonaws.com/?Action=ConfirmSubscription",
			Token:            "tok",
			Timestamp:        "2026-03-01T12:00:00.000Z",
			SignatureVersion: "2",
			SigningCertURL:   testCertURL,
		}
		sign(t, key, env)
		assert.NoError(t, v.Verify(ctx, env))
	})

	t.Run("不支持的版本", func(t *testing.T) {
		err := v.Verify(ctx, &Envelope{SignatureVersion: "3", SigningCertURL: testCertURL})
		assert.ErrorIs(t, err, ErrBadSignature)
	})

	t.Run("证书地址必须是 SNS 的 pem", func(t *testing.T) {
		for _, u := range []string{
			"https://evil.example.com/cert.pem",
			"https://sns.us-east-1.amazonaws.com/cert.txt",
			"http://sns.us-east-1.amazonaws.com/cert.pem",
		} {
			err := v.Verify(ctx, &Envelope{SignatureVersion: "1", Signature: "AAAA", SigningCertURL: u})
			assert.ErrorIs(t, err, ErrBadSignature, u)
		}
	})
}

func TestCanonicalString(t *testing.T) {
	env := &Envelope{Type: TypeNotification, MessageID: "id", Message: "msg", Timestamp: "ts", TopicArn: "arn"}
	assert.Equal(t, "Message\nmsg\nMessageId\nid\nTimestamp\nts\nTopicArn\narn\nType\nNotification\n", canonicalString(env))
}
