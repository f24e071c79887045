package rewrite

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testParams() Params {
	return Params{
		ForwardTo:    "alice@gmail.com",
		OriginalFrom: `"Bob" <bob@corp.com>`,
		OriginalTo:   "alice@x402email.com",
		RelayAddress: "relay@x402email.com",
		RelaySuffix:  "via relay",
		RelayName:    "x402email",
	}
}

// headerLines 返回分隔空行之前的所有头部行
func headerLines(t *testing.T, msg []byte, eol string) []string {
	t.Helper()
	idx := strings.Index(string(msg), eol+eol)
	require.GreaterOrEqual(t, idx, 0)
	return strings.Split(string(msg[:idx]), eol)
}

func TestRewrite(t *testing.T) {
	t.Run("基本改写", func(t *testing.T) {
		raw := "From: \"Bob\" <bob@corp.com>\r\n" +
			"To: alice@x402email.com\r\n" +
			"Subject: Hi\r\n" +
			"DKIM-Signature: v=1; a=rsa-sha256; d=corp.com;\r\n" +
			"\tb=abcdef\r\n" +
			"Message-ID: <1@corp.com>\r\n" +
			"\r\n" +
			"Hello Alice\r\n"

		out := Rewrite([]byte(raw), testParams())
		lines := headerLines(t, out, "\r\n")

		assert.Equal(t, []string{
			`From: "Bob via relay" <relay@x402email.com>`,
			"To: alice@gmail.com",
			"Subject: Hi",
			"Message-ID: <1@corp.com>",
			"Reply-To: bob@corp.com",
			"Return-Path: <relay@x402email.com>",
			"X-Original-To: alice@x402email.com",
			"X-Relayed-By: x402email",
		}, lines)
		assert.True(t, bytes.HasSuffix(out, []byte("\r\n\r\nHello Alice\r\n")))
		assert.NotContains(t, string(out), "DKIM")
		assert.NotContains(t, string(out), "b=abcdef")
	})

	t.Run("原地替换已有的 Reply-To 和 Return-Path 并去重", func(t *testing.T) {
		raw := "Return-Path: <bounce@corp.com>\n" +
			"From: bob@corp.com\n" +
			"Reply-To: other@corp.com\n" +
			"From: second@corp.com\n" +
			"To: a@x402email.com,\n" +
			" b@x402email.com\n" +
			"\n" +
			"body\n"

		out := Rewrite([]byte(raw), testParams())
		lines := headerLines(t, out, "\n")

		assert.Equal(t, []string{
			"Return-Path: <relay@x402email.com>",
			`From: "Bob via relay" <relay@x402email.com>`,
			"Reply-To: bob@corp.com",
			"To: alice@gmail.com",
			"X-Original-To: alice@x402email.com",
			"X-Relayed-By: x402email",
		}, lines)
		assert.True(t, bytes.HasSuffix(out, []byte("\n\nbody\n")))
	})

	t.Run("找不到分隔时原样返回", func(t *testing.T) {
		raw := []byte("From: bob@corp.com\r\nSubject: no body")
		assert.Equal(t, raw, Rewrite(raw, testParams()))
	})

	t.Run("空头部时补齐全部字段", func(t *testing.T) {
		raw := []byte("\r\nbody only")
		out := Rewrite(raw, testParams())
		assert.True(t, bytes.HasPrefix(out, []byte(`From: "Bob via relay" <relay@x402email.com>`+"\r\n")))
		assert.True(t, bytes.HasSuffix(out, []byte("X-Relayed-By: x402email\r\n\r\nbody only")))
	})

	t.Run("正文与附件逐字节保留", func(t *testing.T) {
		body := "\r\n--BOUNDARY\r\n" +
			"Content-Type: text/plain\r\n\r\nHi\r\n" +
			"--BOUNDARY\r\n" +
			"Content-Type: application/pdf\r\n" +
			"Content-Transfer-Encoding: base64\r\n\r\n" +
			"JVBERi0xLjQKJcfsj6IKNSAwIG9iago=\r\n" +
			"--BOUNDARY--\r\n"
		raw := "From: bob@corp.com\r\n" +
			"Content-Type: multipart/mixed; boundary=\"BOUNDARY\"\r\n" +
			body

		out := Rewrite([]byte(raw), testParams())
		assert.True(t, bytes.HasSuffix(out, []byte(body)))
		assert.Contains(t, string(out), "Content-Type: multipart/mixed; boundary=\"BOUNDARY\"\r\n")
	})

	t.Run("阻止头注入", func(t *testing.T) {
		p := testParams()
		p.OriginalFrom = "\"Evil\r\nBcc: victim@x.com\" <evil@corp.com>"
		p.ForwardTo = "alice@gmail.com\r\nBcc: victim@x.com"

		out := Rewrite([]byte("Subject: x\n\nbody"), p)
		for _, line := range headerLines(t, out, "\n") {
			assert.False(t, strings.HasPrefix(line, "Bcc:"), line)
		}
	})
}

func TestDisplayName(t *testing.T) {
	tests := []struct {
		name string
		from string
		want string
	}{
		{"引号显示名", `"Bob Smith" <bob@corp.com>`, "Bob Smith"},
		{"无引号显示名", `Bob Smith <bob@corp.com>`, "Bob Smith"},
		{"裸地址使用本地部分", "bob@corp.com", "bob"},
		{"尖括号地址使用本地部分", "<bob@corp.com>", "bob"},
		{"空显示名", `"" <bob@corp.com>`, "bob"},
		{"去除引号和换行", "\"Bo\\\"b\r\n\" <bob@corp.com>", "Bob"},
		{"转义引号不截断显示名", `"Bob \"B\"" <b@c.com>`, "Bob B"},
		{"未闭合的转义引号", `"Bob \"B <b@c.com>`, "Bob B"},
		{"去除反斜杠", `"Bob\\" <bob@corp.com>`, "Bob"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DisplayName(tt.from))
		})
	}
}

func TestExtractAddress(t *testing.T) {
	assert.Equal(t, "bob@corp.com", ExtractAddress(`"Bob" <bob@corp.com>`))
	assert.Equal(t, "bob@corp.com", ExtractAddress("bob@corp.com"))
	assert.Equal(t, "bob@corp.com", ExtractAddress("Bob <bob@corp.com> (work)"))
	assert.Equal(t, "bob@corp.com", ExtractAddress("<bob@corp.com>"))
}

func TestRelayIdentity(t *testing.T) {
	assert.Equal(t, `"Bob via relay" <relay@x402email.com>`, RelayIdentity("Bob", "via relay", "relay@x402email.com"))
	assert.Equal(t, `"via relay" <relay@x402email.com>`, RelayIdentity("", "via relay", "relay@x402email.com"))
	assert.Equal(t, "<relay@x402email.com>", RelayIdentity("", "", "relay@x402email.com"))
	// 结尾反斜杠不能转义右引号
	assert.Equal(t, `"Bob" <relay@x402email.com>`, RelayIdentity(`Bob\`, "", "relay@x402email.com"))
}
