// Package rewrite 在转发前改写原始邮件头。
//
// 只改动头部中与身份相关的字段，正文（含 MIME 边界和附件）逐字节保留。
package rewrite

import (
	"bytes"
	"net/mail"
	"strings"
)

// Params 改写参数
type Params struct {
	ForwardTo    string // 转发目的地址
	OriginalFrom string // 原始发件人，可以带显示名
	OriginalTo   string // 原始收件人
	RelayAddress string // 中继地址，如 relay@x402email.com
	RelaySuffix  string // 显示名后缀，如 "via relay"
	RelayName    string // X-Relayed-By 的值
}

// replaced 需要替换的头，值为输出顺序
var replaced = map[string]int{
	"from":        0,
	"to":          1,
	"reply-to":    2,
	"return-path": 3,
}

// removed 需要整体删除的头
var removed = map[string]bool{
	"dkim-signature": true,
}

// Rewrite 改写邮件头
//
// 找不到头/正文分隔的空行时原样返回输入。
func Rewrite(raw []byte, p Params) []byte {
	headerEnd, eol, ok := splitHeader(raw)
	if !ok {
		return raw
	}
	header, body := raw[:headerEnd], raw[headerEnd:]

	values := [4]string{
		"From: " + RelayIdentity(DisplayName(p.OriginalFrom), p.RelaySuffix, p.RelayAddress),
		"To: " + sanitize(p.ForwardTo),
		"Reply-To: " + sanitize(ExtractAddress(p.OriginalFrom)),
		"Return-Path: <" + sanitize(p.RelayAddress) + ">",
	}
	written := [4]bool{}

	out := make([]byte, 0, len(raw)+256)
	for _, field := range logicalFields(header) {
		name := fieldName(field)
		if removed[name] {
			continue
		}
		if idx, ok := replaced[name]; ok {
			if !written[idx] {
				out = append(out, values[idx]...)
				out = append(out, eol...)
				written[idx] = true
			}
			continue
		}
		out = append(out, field...)
	}

	for idx, value := range values {
		if !written[idx] {
			out = append(out, value...)
			out = append(out, eol...)
		}
	}

	out = append(out, "X-Original-To: "+sanitize(p.OriginalTo)...)
	out = append(out, eol...)
	out = append(out, "X-Relayed-By: "+sanitize(p.RelayName)...)
	out = append(out, eol...)

	return append(out, body...)
}

// splitHeader 返回头部结束位置（含最后一个头的换行）和行结束符
func splitHeader(raw []byte) (int, string, bool) {
	// 以空行开头的邮件没有头部
	if bytes.HasPrefix(raw, []byte("\r\n")) {
		return 0, "\r\n", true
	}
	if bytes.HasPrefix(raw, []byte("\n")) {
		return 0, "\n", true
	}

	crlf := bytes.Index(raw, []byte("\r\n\r\n"))
	lf := bytes.Index(raw, []byte("\n\n"))
	switch {
	case crlf < 0 && lf < 0:
		return 0, "", false
	case lf < 0 || (crlf >= 0 && crlf < lf):
		return crlf + 2, "\r\n", true
	default:
		return lf + 1, "\n", true
	}
}

// logicalFields 按折行规则把头部切分为逻辑字段，每个字段保留原始字节
func logicalFields(header []byte) [][]byte {
	var fields [][]byte
	start := -1
	for pos := 0; pos < len(header); {
		end := bytes.IndexByte(header[pos:], '\n')
		if end < 0 {
			end = len(header)
		} else {
			end = pos + end + 1
		}

		line := header[pos:end]
		continuation := len(line) > 0 && (line[0] == ' ' || line[0] == '\t')
		if !continuation || start < 0 {
			if start >= 0 {
				fields = append(fields, header[start:pos])
			}
			start = pos
		}
		pos = end
	}
	if start >= 0 {
		fields = append(fields, header[start:])
	}
	return fields
}

func fieldName(field []byte) string {
	colon := bytes.IndexByte(field, ':')
	if colon < 0 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(string(field[:colon])))
}

// RelayIdentity 构造中继发件人 "<显示名> <后缀>" <relay@domain>
func RelayIdentity(display, suffix, relayAddress string) string {
	display = cleanDisplay(display)
	suffix = cleanDisplay(suffix)
	name := strings.TrimSpace(display + " " + suffix)
	if name == "" {
		return "<" + sanitize(relayAddress) + ">"
	}
	return `"` + name + `" <` + sanitize(relayAddress) + `>`
}

// DisplayName 提取显示名，没有显示名时使用地址的本地部分
func DisplayName(from string) string {
	from = strings.TrimSpace(from)

	if parsed, err := mail.ParseAddress(sanitize(from)); err == nil {
		if name := cleanDisplay(parsed.Name); name != "" {
			return name
		}
	}

	if strings.HasPrefix(from, `"`) {
		if quoted, ok := unquote(from[1:]); ok {
			if name := cleanDisplay(quoted); name != "" {
				return name
			}
		}
	}

	if lt := strings.Index(from, "<"); lt > 0 {
		if name := cleanDisplay(from[:lt]); name != "" {
			return name
		}
	}

	addr := ExtractAddress(from)
	if at := strings.LastIndex(addr, "@"); at > 0 {
		return cleanDisplay(addr[:at])
	}
	return cleanDisplay(addr)
}

// ExtractAddress 从 "Name <addr>" 或裸地址中取出地址部分
func ExtractAddress(from string) string {
	from = sanitize(strings.TrimSpace(from))
	if parsed, err := mail.ParseAddress(from); err == nil {
		return parsed.Address
	}
	if lt := strings.LastIndex(from, "<"); lt >= 0 {
		if gt := strings.Index(from[lt:], ">"); gt > 0 {
			return strings.TrimSpace(from[lt+1 : lt+gt])
		}
	}
	return strings.Trim(from, "<> ")
}

// sanitize 去除 CR/LF，防止头注入
func sanitize(value string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(value)
}

// unquote 读取到第一个未转义的右引号为止，返回去掉转义后的内容
func unquote(s string) (string, bool) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if i+1 < len(s) {
				i++
				b.WriteByte(s[i])
			}
		case '"':
			return b.String(), true
		default:
			b.WriteByte(s[i])
		}
	}
	return "", false
}

// cleanDisplay 显示名额外去除引号和反斜杠
func cleanDisplay(value string) string {
	return strings.TrimSpace(strings.NewReplacer(`"`, "", `\`, "").Replace(sanitize(value)))
}
