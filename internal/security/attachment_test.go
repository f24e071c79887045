package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckAttachment(t *testing.T) {
	tests := []struct {
		name        string
		filename    string
		contentType string
		data        []byte
		wantErr     bool
	}{
		{"普通文本", "notes.txt", "text/plain", []byte("hello"), false},
		{"日历邀请", "invite.ics", "text/calendar; charset=utf-8", []byte("BEGIN:VCALENDAR"), false},
		{"危险扩展名", "setup.EXE", "application/octet-stream", []byte("x"), true},
		{"伪装的可执行文件", "report.pdf", "application/pdf", []byte{0x4D, 0x5A, 0x90, 0x00}, true},
		{"ELF", "tool", "application/octet-stream", []byte{0x7F, 0x45, 0x4C, 0x46, 0x02}, true},
		{"非法内容类型", "a.txt", "not a type;;", []byte("x"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckAttachment(tt.filename, tt.contentType, tt.data)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
