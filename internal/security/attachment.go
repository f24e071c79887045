package security

import (
	"bytes"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
)

// 禁止外发的可执行文件扩展名
var dangerousExtensions = map[string]bool{
	".exe": true,
	".bat": true,
	".cmd": true,
	".scr": true,
	".pif": true,
	".com": true,
	".vbs": true,
	".js":  true,
	".jar": true,
	".msi": true,
	".ps1": true,
}

// 可执行文件魔数
var executableSignatures = [][]byte{
	{0x4D, 0x5A},             // PE
	{0x7F, 0x45, 0x4C, 0x46}, // ELF
	{0xFE, 0xED, 0xFA, 0xCE}, // Mach-O
	{0xCE, 0xFA, 0xED, 0xFE}, // Mach-O (reverse)
	{0xCF, 0xFA, 0xED, 0xFE}, // Mach-O 64
}

// CheckAttachment 检查外发附件，返回拒绝原因
//
// 附件类型不做白名单限制，只拦截可执行文件。
func CheckAttachment(filename, contentType string, data []byte) error {
	ext := strings.ToLower(filepath.Ext(filename))
	if dangerousExtensions[ext] {
		return fmt.Errorf("dangerous file extension: %s", ext)
	}

	if _, _, err := mime.ParseMediaType(contentType); err != nil {
		return fmt.Errorf("invalid content type: %s", contentType)
	}

	for _, sig := range executableSignatures {
		if bytes.HasPrefix(data, sig) {
			return fmt.Errorf("executable content detected")
		}
	}
	return nil
}
