package httptransport

import (
	"errors"

	"github.com/Merit-Systems/x402email/internal/blob"
	"github.com/Merit-Systems/x402email/internal/inbound"
)

// 通用提示信息
const (
	MsgOK              = "OK"
	MsgCreated         = "Created"
	MsgInvalidRequest  = "Invalid request body"
	MsgInternalError   = "Internal server error"
	MsgRefundFailed    = "Inbox cancelled but refund transfer failed"
	MsgMalformedNotice = "Malformed notification"
	MsgUnknownAction   = "action must be one of add, remove, list"
)

// 未分类错误的对外消息（内部错误 -> 提示信息）
var errorMessages = map[error]string{
	inbound.ErrMalformed: MsgMalformedNotice,
	blob.ErrNotFound:     "Message content is no longer available",
}

// GetErrorMessage 获取错误的对外消息，未登记的错误不暴露细节
func GetErrorMessage(err error) string {
	for target, msg := range errorMessages {
		if errors.Is(err, target) {
			return msg
		}
	}
	return MsgInternalError
}
