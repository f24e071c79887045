package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind 错误类别，每个类别对应一个 HTTP 状态码。
type Kind int

const (
	KindUnknown Kind = iota
	KindValidationFailed
	KindNotFound
	KindForbidden
	KindConflict
	KindContentUnavailable
	KindUpstreamTransportFailure
	KindUnavailable
)

// String 返回类别名称
func (k Kind) String() string {
	switch k {
	case KindValidationFailed:
		return "ValidationFailed"
	case KindNotFound:
		return "NotFound"
	case KindForbidden:
		return "Forbidden"
	case KindConflict:
		return "Conflict"
	case KindContentUnavailable:
		return "ContentUnavailable"
	case KindUpstreamTransportFailure:
		return "UpstreamTransportFailure"
	case KindUnavailable:
		return "Unavailable"
	default:
		return "Unknown"
	}
}

// HTTPStatus 返回类别对应的 HTTP 状态码
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidationFailed:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindContentUnavailable:
		return http.StatusGone
	case KindUpstreamTransportFailure:
		return http.StatusBadGateway
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// 存储层通用哨兵错误，service 层会包装成带类别的 Error。
var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record conflict")
	ErrLimit    = errors.New("limit reached")
)

// Error 携带类别的业务错误，Message 可直接返回给调用方。
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError 创建业务错误
func NewError(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Validationf 参数校验失败
func Validationf(format string, args ...interface{}) *Error {
	return NewError(KindValidationFailed, nil, format, args...)
}

// NotFoundf 资源不存在
func NotFoundf(format string, args ...interface{}) *Error {
	return NewError(KindNotFound, ErrNotFound, format, args...)
}

// Forbiddenf 钱包与所有者不匹配
func Forbiddenf(format string, args ...interface{}) *Error {
	return NewError(KindForbidden, nil, format, args...)
}

// Conflictf 命名冲突或容量已满
func Conflictf(format string, args ...interface{}) *Error {
	return NewError(KindConflict, ErrConflict, format, args...)
}

// ContentUnavailable 邮件记录仍在但原文已不存在
func ContentUnavailable(err error, format string, args ...interface{}) *Error {
	return NewError(KindContentUnavailable, err, format, args...)
}

// UpstreamFailure 发信或 blob 操作失败
func UpstreamFailure(err error, format string, args ...interface{}) *Error {
	return NewError(KindUpstreamTransportFailure, err, format, args...)
}

// Unavailablef 资源尚未就绪，例如子域名还未通过发信验证
func Unavailablef(format string, args ...interface{}) *Error {
	return NewError(KindUnavailable, nil, format, args...)
}

// KindOf 解析错误链上的类别。存储层哨兵错误也会映射到对应类别。
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict), errors.Is(err, ErrLimit):
		return KindConflict
	}
	return KindUnknown
}

// MessageOf 返回可展示给调用方的错误信息
func MessageOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Message
	}
	return err.Error()
}
