// Package errors 定义统一错误码
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code 错误码
type Code string

// 错误码定义
const (
	// 通用错误
	CodeOK            Code = "OK"
	CodeUnknown       Code = "UNKNOWN"
	CodeInvalidParam  Code = "INVALID_PARAM"
	CodeNotFound      Code = "NOT_FOUND"
	CodeAlreadyExists Code = "ALREADY_EXISTS"
	CodeInternal      Code = "INTERNAL"
	CodeUnavailable   Code = "UNAVAILABLE"
	CodeTimeout       Code = "TIMEOUT"
	CodeCancelled     Code = "CANCELLED"

	// Saga 编排
	CodeValidation       Code = "VALIDATION"
	CodeOffChainWrite    Code = "OFFCHAIN_WRITE"
	CodeCreatorRequired  Code = "CREATOR_REQUIRED"
	CodeUniqueConstraint Code = "UNIQUE_CONSTRAINT"
	CodeUploadFailed     Code = "UPLOAD_FAILED"
	CodeLinking          Code = "LINKING"

	// 链上交互
	CodeOnChainSubmission   Code = "ONCHAIN_SUBMISSION"
	CodeConfirmationTimeout Code = "CONFIRMATION_TIMEOUT"
	CodeEventNotFound       Code = "EVENT_NOT_FOUND"
	CodeTransactionReverted Code = "TRANSACTION_REVERTED"

	// 对账与缓存
	CodeReconciliation Code = "RECONCILIATION"
	CodeResolveTimeout Code = "RESOLVE_TIMEOUT"
)

// Error 业务错误
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	cause     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 返回底层错误
func (e *Error) Unwrap() error {
	return e.cause
}

// New 创建错误
func New(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: isRetryable(code),
	}
}

// Newf 创建格式化错误
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap 包装底层错误
func Wrap(code Code, message string, cause error) *Error {
	e := New(code, message)
	e.cause = cause
	return e
}

// CodeOf 提取错误码，非业务错误返回 UNKNOWN
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// Is 判断错误码
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// isRetryable 判断是否可重试
func isRetryable(code Code) bool {
	switch code {
	case CodeTimeout, CodeUnavailable, CodeLinking,
		CodeConfirmationTimeout, CodeResolveTimeout:
		return true
	default:
		return false
	}
}

// HTTPStatus 返回对应的 HTTP 状态码
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeOK:
		return http.StatusOK
	case CodeInvalidParam, CodeValidation, CodeCreatorRequired:
		return http.StatusBadRequest
	case CodeNotFound, CodeEventNotFound:
		return http.StatusNotFound
	case CodeAlreadyExists, CodeUniqueConstraint:
		return http.StatusConflict
	case CodeTimeout, CodeConfirmationTimeout:
		return http.StatusGatewayTimeout
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// 预定义错误
var (
	ErrNotFound         = New(CodeNotFound, "not found")
	ErrCreatorRequired  = New(CodeCreatorRequired, "creator id required")
	ErrUniqueConstraint = New(CodeUniqueConstraint, "unique constraint")
)
