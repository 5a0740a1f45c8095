// Package errors 提供统一的错误类型与错误码
//
// 所有错误都可以通过 errors.Is() 按错误码比较，错误码同时用于 API 响应和日志分类。
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrorCode 错误码类型
type ErrorCode string

const (
	// 租户
	CodeTenantNotFound ErrorCode = "TENANT_NOT_FOUND"
	CodeTenantNotReady ErrorCode = "TENANT_NOT_READY"

	// 连接池
	CodePoolExhausted     ErrorCode = "POOL_EXHAUSTED"
	CodePoolSaturated     ErrorCode = "POOL_SATURATED"
	CodeTargetUnavailable ErrorCode = "TARGET_UNAVAILABLE"

	// 广播
	CodeTooManySubscribers ErrorCode = "TOO_MANY_SUBSCRIBERS"

	// 准入
	CodeRateLimited ErrorCode = "RATE_LIMITED"

	// 请求
	CodeNotFound     ErrorCode = "NOT_FOUND"
	CodeInvalidParam ErrorCode = "INVALID_PARAM"
	CodeUnauthorized ErrorCode = "UNAUTHORIZED"
	CodeForbidden    ErrorCode = "FORBIDDEN"

	// 系统
	CodeInternal       ErrorCode = "INTERNAL_ERROR"
	CodeStorageError   ErrorCode = "STORAGE_ERROR"
	CodeUnavailable    ErrorCode = "UNAVAILABLE"
	CodeTimeout        ErrorCode = "TIMEOUT"
	CodeResourceClosed ErrorCode = "RESOURCE_CLOSED"
	CodeConfigError    ErrorCode = "CONFIG_ERROR"
)

// 详情键
const (
	DetailReason     = "reason"
	DetailRetryAfter = "retry_after"
	DetailKey        = "isolation_key"
)

// Error 统一错误类型
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
	Details map[string]string
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is 按错误码比较
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail 添加详情，返回自身便于链式调用
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithDetailInt 添加整数详情
func (e *Error) WithDetailInt(key string, value int64) *Error {
	return e.WithDetail(key, strconv.FormatInt(value, 10))
}

// Detail 读取详情
func (e *Error) Detail(key string) string {
	return e.Details[key]
}

// DetailInt 读取整数详情
func (e *Error) DetailInt(key string) (int64, bool) {
	v, ok := e.Details[key]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	return n, err == nil
}

// New 创建新错误
func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf 创建格式化错误
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap 包装错误
func Wrap(err error, code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Cause: err}
}

// Wrapf 格式化包装错误
func Wrapf(err error, code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// GetCode 提取错误码，非 *Error 返回 CodeInternal
func GetCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsCode 检查错误码
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// Is 重导出 errors.Is
var Is = errors.Is

// As 重导出 errors.As
var As = errors.As

// NewTenantNotReady 租户存储未就绪，reason 为机器可读原因
func NewTenantNotReady(tenantID, reason string) *Error {
	return Newf(CodeTenantNotReady, "tenant %s not ready", tenantID).WithDetail(DetailReason, reason)
}

// NewRateLimited 限流错误，携带重试秒数
func NewRateLimited(retryAfter time.Duration) *Error {
	secs := int64((retryAfter + time.Second - 1) / time.Second)
	return New(CodeRateLimited, "too many attempts").WithDetailInt(DetailRetryAfter, secs)
}

// HTTPStatus 错误到 HTTP 状态码的映射
func HTTPStatus(err error) int {
	switch GetCode(err) {
	case CodeTenantNotFound, CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidParam:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeTenantNotReady, CodePoolExhausted, CodePoolSaturated, CodeTargetUnavailable,
		CodeTooManySubscribers, CodeUnavailable, CodeStorageError, CodeTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
