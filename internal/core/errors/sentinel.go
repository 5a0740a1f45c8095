package errors

// 哨兵错误，仅用于 errors.Is 比较
var (
	ErrTenantNotFound = New(CodeTenantNotFound, "tenant not found")
	ErrTenantNotReady = New(CodeTenantNotReady, "tenant not ready")

	ErrPoolExhausted     = New(CodePoolExhausted, "timed out waiting for a pooled connection")
	ErrPoolSaturated     = New(CodePoolSaturated, "too many callers waiting for a pooled connection")
	ErrTargetUnavailable = New(CodeTargetUnavailable, "storage target unavailable")

	ErrTooManySubscribers = New(CodeTooManySubscribers, "subscriber limit reached")

	ErrRateLimited = New(CodeRateLimited, "rate limit exceeded")

	ErrNotFound       = New(CodeNotFound, "resource not found")
	ErrInvalidParam   = New(CodeInvalidParam, "invalid parameter")
	ErrUnauthorized   = New(CodeUnauthorized, "unauthorized")
	ErrForbidden      = New(CodeForbidden, "access forbidden")
	ErrInternal       = New(CodeInternal, "internal error")
	ErrStorageError   = New(CodeStorageError, "storage error")
	ErrUnavailable    = New(CodeUnavailable, "service unavailable")
	ErrTimeout        = New(CodeTimeout, "operation timeout")
	ErrResourceClosed = New(CodeResourceClosed, "resource closed")
)

// IsNotFound 检查是否为不存在类错误
func IsNotFound(err error) bool {
	return IsCode(err, CodeNotFound) || IsCode(err, CodeTenantNotFound)
}

// IsStorageError 检查是否为存储侧错误（连接池、目标库）
// 这类错误在请求边界统一转换为"存储暂不可用"
func IsStorageError(err error) bool {
	switch GetCode(err) {
	case CodePoolExhausted, CodePoolSaturated, CodeTargetUnavailable, CodeStorageError:
		return true
	default:
		return false
	}
}

// IsRetryable 检查错误是否可重试
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case CodePoolExhausted, CodePoolSaturated, CodeTargetUnavailable,
		CodeTimeout, CodeUnavailable, CodeRateLimited:
		return true
	default:
		return false
	}
}
