package httpservice

import (
	"encoding/json"
	"net/http"
	"strings"

	coreerrors "tenantgate/internal/core/errors"
	corelog "tenantgate/internal/core/log"
)

// ResponseData 统一响应结构
type ResponseData struct {
	Success    bool        `json:"success"`
	Data       interface{} `json:"data,omitempty"`
	Error      string      `json:"error,omitempty"`
	Message    string      `json:"message,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	RetryAfter int64       `json:"retryAfter,omitempty"`
}

// RespondJSON 发送 JSON 响应
func RespondJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		corelog.Debugf("HTTP: failed to encode response: %v", err)
	}
}

// RespondSuccess 发送成功响应
func RespondSuccess(w http.ResponseWriter, data interface{}) {
	RespondJSON(w, http.StatusOK, ResponseData{Success: true, Data: data})
}

// RespondError 发送错误响应；errCode 为机器可读错误标识
func RespondError(w http.ResponseWriter, statusCode int, errCode, message string) {
	RespondJSON(w, statusCode, ResponseData{Success: false, Error: errCode, Message: message})
}

// RespondErr 按错误码映射状态码。存储侧错误统一为"存储暂不可用"，
// 不向客户端暴露隔离键或底层原因
func RespondErr(w http.ResponseWriter, err error) {
	status := coreerrors.HTTPStatus(err)
	code := strings.ToLower(string(coreerrors.GetCode(err)))

	switch {
	case coreerrors.IsStorageError(err):
		RespondError(w, status, code, "storage unavailable, retry later")
	case status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable:
		corelog.WithError(err).Error("HTTP: internal error")
		RespondError(w, status, code, "internal error")
	default:
		var e *coreerrors.Error
		message := err.Error()
		if coreerrors.As(err, &e) {
			message = e.Message
		}
		RespondError(w, status, code, message)
	}
}
