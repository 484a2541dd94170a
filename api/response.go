package api

import (
	"net/http"
	"time"

	"github.com/BaSui01/capflow/types"
	"github.com/gin-gonic/gin"
)

// =============================================================================
// 📦 通用响应结构
// =============================================================================

// Response 统一 API 响应结构
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	RequestID string     `json:"request_id,omitempty"`
}

// ErrorInfo 错误信息结构
type ErrorInfo struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// writeSuccess 写入成功响应
func writeSuccess(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
		RequestID: c.GetString(requestIDKey),
	})
}

// writeError 按错误码写入错误响应
func writeError(c *gin.Context, err error) {
	code := types.GetErrorCode(err)
	if code == "" {
		code = types.ErrInternal
	}
	abortWith(c, StatusFor(code), &ErrorInfo{
		Code:      string(code),
		Message:   err.Error(),
		Retryable: types.IsRetryable(err),
	})
}

func abortWith(c *gin.Context, status int, info *ErrorInfo) {
	c.AbortWithStatusJSON(status, Response{
		Success:   false,
		Error:     info,
		Timestamp: time.Now(),
		RequestID: c.GetString(requestIDKey),
	})
}

// StatusFor maps an error code to an HTTP status.
func StatusFor(code types.ErrorCode) int {
	switch code {
	case types.ErrCapabilityNotFound:
		return http.StatusNotFound
	case types.ErrConfig, types.ErrCompilation, types.ErrUserCode:
		return http.StatusUnprocessableEntity
	case types.ErrNoConnectionFound, types.ErrDependencyResolution:
		return http.StatusFailedDependency
	case types.ErrResourceLimit:
		return http.StatusTooManyRequests
	case types.ErrUpstream, types.ErrInvalidPlan:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
