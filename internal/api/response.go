// Package api provides unified response building utilities for API handlers
// 这个包提供统一的响应构建工具，用于 API 处理器
package api

import (
	"errors"
	"net/http"

	"github.com/ferry-project/ferry/Ferry/internal/storage"
	"github.com/ferry-project/ferry/Ferry/internal/types"
	"github.com/gin-gonic/gin"
)

// getRequestID gets the request ID from context, returns "unknown" if not set
func getRequestID(c *gin.Context) string {
	if requestID := c.GetString("requestId"); requestID != "" {
		return requestID
	}
	return "unknown"
}

// Success sends a successful API response with data
// 发送成功响应，携带数据
func Success[T any](c *gin.Context, data T) {
	c.JSON(http.StatusOK, types.NewSuccessResponse(data, getRequestID(c)))
}

// SuccessWithMessage sends a successful API response with a message
// 发送成功响应，携带消息
func SuccessWithMessage(c *gin.Context, message string) {
	response := gin.H{"message": message}
	c.JSON(http.StatusOK, types.NewSuccessResponse(response, getRequestID(c)))
}

// Error sends an error API response
// 发送错误响应
func Error(c *gin.Context, code types.ErrorCode, message string) {
	statusCode := code.HTTPStatusCode()
	c.JSON(statusCode, types.NewErrorResponse(code, message, getRequestID(c)))
}

// ErrorWithDetails sends an error API response with details
// 发送带详情的错误响应
func ErrorWithDetails(c *gin.Context, code types.ErrorCode, message, details string) {
	statusCode := code.HTTPStatusCode()
	c.JSON(statusCode, types.NewErrorResponseWithDetails(code, message, details, getRequestID(c)))
}

// ValidationError sends a validation error response
// 发送验证错误响应
func ValidationError(c *gin.Context, err error) {
	Error(c, types.ErrValidation, err.Error())
}

// NotFound sends a not found error response
// 发送未找到错误响应
func NotFound(c *gin.Context, resource string) {
	Error(c, types.ErrNotFound, resource+" not found")
}

// InternalError sends an internal server error response
// 发送内部服务器错误响应
func InternalError(c *gin.Context, err error) {
	ErrorWithDetails(c, types.ErrInternalError, "Internal server error", err.Error())
}

// BadRequest sends a bad request error response
// 发送错误请求响应
func BadRequest(c *gin.Context, message string) {
	Error(c, types.ErrInvalidRequest, message)
}

// Accepted sends an accepted response (for async operations)
// 发送已接受响应（用于异步操作）
func Accepted[T any](c *gin.Context, data T) {
	c.JSON(http.StatusAccepted, types.NewSuccessResponse(data, getRequestID(c)))
}

// StorageFailure maps a store error onto the envelope.
// 存储层错误统一映射：不存在 404，无效记录 400，其余按 STORAGE_ERROR 返回
func StorageFailure(c *gin.Context, err error, resource string) {
	if storage.IsNotFound(err) {
		NotFound(c, resource)
		return
	}
	if errors.Is(err, storage.ErrInvalidRecord) {
		ValidationError(c, err)
		return
	}
	var se *storage.StorageError
	if errors.As(err, &se) {
		ErrorWithDetails(c, types.ErrStorageError, se.Message, err.Error())
		return
	}
	InternalError(c, err)
}
