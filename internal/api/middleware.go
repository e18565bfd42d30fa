// Package api provides HTTP middleware for API handling
// 这个包提供 HTTP 中间件用于 API 处理
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/ferry-project/ferry/Ferry/internal/logger"
	"github.com/ferry-project/ferry/Ferry/internal/types"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RequestID middleware adds a unique request ID to each request
// RequestID 中间件为每个请求添加唯一 ID，客户端带了就沿用
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			requestID = uuid.New().String()
		}
		c.Set("requestId", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// ErrorHandler middleware renders errors attached with c.Error when no response was written
// ErrorHandler 中间件处理请求处理过程中发生的错误
func ErrorHandler(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last()
		log.WithField("path", c.Request.URL.Path).Errorf("Request error: %s", err.Error())

		if c.Writer.Written() {
			return
		}

		switch e := err.Err.(type) {
		case *types.ErrorInfo:
			ErrorWithDetails(c, e.Code, e.Message, e.Details)
		default:
			ErrorWithDetails(c, types.ErrInternalError, "Internal server error", err.Error())
		}
	}
}

// RecoveryMiddleware handles panics and converts them to errors
// RecoveryMiddleware 处理 panic 并转换为错误
func RecoveryMiddleware(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.WithField("path", c.Request.URL.Path).Errorf("Panic recovered: %v", r)
				ErrorWithDetails(c, types.ErrInternalError, "Internal server error", "A panic occurred")
				c.Abort()
			}
		}()
		c.Next()
	}
}

// CORSMiddleware adds CORS headers for cross-origin requests
// CORSMiddleware 添加 CORS 头用于跨域请求
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		allowOrigin := ""

		for _, allowedOrigin := range allowedOrigins {
			if allowedOrigin == "*" {
				allowOrigin = "*"
				break
			}
			if strings.EqualFold(allowedOrigin, origin) {
				allowOrigin = origin
				break
			}
		}

		if allowOrigin != "" {
			c.Header("Access-Control-Allow-Origin", allowOrigin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, X-Request-ID")
			c.Header("Access-Control-Expose-Headers", "X-Request-ID")
			c.Header("Access-Control-Max-Age", "86400")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// LoggerMiddleware logs request information
// LoggerMiddleware 记录请求信息，事件流这类长连接只记录结束
func LoggerMiddleware(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}

		c.Next()

		latency := time.Since(start)
		entry := log.WithFields(map[string]interface{}{
			"method":    c.Request.Method,
			"path":      path,
			"status":    c.Writer.Status(),
			"latency":   latency.String(),
			"requestId": c.GetString("requestId"),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("API Request")
		} else {
			entry.Debug("API Request")
		}
	}
}
