package middleware

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// 常用的请求体大小限制
const (
	// WebhookBodyLimit 支付回调，事件体很小
	WebhookBodyLimit = 64 * 1024
	// DefaultBodyLimit 其他 JSON 接口
	DefaultBodyLimit = 1 * 1024 * 1024
)

// BodySizeLimit 限制请求体大小
//
// Content-Length 超限直接拒绝；未声明长度的请求在读取时由 MaxBytesReader 截断。
func BodySizeLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"code": http.StatusRequestEntityTooLarge,
				"msg":  fmt.Sprintf("request body exceeds %d bytes", maxBytes),
			})
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}
