package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/nomoretears/backend/internal/auth"
	"github.com/nomoretears/backend/pkg/response"
)

const (
	// ContextCallbackLectureID is the lecture a callback token is scoped to ("" for service-wide tokens).
	ContextCallbackLectureID = "callback_lecture_id"
	// ContextCallbackTaskID is the indexing task a callback token was issued for.
	ContextCallbackTaskID = "callback_task_id"
	// CallbackTokenHeader is accepted when the caller cannot set Authorization.
	CallbackTokenHeader = "X-Callback-Token"
)

// ServiceToken validates the AI service's callback token. A nil tokens disables the check.
func ServiceToken(tokens *auth.ServiceTokens) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tokens == nil {
			c.Next()
			return
		}
		raw := c.GetHeader(CallbackTokenHeader)
		if header := c.GetHeader("Authorization"); raw == "" && header != "" {
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				response.Unauthorized(c, "invalid authorization header")
				c.Abort()
				return
			}
			raw = parts[1]
		}
		if raw == "" {
			response.Unauthorized(c, "missing service token")
			c.Abort()
			return
		}
		claims, err := tokens.Validate(raw)
		if err != nil {
			response.Unauthorized(c, "invalid or expired service token")
			c.Abort()
			return
		}
		c.Set(ContextCallbackLectureID, claims.LectureID)
		c.Set(ContextCallbackTaskID, claims.IndexingTaskID)
		c.Next()
	}
}
