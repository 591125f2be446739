package middleware

import (
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/relaycrm/crm-api/internal/models"
)

// AuditRecorder accepts audit entries for asynchronous persistence.
type AuditRecorder interface {
	Record(log *models.AuditLog)
}

// Audit creates a middleware that records audit entries after successful
// requests on protected routes.
func Audit(recorder AuditRecorder, action, resource string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now().UTC()
		c.Next()

		if c.Writer.Status() >= 400 {
			return
		}

		var userID *string
		var tenantID string
		if claims, ok := c.Get(ContextUserKey); ok {
			user := claims.(*models.AccessClaims)
			userID = &user.UserID
			tenantID = user.TenantID
		}

		body, _ := json.Marshal(map[string]interface{}{
			"path":    c.FullPath(),
			"method":  c.Request.Method,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).Milliseconds(),
		})

		recorder.Record(&models.AuditLog{
			TenantID:  tenantID,
			UserID:    userID,
			Action:    action,
			Resource:  resource,
			NewValues: body,
			IPAddress: c.ClientIP(),
			UserAgent: c.GetHeader("User-Agent"),
		})
	}
}
