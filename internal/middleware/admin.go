package middleware

import (
	"crypto/subtle"
	"net/http"

	"pulse/internal/auth"

	"github.com/gin-gonic/gin"
)

// AdminKeyRequired guards operator endpoints with a shared bearer key. With no
// key configured the endpoints are disabled.
func AdminKeyRequired(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin api disabled"})
			return
		}
		got := auth.StripBearer(c.GetHeader("Authorization"))
		if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "admin access required"})
			return
		}
		c.Next()
	}
}
