package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RequestLogger logs one line per request. Probe and scrape paths are logged
// at debug level.
func RequestLogger(log *zap.Logger, quiet ...string) gin.HandlerFunc {
	skip := make(map[string]struct{}, len(quiet))
	for _, p := range quiet {
		skip[p] = struct{}{}
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		switch {
		case c.Writer.Status() >= 500:
			log.Error("request", fields...)
		case isQuiet(skip, c.FullPath(), c.Request.URL.Path):
			log.Debug("request", fields...)
		default:
			log.Info("request", fields...)
		}
	}
}

func isQuiet(skip map[string]struct{}, paths ...string) bool {
	for _, p := range paths {
		if _, ok := skip[p]; ok {
			return true
		}
	}
	return false
}
