package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// Counter reports the number of live local connections.
type Counter interface {
	Count() int
}

type HealthHandler struct {
	store   Pinger
	conns   Counter
	nodeID  string
	started time.Time
}

func NewHealthHandler(store Pinger, conns Counter, nodeID string) *HealthHandler {
	return &HealthHandler{store: store, conns: conns, nodeID: nodeID, started: time.Now()}
}

// Health handles GET /healthz.
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	body := gin.H{
		"node":        h.nodeID,
		"connections": h.conns.Count(),
		"uptime":      time.Since(h.started).Round(time.Second).String(),
		"timestamp":   time.Now().UTC(),
	}
	if err := h.store.Ping(ctx); err != nil {
		body["status"] = "degraded"
		body["error"] = "store unreachable"
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	body["status"] = "ok"
	c.JSON(http.StatusOK, body)
}
