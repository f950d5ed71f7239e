package handler

import (
	"context"
	"net/http"

	"pulse/internal/domain"
	"pulse/internal/fanout"
	"pulse/internal/middleware"
	"pulse/internal/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type PresenceReader interface {
	GetStatus(ctx context.Context, userID string) (*models.PresenceStatus, error)
	ListSessions(ctx context.Context, userID string) ([]string, error)
}

type OnlineLister interface {
	ListOnlineRelated(ctx context.Context, userID string) ([]fanout.OnlineContact, error)
}

// PresenceHandler exposes the caller's own presence over plain HTTP for
// clients that poll instead of holding a socket.
type PresenceHandler struct {
	presence PresenceReader
	online   OnlineLister
	log      *zap.Logger
}

func NewPresenceHandler(presence PresenceReader, online OnlineLister, log *zap.Logger) *PresenceHandler {
	return &PresenceHandler{presence: presence, online: online, log: log}
}

// GetMyPresence handles GET /api/v1/me/presence.
func (h *PresenceHandler) GetMyPresence(c *gin.Context) {
	userID := middleware.GetUserID(c)
	ctx := c.Request.Context()
	st, err := h.presence.GetStatus(ctx, userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	sessions, err := h.presence.ListSessions(ctx, userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if st == nil {
		st = &models.PresenceStatus{UserID: userID, Status: domain.StatusOffline}
	}
	c.JSON(http.StatusOK, gin.H{
		"userId":   st.UserID,
		"status":   st.Status,
		"lastSeen": st.LastSeen,
		"sessions": len(sessions),
	})
}

// GetOnlineUsers handles GET /api/v1/me/online.
func (h *PresenceHandler) GetOnlineUsers(c *gin.Context) {
	users, err := h.online.ListOnlineRelated(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	if users == nil {
		users = []fanout.OnlineContact{}
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

func (h *PresenceHandler) fail(c *gin.Context, err error) {
	h.log.Error("presence lookup failed", zap.String("user_id", middleware.GetUserID(c)), zap.Error(err))
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": domain.PublicMessage(err), "code": domain.Code(err)})
}
