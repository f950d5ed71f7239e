package handler

import (
	"context"
	"errors"
	"net/http"

	"pulse/internal/domain"
	"pulse/internal/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type ServiceCatalog interface {
	List() []models.ServiceInfo
	Types() []string
	SetEnabled(ctx context.Context, name string, enabled bool) (*models.ServiceRegistration, error)
}

// SessionLister reports the connections bound to a service.
type SessionLister interface {
	ListSessions(ctx context.Context, name string) ([]string, error)
}

// ServiceHandler is the operator API over the service registry.
type ServiceHandler struct {
	registry ServiceCatalog
	sessions SessionLister
	log      *zap.Logger
}

func NewServiceHandler(registry ServiceCatalog, sessions SessionLister, log *zap.Logger) *ServiceHandler {
	return &ServiceHandler{registry: registry, sessions: sessions, log: log}
}

type serviceStatus struct {
	models.ServiceInfo
	Sessions int `json:"sessions"`
}

// List handles GET /admin/services.
func (h *ServiceHandler) List(c *gin.Context) {
	infos := h.registry.List()
	out := make([]serviceStatus, 0, len(infos))
	for _, info := range infos {
		conns, err := h.sessions.ListSessions(c.Request.Context(), info.Name)
		if err != nil {
			h.log.Error("could not count service sessions", zap.String("service", info.Name), zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": domain.PublicMessage(err), "code": domain.Code(err)})
			return
		}
		out = append(out, serviceStatus{ServiceInfo: info, Sessions: len(conns)})
	}
	c.JSON(http.StatusOK, gin.H{
		"services": out,
		"types":    h.registry.Types(),
	})
}

// Enable handles POST /admin/services/:name/enable.
func (h *ServiceHandler) Enable(c *gin.Context) {
	h.setEnabled(c, true)
}

// Disable handles POST /admin/services/:name/disable. Connections already
// bound to the service are closed on their next privileged event.
func (h *ServiceHandler) Disable(c *gin.Context) {
	h.setEnabled(c, false)
}

func (h *ServiceHandler) setEnabled(c *gin.Context, enabled bool) {
	name := c.Param("name")
	reg, err := h.registry.SetEnabled(c.Request.Context(), name, enabled)
	switch {
	case errors.Is(err, domain.ErrServiceNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "service not found"})
		return
	case err != nil:
		h.log.Error("could not change service state", zap.String("service", name), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": domain.PublicMessage(err), "code": domain.Code(err)})
		return
	}
	c.JSON(http.StatusOK, reg.Info())
}
