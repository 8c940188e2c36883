package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chatlink/chatlink/internal/delivery"
	"github.com/chatlink/chatlink/internal/mailbox"
	"github.com/chatlink/chatlink/internal/presence"
	"github.com/chatlink/chatlink/pkg/response"
)

// HealthHandler reports liveness and a few relay gauges.
type HealthHandler struct {
	registry *presence.Registry
	boxes    *mailbox.Store
	delivery *delivery.Service
	started  time.Time
}

func NewHealthHandler(registry *presence.Registry, boxes *mailbox.Store, svc *delivery.Service) *HealthHandler {
	return &HealthHandler{
		registry: registry,
		boxes:    boxes,
		delivery: svc,
		started:  time.Now(),
	}
}

// Health responds with process status and relay counters.
func (h *HealthHandler) Health(c *gin.Context) {
	response.Success(c, http.StatusOK, gin.H{
		"status":           "ok",
		"uptime_seconds":   int64(time.Since(h.started).Seconds()),
		"online_users":     h.registry.Count(),
		"mailbox_messages": h.boxes.Size(),
		"pending_acks":     h.delivery.PendingCount(),
	})
}
