package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/opsdesk/opsvoice/internal/store"
)

// APIHandlers provides HTTP handlers for REST API endpoints.
type APIHandlers struct {
	users   store.UserStore
	signals store.SignalStore
	log     *zerolog.Logger
}

// NewAPIHandlers creates a new API handlers instance.
func NewAPIHandlers(users store.UserStore, signals store.SignalStore, logger *zerolog.Logger) *APIHandlers {
	return &APIHandlers{
		users:   users,
		signals: signals,
		log:     logger,
	}
}

// ErrorResponse represents an error response body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// UserResponse represents one directory entry.
type UserResponse struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// SignalResponse represents one stored signaling row, payload omitted.
type SignalResponse struct {
	ID         string    `json:"id"`
	OrderID    string    `json:"order_id"`
	CallerID   string    `json:"caller_id"`
	ReceiverID string    `json:"receiver_id"`
	SignalType string    `json:"signal_type"`
	CreatedAt  time.Time `json:"created_at"`
}

// GetUser resolves a directory entry, used by agents for caller display names.
// GET /api/users/:id
func (h *APIHandlers) GetUser(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "missing user id"})
		return
	}

	u, err := h.users.GetUser(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "user not found"})
			return
		}
		h.log.Error().Err(err).Str("user_id", id).Msg("failed to get user")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}

	c.JSON(http.StatusOK, UserResponse{
		ID:          u.ID,
		DisplayName: u.DisplayName,
		LastSeenAt:  u.LastSeenAt,
	})
}

// ListSignals returns recent stored rows for a receiver, for debugging
// delivery problems. Payloads stay private to the endpoints.
// GET /api/signals?receiver_id=...&limit=...
func (h *APIHandlers) ListSignals(c *gin.Context) {
	receiverID := c.Query("receiver_id")
	if receiverID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "missing receiver_id"})
		return
	}

	limit := 20
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 200 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid limit"})
			return
		}
		limit = n
	}

	rows, err := h.signals.ListSignalsForReceiver(c.Request.Context(), receiverID, limit)
	if err != nil {
		h.log.Error().Err(err).Str("receiver_id", receiverID).Msg("failed to list signals")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}

	out := make([]SignalResponse, 0, len(rows))
	for _, r := range rows {
		out = append(out, SignalResponse{
			ID:         r.ID,
			OrderID:    r.OrderID,
			CallerID:   r.CallerID,
			ReceiverID: r.ReceiverID,
			SignalType: r.SignalType,
			CreatedAt:  r.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, out)
}
