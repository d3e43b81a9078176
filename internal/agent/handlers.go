package agent

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/opsdesk/opsvoice/internal/coord"
	transporthttp "github.com/opsdesk/opsvoice/internal/transport/http"
)

// Handlers provides the local control API endpoints.
type Handlers struct {
	ctrl     CallController
	stats    StatsSource
	notifier *Notifier
	log      *zerolog.Logger
}

// NewHandlers creates the control API handlers.
func NewHandlers(ctrl CallController, stats StatsSource, notifier *Notifier, logger *zerolog.Logger) *Handlers {
	return &Handlers{ctrl: ctrl, stats: stats, notifier: notifier, log: logger}
}

// StateResponse is the call snapshot served to the UI.
type StateResponse struct {
	State        coord.State `json:"state"`
	Muted        bool        `json:"muted"`
	DurationSecs int64       `json:"duration_secs"`
	CallerID     string      `json:"caller_id,omitempty"`
	CallerName   string      `json:"caller_name,omitempty"`
	OrderID      string      `json:"order_id,omitempty"`
}

func (h *Handlers) snapshot() StateResponse {
	id, name, orderID := h.ctrl.Caller()
	return StateResponse{
		State:        h.ctrl.State(),
		Muted:        h.ctrl.Muted(),
		DurationSecs: h.ctrl.Duration(),
		CallerID:     id,
		CallerName:   name,
		OrderID:      orderID,
	}
}

// GetState returns the current call snapshot.
// GET /api/call/state
func (h *Handlers) GetState(c *gin.Context) {
	c.JSON(http.StatusOK, h.snapshot())
}

// StreamEvents pushes a state snapshot on every transition as server-sent
// events. The first event is the current snapshot, so a reconnecting UI
// never renders stale state.
// GET /api/call/events
func (h *Handlers) StreamEvents(c *gin.Context) {
	changes, cancel := h.notifier.Subscribe()
	defer cancel()

	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.SSEvent("state", h.snapshot())
	c.Writer.Flush()

	c.Stream(func(_ io.Writer) bool {
		select {
		case _, ok := <-changes:
			if !ok {
				return false
			}
			c.SSEvent("state", h.snapshot())
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// GetDebug reports peer-connection counters for the active call.
// GET /api/call/debug
func (h *Handlers) GetDebug(c *gin.Context) {
	c.JSON(http.StatusOK, h.stats.Stats())
}

// Accept answers the ringing call.
// POST /api/call/accept
func (h *Handlers) Accept(c *gin.Context) {
	if err := h.ctrl.AcceptCall(c.Request.Context()); err != nil {
		h.log.Warn().Err(err).Msg("accept failed")
		c.JSON(http.StatusInternalServerError, transporthttp.ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.snapshot())
}

// Reject declines the ringing call.
// POST /api/call/reject
func (h *Handlers) Reject(c *gin.Context) {
	if err := h.ctrl.RejectCall(c.Request.Context()); err != nil {
		h.log.Warn().Err(err).Msg("reject failed")
		c.JSON(http.StatusInternalServerError, transporthttp.ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.snapshot())
}

// End hangs the active call up. Always succeeds; ending an idle call is a
// no-op.
// POST /api/call/end
func (h *Handlers) End(c *gin.Context) {
	h.ctrl.EndCall(c.Request.Context())
	c.JSON(http.StatusOK, h.snapshot())
}

// ToggleMute flips the microphone mute flag for the active call.
// POST /api/call/toggle-mute
func (h *Handlers) ToggleMute(c *gin.Context) {
	muted := h.ctrl.ToggleMute()
	h.log.Debug().Bool("muted", muted).Msg("mute toggled")
	c.JSON(http.StatusOK, h.snapshot())
}
