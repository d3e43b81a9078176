// Package agent exposes the local control API over the call coordinator:
// state snapshots, the four call operations, and a server-sent event stream
// of state transitions for the desk UI.
package agent

import (
	"context"
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/opsdesk/opsvoice/internal/config"
	"github.com/opsdesk/opsvoice/internal/coord"
	transporthttp "github.com/opsdesk/opsvoice/internal/transport/http"
	"github.com/opsdesk/opsvoice/internal/webrtcengine"
)

// CallController is the slice of the coordinator the control API needs.
type CallController interface {
	State() coord.State
	Muted() bool
	Duration() int64
	Caller() (id, name, orderID string)
	Notifications() <-chan coord.StateChange

	AcceptCall(ctx context.Context) error
	RejectCall(ctx context.Context) error
	EndCall(ctx context.Context)
	ToggleMute() bool
}

// StatsSource reports live peer-connection counters.
type StatsSource interface {
	Stats() webrtcengine.Stats
}

// NewServer builds the agent's local HTTP server. The listen address should
// stay on loopback; the API carries no authentication.
func NewServer(ctrl CallController, stats StatsSource, notifier *Notifier, cfg config.AgentConfig, logger *zerolog.Logger) *stdhttp.Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(transporthttp.LoggerMiddleware(logger), gin.Recovery())

	h := NewHandlers(ctrl, stats, notifier, logger)
	router.GET("/health", func(c *gin.Context) { c.String(stdhttp.StatusOK, "ok") })
	router.GET("/api/call/state", h.GetState)
	router.GET("/api/call/events", h.StreamEvents)
	router.GET("/api/call/debug", h.GetDebug)
	router.POST("/api/call/accept", h.Accept)
	router.POST("/api/call/reject", h.Reject)
	router.POST("/api/call/end", h.End)
	router.POST("/api/call/toggle-mute", h.ToggleMute)

	return &stdhttp.Server{
		Addr:    cfg.APIAddr,
		Handler: router,
	}
}
