package http

import (
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/opsdesk/opsvoice/internal/config"
	"github.com/opsdesk/opsvoice/internal/relay"
	"github.com/opsdesk/opsvoice/internal/store"
)

// NewServer builds the relay HTTP server: the signaling WebSocket plus a
// small REST surface for the directory and delivery debugging.
func NewServer(hub *relay.Hub, st store.Store, cfg config.RelayConfig, logger *zerolog.Logger) *stdhttp.Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(LoggerMiddleware(logger), gin.Recovery())

	router.GET("/health", healthHandler)

	api := NewAPIHandlers(st, st, logger)
	router.GET("/api/users/:id", api.GetUser)
	router.GET("/api/signals", api.ListSignals)

	ws := NewWSHandler(hub, st, cfg.PublishRateLimit, logger)
	router.GET("/ws", gin.WrapH(ws))

	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func healthHandler(c *gin.Context) {
	c.String(stdhttp.StatusOK, "ok")
}
