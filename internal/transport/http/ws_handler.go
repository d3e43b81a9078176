package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	stdhttp "net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/opsdesk/opsvoice/internal/proto"
	"github.com/opsdesk/opsvoice/internal/relay"
	"github.com/opsdesk/opsvoice/internal/signal"
	"github.com/opsdesk/opsvoice/internal/store"
	"github.com/opsdesk/opsvoice/internal/utils"
)

// helloTimeout bounds how long a fresh connection may stay silent before
// introducing itself.
const helloTimeout = 10 * time.Second

// WSHandler upgrades HTTP connections and bridges them to relay clients.
type WSHandler struct {
	hub         *relay.Hub
	users       store.UserStore
	publishRate int
	log         *zerolog.Logger
}

// NewWSHandler builds a new WebSocket handler. publishRate caps publish
// frames per connection per minute; 0 disables the limit.
func NewWSHandler(hub *relay.Hub, users store.UserStore, publishRate int, logger *zerolog.Logger) stdhttp.Handler {
	return &WSHandler{hub: hub, users: users, publishRate: publishRate, log: logger}
}

func (h *WSHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	ctx := r.Context()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "internal error")

	client, err := h.handshake(ctx, conn)
	if err != nil {
		h.log.Warn().Err(err).Msg("ws handshake failed")
		conn.Close(websocket.StatusPolicyViolation, "hello required")
		return
	}

	if err := h.hub.Register(ctx, client); err != nil {
		h.log.Warn().Err(err).Str("conn_id", client.ConnID).Msg("register subscriber")
		return
	}
	defer h.hub.Unregister(client)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		errCh <- h.readLoop(ctx, conn, client)
	}()
	go func() {
		errCh <- h.writeLoop(ctx, conn, client)
	}()

	err = <-errCh
	cancel() // stop the other goroutine
	<-errCh

	status := websocket.StatusNormalClosure
	reason := "closing"
	if err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if s := websocket.CloseStatus(err); s != 0 {
			status = s
		}
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			err = nil
		}
		if err != nil {
			if status == websocket.StatusNormalClosure {
				status = websocket.StatusInternalError
			}
			reason = err.Error()
			h.log.Warn().Err(err).Str("conn_id", client.ConnID).Msg("ws connection closed with error")
		}
	}

	conn.Close(status, reason)
}

// handshake reads the mandatory first hello frame, records the identity in
// the directory and acknowledges with a welcome frame.
func (h *WSHandler) handshake(ctx context.Context, conn *websocket.Conn) (*relay.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, helloTimeout)
	defer cancel()

	var inbound proto.Inbound
	if err := wsjson.Read(ctx, conn, &inbound); err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	if inbound.Type != proto.InboundTypeHello {
		_ = wsjson.Write(ctx, conn, proto.Outbound{
			Type:  proto.OutboundTypeError,
			Error: &proto.Error{Code: proto.ErrCodeHelloFirst, Msg: "hello must be the first frame"},
		})
		return nil, fmt.Errorf("first frame was %q", inbound.Type)
	}

	var hello proto.HelloData
	if err := json.Unmarshal(inbound.Data, &hello); err != nil {
		return nil, fmt.Errorf("decode hello: %w", err)
	}
	if hello.UserID == "" {
		_ = wsjson.Write(ctx, conn, proto.Outbound{
			Type:  proto.OutboundTypeError,
			Error: &proto.Error{Code: proto.ErrCodeBadRequest, Msg: "hello needs a user_id"},
		})
		return nil, errors.New("hello without user_id")
	}

	if err := h.users.UpsertUser(ctx, hello.UserID, hello.DisplayName); err != nil {
		h.log.Error().Err(err).Str("user_id", hello.UserID).Msg("upsert directory entry")
	}

	client := relay.NewClient(utils.NewID(), hello.UserID)
	if err := wsjson.Write(ctx, conn, proto.Outbound{
		Type: proto.OutboundTypeWelcome,
		Data: proto.WelcomeData{Protocol: proto.ProtocolVersion, UserID: hello.UserID},
	}); err != nil {
		return nil, fmt.Errorf("write welcome: %w", err)
	}

	h.log.Info().Str("conn_id", client.ConnID).Str("user_id", hello.UserID).Msg("ws endpoint connected")
	return client, nil
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, client *relay.Client) error {
	limiter := newRateLimiter(h.publishRate)
	defer limiter.stop()

	for {
		var inbound proto.Inbound
		if err := wsjson.Read(ctx, conn, &inbound); err != nil {
			return err
		}

		if inbound.Type != proto.InboundTypePublish {
			if err := h.writeError(ctx, conn, proto.ErrCodeBadRequest, "unknown frame type"); err != nil {
				return err
			}
			continue
		}
		if !limiter.allow() {
			if err := h.writeError(ctx, conn, proto.ErrCodeNotDelivered, "publish rate exceeded"); err != nil {
				return err
			}
			continue
		}

		var ev signal.Event
		if err := json.Unmarshal(inbound.Data, &ev); err != nil {
			if werr := h.writeError(ctx, conn, proto.ErrCodeBadSignal, "malformed signal"); werr != nil {
				return werr
			}
			continue
		}
		if err := h.hub.Publish(ctx, ev); err != nil {
			code := proto.ErrCodeNotDelivered
			if errors.Is(err, signal.ErrUnknownKind) || errors.Is(err, signal.ErrMissingPayload) || errors.Is(err, signal.ErrMissingScope) {
				code = proto.ErrCodeBadSignal
			}
			h.log.Warn().Err(err).Str("conn_id", client.ConnID).Msg("publish rejected")
			if werr := h.writeError(ctx, conn, code, err.Error()); werr != nil {
				return werr
			}
		}
	}
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, client *relay.Client) error {
	for {
		select {
		case ev, ok := <-client.Events:
			if !ok {
				return nil
			}
			if err := wsjson.Write(ctx, conn, proto.Outbound{Type: proto.OutboundTypeEvent, Data: ev}); err != nil {
				h.log.Error().Err(err).Str("conn_id", client.ConnID).Msg("write ws event")
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (h *WSHandler) writeError(ctx context.Context, conn *websocket.Conn, code, msg string) error {
	return wsjson.Write(ctx, conn, proto.Outbound{
		Type:  proto.OutboundTypeError,
		Error: &proto.Error{Code: code, Msg: msg},
	})
}
