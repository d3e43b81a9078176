// Package wsclient connects a call endpoint to the relay's signaling
// WebSocket and adapts it to the signal.Transport interface. The client owns
// reconnection: the subscription survives relay restarts, and the relay
// replays recent rows on every reconnect.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/opsdesk/opsvoice/internal/proto"
	"github.com/opsdesk/opsvoice/internal/signal"
)

const (
	dialTimeout    = 10 * time.Second
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 15 * time.Second
)

var ErrNotConnected = errors.New("relay not connected")

// Config holds client settings.
type Config struct {
	// URL is the relay's WebSocket endpoint, e.g. ws://host:8080/ws.
	URL string
	// UserID is the identity announced in the hello frame; inbound events
	// are filtered to this receiver by the relay.
	UserID      string
	DisplayName string
}

// Client maintains one relay connection and fans inbound events out to
// subscribers.
type Client struct {
	cfg Config
	log zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	subs    map[chan signal.Event]struct{}
	stopped bool
}

// New builds a relay client. Run must be started before events flow.
func New(cfg Config, logger *zerolog.Logger) *Client {
	return &Client{
		cfg:  cfg,
		log:  logger.With().Str("component", "wsclient").Logger(),
		subs: make(map[chan signal.Event]struct{}),
	}
}

// Run dials the relay and keeps the connection alive until ctx is done,
// reconnecting with capped backoff. Inbound event frames are dispatched to
// subscribers.
func (c *Client) Run(ctx context.Context) {
	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := c.connect(ctx)
		if err != nil {
			c.log.Warn().Err(err).Dur("retry_in", backoff).Msg("relay dial failed")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = initialBackoff
		c.setConn(conn)
		c.log.Info().Str("url", c.cfg.URL).Msg("relay connected")

		err = c.readLoop(ctx, conn)
		c.setConn(nil)
		conn.Close(websocket.StatusNormalClosure, "reconnecting")
		if ctx.Err() != nil {
			return
		}
		c.log.Warn().Err(err).Msg("relay connection lost")
	}
}

// Publish sends one signaling row to the relay.
func (c *Client) Publish(ctx context.Context, ev signal.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	if err := wsjson.Write(ctx, conn, proto.Inbound{Type: proto.InboundTypePublish, Data: data}); err != nil {
		return fmt.Errorf("publish signal: %w", err)
	}
	return nil
}

// Subscribe returns a channel of events addressed to receiverID. The relay
// already filters to this client's identity, so receiverID must match the
// configured UserID. The cancel func removes the subscription and closes
// the channel.
func (c *Client) Subscribe(_ context.Context, receiverID string) (<-chan signal.Event, func(), error) {
	if receiverID != c.cfg.UserID {
		return nil, nil, fmt.Errorf("subscription for %q on a client connected as %q", receiverID, c.cfg.UserID)
	}

	ch := make(chan signal.Event, 16)
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, nil, ErrNotConnected
	}
	c.subs[ch] = struct{}{}
	c.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, ch)
			c.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel, nil
}

// Close tears the connection down and closes all subscriptions.
func (c *Client) Close() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	conn := c.conn
	c.conn = nil
	subs := c.subs
	c.subs = make(map[chan signal.Event]struct{})
	c.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "closing")
	}
	for ch := range subs {
		close(ch)
	}
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	hello, err := json.Marshal(proto.HelloData{
		UserID:      c.cfg.UserID,
		DisplayName: c.cfg.DisplayName,
		Protocol:    proto.ProtocolVersion,
	})
	if err != nil {
		conn.Close(websocket.StatusInternalError, "hello marshal")
		return nil, fmt.Errorf("marshal hello: %w", err)
	}
	if err := wsjson.Write(dialCtx, conn, proto.Inbound{Type: proto.InboundTypeHello, Data: hello}); err != nil {
		conn.Close(websocket.StatusInternalError, "hello write")
		return nil, fmt.Errorf("write hello: %w", err)
	}

	var frame frame
	if err := wsjson.Read(dialCtx, conn, &frame); err != nil {
		conn.Close(websocket.StatusInternalError, "welcome read")
		return nil, fmt.Errorf("read welcome: %w", err)
	}
	if frame.Type != proto.OutboundTypeWelcome {
		conn.Close(websocket.StatusPolicyViolation, "no welcome")
		if frame.Error != nil {
			return nil, fmt.Errorf("relay refused hello: %s (%s)", frame.Error.Msg, frame.Error.Code)
		}
		return nil, fmt.Errorf("expected welcome, got %q", frame.Type)
	}
	return conn, nil
}

// frame mirrors proto.Outbound with a raw payload for decoding.
type frame struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
	Error *proto.Error    `json:"error"`
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var f frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			return err
		}
		switch f.Type {
		case proto.OutboundTypeEvent:
			var ev signal.Event
			if err := json.Unmarshal(f.Data, &ev); err != nil {
				c.log.Warn().Err(err).Msg("malformed event frame")
				continue
			}
			c.dispatch(ev)
		case proto.OutboundTypeError:
			if f.Error != nil {
				c.log.Warn().Str("code", f.Error.Code).Str("msg", f.Error.Msg).Msg("relay error frame")
			}
		default:
			c.log.Debug().Str("type", f.Type).Msg("ignoring unknown frame")
		}
	}
}

func (c *Client) dispatch(ev signal.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ch := range c.subs {
		select {
		case ch <- ev:
		default:
			// Drop for slow consumers; teardown events are small and the
			// relay replays on reconnect.
			c.log.Warn().Str("type", string(ev.Kind)).Msg("subscriber backlogged, event dropped")
		}
	}
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}
