// Package relay fans signaling rows out to subscribed endpoints. A single
// hub goroutine owns the subscriber registry; registration, removal and
// publishing all arrive over channels, so no registry state is ever touched
// concurrently.
package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opsdesk/opsvoice/internal/signal"
	"github.com/opsdesk/opsvoice/internal/store"
)

// DefaultReplayLimit bounds how many stored rows are replayed to a freshly
// registered subscriber.
const DefaultReplayLimit = 64

// Hub routes signaling rows to subscribers keyed by receiver identity.
type Hub struct {
	log    zerolog.Logger
	store  store.SignalStore
	replay int

	register   chan *Client
	unregister chan *Client
	publish    chan signal.Event
	done       chan struct{}

	// receiver identity -> connections; written only by the run loop.
	clients map[string]map[*Client]struct{}
}

// NewHub builds a hub persisting rows to st. replayLimit <= 0 selects
// DefaultReplayLimit.
func NewHub(st store.SignalStore, replayLimit int, logger *zerolog.Logger) *Hub {
	if replayLimit <= 0 {
		replayLimit = DefaultReplayLimit
	}
	return &Hub{
		log:        logger.With().Str("component", "hub").Logger(),
		store:      st,
		replay:     replayLimit,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		publish:    make(chan signal.Event, 64),
		done:       make(chan struct{}),
		clients:    make(map[string]map[*Client]struct{}),
	}
}

// Register adds a subscriber and triggers replay of its recent rows.
func (h *Hub) Register(ctx context.Context, c *Client) error {
	select {
	case h.register <- c:
		return nil
	case <-h.done:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unregister removes a subscriber. The hub closes c.Events afterwards, so
// the connection's write loop terminates on its own. A no-op once the hub
// has stopped.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Publish validates, stamps and routes one signaling row. The event is
// persisted before fan-out so late subscribers can replay it.
func (h *Hub) Publish(ctx context.Context, ev signal.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt == 0 {
		ev.CreatedAt = time.Now().UnixMilli()
	}
	select {
	case h.publish <- ev:
		return nil
	case <-h.done:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run owns the registry until ctx is done. All subscriber channels are
// closed on exit.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for _, conns := range h.clients {
				for c := range conns {
					close(c.Events)
				}
			}
			h.clients = make(map[string]map[*Client]struct{})
			return

		case c := <-h.register:
			conns, ok := h.clients[c.Receiver]
			if !ok {
				conns = make(map[*Client]struct{})
				h.clients[c.Receiver] = conns
			}
			conns[c] = struct{}{}
			h.log.Info().Str("conn", c.ConnID).Str("receiver", c.Receiver).Msg("subscriber registered")
			h.replayTo(ctx, c)

		case c := <-h.unregister:
			conns, ok := h.clients[c.Receiver]
			if !ok {
				continue
			}
			if _, ok := conns[c]; !ok {
				continue
			}
			delete(conns, c)
			if len(conns) == 0 {
				delete(h.clients, c.Receiver)
			}
			close(c.Events)
			h.log.Info().Str("conn", c.ConnID).Str("receiver", c.Receiver).Msg("subscriber removed")

		case ev := <-h.publish:
			h.persist(ctx, ev)
			h.fanOut(ev)
		}
	}
}

func (h *Hub) fanOut(ev signal.Event) {
	conns := h.clients[ev.ReceiverID]
	if len(conns) == 0 {
		h.log.Debug().Str("receiver", ev.ReceiverID).Str("type", string(ev.Kind)).Msg("no subscriber, stored only")
		return
	}
	for c := range conns {
		select {
		case c.Events <- ev:
		default:
			// Drop for slow consumers; the row is persisted for replay.
			h.log.Warn().Str("conn", c.ConnID).Str("type", string(ev.Kind)).Msg("subscriber backlogged, event dropped")
		}
	}
}

// persist is best-effort: routing must not stall on storage trouble.
func (h *Hub) persist(ctx context.Context, ev signal.Event) {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		h.log.Error().Err(err).Str("type", string(ev.Kind)).Msg("marshal signal payload")
		return
	}
	row := &store.Signal{
		ID:         ev.ID,
		OrderID:    ev.OrderID,
		CallerID:   ev.CallerID,
		ReceiverID: ev.ReceiverID,
		SignalType: string(ev.Kind),
		SignalData: data,
		CreatedAt:  time.UnixMilli(ev.CreatedAt).UTC(),
	}
	if err := h.store.InsertSignal(ctx, row); err != nil {
		h.log.Error().Err(err).Str("id", ev.ID).Msg("persist signal")
	}
}

// replayTo pushes the receiver's recent stored rows down a fresh
// subscription. Delivery is at-least-once; endpoints tolerate duplicates.
func (h *Hub) replayTo(ctx context.Context, c *Client) {
	rows, err := h.store.ListSignalsForReceiver(ctx, c.Receiver, h.replay)
	if err != nil {
		h.log.Error().Err(err).Str("receiver", c.Receiver).Msg("replay query")
		return
	}
	for _, row := range rows {
		ev, err := rowToEvent(row)
		if err != nil {
			h.log.Warn().Err(err).Str("id", row.ID).Msg("skip malformed stored row")
			continue
		}
		select {
		case c.Events <- ev:
		default:
			h.log.Warn().Str("conn", c.ConnID).Msg("replay truncated, subscriber backlogged")
			return
		}
	}
	if len(rows) > 0 {
		h.log.Debug().Str("receiver", c.Receiver).Int("rows", len(rows)).Msg("replayed stored signals")
	}
}

func rowToEvent(row *store.Signal) (signal.Event, error) {
	ev := signal.Event{
		ID:         row.ID,
		OrderID:    row.OrderID,
		CallerID:   row.CallerID,
		ReceiverID: row.ReceiverID,
		Kind:       signal.Kind(row.SignalType),
		CreatedAt:  row.CreatedAt.UnixMilli(),
	}
	if len(row.SignalData) > 0 {
		if err := json.Unmarshal(row.SignalData, &ev.Data); err != nil {
			return signal.Event{}, err
		}
	}
	return ev, nil
}
