// Package coord implements the call coordinator: the state machine that
// mediates between inbound signaling events and the peer-connection engine,
// exposes the accept/reject/end/mute operations to the UI layer and
// guarantees exactly-once release of the microphone, the peer connection and
// all timers on every exit path.
//
// Concurrency model: one Coordinator per signed-in identity. All mutable
// state lives behind c.mu. Asynchronous steps (media acquisition, answer
// creation, engine callbacks) capture only a generation number; after every
// suspension point they re-acquire the mutex and compare that generation
// against c.attempt before touching anything. Teardown and every new call
// attempt bump c.attempt, so a continuation belonging to a call that no
// longer exists observes the mismatch and aborts, releasing whatever it
// acquired in the meantime.
package coord

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"

	"github.com/opsdesk/opsvoice/internal/signal"
)

// State is the call lifecycle state visible to the UI layer.
type State string

const (
	StateIdle      State = "idle"
	StateIncoming  State = "incoming"
	StateConnected State = "connected"
)

const (
	eventRing      = "ring"      // idle -> incoming
	eventEstablish = "establish" // incoming -> connected
	eventHangup    = "hangup"    // incoming|connected -> idle
)

// StateChange is emitted on the notification channel for every transition.
type StateChange struct {
	From State
	To   State
}

// Config holds coordinator settings.
type Config struct {
	// SelfID is the signed-in identity this coordinator answers for.
	SelfID string
	// RingTimeout, when non-zero, bounds how long a call may stay in
	// incoming before it is treated as missed and torn down locally.
	// Zero disables the timer: the caller controls the ring by hanging up.
	RingTimeout time.Duration
}

// Coordinator owns CallState and the active session. The UI layer only reads
// the snapshot accessors and invokes the four public operations.
type Coordinator struct {
	cfg     Config
	log     zerolog.Logger
	tx      signal.Transport
	media   MediaEndpoint
	engines EngineFactory
	ringer  Ringer
	dir     Directory

	mu        sync.Mutex
	sm        *fsm.FSM
	offer     *Offer
	sess      *session
	attempt   uint64
	muted     bool
	accepting bool
	ringTimer *time.Timer

	durationSecs atomic.Int64
	notify       chan StateChange
}

// New constructs a Coordinator. dir may be nil; caller names then fall back
// to the raw caller ID.
func New(cfg Config, tx signal.Transport, media MediaEndpoint, engines EngineFactory, ringer Ringer, dir Directory, logger *zerolog.Logger) *Coordinator {
	c := &Coordinator{
		cfg:     cfg,
		log:     logger.With().Str("component", "coord").Logger(),
		tx:      tx,
		media:   media,
		engines: engines,
		ringer:  ringer,
		dir:     dir,
		notify:  make(chan StateChange, 16),
	}
	c.sm = fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: eventRing, Src: []string{string(StateIdle)}, Dst: string(StateIncoming)},
			{Name: eventEstablish, Src: []string{string(StateIncoming)}, Dst: string(StateConnected)},
			{Name: eventHangup, Src: []string{string(StateIncoming), string(StateConnected)}, Dst: string(StateIdle)},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				select {
				case c.notify <- StateChange{From: State(e.Src), To: State(e.Dst)}:
				default:
					// Drop if the UI is not draining.
				}
			},
		},
	)
	return c
}

// Run subscribes to the signal transport exactly once for the configured
// identity and dispatches inbound events until ctx is cancelled or the
// stream closes. Any active call is torn down on exit.
func (c *Coordinator) Run(ctx context.Context) error {
	events, stop, err := c.tx.Subscribe(ctx, c.cfg.SelfID)
	if err != nil {
		return fmt.Errorf("subscribe signals: %w", err)
	}
	defer stop()
	c.log.Info().Str("receiver", c.cfg.SelfID).Msg("signal subscription established")

	for {
		select {
		case <-ctx.Done():
			c.end(context.Background(), true)
			return nil
		case ev, ok := <-events:
			if !ok {
				c.end(context.Background(), true)
				return nil
			}
			c.handleEvent(ctx, &ev)
		}
	}
}

// Notifications returns the state-change stream consumed by the UI layer.
func (c *Coordinator) Notifications() <-chan StateChange { return c.notify }

// State returns the current call state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State(c.sm.Current())
}

// Muted reports the externally observed mute flag.
func (c *Coordinator) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// Duration returns the elapsed call time in whole seconds, 0 outside of a
// connected call.
func (c *Coordinator) Duration() int64 { return c.durationSecs.Load() }

// Caller returns the caller ID, display name and order context of the
// current call attempt, or empty strings while idle.
func (c *Coordinator) Caller() (id, name, orderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.offer == nil {
		return "", "", ""
	}
	return c.offer.CallerID, c.offer.CallerName, c.offer.OrderID
}

// handleEvent dispatches one inbound signaling event against the current
// state snapshot. Out-of-context events are ignored by design.
func (c *Coordinator) handleEvent(ctx context.Context, ev *signal.Event) {
	if err := ev.Validate(); err != nil {
		c.log.Warn().Err(err).Str("signal_type", string(ev.Kind)).Msg("dropping malformed signal")
		return
	}
	switch ev.Kind {
	case signal.KindCallRequest:
		c.handleCallRequest(ctx, ev)
	case signal.KindICECandidate:
		c.handleCandidate(ev)
	case signal.KindCallEnd:
		c.handleCallEnd(ctx, ev)
	case signal.KindCallAccept, signal.KindCallReject:
		// This endpoint never places calls, so accept/reject rows can only
		// be strays from another attempt.
		c.log.Debug().Str("signal_type", string(ev.Kind)).Msg("ignoring out-of-context signal")
	}
}

func (c *Coordinator) handleCallRequest(ctx context.Context, ev *signal.Event) {
	c.mu.Lock()
	if !c.sm.Is(string(StateIdle)) {
		busyWith := ""
		if c.offer != nil {
			busyWith = c.offer.CallerID
		}
		c.mu.Unlock()
		c.log.Debug().
			Str("caller", ev.CallerID).
			Str("busy_with", busyWith).
			Msg("ignoring call-request while not idle")
		return
	}

	c.attempt++
	gen := c.attempt
	c.offer = &Offer{
		SignalID:   ev.ID,
		OrderID:    ev.OrderID,
		CallerID:   ev.CallerID,
		CallerName: ev.CallerID, // refined asynchronously below
		SDP:        ev.Data.Offer,
	}
	_ = c.sm.Event(ctx, eventRing)
	c.ringer.Start()
	if c.cfg.RingTimeout > 0 {
		c.ringTimer = time.AfterFunc(c.cfg.RingTimeout, func() {
			c.mu.Lock()
			missed := gen == c.attempt && c.sm.Is(string(StateIncoming))
			c.mu.Unlock()
			if missed {
				c.log.Info().Str("caller", ev.CallerID).Msg("ring timeout, treating call as missed")
				c.end(context.Background(), true)
			}
		})
	}
	c.mu.Unlock()

	c.log.Info().
		Str("caller", ev.CallerID).
		Str("order_id", ev.OrderID).
		Msg("incoming call")

	if c.dir != nil {
		go c.resolveCallerName(ctx, gen, ev.CallerID)
	}
}

func (c *Coordinator) resolveCallerName(ctx context.Context, gen uint64, callerID string) {
	name, err := c.dir.DisplayName(ctx, callerID)
	if err != nil || name == "" {
		if err != nil {
			c.log.Debug().Err(err).Str("caller", callerID).Msg("caller name lookup failed")
		}
		return
	}
	c.mu.Lock()
	if gen == c.attempt && c.offer != nil {
		c.offer.CallerName = name
	}
	c.mu.Unlock()
}

func (c *Coordinator) handleCandidate(ev *signal.Event) {
	c.mu.Lock()
	if c.offer == nil || !ev.SameCall(c.offer.OrderID, c.offer.CallerID) {
		c.mu.Unlock()
		c.log.Debug().Str("order_id", ev.OrderID).Msg("ignoring candidate for another call attempt")
		return
	}
	if c.sess == nil || c.sess.engine == nil {
		c.mu.Unlock()
		c.log.Warn().Str("order_id", ev.OrderID).Msg("dropping candidate, no peer connection yet")
		return
	}
	eng := c.sess.engine
	c.mu.Unlock()

	if err := eng.AddICECandidate(*ev.Data.Candidate); err != nil {
		c.log.Warn().Err(err).Msg("add remote candidate failed")
	}
}

func (c *Coordinator) handleCallEnd(ctx context.Context, ev *signal.Event) {
	c.mu.Lock()
	if c.sm.Is(string(StateIdle)) || c.offer == nil {
		c.mu.Unlock()
		c.log.Debug().Str("caller", ev.CallerID).Msg("ignoring call-end while idle")
		return
	}
	if !ev.SameCall(c.offer.OrderID, c.offer.CallerID) {
		c.mu.Unlock()
		c.log.Debug().Str("order_id", ev.OrderID).Msg("ignoring call-end for another call attempt")
		return
	}
	c.mu.Unlock()

	c.log.Info().Str("caller", ev.CallerID).Msg("remote hung up")
	c.end(ctx, false)
}

// AcceptCall answers the pending incoming call. No-op unless the state is
// incoming with a stored offer. The transition to connected happens only
// when the engine reports an established connection; any failure along the
// way funnels into the same teardown path as EndCall.
func (c *Coordinator) AcceptCall(ctx context.Context) error {
	c.mu.Lock()
	// c.accepting serializes accepts: a second invocation racing the first
	// (double-click, duplicate POST) must not acquire a second track and
	// orphan the first one. c.sess != nil means an accept already attached
	// its session for this attempt.
	if !c.sm.Is(string(StateIncoming)) || c.offer == nil || c.accepting || c.sess != nil {
		c.mu.Unlock()
		return nil
	}
	c.accepting = true
	defer func() {
		c.mu.Lock()
		c.accepting = false
		c.mu.Unlock()
	}()
	gen := c.attempt
	off := *c.offer
	c.ringer.Stop()
	if c.ringTimer != nil {
		c.ringTimer.Stop()
		c.ringTimer = nil
	}
	c.mu.Unlock()

	track, err := c.media.AcquireAudio(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("audio capture failed, aborting accept")
		c.end(ctx, true)
		return fmt.Errorf("acquire audio: %w", err)
	}

	// The call may have ended while the microphone prompt was pending; the
	// late-resolved track must be released immediately, not attached.
	c.mu.Lock()
	if gen != c.attempt || !c.sm.Is(string(StateIncoming)) {
		c.mu.Unlock()
		track.Stop()
		c.log.Debug().Msg("call ended during audio capture, releasing track")
		return nil
	}
	c.sess = &session{track: track}
	c.mu.Unlock()

	engine, err := c.engines.New(track, c.engineCallbacks(gen, off))
	if err != nil {
		c.log.Warn().Err(err).Msg("peer connection setup failed")
		c.end(ctx, true)
		return fmt.Errorf("create engine: %w", err)
	}

	c.mu.Lock()
	if gen != c.attempt {
		c.mu.Unlock()
		_ = engine.Close()
		return nil
	}
	c.sess.engine = engine
	c.mu.Unlock()

	answerSDP, err := engine.Answer(ctx, off.SDP)
	if err != nil {
		c.log.Warn().Err(err).Msg("negotiation failed")
		c.end(ctx, true)
		return fmt.Errorf("create answer: %w", err)
	}

	if !c.isCurrent(gen) {
		// Torn down while negotiating; teardown already closed the engine.
		return nil
	}

	accept := signal.Event{
		OrderID:    off.OrderID,
		CallerID:   c.cfg.SelfID,
		ReceiverID: off.CallerID,
		Kind:       signal.KindCallAccept,
		Data:       signal.Payload{Answer: answerSDP},
	}
	if err := c.tx.Publish(ctx, accept); err != nil {
		// Not retried: the caller's side will time out and hang up.
		c.log.Warn().Err(err).Msg("publish call-accept failed")
	}
	return nil
}

// RejectCall declines the pending incoming call. No-op unless incoming.
func (c *Coordinator) RejectCall(ctx context.Context) error {
	c.mu.Lock()
	if !c.sm.Is(string(StateIncoming)) || c.offer == nil {
		c.mu.Unlock()
		return nil
	}
	off := *c.offer
	c.mu.Unlock()

	c.end(ctx, false)

	reject := signal.Event{
		OrderID:    off.OrderID,
		CallerID:   c.cfg.SelfID,
		ReceiverID: off.CallerID,
		Kind:       signal.KindCallReject,
	}
	if err := c.tx.Publish(ctx, reject); err != nil {
		c.log.Warn().Err(err).Msg("publish call-reject failed")
	}
	c.log.Info().Str("caller", off.CallerID).Msg("call rejected")
	return nil
}

// EndCall hangs up from any state. Idempotent; this is the single teardown
// path every failure branch funnels into.
func (c *Coordinator) EndCall(ctx context.Context) {
	c.end(ctx, true)
}

// ToggleMute flips the local track's enabled flag. No-op without an active
// track; mute is local-only and never signaled. Returns the new muted state.
func (c *Coordinator) ToggleMute() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil || c.sess.track == nil {
		return c.muted
	}
	c.muted = !c.muted
	c.sess.track.SetEnabled(!c.muted)
	return c.muted
}

// isCurrent reports whether gen still identifies the live call attempt.
func (c *Coordinator) isCurrent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.attempt
}

// end releases everything owned by the current attempt and returns to idle.
// publish controls whether a call-end row is sent to the counterparty:
// local hangups and failures publish, remote hangups do not.
//
// Teardown order: ringtone and timers are cancelled under the lock, then the
// local track is stopped, the engine closed and the duration ticker cleared.
// Safe to call from any state, any number of times.
func (c *Coordinator) end(ctx context.Context, publish bool) {
	c.mu.Lock()
	c.attempt++
	c.ringer.Stop()
	if c.ringTimer != nil {
		c.ringTimer.Stop()
		c.ringTimer = nil
	}
	sess := c.sess
	c.sess = nil
	off := c.offer
	c.offer = nil
	c.muted = false
	if !c.sm.Is(string(StateIdle)) {
		_ = c.sm.Event(ctx, eventHangup)
	}
	c.mu.Unlock()

	if sess != nil {
		if sess.track != nil {
			sess.track.Stop()
		}
		if sess.engine != nil {
			if err := sess.engine.Close(); err != nil {
				c.log.Debug().Err(err).Msg("engine close")
			}
		}
		sess.stopTicker()
	}
	c.durationSecs.Store(0)

	if publish && off != nil {
		endEv := signal.Event{
			OrderID:    off.OrderID,
			CallerID:   c.cfg.SelfID,
			ReceiverID: off.CallerID,
			Kind:       signal.KindCallEnd,
		}
		if err := c.tx.Publish(ctx, endEv); err != nil {
			c.log.Warn().Err(err).Msg("publish call-end failed")
		}
	}
}

// engineCallbacks wires the engine's async notifications back into the
// coordinator, scoped to one call attempt by gen.
func (c *Coordinator) engineCallbacks(gen uint64, off Offer) EngineCallbacks {
	return EngineCallbacks{
		OnCandidate: func(cand signal.Candidate) {
			if !c.isCurrent(gen) {
				return
			}
			ev := signal.Event{
				OrderID:    off.OrderID,
				CallerID:   c.cfg.SelfID,
				ReceiverID: off.CallerID,
				Kind:       signal.KindICECandidate,
				Data:       signal.Payload{Candidate: &cand},
			}
			if err := c.tx.Publish(context.Background(), ev); err != nil {
				c.log.Warn().Err(err).Msg("publish candidate failed")
			}
		},
		OnRemoteTrack: func(kind string) {
			c.log.Info().Str("kind", kind).Msg("remote media flowing")
		},
		OnStateChange: func(s ConnState) {
			switch s {
			case ConnConnected:
				c.mu.Lock()
				if gen == c.attempt && c.sm.Is(string(StateIncoming)) {
					_ = c.sm.Event(context.Background(), eventEstablish)
					c.durationSecs.Store(0)
					c.sess.startTicker(func() { c.durationSecs.Add(1) })
					c.log.Info().Str("caller", off.CallerID).Msg("call connected")
				}
				c.mu.Unlock()
			case ConnFailed, ConnDisconnected, ConnClosed:
				// Our own teardown closes the engine, which reports Closed
				// with a stale gen; only live attempts reach end() here.
				if c.isCurrent(gen) {
					c.log.Info().Stringer("conn_state", s).Msg("connection lost, ending call")
					c.end(context.Background(), true)
				}
			}
		},
	}
}
