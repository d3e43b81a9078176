package coord

import (
	"context"

	"github.com/opsdesk/opsvoice/internal/signal"
)

// ConnState is the subset of peer-connection states the coordinator cares
// about. Everything that is not Connected or a terminal failure is noise.
type ConnState int

const (
	ConnNew ConnState = iota
	ConnConnecting
	ConnConnected
	ConnDisconnected
	ConnFailed
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnNew:
		return "new"
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnDisconnected:
		return "disconnected"
	case ConnFailed:
		return "failed"
	case ConnClosed:
		return "closed"
	}
	return "unknown"
}

// Track is a local audio capture handle. SetEnabled implements local-only
// mute; Stop releases the device and must be safe to call more than once.
type Track interface {
	SetEnabled(enabled bool)
	Enabled() bool
	Stop()
}

// MediaEndpoint acquires the local audio device. AcquireAudio may block for
// an unbounded time; callers re-check coordinator state when it returns.
type MediaEndpoint interface {
	AcquireAudio(ctx context.Context) (Track, error)
}

// EngineCallbacks are registered once at engine construction. The engine
// invokes them from its own goroutines; implementations must do their own
// synchronization and must tolerate late invocations after Close.
type EngineCallbacks struct {
	OnCandidate   func(c signal.Candidate)
	OnRemoteTrack func(kind string)
	OnStateChange func(s ConnState)
}

// NegotiationEngine is the narrow surface of the underlying real-time
// transport primitive. Answer sets the remote offer, creates the local
// answer and returns its SDP. Close must be idempotent.
type NegotiationEngine interface {
	Answer(ctx context.Context, offerSDP string) (answerSDP string, err error)
	AddICECandidate(c signal.Candidate) error
	Close() error
}

// EngineFactory builds one engine per accepted call, with the local track
// attached and the callbacks wired before any negotiation happens.
type EngineFactory interface {
	New(track Track, cb EngineCallbacks) (NegotiationEngine, error)
}

// Ringer plays the incoming-call ringtone. Start cancels any ringtone that
// is already playing before starting again; Stop is unconditional and safe
// to call when nothing is ringing.
type Ringer interface {
	Start()
	Stop()
}

// Directory resolves a user ID to a display name. Lookups are best effort;
// the coordinator falls back to the raw ID.
type Directory interface {
	DisplayName(ctx context.Context, userID string) (string, error)
}
