// Package webrtcengine implements the coordinator's negotiation engine on
// pion/webrtc. One engine wraps one peer connection; the factory builds an
// engine per accepted call with the local track attached and the
// coordinator's callbacks wired before negotiation starts.
package webrtcengine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/opsdesk/opsvoice/internal/coord"
	"github.com/opsdesk/opsvoice/internal/media"
	"github.com/opsdesk/opsvoice/internal/signal"
)

// DefaultICEServers is the fixed pair of public STUN servers used when the
// configuration does not override them.
var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Config holds engine settings.
type Config struct {
	ICEServers []string
}

// Stats is a point-in-time snapshot of the live engine, surfaced on the
// agent's debug endpoint.
type Stats struct {
	ConnectionState string `json:"connection_state"`
	RemotePackets   uint64 `json:"remote_packets"`
	RemoteBytes     uint64 `json:"remote_bytes"`
}

// Factory builds engines and keeps a handle on the live one for stats.
type Factory struct {
	cfg      Config
	endpoint *media.Endpoint
	log      zerolog.Logger

	mu   sync.Mutex
	live *Engine
}

// NewFactory builds an engine factory sharing the media endpoint's codec
// configuration.
func NewFactory(cfg Config, endpoint *media.Endpoint, logger *zerolog.Logger) *Factory {
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = DefaultICEServers
	}
	return &Factory{
		cfg:      cfg,
		endpoint: endpoint,
		log:      logger.With().Str("component", "webrtc").Logger(),
	}
}

// New builds a peer connection for one call. The track must come from the
// factory's media endpoint.
func (f *Factory) New(track coord.Track, cb coord.EngineCallbacks) (coord.NegotiationEngine, error) {
	lt, ok := track.(*media.LocalTrack)
	if !ok {
		return nil, fmt.Errorf("unsupported track type %T", track)
	}

	me := &webrtc.MediaEngine{}
	if err := f.endpoint.Populate(me); err != nil {
		return nil, fmt.Errorf("populate media engine: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	// Generous ICE timeouts so a brief relay/NAT hiccup does not end the
	// call; the default 5 s disconnected timeout is too aggressive for
	// relay paths.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: f.cfg.ICEServers}},
	})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	eng := &Engine{pc: pc, log: f.log}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || cb.OnCandidate == nil {
			return
		}
		init := c.ToJSON()
		cb.OnCandidate(signal.Candidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})
	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		f.log.Info().Str("kind", remote.Kind().String()).Str("codec", remote.Codec().MimeType).Msg("remote track")
		if cb.OnRemoteTrack != nil {
			cb.OnRemoteTrack(remote.Kind().String())
		}
		go eng.drain(remote)
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		f.log.Debug().Str("state", s.String()).Msg("connection state")
		if cb.OnStateChange != nil {
			cb.OnStateChange(mapState(s))
		}
	})

	sender, err := pc.AddTrack(lt.Media())
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("add audio track: %w", err)
	}
	// Local-only mute: while disabled the sender carries no track.
	lt.Bind(func(enabled bool) {
		if enabled {
			if err := sender.ReplaceTrack(lt.Media()); err != nil {
				f.log.Warn().Err(err).Msg("unmute failed")
			}
			return
		}
		if err := sender.ReplaceTrack(nil); err != nil {
			f.log.Warn().Err(err).Msg("mute failed")
		}
	})
	// RTCP must be drained for the interceptors to do their work.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	f.mu.Lock()
	f.live = eng
	f.mu.Unlock()
	return eng, nil
}

// Stats reports the live engine's counters, or a zero snapshot when no call
// is active.
func (f *Factory) Stats() Stats {
	f.mu.Lock()
	eng := f.live
	f.mu.Unlock()
	if eng == nil {
		return Stats{ConnectionState: "none"}
	}
	return eng.stats()
}

// Engine adapts one pion peer connection to the coordinator's interface.
type Engine struct {
	log zerolog.Logger
	pc  *webrtc.PeerConnection

	closeOnce sync.Once
	closeErr  error

	remotePackets atomic.Uint64
	remoteBytes   atomic.Uint64
}

// Answer applies the remote offer and produces the local answer SDP.
// Candidates trickle separately through the OnCandidate callback.
func (e *Engine) Answer(_ context.Context, offerSDP string) (string, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := e.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("set remote description: %w", err)
	}
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return answer.SDP, nil
}

// AddICECandidate applies one remote trickle candidate.
func (e *Engine) AddICECandidate(c signal.Candidate) error {
	return e.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
}

// Close shuts the peer connection down. Idempotent.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.closeErr = e.pc.Close()
	})
	return e.closeErr
}

func (e *Engine) stats() Stats {
	return Stats{
		ConnectionState: e.pc.ConnectionState().String(),
		RemotePackets:   e.remotePackets.Load(),
		RemoteBytes:     e.remoteBytes.Load(),
	}
}

// drain consumes inbound RTP so the receive pipeline and its interceptors
// keep running, counting traffic for the debug surface.
func (e *Engine) drain(remote *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		n, _, err := remote.Read(buf)
		if err != nil {
			return
		}
		e.remotePackets.Add(1)
		e.remoteBytes.Add(uint64(n))
	}
}

func mapState(s webrtc.PeerConnectionState) coord.ConnState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return coord.ConnNew
	case webrtc.PeerConnectionStateConnecting:
		return coord.ConnConnecting
	case webrtc.PeerConnectionStateConnected:
		return coord.ConnConnected
	case webrtc.PeerConnectionStateDisconnected:
		return coord.ConnDisconnected
	case webrtc.PeerConnectionStateFailed:
		return coord.ConnFailed
	case webrtc.PeerConnectionStateClosed:
		return coord.ConnClosed
	}
	return coord.ConnNew
}
