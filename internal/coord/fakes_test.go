package coord

import (
	"context"
	"sync"

	"github.com/opsdesk/opsvoice/internal/signal"
)

// fakeTransport records publishes and lets tests inject inbound events.
type fakeTransport struct {
	mu         sync.Mutex
	events     chan signal.Event
	published  []signal.Event
	subscribes int
	pubErr     error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan signal.Event, 16)}
}

func (t *fakeTransport) Publish(_ context.Context, ev signal.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.published = append(t.published, ev)
	return t.pubErr
}

func (t *fakeTransport) Subscribe(_ context.Context, _ string) (<-chan signal.Event, func(), error) {
	t.mu.Lock()
	t.subscribes++
	t.mu.Unlock()
	return t.events, func() {}, nil
}

func (t *fakeTransport) deliver(ev signal.Event) { t.events <- ev }

func (t *fakeTransport) publishedOfKind(k signal.Kind) []signal.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []signal.Event
	for _, ev := range t.published {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

// fakeTrack counts Stop invocations so leak tests can assert exactly-once.
type fakeTrack struct {
	mu      sync.Mutex
	enabled bool
	stops   int
}

func (f *fakeTrack) SetEnabled(enabled bool) {
	f.mu.Lock()
	f.enabled = enabled
	f.mu.Unlock()
}

func (f *fakeTrack) Enabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

func (f *fakeTrack) Stop() {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
}

func (f *fakeTrack) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

// fakeMedia hands out fakeTracks. When gate is non-nil AcquireAudio blocks
// until the gate closes, which lets tests interleave events with a pending
// microphone acquisition.
type fakeMedia struct {
	mu       sync.Mutex
	err      error
	gate     chan struct{}
	started  chan struct{}
	acquired []*fakeTrack
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{started: make(chan struct{}, 4)}
}

func (m *fakeMedia) AcquireAudio(_ context.Context) (Track, error) {
	m.started <- struct{}{}
	m.mu.Lock()
	gate := m.gate
	m.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if m.err != nil {
		return nil, m.err
	}
	tr := &fakeTrack{enabled: true}
	m.mu.Lock()
	m.acquired = append(m.acquired, tr)
	m.mu.Unlock()
	return tr, nil
}

func (m *fakeMedia) tracks() []*fakeTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*fakeTrack(nil), m.acquired...)
}

// fakeEngine records negotiation calls; its callbacks are fired manually by
// tests to simulate the underlying connection.
type fakeEngine struct {
	mu         sync.Mutex
	cb         EngineCallbacks
	offerSeen  string
	answerErr  error
	candidates []signal.Candidate
	closes     int
}

func (e *fakeEngine) Answer(_ context.Context, offerSDP string) (string, error) {
	e.mu.Lock()
	e.offerSeen = offerSDP
	err := e.answerErr
	e.mu.Unlock()
	if err != nil {
		return "", err
	}
	return "v=0 answer", nil
}

func (e *fakeEngine) AddICECandidate(c signal.Candidate) error {
	e.mu.Lock()
	e.candidates = append(e.candidates, c)
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	e.closes++
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) closeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closes
}

func (e *fakeEngine) candidateCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.candidates)
}

type fakeEngineFactory struct {
	mu      sync.Mutex
	err     error
	engines []*fakeEngine
}

func (f *fakeEngineFactory) New(_ Track, cb EngineCallbacks) (NegotiationEngine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	e := &fakeEngine{cb: cb}
	f.engines = append(f.engines, e)
	return e, nil
}

func (f *fakeEngineFactory) last() *fakeEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.engines) == 0 {
		return nil
	}
	return f.engines[len(f.engines)-1]
}

func (f *fakeEngineFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.engines)
}

type fakeRinger struct {
	mu      sync.Mutex
	starts  int
	stops   int
	ringing bool
}

func (r *fakeRinger) Start() {
	r.mu.Lock()
	r.starts++
	r.ringing = true
	r.mu.Unlock()
}

func (r *fakeRinger) Stop() {
	r.mu.Lock()
	r.stops++
	r.ringing = false
	r.mu.Unlock()
}

func (r *fakeRinger) isRinging() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ringing
}

func (r *fakeRinger) startCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts
}

type fakeDirectory struct {
	names map[string]string
}

func (d *fakeDirectory) DisplayName(_ context.Context, userID string) (string, error) {
	return d.names[userID], nil
}
