package coord

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/opsdesk/opsvoice/internal/signal"
)

const (
	testSelf   = "receiver-1"
	testCaller = "caller-7"
	testOrder  = "order-42"
)

type testRig struct {
	c       *Coordinator
	tx      *fakeTransport
	media   *fakeMedia
	factory *fakeEngineFactory
	ringer  *fakeRinger
	cancel  context.CancelFunc
}

func newTestRig(t *testing.T, cfg Config) *testRig {
	t.Helper()
	if cfg.SelfID == "" {
		cfg.SelfID = testSelf
	}

	tx := newFakeTransport()
	media := newFakeMedia()
	factory := &fakeEngineFactory{}
	ringer := &fakeRinger{}
	dir := &fakeDirectory{names: map[string]string{testCaller: "Dana Voss"}}
	logger := zerolog.Nop()

	c := New(cfg, tx, media, factory, ringer, dir, &logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Error("coordinator did not stop")
		}
	})

	return &testRig{c: c, tx: tx, media: media, factory: factory, ringer: ringer, cancel: cancel}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func callRequest() signal.Event {
	return signal.Event{
		ID:         "sig-1",
		OrderID:    testOrder,
		CallerID:   testCaller,
		ReceiverID: testSelf,
		Kind:       signal.KindCallRequest,
		Data:       signal.Payload{Offer: "v=0 offer"},
	}
}

func remoteEnd() signal.Event {
	return signal.Event{
		OrderID:    testOrder,
		CallerID:   testCaller,
		ReceiverID: testSelf,
		Kind:       signal.KindCallEnd,
	}
}

// ring delivers a call-request and waits for incoming.
func (r *testRig) ring(t *testing.T) {
	t.Helper()
	r.tx.deliver(callRequest())
	waitFor(t, "incoming state", func() bool { return r.c.State() == StateIncoming })
}

// connect accepts the ringing call and drives the fake engine to connected.
func (r *testRig) connect(t *testing.T) *fakeEngine {
	t.Helper()
	if err := r.c.AcceptCall(context.Background()); err != nil {
		t.Fatalf("accept: %v", err)
	}
	eng := r.factory.last()
	if eng == nil {
		t.Fatal("no engine created by accept")
	}
	eng.cb.OnStateChange(ConnConnected)
	waitFor(t, "connected state", func() bool { return r.c.State() == StateConnected })
	return eng
}

func TestIncomingCallRings(t *testing.T) {
	r := newTestRig(t, Config{})

	r.ring(t)

	id, name, orderID := r.c.Caller()
	if id != testCaller || orderID != testOrder {
		t.Fatalf("unexpected caller context: id=%q order=%q", id, orderID)
	}
	if r.ringer.startCount() != 1 || !r.ringer.isRinging() {
		t.Fatalf("ringtone not started exactly once: starts=%d", r.ringer.startCount())
	}
	waitFor(t, "caller name resolution", func() bool {
		_, name, _ = r.c.Caller()
		return name == "Dana Voss"
	})
}

func TestAcceptNegotiatesAndConnects(t *testing.T) {
	r := newTestRig(t, Config{})
	r.ring(t)

	if err := r.c.AcceptCall(context.Background()); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if r.c.State() != StateIncoming {
		t.Fatalf("connected before engine reported established: %s", r.c.State())
	}
	if r.ringer.isRinging() {
		t.Fatal("ringtone still running after accept")
	}

	eng := r.factory.last()
	if eng == nil {
		t.Fatal("accept did not create an engine")
	}
	if eng.offerSeen != "v=0 offer" {
		t.Fatalf("engine negotiated wrong offer: %q", eng.offerSeen)
	}

	accepts := r.tx.publishedOfKind(signal.KindCallAccept)
	if len(accepts) != 1 {
		t.Fatalf("expected one call-accept publish, got %d", len(accepts))
	}
	if accepts[0].ReceiverID != testCaller || accepts[0].Data.Answer == "" {
		t.Fatalf("bad call-accept row: %+v", accepts[0])
	}

	eng.cb.OnStateChange(ConnConnected)
	waitFor(t, "connected state", func() bool { return r.c.State() == StateConnected })
	if d := r.c.Duration(); d != 0 {
		t.Fatalf("duration should start at 0, got %d", d)
	}
	waitFor(t, "duration tick", func() bool { return r.c.Duration() >= 1 })
}

func TestEndCallTearsDownAndPublishes(t *testing.T) {
	r := newTestRig(t, Config{})
	r.ring(t)
	eng := r.connect(t)

	r.c.EndCall(context.Background())

	if r.c.State() != StateIdle {
		t.Fatalf("state after end: %s", r.c.State())
	}
	tracks := r.media.tracks()
	if len(tracks) != 1 || tracks[0].stopCount() != 1 {
		t.Fatalf("track not stopped exactly once: %+v", tracks)
	}
	if eng.closeCount() != 1 {
		t.Fatalf("engine closed %d times", eng.closeCount())
	}
	ends := r.tx.publishedOfKind(signal.KindCallEnd)
	if len(ends) != 1 || ends[0].ReceiverID != testCaller {
		t.Fatalf("expected one call-end to caller, got %+v", ends)
	}
	if r.c.Duration() != 0 {
		t.Fatalf("duration not reset: %d", r.c.Duration())
	}
}

func TestSecondCallRequestIgnoredWhileRinging(t *testing.T) {
	r := newTestRig(t, Config{})
	r.ring(t)

	second := callRequest()
	second.CallerID = "caller-other"
	second.OrderID = "order-other"
	r.tx.deliver(second)
	// Serialize behind the previous delivery.
	r.tx.deliver(signal.Event{OrderID: "x", CallerID: "x", ReceiverID: testSelf, Kind: signal.KindCallReject})
	waitFor(t, "event drain", func() bool { return len(r.tx.events) == 0 })

	if r.c.State() != StateIncoming {
		t.Fatalf("state changed: %s", r.c.State())
	}
	id, _, _ := r.c.Caller()
	if id != testCaller {
		t.Fatalf("offer rebound to %q", id)
	}
	if r.ringer.startCount() != 1 {
		t.Fatalf("ringtone restarted for ignored request: %d", r.ringer.startCount())
	}
}

func TestStateMachineClosure(t *testing.T) {
	r := newTestRig(t, Config{})
	ctx := context.Background()

	valid := func(s State) {
		t.Helper()
		if s != StateIdle && s != StateIncoming && s != StateConnected {
			t.Fatalf("state outside the machine: %q", s)
		}
	}

	// Operations are no-ops outside their guard states.
	if err := r.c.AcceptCall(ctx); err != nil {
		t.Fatalf("accept while idle must be a no-op, got %v", err)
	}
	if r.c.State() != StateIdle || r.factory.count() != 0 {
		t.Fatal("accept while idle changed state or acquired resources")
	}
	_ = r.c.RejectCall(ctx)
	valid(r.c.State())
	r.c.EndCall(ctx)
	valid(r.c.State())
	if r.c.ToggleMute() {
		t.Fatal("mute while idle must stay false")
	}

	// call-end while idle is ignored.
	r.tx.deliver(remoteEnd())
	r.ring(t)
	valid(r.c.State())

	// incoming -> idle via reject.
	_ = r.c.RejectCall(ctx)
	waitFor(t, "idle after reject", func() bool { return r.c.State() == StateIdle })
	if got := r.tx.publishedOfKind(signal.KindCallReject); len(got) != 1 {
		t.Fatalf("expected one call-reject, got %d", len(got))
	}

	// idle -> incoming -> connected -> idle via remote end.
	r.ring(t)
	r.connect(t)
	r.tx.deliver(remoteEnd())
	waitFor(t, "idle after remote end", func() bool { return r.c.State() == StateIdle })
	// Remote hangup must not publish an outbound call-end.
	if got := r.tx.publishedOfKind(signal.KindCallEnd); len(got) != 0 {
		t.Fatalf("remote hangup published call-end: %+v", got)
	}
}

func TestEndCallIdempotent(t *testing.T) {
	r := newTestRig(t, Config{})
	r.ring(t)
	eng := r.connect(t)

	r.c.EndCall(context.Background())
	r.c.EndCall(context.Background())
	r.c.EndCall(context.Background())

	if r.c.State() != StateIdle {
		t.Fatalf("state: %s", r.c.State())
	}
	if id, _, _ := r.c.Caller(); id != "" {
		t.Fatalf("offer survived teardown: %q", id)
	}
	if tracks := r.media.tracks(); tracks[0].stopCount() != 1 {
		t.Fatalf("track stopped %d times", tracks[0].stopCount())
	}
	if eng.closeCount() != 1 {
		t.Fatalf("engine closed %d times", eng.closeCount())
	}
	// Only the first end publishes; the context is gone afterwards.
	if ends := r.tx.publishedOfKind(signal.KindCallEnd); len(ends) != 1 {
		t.Fatalf("call-end published %d times", len(ends))
	}
}

func TestNoResourceLeakOnFailurePaths(t *testing.T) {
	t.Run("media acquisition fails", func(t *testing.T) {
		r := newTestRig(t, Config{})
		r.ring(t)
		r.media.err = errors.New("device busy")

		if err := r.c.AcceptCall(context.Background()); err == nil {
			t.Fatal("expected accept to fail")
		}
		waitFor(t, "idle after media failure", func() bool { return r.c.State() == StateIdle })
		if r.factory.count() != 0 {
			t.Fatal("engine created despite media failure")
		}
		if r.ringer.isRinging() {
			t.Fatal("ringtone survived teardown")
		}
		// The caller learns the call is over.
		if ends := r.tx.publishedOfKind(signal.KindCallEnd); len(ends) != 1 {
			t.Fatalf("expected call-end publish, got %d", len(ends))
		}
	})

	t.Run("negotiation fails", func(t *testing.T) {
		r := newTestRig(t, Config{})
		r.ring(t)
		r.factory.err = errors.New("no ICE config")

		if err := r.c.AcceptCall(context.Background()); err == nil {
			t.Fatal("expected accept to fail")
		}
		waitFor(t, "idle after engine failure", func() bool { return r.c.State() == StateIdle })
		tracks := r.media.tracks()
		if len(tracks) != 1 || tracks[0].stopCount() != 1 {
			t.Fatalf("acquired track not released exactly once: %+v", tracks)
		}
	})

	t.Run("connection drops after connect", func(t *testing.T) {
		r := newTestRig(t, Config{})
		r.ring(t)
		eng := r.connect(t)

		eng.cb.OnStateChange(ConnFailed)
		waitFor(t, "idle after connection failure", func() bool { return r.c.State() == StateIdle })
		if tracks := r.media.tracks(); tracks[0].stopCount() != 1 {
			t.Fatalf("track stopped %d times", tracks[0].stopCount())
		}
		if eng.closeCount() != 1 {
			t.Fatalf("engine closed %d times", eng.closeCount())
		}
		// Treated as a local hangup: counterparty is told.
		if ends := r.tx.publishedOfKind(signal.KindCallEnd); len(ends) != 1 {
			t.Fatalf("expected call-end publish, got %d", len(ends))
		}
	})
}

func TestEndDuringPendingAcquisitionAborts(t *testing.T) {
	r := newTestRig(t, Config{})
	r.ring(t)

	r.media.mu.Lock()
	r.media.gate = make(chan struct{})
	r.media.mu.Unlock()

	acceptDone := make(chan error, 1)
	go func() { acceptDone <- r.c.AcceptCall(context.Background()) }()
	<-r.media.started // microphone prompt is now pending

	// Remote hangs up while acquisition is suspended.
	r.tx.deliver(remoteEnd())
	waitFor(t, "idle after remote end", func() bool { return r.c.State() == StateIdle })

	close(r.media.gate)
	if err := <-acceptDone; err != nil {
		t.Fatalf("aborted accept must not error: %v", err)
	}

	// The late track was released, no engine was built, no answer sent.
	waitFor(t, "late track release", func() bool {
		tracks := r.media.tracks()
		return len(tracks) == 1 && tracks[0].stopCount() == 1
	})
	if r.factory.count() != 0 {
		t.Fatal("engine created for a dead call")
	}
	if accepts := r.tx.publishedOfKind(signal.KindCallAccept); len(accepts) != 0 {
		t.Fatalf("call-accept published for a dead call: %+v", accepts)
	}
	if r.c.State() != StateIdle {
		t.Fatalf("state: %s", r.c.State())
	}
}

func TestConcurrentAcceptsShareOneTrack(t *testing.T) {
	r := newTestRig(t, Config{})
	r.ring(t)

	r.media.mu.Lock()
	r.media.gate = make(chan struct{})
	r.media.mu.Unlock()

	// Two accepts race for the same ringing call; only one may reach the
	// microphone, the other must no-op.
	acceptDone := make(chan error, 2)
	go func() { acceptDone <- r.c.AcceptCall(context.Background()) }()
	go func() { acceptDone <- r.c.AcceptCall(context.Background()) }()

	<-r.media.started
	select {
	case <-r.media.started:
		t.Fatal("second accept reached the microphone")
	case <-time.After(100 * time.Millisecond):
	}

	close(r.media.gate)
	for i := 0; i < 2; i++ {
		if err := <-acceptDone; err != nil {
			t.Fatalf("accept: %v", err)
		}
	}

	tracks := r.media.tracks()
	if len(tracks) != 1 {
		t.Fatalf("expected a single acquired track, got %d", len(tracks))
	}
	if r.factory.count() != 1 {
		t.Fatalf("expected a single engine, got %d", r.factory.count())
	}
	if accepts := r.tx.publishedOfKind(signal.KindCallAccept); len(accepts) != 1 {
		t.Fatalf("expected one call-accept publish, got %d", len(accepts))
	}

	// A third accept after the winner attached its session is also a no-op.
	if err := r.c.AcceptCall(context.Background()); err != nil {
		t.Fatalf("late accept: %v", err)
	}
	if got := r.media.tracks(); len(got) != 1 {
		t.Fatalf("late accept acquired another track: %d", len(got))
	}

	// Hanging up releases the one track exactly once.
	r.c.EndCall(context.Background())
	waitFor(t, "idle after end", func() bool { return r.c.State() == StateIdle })
	if n := tracks[0].stopCount(); n != 1 {
		t.Fatalf("track stopped %d times, want exactly 1", n)
	}
}

func TestStaleCandidatesIgnored(t *testing.T) {
	r := newTestRig(t, Config{})
	r.ring(t)
	eng := r.connect(t)

	mid := "0"
	idx := uint16(0)
	stale := signal.Event{
		OrderID:    "order-stale",
		CallerID:   "caller-old",
		ReceiverID: testSelf,
		Kind:       signal.KindICECandidate,
		Data:       signal.Payload{Candidate: &signal.Candidate{Candidate: "candidate:old", SDPMid: &mid, SDPMLineIndex: &idx}},
	}
	live := stale
	live.OrderID = testOrder
	live.CallerID = testCaller
	live.Data.Candidate = &signal.Candidate{Candidate: "candidate:live", SDPMid: &mid, SDPMLineIndex: &idx}

	r.tx.deliver(stale)
	r.tx.deliver(live)
	waitFor(t, "live candidate applied", func() bool { return eng.candidateCount() == 1 })

	eng.mu.Lock()
	got := eng.candidates[0].Candidate
	eng.mu.Unlock()
	if got != "candidate:live" {
		t.Fatalf("wrong candidate applied: %q", got)
	}
}

func TestCandidateBeforePeerConnectionDropped(t *testing.T) {
	r := newTestRig(t, Config{})
	r.ring(t)

	ev := signal.Event{
		OrderID:    testOrder,
		CallerID:   testCaller,
		ReceiverID: testSelf,
		Kind:       signal.KindICECandidate,
		Data:       signal.Payload{Candidate: &signal.Candidate{Candidate: "candidate:early"}},
	}
	r.tx.deliver(ev)
	waitFor(t, "event drain", func() bool { return len(r.tx.events) == 0 })

	// Not fatal: the call keeps ringing.
	if r.c.State() != StateIncoming {
		t.Fatalf("early candidate changed state: %s", r.c.State())
	}
}

func TestOutboundCandidatesScopedToAttempt(t *testing.T) {
	r := newTestRig(t, Config{})
	r.ring(t)
	eng := r.connect(t)

	eng.cb.OnCandidate(signal.Candidate{Candidate: "candidate:local-1"})
	waitFor(t, "candidate publish", func() bool {
		return len(r.tx.publishedOfKind(signal.KindICECandidate)) == 1
	})
	got := r.tx.publishedOfKind(signal.KindICECandidate)[0]
	if got.ReceiverID != testCaller || got.OrderID != testOrder {
		t.Fatalf("candidate misrouted: %+v", got)
	}

	// After teardown the same callback must be inert.
	r.c.EndCall(context.Background())
	eng.cb.OnCandidate(signal.Candidate{Candidate: "candidate:late"})
	time.Sleep(20 * time.Millisecond)
	if n := len(r.tx.publishedOfKind(signal.KindICECandidate)); n != 1 {
		t.Fatalf("stale callback published a candidate: %d", n)
	}
}

func TestToggleMute(t *testing.T) {
	r := newTestRig(t, Config{})
	r.ring(t)
	r.connect(t)

	if !r.c.ToggleMute() {
		t.Fatal("first toggle should mute")
	}
	track := r.media.tracks()[0]
	if track.Enabled() {
		t.Fatal("track still enabled while muted")
	}
	if r.c.ToggleMute() {
		t.Fatal("second toggle should unmute")
	}
	if !track.Enabled() {
		t.Fatal("track not re-enabled")
	}
	// Mute is local-only: nothing was signaled.
	if n := len(r.tx.publishedOfKind(signal.KindCallAccept)); n != 1 {
		t.Fatalf("unexpected signaling traffic: %d", n)
	}
}

func TestRingTimeoutEndsMissedCall(t *testing.T) {
	r := newTestRig(t, Config{RingTimeout: 50 * time.Millisecond})
	r.ring(t)

	waitFor(t, "missed-call teardown", func() bool { return r.c.State() == StateIdle })
	if r.ringer.isRinging() {
		t.Fatal("ringtone survived timeout")
	}
	if ends := r.tx.publishedOfKind(signal.KindCallEnd); len(ends) != 1 {
		t.Fatalf("expected call-end publish on missed call, got %d", len(ends))
	}
}

func TestSubscribeExactlyOnce(t *testing.T) {
	r := newTestRig(t, Config{})
	r.ring(t)
	_ = r.c.RejectCall(context.Background())
	r.ring(t)
	r.connect(t)
	r.c.EndCall(context.Background())

	r.tx.mu.Lock()
	defer r.tx.mu.Unlock()
	if r.tx.subscribes != 1 {
		t.Fatalf("transport subscribed %d times", r.tx.subscribes)
	}
}
