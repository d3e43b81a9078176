package ringtone

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakePlayer struct {
	mu     sync.Mutex
	plays  int
	closed bool
}

func (p *fakePlayer) Play(_ []int16) error {
	p.mu.Lock()
	p.plays++
	p.mu.Unlock()
	return nil
}

func (p *fakePlayer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePlayer) playCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.plays
}

func waitPlays(t *testing.T, p *fakePlayer, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.playCount() >= want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d plays, got %d", want, p.playCount())
}

func TestRingerRepeatsUntilStopped(t *testing.T) {
	player := &fakePlayer{}
	logger := zerolog.Nop()
	r := New(player, 10*time.Millisecond, &logger)

	r.Start()
	waitPlays(t, player, 3) // immediate chime plus at least two repeats

	r.Stop()
	settled := player.playCount()
	time.Sleep(50 * time.Millisecond)
	// One in-flight play may complete after Stop, but the loop is gone.
	if got := player.playCount(); got > settled+1 {
		t.Fatalf("ringtone kept playing after stop: %d -> %d", settled, got)
	}
}

func TestStartCancelsPreviousLoop(t *testing.T) {
	player := &fakePlayer{}
	logger := zerolog.Nop()
	r := New(player, 10*time.Millisecond, &logger)

	r.Start()
	r.Start() // restart must not leave two loops running
	waitPlays(t, player, 4)

	r.Stop()
	settled := player.playCount()
	time.Sleep(60 * time.Millisecond)
	if got := player.playCount(); got > settled+1 {
		t.Fatalf("orphaned ringtone loop survived restart: %d -> %d", settled, got)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	player := &fakePlayer{}
	logger := zerolog.Nop()
	r := New(player, 10*time.Millisecond, &logger)

	r.Stop() // never started
	r.Start()
	r.Stop()
	r.Stop()

	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !player.closed {
		t.Fatal("player not closed")
	}
}

func TestChimeShape(t *testing.T) {
	pcm := Chime(SampleRate)

	wantLen := 2 * SampleRate * segmentMillis / 1000
	if len(pcm) != wantLen {
		t.Fatalf("chime length %d, want %d", len(pcm), wantLen)
	}
	if pcm[0] != 0 {
		t.Fatalf("chime does not fade in: first sample %d", pcm[0])
	}
	if last := pcm[len(pcm)-1]; last != 0 {
		t.Fatalf("chime does not fade out: last sample %d", last)
	}

	var peak int16
	for _, s := range pcm {
		if s > peak {
			peak = s
		}
	}
	if peak == 0 {
		t.Fatal("chime is silent")
	}
	limit := int16(math.Round(amplitude*float64(math.MaxInt16))) + 1
	if peak > limit {
		t.Fatalf("chime clips: peak %d over %d", peak, limit)
	}
}
