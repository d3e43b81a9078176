// Package ringtone plays the incoming-call chime. A Ringer is an owned
// instance injected into the coordinator, not package-global state; a
// process holds at most one live call attempt, so at most one ringtone loop
// runs at a time and starting a new one always cancels the previous loop.
package ringtone

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultInterval is the pause between chime repetitions.
const DefaultInterval = 2 * time.Second

// Player renders one chime to the audio device, blocking until playback
// finishes. Implementations must be safe for serial reuse.
type Player interface {
	Play(pcm []int16) error
	Close() error
}

// Ringer repeats the chime on a fixed interval until stopped.
type Ringer struct {
	log      zerolog.Logger
	player   Player
	interval time.Duration
	chime    []int16

	mu   sync.Mutex
	stop chan struct{} // nil when not ringing
}

// New builds a Ringer around player. interval <= 0 selects DefaultInterval.
func New(player Player, interval time.Duration, logger *zerolog.Logger) *Ringer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Ringer{
		log:      logger.With().Str("component", "ringtone").Logger(),
		player:   player,
		interval: interval,
		chime:    Chime(SampleRate),
	}
}

// Start begins ringing: any previous loop is cancelled first, then the chime
// plays immediately and repeats every interval.
func (r *Ringer) Start() {
	r.mu.Lock()
	if r.stop != nil {
		close(r.stop)
	}
	stop := make(chan struct{})
	r.stop = stop
	r.mu.Unlock()

	go r.loop(stop)
}

// Stop cancels the ringtone. Safe to call when nothing is ringing, and safe
// to call repeatedly.
func (r *Ringer) Stop() {
	r.mu.Lock()
	if r.stop != nil {
		close(r.stop)
		r.stop = nil
	}
	r.mu.Unlock()
}

// Close stops the ringtone and releases the playback device.
func (r *Ringer) Close() error {
	r.Stop()
	return r.player.Close()
}

func (r *Ringer) loop(stop chan struct{}) {
	r.play(stop)
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			r.play(stop)
		}
	}
}

func (r *Ringer) play(stop chan struct{}) {
	select {
	case <-stop:
		return
	default:
	}
	if err := r.player.Play(r.chime); err != nil {
		r.log.Warn().Err(err).Msg("chime playback failed")
	}
}
