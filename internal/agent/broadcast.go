package agent

import (
	"context"
	"sync"

	"github.com/opsdesk/opsvoice/internal/coord"
)

// Notifier fans the coordinator's single notification channel out to any
// number of event-stream subscribers.
type Notifier struct {
	mu   sync.Mutex
	subs map[chan coord.StateChange]struct{}
}

func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[chan coord.StateChange]struct{})}
}

// Run consumes src until ctx is done, broadcasting every transition.
func (n *Notifier) Run(ctx context.Context, src <-chan coord.StateChange) {
	for {
		select {
		case change, ok := <-src:
			if !ok {
				return
			}
			n.broadcast(change)
		case <-ctx.Done():
			return
		}
	}
}

// Subscribe registers a stream consumer. The cancel func removes it and
// closes the channel.
func (n *Notifier) Subscribe() (<-chan coord.StateChange, func()) {
	ch := make(chan coord.StateChange, 8)
	n.mu.Lock()
	n.subs[ch] = struct{}{}
	n.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, ch)
			n.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (n *Notifier) broadcast(change coord.StateChange) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subs {
		select {
		case ch <- change:
		default:
			// UI streams that stall just miss intermediate transitions;
			// they re-sync from the state snapshot.
		}
	}
}
