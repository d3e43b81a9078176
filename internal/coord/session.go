package coord

import (
	"sync"
	"time"
)

// Offer is the stored context of an incoming call while it awaits a decision.
type Offer struct {
	SignalID   string
	OrderID    string
	CallerID   string
	CallerName string
	SDP        string
}

// session owns the resources of one accepted call. It is created on accept
// and torn down exactly once on any terminal transition; the coordinator is
// its sole owner.
type session struct {
	track  Track
	engine NegotiationEngine

	tickOnce sync.Once
	tickStop chan struct{}
}

// startTicker invokes tick once per second until stopTicker is called.
func (s *session) startTicker(tick func()) {
	s.tickStop = make(chan struct{})
	go func(stop chan struct{}) {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				tick()
			}
		}
	}(s.tickStop)
}

func (s *session) stopTicker() {
	s.tickOnce.Do(func() {
		if s.tickStop != nil {
			close(s.tickStop)
		}
	})
}
