// Package signal defines the wire contract between call endpoints and the
// relay: one Event per signaling row, scoped to an (order, caller, receiver)
// triple. The relay does not interpret payloads; it only routes rows to the
// subscriber whose identity matches receiver_id.
package signal

import (
	"errors"
	"fmt"
)

// Kind discriminates the signaling event union.
type Kind string

const (
	KindCallRequest  Kind = "call-request"
	KindICECandidate Kind = "ice-candidate"
	KindCallAccept   Kind = "call-accept"
	KindCallReject   Kind = "call-reject"
	KindCallEnd      Kind = "call-end"
)

var (
	ErrUnknownKind    = errors.New("unknown signal type")
	ErrMissingPayload = errors.New("missing signal payload")
	ErrMissingScope   = errors.New("missing order/caller/receiver scope")
)

// Candidate is a trickle-ICE candidate as exchanged on the wire.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// Payload carries the kind-specific body of an event. Exactly one field is
// set for call-request (Offer), call-accept (Answer) and ice-candidate
// (Candidate); call-reject and call-end carry an empty payload.
type Payload struct {
	Offer     string     `json:"offer,omitempty"`
	Answer    string     `json:"answer,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`
}

// Event is one signaling row.
type Event struct {
	ID         string  `json:"id,omitempty"`
	OrderID    string  `json:"order_id"`
	CallerID   string  `json:"caller_id"`
	ReceiverID string  `json:"receiver_id"`
	Kind       Kind    `json:"signal_type"`
	Data       Payload `json:"signal_data"`
	CreatedAt  int64   `json:"created_at,omitempty"` // unix millis, set by the relay
}

// Validate checks scope and per-kind payload presence.
func (e *Event) Validate() error {
	if e.OrderID == "" || e.CallerID == "" || e.ReceiverID == "" {
		return ErrMissingScope
	}
	switch e.Kind {
	case KindCallRequest:
		if e.Data.Offer == "" {
			return fmt.Errorf("%w: call-request needs an offer", ErrMissingPayload)
		}
	case KindCallAccept:
		if e.Data.Answer == "" {
			return fmt.Errorf("%w: call-accept needs an answer", ErrMissingPayload)
		}
	case KindICECandidate:
		if e.Data.Candidate == nil || e.Data.Candidate.Candidate == "" {
			return fmt.Errorf("%w: ice-candidate needs a candidate", ErrMissingPayload)
		}
	case KindCallReject, KindCallEnd:
		// empty payload
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
	return nil
}

// SameCall reports whether two events belong to the same call attempt:
// same order context and the same pair of endpoints, in either direction.
func (e *Event) SameCall(orderID, peerID string) bool {
	return e.OrderID == orderID && (e.CallerID == peerID || e.ReceiverID == peerID)
}
