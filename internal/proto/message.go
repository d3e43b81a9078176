// Package proto defines the WebSocket envelope between call endpoints and
// the relay. The payload of event/publish frames is the signaling row
// itself (internal/signal.Event).
package proto

import "encoding/json"

const (
	ProtocolVersion = 1

	// InboundTypeHello introduces the connecting identity; it must be the
	// first frame on every connection.
	InboundTypeHello = "hello"
	// InboundTypePublish submits one signaling row for fan-out.
	InboundTypePublish = "publish"

	OutboundTypeWelcome = "welcome"
	OutboundTypeEvent   = "event"
	OutboundTypeError   = "error"
)

// Error codes returned on the error frame.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeHelloFirst   = "hello_required"
	ErrCodeBadSignal    = "bad_signal"
	ErrCodeNotDelivered = "not_delivered"
)

// Inbound is the envelope for frames coming from an endpoint.
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// HelloData identifies the subscriber. Events are delivered filtered to
// receiver_id == UserID.
type HelloData struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	Protocol    int    `json:"protocol,omitempty"`
}

// Outbound is the envelope for frames sent to an endpoint.
type Outbound struct {
	Type  string `json:"type"`
	Data  any    `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// WelcomeData acknowledges a hello.
type WelcomeData struct {
	Protocol int    `json:"protocol"`
	UserID   string `json:"user_id"`
}

// Error describes a protocol-level error response.
type Error struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}
