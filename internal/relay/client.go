package relay

import "github.com/opsdesk/opsvoice/internal/signal"

// Client is one subscribed endpoint connection as seen by the hub. Events
// for its receiver identity are fanned out on Events; the hub closes the
// channel after the client is unregistered.
type Client struct {
	// ConnID identifies the connection for logging; one receiver may hold
	// several connections.
	ConnID string
	// Receiver is the identity events are filtered to.
	Receiver string
	Events   chan signal.Event
}

// NewClient constructs a client with an initialized event channel.
func NewClient(connID, receiver string) *Client {
	return &Client{
		ConnID:   connID,
		Receiver: receiver,
		Events:   make(chan signal.Event, 32),
	}
}
