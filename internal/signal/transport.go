package signal

import "context"

// Transport is the delivery channel the coordinator depends on.
//
// Publish is fire-and-forget from the caller's perspective: an error is worth
// logging but the coordinator never retries (a lost call-accept manifests as
// the caller timing out; a lost call-end cannot be retried once local
// resources are gone).
//
// Subscribe establishes exactly one long-lived stream for receiverID. The
// transport may deliver duplicates and may reorder events from different
// senders; consumers must scope every event to the call attempt they are
// handling. The returned stop function releases the stream.
type Transport interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(ctx context.Context, receiverID string) (<-chan Event, func(), error)
}
