package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a directory entry does not exist.
var ErrNotFound = errors.New("not found")

// Signal is one persisted signaling row. SignalData holds the raw JSON
// payload; the relay routes rows without interpreting them.
type Signal struct {
	ID         string
	OrderID    string
	CallerID   string
	ReceiverID string
	SignalType string
	SignalData []byte
	CreatedAt  time.Time
}

// User is a directory entry used for caller display-name resolution.
type User struct {
	ID          string
	DisplayName string
	LastSeenAt  time.Time
}

// SignalStore persists and replays signaling rows.
type SignalStore interface {
	// InsertSignal appends one row.
	InsertSignal(ctx context.Context, sig *Signal) error

	// ListSignalsForReceiver returns up to limit most recent rows for a
	// receiver in chronological order. Used for replay on subscribe;
	// duplicates on the wire are acceptable by contract.
	ListSignalsForReceiver(ctx context.Context, receiverID string, limit int) ([]*Signal, error)

	// PurgeSignalsBefore deletes rows older than cutoff and reports how
	// many were removed.
	PurgeSignalsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// UserStore maintains the directory.
type UserStore interface {
	// UpsertUser records an identity and refreshes its last-seen time.
	UpsertUser(ctx context.Context, id, displayName string) error

	// GetUser returns a directory entry, or ErrNotFound.
	GetUser(ctx context.Context, id string) (*User, error)
}

// Store is the full persistence surface of the relay.
type Store interface {
	SignalStore
	UserStore
	Close() error
}
