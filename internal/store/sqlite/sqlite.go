package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/opsdesk/opsvoice/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS signals (
	id          TEXT PRIMARY KEY,
	order_id    TEXT NOT NULL,
	caller_id   TEXT NOT NULL,
	receiver_id TEXT NOT NULL,
	signal_type TEXT NOT NULL,
	signal_data TEXT NOT NULL DEFAULT '{}',
	created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_signals_receiver ON signals(receiver_id, created_at);

CREATE TABLE IF NOT EXISTS users (
	id           TEXT PRIMARY KEY,
	display_name TEXT NOT NULL DEFAULT '',
	last_seen_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// SQLiteStore implements store.Store for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// New opens (and if needed creates) the database at dbPath and applies the
// schema. SQLite works best over a single connection, so the pool is capped
// at one.
func New(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ==== SignalStore implementation ====

// InsertSignal appends one signaling row.
func (s *SQLiteStore) InsertSignal(ctx context.Context, sig *store.Signal) error {
	query := `
		INSERT INTO signals (id, order_id, caller_id, receiver_id, signal_type, signal_data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	data := sig.SignalData
	if len(data) == 0 {
		data = []byte("{}")
	}
	if _, err := s.db.ExecContext(ctx, query,
		sig.ID, sig.OrderID, sig.CallerID, sig.ReceiverID, sig.SignalType, string(data), sig.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert signal: %w", err)
	}
	return nil
}

// ListSignalsForReceiver returns the limit most recent rows for receiverID
// in chronological order.
func (s *SQLiteStore) ListSignalsForReceiver(ctx context.Context, receiverID string, limit int) ([]*store.Signal, error) {
	query := `
		SELECT id, order_id, caller_id, receiver_id, signal_type, signal_data, created_at
		FROM signals
		WHERE receiver_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, receiverID, limit)
	if err != nil {
		return nil, fmt.Errorf("list signals: %w", err)
	}
	defer rows.Close()

	var out []*store.Signal
	for rows.Next() {
		var (
			sig  store.Signal
			data string
		)
		if err := rows.Scan(&sig.ID, &sig.OrderID, &sig.CallerID, &sig.ReceiverID, &sig.SignalType, &data, &sig.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		sig.SignalData = []byte(data)
		out = append(out, &sig)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate signals: %w", err)
	}

	// Newest-first from the query, chronological on the wire.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// PurgeSignalsBefore deletes rows older than cutoff.
func (s *SQLiteStore) PurgeSignalsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM signals WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge signals: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge signals rows affected: %w", err)
	}
	return n, nil
}

// ==== UserStore implementation ====

// UpsertUser records an identity, refreshing the display name (when given)
// and the last-seen timestamp.
func (s *SQLiteStore) UpsertUser(ctx context.Context, id, displayName string) error {
	query := `
		INSERT INTO users (id, display_name, last_seen_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE users.display_name END,
			last_seen_at = CURRENT_TIMESTAMP
	`
	if _, err := s.db.ExecContext(ctx, query, id, displayName); err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// GetUser returns one directory entry.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*store.User, error) {
	query := `SELECT id, display_name, last_seen_at FROM users WHERE id = ?`
	var u store.User
	err := s.db.QueryRowContext(ctx, query, id).Scan(&u.ID, &u.DisplayName, &u.LastSeenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}
