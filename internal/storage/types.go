package storage

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures the appdata store.
type Config struct {
	// Path to the sqlite database file. Required.
	Path string

	// BusyTimeout is the sqlite busy handler timeout. 0 means default.
	BusyTimeout time.Duration

	// OpTimeout bounds individual store operations. On expiry the operation
	// returns context.DeadlineExceeded, which callers treat as transient.
	// 0 disables the per-operation deadline.
	OpTimeout time.Duration
}

// Store is the persistence API shared by the scheduler, executor and
// generators. All mutating operations are atomic with respect to concurrent
// callers.
type Store interface {
	// AcceptHash durably records hash the first time it is seen and reports
	// whether this call was the first. Check-and-record is a single atomic
	// statement: two racing callers never both get true.
	AcceptHash(ctx context.Context, hash string, now time.Time) (bool, error)

	// HasHash reports whether hash is already recorded, without recording it.
	HasHash(ctx context.Context, hash string) (bool, error)

	// LastExpanded returns when the entity was last expanded, if ever.
	LastExpanded(ctx context.Context, entityID string) (time.Time, bool, error)

	// IsFresh reports whether the entity is due for (re-)expansion: true when
	// never expanded, or when the last expansion is at least ttl old.
	IsFresh(ctx context.Context, entityID string, ttl time.Duration, now time.Time) (bool, error)

	// MarkExpanded records a successful expansion.
	MarkExpanded(ctx context.Context, entityID string, at time.Time) error

	// Cursor returns the persisted pagination cursor for a task identity.
	Cursor(ctx context.Context, queryHash string) (string, bool, error)

	// SetCursor persists the pagination cursor for a task identity. Called
	// only after the page's records have been committed.
	SetCursor(ctx context.Context, queryHash, cursor string) error

	// GeneratorIDs lists entity ids a generator has already produced tasks for.
	GeneratorIDs(ctx context.Context, generator string) ([]string, error)

	// MarkGeneratorIDs records entity ids as handled by a generator.
	MarkGeneratorIDs(ctx context.Context, generator string, ids []string, at time.Time) error

	// PruneSeen deletes seen hashes first recorded before cutoff and returns
	// the number of rows removed.
	PruneSeen(ctx context.Context, cutoff time.Time) (int64, error)

	Close() error
}
