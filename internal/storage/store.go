package storage

import (
	"context"
	"errors"
	"time"
)

// Kind classifies the media payload; it selects the transport fallback
// chain. Legacy rows may carry an empty kind and are treated as images.
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// Item is one scheduled post.
//
// ContentRef and PreviewRef are opaque transport handles; the core never
// inspects their bytes. PreviewRef falls back to ContentRef when the
// submission had no separate preview handle.
type Item struct {
	ID          int64
	ContentRef  string
	PreviewRef  string
	Kind        Kind
	Caption     string
	ScheduledAt time.Time
	CreatedAt   time.Time
	Posted      bool
}

// DisplayRef returns the handle to use for preview rendering.
func (it Item) DisplayRef() string {
	if it.PreviewRef != "" {
		return it.PreviewRef
	}
	return it.ContentRef
}

// NewItem is the insert payload; id and created_at are store-assigned.
type NewItem struct {
	ContentRef  string
	PreviewRef  string
	Kind        Kind
	Caption     string
	ScheduledAt time.Time
}

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

var ErrClosed = errors.New("storage closed")

// Store is the persistence contract for scheduled items.
//
// All boolean-returning mutations report whether a row was actually
// changed; "false, nil" means the row was missing or already posted,
// which callers treat as a no-op rather than an error.
type Store interface {
	// Insert persists a new pending item and returns it with its id.
	Insert(ctx context.Context, it NewItem) (Item, error)

	// Get fetches one item by id regardless of lifecycle state.
	Get(ctx context.Context, id int64) (Item, bool, error)

	// Pending returns all unposted items ordered by scheduled_at ascending.
	Pending(ctx context.Context) ([]Item, error)

	// EarliestPending returns the earliest-due pending item.
	EarliestPending(ctx context.Context) (Item, bool, error)

	// LastPendingAt returns the maximum scheduled_at among pending items.
	LastPendingAt(ctx context.Context) (time.Time, bool, error)

	// Due returns pending items with scheduled_at <= now, ordered by
	// scheduled_at ascending (stable sort by id for equal timestamps).
	Due(ctx context.Context, now time.Time) ([]Item, error)

	// MarkPosted flips posted 0 -> 1. It is the terminal transition and the
	// double-dispatch guard: exactly one caller observes true.
	MarkPosted(ctx context.Context, id int64) (bool, error)

	// Reschedule updates scheduled_at for a still-pending item.
	Reschedule(ctx context.Context, id int64, at time.Time) (bool, error)

	// DeletePending removes an item only while it is still pending.
	DeletePending(ctx context.Context, id int64) (bool, error)

	// PrunePosted deletes posted rows scheduled before the cutoff and
	// returns how many were removed. Pending rows are never touched.
	PrunePosted(ctx context.Context, cutoff time.Time) (int64, error)

	Close() error
}
