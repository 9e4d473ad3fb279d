// Package storagetest provides an in-memory Store for tests.
package storagetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sharath3589/meme-wrangler/internal/storage"
)

// MemStore mirrors the SQLite store's semantics (conditional updates,
// stable due ordering) without touching disk. Optional error hooks let
// tests simulate connectivity loss.
type MemStore struct {
	mu     sync.Mutex
	items  map[int64]storage.Item
	nextID int64

	// FailWith, when non-nil, is returned by every query method.
	FailWith error
}

var _ storage.Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{items: map[int64]storage.Item{}, nextID: 1}
}

// Seed inserts an item as-is (id included) for test setup.
func (s *MemStore) Seed(it storage.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[it.ID] = it
	if it.ID >= s.nextID {
		s.nextID = it.ID + 1
	}
}

func (s *MemStore) snapshotPending() []storage.Item {
	out := make([]storage.Item, 0, len(s.items))
	for _, it := range s.items {
		if !it.Posted {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ScheduledAt.Before(out[j].ScheduledAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *MemStore) Insert(_ context.Context, it storage.NewItem) (storage.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return storage.Item{}, s.FailWith
	}
	item := storage.Item{
		ID:          s.nextID,
		ContentRef:  it.ContentRef,
		PreviewRef:  it.PreviewRef,
		Kind:        it.Kind,
		Caption:     it.Caption,
		ScheduledAt: it.ScheduledAt,
		CreatedAt:   time.Now(),
	}
	s.nextID++
	s.items[item.ID] = item
	return item, nil
}

func (s *MemStore) Get(_ context.Context, id int64) (storage.Item, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return storage.Item{}, false, s.FailWith
	}
	it, ok := s.items[id]
	return it, ok, nil
}

func (s *MemStore) Pending(_ context.Context) ([]storage.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	return s.snapshotPending(), nil
}

func (s *MemStore) EarliestPending(_ context.Context) (storage.Item, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return storage.Item{}, false, s.FailWith
	}
	pending := s.snapshotPending()
	if len(pending) == 0 {
		return storage.Item{}, false, nil
	}
	return pending[0], true, nil
}

func (s *MemStore) LastPendingAt(_ context.Context) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return time.Time{}, false, s.FailWith
	}
	pending := s.snapshotPending()
	if len(pending) == 0 {
		return time.Time{}, false, nil
	}
	return pending[len(pending)-1].ScheduledAt, true, nil
}

func (s *MemStore) Due(_ context.Context, now time.Time) ([]storage.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return nil, s.FailWith
	}
	var out []storage.Item
	for _, it := range s.snapshotPending() {
		if !it.ScheduledAt.After(now) {
			out = append(out, it)
		}
	}
	return out, nil
}

func (s *MemStore) MarkPosted(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return false, s.FailWith
	}
	it, ok := s.items[id]
	if !ok || it.Posted {
		return false, nil
	}
	it.Posted = true
	s.items[id] = it
	return true, nil
}

func (s *MemStore) Reschedule(_ context.Context, id int64, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return false, s.FailWith
	}
	it, ok := s.items[id]
	if !ok || it.Posted {
		return false, nil
	}
	it.ScheduledAt = at
	s.items[id] = it
	return true, nil
}

func (s *MemStore) DeletePending(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return false, s.FailWith
	}
	it, ok := s.items[id]
	if !ok || it.Posted {
		return false, nil
	}
	delete(s.items, id)
	return true, nil
}

func (s *MemStore) PrunePosted(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return 0, s.FailWith
	}
	var n int64
	for id, it := range s.items {
		if it.Posted && it.ScheduledAt.Before(cutoff) {
			delete(s.items, id)
			n++
		}
	}
	return n, nil
}

func (s *MemStore) Close() error { return nil }
