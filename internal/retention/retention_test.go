package retention

import (
	"context"
	"testing"
	"time"

	"github.com/sharath3589/meme-wrangler/internal/storage"
	"github.com/sharath3589/meme-wrangler/internal/storage/storagetest"
	logx "github.com/sharath3589/meme-wrangler/pkg/logx"
)

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	c := Config{Enabled: true}.withDefaults()
	if c.Schedule != DefaultSchedule {
		t.Fatalf("schedule = %q", c.Schedule)
	}
	if c.Keep != DefaultKeep {
		t.Fatalf("keep = %v", c.Keep)
	}

	c = Config{Enabled: true, Schedule: "0 3 * * *", Keep: time.Hour}.withDefaults()
	if c.Schedule != "0 3 * * *" || c.Keep != time.Hour {
		t.Fatalf("explicit values overwritten: %+v", c)
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	t.Parallel()
	s := New(storagetest.NewMemStore(), logx.Nop())
	defer s.Stop()

	if err := s.Start(Config{Enabled: true, Schedule: "not a cron spec"}, time.UTC); err == nil {
		t.Fatal("expected error")
	}
}

func TestDisabledIsNoOp(t *testing.T) {
	t.Parallel()
	s := New(storagetest.NewMemStore(), logx.Nop())
	defer s.Stop()

	if err := s.Start(Config{Enabled: false}, time.UTC); err != nil {
		t.Fatal(err)
	}
}

func TestPruneRemovesOldPostedOnly(t *testing.T) {
	t.Parallel()
	store := storagetest.NewMemStore()
	store.Seed(storage.Item{ID: 1, ContentRef: "old-posted", Posted: true,
		ScheduledAt: time.Now().Add(-48 * time.Hour)})
	store.Seed(storage.Item{ID: 2, ContentRef: "old-pending",
		ScheduledAt: time.Now().Add(-48 * time.Hour)})
	store.Seed(storage.Item{ID: 3, ContentRef: "fresh-posted", Posted: true,
		ScheduledAt: time.Now().Add(-time.Hour)})

	s := New(store, logx.Nop())
	s.prune(24 * time.Hour)

	if _, ok, _ := store.Get(context.Background(), 1); ok {
		t.Fatal("old posted item must be pruned")
	}
	if _, ok, _ := store.Get(context.Background(), 2); !ok {
		t.Fatal("pending item must never be pruned")
	}
	if _, ok, _ := store.Get(context.Background(), 3); !ok {
		t.Fatal("recent posted item must survive")
	}
}

func TestApplyReplacesJob(t *testing.T) {
	t.Parallel()
	s := New(storagetest.NewMemStore(), logx.Nop())
	defer s.Stop()

	if err := s.Start(Config{Enabled: true, Schedule: "@daily", Keep: time.Hour}, time.UTC); err != nil {
		t.Fatal(err)
	}
	if err := s.Apply(Config{Enabled: true, Schedule: "@hourly", Keep: 2 * time.Hour}); err != nil {
		t.Fatal(err)
	}
	if err := s.Apply(Config{Enabled: false}); err != nil {
		t.Fatal(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		t.Fatal("disabling must stop the cron")
	}
}

// slowPruneStore parks PrunePosted until released so a prune job can be
// held in flight mid-test.
type slowPruneStore struct {
	storage.Store
	entered chan struct{}
	release chan struct{}
}

func (s *slowPruneStore) PrunePosted(ctx context.Context, cutoff time.Time) (int64, error) {
	s.entered <- struct{}{}
	<-s.release
	return s.Store.PrunePosted(ctx, cutoff)
}

func TestApplyDoesNotHoldMutexWhileWaitingForJob(t *testing.T) {
	t.Parallel()
	store := &slowPruneStore{
		Store:   storagetest.NewMemStore(),
		entered: make(chan struct{}, 16), // more ticks may fire before Apply stops the cron
		release: make(chan struct{}),
	}
	s := New(store, logx.Nop())
	defer s.Stop()

	if err := s.Start(Config{Enabled: true, Schedule: "@every 1s", Keep: time.Hour}, time.UTC); err != nil {
		t.Fatal(err)
	}

	// Wait until a fired prune job is parked inside the store call.
	select {
	case <-store.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("prune job never fired")
	}

	// Apply now has to wait for that job to finish before tearing down the
	// old cron.
	applied := make(chan error, 1)
	go func() { applied <- s.Apply(Config{Enabled: false}) }()
	time.Sleep(50 * time.Millisecond)

	// The wait must happen outside the mutex, otherwise a job blocked on it
	// (and this lock attempt) would never proceed.
	locked := make(chan struct{})
	go func() {
		s.mu.Lock()
		// Acquiring the lock is the assertion itself.
		s.mu.Unlock()
		close(locked)
	}()
	select {
	case <-locked:
	case <-time.After(2 * time.Second):
		t.Fatal("Apply holds the mutex while waiting for a running job")
	}

	close(store.release)
	select {
	case err := <-applied:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Apply never returned after the job finished")
	}
}
