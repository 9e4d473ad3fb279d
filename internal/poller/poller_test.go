package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sharath3589/meme-wrangler/internal/dispatch"
	"github.com/sharath3589/meme-wrangler/internal/eventlog"
	"github.com/sharath3589/meme-wrangler/internal/storage"
	"github.com/sharath3589/meme-wrangler/internal/storage/storagetest"
	"github.com/sharath3589/meme-wrangler/internal/transport"
	logx "github.com/sharath3589/meme-wrangler/pkg/logx"
)

// stubMessenger accepts every send; panicOn makes one ref blow up to test
// per-item isolation.
type stubMessenger struct {
	mu      sync.Mutex
	sent    []string
	panicOn string
}

func (f *stubMessenger) record(ref string) error {
	if ref == f.panicOn {
		panic("messenger exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, ref)
	return nil
}

func (f *stubMessenger) SendVideo(_ context.Context, _ transport.ChatTarget, ref, _ string) error {
	return f.record(ref)
}
func (f *stubMessenger) SendImage(_ context.Context, _ transport.ChatTarget, ref, _ string) error {
	return f.record(ref)
}
func (f *stubMessenger) SendDocument(_ context.Context, _ transport.ChatTarget, ref, _ string) error {
	return f.record(ref)
}
func (f *stubMessenger) SendText(_ context.Context, _ transport.ChatTarget, _ string) error {
	return nil
}
func (f *stubMessenger) FetchBytes(_ context.Context, _ string) ([]byte, error) {
	return nil, errors.New("not implemented")
}
func (f *stubMessenger) Upload(_ context.Context, _ transport.ChatTarget, _ transport.Method, _ string, _ []byte, _ string) error {
	return errors.New("not implemented")
}

func newTestPoller(store storage.Store, msgr transport.Messenger, clock clockwork.Clock) *Poller {
	d := dispatch.New(store, msgr, transport.ChatTarget{Username: "@chan"}, eventlog.New(10), nil, logx.Nop())
	return New(store, d, clock, DefaultInterval, logx.Nop())
}

func seed(s *storagetest.MemStore, id int64, ref string, at time.Time) {
	s.Seed(storage.Item{ID: id, ContentRef: ref, Kind: storage.KindImage, ScheduledAt: at})
}

func TestCycleDispatchesOnlyDue(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 10, 18, 11, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(now)
	store := storagetest.NewMemStore()
	seed(store, 1, "due-early", now.Add(-2*time.Hour))
	seed(store, 2, "due-late", now) // exactly due
	seed(store, 3, "future", now.Add(time.Hour))

	msgr := &stubMessenger{}
	p := newTestPoller(store, msgr, clock)
	p.Cycle(context.Background())

	if len(msgr.sent) != 2 || msgr.sent[0] != "due-early" || msgr.sent[1] != "due-late" {
		t.Fatalf("sent = %v", msgr.sent)
	}
	got, _, _ := store.Get(context.Background(), 3)
	if got.Posted {
		t.Fatal("future item must stay pending")
	}
}

func TestCycleStoreErrorSkipsCycle(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 10, 18, 11, 0, 0, 0, time.UTC)
	store := storagetest.NewMemStore()
	seed(store, 1, "due", now.Add(-time.Hour))
	store.FailWith = errors.New("db locked")

	msgr := &stubMessenger{}
	p := newTestPoller(store, msgr, clockwork.NewFakeClockAt(now))
	p.Cycle(context.Background())

	if len(msgr.sent) != 0 {
		t.Fatalf("nothing should be sent on a store error, got %v", msgr.sent)
	}
}

func TestCycleIsolatesPanickingItem(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 10, 18, 11, 0, 0, 0, time.UTC)
	store := storagetest.NewMemStore()
	seed(store, 1, "bomb", now.Add(-2*time.Hour))
	seed(store, 2, "fine", now.Add(-time.Hour))

	msgr := &stubMessenger{panicOn: "bomb"}
	p := newTestPoller(store, msgr, clockwork.NewFakeClockAt(now))
	p.Cycle(context.Background())

	got, _, _ := store.Get(context.Background(), 2)
	if !got.Posted {
		t.Fatal("item after the panicking one must still be dispatched")
	}
	bomb, _, _ := store.Get(context.Background(), 1)
	if bomb.Posted {
		t.Fatal("panicking item must stay pending")
	}
}

func TestRunFiresOnInterval(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 10, 18, 11, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(now)
	store := storagetest.NewMemStore()
	seed(store, 1, "due", now.Add(-time.Hour))

	msgr := &stubMessenger{}
	p := newTestPoller(store, msgr, clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	clock.BlockUntil(1) // Run is parked on the timer
	clock.Advance(p.Interval())

	deadline := time.After(2 * time.Second)
	for {
		got, _, _ := store.Get(context.Background(), 1)
		if got.Posted {
			break
		}
		select {
		case <-deadline:
			t.Fatal("item not dispatched after advancing the clock")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

func TestSetInterval(t *testing.T) {
	t.Parallel()
	p := newTestPoller(storagetest.NewMemStore(), &stubMessenger{}, clockwork.NewFakeClock())

	p.SetInterval(time.Minute)
	if p.Interval() != time.Minute {
		t.Fatalf("Interval = %v", p.Interval())
	}
	p.SetInterval(0)
	if p.Interval() != DefaultInterval {
		t.Fatalf("zero interval must fall back to default, got %v", p.Interval())
	}
}
