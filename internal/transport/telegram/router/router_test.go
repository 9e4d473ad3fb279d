package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sharath3589/meme-wrangler/internal/core"
	"github.com/sharath3589/meme-wrangler/internal/dispatch"
	"github.com/sharath3589/meme-wrangler/internal/eventbus"
	"github.com/sharath3589/meme-wrangler/internal/eventlog"
	"github.com/sharath3589/meme-wrangler/internal/schedule"
	"github.com/sharath3589/meme-wrangler/internal/storage"
	"github.com/sharath3589/meme-wrangler/internal/storage/storagetest"
	"github.com/sharath3589/meme-wrangler/internal/transport"
	logx "github.com/sharath3589/meme-wrangler/pkg/logx"
)

const ownerID = int64(42)

type chatMessenger struct {
	mu         sync.Mutex
	texts      []string
	media      []string // "method:ref" per successful direct send, "upload:method" per re-upload
	failSend   map[transport.Method]error
	failUpload map[transport.Method]error
	failFetch  error
}

func newChatMessenger() *chatMessenger {
	return &chatMessenger{
		failSend:   map[transport.Method]error{},
		failUpload: map[transport.Method]error{},
	}
}

func (f *chatMessenger) SendText(_ context.Context, _ transport.ChatTarget, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return nil
}

func (f *chatMessenger) send(m transport.Method, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failSend[m]; err != nil {
		return err
	}
	f.media = append(f.media, string(m)+":"+ref)
	return nil
}

func (f *chatMessenger) SendVideo(_ context.Context, _ transport.ChatTarget, ref, _ string) error {
	return f.send(transport.MethodVideo, ref)
}
func (f *chatMessenger) SendImage(_ context.Context, _ transport.ChatTarget, ref, _ string) error {
	return f.send(transport.MethodImage, ref)
}
func (f *chatMessenger) SendDocument(_ context.Context, _ transport.ChatTarget, ref, _ string) error {
	return f.send(transport.MethodDocument, ref)
}
func (f *chatMessenger) FetchBytes(_ context.Context, _ string) ([]byte, error) {
	if f.failFetch != nil {
		return nil, f.failFetch
	}
	return []byte("bytes"), nil
}
func (f *chatMessenger) Upload(_ context.Context, _ transport.ChatTarget, m transport.Method, _ string, _ []byte, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failUpload[m]; err != nil {
		return err
	}
	f.media = append(f.media, "upload:"+string(m))
	return nil
}

func (f *chatMessenger) lastText(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.texts) == 0 {
		t.Fatal("no reply sent")
	}
	return f.texts[len(f.texts)-1]
}

type fixture struct {
	r     *Router
	msgr  *chatMessenger
	store *storagetest.MemStore
	bus   eventbus.Bus
	loc   *time.Location
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	table, err := schedule.New("Asia/Kolkata", []string{"11:00", "16:00", "21:00"})
	if err != nil {
		t.Fatal(err)
	}
	store := storagetest.NewMemStore()
	msgr := newChatMessenger()
	elog := eventlog.New(10)
	bus := eventbus.New()
	disp := dispatch.New(store, msgr, transport.ChatTarget{Username: "@chan"}, elog, bus, logx.Nop())
	clock := clockwork.NewFakeClockAt(time.Date(2025, 10, 18, 9, 0, 0, 0, table.Location()))
	svc := core.New(store, disp, elog, table, clock, logx.Nop())

	return &fixture{
		r:     New(svc, msgr, bus, ownerID, logx.Nop()),
		msgr:  msgr,
		store: store,
		bus:   bus,
		loc:   table.Location(),
	}
}

func ownerText(text string) transport.Update {
	return transport.Update{Message: &transport.Message{
		ChatID: ownerID, FromID: ownerID, Text: text,
	}}
}

func TestNonOwnerIsIgnored(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	fx.r.handle(context.Background(), transport.Update{Message: &transport.Message{
		ChatID: 777, FromID: 777, Text: "/scheduled",
	}})

	if len(fx.msgr.texts) != 0 {
		t.Fatalf("replied to a stranger: %v", fx.msgr.texts)
	}
}

func TestMediaSubmission(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	fx.r.handle(context.Background(), transport.Update{Message: &transport.Message{
		ChatID: ownerID, FromID: ownerID, Caption: "nice one",
		Media: &transport.IncomingMedia{Kind: transport.MediaVideo, Ref: "vid-1", PreviewRef: "thumb-1"},
	}})

	reply := fx.msgr.lastText(t)
	if !strings.Contains(reply, "Scheduled as ID 1") {
		t.Fatalf("reply = %q", reply)
	}
	if !strings.Contains(reply, "2025-10-18 11:00:00") {
		t.Fatalf("reply lacks the slot time: %q", reply)
	}

	it, ok, _ := fx.store.Get(context.Background(), 1)
	if !ok || it.Kind != storage.KindVideo || it.Caption != "nice one" || it.PreviewRef != "thumb-1" {
		t.Fatalf("stored item = %+v", it)
	}
}

func TestHelp(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	fx.r.handle(context.Background(), ownerText("/help"))
	if !strings.Contains(fx.msgr.lastText(t), "/scheduled") {
		t.Fatalf("help = %q", fx.msgr.lastText(t))
	}

	fx.r.handle(context.Background(), ownerText("/nonsense"))
	if !strings.Contains(fx.msgr.lastText(t), "Unknown command") {
		t.Fatalf("reply = %q", fx.msgr.lastText(t))
	}
}

func TestScheduledListsWithPreviews(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	at := time.Date(2025, 10, 18, 11, 0, 0, 0, fx.loc)
	fx.store.Seed(storage.Item{ID: 1, ContentRef: "a", Kind: storage.KindImage, ScheduledAt: at})
	fx.store.Seed(storage.Item{ID: 2, ContentRef: "b", Kind: storage.KindImage, ScheduledAt: at.Add(5 * time.Hour)})

	fx.r.handle(context.Background(), ownerText("/scheduled"))

	if !strings.Contains(fx.msgr.texts[0], "2 item(s) scheduled") {
		t.Fatalf("header = %q", fx.msgr.texts[0])
	}
	if len(fx.msgr.media) != 2 || fx.msgr.media[0] != "image:a" || fx.msgr.media[1] != "image:b" {
		t.Fatalf("previews sent = %v", fx.msgr.media)
	}
}

func TestScheduledEmpty(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	fx.r.handle(context.Background(), ownerText("/scheduled"))
	if got := fx.msgr.lastText(t); got != "Nothing scheduled." {
		t.Fatalf("reply = %q", got)
	}
}

func TestPreviewFallsBackToDocument(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.store.Seed(storage.Item{ID: 1, ContentRef: "pic", Kind: storage.KindImage,
		ScheduledAt: time.Date(2025, 10, 18, 11, 0, 0, 0, fx.loc)})
	fx.msgr.failSend[transport.MethodImage] = errors.New("image rejected")

	fx.r.handle(context.Background(), ownerText("/preview 1"))

	// Image send refused, document rung delivers the same ref directly.
	if len(fx.msgr.media) != 1 || fx.msgr.media[0] != "document:pic" {
		t.Fatalf("media = %v", fx.msgr.media)
	}
}

func TestPreviewReuploadFallback(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.store.Seed(storage.Item{ID: 1, ContentRef: "stale-ref", Kind: storage.KindImage,
		ScheduledAt: time.Date(2025, 10, 18, 11, 0, 0, 0, fx.loc)})
	fx.msgr.failSend[transport.MethodImage] = errors.New("wrong file identifier")
	fx.msgr.failSend[transport.MethodDocument] = errors.New("wrong file identifier")

	fx.r.handle(context.Background(), ownerText("/preview 1"))

	// The whole direct chain failed, so the bytes were fetched and
	// re-uploaded through the same chain.
	if len(fx.msgr.media) != 1 || fx.msgr.media[0] != "upload:image" {
		t.Fatalf("media = %v", fx.msgr.media)
	}
}

func TestPreviewReuploadFallsBackToDocument(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.store.Seed(storage.Item{ID: 1, ContentRef: "stale-ref", Kind: storage.KindImage,
		ScheduledAt: time.Date(2025, 10, 18, 11, 0, 0, 0, fx.loc)})
	fx.msgr.failSend[transport.MethodImage] = errors.New("wrong file identifier")
	fx.msgr.failSend[transport.MethodDocument] = errors.New("wrong file identifier")
	fx.msgr.failUpload[transport.MethodImage] = errors.New("image upload rejected")

	fx.r.handle(context.Background(), ownerText("/preview 1"))

	if len(fx.msgr.media) != 1 || fx.msgr.media[0] != "upload:document" {
		t.Fatalf("media = %v", fx.msgr.media)
	}
}

func TestPreviewTextFallback(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.store.Seed(storage.Item{ID: 1, ContentRef: "gone", Kind: storage.KindImage,
		ScheduledAt: time.Date(2025, 10, 18, 11, 0, 0, 0, fx.loc)})
	fx.msgr.failSend[transport.MethodImage] = errors.New("wrong file identifier")
	fx.msgr.failSend[transport.MethodDocument] = errors.New("wrong file identifier")
	fx.msgr.failFetch = errors.New("file is gone")

	fx.r.handle(context.Background(), ownerText("/preview 1"))

	reply := fx.msgr.lastText(t)
	if !strings.Contains(reply, "preview unavailable") || !strings.Contains(reply, "ID: 1") {
		t.Fatalf("reply = %q", reply)
	}
}

func TestPreviewChainSelection(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		item storage.Item
		want dispatch.Chain
	}{
		{
			name: "thumbnail previews as a photo",
			item: storage.Item{Kind: storage.KindVideo, PreviewRef: "thumb"},
			want: dispatch.Chain{transport.MethodImage, transport.MethodDocument},
		},
		{
			name: "video content keeps the full chain",
			item: storage.Item{Kind: storage.KindVideo},
			want: dispatch.Chain{transport.MethodVideo, transport.MethodImage, transport.MethodDocument},
		},
		{
			name: "image content",
			item: storage.Item{Kind: storage.KindImage},
			want: dispatch.Chain{transport.MethodImage, transport.MethodDocument},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := previewChain(tt.item)
			if len(got) != len(tt.want) {
				t.Fatalf("chain = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("chain = %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestUnscheduleEchoesRequestedIDs(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.store.Seed(storage.Item{ID: 1, ContentRef: "a",
		ScheduledAt: time.Date(2025, 10, 18, 11, 0, 0, 0, fx.loc)})

	// 99 doesn't exist; the reply still echoes it.
	fx.r.handle(context.Background(), ownerText("/unschedule 1 99"))
	if got := fx.msgr.lastText(t); got != "Unscheduled IDs: 1, 99" {
		t.Fatalf("reply = %q", got)
	}

	if _, ok, _ := fx.store.Get(context.Background(), 1); ok {
		t.Fatal("item 1 must be gone")
	}
}

func TestPostNowCommand(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	fx.r.handle(context.Background(), ownerText("/postnow"))
	if got := fx.msgr.lastText(t); got != "Nothing scheduled." {
		t.Fatalf("reply = %q", got)
	}

	fx.store.Seed(storage.Item{ID: 3, ContentRef: "x", Kind: storage.KindImage,
		ScheduledAt: time.Date(2025, 10, 18, 11, 0, 0, 0, fx.loc)})
	fx.r.handle(context.Background(), ownerText("/postnow 3"))
	if got := fx.msgr.lastText(t); got != "Posted ID 3 as image." {
		t.Fatalf("reply = %q", got)
	}
}

func TestScheduleAtSingle(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.store.Seed(storage.Item{ID: 4, ContentRef: "x",
		ScheduledAt: time.Date(2025, 10, 18, 11, 0, 0, 0, fx.loc)})

	fx.r.handle(context.Background(), ownerText("/scheduleat id: 4 18:30"))
	reply := fx.msgr.lastText(t)
	if !strings.Contains(reply, "ID 4 rescheduled to 2025-10-18 18:30:00") {
		t.Fatalf("reply = %q", reply)
	}

	got, _, _ := fx.store.Get(context.Background(), 4)
	if want := time.Date(2025, 10, 18, 18, 30, 0, 0, fx.loc); !got.ScheduledAt.Equal(want) {
		t.Fatalf("item at %v, want %v", got.ScheduledAt, want)
	}
}

func TestScheduleAtRange(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	at := time.Date(2025, 10, 18, 11, 0, 0, 0, fx.loc)
	fx.store.Seed(storage.Item{ID: 5, ContentRef: "a", ScheduledAt: at})
	fx.store.Seed(storage.Item{ID: 6, ContentRef: "b", ScheduledAt: at})

	fx.r.handle(context.Background(), ownerText("/scheduleat ids: 5-6 2025-10-25"))
	reply := fx.msgr.lastText(t)
	if !strings.Contains(reply, "Rescheduled 2 of 2 item(s)") {
		t.Fatalf("reply = %q", reply)
	}
	if !strings.Contains(reply, "ID 5 -> 2025-10-25 11:00:00") ||
		!strings.Contains(reply, "ID 6 -> 2025-10-25 16:00:00") {
		t.Fatalf("reply = %q", reply)
	}
}

func TestScheduleAtUsage(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	fx.r.handle(context.Background(), ownerText("/scheduleat whenever"))
	if !strings.Contains(fx.msgr.lastText(t), "Usage:") {
		t.Fatalf("reply = %q", fx.msgr.lastText(t))
	}
}

func TestLogCommand(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	fx.r.handle(context.Background(), ownerText("/log"))
	if got := fx.msgr.lastText(t); got != "No posting activity yet." {
		t.Fatalf("reply = %q", got)
	}

	fx.store.Seed(storage.Item{ID: 1, ContentRef: "x", Kind: storage.KindImage,
		ScheduledAt: time.Date(2025, 10, 18, 11, 0, 0, 0, fx.loc)})
	fx.r.handle(context.Background(), ownerText("/postnow 1"))

	fx.r.handle(context.Background(), ownerText("/log"))
	if got := fx.msgr.lastText(t); !strings.Contains(got, "[SUCCESS] item id=1") {
		t.Fatalf("reply = %q", got)
	}
}

func TestFailureEventNotifiesOwner(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	fx.r.handleEvent(context.Background(), eventbus.Event{
		Type: eventbus.TypePostFailed,
		Data: eventbus.PostEvent{ItemID: 9, Detail: "chain exhausted"},
	})

	reply := fx.msgr.lastText(t)
	if !strings.Contains(reply, "item 9") || !strings.Contains(reply, "chain exhausted") {
		t.Fatalf("reply = %q", reply)
	}

	// Success events stay quiet.
	fx.msgr.texts = nil
	fx.r.handleEvent(context.Background(), eventbus.Event{
		Type: eventbus.TypePostSuccess,
		Data: eventbus.PostEvent{ItemID: 9},
	})
	if len(fx.msgr.texts) != 0 {
		t.Fatalf("unexpected reply: %v", fx.msgr.texts)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan transport.Update)
	done := make(chan error, 1)
	go func() { done <- fx.r.Run(ctx, updates) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
