// Package core implements the owner-facing scheduling operations: submit,
// list, reschedule, unschedule, post-now, preview, recent log.
package core

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sharath3589/meme-wrangler/internal/dispatch"
	"github.com/sharath3589/meme-wrangler/internal/eventlog"
	"github.com/sharath3589/meme-wrangler/internal/schedule"
	"github.com/sharath3589/meme-wrangler/internal/storage"
	logx "github.com/sharath3589/meme-wrangler/pkg/logx"
)

var ErrNoPending = errors.New("no scheduled items")

// Submission is one piece of media handed in by the owner.
type Submission struct {
	ContentRef string
	PreviewRef string
	Kind       storage.Kind
	Caption    string
}

// UnscheduleReport lists what was asked for and what actually went away.
// The chat reply historically only echoes Requested; Deleted is kept so
// callers can do better.
type UnscheduleReport struct {
	Requested []int64
	Deleted   []int64
}

// RangeResult reports a bulk reschedule: the computed assignments and how
// many rows were still pending when their update ran.
type RangeResult struct {
	Assignments []schedule.Assignment
	Updated     int
}

type Service struct {
	store storage.Store
	disp  *dispatch.Dispatcher
	elog  *eventlog.Log
	clock clockwork.Clock
	log   logx.Logger

	slots atomic.Pointer[schedule.Table]
}

func New(store storage.Store, disp *dispatch.Dispatcher, elog *eventlog.Log, slots *schedule.Table, clock clockwork.Clock, log logx.Logger) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{store: store, disp: disp, elog: elog, clock: clock, log: log}
	s.slots.Store(slots)
	return s
}

// Slots returns the current timetable.
func (s *Service) Slots() *schedule.Table { return s.slots.Load() }

// SetSlots swaps the timetable (config hot reload). Already-assigned
// schedules are untouched; only future assignments use the new table.
func (s *Service) SetSlots(t *schedule.Table) {
	if t != nil {
		s.slots.Store(t)
	}
}

// Submit assigns the next free slot and persists the item.
//
// The reference point is the latest pending schedule (or now when the
// queue is empty), so consecutive submissions always get strictly
// increasing slots, even when the queue already reaches days ahead.
func (s *Service) Submit(ctx context.Context, sub Submission) (storage.Item, error) {
	if sub.ContentRef == "" {
		return storage.Item{}, errors.New("submission has no content")
	}
	if sub.Kind != storage.KindImage && sub.Kind != storage.KindVideo {
		return storage.Item{}, fmt.Errorf("unsupported media kind %q", sub.Kind)
	}

	ref, ok, err := s.store.LastPendingAt(ctx)
	if err != nil {
		return storage.Item{}, fmt.Errorf("read schedule tail: %w", err)
	}
	if !ok {
		ref = s.clock.Now()
	}
	at := s.Slots().NextSlot(ref)

	it, err := s.store.Insert(ctx, storage.NewItem{
		ContentRef:  sub.ContentRef,
		PreviewRef:  sub.PreviewRef,
		Kind:        sub.Kind,
		Caption:     sub.Caption,
		ScheduledAt: at,
	})
	if err != nil {
		return storage.Item{}, fmt.Errorf("persist item: %w", err)
	}
	s.log.Info("item scheduled",
		logx.Int64("item_id", it.ID), logx.Time("at", at), logx.String("kind", string(it.Kind)))
	return it, nil
}

// ListPending returns all pending items, earliest first.
func (s *Service) ListPending(ctx context.Context) ([]storage.Item, error) {
	return s.store.Pending(ctx)
}

// Unschedule deletes each id that is still pending. Posted or missing ids
// are silently skipped.
func (s *Service) Unschedule(ctx context.Context, ids []int64) (UnscheduleReport, error) {
	rep := UnscheduleReport{Requested: ids}
	for _, id := range ids {
		ok, err := s.store.DeletePending(ctx, id)
		if err != nil {
			return rep, fmt.Errorf("unschedule %d: %w", id, err)
		}
		if ok {
			rep.Deleted = append(rep.Deleted, id)
		}
	}
	if len(rep.Deleted) > 0 {
		s.log.Info("items unscheduled", logx.Int("count", len(rep.Deleted)))
	}
	return rep, nil
}

// PostNow dispatches one pending item immediately: the given id, or the
// earliest-due item when id is 0.
//
// This path uses the narrow chain (no document fallback); on failure the
// item stays pending and the poller retries with the full chain.
func (s *Service) PostNow(ctx context.Context, id int64) (storage.Item, dispatch.Outcome, error) {
	var (
		it  storage.Item
		ok  bool
		err error
	)
	if id > 0 {
		it, ok, err = s.store.Get(ctx, id)
		if err != nil {
			return storage.Item{}, dispatch.Outcome{}, err
		}
		if !ok || it.Posted {
			return storage.Item{}, dispatch.Outcome{}, fmt.Errorf("no scheduled item with id %d", id)
		}
	} else {
		it, ok, err = s.store.EarliestPending(ctx)
		if err != nil {
			return storage.Item{}, dispatch.Outcome{}, err
		}
		if !ok {
			return storage.Item{}, dispatch.Outcome{}, ErrNoPending
		}
	}

	out := s.disp.Dispatch(ctx, it, dispatch.ChainFor(it.Kind, false))
	return it, out, nil
}

// Preview looks up an item (any lifecycle state) for preview rendering.
func (s *Service) Preview(ctx context.Context, id int64) (storage.Item, error) {
	it, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return storage.Item{}, err
	}
	if !ok {
		return storage.Item{}, fmt.Errorf("no item with id %d", id)
	}
	return it, nil
}

// RescheduleSingle moves one pending item to HH:MM on the current calendar
// day. It returns the computed target and whether a row actually changed;
// a posted or missing id is a no-op, not an error.
func (s *Service) RescheduleSingle(ctx context.Context, id int64, hhmm string) (time.Time, bool, error) {
	if id <= 0 {
		return time.Time{}, false, fmt.Errorf("invalid id %d", id)
	}
	h, m, err := schedule.ParseHHMM(hhmm)
	if err != nil {
		return time.Time{}, false, err
	}
	at := s.Slots().OnDay(s.clock.Now(), h, m)

	ok, err := s.store.Reschedule(ctx, id, at)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("reschedule %d: %w", id, err)
	}
	if ok {
		s.log.Info("item rescheduled", logx.Int64("item_id", id), logx.Time("at", at))
	}
	return at, ok, nil
}

// RescheduleRange assigns ids startID..endID to the slots of date's
// calendar day, cycling the timetable. Each update is independent and
// conditional on the row still being pending, so partial application
// (some ids already posted) is expected and not an error.
func (s *Service) RescheduleRange(ctx context.Context, startID, endID int64, date string) (RangeResult, error) {
	table := s.Slots()
	base, err := table.ParseDate(date)
	if err != nil {
		return RangeResult{}, err
	}
	assignments, err := table.AssignRange(startID, endID, base)
	if err != nil {
		return RangeResult{}, err
	}

	res := RangeResult{Assignments: assignments}
	for _, a := range assignments {
		ok, err := s.store.Reschedule(ctx, a.ID, a.At)
		if err != nil {
			return res, fmt.Errorf("reschedule %d: %w", a.ID, err)
		}
		if ok {
			res.Updated++
		}
	}
	s.log.Info("range rescheduled",
		logx.Int64("start_id", startID), logx.Int64("end_id", endID),
		logx.Int("updated", res.Updated), logx.String("date", date))
	return res, nil
}

// RecentLog returns up to n of the latest dispatch outcomes, oldest first.
func (s *Service) RecentLog(n int) []eventlog.Entry {
	return s.elog.Recent(n)
}
