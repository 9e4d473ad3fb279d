// Package poller drives the periodic due-item scan.
package poller

import (
	"context"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sharath3589/meme-wrangler/internal/dispatch"
	"github.com/sharath3589/meme-wrangler/internal/storage"
	logx "github.com/sharath3589/meme-wrangler/pkg/logx"
)

const DefaultInterval = 30 * time.Second

// Poller scans the store on a fixed period and hands each due item to the
// dispatcher with the full fallback chain.
//
// Failure isolation: a failing or panicking item never stops the rest of
// the cycle; a store error abandons the cycle and defers to the next one.
type Poller struct {
	store storage.Store
	disp  *dispatch.Dispatcher
	clock clockwork.Clock
	log   logx.Logger

	interval atomic.Int64 // nanoseconds
}

func New(store storage.Store, disp *dispatch.Dispatcher, clock clockwork.Clock, interval time.Duration, log logx.Logger) *Poller {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Poller{store: store, disp: disp, clock: clock, log: log}
	p.SetInterval(interval)
	return p
}

// SetInterval changes the poll period; it takes effect after the current
// wait. Safe for concurrent use (config hot reload).
func (p *Poller) SetInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultInterval
	}
	p.interval.Store(int64(d))
}

func (p *Poller) Interval() time.Duration {
	return time.Duration(p.interval.Load())
}

// Run blocks until ctx is done. Shutdown stops scheduling new cycles; an
// in-flight cycle finishes.
func (p *Poller) Run(ctx context.Context) error {
	p.log.Info("poller started", logx.Duration("interval", p.Interval()))
	for {
		timer := p.clock.NewTimer(p.Interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			p.log.Info("poller stopped")
			return nil
		case <-timer.Chan():
		}
		p.Cycle(ctx)
	}
}

// Cycle runs one due-item scan. Exported so "post now"-style tooling and
// tests can trigger a scan without waiting out the interval.
func (p *Poller) Cycle(ctx context.Context) {
	now := p.clock.Now()
	due, err := p.store.Due(ctx, now)
	if err != nil {
		// Store connectivity issues abort the whole cycle; next tick retries.
		p.log.Warn("due query failed; skipping cycle", logx.Err(err))
		return
	}
	if len(due) == 0 {
		return
	}
	p.log.Debug("due items found", logx.Int("count", len(due)))

	for _, it := range due {
		p.dispatchOne(ctx, it)
		if ctx.Err() != nil {
			return
		}
	}
}

func (p *Poller) dispatchOne(ctx context.Context, it storage.Item) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("panic while dispatching item",
				logx.Int64("item_id", it.ID), logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
		}
	}()
	// Outcomes (including chain exhaustion) are recorded by the dispatcher;
	// nothing here aborts the cycle.
	_ = p.disp.Dispatch(ctx, it, dispatch.ChainFor(it.Kind, true))
}
