// Package dispatch delivers one scheduled item through an ordered fallback
// chain and records the outcome.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/sharath3589/meme-wrangler/internal/eventbus"
	"github.com/sharath3589/meme-wrangler/internal/eventlog"
	"github.com/sharath3589/meme-wrangler/internal/storage"
	"github.com/sharath3589/meme-wrangler/internal/transport"
	logx "github.com/sharath3589/meme-wrangler/pkg/logx"
)

// Chain is the ordered list of delivery methods to attempt.
type Chain []transport.Method

// ChainFor selects the fallback chain for a media kind.
//
// full is the poller's behavior: videos fall through to the image chain,
// images fall back to a plain document. The narrow variant (used by "post
// now") stops before the document fallback; the item stays pending there,
// so the poller retries it with the full chain.
func ChainFor(kind storage.Kind, full bool) Chain {
	switch kind {
	case storage.KindVideo:
		if full {
			return Chain{transport.MethodVideo, transport.MethodImage, transport.MethodDocument}
		}
		return Chain{transport.MethodVideo, transport.MethodImage}
	default:
		// Legacy rows with an empty kind take the image path.
		if full {
			return Chain{transport.MethodImage, transport.MethodDocument}
		}
		return Chain{transport.MethodImage}
	}
}

// Outcome reports one dispatch attempt.
type Outcome struct {
	// Posted is true when this call flipped the item to posted.
	Posted bool
	// Method is the delivery method that succeeded, if any.
	Method transport.Method
	// AlreadyPosted is true when the send succeeded but another caller won
	// the posted transition (manual post racing the poller).
	AlreadyPosted bool
	// Err is the last delivery error when the whole chain failed, or a
	// store error.
	Err error
}

type Dispatcher struct {
	store storage.Store
	msgr  transport.Messenger
	dest  transport.ChatTarget
	elog  *eventlog.Log
	bus   eventbus.Bus
	log   logx.Logger
}

func New(store storage.Store, msgr transport.Messenger, dest transport.ChatTarget, elog *eventlog.Log, bus eventbus.Bus, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if elog == nil {
		elog = eventlog.New(eventlog.DefaultCapacity)
	}
	return &Dispatcher{store: store, msgr: msgr, dest: dest, elog: elog, bus: bus, log: log}
}

// Dispatch tries each method in the chain against the destination.
//
// Ordering is fixed: send happens before the posted transition, which
// happens before the log append. A crash between a successful send and
// the transition can duplicate delivery on the next cycle (at-least-once).
func (d *Dispatcher) Dispatch(ctx context.Context, it storage.Item, chain Chain) Outcome {
	if len(chain) == 0 {
		return Outcome{Err: errors.New("empty dispatch chain")}
	}

	var lastErr error
	for _, m := range chain {
		err := transport.Send(ctx, d.msgr, d.dest, m, it.ContentRef, it.Caption)
		if err != nil {
			lastErr = err
			d.log.Warn("send attempt failed",
				logx.Int64("item_id", it.ID), logx.String("method", string(m)), logx.Err(err))
			continue
		}
		return d.finish(ctx, it, m)
	}

	d.elog.Append(eventlog.Entry{
		Status: eventlog.StatusFail,
		ItemID: it.ID,
		Detail: lastErr.Error(),
	})
	d.publish(eventbus.TypePostFailed, it.ID, "", lastErr.Error())
	d.log.Error("dispatch failed; item stays pending", logx.Int64("item_id", it.ID), logx.Err(lastErr))
	return Outcome{Err: lastErr}
}

func (d *Dispatcher) finish(ctx context.Context, it storage.Item, m transport.Method) Outcome {
	ok, err := d.store.MarkPosted(ctx, it.ID)
	if err != nil {
		// The send went out but the transition failed; the item stays
		// pending and may be delivered again on the next cycle.
		detail := fmt.Sprintf("sent as %s but state update failed: %v", m, err)
		d.elog.Append(eventlog.Entry{Status: eventlog.StatusFail, ItemID: it.ID, Detail: detail})
		d.publish(eventbus.TypePostFailed, it.ID, string(m), detail)
		d.log.Error("mark posted failed", logx.Int64("item_id", it.ID), logx.Err(err))
		return Outcome{Err: err}
	}
	if !ok {
		// Lost the race to a concurrent dispatch; the winner logged it.
		d.log.Debug("item already posted", logx.Int64("item_id", it.ID))
		return Outcome{AlreadyPosted: true, Method: m}
	}

	d.elog.Append(eventlog.Entry{
		Status: eventlog.StatusSuccess,
		ItemID: it.ID,
		Detail: "posted as " + string(m),
	})
	d.publish(eventbus.TypePostSuccess, it.ID, string(m), "")
	d.log.Info("item posted", logx.Int64("item_id", it.ID), logx.String("method", string(m)))
	return Outcome{Posted: true, Method: m}
}

func (d *Dispatcher) publish(typ string, id int64, method, detail string) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{
		Type: typ,
		Data: eventbus.PostEvent{ItemID: id, Method: method, Detail: detail},
	})
}
