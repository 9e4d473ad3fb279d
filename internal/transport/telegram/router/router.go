// Package router turns incoming chat updates into scheduling operations.
// Only the configured owner is listened to; everyone else is ignored.
package router

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/sharath3589/meme-wrangler/internal/core"
	"github.com/sharath3589/meme-wrangler/internal/dispatch"
	"github.com/sharath3589/meme-wrangler/internal/eventbus"
	"github.com/sharath3589/meme-wrangler/internal/storage"
	"github.com/sharath3589/meme-wrangler/internal/transport"
	logx "github.com/sharath3589/meme-wrangler/pkg/logx"
)

const helpText = `Send me a photo, video or GIF and I'll queue it for the next free slot.

Commands:
/scheduled - list the queue with previews
/preview <id> - preview one item
/scheduleat id: <id> <HH:MM> - move an item to today at HH:MM
/scheduleat ids: <from>-<to> <YYYY-MM-DD> - spread a range over a day's slots
/unschedule <id> [id...] - remove pending items
/postnow [id] - post an item right away
/log - recent posting outcomes`

var (
	scheduleAtSingle = regexp.MustCompile(`^id:\s*(\d+)\s+(\d{1,2}:\d{2})$`)
	scheduleAtRange  = regexp.MustCompile(`^ids:\s*(\d+)\s*-\s*(\d+)\s+(\d{4}-\d{2}-\d{2})$`)
)

type Router struct {
	svc   *core.Service
	msgr  transport.Messenger
	bus   eventbus.Bus
	owner int64
	log   logx.Logger
}

func New(svc *core.Service, msgr transport.Messenger, bus eventbus.Bus, ownerID int64, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{svc: svc, msgr: msgr, bus: bus, owner: ownerID, log: log}
}

// Run consumes updates until ctx is done. It also watches the event bus
// and forwards dispatch failures to the owner so a silently stuck queue
// does not go unnoticed.
func (r *Router) Run(ctx context.Context, updates <-chan transport.Update) error {
	var events <-chan eventbus.Event
	if r.bus != nil {
		ch, unsub := r.bus.Subscribe(16)
		defer unsub()
		events = ch
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.handle(ctx, up)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			r.handleEvent(ctx, ev)
		}
	}
}

func (r *Router) handle(ctx context.Context, up transport.Update) {
	m := up.Message
	if m == nil {
		return
	}
	if m.FromID != r.owner {
		r.log.Debug("ignoring non-owner message", logx.Int64("from", m.FromID))
		return
	}
	to := transport.ChatTarget{ChatID: m.ChatID}

	switch {
	case m.Media != nil:
		r.handleMedia(ctx, to, m)
	case strings.HasPrefix(m.Text, "/"):
		r.handleCommand(ctx, to, m.Text)
	}
}

func (r *Router) handleMedia(ctx context.Context, to transport.ChatTarget, m *transport.Message) {
	it, err := r.svc.Submit(ctx, core.Submission{
		ContentRef: m.Media.Ref,
		PreviewRef: m.Media.PreviewRef,
		Kind:       storage.Kind(m.Media.Kind),
		Caption:    m.Caption,
	})
	if err != nil {
		r.reply(ctx, to, "Could not schedule that: "+err.Error())
		return
	}
	loc := r.svc.Slots().Location()
	r.reply(ctx, to, fmt.Sprintf("Scheduled as ID %d for %s.", it.ID, core.FormatTime(it.ScheduledAt, loc)))
}

func (r *Router) handleCommand(ctx context.Context, to transport.ChatTarget, text string) {
	fields := strings.Fields(text)
	cmd := fields[0]
	// "/cmd@BotName" also counts.
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}
	args := fields[1:]

	switch cmd {
	case "/start", "/help":
		r.reply(ctx, to, helpText)
	case "/scheduled":
		r.cmdScheduled(ctx, to)
	case "/preview":
		r.cmdPreview(ctx, to, args)
	case "/scheduleat":
		r.cmdScheduleAt(ctx, to, strings.TrimSpace(strings.TrimPrefix(text, fields[0])))
	case "/unschedule":
		r.cmdUnschedule(ctx, to, args)
	case "/postnow":
		r.cmdPostNow(ctx, to, args)
	case "/log":
		r.cmdLog(ctx, to)
	default:
		r.reply(ctx, to, "Unknown command. Try /help.")
	}
}

func (r *Router) cmdScheduled(ctx context.Context, to transport.ChatTarget) {
	items, err := r.svc.ListPending(ctx)
	if err != nil {
		r.reply(ctx, to, "Could not read the queue: "+err.Error())
		return
	}
	if len(items) == 0 {
		r.reply(ctx, to, "Nothing scheduled.")
		return
	}
	r.reply(ctx, to, fmt.Sprintf("%d item(s) scheduled:", len(items)))
	for _, it := range items {
		r.sendPreview(ctx, to, it)
		if ctx.Err() != nil {
			return
		}
	}
}

func (r *Router) cmdPreview(ctx context.Context, to transport.ChatTarget, args []string) {
	if len(args) != 1 {
		r.reply(ctx, to, "Usage: /preview <id>")
		return
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		r.reply(ctx, to, "Usage: /preview <id>")
		return
	}
	it, err := r.svc.Preview(ctx, id)
	if err != nil {
		r.reply(ctx, to, err.Error())
		return
	}
	r.sendPreview(ctx, to, it)
}

// previewChain orders the delivery methods for one item's preview. A
// separate preview handle (video thumbnail) is a photo regardless of the
// item kind; otherwise the content ref keeps its full fallback chain.
func previewChain(it storage.Item) dispatch.Chain {
	if it.PreviewRef != "" {
		return dispatch.Chain{transport.MethodImage, transport.MethodDocument}
	}
	return dispatch.ChainFor(it.Kind, true)
}

// sendPreview shows one item to the owner. The stored ref is tried through
// the chain first; if Telegram refuses it outright (refs can go stale), the
// bytes are re-fetched and re-uploaded through the same chain, and as a
// last resort a text label is sent.
func (r *Router) sendPreview(ctx context.Context, to transport.ChatTarget, it storage.Item) {
	loc := r.svc.Slots().Location()
	label := core.Label(it, loc)
	ref := it.DisplayRef()
	chain := previewChain(it)

	for _, m := range chain {
		err := transport.Send(ctx, r.msgr, to, m, ref, label)
		if err == nil {
			return
		}
		r.log.Debug("preview send failed",
			logx.Int64("item_id", it.ID), logx.String("method", string(m)), logx.Err(err))
	}

	if data, err := r.msgr.FetchBytes(ctx, ref); err == nil {
		name := fmt.Sprintf("item-%d", it.ID)
		for _, m := range chain {
			if err := r.msgr.Upload(ctx, to, m, name, data, label); err == nil {
				return
			}
		}
	} else {
		r.log.Debug("preview fetch failed", logx.Int64("item_id", it.ID), logx.Err(err))
	}
	r.reply(ctx, to, label+" (preview unavailable)")
}

func (r *Router) cmdScheduleAt(ctx context.Context, to transport.ChatTarget, arg string) {
	if m := scheduleAtSingle.FindStringSubmatch(arg); m != nil {
		id, _ := strconv.ParseInt(m[1], 10, 64)
		at, changed, err := r.svc.RescheduleSingle(ctx, id, m[2])
		if err != nil {
			r.reply(ctx, to, err.Error())
			return
		}
		if !changed {
			r.reply(ctx, to, fmt.Sprintf("ID %d is not pending; nothing changed.", id))
			return
		}
		loc := r.svc.Slots().Location()
		r.reply(ctx, to, fmt.Sprintf("ID %d rescheduled to %s.", id, core.FormatTime(at, loc)))
		return
	}

	if m := scheduleAtRange.FindStringSubmatch(arg); m != nil {
		startID, _ := strconv.ParseInt(m[1], 10, 64)
		endID, _ := strconv.ParseInt(m[2], 10, 64)
		res, err := r.svc.RescheduleRange(ctx, startID, endID, m[3])
		if err != nil {
			r.reply(ctx, to, err.Error())
			return
		}
		loc := r.svc.Slots().Location()
		var b strings.Builder
		fmt.Fprintf(&b, "Rescheduled %d of %d item(s):\n", res.Updated, len(res.Assignments))
		for _, a := range res.Assignments {
			fmt.Fprintf(&b, "ID %d -> %s\n", a.ID, core.FormatTime(a.At, loc))
		}
		r.reply(ctx, to, strings.TrimRight(b.String(), "\n"))
		return
	}

	r.reply(ctx, to, "Usage: /scheduleat id: <id> <HH:MM>  or  /scheduleat ids: <from>-<to> <YYYY-MM-DD>")
}

func (r *Router) cmdUnschedule(ctx context.Context, to transport.ChatTarget, args []string) {
	if len(args) == 0 {
		r.reply(ctx, to, "Usage: /unschedule <id> [id...]")
		return
	}
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(strings.TrimSuffix(a, ","), 10, 64)
		if err != nil || id <= 0 {
			r.reply(ctx, to, fmt.Sprintf("%q is not an id.", a))
			return
		}
		ids = append(ids, id)
	}

	rep, err := r.svc.Unschedule(ctx, ids)
	if err != nil {
		r.reply(ctx, to, "Unschedule failed: "+err.Error())
		return
	}
	// The reply echoes what was asked for; ids that were already posted or
	// unknown are simply absent from the queue afterwards.
	r.reply(ctx, to, "Unscheduled IDs: "+joinIDs(rep.Requested))
}

func (r *Router) cmdPostNow(ctx context.Context, to transport.ChatTarget, args []string) {
	var id int64
	if len(args) > 0 {
		v, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || v <= 0 {
			r.reply(ctx, to, "Usage: /postnow [id]")
			return
		}
		id = v
	}

	it, out, err := r.svc.PostNow(ctx, id)
	switch {
	case errors.Is(err, core.ErrNoPending):
		r.reply(ctx, to, "Nothing scheduled.")
	case err != nil:
		r.reply(ctx, to, err.Error())
	case out.Posted:
		r.reply(ctx, to, fmt.Sprintf("Posted ID %d as %s.", it.ID, out.Method))
	case out.AlreadyPosted:
		r.reply(ctx, to, fmt.Sprintf("ID %d was already posted.", it.ID))
	default:
		r.reply(ctx, to, fmt.Sprintf("Posting ID %d failed: %v. It stays scheduled.", it.ID, out.Err))
	}
}

func (r *Router) cmdLog(ctx context.Context, to transport.ChatTarget) {
	entries := r.svc.RecentLog(10)
	if len(entries) == 0 {
		r.reply(ctx, to, "No posting activity yet.")
		return
	}
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = e.String()
	}
	r.reply(ctx, to, strings.Join(lines, "\n"))
}

func (r *Router) handleEvent(ctx context.Context, ev eventbus.Event) {
	if ev.Type != eventbus.TypePostFailed {
		return
	}
	pe, ok := ev.Data.(eventbus.PostEvent)
	if !ok {
		return
	}
	to := transport.ChatTarget{ChatID: r.owner}
	r.reply(ctx, to, fmt.Sprintf("Posting item %d failed: %s", pe.ItemID, pe.Detail))
}

func (r *Router) reply(ctx context.Context, to transport.ChatTarget, text string) {
	if err := r.msgr.SendText(ctx, to, text); err != nil {
		r.log.Warn("reply failed", logx.Err(err))
	}
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ", ")
}
