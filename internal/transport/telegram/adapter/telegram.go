// Package adapter wires the transport contract to Telegram via telebot.
package adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	rtsup "github.com/sharath3589/meme-wrangler/internal/runtime/supervisor"
	"github.com/sharath3589/meme-wrangler/internal/transport"
	logx "github.com/sharath3589/meme-wrangler/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// SendPerMinute throttles outgoing sends; 0 means 20 (Telegram's
	// practical per-chat flood limit).
	SendPerMinute int
}

// fetchLimit caps FetchBytes downloads. Telegram bot API file downloads
// top out at 20 MB anyway.
const fetchLimit = 32 << 20

type Adapter struct {
	cfg     Config
	log     logx.Logger
	bot     *tele.Bot
	limiter *rate.Limiter

	out     atomic.Value // stores (chan<- transport.Update)
	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	// droppedUpdates counts updates dropped because the consumer was
	// slower than the Telegram poll loop; reported periodically.
	droppedUpdates uint64
}

var _ transport.Messenger = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	perMin := cfg.SendPerMinute
	if perMin <= 0 {
		perMin = 20
	}
	a := &Adapter{
		cfg:     cfg,
		log:     log,
		bot:     b,
		limiter: rate.NewLimiter(rate.Limit(float64(perMin)/60.0), 3),
	}
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		a.forward(c.Message(), nil)
		return nil
	})
	a.bot.Handle(tele.OnPhoto, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Photo == nil {
			return nil
		}
		a.forward(m, &transport.IncomingMedia{Kind: transport.MediaImage, Ref: m.Photo.FileID})
		return nil
	})
	a.bot.Handle(tele.OnVideo, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Video == nil {
			return nil
		}
		media := &transport.IncomingMedia{Kind: transport.MediaVideo, Ref: m.Video.FileID}
		if m.Video.Thumbnail != nil {
			media.PreviewRef = m.Video.Thumbnail.FileID
		}
		a.forward(m, media)
		return nil
	})
	// GIFs are scheduled and delivered through the image path.
	a.bot.Handle(tele.OnAnimation, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Animation == nil {
			return nil
		}
		a.forward(m, &transport.IncomingMedia{Kind: transport.MediaImage, Ref: m.Animation.FileID})
		return nil
	})
}

func (a *Adapter) forward(m *tele.Message, media *transport.IncomingMedia) {
	if m == nil || m.Sender == nil {
		return
	}
	up := transport.Update{
		Message: &transport.Message{
			ID:           m.ID,
			ChatID:       m.Chat.ID,
			FromID:       m.Sender.ID,
			FromUsername: m.Sender.Username,
			Text:         m.Text,
			Caption:      m.Caption,
			Media:        media,
		},
	}

	v := a.out.Load()
	out, _ := v.(chan<- transport.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}

// Start begins long-polling and forwards normalized updates to out.
func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))))
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn("incoming updates dropped (channel full)", logx.Any("count", n))
				}
				return
			case <-ticker.C:
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn("incoming updates dropped (channel full)", logx.Any("count", n))
				}
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		if a.bot != nil {
			a.bot.Stop()
		}
	})

	// telebot's Start() blocks; run it under a restart loop so transient
	// exits self-heal.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		if c.Err() == nil {
			return errors.New("telegram poll loop exited")
		}
		return nil
	})

	return nil
}

// Stop halts polling. Best-effort: shutdown is never blocked for long on
// a pending long-poll.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		a.log.Warn("telegram stop error", logx.Err(err))
	}
	return nil
}

// recipient adapts a ChatTarget to telebot's Recipient.
type recipient string

func (r recipient) Recipient() string { return string(r) }

func toRecipient(to transport.ChatTarget) tele.Recipient {
	if to.Username != "" {
		u := to.Username
		if !strings.HasPrefix(u, "@") {
			u = "@" + u
		}
		return recipient(u)
	}
	return recipient(strconv.FormatInt(to.ChatID, 10))
}

func (a *Adapter) send(ctx context.Context, to transport.ChatTarget, what any) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := a.bot.Send(toRecipient(to), what)
	return err
}

func (a *Adapter) SendVideo(ctx context.Context, to transport.ChatTarget, ref, caption string) error {
	return a.send(ctx, to, &tele.Video{File: tele.File{FileID: ref}, Caption: caption})
}

func (a *Adapter) SendImage(ctx context.Context, to transport.ChatTarget, ref, caption string) error {
	return a.send(ctx, to, &tele.Photo{File: tele.File{FileID: ref}, Caption: caption})
}

func (a *Adapter) SendDocument(ctx context.Context, to transport.ChatTarget, ref, caption string) error {
	return a.send(ctx, to, &tele.Document{File: tele.File{FileID: ref}, Caption: caption})
}

func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string) error {
	for _, chunk := range splitText(text, textLimit) {
		if err := a.limiter.Wait(ctx); err != nil {
			return err
		}
		if _, err := a.bot.Send(toRecipient(to), chunk); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) FetchBytes(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rc, err := a.bot.File(&tele.File{FileID: ref})
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	b, err := io.ReadAll(io.LimitReader(rc, fetchLimit+1))
	if err != nil {
		return nil, err
	}
	if len(b) > fetchLimit {
		return nil, fmt.Errorf("file %s exceeds %d bytes", ref, fetchLimit)
	}
	return b, nil
}

func (a *Adapter) Upload(ctx context.Context, to transport.ChatTarget, m transport.Method, name string, data []byte, caption string) error {
	f := tele.FromReader(bytes.NewReader(data))
	switch m {
	case transport.MethodVideo:
		return a.send(ctx, to, &tele.Video{File: f, Caption: caption, FileName: name})
	case transport.MethodDocument:
		return a.send(ctx, to, &tele.Document{File: f, Caption: caption, FileName: name})
	default:
		return a.send(ctx, to, &tele.Photo{File: f, Caption: caption})
	}
}

const textLimit = 4000

// splitText splits long messages into Telegram-safe chunks, preferring
// newline boundaries.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}
		if end < len(rs) {
			for i := end - 1; i > start+limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
