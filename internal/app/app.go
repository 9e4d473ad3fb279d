// Package app is the composition root: it builds every component from the
// config file and runs them under one supervisor.
package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jonboulle/clockwork"

	"github.com/sharath3589/meme-wrangler/internal/config"
	"github.com/sharath3589/meme-wrangler/internal/core"
	"github.com/sharath3589/meme-wrangler/internal/dispatch"
	"github.com/sharath3589/meme-wrangler/internal/eventbus"
	"github.com/sharath3589/meme-wrangler/internal/eventlog"
	"github.com/sharath3589/meme-wrangler/internal/poller"
	"github.com/sharath3589/meme-wrangler/internal/retention"
	"github.com/sharath3589/meme-wrangler/internal/runtime/supervisor"
	"github.com/sharath3589/meme-wrangler/internal/schedule"
	"github.com/sharath3589/meme-wrangler/internal/storage"
	"github.com/sharath3589/meme-wrangler/internal/transport"
	"github.com/sharath3589/meme-wrangler/internal/transport/telegram/adapter"
	"github.com/sharath3589/meme-wrangler/internal/transport/telegram/router"
	logx "github.com/sharath3589/meme-wrangler/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	store     storage.Store
	svc       *core.Service
	poll      *poller.Poller
	retention *retention.Service
	adapter   *adapter.Adapter
	router    *router.Router
}

// New builds the app from the config file. Nothing starts running yet.
func New(configPath string) (*App, error) {
	mgr := config.NewManager(configPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logConfig(cfg))
	mgr.SetLogger(log.With(logx.String("comp", "config")))
	// Timezone and slot changes must survive schedule.New before they are
	// published to subscribers.
	mgr.SetValidator(func(c *config.Config) error {
		_, err := schedule.New(c.Timezone(), c.Slots())
		return err
	})

	table, err := schedule.New(cfg.Timezone(), cfg.Slots())
	if err != nil {
		return nil, err
	}

	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{Path: cfg.Storage.Path, BusyTimeout: busy},
		log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	pollTimeout, err := config.ParseDurationOrDefault(
		"telegram.poll_timeout", cfg.Telegram.PollTimeout, config.DefaultPollTimeout)
	if err != nil {
		return nil, err
	}
	tg, err := adapter.New(adapter.Config{
		Token:         cfg.Telegram.Token,
		PollTimeout:   pollTimeout,
		SendPerMinute: cfg.Telegram.SendPerMinute,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("telegram: %w", err)
	}

	elog := eventlog.New(eventlog.DefaultCapacity)
	bus := eventbus.New()
	clock := clockwork.NewRealClock()

	disp := dispatch.New(store, tg, channelTarget(cfg.Telegram.Channel), elog, bus,
		log.With(logx.String("comp", "dispatch")))
	svc := core.New(store, disp, elog, table, clock,
		log.With(logx.String("comp", "core")))

	interval, err := cfg.PollInterval()
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	poll := poller.New(store, disp, clock, interval, log.With(logx.String("comp", "poller")))

	ret := retention.New(store, log.With(logx.String("comp", "retention")))
	rtr := router.New(svc, tg, bus, cfg.Telegram.OwnerID,
		log.With(logx.String("comp", "router")))

	return &App{
		cfgMgr:    mgr,
		logSvc:    logSvc,
		log:       log,
		store:     store,
		svc:       svc,
		poll:      poll,
		retention: ret,
		adapter:   tg,
		router:    rtr,
	}, nil
}

// Run blocks until ctx is canceled or a component fails fatally.
func (a *App) Run(ctx context.Context) error {
	cfg := a.cfgMgr.Get()
	a.log.Info("starting",
		logx.String("timezone", cfg.Timezone()),
		logx.String("slots", strings.Join(cfg.Slots(), ",")),
		logx.Duration("poll_interval", a.poll.Interval()))

	if r := cfg.Retention; r != nil {
		keep, _ := config.ParseDurationField("retention.keep", r.Keep)
		if err := a.retention.Start(retention.Config{
			Enabled:  r.Enabled,
			Schedule: r.Schedule,
			Keep:     keep,
		}, a.svc.Slots().Location()); err != nil {
			return fmt.Errorf("retention: %w", err)
		}
	}

	// Cancel-on-first-error: a dead router or poller takes the app down
	// for a clean restart instead of leaving it running headless.
	sup := supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnFirstError())

	updates := make(chan transport.Update, 64)
	if err := a.adapter.Start(sup.Context(), updates); err != nil {
		a.retention.Stop()
		return err
	}

	sup.Go("poller", a.poll.Run)
	sup.Go("router", func(c context.Context) error {
		return a.router.Run(c, updates)
	})
	sup.GoRestart("config.watch", a.cfgMgr.Watch)

	reloads := a.cfgMgr.Subscribe(1)
	sup.Go0("config.apply", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-reloads:
				if !ok {
					return
				}
				a.applyConfig(next)
			}
		}
	})

	<-sup.Context().Done()
	a.log.Info("shutting down")

	stopCtx := context.Background()
	_ = a.adapter.Stop(stopCtx)
	a.retention.Stop()
	err := sup.Stop(stopCtx)
	a.cfgMgr.Unsubscribe(reloads)

	if cerr := a.store.Close(); cerr != nil {
		a.log.Warn("storage close failed", logx.Err(cerr))
	}
	_ = a.logSvc.Close()
	return err
}

// applyConfig picks up the hot-reloadable settings: log level/sinks, the
// slot table, the poll interval, and retention. Token, owner, channel, and
// the storage path need a restart.
func (a *App) applyConfig(cfg *config.Config) {
	a.logSvc.Apply(logConfig(cfg))

	if table, err := schedule.New(cfg.Timezone(), cfg.Slots()); err == nil {
		a.svc.SetSlots(table)
	} else {
		a.log.Warn("keeping previous slot table", logx.Err(err))
	}

	if interval, err := cfg.PollInterval(); err == nil {
		a.poll.SetInterval(interval)
	}

	rc := retention.Config{}
	if r := cfg.Retention; r != nil {
		keep, _ := config.ParseDurationField("retention.keep", r.Keep)
		rc = retention.Config{Enabled: r.Enabled, Schedule: r.Schedule, Keep: keep}
	}
	if err := a.retention.Apply(rc); err != nil {
		a.log.Warn("retention reconfigure failed", logx.Err(err))
	}

	a.log.Info("config applied")
}

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.ConsoleEnabled(),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// channelTarget maps the configured channel string to a chat target:
// numeric strings are chat ids, everything else is a username.
func channelTarget(s string) transport.ChatTarget {
	s = strings.TrimSpace(s)
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		return transport.ChatTarget{ChatID: id}
	}
	return transport.ChatTarget{Username: s}
}
