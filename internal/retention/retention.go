// Package retention prunes already-posted rows on a cron schedule so the
// database stays bounded on long-running installs. Pending rows are never
// touched.
package retention

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sharath3589/meme-wrangler/internal/storage"
	logx "github.com/sharath3589/meme-wrangler/pkg/logx"
)

const (
	DefaultSchedule = "@daily"
	DefaultKeep     = 30 * 24 * time.Hour
)

type Config struct {
	Enabled  bool
	Schedule string        // cron spec or descriptor ("@daily")
	Keep     time.Duration // how long posted rows are retained
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Schedule) == "" {
		c.Schedule = DefaultSchedule
	}
	if c.Keep <= 0 {
		c.Keep = DefaultKeep
	}
	return c
}

type Service struct {
	store storage.Store
	log   logx.Logger

	mu  sync.Mutex
	loc *time.Location
	c   *cron.Cron
}

func New(store storage.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, log: log}
}

// Start installs the prune job. A disabled config is a no-op.
func (s *Service) Start(cfg Config, loc *time.Location) error {
	s.mu.Lock()
	s.loc = loc
	s.mu.Unlock()
	return s.apply(cfg)
}

// Apply reconfigures the job at runtime (config hot reload).
func (s *Service) Apply(cfg Config) error {
	return s.apply(cfg)
}

func (s *Service) apply(cfg Config) error {
	cfg = cfg.withDefaults()

	// Detach the old cron before waiting on it: an already-fired prune job
	// must never be awaited while s.mu is held.
	s.mu.Lock()
	old := s.c
	s.c = nil
	loc := s.loc
	s.mu.Unlock()
	stopAndWait(old)

	if !cfg.Enabled {
		return nil
	}

	if loc == nil {
		loc = time.Local
	}
	c := cron.New(cron.WithLocation(loc))
	keep := cfg.Keep
	if _, err := c.AddFunc(cfg.Schedule, func() { s.prune(keep) }); err != nil {
		return err
	}
	c.Start()

	s.mu.Lock()
	// A concurrent apply may have installed its own cron meanwhile; the
	// last writer wins and the loser is torn down.
	old = s.c
	s.c = c
	s.mu.Unlock()
	stopAndWait(old)

	s.log.Info("retention enabled",
		logx.String("schedule", cfg.Schedule), logx.Duration("keep", cfg.Keep))
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	stopAndWait(c)
}

func stopAndWait(c *cron.Cron) {
	if c != nil {
		<-c.Stop().Done()
	}
}

func (s *Service) prune(keep time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().Add(-keep)
	n, err := s.store.PrunePosted(ctx, cutoff)
	if err != nil {
		s.log.Warn("prune failed", logx.Err(err))
		return
	}
	if n > 0 {
		s.log.Info("pruned posted items", logx.Int64("count", n), logx.Time("cutoff", cutoff))
	}
}
