package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sharath3589/meme-wrangler/internal/schedule"
)

type Config struct {
	Telegram  TelegramConfig   `json:"telegram"`
	Schedule  ScheduleConfig   `json:"schedule"`
	Poller    PollerConfig     `json:"poller"`
	Storage   StorageConfig    `json:"storage"`
	Retention *RetentionConfig `json:"retention,omitempty"`
	Logging   LoggingConfig    `json:"logging"`
}

type TelegramConfig struct {
	Token string `json:"token"`

	// OwnerID is the only user allowed to submit media and run commands.
	OwnerID int64 `json:"owner_id"`

	// Channel is the fan-out destination: "@username" or a numeric chat id
	// (e.g. "-1001234567890").
	Channel string `json:"channel"`

	// PollTimeout is a Go duration string for the long-poll timeout.
	PollTimeout string `json:"poll_timeout,omitempty"`

	// SendPerMinute throttles outgoing sends (Telegram flood control).
	// 0 means the default of 20.
	SendPerMinute int `json:"send_per_minute,omitempty"`
}

// ScheduleConfig fixes the posting timetable.
//
// Slots are "HH:MM" times-of-day, interpreted in Timezone. The slot order
// in the file is the assignment order; they should be ascending.
type ScheduleConfig struct {
	Timezone string   `json:"timezone,omitempty"` // default "Asia/Kolkata"
	Slots    []string `json:"slots,omitempty"`    // default ["11:00","16:00","21:00"]
}

type PollerConfig struct {
	// Interval is a Go duration string; default "30s".
	Interval string `json:"interval,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// RetentionConfig controls pruning of already-posted rows.
// Pending rows are never touched. If the section is omitted, pruning is off.
type RetentionConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"` // cron spec or descriptor; default "@daily"
	Keep     string `json:"keep,omitempty"`     // Go duration string; default "720h"
}

type LoggingConfig struct {
	Level   string            `json:"level,omitempty"`
	Console *bool             `json:"console,omitempty"` // default true
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

const (
	DefaultTimezone     = "Asia/Kolkata"
	DefaultPollInterval = 30 * time.Second
	DefaultPollTimeout  = 10 * time.Second
	DefaultSendPerMin   = 20
	DefaultKeep         = 30 * 24 * time.Hour
)

func DefaultSlots() []string { return []string{"11:00", "16:00", "21:00"} }

// Validate checks the fields that cannot be defaulted away.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if c.Telegram.OwnerID == 0 {
		return errors.New("telegram.owner_id is required")
	}
	if strings.TrimSpace(c.Telegram.Channel) == "" {
		return errors.New("telegram.channel is required")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	if _, err := c.PollInterval(); err != nil {
		return err
	}
	if _, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	if r := c.Retention; r != nil {
		if _, err := ParseDurationField("retention.keep", r.Keep); err != nil {
			return err
		}
	}
	for i, s := range c.Schedule.Slots {
		if _, _, err := schedule.ParseHHMM(s); err != nil {
			return fmt.Errorf("schedule.slots[%d]: %w", i, err)
		}
	}
	return nil
}

// PollInterval returns the configured poll interval or the default.
func (c *Config) PollInterval() (time.Duration, error) {
	return ParseDurationOrDefault("poller.interval", c.Poller.Interval, DefaultPollInterval)
}

// Slots returns the configured slot list or the default.
func (c *Config) Slots() []string {
	if len(c.Schedule.Slots) == 0 {
		return DefaultSlots()
	}
	return c.Schedule.Slots
}

// Timezone returns the configured timezone name or the default.
func (c *Config) Timezone() string {
	tz := strings.TrimSpace(c.Schedule.Timezone)
	if tz == "" {
		return DefaultTimezone
	}
	return tz
}

// ConsoleEnabled reports whether console logging is on (default true).
func (c *LoggingConfig) ConsoleEnabled() bool {
	if c.Console == nil {
		return true
	}
	return *c.Console
}
