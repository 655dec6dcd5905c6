package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ReminderSettings is RemindersConfig with defaults applied and durations parsed.
type ReminderSettings struct {
	Location       *time.Location
	Workers        int
	Queue          int
	TaskTimeout    time.Duration
	SendTimeout    time.Duration
	SendRatePerSec float64
	SendBurst      int
	OverdueSweep   string
	StopTimeout    time.Duration
	RetryMax       int
}

const (
	defaultWorkers      = 4
	defaultQueue        = 256
	defaultTaskTimeout  = 2 * time.Minute
	defaultSendTimeout  = 10 * time.Second
	defaultSendRate     = 25
	defaultSendBurst    = 5
	defaultOverdueSweep = "@every 1m"
	defaultStopTimeout  = 10 * time.Second
	defaultRetryMax     = 2
	defaultPollTimeout  = 10 * time.Second
	DefaultOpsAddr      = "127.0.0.1:8088"
)

var sweepParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ResolveReminders applies defaults to the reminders section and parses it.
func (c *Config) ResolveReminders() (ReminderSettings, error) {
	r := c.Reminders
	var out ReminderSettings
	var err error

	tz := strings.TrimSpace(r.Timezone)
	if tz == "" {
		out.Location = time.UTC
	} else if out.Location, err = time.LoadLocation(tz); err != nil {
		return out, fmt.Errorf("reminders.timezone: %w", err)
	}

	out.Workers, out.Queue = r.Workers, r.Queue
	if out.Workers <= 0 {
		out.Workers = defaultWorkers
	}
	if out.Queue <= 0 {
		out.Queue = defaultQueue
	}
	if out.TaskTimeout, err = ParseDurationOrDefault("reminders.task_timeout", r.TaskTimeout, defaultTaskTimeout); err != nil {
		return out, err
	}
	if out.SendTimeout, err = ParseDurationOrDefault("reminders.send_timeout", r.SendTimeout, defaultSendTimeout); err != nil {
		return out, err
	}
	if out.StopTimeout, err = ParseDurationOrDefault("reminders.stop_timeout", r.StopTimeout, defaultStopTimeout); err != nil {
		return out, err
	}
	out.SendRatePerSec, out.SendBurst = r.SendRatePerSec, r.SendBurst
	if out.SendRatePerSec <= 0 {
		out.SendRatePerSec = defaultSendRate
	}
	if out.SendBurst <= 0 {
		out.SendBurst = defaultSendBurst
	}
	out.RetryMax = defaultRetryMax
	if r.RetryMax != nil {
		out.RetryMax = *r.RetryMax
	}

	out.OverdueSweep = strings.TrimSpace(r.OverdueSweep)
	if out.OverdueSweep == "" {
		out.OverdueSweep = defaultOverdueSweep
	}
	if _, err := sweepParser.Parse(out.OverdueSweep); err != nil {
		return out, fmt.Errorf("reminders.overdue_sweep: invalid cron spec %q: %w", out.OverdueSweep, err)
	}
	return out, nil
}

// PollTimeout returns telegram.poll_timeout with its default.
func (c *Config) PollTimeout() (time.Duration, error) {
	return ParseDurationOrDefault("telegram.poll_timeout", c.Telegram.PollTimeout, defaultPollTimeout)
}

// OpsAddr returns ops_api.addr with its default.
func (c *Config) OpsAddr() string {
	if a := strings.TrimSpace(c.OpsAPI.Addr); a != "" {
		return a
	}
	return DefaultOpsAddr
}

// Validate checks cfg as a whole. It is the validator installed on the manager.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if !cfg.Telegram.Disabled && strings.TrimSpace(cfg.Telegram.Token) == "" {
		return errors.New("telegram.token is required unless telegram.disabled is set")
	}
	if _, err := cfg.PollTimeout(); err != nil {
		return err
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return errors.New("storage.dsn is required for postgres")
		}
	}
	if _, err := cfg.ResolveReminders(); err != nil {
		return err
	}
	return nil
}
