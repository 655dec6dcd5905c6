package app

import (
	"strconv"
	"strings"

	"remindbot/internal/config"
	"remindbot/internal/reminder"
	"remindbot/internal/storage"
	"remindbot/internal/task/scheduler"
	logx "remindbot/pkg/logx"
)

const defaultSQLitePath = "./data/remindbot.db"

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		JSON:    l.JSON,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alerts: logx.AlertConfig{
			Enabled:    l.Alerts.Enabled,
			MinLevel:   l.Alerts.MinLevel,
			RatePerSec: l.Alerts.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" && (driver == "sqlite" || driver == "sqlite3") {
		path = defaultSQLitePath
	}
	return storage.Config{Driver: driver, Path: path, DSN: sc.DSN, BusyTimeout: busy}, nil
}

func mapReminderOptions(rs config.ReminderSettings) reminder.Options {
	return reminder.Options{
		Location:       rs.Location,
		SendTimeout:    rs.SendTimeout,
		SendRatePerSec: rs.SendRatePerSec,
		SendBurst:      rs.SendBurst,
		OverdueSweep:   rs.OverdueSweep,
		RetryMax:       rs.RetryMax,
	}
}

func mapSchedulerConfig(rs config.ReminderSettings) scheduler.Config {
	return scheduler.Config{
		Timezone:   rs.Location.String(),
		JobTimeout: rs.TaskTimeout,
		Retry:      scheduler.TaskOptions{RetryMax: rs.RetryMax},
	}
}

// ownerRecipients renders owner ids as chat user ids for log alerts.
func ownerRecipients(ids []int64) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != 0 {
			out = append(out, strconv.FormatInt(id, 10))
		}
	}
	return out
}
