package config

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Reminders RemindersConfig `json:"reminders"`
	OpsAPI    OpsAPIConfig    `json:"ops_api,omitempty"`
}

type TelegramConfig struct {
	// Disabled runs without a bot (ops API only). Reminders are then logged, not sent.
	Disabled     bool    `json:"disabled,omitempty"`
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string          `json:"level" validate:"omitempty,oneof=trace debug info warn warning error"`
	Console bool            `json:"console"`
	JSON    bool            `json:"json,omitempty"`
	File    LoggingFile     `json:"file"`
	Alerts  LoggingTelegram `json:"alerts,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path" validate:"required_if=Enabled true"`
}

// LoggingTelegram forwards error lines to the bot owners.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty" validate:"omitempty,oneof=warn warning error"`
	RatePerSec int    `json:"rate_per_sec,omitempty" validate:"gte=0"`
}

// StorageConfig selects the record store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/remindbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=sqlite sqlite3 postgres postgresql pg"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// RemindersConfig controls the scheduling engine.
//
// All durations are Go duration strings. Defaults when omitted:
//   - timezone: "UTC"
//   - workers: 4
//   - queue: 256
//   - task_timeout: "2m"
//   - send_timeout: "10s"
//   - send_rate_per_sec: 25, send_burst: 5
//   - overdue_sweep: "@every 1m"
//   - stop_timeout: "10s"
//   - retry_max: 2
type RemindersConfig struct {
	Timezone       string  `json:"timezone,omitempty"`
	Workers        int     `json:"workers,omitempty" validate:"gte=0,lte=256"`
	Queue          int     `json:"queue,omitempty" validate:"gte=0"`
	TaskTimeout    string  `json:"task_timeout,omitempty"`
	SendTimeout    string  `json:"send_timeout,omitempty"`
	SendRatePerSec float64 `json:"send_rate_per_sec,omitempty" validate:"gte=0"`
	SendBurst      int     `json:"send_burst,omitempty" validate:"gte=0"`
	OverdueSweep   string  `json:"overdue_sweep,omitempty"`
	StopTimeout    string  `json:"stop_timeout,omitempty"`
	// RetryMax is the number of extra attempts for a fired job or sweep that
	// failed on storage. Nil means the default; 0 disables retries.
	RetryMax *int `json:"retry_max,omitempty" validate:"omitempty,gte=0,lte=10"`
}

// OpsAPIConfig controls the optional HTTP ops API.
//
// Security note: bind to localhost or set a token.
type OpsAPIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty" validate:"omitempty,hostname_port"` // default: "127.0.0.1:8088"
	Token   string `json:"token,omitempty"`                                   // bearer token (do not log)
	Pprof   bool   `json:"pprof,omitempty"`
}
