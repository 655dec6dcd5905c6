package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"remindbot/internal/eventbus"
	"remindbot/internal/model"
	"remindbot/internal/task/engine"
	logx "remindbot/pkg/logx"
)

type Config struct {
	Timezone string // IANA TZ for cron specs, e.g. "Asia/Jakarta"

	// JobTimeout bounds a fired one-shot job. 0 uses the engine default.
	JobTimeout time.Duration

	// Retry applies to fired one-shot jobs. Jobs mark errors that must not
	// be retried with NoRetry.
	Retry TaskOptions
}

// Job is the work run when a one-shot timer or cron entry fires.
type Job func(ctx context.Context) error

type TaskOptions = engine.TaskOptions

// NoRetry marks a job error as permanent.
func NoRetry(err error) error { return engine.NoRetry(err) }

const (
	OverlapAllow         = engine.OverlapAllow
	OverlapSkipIfRunning = engine.OverlapSkipIfRunning
)

type cronDef struct {
	name          string
	spec          string // cron spec or @every
	timeout       time.Duration
	job           Job
	entryID       cron.EntryID
	startupSpread time.Duration
	opt           TaskOptions
	state         *engine.RunState
}

type oneShot struct {
	ver     uint64
	fireAt  time.Time
	armedAt time.Time
	job     Job
	timer   *time.Timer
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus

	engine *engine.Service

	parser cron.Parser
	c      *cron.Cron
	defs   []cronDef

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time

	// tmu guards the one-shot registry; never held while a job runs.
	tmu     sync.Mutex
	started bool
	jobs    map[model.JobKey]*oneShot
	verSeq  uint64
}

type JobInfo struct {
	Key     model.JobKey `json:"-"`
	ID      string       `json:"job"`
	FireAt  time.Time    `json:"fire_at"`
	ArmedAt time.Time    `json:"armed_at"`
}

type CronInfo struct {
	Name     string        `json:"name"`
	Spec     string        `json:"spec"`
	Timeout  time.Duration `json:"timeout"`
	RetryMax int           `json:"retry_max,omitempty"`
	Next     time.Time     `json:"next"`
	Prev     time.Time     `json:"prev"`
}

type Snapshot struct {
	Running  bool            `json:"running"`
	Timezone string          `json:"timezone"`
	Jobs     []JobInfo       `json:"jobs"`
	Crons    []CronInfo      `json:"crons"`
	Engine   engine.Snapshot `json:"engine"`
}
