// Package reminder is the notification scheduling engine: it persists
// notification intents, arms their timers, dispatches them to the role's
// users and re-arms recurring ones.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"remindbot/internal/eventbus"
	"remindbot/internal/model"
	"remindbot/internal/resolver"
	"remindbot/internal/storage"
	"remindbot/internal/task/scheduler"
	logx "remindbot/pkg/logx"
)

// Store is the persistence the engine needs. *storage.Store implements it.
type Store interface {
	InsertNotification(ctx context.Context, rec model.NotificationRecord) (int64, error)
	GetNotification(ctx context.Context, id int64) (model.NotificationRecord, error)
	ListNotifications(ctx context.Context, taskID int64) ([]model.NotificationRecord, error)
	ListScheduledNotifications(ctx context.Context) ([]model.NotificationRecord, error)
	UpdateNotificationStatus(ctx context.Context, id int64, from, to model.Status) error
	MarkNotificationFired(ctx context.Context, id int64, at time.Time) error
	CancelTaskNotifications(ctx context.Context, taskID int64) (int64, error)
	AppendOccurrence(ctx context.Context, o model.Occurrence) (int64, error)

	GetTask(ctx context.Context, id int64) (model.Task, error)
	ListTasksPendingNotification(ctx context.Context) ([]model.Task, error)
	SetTaskNotified(ctx context.Context, id int64, notified bool) error
	MarkOverdueTasks(ctx context.Context, now time.Time) (int64, error)

	ListUsersForRole(ctx context.Context, roleID string) ([]model.RoleUser, error)
}

// Sender delivers one message to one chat user.
type Sender interface {
	Send(ctx context.Context, userID string, text string) error
}

type Deps struct {
	Store     Store
	Sender    Sender
	Scheduler *scheduler.Service
	Log       logx.Logger
	Bus       eventbus.Bus
}

type Options struct {
	Location       *time.Location
	SendTimeout    time.Duration
	SendRatePerSec float64
	SendBurst      int
	// OverdueSweep is the cron spec of the overdue sweep. Empty disables it.
	OverdueSweep string
	// RetryMax is the number of extra sweep attempts after a storage error.
	RetryMax int
	// Now overrides the clock (tests).
	Now func() time.Time
}

const overdueSweepName = "overdue-sweep"

type state int

const (
	stateNew state = iota
	stateRunning
	stateStopped
)

type Service struct {
	store Store
	send  Sender
	sched *scheduler.Service
	log   logx.Logger
	bus   eventbus.Bus

	mu      sync.Mutex
	opt     Options
	state   state
	limiter *rate.Limiter

	// keys serializes fire, cancel and re-arm of the same job key.
	keysMu sync.Mutex
	keys   map[model.JobKey]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func New(d Deps, opt Options) (*Service, error) {
	if d.Store == nil {
		return nil, errors.New("reminder: store required")
	}
	if d.Scheduler == nil {
		return nil, errors.New("reminder: scheduler required")
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop{}
	}
	opt = opt.withDefaults()
	return &Service{
		store:   d.Store,
		send:    d.Sender,
		sched:   d.Scheduler,
		log:     d.Log.With(logx.String("comp", "reminder")),
		bus:     d.Bus,
		opt:     opt,
		limiter: rate.NewLimiter(rate.Limit(opt.SendRatePerSec), opt.SendBurst),
		keys:    make(map[model.JobKey]*keyLock),
	}, nil
}

func (o Options) withDefaults() Options {
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 10 * time.Second
	}
	if o.SendRatePerSec <= 0 {
		o.SendRatePerSec = 25
	}
	if o.SendBurst <= 0 {
		o.SendBurst = 1
	}
	if o.RetryMax < 0 {
		o.RetryMax = 0
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Apply swaps the runtime options. The clock and the sweep spec of a running
// service are kept; the sweep is re-registered when it changed.
func (s *Service) Apply(opt Options) error {
	s.mu.Lock()
	opt = opt.withDefaults()
	prevSweep, prevRetry := s.opt.OverdueSweep, s.opt.RetryMax
	opt.Now = s.opt.Now
	s.opt = opt
	s.limiter.SetLimit(rate.Limit(opt.SendRatePerSec))
	s.limiter.SetBurst(opt.SendBurst)
	running := s.state == stateRunning
	s.mu.Unlock()

	if running && (prevSweep != opt.OverdueSweep || prevRetry != opt.RetryMax) {
		return s.registerSweep(opt.OverdueSweep, opt.RetryMax)
	}
	return nil
}

func (s *Service) options() Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opt
}

func (s *Service) now() time.Time { return s.options().Now() }

func (s *Service) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateRunning
}

// lockKey locks key and returns its unlock func. Entries live only while
// someone holds or waits for them.
func (s *Service) lockKey(key model.JobKey) func() {
	s.keysMu.Lock()
	l := s.keys[key]
	if l == nil {
		l = &keyLock{}
		s.keys[key] = l
	}
	l.refs++
	s.keysMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.keysMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.keys, key)
		}
		s.keysMu.Unlock()
	}
}

// Start arms the scheduler, registers the overdue sweep and re-arms every
// persisted job. Calling it again is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state == stateRunning {
		s.mu.Unlock()
		return nil
	}
	s.state = stateRunning
	sweep, retry := s.opt.OverdueSweep, s.opt.RetryMax
	s.mu.Unlock()

	s.sched.Start(ctx)
	if err := s.registerSweep(sweep, retry); err != nil {
		s.log.Error("overdue sweep not registered", logx.String("spec", sweep), logx.Err(err))
	}
	return s.Bootstrap(ctx)
}

// Shutdown stops every timer. Registrations stay in the store, so the next
// Start re-arms them.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.state != stateRunning {
		s.mu.Unlock()
		return nil
	}
	s.state = stateStopped
	s.mu.Unlock()

	s.sched.Stop(ctx)
	s.log.Info("reminder service stopped")
	return ctx.Err()
}

// ScheduleTaskNotification registers a job whose message comes from the
// arguments. Recipients are still resolved from roleID when it fires. A nil
// notificationID addresses the deadline slot of the task.
func (s *Service) ScheduleTaskNotification(ctx context.Context, taskID int64, fireAt time.Time, description, roleID string, notificationID *int64) error {
	if !s.running() {
		return ErrNotStarted
	}
	if taskID <= 0 || roleID == "" || fireAt.IsZero() {
		return fmt.Errorf("%w: task id, role and fire time are required", ErrInvalidSpec)
	}
	key := model.DeadlineKey(taskID)
	if notificationID != nil {
		key.NotificationID = *notificationID
	}
	p := &payload{Description: description, RoleID: roleID}
	defer s.lockKey(key)()
	if err := s.sched.Replace(key, fireAt, s.jobFor(key, p)); err != nil {
		return err
	}
	s.publishScheduled(key, fireAt)
	return nil
}

// AddNotification validates spec, persists it, then arms its first
// occurrence. A spec that cannot be resolved yet (no due time) stays
// scheduled and is armed by OnTaskDueChanged.
func (s *Service) AddNotification(ctx context.Context, taskID int64, kind model.Kind, spec model.Spec) (int64, error) {
	if !s.running() {
		return 0, ErrNotStarted
	}
	if spec == nil {
		return 0, fmt.Errorf("%w: spec required", ErrInvalidSpec)
	}
	if err := spec.Validate(); err != nil {
		return 0, err
	}
	if kind == "" {
		kind = spec.Kind()
	}
	if kind != spec.Kind() {
		return 0, fmt.Errorf("%w: kind %q does not match %s spec", ErrInvalidSpec, kind, spec.Kind())
	}
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return 0, fmt.Errorf("load task %d: %w", taskID, err)
	}

	rec := model.NotificationRecord{TaskID: taskID, Kind: kind, Spec: spec, Status: model.StatusScheduled}
	id, err := s.store.InsertNotification(ctx, rec)
	if err != nil {
		return 0, err
	}
	rec.ID = id

	defer s.lockKey(rec.Key())()
	if err := s.armLocked(ctx, rec, task, false); err != nil {
		return id, err
	}
	return id, nil
}

// AddNowNotification dispatches a one-off reminder immediately through the
// regular path.
func (s *Service) AddNowNotification(ctx context.Context, taskID int64) (int64, error) {
	return s.AddNotification(ctx, taskID, model.KindSingle, model.Once{At: s.now()})
}

// CancelNotification persists the cancel before removing the timer. A
// notificationID of 0 suppresses the deadline slot.
func (s *Service) CancelNotification(ctx context.Context, taskID, notificationID int64) error {
	key := model.JobKey{TaskID: taskID, NotificationID: notificationID}
	defer s.lockKey(key)()

	if key.IsDeadline() {
		if _, err := s.store.GetTask(ctx, taskID); err != nil {
			return err
		}
		if err := s.store.SetTaskNotified(ctx, taskID, true); err != nil {
			return err
		}
		s.sched.Cancel(key)
		s.publishCancelled(key)
		return nil
	}

	rec, err := s.store.GetNotification(ctx, notificationID)
	if err != nil {
		return err
	}
	if rec.TaskID != taskID {
		return fmt.Errorf("notification %d of task %d: %w", notificationID, taskID, storage.ErrNotFound)
	}
	switch rec.Status {
	case model.StatusCancelled:
		s.sched.Cancel(key)
		return nil
	case model.StatusSent:
		return ErrNotCancellable
	}
	if err := s.store.UpdateNotificationStatus(ctx, rec.ID, model.StatusScheduled, model.StatusCancelled); err != nil {
		if errors.Is(err, storage.ErrStatusConflict) {
			return ErrNotCancellable
		}
		return err
	}
	s.sched.Cancel(key)
	s.publishCancelled(key)
	s.log.Info("notification cancelled", logx.String("job", key.String()))
	return nil
}

// CancelTask cancels every scheduled record of the task and its deadline slot.
// Each timer is dropped under its key lock, after the store write, so a fire
// in flight cannot re-arm it.
func (s *Service) CancelTask(ctx context.Context, taskID int64) error {
	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		return err
	}
	recs, err := s.store.ListNotifications(ctx, taskID)
	if err != nil {
		return err
	}
	n, err := s.store.CancelTaskNotifications(ctx, taskID)
	if err != nil {
		return err
	}
	if err := s.store.SetTaskNotified(ctx, taskID, true); err != nil {
		return err
	}
	keys := []model.JobKey{model.DeadlineKey(taskID)}
	for _, rec := range recs {
		keys = append(keys, rec.Key())
	}
	removed := 0
	for _, key := range keys {
		unlock := s.lockKey(key)
		if s.sched.Cancel(key) {
			removed++
		}
		unlock()
	}
	// payload jobs without a record
	removed += s.sched.CancelTask(taskID)
	s.log.Info("task reminders cancelled",
		logx.Int64("task_id", taskID),
		logx.Int64("records", n),
		logx.Int("jobs", removed),
	)
	return nil
}

// OnTaskDueChanged re-arms the deadline slot and every scheduled record of the
// task after its due time changed.
func (s *Service) OnTaskDueChanged(ctx context.Context, taskID int64) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	s.armDeadline(task)

	recs, err := s.store.ListNotifications(ctx, taskID)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if rec.Status != model.StatusScheduled {
			continue
		}
		unlock := s.lockKey(rec.Key())
		err := s.armLocked(ctx, rec, task, false)
		unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// Jobs returns the live timer registry.
func (s *Service) Jobs() scheduler.Snapshot { return s.sched.Snapshot() }

// Preview returns the next n fire times of spec for task.
func (s *Service) Preview(spec model.Spec, task model.Task, n int) ([]time.Time, error) {
	return resolver.Occurrences(spec, task, s.now(), n)
}

// NextFire returns the armed fire time of a slot.
func (s *Service) NextFire(key model.JobKey) (time.Time, bool) { return s.sched.FireAt(key) }

// Location is the zone reminders are rendered in.
func (s *Service) Location() *time.Location { return s.options().Location }

// armDeadline arms or drops the deadline slot according to the task state.
func (s *Service) armDeadline(task model.Task) {
	key := model.DeadlineKey(task.ID)
	defer s.lockKey(key)()
	if !task.HasDue() || task.Notified || task.Status == model.TaskCompleted {
		s.sched.Cancel(key)
		return
	}
	_ = s.sched.Replace(key, *task.DueAt, s.jobFor(key, nil))
	s.publishScheduled(key, *task.DueAt)
}

// armLocked resolves the next occurrence of rec and replaces its job. An
// exhausted recurring record is settled as sent. With catchUp, a recurring
// occurrence missed since the last fire is armed to fire now, once.
// Call with the key lock held.
func (s *Service) armLocked(ctx context.Context, rec model.NotificationRecord, task model.Task, catchUp bool) error {
	key := rec.Key()
	log := s.log.With(logx.String("job", key.String()))
	now := s.now()

	if catchUp {
		if missed, ok := resolver.Missed(rec.Spec, task, rec.LastFiredAt, now); ok {
			if err := s.sched.Replace(key, now, s.jobFor(key, nil)); err != nil {
				return err
			}
			log.Info("missed occurrence armed to fire now", logx.Time("missed_at", missed))
			s.publishScheduled(key, now)
			return nil
		}
	}

	at, ok, err := resolver.Next(rec.Spec, task, rec.LastFiredAt, now)
	if errors.Is(err, resolver.ErrUnresolvableSpec) {
		s.sched.Cancel(key)
		log.Warn("notification not armed", logx.Err(err))
		return nil
	}
	if err != nil {
		return err
	}
	if !ok {
		s.sched.Cancel(key)
		if rec.Kind == model.KindRepeated {
			if err := s.store.UpdateNotificationStatus(ctx, rec.ID, model.StatusScheduled, model.StatusSent); err != nil && !errors.Is(err, storage.ErrStatusConflict) {
				return err
			}
			log.Info("recurring notification exhausted")
		}
		return nil
	}
	if err := s.sched.Replace(key, at, s.jobFor(key, nil)); err != nil {
		return err
	}
	s.publishScheduled(key, at)
	return nil
}

func (s *Service) jobFor(key model.JobKey, p *payload) scheduler.Job {
	return func(ctx context.Context) error { return s.dispatch(ctx, key, p) }
}

func (s *Service) publishScheduled(key model.JobKey, at time.Time) {
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeReminderScheduled, Data: ScheduledEvent{Job: key.String(), FireAt: at}})
}

func (s *Service) publishCancelled(key model.JobKey) {
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeReminderCancelled, Data: key.String()})
}

// registerSweep installs the overdue sweep. The sweep is idempotent, so
// storage errors are retried.
func (s *Service) registerSweep(spec string, retryMax int) error {
	if spec == "" {
		s.sched.RemoveCron(overdueSweepName)
		return nil
	}
	opt := scheduler.TaskOptions{RetryMax: retryMax, RetryBase: time.Second, RetryMaxDelay: 10 * time.Second}
	return s.sched.AddCronWithOptions(overdueSweepName, spec, time.Minute, opt, s.sweepOverdue)
}

func (s *Service) sweepOverdue(ctx context.Context) error {
	n, err := s.store.MarkOverdueTasks(ctx, s.now())
	if err != nil {
		return err
	}
	if n > 0 {
		s.log.Info("tasks marked overdue", logx.Int64("count", n))
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeTasksOverdue, Data: n})
	}
	return nil
}
