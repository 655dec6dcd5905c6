package reminder

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"remindbot/internal/eventbus"
	"remindbot/internal/model"
	"remindbot/internal/resolver"
	"remindbot/internal/storage"
	"remindbot/internal/task/scheduler"
	logx "remindbot/pkg/logx"
)

const (
	// settleReserve is the part of the job deadline kept for the writes after
	// delivery.
	settleReserve = 2 * time.Second
	settleTimeout = 5 * time.Second
)

// payload overrides the message and recipients of a job armed through
// ScheduleTaskNotification.
type payload struct {
	Description string
	RoleID      string
}

// DispatchEvent is published on the bus after each occurrence.
type DispatchEvent struct {
	RunID      string
	Job        string
	Kind       model.Kind
	Recipients int
	Delivered  int
	Failed     int
}

// ScheduledEvent is published whenever a job is (re-)armed.
type ScheduledEvent struct {
	Job    string
	FireAt time.Time
}

// dispatch runs one fired job. Every skip path re-reads the store first, so a
// cancel that won the race with the timer is honored. Errors returned before
// delivery are retried by the engine; errors after it are not.
func (s *Service) dispatch(ctx context.Context, key model.JobKey, p *payload) error {
	defer s.lockKey(key)()

	runID := uuid.NewString()
	log := s.log.With(logx.String("job", key.String()), logx.String("run_id", runID))

	task, err := s.store.GetTask(ctx, key.TaskID)
	if errors.Is(err, storage.ErrNotFound) {
		log.Debug("task gone; skipping")
		return nil
	}
	if err != nil {
		return err
	}

	var rec model.NotificationRecord
	kind := model.KindDeadline
	if key.IsDeadline() {
		if p == nil && (task.Notified || task.Status == model.TaskCompleted || !task.HasDue()) {
			log.Debug("deadline slot settled; skipping", logx.Bool("notified", task.Notified), logx.String("status", string(task.Status)))
			return nil
		}
	} else {
		rec, err = s.store.GetNotification(ctx, key.NotificationID)
		if errors.Is(err, storage.ErrNotFound) {
			log.Debug("notification gone; skipping")
			return nil
		}
		if err != nil {
			return err
		}
		if rec.Status != model.StatusScheduled {
			log.Debug("notification not scheduled; skipping", logx.String("status", string(rec.Status)))
			return nil
		}
		kind = rec.Kind
	}

	roleID, desc := task.RoleID, task.Description
	if p != nil {
		roleID, desc = p.RoleID, p.Description
	}
	now := s.now()

	users, err := s.store.ListUsersForRole(ctx, roleID)
	if err != nil {
		return err
	}
	if len(users) == 0 {
		log.Warn("no recipients for role; not delivered", logx.String("role_id", roleID))
		if kind == model.KindRepeated {
			return s.rearmLocked(ctx, log, rec, task, now)
		}
		return nil
	}

	opt := s.options()
	text := RenderMessage(kind, task.ID, desc, task.DueAt, opt.Location)
	dctx, cancel := deliveryContext(ctx)
	delivered, failed := s.deliver(dctx, log, opt, users, text)
	cancel()

	// Recipients have the message: the batch settles even past the job deadline.
	wctx, wcancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer wcancel()
	if _, err := s.store.AppendOccurrence(wctx, model.Occurrence{
		NotificationID: key.NotificationID,
		TaskID:         key.TaskID,
		FiredAt:        now,
		Recipients:     len(users),
		Delivered:      delivered,
		Failed:         failed,
	}); err != nil {
		log.Warn("occurrence not recorded", logx.Err(err))
	}

	if err := s.settleLocked(wctx, log, key, rec, task, now); err != nil {
		log.Error("reminder delivered but not settled", logx.Err(err))
		return scheduler.NoRetry(err)
	}

	log.Info("reminder dispatched",
		logx.String("kind", string(kind)),
		logx.Int("recipients", len(users)),
		logx.Int("delivered", delivered),
		logx.Int("failed", failed),
	)
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeReminderDispatched, Data: DispatchEvent{
		RunID:      runID,
		Job:        key.String(),
		Kind:       kind,
		Recipients: len(users),
		Delivered:  delivered,
		Failed:     failed,
	}})
	return nil
}

// deliveryContext bounds the delivery pass below the job deadline.
func deliveryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	dl, ok := ctx.Deadline()
	if !ok {
		return context.WithCancel(ctx)
	}
	reserve := time.Until(dl) / 4
	if reserve > settleReserve {
		reserve = settleReserve
	}
	return context.WithDeadline(ctx, dl.Add(-reserve))
}

// deliver sends text to every user. Failures are counted and logged. Users
// left when ctx ends count as failed.
func (s *Service) deliver(ctx context.Context, log logx.Logger, opt Options, users []model.RoleUser, text string) (delivered, failed int) {
	if s.send == nil {
		log.Warn("no sender configured; reminder logged only", logx.Int("recipients", len(users)))
		return 0, len(users)
	}
	for i, u := range users {
		if ctx.Err() != nil {
			left := len(users) - i
			log.Warn("delivery budget exhausted", logx.Int("undelivered", left), logx.Err(ctx.Err()))
			return delivered, failed + left
		}
		if err := s.limiter.Wait(ctx); err != nil {
			failed++
			log.Warn("delivery skipped", logx.Err(&DeliveryError{UserID: u.UserID, Err: err}))
			continue
		}
		sctx, cancel := context.WithTimeout(ctx, opt.SendTimeout)
		err := s.send.Send(sctx, u.UserID, text)
		cancel()
		if err != nil {
			failed++
			log.Warn("delivery failed", logx.Err(&DeliveryError{UserID: u.UserID, Err: err}))
			continue
		}
		delivered++
	}
	return delivered, failed
}

// settleLocked records that an occurrence went out. Call with the key lock held.
func (s *Service) settleLocked(ctx context.Context, log logx.Logger, key model.JobKey, rec model.NotificationRecord, task model.Task, now time.Time) error {
	if key.IsDeadline() {
		return s.store.SetTaskNotified(ctx, task.ID, true)
	}
	if rec.Kind == model.KindRepeated {
		err := s.store.MarkNotificationFired(ctx, rec.ID, now)
		if errors.Is(err, storage.ErrStatusConflict) {
			log.Debug("notification settled while sending", logx.Err(err))
			return nil
		}
		if err != nil {
			return err
		}
		fired := now
		rec.LastFiredAt = &fired
		return s.rearmLocked(ctx, log, rec, task, now)
	}
	err := s.store.UpdateNotificationStatus(ctx, rec.ID, model.StatusScheduled, model.StatusSent)
	if errors.Is(err, storage.ErrStatusConflict) {
		log.Debug("notification settled while sending", logx.Err(err))
		return nil
	}
	return err
}

// rearmLocked schedules the occurrence after now or settles an exhausted record.
func (s *Service) rearmLocked(ctx context.Context, log logx.Logger, rec model.NotificationRecord, task model.Task, now time.Time) error {
	key := rec.Key()
	next, ok, err := resolver.Next(rec.Spec, task, &now, now)
	if err != nil {
		log.Warn("next occurrence unresolvable", logx.Err(err))
		return nil
	}
	if !ok {
		s.sched.Cancel(key)
		err := s.store.UpdateNotificationStatus(ctx, rec.ID, model.StatusScheduled, model.StatusSent)
		if err != nil && !errors.Is(err, storage.ErrStatusConflict) {
			return err
		}
		log.Info("recurring notification exhausted")
		return nil
	}
	if err := s.sched.Replace(key, next, s.jobFor(key, nil)); err != nil {
		return err
	}
	s.publishScheduled(key, next)
	log.Debug("recurring notification re-armed", logx.Time("fire_at", next))
	return nil
}
