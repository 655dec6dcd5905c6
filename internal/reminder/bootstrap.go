package reminder

import (
	"context"
	"errors"
	"time"

	"remindbot/internal/eventbus"
	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

// BootstrapReport counts what a bootstrap pass armed.
type BootstrapReport struct {
	Deadlines     int
	Notifications int
	Skipped       int
	Took          time.Duration
}

// Bootstrap re-arms every persisted job: the deadline slot of each task still
// waiting for its deadline notice, then every scheduled record. A recurring
// record that missed occurrences while the process was down fires once now.
// It only uses Replace, so running it again never duplicates a timer.
func (s *Service) Bootstrap(ctx context.Context) error {
	_, err := s.BootstrapReport(ctx)
	return err
}

func (s *Service) BootstrapReport(ctx context.Context) (BootstrapReport, error) {
	start := time.Now()
	var rep BootstrapReport

	tasks, err := s.store.ListTasksPendingNotification(ctx)
	if err != nil {
		return rep, err
	}
	for _, t := range tasks {
		s.armDeadline(t)
		rep.Deadlines++
	}

	recs, err := s.store.ListScheduledNotifications(ctx)
	if err != nil {
		return rep, err
	}
	for _, rec := range recs {
		task, err := s.store.GetTask(ctx, rec.TaskID)
		if errors.Is(err, storage.ErrNotFound) {
			rep.Skipped++
			continue
		}
		if err != nil {
			return rep, err
		}
		unlock := s.lockKey(rec.Key())
		err = s.armLocked(ctx, rec, task, true)
		unlock()
		if err != nil {
			s.log.Warn("bootstrap: notification not armed", logx.String("job", rec.Key().String()), logx.Err(err))
			rep.Skipped++
			continue
		}
		rep.Notifications++
	}

	rep.Took = time.Since(start)
	s.log.Info("bootstrap done",
		logx.Int("deadlines", rep.Deadlines),
		logx.Int("notifications", rep.Notifications),
		logx.Int("skipped", rep.Skipped),
		logx.Duration("took", rep.Took),
	)
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeBootstrapDone, Data: rep})
	return rep, nil
}
