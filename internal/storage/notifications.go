package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"remindbot/internal/model"
	logx "remindbot/pkg/logx"
)

const notificationCols = `id, task_id, kind, spec, status, last_fired_at, created_at, updated_at`

type notificationRow struct {
	ID          int64         `db:"id"`
	TaskID      int64         `db:"task_id"`
	Kind        string        `db:"kind"`
	Spec        string        `db:"spec"`
	Status      string        `db:"status"`
	LastFiredAt sql.NullInt64 `db:"last_fired_at"`
	CreatedAt   int64         `db:"created_at"`
	UpdatedAt   int64         `db:"updated_at"`
}

func (r notificationRow) toModel() (model.NotificationRecord, error) {
	spec, err := model.UnmarshalSpec([]byte(r.Spec))
	if err != nil {
		return model.NotificationRecord{}, fmt.Errorf("notification %d: %w", r.ID, err)
	}
	rec := model.NotificationRecord{
		ID:        r.ID,
		TaskID:    r.TaskID,
		Kind:      model.Kind(r.Kind),
		Spec:      spec,
		Status:    model.Status(r.Status),
		CreatedAt: fromMS(r.CreatedAt),
		UpdatedAt: fromMS(r.UpdatedAt),
	}
	if r.LastFiredAt.Valid {
		at := fromMS(r.LastFiredAt.Int64)
		rec.LastFiredAt = &at
	}
	return rec, nil
}

func (s *Store) notificationsFromRows(rows []notificationRow) []model.NotificationRecord {
	out := make([]model.NotificationRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := r.toModel()
		if err != nil {
			// A row that cannot be decoded is skipped; it stays visible in the table.
			s.log.Warn("skipping undecodable notification", logx.Int64("notification_id", r.ID), logx.Err(err))
			continue
		}
		out = append(out, rec)
	}
	return out
}

// InsertNotification persists a record and returns its id. Kind is derived
// from the spec when empty; status defaults to scheduled.
func (s *Store) InsertNotification(ctx context.Context, rec model.NotificationRecord) (int64, error) {
	if rec.Spec == nil {
		return 0, fmt.Errorf("%w: nil spec", model.ErrInvalidSpec)
	}
	spec, err := model.MarshalSpec(rec.Spec)
	if err != nil {
		return 0, err
	}
	if rec.Kind == "" {
		rec.Kind = rec.Spec.Kind()
	}
	if rec.Status == "" {
		rec.Status = model.StatusScheduled
	}
	now := ms(s.now())

	var id int64
	err = s.db.QueryRowxContext(ctx, s.q(
		`INSERT INTO task_notifications(task_id, kind, spec, status, last_fired_at, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?) RETURNING id`),
		rec.TaskID, string(rec.Kind), string(spec), string(rec.Status), nullMS(rec.LastFiredAt), now, now,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting notification: %w", err)
	}
	return id, nil
}

func (s *Store) GetNotification(ctx context.Context, id int64) (model.NotificationRecord, error) {
	var r notificationRow
	err := s.db.GetContext(ctx, &r, s.q(`SELECT `+notificationCols+` FROM task_notifications WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.NotificationRecord{}, fmt.Errorf("notification %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.NotificationRecord{}, fmt.Errorf("loading notification %d: %w", id, err)
	}
	return r.toModel()
}

func (s *Store) ListNotifications(ctx context.Context, taskID int64) ([]model.NotificationRecord, error) {
	var rows []notificationRow
	err := s.db.SelectContext(ctx, &rows, s.q(
		`SELECT `+notificationCols+` FROM task_notifications WHERE task_id = ? ORDER BY id`), taskID)
	if err != nil {
		return nil, fmt.Errorf("listing notifications of task %d: %w", taskID, err)
	}
	return s.notificationsFromRows(rows), nil
}

func (s *Store) ListScheduledNotifications(ctx context.Context) ([]model.NotificationRecord, error) {
	var rows []notificationRow
	err := s.db.SelectContext(ctx, &rows, s.q(
		`SELECT `+notificationCols+` FROM task_notifications WHERE status = ? ORDER BY id`),
		string(model.StatusScheduled))
	if err != nil {
		return nil, fmt.Errorf("listing scheduled notifications: %w", err)
	}
	return s.notificationsFromRows(rows), nil
}

// UpdateNotificationStatus moves a record from one status to another. It
// fails with ErrStatusConflict when the record is not in from.
func (s *Store) UpdateNotificationStatus(ctx context.Context, id int64, from, to model.Status) error {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE task_notifications SET status = ?, updated_at = ? WHERE id = ? AND status = ?`),
		string(to), ms(s.now()), id, string(from))
	if err != nil {
		return fmt.Errorf("updating notification %d: %w", id, err)
	}
	return s.checkTransition(ctx, res, id)
}

// MarkNotificationFired advances the recurrence cursor of a scheduled record.
func (s *Store) MarkNotificationFired(ctx context.Context, id int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE task_notifications SET last_fired_at = ?, updated_at = ? WHERE id = ? AND status = ?`),
		ms(at), ms(s.now()), id, string(model.StatusScheduled))
	if err != nil {
		return fmt.Errorf("updating notification %d: %w", id, err)
	}
	return s.checkTransition(ctx, res, id)
}

// CancelTaskNotifications cancels every scheduled record of a task.
func (s *Store) CancelTaskNotifications(ctx context.Context, taskID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE task_notifications SET status = ?, updated_at = ? WHERE task_id = ? AND status = ?`),
		string(model.StatusCancelled), ms(s.now()), taskID, string(model.StatusScheduled))
	if err != nil {
		return 0, fmt.Errorf("cancelling notifications of task %d: %w", taskID, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Store) checkTransition(ctx context.Context, res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var cur string
	err = s.db.GetContext(ctx, &cur, s.q(`SELECT status FROM task_notifications WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("notification %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("loading notification %d: %w", id, err)
	}
	return fmt.Errorf("notification %d is %s: %w", id, cur, ErrStatusConflict)
}

type occurrenceRow struct {
	ID             int64 `db:"id"`
	NotificationID int64 `db:"notification_id"`
	TaskID         int64 `db:"task_id"`
	FiredAt        int64 `db:"fired_at"`
	Recipients     int   `db:"recipients"`
	Delivered      int   `db:"delivered"`
	Failed         int   `db:"failed"`
}

// AppendOccurrence logs one firing of a notification slot.
func (s *Store) AppendOccurrence(ctx context.Context, o model.Occurrence) (int64, error) {
	if o.FiredAt.IsZero() {
		o.FiredAt = s.now()
	}
	var id int64
	err := s.db.QueryRowxContext(ctx, s.q(
		`INSERT INTO notification_occurrences(notification_id, task_id, fired_at, recipients, delivered, failed)
		 VALUES(?,?,?,?,?,?) RETURNING id`),
		o.NotificationID, o.TaskID, ms(o.FiredAt), o.Recipients, o.Delivered, o.Failed,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("appending occurrence: %w", err)
	}
	return id, nil
}

// ListOccurrences returns the most recent occurrences of a task, newest first.
func (s *Store) ListOccurrences(ctx context.Context, taskID int64, limit int) ([]model.Occurrence, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []occurrenceRow
	err := s.db.SelectContext(ctx, &rows, s.q(
		`SELECT id, notification_id, task_id, fired_at, recipients, delivered, failed
		 FROM notification_occurrences WHERE task_id = ? ORDER BY fired_at DESC, id DESC LIMIT ?`), taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing occurrences of task %d: %w", taskID, err)
	}
	out := make([]model.Occurrence, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.Occurrence{
			ID: r.ID, NotificationID: r.NotificationID, TaskID: r.TaskID, FiredAt: fromMS(r.FiredAt),
			Recipients: r.Recipients, Delivered: r.Delivered, Failed: r.Failed,
		})
	}
	return out, nil
}
