package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"remindbot/internal/model"
)

const taskCols = `task_id, role_id, description, status, created_at, due_at, repeat_interval, notified`

type taskRow struct {
	ID             int64          `db:"task_id"`
	RoleID         string         `db:"role_id"`
	Description    string         `db:"description"`
	Status         string         `db:"status"`
	CreatedAt      int64          `db:"created_at"`
	DueAt          sql.NullInt64  `db:"due_at"`
	RepeatInterval sql.NullString `db:"repeat_interval"`
	Notified       int            `db:"notified"`
}

func (r taskRow) toModel() model.Task {
	t := model.Task{
		ID:             r.ID,
		RoleID:         r.RoleID,
		Description:    r.Description,
		Status:         model.TaskStatus(r.Status),
		CreatedAt:      fromMS(r.CreatedAt),
		RepeatInterval: r.RepeatInterval.String,
		Notified:       r.Notified != 0,
	}
	if r.DueAt.Valid {
		due := fromMS(r.DueAt.Int64)
		t.DueAt = &due
	}
	return t
}

func tasksFromRows(rows []taskRow) []model.Task {
	out := make([]model.Task, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out
}

// CreateTask inserts a task and returns its id. Status defaults to sent.
func (s *Store) CreateTask(ctx context.Context, t model.Task) (int64, error) {
	if strings.TrimSpace(t.RoleID) == "" {
		return 0, errors.New("task role is required")
	}
	if t.Status == "" {
		t.Status = model.TaskSent
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	var id int64
	err := s.db.QueryRowxContext(ctx, s.q(
		`INSERT INTO tasks(role_id, description, status, created_at, due_at, repeat_interval, notified)
		 VALUES(?,?,?,?,?,?,?) RETURNING task_id`),
		t.RoleID, t.Description, string(t.Status), ms(t.CreatedAt), nullMS(t.DueAt), nullStr(t.RepeatInterval), boolInt(t.Notified),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting task: %w", err)
	}
	return id, nil
}

func (s *Store) GetTask(ctx context.Context, id int64) (model.Task, error) {
	var r taskRow
	err := s.db.GetContext(ctx, &r, s.q(`SELECT `+taskCols+` FROM tasks WHERE task_id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Task{}, fmt.Errorf("loading task %d: %w", id, err)
	}
	return r.toModel(), nil
}

// ListTasksPendingNotification returns tasks with a due time whose deadline
// notification has not been sent yet.
func (s *Store) ListTasksPendingNotification(ctx context.Context) ([]model.Task, error) {
	var rows []taskRow
	err := s.db.SelectContext(ctx, &rows, s.q(
		`SELECT `+taskCols+` FROM tasks
		 WHERE notified = 0 AND due_at IS NOT NULL AND status <> ?
		 ORDER BY due_at, task_id`), string(model.TaskCompleted))
	if err != nil {
		return nil, fmt.Errorf("listing pending tasks: %w", err)
	}
	return tasksFromRows(rows), nil
}

func (s *Store) SetTaskNotified(ctx context.Context, id int64, notified bool) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE tasks SET notified = ? WHERE task_id = ?`), boolInt(notified), id)
	if err != nil {
		return fmt.Errorf("updating task %d: %w", id, err)
	}
	return expectRow(res, fmt.Sprintf("task %d", id))
}

// SetTaskDue changes the due time and resets the notified flag.
func (s *Store) SetTaskDue(ctx context.Context, id int64, due *time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE tasks SET due_at = ?, notified = 0 WHERE task_id = ?`), nullMS(due), id)
	if err != nil {
		return fmt.Errorf("updating task %d: %w", id, err)
	}
	return expectRow(res, fmt.Sprintf("task %d", id))
}

// ListOpenTasksForUser returns open tasks addressed to any role of the user,
// to a group of those roles, or to everyone.
func (s *Store) ListOpenTasksForUser(ctx context.Context, userID string) ([]model.Task, error) {
	var rows []taskRow
	err := s.db.SelectContext(ctx, &rows, s.q(
		`SELECT `+taskCols+` FROM tasks t
		 WHERE t.status IN (?, ?, ?)
		   AND (t.role_id = ?
		        OR t.role_id IN (SELECT ru.role_id FROM role_users ru WHERE ru.user_id = ?)
		        OR t.role_id IN (SELECT r.role_group FROM roles r JOIN role_users ru ON ru.role_id = r.role_id WHERE ru.user_id = ?))
		 ORDER BY t.task_id`),
		string(model.TaskSent), string(model.TaskAccepted), string(model.TaskOverdue),
		model.RoleAll, userID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing tasks for user %s: %w", userID, err)
	}
	return tasksFromRows(rows), nil
}

// AcceptTask records that the user took the task.
func (s *Store) AcceptTask(ctx context.Context, taskID int64, userID string) error {
	return s.settleTask(ctx, taskID, userID, model.TaskAccepted, nil)
}

// CompleteTask records a completion and closes the task.
func (s *Store) CompleteTask(ctx context.Context, taskID int64, userID string) error {
	now := s.now()
	return s.settleTask(ctx, taskID, userID, model.TaskCompleted, &now)
}

func (s *Store) settleTask(ctx context.Context, taskID int64, userID string, to model.TaskStatus, at *time.Time) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var cur string
	err = tx.GetContext(ctx, &cur, s.q(`SELECT status FROM tasks WHERE task_id = ?`), taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("task %d: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("loading task %d: %w", taskID, err)
	}
	if model.TaskStatus(cur) == model.TaskCompleted {
		return fmt.Errorf("task %d already completed: %w", taskID, ErrStatusConflict)
	}

	if _, err := tx.ExecContext(ctx, s.q(
		`INSERT INTO task_completions(task_id, user_id, status, completed_at) VALUES(?,?,?,?)
		 ON CONFLICT(task_id, user_id) DO UPDATE SET status = excluded.status, completed_at = excluded.completed_at`),
		taskID, userID, string(to), nullMS(at),
	); err != nil {
		return fmt.Errorf("recording completion: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.q(`UPDATE tasks SET status = ? WHERE task_id = ?`), string(to), taskID); err != nil {
		return fmt.Errorf("updating task %d: %w", taskID, err)
	}
	return tx.Commit()
}

func (s *Store) ListCompletions(ctx context.Context, taskID int64) ([]model.Completion, error) {
	var rows []struct {
		TaskID      int64         `db:"task_id"`
		UserID      string        `db:"user_id"`
		Status      string        `db:"status"`
		CompletedAt sql.NullInt64 `db:"completed_at"`
	}
	err := s.db.SelectContext(ctx, &rows, s.q(
		`SELECT task_id, user_id, status, completed_at FROM task_completions WHERE task_id = ? ORDER BY user_id`), taskID)
	if err != nil {
		return nil, fmt.Errorf("listing completions: %w", err)
	}
	out := make([]model.Completion, 0, len(rows))
	for _, r := range rows {
		c := model.Completion{TaskID: r.TaskID, UserID: r.UserID, Status: model.TaskStatus(r.Status)}
		if r.CompletedAt.Valid {
			at := fromMS(r.CompletedAt.Int64)
			c.CompletedAt = &at
		}
		out = append(out, c)
	}
	return out, nil
}

// MarkOverdueTasks moves open tasks past their due time to overdue.
func (s *Store) MarkOverdueTasks(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE tasks SET status = ?
		 WHERE due_at IS NOT NULL AND due_at < ? AND status IN (?, ?)`),
		string(model.TaskOverdue), ms(now), string(model.TaskSent), string(model.TaskAccepted),
	)
	if err != nil {
		return 0, fmt.Errorf("marking overdue tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func expectRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
