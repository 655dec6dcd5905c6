package storage

import (
	"context"
	"fmt"
	"strings"

	logx "remindbot/pkg/logx"
)

type migration struct {
	version int
	stmts   []string
}

// Column types differ per dialect; {{pk}} and {{int}} are expanded before use.
var migrations = []migration{
	{
		version: 1,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS roles (
				role_id         TEXT PRIMARY KEY,
				role_group      TEXT NOT NULL DEFAULT '',
				role_group_name TEXT NOT NULL DEFAULT '',
				role_subgroup   TEXT NOT NULL DEFAULT '',
				role_full_name  TEXT NOT NULL DEFAULT '',
				rolepass        TEXT NOT NULL UNIQUE
			)`,
			`CREATE TABLE IF NOT EXISTS role_users (
				user_id   TEXT NOT NULL,
				user_name TEXT NOT NULL DEFAULT '',
				role_id   TEXT NOT NULL REFERENCES roles(role_id) ON DELETE CASCADE,
				PRIMARY KEY (user_id, role_id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_role_users_role ON role_users(role_id)`,
			`CREATE TABLE IF NOT EXISTS tasks (
				task_id         {{pk}},
				role_id         TEXT NOT NULL,
				description     TEXT NOT NULL,
				status          TEXT NOT NULL DEFAULT 'sent',
				created_at      {{int}} NOT NULL,
				due_at          {{int}},
				repeat_interval TEXT,
				notified        INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_pending ON tasks(notified, due_at)`,
			`CREATE TABLE IF NOT EXISTS task_completions (
				task_id      {{int}} NOT NULL REFERENCES tasks(task_id) ON DELETE CASCADE,
				user_id      TEXT NOT NULL,
				status       TEXT NOT NULL DEFAULT 'accepted',
				completed_at {{int}},
				PRIMARY KEY (task_id, user_id)
			)`,
			`CREATE TABLE IF NOT EXISTS task_notifications (
				id            {{pk}},
				task_id       {{int}} NOT NULL REFERENCES tasks(task_id) ON DELETE CASCADE,
				kind          TEXT NOT NULL,
				spec          TEXT NOT NULL,
				status        TEXT NOT NULL DEFAULT 'scheduled',
				last_fired_at {{int}},
				created_at    {{int}} NOT NULL,
				updated_at    {{int}} NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_notifications_status ON task_notifications(status)`,
			`CREATE INDEX IF NOT EXISTS idx_notifications_task ON task_notifications(task_id)`,
			`CREATE TABLE IF NOT EXISTS notification_occurrences (
				id              {{pk}},
				notification_id {{int}} NOT NULL,
				task_id         {{int}} NOT NULL,
				fired_at        {{int}} NOT NULL,
				recipients      INTEGER NOT NULL,
				delivered       INTEGER NOT NULL,
				failed          INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_occurrences_task ON notification_occurrences(task_id, fired_at)`,
			`CREATE TABLE IF NOT EXISTS audit (
				id             {{pk}},
				at             {{int}} NOT NULL,
				actor_id       {{int}} NOT NULL,
				actor_username TEXT,
				source         TEXT NOT NULL,
				action         TEXT NOT NULL,
				target         TEXT NOT NULL DEFAULT '',
				ok             INTEGER NOT NULL,
				err            TEXT,
				took_ms        {{int}} NOT NULL,
				meta           TEXT
			)`,
		},
	},
}

func (d dialect) expand(stmt string) string {
	r := strings.NewReplacer(
		"{{pk}}", "INTEGER PRIMARY KEY AUTOINCREMENT",
		"{{int}}", "INTEGER",
	)
	if d == dialectPostgres {
		r = strings.NewReplacer(
			"{{pk}}", "BIGSERIAL PRIMARY KEY",
			"{{int}}", "BIGINT",
		)
	}
	return r.Replace(stmt)
}

// migrate applies outstanding migrations in order, one transaction each.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY)`); err != nil {
		return fmt.Errorf("creating schema_version: %w", err)
	}
	current := 0
	if err := s.db.GetContext(ctx, &current, `SELECT COALESCE(MAX(version), 0) FROM schema_version`); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning migration v%d: %w", m.version, err)
		}
		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, s.dialect.expand(stmt)); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("applying migration v%d: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO schema_version(version) VALUES(?)`), m.version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("recording migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration v%d: %w", m.version, err)
		}
		s.log.Info("migration applied", logx.Int("version", m.version))
	}
	return nil
}
