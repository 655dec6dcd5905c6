package storage

import (
	"context"
	"fmt"
)

func (s *Store) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return nil
	}
	if e.At.IsZero() {
		e.At = s.now()
	}
	if e.Source == "" {
		e.Source = "bot"
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO audit(at, actor_id, actor_username, source, action, target, ok, err, took_ms, meta)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`),
		ms(e.At), e.ActorID, nullStr(e.ActorUsername), e.Source, e.Action, e.Target,
		boolInt(e.OK), nullStr(e.Error), e.TookMS, nullStr(e.MetaJSON),
	)
	if err != nil {
		return fmt.Errorf("appending audit: %w", err)
	}
	return nil
}

// CountAudit returns the number of audit rows for an action.
func (s *Store) CountAudit(ctx context.Context, action string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.q(`SELECT COUNT(*) FROM audit WHERE action = ?`), action)
	return n, err
}
