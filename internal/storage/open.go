package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	logx "remindbot/pkg/logx"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

func (d dialect) String() string {
	if d == dialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// Store is the SQL-backed record store. It is safe for concurrent use.
type Store struct {
	db      *sqlx.DB
	dialect dialect
	log     logx.Logger
	now     func() time.Time
}

// Open initializes the configured store and applies pending migrations.
func Open(cfg Config, log logx.Logger) (*Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	var (
		db  *sqlx.DB
		d   dialect
		err error
	)
	switch driver {
	case "", "sqlite", "sqlite3":
		db, err = openSQLite(cfg)
		d = dialectSQLite
	case "postgres", "postgresql", "pg":
		db, err = openPostgres(cfg)
		d = dialectPostgres
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:      db,
		dialect: d,
		log:     log.With(logx.String("comp", "storage"), logx.String("driver", d.String())),
		now:     time.Now,
	}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) q(query string) string { return s.db.Rebind(query) }

func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullMS(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return ms(*t)
}
