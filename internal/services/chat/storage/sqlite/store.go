// Package sqlite implements the chat Session Store on SQLite.
//
// Every write runs under one store-level mutex that also covers publishing
// to the change hub, so subscribers see changes strictly after commit and
// in commit order.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	sqlitemigrate "github.com/tsupport/supportchat/internal/platform/storage/sqlitemigrate"
	"github.com/tsupport/supportchat/internal/services/chat/storage"
	"github.com/tsupport/supportchat/internal/services/chat/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for chat state.
type Store struct {
	sqlDB   *sql.DB
	hub     *storage.ChangeHub
	clock   func() time.Time
	writeMu sync.Mutex
}

var (
	_ storage.ChatStore             = (*Store)(nil)
	_ storage.MessageStore          = (*Store)(nil)
	_ storage.AgentStore            = (*Store)(nil)
	_ storage.PushSubscriptionStore = (*Store)(nil)
	_ storage.AllowListStore        = (*Store)(nil)
	_ storage.ChangeSource          = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source for bookkeeping columns.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithChangeBuffer sets the per-subscriber change buffer.
func WithChangeBuffer(size int) Option {
	return func(s *Store) {
		s.hub = storage.NewChangeHub(size)
	}
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type sqlQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner func(dest ...any) error

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a chat SQLite store at the provided path.
func Open(path string, options ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_pragma=foreign_keys(ON)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := ensureForeignKeysEnabled(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	store := &Store{
		sqlDB: sqlDB,
		hub:   storage.NewChangeHub(0),
		clock: time.Now,
	}
	for _, option := range options {
		option(store)
	}
	if err := sqlitemigrate.ApplyMigrations(context.Background(), sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close ends every change subscription and closes the database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	s.hub.Close()
	return s.sqlDB.Close()
}

// Subscribe streams committed changes matching filter.
func (s *Store) Subscribe(ctx context.Context, filter storage.ChangeFilter) (*storage.ChangeSubscription, error) {
	if s == nil || s.hub == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	return s.hub.Subscribe(ctx, filter)
}

// withWrite runs fn in a transaction and publishes its changes after commit.
func (s *Store) withWrite(ctx context.Context, label string, fn func(tx *sql.Tx) ([]storage.Change, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", label, err)
	}
	changes, err := fn(tx)
	if err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("%w: rollback %s: %v", err, label, rollbackErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", label, err)
	}
	if len(changes) > 0 {
		s.hub.Publish(changes...)
	}
	return nil
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

func ensureForeignKeysEnabled(db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("sqlite db is required")
	}
	var enabled int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&enabled); err != nil {
		return fmt.Errorf("check sqlite foreign key pragma: %w", err)
	}
	if enabled != 1 {
		return fmt.Errorf("sqlite foreign keys are disabled")
	}
	return nil
}

func nullString(value *string) sql.NullString {
	if value == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *value, Valid: true}
}

func stringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	out := value.String
	return &out
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "unique constraint failed")
}

func isForeignKeyConstraintError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "foreign key constraint failed")
}
