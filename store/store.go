// Package store persists sync state in SQLite: content objects, translation
// entries and their revisions, sessions, applied payloads, the client outbox
// and named leases.
package store

import (
	"context"
	"database/sql"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/SakenW/TH-Suite-sub005/content"
	"github.com/SakenW/TH-Suite-sub005/errors"
)

// DefaultObjectCacheSize is the number of objects kept in the read cache.
const DefaultObjectCacheSize = 256

// Querier is satisfied by *sql.DB and *sql.Tx, so reads and writes can run
// inside or outside a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store wraps a migrated database.
type Store struct {
	db     *sql.DB
	logger *zap.SugaredLogger
	clock  clockwork.Clock

	cacheSize int
	objects   *lru.Cache[content.ID, []byte]
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock sets the clock used for timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithObjectCacheSize sets the object read cache size; 0 keeps the default.
func WithObjectCacheSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.cacheSize = n
		}
	}
}

// New wraps db, which must already be migrated.
func New(db *sql.DB, opts ...Option) (*Store, error) {
	s := &Store{
		db:        db,
		logger:    zap.NewNop().Sugar(),
		clock:     clockwork.NewRealClock(),
		cacheSize: DefaultObjectCacheSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	cache, err := lru.New[content.ID, []byte](s.cacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "create object cache")
	}
	s.objects = cache
	return s, nil
}

// DB returns the underlying database.
func (s *Store) DB() *sql.DB { return s.db }

// WithTx runs fn in a transaction, committing when fn returns nil.
// Cancelling ctx rolls the transaction back.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warnw("Rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit transaction")
	}
	return nil
}

func (s *Store) now() time.Time {
	return s.clock.Now().UTC()
}
