package store

import (
	"context"
	"time"

	"github.com/SakenW/TH-Suite-sub005/errors"
)

// Leases grant a named resource to one holder for a bounded time.
type Leases interface {
	Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	Renew(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name, holder string) error
}

var _ Leases = (*Store)(nil)

// Acquire takes the lease when it is free, expired or already held by
// holder. It reports whether holder now owns the lease.
func (s *Store) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	if name == "" || holder == "" || ttl <= 0 {
		return false, errors.NewInvalidRequestError("lease: name, holder and a positive ttl are required")
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO leases (name, holder, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			holder = excluded.holder,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE leases.holder = excluded.holder OR leases.expires_at < excluded.acquired_at`,
		name, holder, now, now.Add(ttl),
	)
	if err != nil {
		return false, errors.Wrapf(err, "acquire lease %s", name)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrapf(err, "acquire lease %s", name)
	}
	return n == 1, nil
}

// Renew extends a lease holder still owns.
func (s *Store) Renew(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE leases SET expires_at = ?
		WHERE name = ? AND holder = ? AND expires_at >= ?`,
		now.Add(ttl), name, holder, now,
	)
	if err != nil {
		return false, errors.Wrapf(err, "renew lease %s", name)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// Release drops the lease if holder owns it.
func (s *Store) Release(ctx context.Context, name, holder string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE name = ? AND holder = ?`, name, holder)
	if err != nil {
		return errors.Wrapf(err, "release lease %s", name)
	}
	return nil
}

// PurgeExpiredLeases deletes every lease past its expiry.
func (s *Store) PurgeExpiredLeases(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE expires_at < ?`, s.now())
	if err != nil {
		return 0, errors.Wrap(err, "purge leases")
	}
	n, _ := res.RowsAffected()
	return n, nil
}
