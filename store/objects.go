package store

import (
	"context"
	"database/sql"

	"github.com/SakenW/TH-Suite-sub005/content"
	"github.com/SakenW/TH-Suite-sub005/errors"
)

// ObjectStore holds immutable content objects keyed by CID.
type ObjectStore interface {
	// Put stores data under its computed CID. Storing an existing object is a no-op.
	Put(ctx context.Context, data []byte) (content.ID, error)
	// PutVerified verifies data against id before storing it.
	PutVerified(ctx context.Context, id content.ID, data []byte) error
	Get(ctx context.Context, id content.ID) ([]byte, error)
	Has(ctx context.Context, id content.ID) (bool, error)
	// List returns every stored CID, sorted.
	List(ctx context.Context) ([]content.ID, error)
}

var _ ObjectStore = (*Store)(nil)

// Put implements ObjectStore.
func (s *Store) Put(ctx context.Context, data []byte) (content.ID, error) {
	id := content.Sum(data)
	return id, s.putObject(ctx, s.db, id, data)
}

// PutVerified implements ObjectStore.
func (s *Store) PutVerified(ctx context.Context, id content.ID, data []byte) error {
	if err := id.Verify(data); err != nil {
		return err
	}
	return s.putObject(ctx, s.db, id, data)
}

// PutObjectTx stores a verified object inside tx.
func (s *Store) PutObjectTx(ctx context.Context, tx *sql.Tx, id content.ID, data []byte) error {
	if err := id.Verify(data); err != nil {
		return err
	}
	return s.putObject(ctx, tx, id, data)
}

func (s *Store) putObject(ctx context.Context, q Querier, id content.ID, data []byte) error {
	_, err := q.ExecContext(ctx, `
		INSERT OR IGNORE INTO content_objects (cid, algorithm, size, data, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		id, string(id.Algorithm), len(data), data, s.now(),
	)
	if err != nil {
		return errors.Wrapf(err, "store object %s", id)
	}
	return nil
}

// Get implements ObjectStore.
func (s *Store) Get(ctx context.Context, id content.ID) ([]byte, error) {
	if data, ok := s.objects.Get(id); ok {
		return data, nil
	}
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM content_objects WHERE cid = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("object %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load object %s", id)
	}
	if data == nil {
		data = []byte{}
	}
	s.objects.Add(id, data)
	return data, nil
}

// Has implements ObjectStore.
func (s *Store) Has(ctx context.Context, id content.ID) (bool, error) {
	if s.objects.Contains(id) {
		return true, nil
	}
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM content_objects WHERE cid = ?)`, id).Scan(&exists)
	if err != nil {
		return false, errors.Wrapf(err, "check object %s", id)
	}
	return exists, nil
}

// List implements ObjectStore.
func (s *Store) List(ctx context.Context) ([]content.ID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT cid FROM content_objects`)
	if err != nil {
		return nil, errors.Wrap(err, "list objects")
	}
	defer rows.Close()

	var ids []content.ID
	for rows.Next() {
		var id content.ID
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan object cid")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate objects")
	}
	content.Sort(ids)
	return ids, nil
}

// ObjectStats reports the object count and total size.
func (s *Store) ObjectStats(ctx context.Context) (count int64, bytes int64, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(size), 0) FROM content_objects`).Scan(&count, &bytes)
	if err != nil {
		return 0, 0, errors.Wrap(err, "object stats")
	}
	return count, bytes, nil
}
