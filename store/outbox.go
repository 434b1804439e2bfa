package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/SakenW/TH-Suite-sub005/content"
	"github.com/SakenW/TH-Suite-sub005/delta"
	"github.com/SakenW/TH-Suite-sub005/errors"
)

// Outbox item states. A rejected item was refused by the hub and is not
// sent again.
const (
	OutboxPending   = "pending"
	OutboxSubmitted = "submitted"
	OutboxRejected  = "rejected"
)

// OutboxItem is a local edit waiting for the hub to commit it.
type OutboxItem struct {
	ClientID    string      `json:"client_id"`
	Seq         int64       `json:"seq"`
	EntryUID    string      `json:"entry_uid"`
	Delta       delta.Delta `json:"delta"`
	BaseHash    string      `json:"base_hash,omitempty"`
	State       string      `json:"state"`
	Reason      string      `json:"reason,omitempty"`
	PayloadCID  string      `json:"payload_cid,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	SubmittedAt *time.Time  `json:"submitted_at,omitempty"`
}

// AppendOutbox queues d for clientID with the next sequence number.
func (s *Store) AppendOutbox(ctx context.Context, q Querier, clientID string, d delta.Delta) (*OutboxItem, error) {
	if q == nil {
		q = s.db
	}
	if clientID == "" {
		return nil, errors.NewInvalidRequestError("outbox: client id is required")
	}
	if err := d.Validate(); err != nil {
		return nil, errors.Mark(err, errors.ErrInvalidRequest)
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, errors.Wrap(err, "encode outbox delta")
	}
	item := &OutboxItem{
		ClientID:  clientID,
		EntryUID:  d.EntryUID,
		Delta:     d,
		BaseHash:  d.BaseHash,
		State:     OutboxPending,
		CreatedAt: s.now(),
	}
	// a single statement, so concurrent appends cannot pick the same seq
	err = q.QueryRowContext(ctx, `
		INSERT INTO outbox (client_id, seq, entry_uid, delta, base_hash, state, created_at)
		SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ?, ?
		FROM outbox WHERE client_id = ?
		RETURNING seq`,
		clientID, d.EntryUID, string(raw), d.BaseHash, OutboxPending, item.CreatedAt, clientID,
	).Scan(&item.Seq)
	if err != nil {
		return nil, errors.Wrapf(err, "append outbox for %s", clientID)
	}
	return item, nil
}

// ListOutbox returns up to limit items of clientID in FIFO order, rejected
// ones included. A limit of zero returns everything.
func (s *Store) ListOutbox(ctx context.Context, clientID string, limit int) ([]*OutboxItem, error) {
	return s.listOutbox(ctx, clientID, limit, false)
}

// ListPushable is ListOutbox without the rejected items.
func (s *Store) ListPushable(ctx context.Context, clientID string, limit int) ([]*OutboxItem, error) {
	return s.listOutbox(ctx, clientID, limit, true)
}

func (s *Store) listOutbox(ctx context.Context, clientID string, limit int, pushable bool) ([]*OutboxItem, error) {
	query := `
		SELECT client_id, seq, entry_uid, delta, base_hash, state, reason, payload_cid, created_at, submitted_at
		FROM outbox WHERE client_id = ?`
	args := []any{clientID}
	if pushable {
		query += ` AND state <> ?`
		args = append(args, OutboxRejected)
	}
	query += ` ORDER BY seq`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list outbox")
	}
	defer rows.Close()

	var out []*OutboxItem
	for rows.Next() {
		var (
			item        OutboxItem
			raw         string
			payloadCID  sql.NullString
			submittedAt sql.NullTime
		)
		if err := rows.Scan(&item.ClientID, &item.Seq, &item.EntryUID, &raw, &item.BaseHash,
			&item.State, &item.Reason, &payloadCID, &item.CreatedAt, &submittedAt); err != nil {
			return nil, errors.Wrap(err, "scan outbox item")
		}
		if err := json.Unmarshal([]byte(raw), &item.Delta); err != nil {
			return nil, errors.Wrapf(err, "outbox %s/%d: decode delta", clientID, item.Seq)
		}
		item.PayloadCID = payloadCID.String
		item.CreatedAt = item.CreatedAt.UTC()
		if submittedAt.Valid {
			t := submittedAt.Time.UTC()
			item.SubmittedAt = &t
		}
		out = append(out, &item)
	}
	return out, errors.Wrap(rows.Err(), "iterate outbox")
}

// MarkSubmitted records that seqs were sent in the payload payloadCID.
func (s *Store) MarkSubmitted(ctx context.Context, clientID string, seqs []int64, payloadCID content.ID) error {
	if len(seqs) == 0 {
		return nil
	}
	args := []any{OutboxSubmitted, payloadCID, s.now(), clientID}
	for _, seq := range seqs {
		args = append(args, seq)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET state = ?, payload_cid = ?, submitted_at = ?
		WHERE client_id = ? AND seq IN (`+placeholders(len(seqs))+`)`, args...)
	if err != nil {
		return errors.Wrapf(err, "mark outbox submitted for %s", clientID)
	}
	return nil
}

// DeleteOutbox removes exactly the given items, after the hub confirmed
// their commit.
func (s *Store) DeleteOutbox(ctx context.Context, clientID string, seqs []int64) (int64, error) {
	if len(seqs) == 0 {
		return 0, nil
	}
	args := []any{clientID}
	for _, seq := range seqs {
		args = append(args, seq)
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM outbox WHERE client_id = ? AND seq IN (`+placeholders(len(seqs))+`)`, args...)
	if err != nil {
		return 0, errors.Wrapf(err, "delete outbox for %s", clientID)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// OutboxCounts tallies the outbox of one client by state.
type OutboxCounts struct {
	Pending   int64 `json:"pending"`
	Submitted int64 `json:"submitted"`
	Rejected  int64 `json:"rejected"`
}

// CountOutbox returns the item counts of clientID.
func (s *Store) CountOutbox(ctx context.Context, clientID string) (OutboxCounts, error) {
	var c OutboxCounts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN state = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = ? THEN 1 ELSE 0 END), 0)
		FROM outbox WHERE client_id = ?`,
		OutboxPending, OutboxSubmitted, OutboxRejected, clientID,
	).Scan(&c.Pending, &c.Submitted, &c.Rejected)
	if err != nil {
		return OutboxCounts{}, errors.Wrapf(err, "count outbox for %s", clientID)
	}
	return c, nil
}

// MarkRejected parks the items in reasons, keyed by seq, with the reason
// the hub gave.
func (s *Store) MarkRejected(ctx context.Context, clientID string, reasons map[int64]string) error {
	if len(reasons) == 0 {
		return nil
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		for seq, reason := range reasons {
			_, err := tx.ExecContext(ctx, `
				UPDATE outbox SET state = ?, reason = ?
				WHERE client_id = ? AND seq = ?`,
				OutboxRejected, reason, clientID, seq)
			if err != nil {
				return errors.Wrapf(err, "mark outbox %s/%d rejected", clientID, seq)
			}
		}
		return nil
	})
}

// PurgeRejected drops the rejected items of clientID.
func (s *Store) PurgeRejected(ctx context.Context, clientID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM outbox WHERE client_id = ? AND state = ?`, clientID, OutboxRejected)
	if err != nil {
		return 0, errors.Wrapf(err, "purge rejected outbox for %s", clientID)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ResetStaleSubmitted returns items submitted before cutoff to pending.
// Their commit was never confirmed; the next sync resends them and the
// hub's replay check makes that safe.
func (s *Store) ResetStaleSubmitted(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET state = ?, payload_cid = NULL, submitted_at = NULL
		WHERE state = ? AND submitted_at < ?`,
		OutboxPending, OutboxSubmitted, cutoff.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "reset stale outbox items")
	}
	n, _ := res.RowsAffected()
	return n, nil
}
