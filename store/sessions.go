package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/SakenW/TH-Suite-sub005/content"
	"github.com/SakenW/TH-Suite-sub005/db"
	"github.com/SakenW/TH-Suite-sub005/errors"
)

// ErrAlreadyApplied is returned when a payload CID was recorded by another
// commit first.
var ErrAlreadyApplied = errors.Mark(errors.New("payload already applied"), errors.ErrConflict)

// SessionStats are the per-session counters kept with the archive.
type SessionStats struct {
	HandshakeLatencyMS int64 `json:"handshake_latency_ms"`

	ChunksReceived   int64 `json:"chunks_received"`
	ChunksRejected   int64 `json:"chunks_rejected"`
	ChunksServed     int64 `json:"chunks_served"`
	ChunkBytes       int64 `json:"chunk_bytes"`
	ChunkTotalMS     int64 `json:"chunk_total_ms"`
	ChunkMaxMS       int64 `json:"chunk_max_ms"`
	ObjectsCompleted int64 `json:"objects_completed"`

	PayloadsCommitted int64 `json:"payloads_committed"`
	PayloadsReplayed  int64 `json:"payloads_replayed"`
	PayloadsRejected  int64 `json:"payloads_rejected"`

	MergesClean      int64 `json:"merges_clean"`
	MergesConflicted int64 `json:"merges_conflicted"`
	EntryErrors      int64 `json:"entry_errors"`
}

// SessionRecord is an archived sync session row.
type SessionRecord struct {
	ID              string       `json:"id"`
	ClientID        string       `json:"client_id"`
	Status          string       `json:"status"`
	ProtocolVersion string       `json:"protocol_version"`
	ChunkSize       int          `json:"chunk_size"`
	Capabilities    []string     `json:"capabilities"`
	Stats           SessionStats `json:"stats"`
	Error           string       `json:"error,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	ExpiresAt       time.Time    `json:"expires_at"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty"`
}

// SessionFilter narrows ListSessions.
type SessionFilter struct {
	ClientID string
	Statuses []string
	Limit    int
}

const sessionColumns = `id, client_id, status, protocol_version, chunk_size, capabilities,
	stats, error, created_at, expires_at, completed_at`

func scanSession(row rowScanner) (*SessionRecord, error) {
	var (
		rec          SessionRecord
		capabilities string
		stats        string
		completedAt  sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.ClientID, &rec.Status, &rec.ProtocolVersion, &rec.ChunkSize,
		&capabilities, &stats, &rec.Error, &rec.CreatedAt, &rec.ExpiresAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(capabilities), &rec.Capabilities); err != nil {
		return nil, errors.Wrapf(err, "session %s: capabilities", rec.ID)
	}
	if err := json.Unmarshal([]byte(stats), &rec.Stats); err != nil {
		return nil, errors.Wrapf(err, "session %s: stats", rec.ID)
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.ExpiresAt = rec.ExpiresAt.UTC()
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		rec.CompletedAt = &t
	}
	return &rec, nil
}

func sessionArgs(rec *SessionRecord) (capabilities, stats string, completed sql.NullTime, err error) {
	caps := rec.Capabilities
	if caps == nil {
		caps = []string{}
	}
	b, err := json.Marshal(caps)
	if err != nil {
		return "", "", completed, errors.Wrap(err, "encode capabilities")
	}
	st, err := json.Marshal(rec.Stats)
	if err != nil {
		return "", "", completed, errors.Wrap(err, "encode stats")
	}
	if rec.CompletedAt != nil {
		completed = sql.NullTime{Time: rec.CompletedAt.UTC(), Valid: true}
	}
	return string(b), string(st), completed, nil
}

// CreateSession archives a new session. A duplicate id is ErrConflict.
func (s *Store) CreateSession(ctx context.Context, rec *SessionRecord) error {
	caps, stats, completed, err := sessionArgs(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ClientID, rec.Status, rec.ProtocolVersion, rec.ChunkSize, caps, stats,
		rec.Error, rec.CreatedAt.UTC(), rec.ExpiresAt.UTC(), completed,
	)
	if db.IsUniqueViolation(err) {
		return errors.Mark(errors.Newf("session %s already exists", rec.ID), errors.ErrConflict)
	}
	if err != nil {
		return errors.Wrapf(err, "create session %s", rec.ID)
	}
	return nil
}

// UpdateSession writes the mutable columns of rec.
func (s *Store) UpdateSession(ctx context.Context, rec *SessionRecord) error {
	caps, stats, completed, err := sessionArgs(rec)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_sessions SET
			status = ?, protocol_version = ?, chunk_size = ?, capabilities = ?, stats = ?,
			error = ?, expires_at = ?, completed_at = ?
		WHERE id = ?`,
		rec.Status, rec.ProtocolVersion, rec.ChunkSize, caps, stats,
		rec.Error, rec.ExpiresAt.UTC(), completed, rec.ID,
	)
	if err != nil {
		return errors.Wrapf(err, "update session %s", rec.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("session %s not found", rec.ID)
	}
	return nil
}

// GetSession loads an archived session.
func (s *Store) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sync_sessions WHERE id = ?`, id)
	rec, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("session %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load session %s", id)
	}
	return rec, nil
}

// ListSessions returns sessions newest first.
func (s *Store) ListSessions(ctx context.Context, f SessionFilter) ([]*SessionRecord, error) {
	query := `SELECT ` + sessionColumns + ` FROM sync_sessions WHERE 1=1`
	var args []any
	if f.ClientID != "" {
		query += ` AND client_id = ?`
		args = append(args, f.ClientID)
	}
	if len(f.Statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(f.Statuses)) + `)`
		for _, st := range f.Statuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY created_at DESC, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list sessions")
	}
	defer rows.Close()

	var out []*SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan session")
		}
		out = append(out, rec)
	}
	return out, errors.Wrap(rows.Err(), "iterate sessions")
}

// MarkExpired moves every session in one of the given live statuses whose
// expiry is before now to expired. It catches sessions orphaned by a restart.
func (s *Store) MarkExpired(ctx context.Context, now time.Time, live []string, expired string) (int64, error) {
	if len(live) == 0 {
		return 0, nil
	}
	args := []any{expired, now.UTC()}
	for _, st := range live {
		args = append(args, st)
	}
	args = append(args, now.UTC())
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_sessions SET status = ?, completed_at = ?
		WHERE status IN (`+placeholders(len(live))+`) AND expires_at < ?`, args...)
	if err != nil {
		return 0, errors.Wrap(err, "expire sessions")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PurgeSessions deletes sessions in a terminal status that finished before
// cutoff.
func (s *Store) PurgeSessions(ctx context.Context, cutoff time.Time, terminal []string) (int64, error) {
	if len(terminal) == 0 {
		return 0, nil
	}
	var args []any
	for _, st := range terminal {
		args = append(args, st)
	}
	args = append(args, cutoff.UTC())
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_sessions
		WHERE status IN (`+placeholders(len(terminal))+`)
		  AND COALESCE(completed_at, expires_at) < ?`, args...)
	if err != nil {
		return 0, errors.Wrap(err, "purge sessions")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// AppliedPayload records a committed payload for idempotent replay.
type AppliedPayload struct {
	PayloadCID content.ID  `json:"payload_cid"`
	SessionID  string      `json:"session_id"`
	Applied    int         `json:"applied"`
	Conflicts  int         `json:"conflicts"`
	Errors     int         `json:"errors"`
	Rejections []Rejection `json:"rejections,omitempty"`
	AppliedAt  time.Time   `json:"applied_at"`
}

// Rejection is a delta of a committed payload that the hub refused. Index
// is its position in the payload.
type Rejection struct {
	Index    int    `json:"index"`
	EntryUID string `json:"entry_uid"`
	Reason   string `json:"reason"`
}

// GetAppliedPayload looks up a committed payload. A payload never committed
// is ErrNotFound.
func (s *Store) GetAppliedPayload(ctx context.Context, q Querier, id content.ID) (*AppliedPayload, error) {
	if q == nil {
		q = s.db
	}
	var (
		ap         AppliedPayload
		rejections string
	)
	err := q.QueryRowContext(ctx, `
		SELECT payload_cid, session_id, applied, conflicts, errors, rejections, applied_at
		FROM applied_payloads WHERE payload_cid = ?`, id,
	).Scan(&ap.PayloadCID, &ap.SessionID, &ap.Applied, &ap.Conflicts, &ap.Errors, &rejections, &ap.AppliedAt)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("payload %s not applied", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load applied payload %s", id)
	}
	if err := json.Unmarshal([]byte(rejections), &ap.Rejections); err != nil {
		return nil, errors.Wrapf(err, "applied payload %s: decode rejections", id)
	}
	ap.AppliedAt = ap.AppliedAt.UTC()
	return &ap, nil
}

// RecordAppliedPayload inserts ap, normally inside the applying
// transaction. If the CID is already recorded it returns ErrAlreadyApplied.
func (s *Store) RecordAppliedPayload(ctx context.Context, q Querier, ap AppliedPayload) error {
	if q == nil {
		q = s.db
	}
	if ap.AppliedAt.IsZero() {
		ap.AppliedAt = s.now()
	}
	if ap.Rejections == nil {
		ap.Rejections = []Rejection{}
	}
	rejections, err := json.Marshal(ap.Rejections)
	if err != nil {
		return errors.Wrap(err, "encode rejections")
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO applied_payloads (payload_cid, session_id, applied, conflicts, errors, rejections, applied_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ap.PayloadCID, ap.SessionID, ap.Applied, ap.Conflicts, ap.Errors, string(rejections), ap.AppliedAt.UTC(),
	)
	if db.IsUniqueViolation(err) {
		return errors.Wrapf(ErrAlreadyApplied, "payload %s", ap.PayloadCID)
	}
	if err != nil {
		return errors.Wrapf(err, "record applied payload %s", ap.PayloadCID)
	}
	return nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, 0, 2*n-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}

// CommittedPayloads returns the CIDs of every committed payload, in commit
// order.
func (s *Store) CommittedPayloads(ctx context.Context) ([]content.ID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload_cid FROM applied_payloads ORDER BY rowid`)
	if err != nil {
		return nil, errors.Wrap(err, "list committed payloads")
	}
	defer rows.Close()

	var ids []content.ID
	for rows.Next() {
		var id content.ID
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan payload cid")
		}
		ids = append(ids, id)
	}
	return ids, errors.Wrap(rows.Err(), "iterate committed payloads")
}
