package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/SakenW/TH-Suite-sub005/content"
	"github.com/SakenW/TH-Suite-sub005/db"
	"github.com/SakenW/TH-Suite-sub005/errors"
	"github.com/SakenW/TH-Suite-sub005/types"
)

// ErrStaleRevision is returned by guarded writes when the row changed since
// it was read. It is marked ErrConflict.
var ErrStaleRevision = errors.Mark(errors.New("entry revision changed since read"), errors.ErrConflict)

// EntryRecord is a stored entry plus its sync bookkeeping.
type EntryRecord struct {
	Entry          *types.Entry
	ContentHash    content.ID
	Revision       int64
	Locked         types.FieldSet
	LastPayloadCID string
	LastSessionID  string
}

// EntryWrite is one entry row to insert or update.
type EntryWrite struct {
	Entry *types.Entry
	// Locked replaces the lock set when non-nil.
	Locked     types.FieldSet
	PayloadCID string
	SessionID  string
}

// Expected is the row version a guarded write was planned against. The
// revision restarts at 1 when an entry is deleted and inserted again, so
// the content hash is compared too.
type Expected struct {
	Revision int64
	Hash     content.ID
}

// ExpectedOf returns the version rec holds.
func ExpectedOf(rec *EntryRecord) Expected {
	return Expected{Revision: rec.Revision, Hash: rec.ContentHash}
}

// EntryFilter narrows ListEntries.
type EntryFilter struct {
	Status          types.Status
	LanguageFileUID string
	Conflicted      bool
	Limit           int
}

const entryColumns = `uid, uida_keys_b64, uida_hash, key, src_text, dst_text, status,
	language_file_uid, updated_at, qa_flags, content_hash, revision, locked_fields,
	last_payload_cid, last_session_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*EntryRecord, error) {
	var (
		e           types.Entry
		rec         EntryRecord
		status      string
		qaFlags     string
		lockedJSON  string
		payloadCID  sql.NullString
		sessionID   sql.NullString
		contentHash content.ID
	)
	err := row.Scan(
		&e.UID, &e.UIDAKeysB64, &e.UIDAHash, &e.Key, &e.SrcText, &e.DstText, &status,
		&e.LanguageFileUID, &e.UpdatedAt, &qaFlags, &contentHash, &rec.Revision, &lockedJSON,
		&payloadCID, &sessionID,
	)
	if err != nil {
		return nil, err
	}
	e.Status = types.Status(status)
	e.UpdatedAt = e.UpdatedAt.UTC()
	if err := json.Unmarshal([]byte(qaFlags), &e.QAFlags); err != nil {
		return nil, errors.Wrapf(err, "entry %s: qa_flags", e.UID)
	}
	if err := json.Unmarshal([]byte(lockedJSON), &rec.Locked); err != nil {
		return nil, errors.Wrapf(err, "entry %s: locked_fields", e.UID)
	}
	rec.Entry = &e
	rec.ContentHash = contentHash
	rec.LastPayloadCID = payloadCID.String
	rec.LastSessionID = sessionID.String
	return &rec, nil
}

// GetEntry loads one entry. A missing entry is ErrNotFound.
func (s *Store) GetEntry(ctx context.Context, q Querier, uid string) (*EntryRecord, error) {
	if q == nil {
		q = s.db
	}
	row := q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM translation_entries WHERE uid = ?`, uid)
	rec, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("entry %s not found", uid)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load entry %s", uid)
	}
	return rec, nil
}

// ListEntries returns entries ordered by key.
func (s *Store) ListEntries(ctx context.Context, f EntryFilter) ([]*EntryRecord, error) {
	query := `SELECT ` + entryColumns + ` FROM translation_entries WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.LanguageFileUID != "" {
		query += ` AND language_file_uid = ?`
		args = append(args, f.LanguageFileUID)
	}
	if f.Conflicted {
		query += ` AND json_extract(qa_flags, '$.merge_conflict') IS NOT NULL`
	}
	query += ` ORDER BY key, uid`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list entries")
	}
	defer rows.Close()

	var out []*EntryRecord
	for rows.Next() {
		rec, err := scanEntry(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan entry")
		}
		out = append(out, rec)
	}
	return out, errors.Wrap(rows.Err(), "iterate entries")
}

func entryArgs(w EntryWrite) (qaFlags string, locked sql.NullString, err error) {
	flags, err := json.Marshal(w.Entry.QAFlags)
	if err != nil {
		return "", locked, errors.Wrapf(err, "entry %s: encode qa_flags", w.Entry.UID)
	}
	if w.Locked != nil {
		b, err := json.Marshal(w.Locked)
		if err != nil {
			return "", locked, errors.Wrapf(err, "entry %s: encode locks", w.Entry.UID)
		}
		locked = sql.NullString{String: string(b), Valid: true}
	}
	return string(flags), locked, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// InsertEntry creates a new entry row and its revision. If the uid already
// exists the insert lost a race and ErrStaleRevision is returned.
func (s *Store) InsertEntry(ctx context.Context, q Querier, w EntryWrite) error {
	if q == nil {
		q = s.db
	}
	e := w.Entry
	if err := e.Validate(); err != nil {
		return err
	}
	flags, locked, err := entryArgs(w)
	if err != nil {
		return err
	}
	if !locked.Valid {
		locked = sql.NullString{String: "[]", Valid: true}
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO translation_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)`,
		e.UID, e.UIDAKeysB64, e.UIDAHash, e.Key, e.SrcText, e.DstText, string(e.Status),
		e.LanguageFileUID, e.UpdatedAt.UTC(), flags, e.ContentHash(), locked.String,
		nullString(w.PayloadCID), nullString(w.SessionID),
	)
	if db.IsUniqueViolation(err) {
		return errors.Wrapf(ErrStaleRevision, "entry %s inserted concurrently", e.UID)
	}
	if err != nil {
		return errors.Wrapf(err, "insert entry %s", e.UID)
	}
	return s.PutRevision(ctx, q, e)
}

// UpdateEntry overwrites an entry if it still holds the expected version,
// bumping the revision. Otherwise it returns ErrStaleRevision.
func (s *Store) UpdateEntry(ctx context.Context, q Querier, w EntryWrite, expected Expected) error {
	if q == nil {
		q = s.db
	}
	e := w.Entry
	if err := e.Validate(); err != nil {
		return err
	}
	flags, locked, err := entryArgs(w)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, `
		UPDATE translation_entries SET
			uida_keys_b64 = ?, uida_hash = ?, key = ?, src_text = ?, dst_text = ?, status = ?,
			language_file_uid = ?, updated_at = ?, qa_flags = ?, content_hash = ?,
			revision = revision + 1,
			locked_fields = COALESCE(?, locked_fields),
			last_payload_cid = COALESCE(?, last_payload_cid),
			last_session_id = COALESCE(?, last_session_id)
		WHERE uid = ? AND revision = ? AND content_hash = ?`,
		e.UIDAKeysB64, e.UIDAHash, e.Key, e.SrcText, e.DstText, string(e.Status),
		e.LanguageFileUID, e.UpdatedAt.UTC(), flags, e.ContentHash(),
		locked, nullString(w.PayloadCID), nullString(w.SessionID),
		e.UID, expected.Revision, expected.Hash,
	)
	if err != nil {
		return errors.Wrapf(err, "update entry %s", e.UID)
	}
	if err := expectOneRow(res, e.UID); err != nil {
		return err
	}
	return s.PutRevision(ctx, q, e)
}

// DeleteEntry removes an entry if it still holds the expected version.
// Revisions are kept as merge bases.
func (s *Store) DeleteEntry(ctx context.Context, q Querier, uid string, expected Expected) error {
	if q == nil {
		q = s.db
	}
	res, err := q.ExecContext(ctx,
		`DELETE FROM translation_entries WHERE uid = ? AND revision = ? AND content_hash = ?`,
		uid, expected.Revision, expected.Hash)
	if err != nil {
		return errors.Wrapf(err, "delete entry %s", uid)
	}
	return expectOneRow(res, uid)
}

func expectOneRow(res sql.Result, uid string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "entry %s: rows affected", uid)
	}
	if n != 1 {
		return errors.Wrapf(ErrStaleRevision, "entry %s", uid)
	}
	return nil
}

// SaveEntry writes a local edit unconditionally, inserting or bumping the
// revision. Existing locks and sync references are preserved.
func (s *Store) SaveEntry(ctx context.Context, q Querier, e *types.Entry) (*EntryRecord, error) {
	if q == nil {
		q = s.db
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	flags, _, err := entryArgs(EntryWrite{Entry: e})
	if err != nil {
		return nil, err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO translation_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, '[]', NULL, NULL)
		ON CONFLICT(uid) DO UPDATE SET
			uida_keys_b64 = excluded.uida_keys_b64,
			uida_hash = excluded.uida_hash,
			key = excluded.key,
			src_text = excluded.src_text,
			dst_text = excluded.dst_text,
			status = excluded.status,
			language_file_uid = excluded.language_file_uid,
			updated_at = excluded.updated_at,
			qa_flags = excluded.qa_flags,
			content_hash = excluded.content_hash,
			revision = translation_entries.revision + 1`,
		e.UID, e.UIDAKeysB64, e.UIDAHash, e.Key, e.SrcText, e.DstText, string(e.Status),
		e.LanguageFileUID, e.UpdatedAt.UTC(), flags, e.ContentHash(),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "save entry %s", e.UID)
	}
	if err := s.PutRevision(ctx, q, e); err != nil {
		return nil, err
	}
	return s.GetEntry(ctx, q, e.UID)
}

// SetLocks replaces the lock set of an entry.
func (s *Store) SetLocks(ctx context.Context, q Querier, uid string, locked types.FieldSet) error {
	if q == nil {
		q = s.db
	}
	if locked == nil {
		locked = types.FieldSet{}
	}
	b, err := json.Marshal(locked)
	if err != nil {
		return errors.Wrap(err, "encode locks")
	}
	res, err := q.ExecContext(ctx, `UPDATE translation_entries SET locked_fields = ? WHERE uid = ?`, string(b), uid)
	if err != nil {
		return errors.Wrapf(err, "lock entry %s", uid)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("entry %s not found", uid)
	}
	return nil
}

// PutRevision records e's current content as a revision. Existing
// revisions are left alone.
func (s *Store) PutRevision(ctx context.Context, q Querier, e *types.Entry) error {
	if q == nil {
		q = s.db
	}
	snapshot, err := json.Marshal(e)
	if err != nil {
		return errors.Wrapf(err, "entry %s: encode revision", e.UID)
	}
	_, err = q.ExecContext(ctx, `
		INSERT OR IGNORE INTO entry_revisions (uid, content_hash, snapshot, created_at)
		VALUES (?, ?, ?, ?)`,
		e.UID, e.ContentHash(), string(snapshot), s.now(),
	)
	if err != nil {
		return errors.Wrapf(err, "store revision of %s", e.UID)
	}
	return nil
}

// GetRevision loads the version of uid whose content hash is hash.
func (s *Store) GetRevision(ctx context.Context, q Querier, uid string, hash content.ID) (*types.Entry, error) {
	if q == nil {
		q = s.db
	}
	var snapshot string
	err := q.QueryRowContext(ctx,
		`SELECT snapshot FROM entry_revisions WHERE uid = ? AND content_hash = ?`, uid, hash,
	).Scan(&snapshot)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("revision %s of %s not found", hash, uid)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load revision %s of %s", hash, uid)
	}
	var e types.Entry
	if err := json.Unmarshal([]byte(snapshot), &e); err != nil {
		return nil, errors.Wrapf(err, "decode revision %s of %s", hash, uid)
	}
	return &e, nil
}

// PurgeRevisions drops revisions older than before that no longer match a
// live entry.
func (s *Store) PurgeRevisions(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM entry_revisions
		WHERE created_at < ?
		  AND NOT EXISTS (
			SELECT 1 FROM translation_entries t
			WHERE t.uid = entry_revisions.uid AND t.content_hash = entry_revisions.content_hash
		  )`, before.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "purge revisions")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountEntries returns the number of stored entries.
func (s *Store) CountEntries(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM translation_entries`).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count entries")
	}
	return n, nil
}
