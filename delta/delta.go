// Package delta encodes translation-entry changes into content-addressed
// payloads.
package delta

import (
	"time"

	"github.com/SakenW/TH-Suite-sub005/content"
	"github.com/SakenW/TH-Suite-sub005/errors"
	"github.com/SakenW/TH-Suite-sub005/types"
)

// Op is the kind of change a delta carries.
type Op string

const (
	OpAdd    Op = "add"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Valid reports whether op is known.
func (op Op) Valid() bool {
	return op == OpAdd || op == OpUpdate || op == OpDelete
}

// Delta is one entry change with its post-operation values.
// A delete carries identity only.
type Delta struct {
	Op              Op             `json:"op"`
	EntryUID        string         `json:"entry_uid"`
	UIDAKeysB64     string         `json:"uida_keys_b64,omitempty"`
	UIDAHash        string         `json:"uida_hash,omitempty"`
	Key             string         `json:"key,omitempty"`
	SrcText         string         `json:"src_text,omitempty"`
	DstText         string         `json:"dst_text,omitempty"`
	Status          types.Status   `json:"status,omitempty"`
	LanguageFileUID string         `json:"language_file_uid,omitempty"`
	UpdatedAt       string         `json:"updated_at,omitempty"`
	QAFlags         *types.QAFlags `json:"qa_flags,omitempty"`
	BaseHash        string         `json:"base_hash,omitempty"`
}

// Serialize builds the delta for applying op to e. base is the content hash
// of the version e was edited from; the zero ID means no base.
func Serialize(e *types.Entry, op Op, base content.ID) Delta {
	d := Delta{
		Op:          op,
		EntryUID:    e.UID,
		UIDAKeysB64: e.UIDAKeysB64,
		UIDAHash:    e.UIDAHash,
	}
	if !base.IsZero() {
		d.BaseHash = base.String()
	}
	if op == OpDelete {
		return d
	}

	d.Key = e.Key
	d.SrcText = e.SrcText
	d.DstText = e.DstText
	d.Status = e.Status
	d.LanguageFileUID = e.LanguageFileUID
	if !e.UpdatedAt.IsZero() {
		d.UpdatedAt = e.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	if !e.QAFlags.IsZero() {
		q := e.QAFlags.Clone()
		d.QAFlags = &q
	}
	return d
}

// Deserialize rebuilds the entry a delta describes. For a delete only the
// identity fields are set.
func Deserialize(d Delta) (*types.Entry, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	e := &types.Entry{
		UID:         d.EntryUID,
		UIDAKeysB64: d.UIDAKeysB64,
		UIDAHash:    d.UIDAHash,
	}
	if d.Op == OpDelete {
		return e, nil
	}

	e.Key = d.Key
	e.SrcText = d.SrcText
	e.DstText = d.DstText
	e.Status = d.Status
	if e.Status == "" {
		e.Status = types.StatusUntranslated
	}
	e.LanguageFileUID = d.LanguageFileUID
	if d.UpdatedAt != "" {
		// format already checked by Validate
		e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, d.UpdatedAt)
	}
	if d.QAFlags != nil {
		e.QAFlags = d.QAFlags.Clone()
	}
	return e, nil
}

// Base returns the parsed base hash, or false when the delta has none.
func (d Delta) Base() (content.ID, bool) {
	if d.BaseHash == "" {
		return content.ID{}, false
	}
	id, err := content.Parse(d.BaseHash)
	if err != nil {
		return content.ID{}, false
	}
	return id, true
}

// Validate checks that a delta is well formed. Errors are marked
// ErrMalformedPayload.
func (d Delta) Validate() error {
	if !d.Op.Valid() {
		return malformed("delta %q: unknown op %q", d.EntryUID, d.Op)
	}
	if d.EntryUID == "" {
		return malformed("delta has no entry uid")
	}
	if d.Op != OpDelete && d.Key == "" {
		return malformed("delta %s: %s without key", d.EntryUID, d.Op)
	}
	if d.Status != "" && !d.Status.Valid() {
		return malformed("delta %s: unknown status %q", d.EntryUID, d.Status)
	}
	if d.BaseHash != "" {
		if _, err := content.Parse(d.BaseHash); err != nil {
			return errors.Mark(errors.Wrapf(err, "delta %s: bad base hash", d.EntryUID), errors.ErrMalformedPayload)
		}
	}
	if d.UpdatedAt != "" {
		if _, err := time.Parse(time.RFC3339Nano, d.UpdatedAt); err != nil {
			return errors.Mark(errors.Wrapf(err, "delta %s: bad updated_at", d.EntryUID), errors.ErrMalformedPayload)
		}
	}
	return nil
}

func malformed(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), errors.ErrMalformedPayload)
}
