// Package types defines the translation entry model shared by the codec,
// the merge engine, the stores and the sync protocol.
package types

import (
	"time"

	"github.com/SakenW/TH-Suite-sub005/content"
	"github.com/SakenW/TH-Suite-sub005/errors"
)

// Status is the review state of a translation entry.
type Status string

const (
	StatusUntranslated Status = "untranslated"
	StatusInProgress   Status = "in_progress"
	StatusTranslated   Status = "translated"
	StatusNeedsReview  Status = "needs_review"
	StatusApproved     Status = "approved"
	StatusRejected     Status = "rejected"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusUntranslated, StatusInProgress, StatusTranslated,
		StatusNeedsReview, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// ParseStatus validates a status string. Empty means untranslated.
func ParseStatus(s string) (Status, error) {
	if s == "" {
		return StatusUntranslated, nil
	}
	st := Status(s)
	if !st.Valid() {
		return "", errors.NewInvalidRequestError("unknown entry status %q", s)
	}
	return st, nil
}

// Entry is a single localization record.
type Entry struct {
	UID             string    `json:"uid"`
	UIDAKeysB64     string    `json:"uida_keys_b64,omitempty"`
	UIDAHash        string    `json:"uida_hash,omitempty"`
	Key             string    `json:"key"`
	SrcText         string    `json:"src_text"`
	DstText         string    `json:"dst_text"`
	Status          Status    `json:"status"`
	LanguageFileUID string    `json:"language_file_uid,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
	QAFlags         QAFlags   `json:"qa_flags"`
}

// ContentHash digests the merge-relevant fields. It names an entry version:
// deltas carry it as their base, and the revision table is keyed by it.
// UpdatedAt and QA flags are excluded; they do not change what was translated.
func (e *Entry) ContentHash() content.ID {
	var buf []byte
	for _, f := range MergeFields {
		// domain separators keep "a"+"bc" distinct from "ab"+"c"
		buf = append(buf, f...)
		buf = append(buf, ':')
		buf = append(buf, e.Get(f)...)
		buf = append(buf, 0)
	}
	return content.Sum(buf)
}

// Clone returns a deep copy.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	c.QAFlags = e.QAFlags.Clone()
	return &c
}

// Get returns the value of a merge field.
func (e *Entry) Get(f Field) string {
	switch f {
	case FieldKey:
		return e.Key
	case FieldSrcText:
		return e.SrcText
	case FieldDstText:
		return e.DstText
	case FieldStatus:
		return string(e.Status)
	case FieldLanguageFile:
		return e.LanguageFileUID
	}
	return ""
}

// Set assigns a merge field.
func (e *Entry) Set(f Field, v string) {
	switch f {
	case FieldKey:
		e.Key = v
	case FieldSrcText:
		e.SrcText = v
	case FieldDstText:
		e.DstText = v
	case FieldStatus:
		e.Status = Status(v)
	case FieldLanguageFile:
		e.LanguageFileUID = v
	}
}

// SameContent reports whether a and b agree on every merge field.
// Two nil entries are equal; nil never equals non-nil.
func SameContent(a, b *Entry) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	for _, f := range MergeFields {
		if a.Get(f) != b.Get(f) {
			return false
		}
	}
	return true
}

// Validate checks the fields every stored entry needs.
func (e *Entry) Validate() error {
	if e.UID == "" {
		return errors.NewInvalidRequestError("entry uid is required")
	}
	if e.Key == "" {
		return errors.NewInvalidRequestError("entry %s: key is required", e.UID)
	}
	if !e.Status.Valid() {
		return errors.NewInvalidRequestError("entry %s: unknown status %q", e.UID, e.Status)
	}
	return nil
}
