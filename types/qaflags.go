package types

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/SakenW/TH-Suite-sub005/errors"
)

// QAFlags is the quality-assurance metadata attached to an entry.
// Known members are typed; anything else survives in Extra.
type QAFlags struct {
	PlaceholdersMissing []string        `json:"placeholders_missing,omitempty"`
	LengthRatio         *float64        `json:"length_ratio,omitempty"`
	Terminology         []string        `json:"terminology,omitempty"`
	MergeConflict       *ConflictMarker `json:"merge_conflict,omitempty"`
	OverrideChain       []OverrideTrace `json:"override_chain,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// ConflictMarker records an unresolved merge conflict. The local values stay
// live on the entry; the remote side is kept here for a reviewer.
type ConflictMarker struct {
	Fields        []string          `json:"fields"`
	Remote        map[string]string `json:"remote,omitempty"`
	RemoteDeleted bool              `json:"remote_deleted,omitempty"`
	LocalDeleted  bool              `json:"local_deleted,omitempty"`
	SessionID     string            `json:"session_id,omitempty"`
	PayloadCID    string            `json:"payload_cid,omitempty"`
	DetectedAt    time.Time         `json:"detected_at"`
}

// OverrideTrace records which override source supplied which fields.
type OverrideTrace struct {
	Source   string   `json:"source"`
	SourceID string   `json:"source_id,omitempty"`
	Priority int      `json:"priority"`
	Fields   []string `json:"fields,omitempty"`
}

const qaFlagsSchemaJSON = `{
  "type": "object",
  "properties": {
    "placeholders_missing": {"type": "array", "items": {"type": "string"}},
    "length_ratio": {"type": "number", "minimum": 0},
    "terminology": {"type": "array", "items": {"type": "string"}},
    "merge_conflict": {
      "type": "object",
      "required": ["fields"],
      "properties": {
        "fields": {"type": "array", "items": {"type": "string"}},
        "remote": {"type": "object", "additionalProperties": {"type": "string"}},
        "remote_deleted": {"type": "boolean"},
        "local_deleted": {"type": "boolean"},
        "session_id": {"type": "string"},
        "payload_cid": {"type": "string"},
        "detected_at": {"type": "string"}
      }
    },
    "override_chain": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["source", "priority"],
        "properties": {
          "source": {"type": "string"},
          "source_id": {"type": "string"},
          "priority": {"type": "integer"},
          "fields": {"type": "array", "items": {"type": "string"}}
        }
      }
    }
  }
}`

var qaFlagsSchema = jsonschema.MustCompileString("qa_flags.schema.json", qaFlagsSchemaJSON)

// knownQAKeys are the JSON names of the typed members.
var knownQAKeys = map[string]bool{
	"placeholders_missing": true,
	"length_ratio":         true,
	"terminology":          true,
	"merge_conflict":       true,
	"override_chain":       true,
}

// IsZero reports whether no flag is set.
func (q QAFlags) IsZero() bool {
	return len(q.PlaceholdersMissing) == 0 && q.LengthRatio == nil &&
		len(q.Terminology) == 0 && q.MergeConflict == nil &&
		len(q.OverrideChain) == 0 && len(q.Extra) == 0
}

// Clone returns a deep copy.
func (q QAFlags) Clone() QAFlags {
	c := QAFlags{
		PlaceholdersMissing: append([]string(nil), q.PlaceholdersMissing...),
		Terminology:         append([]string(nil), q.Terminology...),
	}
	if q.LengthRatio != nil {
		r := *q.LengthRatio
		c.LengthRatio = &r
	}
	if q.MergeConflict != nil {
		m := *q.MergeConflict
		m.Fields = append([]string(nil), m.Fields...)
		if q.MergeConflict.Remote != nil {
			m.Remote = make(map[string]string, len(q.MergeConflict.Remote))
			for k, v := range q.MergeConflict.Remote {
				m.Remote[k] = v
			}
		}
		c.MergeConflict = &m
	}
	for _, t := range q.OverrideChain {
		t.Fields = append([]string(nil), t.Fields...)
		c.OverrideChain = append(c.OverrideChain, t)
	}
	if q.Extra != nil {
		c.Extra = make(map[string]json.RawMessage, len(q.Extra))
		for k, v := range q.Extra {
			c.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return c
}

// MarshalJSON writes the typed members and Extra as one object.
// Typed members win over Extra keys of the same name.
func (q QAFlags) MarshalJSON() ([]byte, error) {
	type plain QAFlags
	raw, err := json.Marshal(plain(q))
	if err != nil {
		return nil, err
	}
	if len(q.Extra) == 0 {
		return raw, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(raw, &merged); err != nil {
		return nil, err
	}
	for k, v := range q.Extra {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON validates against the QA flags schema, then splits the
// object into typed members and Extra.
func (q *QAFlags) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*q = QAFlags{}
		return nil
	}
	if err := ValidateQAFlags(trimmed); err != nil {
		return err
	}

	type plain QAFlags
	var p plain
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return errors.Mark(errors.Wrap(err, "qa_flags"), errors.ErrInvalidRequest)
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &all); err != nil {
		return errors.Mark(errors.Wrap(err, "qa_flags"), errors.ErrInvalidRequest)
	}
	for k, v := range all {
		if knownQAKeys[k] {
			continue
		}
		if p.Extra == nil {
			p.Extra = make(map[string]json.RawMessage)
		}
		p.Extra[k] = v
	}
	*q = QAFlags(p)
	return nil
}

// ValidateQAFlags checks raw JSON against the QA flags schema.
func ValidateQAFlags(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return errors.Mark(errors.Wrap(err, "qa_flags: invalid json"), errors.ErrInvalidRequest)
	}
	if err := qaFlagsSchema.Validate(v); err != nil {
		return errors.Mark(errors.Wrap(err, "qa_flags: schema violation"), errors.ErrInvalidRequest)
	}
	return nil
}
