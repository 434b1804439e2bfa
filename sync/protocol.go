package sync

import (
	"encoding/json"

	"github.com/SakenW/TH-Suite-sub005/chunk"
	"github.com/SakenW/TH-Suite-sub005/content"
	"github.com/SakenW/TH-Suite-sub005/errors"
)

// Sync protocol messages exchanged between a client and a hub.
//
// Every request carries an ID and is answered by exactly one message with
// the same ID: the matching result type, or MsgError.
//
// Protocol flow:
//
//	1. handshake        → session id, missing payload CIDs, hub filter
//	2. chunk_download   → chunks of each missing payload (pull)
//	3. chunk_upload     → chunks of each outbox payload (push)
//	4. commit           → merge counts per payload
//	5. complete         → session archived
//
// status and cancel may be sent at any point.

// MsgType identifies the sync protocol message kind.
type MsgType string

const (
	MsgHandshake     MsgType = "handshake"
	MsgChunkUpload   MsgType = "chunk_upload"
	MsgChunkDownload MsgType = "chunk_download"
	MsgCommit        MsgType = "commit"
	MsgComplete      MsgType = "complete"
	MsgStatus        MsgType = "status"
	MsgCancel        MsgType = "cancel"

	// MsgError answers any request that failed.
	MsgError MsgType = "error"
)

// Result returns the reply type for a request type.
func (t MsgType) Result() MsgType { return t + "_result" }

// Msg is the envelope for all sync protocol messages.
type Msg struct {
	Type  MsgType         `json:"type"`
	ID    uint64          `json:"id"`
	Body  json.RawMessage `json:"body,omitempty"`
	Error *WireError      `json:"error,omitempty"`
}

// sessionRef is the body of complete and status.
type sessionRef struct {
	SessionID string `json:"session_id"`
}

// cancelBody is the body of cancel.
type cancelBody struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

// ErrorCode classifies a WireError.
type ErrorCode string

const (
	CodeCanonicalization ErrorCode = "canonicalization"
	CodeMalformedPayload ErrorCode = "malformed_payload"
	CodeIntegrity        ErrorCode = "integrity"
	CodeSessionExpired   ErrorCode = "session_expired"
	CodeConcurrentCommit ErrorCode = "concurrent_commit"
	CodeInvalidRequest   ErrorCode = "invalid_request"
	CodeNotFound         ErrorCode = "not_found"
	CodeConflict         ErrorCode = "conflict"
	CodeUnavailable      ErrorCode = "unavailable"
	CodeInternal         ErrorCode = "internal"
)

// WireError carries a failure across the connection so the receiver can
// match it with errors.Is, as if it had been returned in-process.
type WireError struct {
	Code      ErrorCode  `json:"code"`
	Message   string     `json:"message"`
	SessionID string     `json:"session_id,omitempty"`
	CID       content.ID `json:"cid,omitzero"`
	// ChunkIndex is set for integrity errors; -1 means the whole object.
	ChunkIndex *int `json:"chunk_index,omitempty"`
	Retryable  bool `json:"retryable"`
}

// EncodeError classifies err for the wire.
func EncodeError(err error) *WireError {
	if err == nil {
		return nil
	}
	w := &WireError{Message: err.Error(), Retryable: errors.IsRetryable(err)}

	var integrity *chunk.IntegrityError
	var expired *SessionExpiredError
	switch {
	case errors.As(err, &integrity):
		idx := integrity.ChunkIndex
		w.Code, w.SessionID, w.CID, w.ChunkIndex = CodeIntegrity, integrity.SessionID, integrity.CID, &idx
	case errors.As(err, &expired):
		w.Code, w.SessionID = CodeSessionExpired, expired.SessionID
	case errors.Is(err, errors.ErrIntegrity):
		w.Code = CodeIntegrity
	case errors.Is(err, errors.ErrSessionExpired):
		w.Code = CodeSessionExpired
	case errors.Is(err, errors.ErrCanonicalization):
		w.Code = CodeCanonicalization
	case errors.Is(err, errors.ErrMalformedPayload):
		w.Code = CodeMalformedPayload
	case errors.Is(err, errors.ErrConcurrentCommit):
		w.Code = CodeConcurrentCommit
	case errors.Is(err, errors.ErrInvalidRequest):
		w.Code = CodeInvalidRequest
	case errors.Is(err, errors.ErrNotFound):
		w.Code = CodeNotFound
	case errors.Is(err, errors.ErrConflict):
		w.Code = CodeConflict
	case errors.IsAny(err, errors.ErrServiceUnavailable, errors.ErrTimeout):
		w.Code = CodeUnavailable
	default:
		w.Code = CodeInternal
	}
	return w
}

// Err rebuilds an error matching the sentinel of the code.
func (w *WireError) Err() error {
	if w == nil {
		return nil
	}
	switch w.Code {
	case CodeIntegrity:
		idx := -1
		if w.ChunkIndex != nil {
			idx = *w.ChunkIndex
		}
		return &chunk.IntegrityError{SessionID: w.SessionID, CID: w.CID, ChunkIndex: idx, Reason: w.Message}
	case CodeSessionExpired:
		return &SessionExpiredError{SessionID: w.SessionID}
	}

	err := errors.New(w.Message)
	switch w.Code {
	case CodeCanonicalization:
		return errors.Mark(err, errors.ErrCanonicalization)
	case CodeMalformedPayload:
		return errors.Mark(err, errors.ErrMalformedPayload)
	case CodeConcurrentCommit:
		return errors.Mark(err, errors.ErrConcurrentCommit)
	case CodeInvalidRequest:
		return errors.Mark(err, errors.ErrInvalidRequest)
	case CodeNotFound:
		return errors.Mark(err, errors.ErrNotFound)
	case CodeConflict:
		return errors.Mark(err, errors.ErrConflict)
	case CodeUnavailable:
		return errors.Mark(err, errors.ErrServiceUnavailable)
	}
	return err
}
