// Package sync runs incremental translation sync between clients and a hub.
//
// A client opens a session with a Bloom-filter handshake, pulls the payloads
// the hub has and it lacks, then pushes its outbox as delta payloads. The hub
// processes each session on its own worker and applies payloads through the
// Applier under optimistic revision checks.
package sync

import (
	"fmt"
	"time"

	"github.com/SakenW/TH-Suite-sub005/errors"
	"github.com/SakenW/TH-Suite-sub005/store"
)

// Status is the state of a sync session.
//
//	pending → active → {completed | failed | expired}
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusExpired
}

var (
	liveStatuses     = []string{string(StatusPending), string(StatusActive)}
	terminalStatuses = []string{string(StatusCompleted), string(StatusFailed), string(StatusExpired)}
)

// SessionStats are the counters recorded per session.
type SessionStats = store.SessionStats

// Session is a snapshot of a sync session.
type Session = store.SessionRecord

// SessionExpiredError is returned for any operation on a session past its
// TTL. The client must handshake again.
type SessionExpiredError struct {
	SessionID string
	ExpiredAt time.Time
}

func (e *SessionExpiredError) Error() string {
	if e.ExpiredAt.IsZero() {
		return fmt.Sprintf("session %s expired", e.SessionID)
	}
	return fmt.Sprintf("session %s expired at %s", e.SessionID, e.ExpiredAt.Format(time.RFC3339))
}

// Unwrap lets errors.Is match ErrSessionExpired.
func (e *SessionExpiredError) Unwrap() error { return errors.ErrSessionExpired }

// Telemetry receives session statistics. Implementations must be safe for
// concurrent use.
type Telemetry interface {
	SessionStarted()
	SessionEnded(status string)
	HandshakeCompleted(latency time.Duration)
	ChunkReceived(bytes int, d time.Duration, accepted bool)
	ChunkServed(bytes int)
	PayloadCommitted(outcome string)
	MergesApplied(clean, conflicted, errored int)
	CommitRetried()
}

// Payload commit outcomes reported to Telemetry.
const (
	PayloadApplied  = "applied"
	PayloadReplayed = "replayed"
	PayloadRejected = "rejected"
)

type nopTelemetry struct{}

func (nopTelemetry) SessionStarted() {}
func (nopTelemetry) SessionEnded(string) {}
func (nopTelemetry) HandshakeCompleted(time.Duration) {}
func (nopTelemetry) ChunkReceived(int, time.Duration, bool) {}
func (nopTelemetry) ChunkServed(int) {}
func (nopTelemetry) PayloadCommitted(string) {}
func (nopTelemetry) MergesApplied(int, int, int) {}
func (nopTelemetry) CommitRetried() {}

// NopTelemetry discards everything.
func NopTelemetry() Telemetry { return nopTelemetry{} }
