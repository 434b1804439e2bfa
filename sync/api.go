package sync

import (
	"context"
	"time"

	"github.com/SakenW/TH-Suite-sub005/chunk"
	"github.com/SakenW/TH-Suite-sub005/content"
)

// HubAPI is the hub surface a client talks to. *Hub implements it
// in-process and *RemoteHub over a Conn.
type HubAPI interface {
	Handshake(ctx context.Context, req HandshakeRequest) (HandshakeResponse, error)
	UploadChunk(ctx context.Context, c ChunkUpload) (ChunkAck, error)
	DownloadChunk(ctx context.Context, req ChunkRequest) (chunk.Chunk, error)
	Commit(ctx context.Context, req CommitRequest) (CommitResult, error)
	Complete(ctx context.Context, sessionID string) error
	Status(ctx context.Context, sessionID string) (StatusResponse, error)
	Cancel(ctx context.Context, sessionID, reason string) error
}

// Capabilities a peer may advertise.
const (
	// CapSnappy: payload bodies may be snappy-compressed.
	CapSnappy = "snappy"
	// CapHubBloom: the hub returns its own filter in the handshake.
	CapHubBloom = "hub_bloom"
)

// HandshakeRequest opens a session.
type HandshakeRequest struct {
	ClientID string `json:"client_id"`
	// SessionID is an optional client-chosen id, used when unused.
	SessionID       string   `json:"session_id,omitempty"`
	ProtocolVersion string   `json:"protocol_version"`
	BloomFilter     []byte   `json:"bloom_filter,omitempty"`
	ChunkSize       int      `json:"chunk_size,omitempty"`
	Capabilities    []string `json:"capabilities,omitempty"`
}

// HandshakeResponse describes the negotiated session.
type HandshakeResponse struct {
	SessionID       string       `json:"session_id"`
	ProtocolVersion string       `json:"protocol_version"`
	MissingCIDs     []content.ID `json:"missing_cids"`
	// MissingTruncated is set when more objects are missing than one
	// handshake reports.
	MissingTruncated    bool      `json:"missing_truncated,omitempty"`
	HubBloomFilter      []byte    `json:"hub_bloom_filter,omitempty"`
	ChunkSize           int       `json:"chunk_size"`
	MaxConcurrentChunks int       `json:"max_concurrent_chunks"`
	SessionExpiresAt    time.Time `json:"session_expires_at"`
	Capabilities        []string  `json:"capabilities,omitempty"`
}

// ChunkUpload is one chunk sent to the hub.
type ChunkUpload = chunk.Chunk

// ChunkAck acknowledges an accepted chunk.
type ChunkAck struct {
	Accepted   bool       `json:"accepted"`
	CID        content.ID `json:"cid"`
	ChunkIndex int        `json:"chunk_index"`
	// Complete is set once the whole object is verified and stored.
	Complete bool  `json:"complete"`
	Missing  []int `json:"missing,omitempty"`
}

// ChunkRequest asks the hub for one chunk of a stored object.
type ChunkRequest struct {
	SessionID  string     `json:"session_id"`
	CID        content.ID `json:"cid"`
	ChunkIndex int        `json:"chunk_index"`
}

// CommitRequest applies a delta payload. When Payload is empty the bytes
// are read from objects uploaded earlier in chunks.
type CommitRequest struct {
	SessionID  string     `json:"session_id"`
	PayloadCID content.ID `json:"payload_cid"`
	Payload    []byte     `json:"payload,omitempty"`
}

// CommitResult reports how a payload was applied.
type CommitResult struct {
	Applied   int           `json:"applied"`
	Conflicts int           `json:"conflicts"`
	Errors    int           `json:"errors"`
	Replayed  bool          `json:"replayed,omitempty"`
	Results   []EntryResult `json:"results,omitempty"`
}

// StatusResponse reports a session's state.
type StatusResponse struct {
	SessionID string       `json:"session_id"`
	Status    Status       `json:"status"`
	ExpiresAt time.Time    `json:"expires_at"`
	Stats     SessionStats `json:"stats"`
	Error     string       `json:"error,omitempty"`
}
