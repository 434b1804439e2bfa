// Package chunk splits objects into integrity-checked chunks and reassembles
// them, in any order, on the receiving side.
package chunk

import (
	"fmt"

	"github.com/SakenW/TH-Suite-sub005/content"
	"github.com/SakenW/TH-Suite-sub005/errors"
)

const (
	// DefaultChunkSize is used when a peer does not negotiate one.
	DefaultChunkSize = 2 << 20

	MaxChunkSize = 16 << 20

	// MaxChunks bounds the chunk count of a single object.
	MaxChunks = 1 << 16

	// DefaultMaxObjectSize bounds reassembled objects.
	DefaultMaxObjectSize = 256 << 20
)

// Chunk is one slice of an object in transit.
type Chunk struct {
	SessionID string     `json:"session_id"`
	CID       content.ID `json:"cid"`
	Index     int        `json:"chunk_index"`
	Total     int        `json:"total_chunks"`
	Data      []byte     `json:"data"`
	Hash      content.ID `json:"chunk_hash"`
	Size      int        `json:"data_size"`
}

// IntegrityError reports a chunk or reassembled object whose bytes do not
// match their declared hash or shape. ChunkIndex is -1 for whole objects.
type IntegrityError struct {
	SessionID  string
	CID        content.ID
	ChunkIndex int
	Expected   string
	Actual     string
	Reason     string
}

func (e *IntegrityError) Error() string {
	where := fmt.Sprintf("chunk %d", e.ChunkIndex)
	if e.ChunkIndex < 0 {
		where = "object"
	}
	msg := fmt.Sprintf("integrity check failed for %s of %s", where, e.CID)
	if e.SessionID != "" {
		msg += " in session " + e.SessionID
	}
	msg += ": " + e.Reason
	if e.Expected != "" || e.Actual != "" {
		msg += fmt.Sprintf(" (expected %s, got %s)", e.Expected, e.Actual)
	}
	return msg
}

// Unwrap lets errors.Is match ErrIntegrity.
func (e *IntegrityError) Unwrap() error { return errors.ErrIntegrity }

// ValidateChunkSize checks a negotiated chunk size.
func ValidateChunkSize(size int) error {
	if size < 1 || size > MaxChunkSize {
		return errors.NewInvalidRequestError("chunk size %d out of range [1,%d]", size, MaxChunkSize)
	}
	return nil
}

// TotalChunks returns how many chunks an object of n bytes needs. Empty
// objects still travel as one empty chunk.
func TotalChunks(n, chunkSize int) int {
	if n == 0 {
		return 1
	}
	return (n + chunkSize - 1) / chunkSize
}

// Split cuts data into chunks of chunkSize bytes.
func Split(sessionID string, data []byte, chunkSize int) ([]Chunk, error) {
	if err := ValidateChunkSize(chunkSize); err != nil {
		return nil, err
	}
	total := TotalChunks(len(data), chunkSize)
	if total > MaxChunks {
		return nil, errors.NewInvalidRequestError("object of %d bytes needs %d chunks, limit %d", len(data), total, MaxChunks)
	}

	id := content.Sum(data)
	chunks := make([]Chunk, total)
	for i := range chunks {
		part, _, _ := Slice(data, chunkSize, i)
		chunks[i] = New(sessionID, id, i, total, part)
	}
	return chunks, nil
}

// Slice returns the index-th chunk of data and the total chunk count.
func Slice(data []byte, chunkSize, index int) ([]byte, int, error) {
	if err := ValidateChunkSize(chunkSize); err != nil {
		return nil, 0, err
	}
	total := TotalChunks(len(data), chunkSize)
	if index < 0 || index >= total {
		return nil, total, errors.NewInvalidRequestError("chunk index %d out of range [0,%d)", index, total)
	}
	start := index * chunkSize
	end := start + chunkSize
	if end > len(data) {
		end = len(data)
	}
	return data[start:end], total, nil
}

// New builds a chunk around part, computing its hash and size.
func New(sessionID string, id content.ID, index, total int, part []byte) Chunk {
	return Chunk{
		SessionID: sessionID,
		CID:       id,
		Index:     index,
		Total:     total,
		Data:      part,
		Hash:      content.Sum(part),
		Size:      len(part),
	}
}

// Verify checks a chunk's shape and hash on its own.
func Verify(c Chunk) error {
	fail := func(reason, expected, actual string) error {
		return &IntegrityError{
			SessionID:  c.SessionID,
			CID:        c.CID,
			ChunkIndex: c.Index,
			Expected:   expected,
			Actual:     actual,
			Reason:     reason,
		}
	}
	if c.CID.IsZero() {
		return errors.NewInvalidRequestError("chunk %d has no object cid", c.Index)
	}
	if c.Total < 1 || c.Total > MaxChunks {
		return fail("total out of range", "", fmt.Sprint(c.Total))
	}
	if c.Index < 0 || c.Index >= c.Total {
		return fail("index out of range", fmt.Sprintf("[0,%d)", c.Total), fmt.Sprint(c.Index))
	}
	if c.Size != len(c.Data) {
		return fail("size mismatch", fmt.Sprint(c.Size), fmt.Sprint(len(c.Data)))
	}
	if c.Hash.IsZero() {
		return fail("missing chunk hash", "", "")
	}
	if err := c.Hash.Verify(c.Data); err != nil {
		got, _ := content.Compute(c.Data, c.Hash.Algorithm)
		return fail("hash mismatch", c.Hash.String(), got.String())
	}
	return nil
}
