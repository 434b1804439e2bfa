package chunk

import (
	"fmt"
	"sync"

	"github.com/SakenW/TH-Suite-sub005/content"
	"github.com/SakenW/TH-Suite-sub005/errors"
)

// Assembler buffers verified chunks per object until every index is present.
// It is safe for concurrent use.
type Assembler struct {
	mu        sync.Mutex
	maxObject int
	objects   map[content.ID]*assembly
}

type assembly struct {
	sessionID string
	total     int
	size      int
	parts     map[int][]byte
}

// NewAssembler returns an assembler that refuses objects larger than
// maxObjectSize bytes (DefaultMaxObjectSize when <= 0).
func NewAssembler(maxObjectSize int) *Assembler {
	if maxObjectSize <= 0 {
		maxObjectSize = DefaultMaxObjectSize
	}
	return &Assembler{
		maxObject: maxObjectSize,
		objects:   make(map[content.ID]*assembly),
	}
}

// Accept verifies and buffers c. It reports whether the object now has all
// of its chunks. A rejected chunk leaves earlier chunks of the object intact;
// re-sending an index already held is a no-op.
func (a *Assembler) Accept(c Chunk) (bool, error) {
	if err := Verify(c); err != nil {
		return false, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	asm, ok := a.objects[c.CID]
	if !ok {
		asm = &assembly{sessionID: c.SessionID, total: c.Total, parts: make(map[int][]byte, c.Total)}
		a.objects[c.CID] = asm
	}
	if asm.total != c.Total {
		return false, &IntegrityError{
			SessionID:  c.SessionID,
			CID:        c.CID,
			ChunkIndex: c.Index,
			Expected:   fmt.Sprint(asm.total),
			Actual:     fmt.Sprint(c.Total),
			Reason:     "total chunk count changed",
		}
	}
	if _, dup := asm.parts[c.Index]; dup {
		return len(asm.parts) == asm.total, nil
	}
	if asm.size+len(c.Data) > a.maxObject {
		return false, errors.NewInvalidRequestError("object %s exceeds %d bytes", c.CID, a.maxObject)
	}

	part := make([]byte, len(c.Data))
	copy(part, c.Data)
	asm.parts[c.Index] = part
	asm.size += len(part)
	return len(asm.parts) == asm.total, nil
}

// Missing lists the chunk indexes still needed for id, in order.
// It returns nil for objects the assembler has not seen.
func (a *Assembler) Missing(id content.ID) []int {
	a.mu.Lock()
	defer a.mu.Unlock()

	asm, ok := a.objects[id]
	if !ok {
		return nil
	}
	missing := make([]int, 0, asm.total-len(asm.parts))
	for i := 0; i < asm.total; i++ {
		if _, ok := asm.parts[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// Complete reassembles id and verifies the result against it. The buffered
// parts are released either way; a mismatch yields an IntegrityError and the
// object must be re-sent.
func (a *Assembler) Complete(id content.ID) ([]byte, error) {
	a.mu.Lock()
	asm, ok := a.objects[id]
	if !ok {
		a.mu.Unlock()
		return nil, errors.NewNotFoundError("no chunks buffered for %s", id)
	}
	if len(asm.parts) != asm.total {
		a.mu.Unlock()
		return nil, errors.NewInvalidRequestError("object %s incomplete: %d of %d chunks", id, len(asm.parts), asm.total)
	}
	delete(a.objects, id)
	a.mu.Unlock()

	data := make([]byte, 0, asm.size)
	for i := 0; i < asm.total; i++ {
		data = append(data, asm.parts[i]...)
	}
	if err := id.Verify(data); err != nil {
		got, _ := content.Compute(data, id.Algorithm)
		return nil, &IntegrityError{
			SessionID:  asm.sessionID,
			CID:        id,
			ChunkIndex: -1,
			Expected:   id.String(),
			Actual:     got.String(),
			Reason:     "reassembled object does not match its cid",
		}
	}
	return data, nil
}

// Discard drops any buffered chunks of id.
func (a *Assembler) Discard(id content.ID) {
	a.mu.Lock()
	delete(a.objects, id)
	a.mu.Unlock()
}

// Reset drops everything.
func (a *Assembler) Reset() {
	a.mu.Lock()
	a.objects = make(map[content.ID]*assembly)
	a.mu.Unlock()
}

// Pending lists objects with buffered but unfinished chunks, sorted.
func (a *Assembler) Pending() []content.ID {
	a.mu.Lock()
	ids := make([]content.ID, 0, len(a.objects))
	for id := range a.objects {
		ids = append(ids, id)
	}
	a.mu.Unlock()
	content.Sort(ids)
	return ids
}

// BufferedBytes is the total size of held chunks.
func (a *Assembler) BufferedBytes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	var n int
	for _, asm := range a.objects {
		n += asm.size
	}
	return n
}
