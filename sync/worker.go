package sync

import (
	"context"
	gosync "sync"

	"github.com/SakenW/TH-Suite-sub005/chunk"
	"github.com/SakenW/TH-Suite-sub005/errors"
	"github.com/SakenW/TH-Suite-sub005/store"
)

var errSessionEnded = errors.New("session ended")

type sessionOp struct {
	fn   func(ctx context.Context) error
	done chan error
}

// hubSession is the in-memory half of a live session. Operations are queued
// to a single worker, so a session's operations never interleave while
// different sessions run in parallel.
type hubSession struct {
	id  string
	asm *chunk.Assembler

	mu  gosync.Mutex
	rec store.SessionRecord

	ops    chan sessionOp
	ctx    context.Context
	cancel context.CancelFunc
	once   gosync.Once
	done   chan struct{}
}

func newHubSession(parent context.Context, id string, depth, maxObject int) *hubSession {
	ctx, cancel := context.WithCancel(parent)
	return &hubSession{
		id:     id,
		asm:    chunk.NewAssembler(maxObject),
		ops:    make(chan sessionOp, depth),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// run executes queued operations until the session is stopped, then fails
// whatever is still queued.
func (s *hubSession) run() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			s.drain()
			return
		case op := <-s.ops:
			op.done <- s.exec(op)
		}
	}
}

func (s *hubSession) exec(op sessionOp) error {
	if s.ctx.Err() != nil {
		return s.stoppedError()
	}
	return op.fn(s.ctx)
}

func (s *hubSession) drain() {
	for {
		select {
		case op := <-s.ops:
			op.done <- s.stoppedError()
		default:
			return
		}
	}
}

// submit queues fn and waits for its result. The operation runs with the
// session context, so cancelling the session aborts it; ctx only bounds the
// wait.
func (s *hubSession) submit(ctx context.Context, fn func(ctx context.Context) error) error {
	op := sessionOp{fn: fn, done: make(chan error, 1)}
	select {
	case s.ops <- op:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return s.stoppedError()
	}
	select {
	case err := <-op.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		select {
		case err := <-op.done:
			return err
		default:
			return s.stoppedError()
		}
	}
}

// stop cancels the worker and drops buffered chunks.
func (s *hubSession) stop() {
	s.once.Do(func() {
		s.cancel()
		s.asm.Reset()
	})
}

func (s *hubSession) stoppedError() error {
	rec := s.snapshot()
	if Status(rec.Status) == StatusExpired {
		return s.expiredError()
	}
	return errors.NewInvalidRequestError("session %s is %s", s.id, rec.Status)
}

func (s *hubSession) expiredError() error {
	return &SessionExpiredError{SessionID: s.id, ExpiredAt: s.snapshot().ExpiresAt}
}

func (s *hubSession) snapshot() store.SessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.rec
	rec.Capabilities = append([]string(nil), s.rec.Capabilities...)
	return rec
}

func (s *hubSession) status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status(s.rec.Status)
}

// update mutates the record under the lock and returns the new snapshot.
func (s *hubSession) update(fn func(r *store.SessionRecord) error) (store.SessionRecord, error) {
	s.mu.Lock()
	next := s.rec
	if err := fn(&next); err != nil {
		s.mu.Unlock()
		return store.SessionRecord{}, err
	}
	s.rec = next
	s.mu.Unlock()
	return s.snapshot(), nil
}

func (s *hubSession) bump(fn func(st *SessionStats)) {
	s.mu.Lock()
	fn(&s.rec.Stats)
	s.mu.Unlock()
}
