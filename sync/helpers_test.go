package sync

import (
	"context"
	"encoding/json"
	"fmt"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/SakenW/TH-Suite-sub005/chunk"
	"github.com/SakenW/TH-Suite-sub005/content"
	"github.com/SakenW/TH-Suite-sub005/delta"
	"github.com/SakenW/TH-Suite-sub005/errors"
	qntxtest "github.com/SakenW/TH-Suite-sub005/internal/testing"
	"github.com/SakenW/TH-Suite-sub005/store"
	"github.com/SakenW/TH-Suite-sub005/types"
	"github.com/SakenW/TH-Suite-sub005/uida"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// chanConn implements Conn over a pair of channels for in-process testing.
// Messages are JSON-serialized through the channels to match real WebSocket behavior.
type chanConn struct {
	in   chan json.RawMessage
	out  chan json.RawMessage
	done chan struct{}
	once *gosync.Once
}

func (c *chanConn) ReadJSON(v interface{}) error {
	select {
	case raw := <-c.in:
		return json.Unmarshal(raw, v)
	case <-c.done:
		return fmt.Errorf("connection closed")
	}
}

func (c *chanConn) WriteJSON(v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case c.out <- raw:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed")
	}
}

// Close closes both ends.
func (c *chanConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// connPair creates two connected Conn implementations for testing.
func connPair() (Conn, Conn) {
	ab := make(chan json.RawMessage, 32)
	ba := make(chan json.RawMessage, 32)
	done := make(chan struct{})
	once := &gosync.Once{}
	return &chanConn{in: ba, out: ab, done: done, once: once},
		&chanConn{in: ab, out: ba, done: done, once: once}
}

// serveRemote exposes api over an in-process connection and returns the
// client stub.
func serveRemote(t *testing.T, api HubAPI) *RemoteHub {
	t.Helper()
	clientEnd, serverEnd := connPair()
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		defer close(served)
		_ = ServeConn(ctx, api, serverEnd, zaptest.NewLogger(t).Sugar())
	}()
	t.Cleanup(func() {
		cancel()
		<-served
	})
	return NewRemoteHub(clientEnd)
}

func newTestStore(t *testing.T, clock clockwork.Clock) *store.Store {
	t.Helper()
	st, err := store.New(qntxtest.CreateTestDB(t),
		store.WithClock(clock),
		store.WithLogger(zaptest.NewLogger(t).Sugar()),
	)
	require.NoError(t, err)
	return st
}

func newTestHub(t *testing.T, clock clockwork.Clock, cfg HubConfig, opts ...HubOption) (*Hub, *store.Store) {
	t.Helper()
	st := newTestStore(t, clock)
	opts = append([]HubOption{
		WithHubClock(clock),
		WithHubLogger(zaptest.NewLogger(t).Sugar()),
	}, opts...)
	h, err := NewHub(cfg, st, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h, st
}

func newTestClient(t *testing.T, id string, hub HubAPI, clock clockwork.Clock, tune func(*ClientConfig)) (*Client, *store.Store) {
	t.Helper()
	st := newTestStore(t, clock)
	cfg := DefaultClientConfig(id)
	if tune != nil {
		tune(&cfg)
	}
	c, err := NewClient(cfg, hub, st, st,
		WithClientClock(clock),
		WithClientLogger(zaptest.NewLogger(t).Sugar()),
	)
	require.NoError(t, err)
	return c, st
}

func sampleEntry(uid, dst string) *types.Entry {
	return &types.Entry{
		UID:       uid,
		Key:       "item.create.brass_ingot",
		SrcText:   "Brass Ingot",
		DstText:   dst,
		Status:    types.StatusTranslated,
		UpdatedAt: epoch,
	}
}

func encode(t *testing.T, deltas ...delta.Delta) ([]byte, content.ID) {
	t.Helper()
	payload, err := delta.EncodePayload(deltas, delta.EncodeOptions{})
	require.NoError(t, err)
	return payload, delta.PayloadCID(payload)
}

// forgedEntry carries the UIDA keys of brass_ingot with the hash of
// zinc_ingot, which a hub verifying UIDA refuses.
func forgedEntry(t *testing.T, uid string) *types.Entry {
	t.Helper()
	enc := uida.NewEncoder()
	u, err := enc.ForTranslationKey("create", "item.create.brass_ingot", "de_de")
	require.NoError(t, err)
	other, err := enc.ForTranslationKey("create", "item.create.zinc_ingot", "de_de")
	require.NoError(t, err)
	e := sampleEntry(uid, "Zinkbarren")
	e.UIDAKeysB64, e.UIDAHash = u.Display, other.String()
	return e
}

func handshake(t *testing.T, h HubAPI, clientID string) HandshakeResponse {
	t.Helper()
	resp, err := h.Handshake(context.Background(), HandshakeRequest{
		ClientID:        clientID,
		ProtocolVersion: ProtocolVersion,
		Capabilities:    []string{CapSnappy, CapHubBloom},
	})
	require.NoError(t, err)
	return resp
}

// failingDownloadHub fails the first download of chunk index failIndex.
type failingDownloadHub struct {
	HubAPI
	failIndex int
	failed    atomic.Bool
}

func (f *failingDownloadHub) DownloadChunk(ctx context.Context, req ChunkRequest) (chunk.Chunk, error) {
	if req.ChunkIndex == f.failIndex && f.failed.CompareAndSwap(false, true) {
		return chunk.Chunk{}, errors.Mark(errors.New("disk read error"), errors.ErrServiceUnavailable)
	}
	return f.HubAPI.DownloadChunk(ctx, req)
}

// corruptingHub flips a byte in the first upload or download of each listed
// chunk index.
type corruptingHub struct {
	HubAPI
	mu       gosync.Mutex
	uploads  map[int]bool
	download map[int]bool
}

func (c *corruptingHub) take(m map[int]bool, index int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m[index] {
		delete(m, index)
		return true
	}
	return false
}

func (c *corruptingHub) UploadChunk(ctx context.Context, ch ChunkUpload) (ChunkAck, error) {
	if c.take(c.uploads, ch.Index) {
		ch.Data = flip(ch.Data)
	}
	return c.HubAPI.UploadChunk(ctx, ch)
}

func (c *corruptingHub) DownloadChunk(ctx context.Context, req ChunkRequest) (chunk.Chunk, error) {
	ch, err := c.HubAPI.DownloadChunk(ctx, req)
	if err == nil && c.take(c.download, req.ChunkIndex) {
		ch.Data = flip(ch.Data)
	}
	return ch, err
}

func flip(b []byte) []byte {
	out := append([]byte(nil), b...)
	out[0] ^= 0xff
	return out
}

// failingCommitHub rejects every commit.
type failingCommitHub struct {
	HubAPI
	err error
}

func (f *failingCommitHub) Commit(context.Context, CommitRequest) (CommitResult, error) {
	return CommitResult{}, f.err
}

type recordingTelemetry struct {
	mu        gosync.Mutex
	started   int
	ended     map[string]int
	chunks    int
	rejected  int
	payloads  map[string]int
	conflicts int
	retries   int
}

func newRecordingTelemetry() *recordingTelemetry {
	return &recordingTelemetry{ended: map[string]int{}, payloads: map[string]int{}}
}

func (r *recordingTelemetry) SessionStarted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
}

func (r *recordingTelemetry) SessionEnded(status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended[status]++
}

func (r *recordingTelemetry) HandshakeCompleted(time.Duration) {}

func (r *recordingTelemetry) ChunkReceived(_ int, _ time.Duration, accepted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if accepted {
		r.chunks++
	} else {
		r.rejected++
	}
}

func (r *recordingTelemetry) ChunkServed(int) {}

func (r *recordingTelemetry) PayloadCommitted(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads[outcome]++
}

func (r *recordingTelemetry) MergesApplied(_, conflicted, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conflicts += conflicted
}

func (r *recordingTelemetry) CommitRetried() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries++
}
