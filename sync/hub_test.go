package sync

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SakenW/TH-Suite-sub005/bloom"
	"github.com/SakenW/TH-Suite-sub005/chunk"
	"github.com/SakenW/TH-Suite-sub005/content"
	"github.com/SakenW/TH-Suite-sub005/delta"
	"github.com/SakenW/TH-Suite-sub005/errors"
	"github.com/SakenW/TH-Suite-sub005/store"
	"github.com/SakenW/TH-Suite-sub005/types"
	"github.com/SakenW/TH-Suite-sub005/uida"
)

func addPayload(t *testing.T, uids ...string) ([]byte, content.ID) {
	t.Helper()
	deltas := make([]delta.Delta, len(uids))
	for i, uid := range uids {
		deltas[i] = delta.Serialize(sampleEntry(uid, "Messingbarren"), delta.OpAdd, content.ID{})
	}
	return encode(t, deltas...)
}

func TestHandshakeNegotiatesProtocol(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHub(t, clockwork.NewFakeClockAt(epoch), HubConfig{})

	resp, err := h.Handshake(ctx, HandshakeRequest{ClientID: "scanner-1", ProtocolVersion: "1.0.0"})
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", resp.ProtocolVersion)
	assert.NotEmpty(t, resp.SessionID)
	assert.Equal(t, chunk.DefaultChunkSize, resp.ChunkSize)
	assert.True(t, epoch.Add(time.Hour).Equal(resp.SessionExpiresAt))
	assert.Empty(t, resp.Capabilities)

	_, err = h.Handshake(ctx, HandshakeRequest{ClientID: "scanner-1", ProtocolVersion: "2.1.0"})
	assert.True(t, errors.IsInvalidRequestError(err))
	_, err = h.Handshake(ctx, HandshakeRequest{ClientID: "scanner-1", ProtocolVersion: "latest"})
	assert.True(t, errors.IsInvalidRequestError(err))
	_, err = h.Handshake(ctx, HandshakeRequest{ProtocolVersion: "1.0.0"})
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestHandshakeUsesClientSessionIDOnce(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHub(t, clockwork.NewFakeClockAt(epoch), HubConfig{})

	req := HandshakeRequest{ClientID: "scanner-1", SessionID: "resume-7", ProtocolVersion: "1.0.0"}
	first, err := h.Handshake(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "resume-7", first.SessionID)

	second, err := h.Handshake(ctx, req)
	require.NoError(t, err)
	assert.NotEqual(t, "resume-7", second.SessionID)
}

func TestHandshakeListsMissingCommittedPayloads(t *testing.T) {
	ctx := context.Background()
	h, st := newTestHub(t, clockwork.NewFakeClockAt(epoch), HubConfig{})

	s := handshake(t, h, "scanner-1")
	p1, id1 := addPayload(t, "e1")
	p2, id2 := addPayload(t, "e2")
	for _, p := range []struct {
		data []byte
		id   content.ID
	}{{p1, id1}, {p2, id2}} {
		_, err := h.Commit(ctx, CommitRequest{SessionID: s.SessionID, PayloadCID: p.id, Payload: p.data})
		require.NoError(t, err)
	}
	// stored but never committed
	_, err := st.Put(ctx, []byte("orphan"))
	require.NoError(t, err)

	resp := handshake(t, h, "scanner-2")
	assert.Equal(t, []content.ID{id1, id2}, resp.MissingCIDs)
	assert.False(t, resp.MissingTruncated)

	hubFilter, err := bloom.FromBytes(resp.HubBloomFilter, bloom.DefaultMaxBits)
	require.NoError(t, err)
	assert.True(t, hubFilter.MightContain(id1))
	assert.True(t, hubFilter.MightContain(content.Sum([]byte("orphan"))))

	have, err := bloom.New(bloom.DefaultBits, bloom.DefaultHashes)
	require.NoError(t, err)
	have.Add(id1)
	resp, err = h.Handshake(ctx, HandshakeRequest{ClientID: "scanner-3", ProtocolVersion: "1.0.0", BloomFilter: have.ToBytes()})
	require.NoError(t, err)
	assert.Equal(t, []content.ID{id2}, resp.MissingCIDs)
}

func TestHandshakeCapsMissingList(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHub(t, clockwork.NewFakeClockAt(epoch), HubConfig{MaxMissingPerHandshake: 1})

	s := handshake(t, h, "scanner-1")
	for _, uid := range []string{"e1", "e2"} {
		p, id := addPayload(t, uid)
		_, err := h.Commit(ctx, CommitRequest{SessionID: s.SessionID, PayloadCID: id, Payload: p})
		require.NoError(t, err)
	}
	resp := handshake(t, h, "scanner-2")
	assert.Len(t, resp.MissingCIDs, 1)
	assert.True(t, resp.MissingTruncated)
}

func TestHandshakeRejectsAboveSessionCap(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHub(t, clockwork.NewFakeClockAt(epoch), HubConfig{MaxActiveSessions: 1})

	s := handshake(t, h, "scanner-1")
	_, err := h.Handshake(ctx, HandshakeRequest{ClientID: "scanner-2", ProtocolVersion: "1.0.0"})
	assert.True(t, errors.IsServiceUnavailableError(err))

	require.NoError(t, h.Complete(ctx, s.SessionID))
	handshake(t, h, "scanner-2")
}

func TestUploadOutOfOrderThenCommit(t *testing.T) {
	ctx := context.Background()
	telemetry := newRecordingTelemetry()
	h, st := newTestHub(t, clockwork.NewFakeClockAt(epoch), HubConfig{}, WithTelemetry(telemetry))
	s := handshake(t, h, "scanner-1")

	payload, id := addPayload(t, "e1", "e2", "e3")
	chunks, err := chunk.Split(s.SessionID, payload, 64)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 2)

	for i := len(chunks) - 1; i >= 0; i-- {
		ack, err := h.UploadChunk(ctx, chunks[i])
		require.NoError(t, err)
		assert.True(t, ack.Accepted)
		assert.Equal(t, i == 0, ack.Complete)
	}
	has, err := st.Has(ctx, id)
	require.NoError(t, err)
	assert.True(t, has)

	res, err := h.Commit(ctx, CommitRequest{SessionID: s.SessionID, PayloadCID: id})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Applied)
	assert.False(t, res.Replayed)
	require.NoError(t, h.Complete(ctx, s.SessionID))

	status, err := h.Status(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status.Status)
	assert.EqualValues(t, len(chunks), status.Stats.ChunksReceived)
	assert.EqualValues(t, len(payload), status.Stats.ChunkBytes)
	assert.EqualValues(t, 1, status.Stats.ObjectsCompleted)
	assert.EqualValues(t, 1, status.Stats.PayloadsCommitted)
	assert.EqualValues(t, 3, status.Stats.MergesClean)
	assert.Equal(t, len(chunks), telemetry.chunks)
	assert.Equal(t, 1, telemetry.ended[string(StatusCompleted)])
}

func TestCorruptChunkKeepsSessionActive(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHub(t, clockwork.NewFakeClockAt(epoch), HubConfig{})
	s := handshake(t, h, "scanner-1")

	payload, id := addPayload(t, "e1")
	chunks, err := chunk.Split(s.SessionID, payload, 32)
	require.NoError(t, err)

	bad := chunks[0]
	bad.Data = flip(bad.Data)
	_, err = h.UploadChunk(ctx, bad)
	var integrity *chunk.IntegrityError
	require.True(t, errors.As(err, &integrity))
	assert.Equal(t, 0, integrity.ChunkIndex)

	for _, c := range chunks {
		_, err := h.UploadChunk(ctx, c)
		require.NoError(t, err)
	}
	status, err := h.Status(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, status.Status)
	assert.EqualValues(t, 1, status.Stats.ChunksRejected)

	_, err = h.Commit(ctx, CommitRequest{SessionID: s.SessionID, PayloadCID: id})
	require.NoError(t, err)
}

func TestUploadRejectsOversizedChunk(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHub(t, clockwork.NewFakeClockAt(epoch), HubConfig{})
	resp, err := h.Handshake(ctx, HandshakeRequest{ClientID: "scanner-1", ProtocolVersion: "1.0.0", ChunkSize: 16})
	require.NoError(t, err)
	require.Equal(t, 16, resp.ChunkSize)

	payload, _ := addPayload(t, "e1")
	chunks, err := chunk.Split(resp.SessionID, payload, 64)
	require.NoError(t, err)
	_, err = h.UploadChunk(ctx, chunks[0])
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestCommitReplaysAppliedPayload(t *testing.T) {
	ctx := context.Background()
	telemetry := newRecordingTelemetry()
	h, _ := newTestHub(t, clockwork.NewFakeClockAt(epoch), HubConfig{}, WithTelemetry(telemetry))

	payload, id := addPayload(t, "e1", "e2")
	s1 := handshake(t, h, "scanner-1")
	first, err := h.Commit(ctx, CommitRequest{SessionID: s1.SessionID, PayloadCID: id, Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, 2, first.Applied)
	assert.Len(t, first.Results, 2)

	s2 := handshake(t, h, "scanner-1")
	again, err := h.Commit(ctx, CommitRequest{SessionID: s2.SessionID, PayloadCID: id})
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, 2, again.Applied)
	assert.Empty(t, again.Results)

	status, err := h.Status(ctx, s2.SessionID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, status.Stats.PayloadsReplayed)
	assert.Equal(t, 1, telemetry.payloads[PayloadApplied])
	assert.Equal(t, 1, telemetry.payloads[PayloadReplayed])
}

func TestReplayReturnsRejectedDeltas(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHub(t, clockwork.NewFakeClockAt(epoch), HubConfig{}, WithRegistry(uida.DefaultRegistry()))

	payload, id := encode(t,
		delta.Serialize(sampleEntry("e1", "Messingbarren"), delta.OpAdd, content.ID{}),
		delta.Serialize(forgedEntry(t, "e2"), delta.OpAdd, content.ID{}),
	)
	s1 := handshake(t, h, "scanner-1")
	first, err := h.Commit(ctx, CommitRequest{SessionID: s1.SessionID, PayloadCID: id, Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Applied)
	assert.Equal(t, 1, first.Errors)
	require.Len(t, first.Results, 2)
	assert.Equal(t, 1, first.Results[1].Index)
	assert.Contains(t, first.Results[1].Error, "does not match")

	s2 := handshake(t, h, "scanner-1")
	again, err := h.Commit(ctx, CommitRequest{SessionID: s2.SessionID, PayloadCID: id})
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	require.Len(t, again.Results, 1)
	assert.Equal(t, 1, again.Results[0].Index)
	assert.Equal(t, "e2", again.Results[0].EntryUID)
	assert.Equal(t, first.Results[1].Error, again.Results[0].Error)
}

func TestCommitRejectsBadPayloads(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHub(t, clockwork.NewFakeClockAt(epoch), HubConfig{})
	s := handshake(t, h, "scanner-1")

	garbage := []byte("THDP but not really")
	_, err := h.Commit(ctx, CommitRequest{SessionID: s.SessionID, PayloadCID: content.Sum(garbage), Payload: garbage})
	assert.True(t, errors.Is(err, errors.ErrMalformedPayload))

	payload, _ := addPayload(t, "e1")
	_, err = h.Commit(ctx, CommitRequest{SessionID: s.SessionID, PayloadCID: content.Sum([]byte("other")), Payload: payload})
	assert.True(t, errors.Is(err, errors.ErrIntegrity))

	_, err = h.Commit(ctx, CommitRequest{SessionID: s.SessionID, PayloadCID: content.Sum([]byte("never uploaded"))})
	assert.True(t, errors.IsNotFoundError(err))

	status, err := h.Status(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, status.Status)
	assert.EqualValues(t, 1, status.Stats.PayloadsRejected)
}

func TestCommitConflictCountsAndStats(t *testing.T) {
	ctx := context.Background()
	h, st := newTestHub(t, clockwork.NewFakeClockAt(epoch), HubConfig{})

	base := sampleEntry("e1", "Messingbarren")
	_, err := st.SaveEntry(ctx, nil, base)
	require.NoError(t, err)
	_, err = st.SaveEntry(ctx, nil, sampleEntry("e1", "Lingot de laiton"))
	require.NoError(t, err)

	s := handshake(t, h, "scanner-1")
	payload, id := encode(t, delta.Serialize(sampleEntry("e1", "Barra de latón"), delta.OpUpdate, base.ContentHash()))
	res, err := h.Commit(ctx, CommitRequest{SessionID: s.SessionID, PayloadCID: id, Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Conflicts)

	rec, err := st.GetEntry(ctx, nil, "e1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusNeedsReview, rec.Entry.Status)
	assert.Equal(t, id.String(), rec.LastPayloadCID)

	status, err := h.Status(ctx, s.SessionID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, status.Stats.MergesConflicted)
}

func TestDownloadChunk(t *testing.T) {
	ctx := context.Background()
	h, st := newTestHub(t, clockwork.NewFakeClockAt(epoch), HubConfig{})
	data := []byte("0123456789abcdefghij")
	id, err := st.Put(ctx, data)
	require.NoError(t, err)

	resp, err := h.Handshake(ctx, HandshakeRequest{ClientID: "scanner-1", ProtocolVersion: "1.0.0", ChunkSize: 8})
	require.NoError(t, err)

	c, err := h.DownloadChunk(ctx, ChunkRequest{SessionID: resp.SessionID, CID: id, ChunkIndex: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, c.Total)
	assert.Equal(t, []byte("ghij"), c.Data)
	require.NoError(t, chunk.Verify(c))

	_, err = h.DownloadChunk(ctx, ChunkRequest{SessionID: resp.SessionID, CID: id, ChunkIndex: 3})
	assert.Error(t, err)
	_, err = h.DownloadChunk(ctx, ChunkRequest{SessionID: resp.SessionID, CID: content.Sum([]byte("nope"))})
	assert.True(t, errors.IsNotFoundError(err))
}

func TestSessionExpiry(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(epoch)
	h, _ := newTestHub(t, clock, HubConfig{SessionTTL: time.Minute})
	s := handshake(t, h, "scanner-1")

	payload, _ := addPayload(t, "e1")
	chunks, err := chunk.Split(s.SessionID, payload, 32)
	require.NoError(t, err)
	_, err = h.UploadChunk(ctx, chunks[0])
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	_, err = h.UploadChunk(ctx, chunks[1])
	require.True(t, errors.Is(err, errors.ErrSessionExpired))
	var expired *SessionExpiredError
	require.True(t, errors.As(err, &expired))
	assert.Equal(t, s.SessionID, expired.SessionID)

	status, err := h.Status(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, status.Status)
	assert.Zero(t, h.ActiveSessions())

	// still expired after the session left memory
	_, err = h.Commit(ctx, CommitRequest{SessionID: s.SessionID, PayloadCID: content.Sum(payload)})
	assert.True(t, errors.Is(err, errors.ErrSessionExpired))
}

func TestExpireSessionsSweep(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(epoch)
	h, st := newTestHub(t, clock, HubConfig{SessionTTL: time.Minute})
	handshake(t, h, "scanner-1")
	handshake(t, h, "scanner-2")

	// left behind by an earlier hub process
	orphan := &store.SessionRecord{
		ID: "orphan", ClientID: "scanner-9", Status: string(StatusActive),
		ProtocolVersion: "1.0.0", ChunkSize: 1024,
		CreatedAt: epoch, ExpiresAt: epoch.Add(30 * time.Second),
	}
	require.NoError(t, st.CreateSession(ctx, orphan))

	n, err := h.ExpireSessions(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(time.Minute)
	n, err = h.ExpireSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	sessions, err := h.Sessions(ctx, store.SessionFilter{Statuses: []string{string(StatusExpired)}})
	require.NoError(t, err)
	assert.Len(t, sessions, 3)
}

func TestCancelDropsUnmergedWork(t *testing.T) {
	ctx := context.Background()
	telemetry := newRecordingTelemetry()
	h, st := newTestHub(t, clockwork.NewFakeClockAt(epoch), HubConfig{}, WithTelemetry(telemetry))
	s := handshake(t, h, "scanner-1")

	payload, id := addPayload(t, "e1")
	chunks, err := chunk.Split(s.SessionID, payload, 32)
	require.NoError(t, err)
	_, err = h.UploadChunk(ctx, chunks[0])
	require.NoError(t, err)

	err = h.Complete(ctx, s.SessionID)
	assert.True(t, errors.IsInvalidRequestError(err), "partial upload blocks completion")

	require.NoError(t, h.Cancel(ctx, s.SessionID, "user abort"))
	status, err := h.Status(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status.Status)
	assert.Equal(t, "user abort", status.Error)

	_, err = h.UploadChunk(ctx, chunks[1])
	assert.True(t, errors.IsInvalidRequestError(err))
	assert.True(t, errors.IsInvalidRequestError(h.Cancel(ctx, s.SessionID, "again")))

	has, err := st.Has(ctx, id)
	require.NoError(t, err)
	assert.False(t, has)
	assert.Equal(t, 1, telemetry.ended[string(StatusFailed)])
}

func TestCancelOrphanedSession(t *testing.T) {
	ctx := context.Background()
	h, st := newTestHub(t, clockwork.NewFakeClockAt(epoch), HubConfig{})
	require.NoError(t, st.CreateSession(ctx, &store.SessionRecord{
		ID: "orphan", ClientID: "scanner-9", Status: string(StatusActive),
		ProtocolVersion: "1.0.0", ChunkSize: 1024,
		CreatedAt: epoch, ExpiresAt: epoch.Add(time.Hour),
	}))

	require.NoError(t, h.Cancel(ctx, "orphan", ""))
	rec, err := st.GetSession(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, string(StatusFailed), rec.Status)
	assert.NotNil(t, rec.CompletedAt)

	assert.True(t, errors.IsNotFoundError(h.Cancel(ctx, "missing", "")))
}

func TestCompactRunsUnderLease(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(epoch)
	h, st := newTestHub(t, clock, HubConfig{Retention: 24 * time.Hour, InstanceID: "hub-a"})

	s := handshake(t, h, "scanner-1")
	require.NoError(t, h.Complete(ctx, s.SessionID))

	ok, err := st.Acquire(ctx, CompactionLease, "hub-b", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)
	report, err := h.Compact(ctx)
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	require.NoError(t, st.Release(ctx, CompactionLease, "hub-b"))

	clock.Advance(48 * time.Hour)
	report, err = h.Compact(ctx)
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.EqualValues(t, 1, report.Sessions)

	_, err = st.GetSession(ctx, s.SessionID)
	assert.True(t, errors.IsNotFoundError(err))

	// released afterwards
	ok, err = st.Acquire(ctx, CompactionLease, "hub-b", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunSweepsOnTicker(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	h, _ := newTestHub(t, clock, HubConfig{SessionTTL: time.Minute, SweepInterval: time.Minute, CompactionInterval: time.Hour})
	s := handshake(t, h, "scanner-1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	clock.BlockUntil(2)
	clock.Advance(time.Minute)
	assert.Eventually(t, func() bool {
		st, err := h.Status(context.Background(), s.SessionID)
		return err == nil && st.Status == StatusExpired
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestSessionsRunInParallel(t *testing.T) {
	ctx := context.Background()
	h, st := newTestHub(t, clockwork.NewFakeClockAt(epoch), HubConfig{})

	const clients = 6
	payloads := make([][]byte, clients)
	for i := range clients {
		payloads[i], _ = addPayload(t, "e"+string(rune('a'+i)))
	}
	errs := make(chan error, clients)
	for i := range clients {
		go func() {
			s, err := h.Handshake(ctx, HandshakeRequest{ClientID: "scanner", ProtocolVersion: "1.0.0"})
			if err != nil {
				errs <- err
				return
			}
			payload := payloads[i]
			id := delta.PayloadCID(payload)
			if _, err := h.Commit(ctx, CommitRequest{SessionID: s.SessionID, PayloadCID: id, Payload: payload}); err != nil {
				errs <- err
				return
			}
			errs <- h.Complete(ctx, s.SessionID)
		}()
	}
	for range clients {
		require.NoError(t, <-errs)
	}
	n, err := st.CountEntries(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, clients, n)
}
