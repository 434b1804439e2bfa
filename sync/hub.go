package sync

import (
	"context"
	gosync "sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SakenW/TH-Suite-sub005/bloom"
	"github.com/SakenW/TH-Suite-sub005/chunk"
	"github.com/SakenW/TH-Suite-sub005/content"
	"github.com/SakenW/TH-Suite-sub005/delta"
	"github.com/SakenW/TH-Suite-sub005/errors"
	"github.com/SakenW/TH-Suite-sub005/logger"
	"github.com/SakenW/TH-Suite-sub005/merge"
	"github.com/SakenW/TH-Suite-sub005/store"
	"github.com/SakenW/TH-Suite-sub005/uida"
)

const (
	// ProtocolVersion is the wire protocol this build speaks.
	ProtocolVersion = "1.0.0"

	// DefaultProtocolConstraint accepts any client of the same major version.
	DefaultProtocolConstraint = "^1"

	// CompactionLease names the lease held while compacting.
	CompactionLease = "compaction"
)

// HubConfig tunes a Hub. Zero fields take the DefaultHubConfig value.
type HubConfig struct {
	ProtocolVersion    string
	ProtocolConstraint string

	ChunkSize           int
	MaxChunkSize        int
	MaxConcurrentChunks int
	MaxObjectSize       int

	SessionTTL        time.Duration
	SessionQueueDepth int
	MaxActiveSessions int

	BloomMaxBits           uint64
	BloomFalsePositiveRate float64
	MaxMissingPerHandshake int

	CommitRetries int
	MergeStrategy merge.Strategy
	MergePolicy   merge.Policy

	SweepInterval      time.Duration
	CompactionInterval time.Duration
	Retention          time.Duration

	Capabilities []string
	// InstanceID holds leases; generated when empty.
	InstanceID string
}

// DefaultHubConfig returns the stock hub settings.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		ProtocolVersion:        ProtocolVersion,
		ProtocolConstraint:     DefaultProtocolConstraint,
		ChunkSize:              chunk.DefaultChunkSize,
		MaxChunkSize:           chunk.MaxChunkSize,
		MaxConcurrentChunks:    4,
		MaxObjectSize:          chunk.DefaultMaxObjectSize,
		SessionTTL:             time.Hour,
		SessionQueueDepth:      64,
		MaxActiveSessions:      32,
		BloomMaxBits:           bloom.DefaultMaxBits,
		BloomFalsePositiveRate: 0.01,
		MaxMissingPerHandshake: 10000,
		CommitRetries:          DefaultCommitRetries,
		MergeStrategy:          merge.StrategyThreeWay,
		MergePolicy:            merge.PolicyMarkForReview,
		SweepInterval:          30 * time.Second,
		CompactionInterval:     10 * time.Minute,
		Retention:              7 * 24 * time.Hour,
		Capabilities:           []string{CapSnappy, CapHubBloom},
	}
}

func (c HubConfig) withDefaults() HubConfig {
	d := DefaultHubConfig()
	if c.ProtocolVersion == "" {
		c.ProtocolVersion = d.ProtocolVersion
	}
	if c.ProtocolConstraint == "" {
		c.ProtocolConstraint = d.ProtocolConstraint
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.MaxChunkSize <= 0 {
		c.MaxChunkSize = d.MaxChunkSize
	}
	if c.MaxConcurrentChunks <= 0 {
		c.MaxConcurrentChunks = d.MaxConcurrentChunks
	}
	if c.MaxObjectSize <= 0 {
		c.MaxObjectSize = d.MaxObjectSize
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = d.SessionTTL
	}
	if c.SessionQueueDepth <= 0 {
		c.SessionQueueDepth = d.SessionQueueDepth
	}
	if c.MaxActiveSessions <= 0 {
		c.MaxActiveSessions = d.MaxActiveSessions
	}
	if c.BloomMaxBits == 0 {
		c.BloomMaxBits = d.BloomMaxBits
	}
	if c.BloomFalsePositiveRate <= 0 || c.BloomFalsePositiveRate >= 1 {
		c.BloomFalsePositiveRate = d.BloomFalsePositiveRate
	}
	if c.MaxMissingPerHandshake <= 0 {
		c.MaxMissingPerHandshake = d.MaxMissingPerHandshake
	}
	if c.CommitRetries < 0 {
		c.CommitRetries = d.CommitRetries
	}
	if c.MergeStrategy == "" {
		c.MergeStrategy = d.MergeStrategy
	}
	if c.MergePolicy == "" {
		c.MergePolicy = d.MergePolicy
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.CompactionInterval <= 0 {
		c.CompactionInterval = d.CompactionInterval
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	if c.Capabilities == nil {
		c.Capabilities = d.Capabilities
	}
	if c.InstanceID == "" {
		c.InstanceID = "hub-" + uuid.NewString()
	}
	return c
}

// Hub serves sync sessions against a store. Each session runs on its own
// worker goroutine; sessions run in parallel up to MaxActiveSessions.
type Hub struct {
	cfg        HubConfig
	store      *store.Store
	applier    *Applier
	logger     *zap.SugaredLogger
	clock      clockwork.Clock
	telemetry  Telemetry
	registry   *uida.Registry
	version    *semver.Version
	constraint *semver.Constraints

	mu       gosync.Mutex
	sessions map[string]*hubSession
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

var _ HubAPI = (*Hub)(nil)

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithHubLogger sets the hub logger.
func WithHubLogger(l *zap.SugaredLogger) HubOption {
	return func(h *Hub) { h.logger = l }
}

// WithHubClock sets the clock driving expiry and timestamps.
func WithHubClock(c clockwork.Clock) HubOption {
	return func(h *Hub) { h.clock = c }
}

// WithTelemetry exports session statistics to t.
func WithTelemetry(t Telemetry) HubOption {
	return func(h *Hub) { h.telemetry = t }
}

// WithRegistry verifies incoming UIDA keys against namespaces in r.
func WithRegistry(r *uida.Registry) HubOption {
	return func(h *Hub) { h.registry = r }
}

// NewHub returns a hub serving st. Close releases its workers.
func NewHub(cfg HubConfig, st *store.Store, opts ...HubOption) (*Hub, error) {
	cfg = cfg.withDefaults()
	version, err := semver.NewVersion(cfg.ProtocolVersion)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid hub protocol version %s", cfg.ProtocolVersion)
	}
	constraint, err := semver.NewConstraint(cfg.ProtocolConstraint)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid protocol constraint %s", cfg.ProtocolConstraint)
	}
	if err := chunk.ValidateChunkSize(cfg.ChunkSize); err != nil {
		return nil, err
	}

	h := &Hub{
		cfg:        cfg,
		store:      st,
		logger:     logger.Nop(),
		clock:      clockwork.NewRealClock(),
		telemetry:  NopTelemetry(),
		version:    version,
		constraint: constraint,
		sessions:   make(map[string]*hubSession),
	}
	for _, opt := range opts {
		opt(h)
	}

	applierOpts := []ApplierOption{
		WithApplierLogger(h.logger.Named("applier")),
		WithCommitRetries(cfg.CommitRetries),
		WithApplierTelemetry(h.telemetry),
		WithMergeClock(h.clock),
	}
	if h.registry != nil {
		enc := uida.NewEncoder(uida.WithRegistry(h.registry), uida.WithLogger(h.logger.Named("uida")))
		applierOpts = append(applierOpts, WithUIDAVerification(enc))
	}
	h.applier = NewApplier(st, applierOpts...)

	h.ctx, h.cancel = context.WithCancel(context.Background())
	h.group, h.ctx = errgroup.WithContext(h.ctx)
	return h, nil
}

// Config returns the effective configuration.
func (h *Hub) Config() HubConfig { return h.cfg }

// Applier returns the applier used for commits.
func (h *Hub) Applier() *Applier { return h.applier }

// Handshake validates the client, opens a session and reports which
// committed payloads the client's filter does not contain.
func (h *Hub) Handshake(ctx context.Context, req HandshakeRequest) (HandshakeResponse, error) {
	start := h.clock.Now()
	if req.ClientID == "" {
		return HandshakeResponse{}, errors.NewInvalidRequestError("handshake: client_id is required")
	}
	negotiated, err := h.negotiate(req.ProtocolVersion)
	if err != nil {
		return HandshakeResponse{}, err
	}
	chunkSize := h.cfg.ChunkSize
	if req.ChunkSize > 0 {
		chunkSize = min(req.ChunkSize, h.cfg.MaxChunkSize)
	}

	var filter *bloom.Filter
	if len(req.BloomFilter) > 0 {
		if filter, err = bloom.FromBytes(req.BloomFilter, h.cfg.BloomMaxBits); err != nil {
			return HandshakeResponse{}, errors.Wrap(err, "handshake")
		}
	}

	s, err := h.openSession(ctx, req, negotiated, chunkSize, start)
	if err != nil {
		return HandshakeResponse{}, err
	}
	log := h.logger.With(logger.FieldSessionID, s.id, logger.FieldClientID, req.ClientID)

	resp, err := h.inventory(ctx, filter)
	if err != nil {
		h.fail(ctx, s, errors.Wrap(err, "handshake inventory").Error())
		return HandshakeResponse{}, err
	}

	latency := h.clock.Since(start)
	rec, err := s.update(func(r *store.SessionRecord) error {
		r.Status = string(StatusActive)
		r.Stats.HandshakeLatencyMS = latency.Milliseconds()
		return nil
	})
	if err != nil {
		return HandshakeResponse{}, err
	}
	h.persist(ctx, rec)
	h.telemetry.HandshakeCompleted(latency)

	resp.SessionID = s.id
	resp.ProtocolVersion = negotiated
	resp.ChunkSize = chunkSize
	resp.MaxConcurrentChunks = h.cfg.MaxConcurrentChunks
	resp.SessionExpiresAt = rec.ExpiresAt
	resp.Capabilities = rec.Capabilities
	if !hasCapability(rec.Capabilities, CapHubBloom) {
		resp.HubBloomFilter = nil
	}

	log.Infow("Sync session active",
		"protocol_version", negotiated,
		"missing", len(resp.MissingCIDs),
		"chunk_size", chunkSize,
		logger.FieldDurationMS, latency.Milliseconds(),
	)
	return resp, nil
}

// negotiate checks the client version against the constraint and picks the
// lower of the two versions.
func (h *Hub) negotiate(clientVersion string) (string, error) {
	if clientVersion == "" {
		return "", errors.NewInvalidRequestError("handshake: protocol_version is required")
	}
	v, err := semver.NewVersion(clientVersion)
	if err != nil {
		return "", errors.Mark(errors.Wrapf(err, "handshake: bad protocol version %q", clientVersion), errors.ErrInvalidRequest)
	}
	if !h.constraint.Check(v) {
		return "", errors.WithHintf(
			errors.NewInvalidRequestError("handshake: protocol %s does not satisfy %s", v, h.cfg.ProtocolConstraint),
			"upgrade the client to a %s release", h.cfg.ProtocolConstraint,
		)
	}
	if v.LessThan(h.version) {
		return v.String(), nil
	}
	return h.version.String(), nil
}

func (h *Hub) openSession(ctx context.Context, req HandshakeRequest, version string, chunkSize int, now time.Time) (*hubSession, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, errors.Mark(errors.New("hub is shutting down"), errors.ErrServiceUnavailable)
	}
	if len(h.sessions) >= h.cfg.MaxActiveSessions {
		h.mu.Unlock()
		return nil, errors.WithHint(
			errors.Mark(errors.Newf("hub at capacity: %d active sessions", h.cfg.MaxActiveSessions), errors.ErrServiceUnavailable),
			"retry the handshake later",
		)
	}
	id := req.SessionID
	if _, taken := h.sessions[id]; id == "" || taken {
		id = uuid.NewString()
	}
	s := newHubSession(h.ctx, id, h.cfg.SessionQueueDepth, h.cfg.MaxObjectSize)
	s.rec = store.SessionRecord{
		ID:              id,
		ClientID:        req.ClientID,
		Status:          string(StatusPending),
		ProtocolVersion: version,
		ChunkSize:       chunkSize,
		Capabilities:    intersect(req.Capabilities, h.cfg.Capabilities),
		CreatedAt:       now.UTC(),
		ExpiresAt:       now.Add(h.cfg.SessionTTL).UTC(),
	}
	h.sessions[id] = s
	h.mu.Unlock()

	rec := s.snapshot()
	err := h.store.CreateSession(ctx, &rec)
	if errors.Is(err, errors.ErrConflict) && req.SessionID != "" && id == req.SessionID {
		// the id belongs to an archived session
		s.stop()
		h.drop(s)
		req.SessionID = ""
		return h.openSession(ctx, req, version, chunkSize, now)
	}
	if err != nil {
		s.stop()
		h.drop(s)
		return nil, errors.Wrap(err, "archive new session")
	}

	h.group.Go(func() error {
		s.run()
		return nil
	})
	h.telemetry.SessionStarted()
	return s, nil
}

// inventory lists committed payloads the client filter lacks, in commit
// order, and builds the hub's own filter.
func (h *Hub) inventory(ctx context.Context, filter *bloom.Filter) (HandshakeResponse, error) {
	var resp HandshakeResponse
	committed, err := h.store.CommittedPayloads(ctx)
	if err != nil {
		return resp, err
	}
	resp.MissingCIDs = []content.ID{}
	for _, id := range committed {
		if filter != nil && filter.MightContain(id) {
			continue
		}
		if len(resp.MissingCIDs) == h.cfg.MaxMissingPerHandshake {
			resp.MissingTruncated = true
			break
		}
		resp.MissingCIDs = append(resp.MissingCIDs, id)
	}

	objects, err := h.store.List(ctx)
	if err != nil {
		return resp, err
	}
	bits, hashes := bloom.OptimalParameters(uint64(len(objects)), h.cfg.BloomFalsePositiveRate)
	bits = min(bits, h.cfg.BloomMaxBits)
	own, err := bloom.New(bits, hashes)
	if err != nil {
		return resp, err
	}
	for _, id := range objects {
		own.Add(id)
	}
	resp.HubBloomFilter = own.ToBytes()
	return resp, nil
}

// UploadChunk buffers a chunk on the session. When it completes an object,
// the object is verified and stored. A corrupt chunk fails alone; the
// session stays active.
func (h *Hub) UploadChunk(ctx context.Context, c ChunkUpload) (ChunkAck, error) {
	var ack ChunkAck
	err := h.do(ctx, c.SessionID, func(ctx context.Context, s *hubSession) error {
		rec := s.snapshot()
		if c.Size > rec.ChunkSize || len(c.Data) > rec.ChunkSize {
			return errors.NewInvalidRequestError("chunk %d of %s is %d bytes, session chunk size is %d",
				c.Index, c.CID, len(c.Data), rec.ChunkSize)
		}
		start := h.clock.Now()
		c.SessionID = s.id
		complete, err := s.asm.Accept(c)
		elapsed := h.clock.Since(start)
		h.telemetry.ChunkReceived(len(c.Data), elapsed, err == nil)
		if err != nil {
			s.bump(func(st *SessionStats) { st.ChunksRejected++ })
			h.logger.Warnw("Chunk rejected",
				logger.FieldSessionID, s.id,
				logger.FieldCID, c.CID.String(),
				logger.FieldChunkIndex, c.Index,
				logger.FieldError, err,
			)
			return err
		}
		s.bump(func(st *SessionStats) {
			st.ChunksReceived++
			st.ChunkBytes += int64(len(c.Data))
			st.ChunkTotalMS += elapsed.Milliseconds()
			st.ChunkMaxMS = max(st.ChunkMaxMS, elapsed.Milliseconds())
		})

		ack = ChunkAck{Accepted: true, CID: c.CID, ChunkIndex: c.Index}
		if !complete {
			ack.Missing = s.asm.Missing(c.CID)
			return nil
		}
		data, err := s.asm.Complete(c.CID)
		if err != nil {
			return err
		}
		if err := h.store.PutVerified(ctx, c.CID, data); err != nil {
			return err
		}
		s.bump(func(st *SessionStats) { st.ObjectsCompleted++ })
		ack.Complete = true
		return nil
	})
	return ack, err
}

// DownloadChunk serves one chunk of a stored object.
func (h *Hub) DownloadChunk(ctx context.Context, req ChunkRequest) (chunk.Chunk, error) {
	var out chunk.Chunk
	err := h.do(ctx, req.SessionID, func(ctx context.Context, s *hubSession) error {
		data, err := h.store.Get(ctx, req.CID)
		if err != nil {
			return err
		}
		part, total, err := chunk.Slice(data, s.snapshot().ChunkSize, req.ChunkIndex)
		if err != nil {
			return err
		}
		out = chunk.New(s.id, req.CID, req.ChunkIndex, total, part)
		s.bump(func(st *SessionStats) { st.ChunksServed++ })
		h.telemetry.ChunkServed(len(part))
		return nil
	})
	return out, err
}

// Commit applies a delta payload. A payload already committed is not
// applied again; its original counts are returned with Replayed set.
func (h *Hub) Commit(ctx context.Context, req CommitRequest) (CommitResult, error) {
	var result CommitResult
	err := h.do(ctx, req.SessionID, func(ctx context.Context, s *hubSession) error {
		log := h.logger.With(logger.FieldSessionID, s.id, logger.FieldPayloadCID, req.PayloadCID.String())
		if req.PayloadCID.IsZero() {
			return errors.NewInvalidRequestError("commit: payload_cid is required")
		}

		data := req.Payload
		if len(data) == 0 {
			stored, err := h.store.Get(ctx, req.PayloadCID)
			if err != nil {
				return errors.WithHint(err, "upload the payload in chunks before committing it")
			}
			data = stored
		} else if err := req.PayloadCID.Verify(data); err != nil {
			return &chunk.IntegrityError{
				SessionID:  s.id,
				CID:        req.PayloadCID,
				ChunkIndex: -1,
				Actual:     content.Sum(data).String(),
				Expected:   req.PayloadCID.String(),
				Reason:     "payload does not match its cid",
			}
		}

		if replay, ok, err := h.replay(ctx, req.PayloadCID); err != nil || ok {
			if ok {
				result = replay
				s.bump(func(st *SessionStats) { st.PayloadsReplayed++ })
				h.telemetry.PayloadCommitted(PayloadReplayed)
				log.Infow("Payload already applied, replaying result")
			}
			return err
		}

		deltas, err := delta.DecodePayload(data)
		if err != nil {
			s.bump(func(st *SessionStats) { st.PayloadsRejected++ })
			h.telemetry.PayloadCommitted(PayloadRejected)
			log.Warnw("Payload rejected", logger.FieldError, err)
			return err
		}
		if len(req.Payload) > 0 {
			if err := h.store.PutVerified(ctx, req.PayloadCID, data); err != nil {
				return err
			}
		}

		report, err := h.applier.Apply(logger.WithSessionID(ctx, s.id), deltas, ApplyOptions{
			SessionID:  s.id,
			PayloadCID: req.PayloadCID,
			Record:     true,
			Strategy:   h.cfg.MergeStrategy,
			Policy:     h.cfg.MergePolicy,
		})
		switch {
		case errors.Is(err, store.ErrAlreadyApplied):
			// another session committed the same payload first
			replay, _, rerr := h.replay(ctx, req.PayloadCID)
			if rerr != nil {
				return rerr
			}
			result = replay
			s.bump(func(st *SessionStats) { st.PayloadsReplayed++ })
			h.telemetry.PayloadCommitted(PayloadReplayed)
			return nil
		case errors.Is(err, errors.ErrConcurrentCommit):
			h.endOnWorker(ctx, s, StatusFailed, err.Error())
			return err
		case err != nil:
			return err
		}

		result = CommitResult{
			Applied:   report.Applied,
			Conflicts: report.Conflicts,
			Errors:    report.Errors,
			Results:   report.Results,
		}
		s.bump(func(st *SessionStats) {
			st.PayloadsCommitted++
			st.MergesClean += int64(report.Applied)
			st.MergesConflicted += int64(report.Conflicts)
			st.EntryErrors += int64(report.Errors)
		})
		h.telemetry.PayloadCommitted(PayloadApplied)
		h.telemetry.MergesApplied(report.Applied, report.Conflicts, report.Errors)
		log.Infow("Payload applied",
			logger.FieldCount, len(deltas),
			logger.FieldApplied, report.Applied,
			logger.FieldConflicts, report.Conflicts,
			"errors", report.Errors,
			"retries", report.Retries,
		)
		return nil
	})
	return result, err
}

func (h *Hub) replay(ctx context.Context, id content.ID) (CommitResult, bool, error) {
	ap, err := h.store.GetAppliedPayload(ctx, nil, id)
	if errors.IsNotFoundError(err) {
		return CommitResult{}, false, nil
	}
	if err != nil {
		return CommitResult{}, false, err
	}
	res := CommitResult{Applied: ap.Applied, Conflicts: ap.Conflicts, Errors: ap.Errors, Replayed: true}
	// a replay carries only the refused deltas
	for _, r := range ap.Rejections {
		res.Results = append(res.Results, EntryResult{
			Index:    r.Index,
			EntryUID: r.EntryUID,
			Outcome:  merge.OutcomeInvalid,
			Error:    r.Reason,
		})
	}
	return res, true, nil
}

// Complete ends an active session successfully. It fails while any object
// is still partially uploaded.
func (h *Hub) Complete(ctx context.Context, sessionID string) error {
	return h.do(ctx, sessionID, func(ctx context.Context, s *hubSession) error {
		if pending := s.asm.Pending(); len(pending) > 0 {
			return errors.NewInvalidRequestError("session %s: %d objects still incomplete", s.id, len(pending))
		}
		h.endOnWorker(ctx, s, StatusCompleted, "")
		return nil
	})
}

// Cancel fails a session that has not finished. Queued operations are
// dropped and an in-flight commit is rolled back; stored objects stay.
func (h *Hub) Cancel(ctx context.Context, sessionID, reason string) error {
	if reason == "" {
		reason = "cancelled"
	}
	h.mu.Lock()
	s, ok := h.sessions[sessionID]
	h.mu.Unlock()
	if ok {
		if !h.end(ctx, s, StatusFailed, reason) {
			return errors.NewInvalidRequestError("session %s already ended", sessionID)
		}
		return nil
	}

	rec, err := h.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if Status(rec.Status).Terminal() {
		return errors.NewInvalidRequestError("session %s is already %s", sessionID, rec.Status)
	}
	// orphaned by a restart
	now := h.clock.Now().UTC()
	rec.Status, rec.Error, rec.CompletedAt = string(StatusFailed), reason, &now
	return h.store.UpdateSession(ctx, rec)
}

// Status reports a live or archived session.
func (h *Hub) Status(ctx context.Context, sessionID string) (StatusResponse, error) {
	h.mu.Lock()
	s, ok := h.sessions[sessionID]
	h.mu.Unlock()

	var rec store.SessionRecord
	if ok {
		h.expireIfDue(ctx, s)
		rec = s.snapshot()
	} else {
		archived, err := h.store.GetSession(ctx, sessionID)
		if err != nil {
			return StatusResponse{}, err
		}
		rec = *archived
	}
	return StatusResponse{
		SessionID: rec.ID,
		Status:    Status(rec.Status),
		ExpiresAt: rec.ExpiresAt,
		Stats:     rec.Stats,
		Error:     rec.Error,
	}, nil
}

// Sessions lists archived sessions, which include live ones.
func (h *Hub) Sessions(ctx context.Context, f store.SessionFilter) ([]*Session, error) {
	h.mu.Lock()
	live := make([]*hubSession, 0, len(h.sessions))
	for _, s := range h.sessions {
		live = append(live, s)
	}
	h.mu.Unlock()
	for _, s := range live {
		h.persist(ctx, s.snapshot())
	}
	return h.store.ListSessions(ctx, f)
}

// ActiveSessions returns the number of sessions held in memory.
func (h *Hub) ActiveSessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// ExpireSessions moves every session past its TTL to expired, discarding
// partial uploads. Archived sessions orphaned by a restart are expired too.
func (h *Hub) ExpireSessions(ctx context.Context) (int, error) {
	h.mu.Lock()
	live := make([]*hubSession, 0, len(h.sessions))
	for _, s := range h.sessions {
		live = append(live, s)
	}
	h.mu.Unlock()

	n := 0
	for _, s := range live {
		if h.expireIfDue(ctx, s) {
			n++
		}
	}
	orphans, err := h.store.MarkExpired(ctx, h.clock.Now(), liveStatuses, string(StatusExpired))
	if err != nil {
		return n, err
	}
	if total := n + int(orphans); total > 0 {
		h.logger.Infow("Expired sync sessions", logger.FieldCount, total)
	}
	return n + int(orphans), nil
}

// CompactReport counts what a compaction removed.
type CompactReport struct {
	Skipped       bool  `json:"skipped"`
	Sessions      int64 `json:"sessions"`
	Revisions     int64 `json:"revisions"`
	OutboxReset   int64 `json:"outbox_reset"`
	ExpiredLeases int64 `json:"expired_leases"`
}

// Compact purges archived state older than the retention period. It runs
// under the compaction lease, so only one hub compacts a store at a time;
// when another holder has the lease it reports Skipped.
func (h *Hub) Compact(ctx context.Context) (CompactReport, error) {
	var report CompactReport
	ttl := h.cfg.CompactionInterval
	ok, err := h.store.Acquire(ctx, CompactionLease, h.cfg.InstanceID, ttl)
	if err != nil {
		return report, err
	}
	if !ok {
		report.Skipped = true
		return report, nil
	}
	defer func() {
		if err := h.store.Release(context.WithoutCancel(ctx), CompactionLease, h.cfg.InstanceID); err != nil {
			h.logger.Warnw("Failed to release compaction lease", logger.FieldError, err)
		}
	}()

	cutoff := h.clock.Now().Add(-h.cfg.Retention)
	if report.Sessions, err = h.store.PurgeSessions(ctx, cutoff, terminalStatuses); err != nil {
		return report, err
	}
	if report.Revisions, err = h.store.PurgeRevisions(ctx, cutoff); err != nil {
		return report, err
	}
	if report.OutboxReset, err = h.store.ResetStaleSubmitted(ctx, cutoff); err != nil {
		return report, err
	}
	if report.ExpiredLeases, err = h.store.PurgeExpiredLeases(ctx); err != nil {
		return report, err
	}
	h.logger.Infow("Compaction finished",
		"sessions", report.Sessions,
		"revisions", report.Revisions,
		"outbox_reset", report.OutboxReset,
		"leases", report.ExpiredLeases,
	)
	return report, nil
}

// Run sweeps expired sessions and compacts on their intervals until ctx is
// done.
func (h *Hub) Run(ctx context.Context) error {
	sweep := h.clock.NewTicker(h.cfg.SweepInterval)
	defer sweep.Stop()
	compact := h.clock.NewTicker(h.cfg.CompactionInterval)
	defer compact.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-h.ctx.Done():
			return nil
		case <-sweep.Chan():
			if _, err := h.ExpireSessions(ctx); err != nil {
				h.logger.Warnw("Session sweep failed", logger.FieldError, err)
			}
		case <-compact.Chan():
			if _, err := h.Compact(ctx); err != nil {
				h.logger.Warnw("Compaction failed", logger.FieldError, err)
			}
		}
	}
}

// Close stops every session worker. Sessions left active stay archived as
// they were and expire on a later sweep.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	live := make([]*hubSession, 0, len(h.sessions))
	for _, s := range h.sessions {
		live = append(live, s)
	}
	h.mu.Unlock()

	ctx := context.Background()
	for _, s := range live {
		h.persist(ctx, s.snapshot())
	}
	h.cancel()
	return h.group.Wait()
}

// do runs fn on the session's worker after the liveness checks.
func (h *Hub) do(ctx context.Context, sessionID string, fn func(ctx context.Context, s *hubSession) error) error {
	s, err := h.live(ctx, sessionID)
	if err != nil {
		return err
	}
	return s.submit(ctx, func(wctx context.Context) error {
		if h.expireIfDue(wctx, s) {
			return s.expiredError()
		}
		if st := s.status(); st != StatusActive {
			return errors.NewInvalidRequestError("session %s is %s", s.id, st)
		}
		return fn(wctx, s)
	})
}

// live finds an in-memory session or explains why there is none.
func (h *Hub) live(ctx context.Context, sessionID string) (*hubSession, error) {
	if sessionID == "" {
		return nil, errors.NewInvalidRequestError("session_id is required")
	}
	h.mu.Lock()
	s, ok := h.sessions[sessionID]
	h.mu.Unlock()
	if ok {
		if h.expireIfDue(ctx, s) {
			return nil, s.expiredError()
		}
		return s, nil
	}

	rec, err := h.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if Status(rec.Status) == StatusExpired || !h.clock.Now().Before(rec.ExpiresAt) {
		return nil, &SessionExpiredError{SessionID: sessionID, ExpiredAt: rec.ExpiresAt}
	}
	return nil, errors.NewInvalidRequestError("session %s is %s", sessionID, rec.Status)
}

func (h *Hub) expireIfDue(ctx context.Context, s *hubSession) bool {
	if h.clock.Now().Before(s.snapshot().ExpiresAt) {
		return false
	}
	h.end(ctx, s, StatusExpired, "session expired")
	return s.status() == StatusExpired
}

// endOnWorker ends s from inside one of its own operations.
func (h *Hub) endOnWorker(ctx context.Context, s *hubSession, status Status, reason string) {
	h.end(context.WithoutCancel(ctx), s, status, reason)
}

// end moves s to a terminal status, discards its buffers and stops its
// worker. It reports whether this call made the transition.
func (h *Hub) end(ctx context.Context, s *hubSession, status Status, reason string) bool {
	now := h.clock.Now().UTC()
	rec, err := s.update(func(r *store.SessionRecord) error {
		if Status(r.Status).Terminal() {
			return errSessionEnded
		}
		r.Status = string(status)
		r.Error = reason
		r.CompletedAt = &now
		return nil
	})
	if err != nil {
		return false
	}
	s.stop()
	h.drop(s)
	h.persist(ctx, rec)
	h.telemetry.SessionEnded(string(status))

	log := h.logger.With(logger.FieldSessionID, s.id, logger.FieldClientID, rec.ClientID, logger.FieldStatus, status)
	if status == StatusCompleted {
		log.Infow("Sync session completed")
	} else {
		log.Warnw("Sync session ended", "reason", reason)
	}
	return true
}

func (h *Hub) fail(ctx context.Context, s *hubSession, reason string) {
	h.end(ctx, s, StatusFailed, reason)
}

func (h *Hub) drop(s *hubSession) {
	h.mu.Lock()
	if h.sessions[s.id] == s {
		delete(h.sessions, s.id)
	}
	h.mu.Unlock()
}

func (h *Hub) persist(ctx context.Context, rec store.SessionRecord) {
	if err := h.store.UpdateSession(ctx, &rec); err != nil {
		h.logger.Warnw("Failed to archive session state",
			logger.FieldSessionID, rec.ID,
			logger.FieldError, err,
		)
	}
}

func intersect(requested, supported []string) []string {
	out := []string{}
	for _, c := range requested {
		if hasCapability(supported, c) && !hasCapability(out, c) {
			out = append(out, c)
		}
	}
	return out
}

func hasCapability(caps []string, c string) bool {
	for _, x := range caps {
		if x == c {
			return true
		}
	}
	return false
}
