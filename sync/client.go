package sync

import (
	"context"
	"database/sql"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/SakenW/TH-Suite-sub005/bloom"
	"github.com/SakenW/TH-Suite-sub005/chunk"
	"github.com/SakenW/TH-Suite-sub005/content"
	"github.com/SakenW/TH-Suite-sub005/delta"
	"github.com/SakenW/TH-Suite-sub005/errors"
	"github.com/SakenW/TH-Suite-sub005/logger"
	"github.com/SakenW/TH-Suite-sub005/merge"
	"github.com/SakenW/TH-Suite-sub005/store"
	"github.com/SakenW/TH-Suite-sub005/types"
)

// cancelTimeout bounds the best-effort cancel sent after a failed sync.
const cancelTimeout = 5 * time.Second

// ClientConfig tunes a Client.
type ClientConfig struct {
	ClientID        string
	ProtocolVersion string
	// ChunkSize is requested from the hub; zero takes the hub default.
	ChunkSize    int
	Capabilities []string
	// Compress snappy-compresses pushed payloads when the hub accepts it.
	Compress bool

	BloomFalsePositiveRate float64
	PayloadBatchSize       int
	// UploadBytesPerSecond limits chunk uploads; zero is unlimited.
	UploadBytesPerSecond int
	ChunkRetries         int
	CommitRetries        int

	// LockPath guards the workspace against a second client process.
	LockPath string

	MergeStrategy merge.Strategy
	MergePolicy   merge.Policy
}

// DefaultClientConfig returns the stock client settings for clientID.
func DefaultClientConfig(clientID string) ClientConfig {
	return ClientConfig{
		ClientID:               clientID,
		ProtocolVersion:        ProtocolVersion,
		Capabilities:           []string{CapSnappy, CapHubBloom},
		Compress:               true,
		BloomFalsePositiveRate: 0.01,
		PayloadBatchSize:       500,
		ChunkRetries:           3,
		CommitRetries:          DefaultCommitRetries,
		MergeStrategy:          merge.StrategyThreeWay,
		MergePolicy:            merge.PolicyMarkForReview,
	}
}

// SyncReport summarizes one Sync.
type SyncReport struct {
	SessionID string `json:"session_id"`

	// pull
	Pulled         int  `json:"pulled"`
	PullSkipped    int  `json:"pull_skipped"`
	PullTruncated  bool `json:"pull_truncated,omitempty"`
	LocalApplied   int  `json:"local_applied"`
	LocalConflicts int  `json:"local_conflicts"`
	LocalErrors    int  `json:"local_errors"`

	// push
	Payloads     int `json:"payloads"`
	Pushed       int `json:"pushed"`
	Replayed     int `json:"replayed"`
	Applied      int `json:"applied"`
	Conflicts    int `json:"conflicts"`
	Errors       int `json:"errors"`
	ChunkRetries int `json:"chunk_retries"`

	Duration time.Duration `json:"duration"`
}

// Client syncs a local workspace with a hub: it pulls committed payloads it
// lacks, then pushes its outbox.
type Client struct {
	cfg     ClientConfig
	hub     HubAPI
	store   *store.Store
	objects store.ObjectStore
	applier *Applier
	logger  *zap.SugaredLogger
	clock   clockwork.Clock
	lock    *flock.Flock
	running atomic.Bool
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the client logger.
func WithClientLogger(l *zap.SugaredLogger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithClientClock sets the clock stamping edits and merges.
func WithClientClock(clk clockwork.Clock) ClientOption {
	return func(c *Client) { c.clock = clk }
}

// NewClient returns a client keeping entries and its outbox in st and
// payload objects in objects.
func NewClient(cfg ClientConfig, hub HubAPI, st *store.Store, objects store.ObjectStore, opts ...ClientOption) (*Client, error) {
	if cfg.ClientID == "" {
		return nil, errors.NewInvalidRequestError("client id is required")
	}
	d := DefaultClientConfig(cfg.ClientID)
	if cfg.ProtocolVersion == "" {
		cfg.ProtocolVersion = d.ProtocolVersion
	}
	if cfg.Capabilities == nil {
		cfg.Capabilities = d.Capabilities
	}
	if cfg.BloomFalsePositiveRate <= 0 || cfg.BloomFalsePositiveRate >= 1 {
		cfg.BloomFalsePositiveRate = d.BloomFalsePositiveRate
	}
	if cfg.PayloadBatchSize <= 0 {
		cfg.PayloadBatchSize = d.PayloadBatchSize
	}
	if cfg.ChunkRetries < 0 {
		cfg.ChunkRetries = 0
	}
	if cfg.MergeStrategy == "" {
		cfg.MergeStrategy = d.MergeStrategy
	}
	if cfg.MergePolicy == "" {
		cfg.MergePolicy = d.MergePolicy
	}

	c := &Client{
		cfg:     cfg,
		hub:     hub,
		store:   st,
		objects: objects,
		logger:  logger.Nop(),
		clock:   clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(logger.FieldClientID, cfg.ClientID)
	if cfg.LockPath != "" {
		c.lock = flock.New(cfg.LockPath)
	}
	c.applier = NewApplier(st,
		WithApplierLogger(c.logger.Named("applier")),
		WithCommitRetries(cfg.CommitRetries),
		WithMergeClock(c.clock),
	)
	return c, nil
}

// RecordEdit stores a local edit and queues it for the hub, with the hash
// of the version it replaces as its base. Both happen in one transaction.
func (c *Client) RecordEdit(ctx context.Context, e *types.Entry, op delta.Op) (*store.OutboxItem, error) {
	if e == nil || e.UID == "" {
		return nil, errors.NewInvalidRequestError("edit needs an entry uid")
	}
	if !op.Valid() {
		return nil, errors.NewInvalidRequestError("unknown op %q", op)
	}

	var item *store.OutboxItem
	err := c.store.WithTx(ctx, func(tx *sql.Tx) error {
		cur, err := c.store.GetEntry(ctx, tx, e.UID)
		if errors.IsNotFoundError(err) {
			cur, err = nil, nil
		}
		if err != nil {
			return err
		}
		var base content.ID
		if cur != nil {
			base = cur.ContentHash
		}

		var d delta.Delta
		switch {
		case op == delta.OpDelete:
			if cur == nil {
				return errors.NewNotFoundError("entry %s not found", e.UID)
			}
			if err := c.store.DeleteEntry(ctx, tx, e.UID, store.ExpectedOf(cur)); err != nil {
				return err
			}
			d = delta.Serialize(cur.Entry, op, base)
		default:
			edit := e.Clone()
			if edit.UpdatedAt.IsZero() {
				edit.UpdatedAt = c.clock.Now().UTC()
			}
			if cur == nil {
				op = delta.OpAdd
			} else if op == delta.OpAdd {
				op = delta.OpUpdate
			}
			if _, err := c.store.SaveEntry(ctx, tx, edit); err != nil {
				return err
			}
			d = delta.Serialize(edit, op, base)
		}
		item, err = c.store.AppendOutbox(ctx, tx, c.cfg.ClientID, d)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.logger.Debugw("Edit queued",
		logger.FieldEntryUID, e.UID,
		logger.FieldOperation, item.Delta.Op,
		"seq", item.Seq,
	)
	return item, nil
}

// clientSession is what the client learned from a handshake.
// callLimiter is a hub that carries at most MaxConcurrentCalls requests at
// once.
type callLimiter interface {
	MaxConcurrentCalls() int
}

type clientSession struct {
	id         string
	chunkSize  int
	concurrent int
	caps       []string
	hubFilter  *bloom.Filter
	limiter    *rate.Limiter
}

// Sync runs one round: handshake, pull, push, complete. On failure the
// session is cancelled best-effort and unconfirmed outbox rows stay queued.
func (c *Client) Sync(ctx context.Context) (SyncReport, error) {
	var report SyncReport
	if !c.running.CompareAndSwap(false, true) {
		return report, errors.Mark(errors.New("a sync is already running"), errors.ErrServiceUnavailable)
	}
	defer c.running.Store(false)

	if c.lock != nil {
		locked, err := c.lock.TryLock()
		if err != nil {
			return report, errors.Wrapf(err, "lock workspace %s", c.cfg.LockPath)
		}
		if !locked {
			return report, errors.WithHint(
				errors.Mark(errors.Newf("workspace %s is locked", c.cfg.LockPath), errors.ErrServiceUnavailable),
				"another client process is syncing this workspace",
			)
		}
		defer func() {
			if err := c.lock.Unlock(); err != nil {
				c.logger.Warnw("Failed to unlock workspace", logger.FieldError, err)
			}
		}()
	}

	start := c.clock.Now()
	sess, missing, err := c.handshake(ctx, &report)
	if err != nil {
		return report, err
	}
	report.SessionID = sess.id
	ctx = logger.WithSessionID(logger.WithClientID(ctx, c.cfg.ClientID), sess.id)

	err = c.pull(ctx, sess, missing, &report)
	if err == nil {
		err = c.push(ctx, sess, &report)
	}
	if err == nil {
		err = c.hub.Complete(ctx, sess.id)
	}
	report.Duration = c.clock.Since(start)
	if err != nil {
		c.abandon(ctx, sess.id, err)
		return report, err
	}

	c.logger.Infow("Sync finished",
		logger.FieldSessionID, sess.id,
		"pulled", report.Pulled,
		"pushed", report.Pushed,
		logger.FieldConflicts, report.Conflicts+report.LocalConflicts,
		logger.FieldDurationMS, report.Duration.Milliseconds(),
	)
	return report, nil
}

func (c *Client) abandon(ctx context.Context, sessionID string, cause error) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer cancel()
	if err := c.hub.Cancel(cctx, sessionID, cause.Error()); err != nil {
		c.logger.Debugw("Best-effort cancel failed",
			logger.FieldSessionID, sessionID,
			logger.FieldError, err,
		)
	}
	c.logger.Warnw("Sync failed",
		logger.FieldSessionID, sessionID,
		logger.FieldError, cause,
	)
}

// localFilter builds a Bloom filter over every local object.
func (c *Client) localFilter(ctx context.Context) (*bloom.Filter, error) {
	ids, err := c.objects.List(ctx)
	if err != nil {
		return nil, err
	}
	bits, hashes := bloom.OptimalParameters(uint64(len(ids)), c.cfg.BloomFalsePositiveRate)
	f, err := bloom.New(bits, hashes)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		f.Add(id)
	}
	return f, nil
}

func (c *Client) handshake(ctx context.Context, report *SyncReport) (*clientSession, []content.ID, error) {
	filter, err := c.localFilter(ctx)
	if err != nil {
		return nil, nil, errors.Wrap(err, "build local filter")
	}
	resp, err := c.hub.Handshake(ctx, HandshakeRequest{
		ClientID:        c.cfg.ClientID,
		ProtocolVersion: c.cfg.ProtocolVersion,
		BloomFilter:     filter.ToBytes(),
		ChunkSize:       c.cfg.ChunkSize,
		Capabilities:    c.cfg.Capabilities,
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "handshake")
	}

	sess := &clientSession{
		id:         resp.SessionID,
		chunkSize:  resp.ChunkSize,
		concurrent: max(resp.MaxConcurrentChunks, 1),
		caps:       resp.Capabilities,
	}
	if l, ok := c.hub.(callLimiter); ok {
		sess.concurrent = max(min(sess.concurrent, l.MaxConcurrentCalls()), 1)
	}
	if len(resp.HubBloomFilter) > 0 {
		if sess.hubFilter, err = bloom.FromBytes(resp.HubBloomFilter, bloom.DefaultMaxBits); err != nil {
			c.logger.Debugw("Ignoring undecodable hub filter", logger.FieldError, err)
		}
	}
	if bps := c.cfg.UploadBytesPerSecond; bps > 0 {
		sess.limiter = rate.NewLimiter(rate.Limit(bps), max(bps, sess.chunkSize))
	}
	report.PullTruncated = resp.MissingTruncated
	return sess, resp.MissingCIDs, nil
}

// pull downloads and applies, in hub commit order, each missing payload.
func (c *Client) pull(ctx context.Context, sess *clientSession, missing []content.ID, report *SyncReport) error {
	for _, id := range missing {
		has, err := c.objects.Has(ctx, id)
		if err != nil {
			return err
		}
		if has {
			report.PullSkipped++
			continue
		}
		data, retries, err := c.download(ctx, sess, id)
		report.ChunkRetries += retries
		if err != nil {
			return errors.Wrapf(err, "download %s", id)
		}
		if err := c.applyPulled(ctx, sess, id, data, report); err != nil {
			return err
		}
		if err := c.objects.PutVerified(ctx, id, data); err != nil {
			return err
		}
		report.Pulled++
	}
	if report.PullTruncated {
		c.logger.Infow("Hub has more missing payloads than one handshake lists; sync again to fetch the rest",
			logger.FieldSessionID, sess.id)
	}
	return nil
}

// download fetches chunk 0 to learn the chunk count, then the rest in
// parallel up to the session's concurrency. Over a hub that serializes its
// calls the rest are fetched one at a time, so a failed chunk never cuts off
// a sibling request mid-flight.
func (c *Client) download(ctx context.Context, sess *clientSession, id content.ID) ([]byte, int, error) {
	asm := chunk.NewAssembler(0)
	var retries atomic.Int64

	fetch := func(ctx context.Context, index int) (chunk.Chunk, error) {
		for attempt := 0; ; attempt++ {
			ch, err := c.hub.DownloadChunk(ctx, ChunkRequest{SessionID: sess.id, CID: id, ChunkIndex: index})
			if err == nil {
				_, err = asm.Accept(ch)
			}
			if err == nil || !errors.Is(err, errors.ErrIntegrity) || attempt >= c.cfg.ChunkRetries {
				return ch, err
			}
			retries.Add(1)
			c.logger.Debugw("Refetching chunk",
				logger.FieldCID, id.String(),
				logger.FieldChunkIndex, index,
				logger.FieldError, err,
			)
		}
	}

	first, err := fetch(ctx, 0)
	if err != nil {
		return nil, int(retries.Load()), err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sess.concurrent)
	for i := 1; i < first.Total; i++ {
		g.Go(func() error {
			_, err := fetch(gctx, i)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		asm.Discard(id)
		return nil, int(retries.Load()), err
	}
	data, err := asm.Complete(id)
	return data, int(retries.Load()), err
}

func (c *Client) applyPulled(ctx context.Context, sess *clientSession, id content.ID, data []byte, report *SyncReport) error {
	deltas, err := delta.DecodePayload(data)
	if err != nil {
		return errors.Wrapf(err, "decode pulled payload %s", id)
	}
	res, err := c.applier.Apply(ctx, deltas, ApplyOptions{
		SessionID:  sess.id,
		PayloadCID: id,
		Record:     true,
		Strategy:   c.cfg.MergeStrategy,
		Policy:     c.cfg.MergePolicy,
	})
	if errors.Is(err, store.ErrAlreadyApplied) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "apply pulled payload %s", id)
	}
	report.LocalApplied += res.Applied
	report.LocalConflicts += res.Conflicts
	report.LocalErrors += res.Errors
	return nil
}

// push drains the outbox in FIFO batches. A batch leaves the outbox only
// after the hub confirmed its commit; deltas the hub refused stay behind as
// rejected and are not sent again.
func (c *Client) push(ctx context.Context, sess *clientSession, report *SyncReport) error {
	compress := c.cfg.Compress && hasCapability(sess.caps, CapSnappy)
	for {
		items, err := c.store.ListPushable(ctx, c.cfg.ClientID, c.cfg.PayloadBatchSize)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
		deltas := make([]delta.Delta, len(items))
		seqs := make([]int64, len(items))
		for i, it := range items {
			deltas[i], seqs[i] = it.Delta, it.Seq
		}

		payload, err := delta.EncodePayload(deltas, delta.EncodeOptions{Compress: compress})
		if err != nil {
			return err
		}
		id := delta.PayloadCID(payload)
		if err := c.store.MarkSubmitted(ctx, c.cfg.ClientID, seqs, id); err != nil {
			return err
		}

		res, err := c.commit(ctx, sess, id, payload, report)
		if err != nil {
			return errors.Wrapf(err, "push payload %s", id)
		}
		if _, err := c.objects.Put(ctx, payload); err != nil {
			return err
		}
		rejected := rejectedSeqs(seqs, res.Results)
		if err := c.store.MarkRejected(ctx, c.cfg.ClientID, rejected); err != nil {
			return err
		}
		done := make([]int64, 0, len(seqs))
		for _, seq := range seqs {
			if _, ok := rejected[seq]; !ok {
				done = append(done, seq)
			}
		}
		if _, err := c.store.DeleteOutbox(ctx, c.cfg.ClientID, done); err != nil {
			return err
		}
		for seq, reason := range rejected {
			c.logger.Warnw("Hub rejected edit",
				"seq", seq,
				logger.FieldPayloadCID, id.String(),
				logger.FieldError, reason,
			)
		}

		report.Payloads++
		report.Pushed += len(items)
		report.Applied += res.Applied
		report.Conflicts += res.Conflicts
		report.Errors += res.Errors
		if res.Replayed {
			report.Replayed++
		}
		c.logger.Debugw("Payload pushed",
			logger.FieldPayloadCID, id.String(),
			logger.FieldCount, len(items),
			logger.FieldApplied, res.Applied,
			logger.FieldConflicts, res.Conflicts,
			"replayed", res.Replayed,
		)
	}
}

// rejectedSeqs maps the outbox seq of every refused delta to the hub's
// reason. Results index into seqs by payload position.
func rejectedSeqs(seqs []int64, results []EntryResult) map[int64]string {
	rejected := make(map[int64]string)
	for _, r := range results {
		if r.Error == "" || r.Index < 0 || r.Index >= len(seqs) {
			continue
		}
		rejected[seqs[r.Index]] = r.Error
	}
	return rejected
}

// commit skips the upload when the hub's filter says it may already hold
// the payload and the hub confirms it.
func (c *Client) commit(ctx context.Context, sess *clientSession, id content.ID, payload []byte, report *SyncReport) (CommitResult, error) {
	if sess.hubFilter != nil && sess.hubFilter.MightContain(id) {
		res, err := c.hub.Commit(ctx, CommitRequest{SessionID: sess.id, PayloadCID: id})
		if !errors.IsNotFoundError(err) {
			return res, err
		}
	}
	if err := c.upload(ctx, sess, id, payload, report); err != nil {
		return CommitResult{}, err
	}
	return c.hub.Commit(ctx, CommitRequest{SessionID: sess.id, PayloadCID: id})
}

func (c *Client) upload(ctx context.Context, sess *clientSession, id content.ID, payload []byte, report *SyncReport) error {
	chunks, err := chunk.Split(sess.id, payload, sess.chunkSize)
	if err != nil {
		return err
	}
	for _, ch := range chunks {
		if sess.limiter != nil {
			if err := sess.limiter.WaitN(ctx, len(ch.Data)); err != nil {
				return err
			}
		}
		for attempt := 0; ; attempt++ {
			_, err := c.hub.UploadChunk(ctx, ch)
			if err == nil {
				break
			}
			if !errors.Is(err, errors.ErrIntegrity) || attempt >= c.cfg.ChunkRetries {
				return err
			}
			report.ChunkRetries++
			c.logger.Debugw("Resending chunk",
				logger.FieldCID, id.String(),
				logger.FieldChunkIndex, ch.Index,
				logger.FieldError, err,
			)
		}
	}
	return nil
}
