package sync

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/SakenW/TH-Suite-sub005/content"
	"github.com/SakenW/TH-Suite-sub005/delta"
	"github.com/SakenW/TH-Suite-sub005/errors"
	"github.com/SakenW/TH-Suite-sub005/logger"
	"github.com/SakenW/TH-Suite-sub005/merge"
	"github.com/SakenW/TH-Suite-sub005/store"
	"github.com/SakenW/TH-Suite-sub005/types"
	"github.com/SakenW/TH-Suite-sub005/uida"
)

// DefaultCommitRetries is how often a payload is re-merged after another
// writer changed one of its entries.
const DefaultCommitRetries = 3

// ApplyOptions tune one Apply call.
type ApplyOptions struct {
	SessionID  string
	PayloadCID content.ID
	// Record stores PayloadCID in applied_payloads inside the same
	// transaction, so a replay is detected.
	Record bool

	Strategy merge.Strategy
	Policy   merge.Policy
}

// EntryResult is the merge outcome of one delta. Index is the delta's
// position in its payload.
type EntryResult struct {
	Index          int           `json:"index"`
	EntryUID       string        `json:"entry_uid"`
	Op             delta.Op      `json:"op"`
	Outcome        merge.Outcome `json:"outcome"`
	HasConflict    bool          `json:"has_conflict,omitempty"`
	ConflictFields []string      `json:"conflict_fields,omitempty"`
	Suppressed     []string      `json:"suppressed,omitempty"`
	Error          string        `json:"error,omitempty"`
}

// ApplyReport tallies an applied payload. Applied, Conflicts and Errors
// partition the deltas.
type ApplyReport struct {
	Applied   int
	Conflicts int
	Errors    int
	Retries   int
	Results   []EntryResult
}

func (r *ApplyReport) rejections() []store.Rejection {
	var out []store.Rejection
	for _, res := range r.Results {
		if res.Error != "" {
			out = append(out, store.Rejection{Index: res.Index, EntryUID: res.EntryUID, Reason: res.Error})
		}
	}
	return out
}

// Applier merges delta payloads into an entry store.
type Applier struct {
	store     *store.Store
	engine    *merge.Engine
	clock     clockwork.Clock
	retries   int
	logger    *zap.SugaredLogger
	telemetry Telemetry
	uida      *uida.Encoder

	// test hook, runs between planning and the write transaction
	beforeCommit func(attempt int)
}

// ApplierOption configures an Applier.
type ApplierOption func(*Applier)

// WithApplierLogger sets the applier logger.
func WithApplierLogger(l *zap.SugaredLogger) ApplierOption {
	return func(a *Applier) { a.logger = l }
}

// WithCommitRetries sets the retry budget after a failed revision check.
func WithCommitRetries(n int) ApplierOption {
	return func(a *Applier) {
		if n >= 0 {
			a.retries = n
		}
	}
}

// WithApplierTelemetry reports retries to t.
func WithApplierTelemetry(t Telemetry) ApplierOption {
	return func(a *Applier) { a.telemetry = t }
}

// WithMergeClock sets the clock stamped on conflict markers.
func WithMergeClock(c clockwork.Clock) ApplierOption {
	return func(a *Applier) { a.clock = c }
}

// WithUIDAVerification checks that every delta carrying UIDA keys hashes
// to its uida_hash. A mismatch is an entry error.
func WithUIDAVerification(enc *uida.Encoder) ApplierOption {
	return func(a *Applier) { a.uida = enc }
}

// NewApplier returns an applier writing to st.
func NewApplier(st *store.Store, opts ...ApplierOption) *Applier {
	a := &Applier{
		store:     st,
		clock:     clockwork.NewRealClock(),
		retries:   DefaultCommitRetries,
		logger:    logger.Nop(),
		telemetry: NopTelemetry(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.engine = merge.NewEngine(merge.WithClock(a.clock), merge.WithLogger(a.logger))
	return a
}

// Apply merges deltas in order and writes every change in one transaction.
// If another writer changed an entry between the merge and the write, the
// whole payload is merged again against the new state, up to the retry
// budget; then ErrConcurrentCommit is returned. Cancelling ctx rolls back.
func (a *Applier) Apply(ctx context.Context, deltas []delta.Delta, opts ApplyOptions) (*ApplyReport, error) {
	log := logger.FromContext(ctx, a.logger)
	for attempt := 0; ; attempt++ {
		p, err := a.plan(ctx, deltas, opts)
		if err != nil {
			return nil, err
		}
		if a.beforeCommit != nil {
			a.beforeCommit(attempt)
		}

		err = a.store.WithTx(ctx, func(tx *sql.Tx) error { return p.write(ctx, a.store, tx, opts) })
		if err == nil {
			p.report.Retries = attempt
			return p.report, nil
		}
		if !errors.Is(err, store.ErrStaleRevision) {
			return nil, err
		}
		if attempt >= a.retries {
			return nil, errors.Mark(
				errors.Wrapf(err, "payload %s: entries kept changing after %d retries", opts.PayloadCID, attempt),
				errors.ErrConcurrentCommit,
			)
		}
		a.telemetry.CommitRetried()
		log.Debugw("Commit lost a revision race, merging again",
			logger.FieldPayloadCID, opts.PayloadCID.String(),
			"attempt", attempt+1,
			logger.FieldError, err,
		)
	}
}

// slot is an entry as the planned writes leave it.
type slot struct {
	entry   *types.Entry
	version store.Expected
	locked  types.FieldSet
}

type writeKind int

const (
	writeInsert writeKind = iota
	writeUpdate
	writeDelete
	writeRevision
)

type pendingWrite struct {
	kind     writeKind
	entry    *types.Entry
	expected store.Expected
}

type plan struct {
	slots    map[string]*slot
	versions map[string]map[content.ID]*types.Entry
	writes   []pendingWrite
	report   *ApplyReport
}

func (a *Applier) plan(ctx context.Context, deltas []delta.Delta, opts ApplyOptions) (*plan, error) {
	p := &plan{
		slots:    make(map[string]*slot),
		versions: make(map[string]map[content.ID]*types.Entry),
		report:   &ApplyReport{Results: make([]EntryResult, 0, len(deltas))},
	}
	for i, d := range deltas {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := a.planOne(ctx, p, d, opts)
		if err != nil {
			return nil, err
		}
		res.Index = i
		switch {
		case res.Error != "":
			p.report.Errors++
		case res.HasConflict:
			p.report.Conflicts++
		default:
			p.report.Applied++
		}
		p.report.Results = append(p.report.Results, res)
	}
	return p, nil
}

func (a *Applier) planOne(ctx context.Context, p *plan, d delta.Delta, opts ApplyOptions) (EntryResult, error) {
	res := EntryResult{EntryUID: d.EntryUID, Op: d.Op}
	remote, err := delta.Deserialize(d)
	if err == nil {
		err = a.verifyUIDA(d)
	}
	if err != nil {
		res.Outcome = merge.OutcomeInvalid
		res.Error = err.Error()
		return res, nil
	}

	cur, err := p.current(ctx, a.store, d.EntryUID)
	if err != nil {
		return res, err
	}
	base, err := p.base(ctx, a.store, d)
	if err != nil {
		return res, err
	}

	mc := merge.Context{
		Base:       base,
		Local:      cur.entry,
		Strategy:   opts.Strategy,
		Policy:     opts.Policy,
		Locked:     cur.locked,
		SessionID:  opts.SessionID,
		PayloadCID: opts.PayloadCID.String(),
	}
	if d.Op == delta.OpDelete {
		mc.RemoteDeleted = true
	} else {
		mc.Remote = remote
	}
	mr := a.engine.ThreeWay(mc)
	res.Outcome = mr.Outcome
	res.HasConflict = mr.HasConflict
	res.ConflictFields = mr.ConflictFields
	res.Suppressed = mr.Suppressed
	if !mr.OK() {
		res.Error = mr.Err
		return res, nil
	}
	if mr.Merged != nil {
		if err := mr.Merged.Validate(); err != nil {
			res.Outcome = merge.OutcomeInvalid
			res.Error = err.Error()
			return res, nil
		}
	}

	// the sender's version becomes a base for its next edit
	if mc.Remote != nil {
		p.addVersion(remote)
		p.writes = append(p.writes, pendingWrite{kind: writeRevision, entry: remote})
	}

	switch {
	case mr.Delete && cur.entry != nil:
		p.writes = append(p.writes, pendingWrite{kind: writeDelete, entry: cur.entry, expected: cur.version})
		cur.entry, cur.version, cur.locked = nil, store.Expected{}, nil
	case mr.Merged == nil:
	case cur.entry == nil:
		p.writes = append(p.writes, pendingWrite{kind: writeInsert, entry: mr.Merged})
		cur.entry = mr.Merged
		cur.version = store.Expected{Revision: 1, Hash: mr.Merged.ContentHash()}
		p.addVersion(mr.Merged)
	case !sameStored(cur.entry, mr.Merged):
		p.writes = append(p.writes, pendingWrite{kind: writeUpdate, entry: mr.Merged, expected: cur.version})
		cur.entry = mr.Merged
		cur.version = store.Expected{Revision: cur.version.Revision + 1, Hash: mr.Merged.ContentHash()}
		p.addVersion(mr.Merged)
	}
	return res, nil
}

func (a *Applier) verifyUIDA(d delta.Delta) error {
	if a.uida == nil || d.UIDAKeysB64 == "" || d.UIDAHash == "" {
		return nil
	}
	want, err := content.Parse(d.UIDAHash)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "entry %s: uida hash", d.EntryUID), errors.ErrCanonicalization)
	}
	ns, keys, err := uida.Decode(d.UIDAKeysB64)
	if err != nil {
		return errors.Mark(err, errors.ErrCanonicalization)
	}
	u, err := a.uida.Generate(ns, keys)
	if err != nil {
		return err
	}
	got, err := content.Compute(u.Canonical, want.Algorithm)
	if err != nil {
		return errors.Mark(err, errors.ErrCanonicalization)
	}
	if !got.Equal(want) {
		return errors.Mark(
			errors.Newf("entry %s: uida hash %s does not match its keys (%s)", d.EntryUID, want, got),
			errors.ErrCanonicalization,
		)
	}
	return nil
}

func (p *plan) current(ctx context.Context, st *store.Store, uid string) (*slot, error) {
	if s, ok := p.slots[uid]; ok {
		return s, nil
	}
	s := &slot{}
	rec, err := st.GetEntry(ctx, nil, uid)
	switch {
	case errors.IsNotFoundError(err):
	case err != nil:
		return nil, err
	default:
		s.entry, s.version, s.locked = rec.Entry, store.ExpectedOf(rec), rec.Locked
		p.addVersion(rec.Entry)
	}
	p.slots[uid] = s
	return s, nil
}

func (p *plan) base(ctx context.Context, st *store.Store, d delta.Delta) (*types.Entry, error) {
	id, ok := d.Base()
	if !ok {
		return nil, nil
	}
	if e, ok := p.versions[d.EntryUID][id]; ok {
		return e.Clone(), nil
	}
	e, err := st.GetRevision(ctx, nil, d.EntryUID, id)
	if errors.IsNotFoundError(err) {
		// unknown base: merge as if both sides added the entry
		return nil, nil
	}
	return e, err
}

func (p *plan) addVersion(e *types.Entry) {
	m, ok := p.versions[e.UID]
	if !ok {
		m = make(map[content.ID]*types.Entry)
		p.versions[e.UID] = m
	}
	m[e.ContentHash()] = e
}

func (p *plan) write(ctx context.Context, st *store.Store, tx *sql.Tx, opts ApplyOptions) error {
	sessionID, payloadCID := opts.SessionID, opts.PayloadCID.String()
	for _, w := range p.writes {
		var err error
		switch w.kind {
		case writeInsert:
			err = st.InsertEntry(ctx, tx, store.EntryWrite{Entry: w.entry, PayloadCID: payloadCID, SessionID: sessionID})
		case writeUpdate:
			err = st.UpdateEntry(ctx, tx, store.EntryWrite{Entry: w.entry, PayloadCID: payloadCID, SessionID: sessionID}, w.expected)
		case writeDelete:
			err = st.DeleteEntry(ctx, tx, w.entry.UID, w.expected)
		case writeRevision:
			err = st.PutRevision(ctx, tx, w.entry)
		}
		if err != nil {
			return err
		}
	}
	if opts.Record {
		return st.RecordAppliedPayload(ctx, tx, store.AppliedPayload{
			PayloadCID: opts.PayloadCID,
			SessionID:  sessionID,
			Applied:    p.report.Applied,
			Conflicts:  p.report.Conflicts,
			Errors:     p.report.Errors,
			Rejections: p.report.rejections(),
		})
	}
	return nil
}

// sameStored reports whether writing b over a would change nothing.
func sameStored(a, b *types.Entry) bool {
	if !types.SameContent(a, b) || !a.UpdatedAt.Equal(b.UpdatedAt) ||
		a.UIDAKeysB64 != b.UIDAKeysB64 || a.UIDAHash != b.UIDAHash {
		return false
	}
	fa, errA := json.Marshal(a.QAFlags)
	fb, errB := json.Marshal(b.QAFlags)
	return errA == nil && errB == nil && string(fa) == string(fb)
}
