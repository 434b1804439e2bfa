// Package merge reconciles base, local and remote versions of a translation
// entry. Conflicts are returned as data on Result, never as errors.
package merge

import (
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/SakenW/TH-Suite-sub005/types"
)

// Strategy selects the merge algorithm.
type Strategy string

const (
	StrategyThreeWay  Strategy = "three_way"
	StrategyOverwrite Strategy = "overwrite"
	StrategySkip      Strategy = "skip"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyThreeWay, StrategyOverwrite, StrategySkip:
		return true
	}
	return false
}

// Policy decides what happens to a conflicting field.
type Policy string

const (
	// PolicyMarkForReview keeps local values live, flags the entry
	// needs_review and stores the remote side in a conflict marker.
	PolicyMarkForReview Policy = "mark_for_review"
	PolicyTakeRemote    Policy = "take_remote"
	PolicyTakeLocal     Policy = "take_local"
)

// Valid reports whether p is a known policy.
func (p Policy) Valid() bool {
	switch p {
	case PolicyMarkForReview, PolicyTakeRemote, PolicyTakeLocal:
		return true
	}
	return false
}

// Outcome classifies a merge.
type Outcome string

const (
	OutcomeAdded          Outcome = "added"
	OutcomeUnchanged      Outcome = "unchanged"
	OutcomeConverged      Outcome = "converged"
	OutcomeCleanUpdate    Outcome = "clean_update"
	OutcomeKeptLocal      Outcome = "kept_local"
	OutcomeAutoMerged     Outcome = "auto_merged"
	OutcomeConflict       Outcome = "conflict"
	OutcomeDeleted        Outcome = "deleted"
	OutcomeResolvedRemote Outcome = "resolved_remote"
	OutcomeResolvedLocal  Outcome = "resolved_local"
	OutcomeOverwritten    Outcome = "overwritten"
	OutcomeSkipped        Outcome = "skipped"
	OutcomeInvalid        Outcome = "invalid"
)

// DeletedField names the pseudo-field reported when a delete collides with
// an edit.
const DeletedField = "deleted"

// Context is the input of one merge.
type Context struct {
	Base   *types.Entry
	Local  *types.Entry
	Remote *types.Entry

	// RemoteDeleted marks the remote side as a tombstone; Remote is ignored.
	RemoteDeleted bool

	Strategy Strategy
	Policy   Policy

	// Locked fields always keep their local value.
	Locked types.FieldSet

	// recorded on conflict markers
	SessionID  string
	PayloadCID string
}

// Result is the output of one merge. Merged is nil when no entry should
// exist afterwards; Delete asks the caller to remove the local entry.
type Result struct {
	Merged         *types.Entry
	Delete         bool
	Outcome        Outcome
	HasConflict    bool
	ConflictFields []string
	Suppressed     []string
	Err            string
}

// OK reports whether the merge ran.
func (r Result) OK() bool { return r.Err == "" }

// Engine runs merges. It is stateless apart from its clock and logger.
type Engine struct {
	clock  clockwork.Clock
	logger *zap.SugaredLogger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used for conflict timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the engine logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine returns an engine with a real clock and a no-op logger.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		clock:  clockwork.NewRealClock(),
		logger: zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ThreeWay merges mc according to its strategy and policy.
func (e *Engine) ThreeWay(mc Context) Result {
	if mc.Strategy == "" {
		mc.Strategy = StrategyThreeWay
	}
	if mc.Policy == "" {
		mc.Policy = PolicyMarkForReview
	}
	if res, bad := e.validate(mc); bad {
		return res
	}

	if mc.Remote == nil && !mc.RemoteDeleted {
		return Result{Merged: mc.Local.Clone(), Outcome: OutcomeUnchanged}
	}

	var res Result
	switch mc.Strategy {
	case StrategyOverwrite:
		res = e.overwrite(mc)
	case StrategySkip:
		res = e.skip(mc)
	default:
		res = e.threeWay(mc)
	}

	if res.HasConflict {
		e.logger.Debugw("merge conflict",
			"entry_uid", entryUID(mc),
			"fields", res.ConflictFields,
			"policy", mc.Policy,
		)
	}
	return res
}

func (e *Engine) validate(mc Context) (Result, bool) {
	invalid := func(msg string) (Result, bool) {
		return Result{Outcome: OutcomeInvalid, Err: msg}, true
	}
	if !mc.Strategy.Valid() {
		return invalid("unknown merge strategy " + string(mc.Strategy))
	}
	if !mc.Policy.Valid() {
		return invalid("unknown conflict policy " + string(mc.Policy))
	}
	if mc.Remote != nil && mc.RemoteDeleted {
		return invalid("remote is both present and deleted")
	}
	if mc.Remote == nil && !mc.RemoteDeleted && mc.Local == nil {
		return invalid("nothing to merge: no remote and no local entry")
	}
	if mc.Remote != nil && mc.Local != nil && mc.Remote.UID != mc.Local.UID {
		return invalid("local " + mc.Local.UID + " and remote " + mc.Remote.UID + " are different entries")
	}
	return Result{}, false
}

func (e *Engine) overwrite(mc Context) Result {
	if mc.RemoteDeleted {
		if mc.Local == nil {
			return Result{Outcome: OutcomeUnchanged}
		}
		return Result{Delete: true, Outcome: OutcomeDeleted}
	}
	merged, suppressed := applyLocks(mc.Remote, mc.Local, mc.Locked)
	return Result{Merged: merged, Outcome: OutcomeOverwritten, Suppressed: suppressed}
}

func (e *Engine) skip(mc Context) Result {
	if mc.Local == nil {
		if mc.RemoteDeleted {
			return Result{Outcome: OutcomeUnchanged}
		}
		return Result{Merged: mc.Remote.Clone(), Outcome: OutcomeAdded}
	}
	return Result{Merged: mc.Local.Clone(), Outcome: OutcomeSkipped}
}

func (e *Engine) threeWay(mc Context) Result {
	if mc.RemoteDeleted {
		return e.remoteDeleted(mc)
	}
	if mc.Local == nil {
		return e.localMissing(mc)
	}
	if types.SameContent(mc.Local, mc.Remote) {
		merged := mc.Remote.Clone()
		merged.QAFlags = pickFlags(mc.Local, mc.Remote)
		merged.QAFlags.MergeConflict = nil
		return Result{Merged: merged, Outcome: OutcomeConverged}
	}
	return e.fieldwise(mc)
}

// remoteDeleted handles a tombstone. Only an unedited, unlocked local entry
// is deleted.
func (e *Engine) remoteDeleted(mc Context) Result {
	if mc.Local == nil {
		return Result{Outcome: OutcomeUnchanged}
	}
	if mc.Base != nil && types.SameContent(mc.Local, mc.Base) && len(mc.Locked) == 0 {
		return Result{Delete: true, Outcome: OutcomeDeleted}
	}

	fields := []string{DeletedField}
	switch mc.Policy {
	case PolicyTakeRemote:
		return Result{Delete: true, Outcome: OutcomeResolvedRemote, ConflictFields: fields}
	case PolicyTakeLocal:
		return Result{Merged: mc.Local.Clone(), Outcome: OutcomeResolvedLocal, ConflictFields: fields}
	}
	merged := mc.Local.Clone()
	e.markForReview(merged, mc, &types.ConflictMarker{Fields: fields, RemoteDeleted: true})
	return Result{Merged: merged, Outcome: OutcomeConflict, HasConflict: true, ConflictFields: fields}
}

// localMissing handles a remote entry with no local counterpart. With a base,
// the local side deleted the entry.
func (e *Engine) localMissing(mc Context) Result {
	if mc.Base == nil {
		return Result{Merged: mc.Remote.Clone(), Outcome: OutcomeAdded}
	}
	if types.SameContent(mc.Remote, mc.Base) {
		return Result{Outcome: OutcomeUnchanged}
	}

	fields := []string{DeletedField}
	switch mc.Policy {
	case PolicyTakeRemote:
		return Result{Merged: mc.Remote.Clone(), Outcome: OutcomeResolvedRemote, ConflictFields: fields}
	case PolicyTakeLocal:
		return Result{Outcome: OutcomeResolvedLocal, ConflictFields: fields}
	}
	// the remote edit is restored so a reviewer can decide
	merged := mc.Remote.Clone()
	e.markForReview(merged, mc, &types.ConflictMarker{
		Fields:       fields,
		Remote:       fieldValues(mc.Remote),
		LocalDeleted: true,
	})
	return Result{Merged: merged, Outcome: OutcomeConflict, HasConflict: true, ConflictFields: fields}
}

// fieldwise merges local and remote one field at a time. Without a base,
// any field the two sides disagree on is a conflict.
func (e *Engine) fieldwise(mc Context) Result {
	merged := mc.Local.Clone()
	var (
		conflicts    []string
		suppressed   []string
		localEdited  bool
		remoteEdited bool
	)

	for _, f := range types.MergeFields {
		l, r := mc.Local.Get(f), mc.Remote.Get(f)
		b, hasBase := "", mc.Base != nil
		if hasBase {
			b = mc.Base.Get(f)
			if l != b {
				localEdited = true
			}
		}

		if mc.Locked.Has(f) {
			if r != l && (!hasBase || r != b) {
				suppressed = append(suppressed, string(f))
			}
			continue
		}

		switch {
		case l == r:
		case hasBase && l == b:
			merged.Set(f, r)
			remoteEdited = true
		case hasBase && r == b:
		default:
			conflicts = append(conflicts, string(f))
		}
	}

	if len(conflicts) == 0 {
		res := Result{Merged: merged, Suppressed: suppressed}
		switch {
		case remoteEdited && localEdited:
			res.Outcome = OutcomeAutoMerged
			merged.UpdatedAt = later(mc.Local, mc.Remote)
		case remoteEdited:
			res.Outcome = OutcomeCleanUpdate
			merged.UpdatedAt = mc.Remote.UpdatedAt
			merged.QAFlags = pickFlags(mc.Local, mc.Remote)
		default:
			res.Outcome = OutcomeKeptLocal
		}
		return res
	}

	switch mc.Policy {
	case PolicyTakeRemote:
		for _, f := range conflicts {
			merged.Set(types.Field(f), mc.Remote.Get(types.Field(f)))
		}
		merged.UpdatedAt = later(mc.Local, mc.Remote)
		return Result{Merged: merged, Outcome: OutcomeResolvedRemote, ConflictFields: conflicts, Suppressed: suppressed}
	case PolicyTakeLocal:
		return Result{Merged: merged, Outcome: OutcomeResolvedLocal, ConflictFields: conflicts, Suppressed: suppressed}
	}

	merged.UpdatedAt = later(mc.Local, mc.Remote)
	e.markForReview(merged, mc, &types.ConflictMarker{
		Fields: conflicts,
		Remote: fieldValues(mc.Remote),
	})
	return Result{
		Merged:         merged,
		Outcome:        OutcomeConflict,
		HasConflict:    true,
		ConflictFields: conflicts,
		Suppressed:     suppressed,
	}
}

// markForReview attaches marker to e and flags it needs_review unless the
// status field is locked.
func (e *Engine) markForReview(entry *types.Entry, mc Context, marker *types.ConflictMarker) {
	marker.SessionID = mc.SessionID
	marker.PayloadCID = mc.PayloadCID
	marker.DetectedAt = e.clock.Now().UTC()
	entry.QAFlags.MergeConflict = marker
	if !mc.Locked.Has(types.FieldStatus) {
		entry.Status = types.StatusNeedsReview
	}
}

// applyLocks returns a copy of remote with locked fields taken from local.
func applyLocks(remote, local *types.Entry, locked types.FieldSet) (*types.Entry, []string) {
	merged := remote.Clone()
	if local == nil {
		return merged, nil
	}
	var suppressed []string
	for _, f := range locked {
		if remote.Get(f) != local.Get(f) {
			suppressed = append(suppressed, string(f))
		}
		merged.Set(f, local.Get(f))
	}
	return merged, suppressed
}

func fieldValues(e *types.Entry) map[string]string {
	out := make(map[string]string, len(types.MergeFields))
	for _, f := range types.MergeFields {
		out[string(f)] = e.Get(f)
	}
	return out
}

// pickFlags prefers the remote QA flags when the remote sent any.
func pickFlags(local, remote *types.Entry) types.QAFlags {
	if !remote.QAFlags.IsZero() {
		return remote.QAFlags.Clone()
	}
	return local.QAFlags.Clone()
}

func later(a, b *types.Entry) time.Time {
	if a.UpdatedAt.After(b.UpdatedAt) {
		return a.UpdatedAt
	}
	return b.UpdatedAt
}

func entryUID(mc Context) string {
	switch {
	case mc.Local != nil:
		return mc.Local.UID
	case mc.Remote != nil:
		return mc.Remote.UID
	case mc.Base != nil:
		return mc.Base.UID
	}
	return ""
}
