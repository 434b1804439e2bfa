package merge

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/SakenW/TH-Suite-sub005/types"
)

var (
	t0 = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Hour)
	t2 = t0.Add(2 * time.Hour)
)

func newTestEngine(t *testing.T) (*Engine, clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(t2.Add(time.Minute))
	return NewEngine(WithClock(clock), WithLogger(zaptest.NewLogger(t).Sugar())), clock
}

func mkEntry(dst string, at time.Time) *types.Entry {
	return &types.Entry{
		UID:             "uid-1",
		Key:             "item.create.brass_ingot",
		SrcText:         "Brass Ingot",
		DstText:         dst,
		Status:          types.StatusTranslated,
		LanguageFileUID: "lf-zh_cn",
		UpdatedAt:       at,
	}
}

func with(e *types.Entry, f func(*types.Entry)) *types.Entry {
	c := e.Clone()
	f(c)
	return c
}

func TestConflictScenario(t *testing.T) {
	eng, clock := newTestEngine(t)
	base := mkEntry("原始翻译", t0)
	local := mkEntry("本地翻译", t1)
	remote := mkEntry("远程翻译", t2)

	res := eng.ThreeWay(Context{Base: base, Local: local, Remote: remote, SessionID: "s1", PayloadCID: "blake3:ab"})

	require.True(t, res.OK(), res.Err)
	assert.True(t, res.HasConflict)
	assert.Equal(t, OutcomeConflict, res.Outcome)
	assert.Equal(t, []string{"dst_text"}, res.ConflictFields)

	want := with(local, func(e *types.Entry) {
		e.Status = types.StatusNeedsReview
		e.UpdatedAt = t2
		e.QAFlags.MergeConflict = &types.ConflictMarker{
			Fields: []string{"dst_text"},
			Remote: map[string]string{
				"key":               "item.create.brass_ingot",
				"src_text":          "Brass Ingot",
				"dst_text":          "远程翻译",
				"status":            "translated",
				"language_file_uid": "lf-zh_cn",
			},
			SessionID:  "s1",
			PayloadCID: "blake3:ab",
			DetectedAt: clock.Now().UTC(),
		}
	})
	if diff := cmp.Diff(want, res.Merged); diff != "" {
		t.Errorf("merged entry mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "本地翻译", res.Merged.DstText, "local stays live")
	assert.Equal(t, "远程翻译", res.Merged.QAFlags.MergeConflict.Remote["dst_text"], "remote kept for review")
}

func TestCleanAdditionScenario(t *testing.T) {
	eng, _ := newTestEngine(t)
	remote := &types.Entry{
		UID:     "uid-new",
		Key:     "item.new.item",
		DstText: "新物品",
		Status:  types.StatusTranslated,
	}

	res := eng.ThreeWay(Context{Remote: remote})
	require.True(t, res.OK())
	assert.False(t, res.HasConflict)
	assert.Equal(t, OutcomeAdded, res.Outcome)
	if diff := cmp.Diff(remote, res.Merged); diff != "" {
		t.Errorf("result differs from remote (-want +got):\n%s", diff)
	}
	assert.NotSame(t, remote, res.Merged)
}

func TestDecisionTable(t *testing.T) {
	base := mkEntry("原始翻译", t0)
	localEdit := mkEntry("本地翻译", t1)
	remoteEdit := mkEntry("远程翻译", t2)
	remoteStatus := with(base, func(e *types.Entry) { e.Status = types.StatusApproved; e.UpdatedAt = t2 })

	tests := []struct {
		name          string
		mc            Context
		outcome       Outcome
		conflict      bool
		deleted       bool
		nilMerged     bool
		wantDst       string
		wantStatus    types.Status
		conflictField []string
	}{
		{
			name:    "remote absent keeps local",
			mc:      Context{Base: base, Local: localEdit},
			outcome: OutcomeUnchanged, wantDst: "本地翻译", wantStatus: types.StatusTranslated,
		},
		{
			name:    "identical sides converge",
			mc:      Context{Base: base, Local: remoteEdit.Clone(), Remote: remoteEdit},
			outcome: OutcomeConverged, wantDst: "远程翻译", wantStatus: types.StatusTranslated,
		},
		{
			name:    "local unchanged takes remote",
			mc:      Context{Base: base, Local: base.Clone(), Remote: remoteEdit},
			outcome: OutcomeCleanUpdate, wantDst: "远程翻译", wantStatus: types.StatusTranslated,
		},
		{
			name:    "remote unchanged keeps local",
			mc:      Context{Base: base, Local: localEdit, Remote: base.Clone()},
			outcome: OutcomeKeptLocal, wantDst: "本地翻译", wantStatus: types.StatusTranslated,
		},
		{
			name:    "different fields auto merge",
			mc:      Context{Base: base, Local: localEdit, Remote: remoteStatus},
			outcome: OutcomeAutoMerged, wantDst: "本地翻译", wantStatus: types.StatusApproved,
		},
		{
			name: "same field same value converges field",
			mc: Context{
				Base:   base,
				Local:  with(localEdit, func(e *types.Entry) { e.Status = types.StatusApproved }),
				Remote: with(localEdit, func(e *types.Entry) { e.SrcText = "Brass ingot" }),
			},
			outcome: OutcomeAutoMerged, wantDst: "本地翻译", wantStatus: types.StatusApproved,
		},
		{
			name:     "same field different values conflicts",
			mc:       Context{Base: base, Local: localEdit, Remote: remoteEdit},
			outcome:  OutcomeConflict, conflict: true, wantDst: "本地翻译", wantStatus: types.StatusNeedsReview,
			conflictField: []string{"dst_text"},
		},
		{
			name:    "tombstone on unedited local deletes",
			mc:      Context{Base: base, Local: base.Clone(), RemoteDeleted: true},
			outcome: OutcomeDeleted, deleted: true, nilMerged: true,
		},
		{
			name:    "tombstone without local is a no-op",
			mc:      Context{Base: base, RemoteDeleted: true},
			outcome: OutcomeUnchanged, nilMerged: true,
		},
		{
			name:     "tombstone on edited local conflicts",
			mc:       Context{Base: base, Local: localEdit, RemoteDeleted: true},
			outcome:  OutcomeConflict, conflict: true, wantDst: "本地翻译", wantStatus: types.StatusNeedsReview,
			conflictField: []string{DeletedField},
		},
		{
			name:     "tombstone without base conflicts",
			mc:       Context{Local: localEdit, RemoteDeleted: true},
			outcome:  OutcomeConflict, conflict: true, wantDst: "本地翻译", wantStatus: types.StatusNeedsReview,
			conflictField: []string{DeletedField},
		},
		{
			name:     "local delete against remote edit restores remote for review",
			mc:       Context{Base: base, Remote: remoteEdit},
			outcome:  OutcomeConflict, conflict: true, wantDst: "远程翻译", wantStatus: types.StatusNeedsReview,
			conflictField: []string{DeletedField},
		},
		{
			name:    "local delete against unchanged remote stays deleted",
			mc:      Context{Base: base, Remote: base.Clone()},
			outcome: OutcomeUnchanged, nilMerged: true,
		},
		{
			name:     "independent adds that differ conflict",
			mc:       Context{Local: localEdit, Remote: remoteEdit},
			outcome:  OutcomeConflict, conflict: true, wantDst: "本地翻译", wantStatus: types.StatusNeedsReview,
			conflictField: []string{"dst_text"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng, _ := newTestEngine(t)
			res := eng.ThreeWay(tt.mc)
			require.True(t, res.OK(), res.Err)
			assert.Equal(t, tt.outcome, res.Outcome)
			assert.Equal(t, tt.conflict, res.HasConflict)
			assert.Equal(t, tt.deleted, res.Delete)
			if tt.conflictField != nil {
				assert.Equal(t, tt.conflictField, res.ConflictFields)
			}
			if tt.nilMerged {
				assert.Nil(t, res.Merged)
				return
			}
			require.NotNil(t, res.Merged)
			assert.Equal(t, tt.wantDst, res.Merged.DstText)
			assert.Equal(t, tt.wantStatus, res.Merged.Status)
			if tt.conflict {
				assert.NotNil(t, res.Merged.QAFlags.MergeConflict)
			}
		})
	}
}

func TestInputsAreNotMutated(t *testing.T) {
	eng, _ := newTestEngine(t)
	base := mkEntry("原始翻译", t0)
	local := mkEntry("本地翻译", t1)
	remote := mkEntry("远程翻译", t2)
	localCopy := local.Clone()

	eng.ThreeWay(Context{Base: base, Local: local, Remote: remote})
	if diff := cmp.Diff(localCopy, local); diff != "" {
		t.Errorf("local mutated:\n%s", diff)
	}
}

func TestConflictPolicies(t *testing.T) {
	base := mkEntry("原始翻译", t0)
	local := mkEntry("本地翻译", t1)
	remote := mkEntry("远程翻译", t2)

	eng, _ := newTestEngine(t)

	res := eng.ThreeWay(Context{Base: base, Local: local, Remote: remote, Policy: PolicyTakeRemote})
	assert.False(t, res.HasConflict)
	assert.Equal(t, OutcomeResolvedRemote, res.Outcome)
	assert.Equal(t, "远程翻译", res.Merged.DstText)
	assert.Nil(t, res.Merged.QAFlags.MergeConflict)
	assert.Equal(t, []string{"dst_text"}, res.ConflictFields)

	res = eng.ThreeWay(Context{Base: base, Local: local, Remote: remote, Policy: PolicyTakeLocal})
	assert.False(t, res.HasConflict)
	assert.Equal(t, OutcomeResolvedLocal, res.Outcome)
	assert.Equal(t, "本地翻译", res.Merged.DstText)
	assert.Equal(t, types.StatusTranslated, res.Merged.Status)

	res = eng.ThreeWay(Context{Base: base, Local: local, RemoteDeleted: true, Policy: PolicyTakeRemote})
	assert.True(t, res.Delete)
	assert.Equal(t, OutcomeResolvedRemote, res.Outcome)
}

func TestLockedFieldsSuppressConflicts(t *testing.T) {
	eng, _ := newTestEngine(t)
	base := mkEntry("原始翻译", t0)
	local := mkEntry("本地翻译", t1)
	remote := with(mkEntry("远程翻译", t2), func(e *types.Entry) { e.Status = types.StatusApproved })

	res := eng.ThreeWay(Context{
		Base:   base,
		Local:  local,
		Remote: remote,
		Locked: types.NewFieldSet(types.FieldDstText),
	})
	require.True(t, res.OK())
	assert.False(t, res.HasConflict, "a locked field never conflicts")
	assert.Equal(t, OutcomeAutoMerged, res.Outcome)
	assert.Equal(t, "本地翻译", res.Merged.DstText)
	assert.Equal(t, types.StatusApproved, res.Merged.Status)
	assert.Equal(t, []string{"dst_text"}, res.Suppressed)
}

func TestLockedEntryResistsTombstone(t *testing.T) {
	eng, _ := newTestEngine(t)
	base := mkEntry("原始翻译", t0)

	res := eng.ThreeWay(Context{
		Base:          base,
		Local:         base.Clone(),
		RemoteDeleted: true,
		Locked:        types.NewFieldSet(types.FieldDstText, types.FieldStatus),
	})
	assert.True(t, res.HasConflict)
	assert.False(t, res.Delete)
	assert.Equal(t, types.StatusTranslated, res.Merged.Status, "locked status is not flipped to needs_review")
	require.NotNil(t, res.Merged.QAFlags.MergeConflict)
	assert.True(t, res.Merged.QAFlags.MergeConflict.RemoteDeleted)
}

func TestStrategies(t *testing.T) {
	eng, _ := newTestEngine(t)
	base := mkEntry("原始翻译", t0)
	local := mkEntry("本地翻译", t1)
	remote := mkEntry("远程翻译", t2)

	res := eng.ThreeWay(Context{Base: base, Local: local, Remote: remote, Strategy: StrategyOverwrite})
	assert.Equal(t, OutcomeOverwritten, res.Outcome)
	assert.Equal(t, "远程翻译", res.Merged.DstText)
	assert.False(t, res.HasConflict)

	res = eng.ThreeWay(Context{Local: local, Remote: remote, Strategy: StrategyOverwrite, Locked: types.NewFieldSet(types.FieldDstText)})
	assert.Equal(t, "本地翻译", res.Merged.DstText)
	assert.Equal(t, []string{"dst_text"}, res.Suppressed)

	res = eng.ThreeWay(Context{Local: local, RemoteDeleted: true, Strategy: StrategyOverwrite})
	assert.True(t, res.Delete)

	res = eng.ThreeWay(Context{Base: base, Local: local, Remote: remote, Strategy: StrategySkip})
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Equal(t, "本地翻译", res.Merged.DstText)

	res = eng.ThreeWay(Context{Remote: remote, Strategy: StrategySkip})
	assert.Equal(t, OutcomeAdded, res.Outcome)
}

func TestInvalidContexts(t *testing.T) {
	eng, _ := newTestEngine(t)
	e := mkEntry("x", t0)
	other := with(e, func(o *types.Entry) { o.UID = "uid-2" })

	tests := []struct {
		name string
		mc   Context
	}{
		{"nothing at all", Context{}},
		{"remote and tombstone", Context{Remote: e, RemoteDeleted: true}},
		{"different identities", Context{Local: e, Remote: other}},
		{"unknown strategy", Context{Remote: e, Strategy: "rebase"}},
		{"unknown policy", Context{Remote: e, Policy: "coin_flip"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := eng.ThreeWay(tt.mc)
			assert.False(t, res.OK())
			assert.Equal(t, OutcomeInvalid, res.Outcome)
			assert.Nil(t, res.Merged)
		})
	}
}

func TestMergeAllSummary(t *testing.T) {
	eng, _ := newTestEngine(t)
	base := mkEntry("原始翻译", t0)
	results, sum := eng.MergeAll([]Context{
		{Base: base, Local: mkEntry("本地翻译", t1), Remote: mkEntry("远程翻译", t2)},
		{Base: base, Local: base.Clone(), Remote: mkEntry("远程翻译", t2)},
		{},
	})
	require.Len(t, results, 3)
	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 1, sum.Conflicted)
	assert.Equal(t, 1, sum.Clean)
	assert.Equal(t, 1, sum.Invalid)
	assert.Equal(t, 1, sum.ByOutcome[OutcomeCleanUpdate])
}
