package sync

import (
	"context"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SakenW/TH-Suite-sub005/content"
	"github.com/SakenW/TH-Suite-sub005/delta"
	"github.com/SakenW/TH-Suite-sub005/errors"
	"github.com/SakenW/TH-Suite-sub005/merge"
	"github.com/SakenW/TH-Suite-sub005/store"
	"github.com/SakenW/TH-Suite-sub005/types"
	"github.com/SakenW/TH-Suite-sub005/uida"
)

func TestApplyOverlayWithinOnePayload(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(epoch)
	st := newTestStore(t, clock)
	a := NewApplier(st, WithMergeClock(clock))

	v1 := sampleEntry("e1", "Messingbarren")
	v2 := sampleEntry("e1", "Messingbarren (neu)")
	deltas := []delta.Delta{
		delta.Serialize(v1, delta.OpAdd, content.ID{}),
		delta.Serialize(v2, delta.OpUpdate, v1.ContentHash()),
	}

	report, err := a.Apply(ctx, deltas, ApplyOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Applied)
	assert.Zero(t, report.Conflicts)
	assert.Equal(t, merge.OutcomeAdded, report.Results[0].Outcome)
	assert.Equal(t, merge.OutcomeCleanUpdate, report.Results[1].Outcome)

	rec, err := st.GetEntry(ctx, nil, "e1")
	require.NoError(t, err)
	assert.Equal(t, "Messingbarren (neu)", rec.Entry.DstText)
	assert.EqualValues(t, 2, rec.Revision)

	// both versions can serve as a base later
	for _, v := range []*types.Entry{v1, v2} {
		_, err := st.GetRevision(ctx, nil, "e1", v.ContentHash())
		assert.NoError(t, err)
	}
}

func TestApplyConflictMarksForReview(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(epoch)
	st := newTestStore(t, clock)
	a := NewApplier(st, WithMergeClock(clock))

	base := sampleEntry("e1", "Messingbarren")
	_, err := st.SaveEntry(ctx, nil, base)
	require.NoError(t, err)
	_, err = st.SaveEntry(ctx, nil, sampleEntry("e1", "Lingot de laiton"))
	require.NoError(t, err)

	remote := sampleEntry("e1", "Barra de latón")
	report, err := a.Apply(ctx, []delta.Delta{delta.Serialize(remote, delta.OpUpdate, base.ContentHash())},
		ApplyOptions{SessionID: "s-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Conflicts)
	assert.Zero(t, report.Applied)
	assert.Equal(t, []string{string(types.FieldDstText)}, report.Results[0].ConflictFields)

	rec, err := st.GetEntry(ctx, nil, "e1")
	require.NoError(t, err)
	assert.Equal(t, "Lingot de laiton", rec.Entry.DstText, "local value stays live")
	assert.Equal(t, types.StatusNeedsReview, rec.Entry.Status)
	require.NotNil(t, rec.Entry.QAFlags.MergeConflict)
	assert.Equal(t, "Barra de latón", rec.Entry.QAFlags.MergeConflict.Remote[string(types.FieldDstText)])
	assert.Equal(t, "s-1", rec.Entry.QAFlags.MergeConflict.SessionID)
	assert.Equal(t, "s-1", rec.LastSessionID)
}

func TestApplyRetriesAfterConcurrentWrite(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(epoch)
	st := newTestStore(t, clock)
	telemetry := newRecordingTelemetry()
	a := NewApplier(st, WithMergeClock(clock), WithApplierTelemetry(telemetry))

	base := sampleEntry("e1", "Messingbarren")
	_, err := st.SaveEntry(ctx, nil, base)
	require.NoError(t, err)

	a.beforeCommit = func(attempt int) {
		if attempt == 0 {
			// same content, new revision
			_, err := st.SaveEntry(ctx, nil, base)
			require.NoError(t, err)
		}
	}

	remote := sampleEntry("e1", "Barra de latón")
	report, err := a.Apply(ctx, []delta.Delta{delta.Serialize(remote, delta.OpUpdate, base.ContentHash())}, ApplyOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Retries)
	assert.Equal(t, 1, report.Applied)
	assert.Equal(t, 1, telemetry.retries)

	rec, err := st.GetEntry(ctx, nil, "e1")
	require.NoError(t, err)
	assert.Equal(t, "Barra de latón", rec.Entry.DstText)
	assert.EqualValues(t, 3, rec.Revision)
}

func TestApplyRetriesAfterEntryWasReplaced(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(epoch)
	st := newTestStore(t, clock)
	a := NewApplier(st, WithMergeClock(clock))

	base := sampleEntry("e1", "Messingbarren")
	_, err := st.SaveEntry(ctx, nil, base)
	require.NoError(t, err)

	a.beforeCommit = func(attempt int) {
		if attempt > 0 {
			return
		}
		// deleted and saved again, so the revision is back at 1
		rec, err := st.GetEntry(ctx, nil, "e1")
		require.NoError(t, err)
		require.NoError(t, st.DeleteEntry(ctx, nil, "e1", store.ExpectedOf(rec)))
		_, err = st.SaveEntry(ctx, nil, sampleEntry("e1", "Messing (neu)"))
		require.NoError(t, err)
	}

	remote := sampleEntry("e1", "Barra de latón")
	report, err := a.Apply(ctx, []delta.Delta{delta.Serialize(remote, delta.OpUpdate, base.ContentHash())}, ApplyOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Retries)
	assert.Equal(t, 1, report.Conflicts)
	assert.Zero(t, report.Applied)

	rec, err := st.GetEntry(ctx, nil, "e1")
	require.NoError(t, err)
	assert.Equal(t, "Messing (neu)", rec.Entry.DstText)
	assert.Equal(t, types.StatusNeedsReview, rec.Entry.Status)
	require.NotNil(t, rec.Entry.QAFlags.MergeConflict)
	assert.Equal(t, "Barra de latón", rec.Entry.QAFlags.MergeConflict.Remote["dst_text"])
}

func TestApplyGivesUpAfterRetryBudget(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(epoch)
	st := newTestStore(t, clock)
	a := NewApplier(st, WithMergeClock(clock), WithCommitRetries(2))

	base := sampleEntry("e1", "Messingbarren")
	_, err := st.SaveEntry(ctx, nil, base)
	require.NoError(t, err)

	attempts := 0
	a.beforeCommit = func(int) {
		attempts++
		_, err := st.SaveEntry(ctx, nil, base)
		require.NoError(t, err)
	}

	remote := sampleEntry("e1", "Barra de latón")
	_, err = a.Apply(ctx, []delta.Delta{delta.Serialize(remote, delta.OpUpdate, base.ContentHash())},
		ApplyOptions{Record: true, PayloadCID: content.Sum([]byte("p"))})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConcurrentCommit))
	assert.True(t, errors.IsRetryable(err))
	assert.Equal(t, 3, attempts)

	rec, err := st.GetEntry(ctx, nil, "e1")
	require.NoError(t, err)
	assert.Equal(t, "Messingbarren", rec.Entry.DstText, "nothing from the payload was written")
	_, err = st.GetAppliedPayload(ctx, nil, content.Sum([]byte("p")))
	assert.True(t, errors.IsNotFoundError(err))
}

func TestApplyRecordsPayloadOnce(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(epoch)
	st := newTestStore(t, clock)
	a := NewApplier(st, WithMergeClock(clock))

	deltas := []delta.Delta{delta.Serialize(sampleEntry("e1", "Messingbarren"), delta.OpAdd, content.ID{})}
	_, id := encode(t, deltas...)
	opts := ApplyOptions{SessionID: "s-1", PayloadCID: id, Record: true}

	_, err := a.Apply(ctx, deltas, opts)
	require.NoError(t, err)
	ap, err := st.GetAppliedPayload(ctx, nil, id)
	require.NoError(t, err)
	assert.Equal(t, 1, ap.Applied)
	assert.Equal(t, "s-1", ap.SessionID)

	_, err = a.Apply(ctx, deltas, opts)
	assert.True(t, errors.Is(err, store.ErrAlreadyApplied))
}

func TestApplyEntryErrorsDoNotAbortPayload(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(epoch)
	st := newTestStore(t, clock)
	a := NewApplier(st, WithMergeClock(clock))

	bad := delta.Delta{Op: "rename", EntryUID: "e2", Key: "x"}
	deltas := []delta.Delta{
		bad,
		delta.Serialize(sampleEntry("e1", "Messingbarren"), delta.OpAdd, content.ID{}),
	}
	report, err := a.Apply(ctx, deltas, ApplyOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Errors)
	assert.Equal(t, 1, report.Applied)
	assert.Equal(t, merge.OutcomeInvalid, report.Results[0].Outcome)
	assert.NotEmpty(t, report.Results[0].Error)

	n, err := st.CountEntries(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestApplyDeletesUneditedEntry(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(epoch)
	st := newTestStore(t, clock)
	a := NewApplier(st, WithMergeClock(clock))

	e := sampleEntry("e1", "Messingbarren")
	_, err := st.SaveEntry(ctx, nil, e)
	require.NoError(t, err)

	report, err := a.Apply(ctx, []delta.Delta{delta.Serialize(e, delta.OpDelete, e.ContentHash())}, ApplyOptions{})
	require.NoError(t, err)
	assert.Equal(t, merge.OutcomeDeleted, report.Results[0].Outcome)
	_, err = st.GetEntry(ctx, nil, "e1")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestApplyVerifiesUIDA(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(epoch)
	st := newTestStore(t, clock)
	enc := uida.NewEncoder()
	a := NewApplier(st, WithMergeClock(clock), WithUIDAVerification(enc))

	u, err := enc.ForTranslationKey("create", "item.create.brass_ingot", "de_de")
	require.NoError(t, err)
	other, err := enc.ForTranslationKey("create", "item.create.zinc_ingot", "de_de")
	require.NoError(t, err)

	good := sampleEntry("e1", "Messingbarren")
	good.UIDAKeysB64, good.UIDAHash = u.Display, u.String()
	forged := sampleEntry("e2", "Zinkbarren")
	forged.UIDAKeysB64, forged.UIDAHash = u.Display, other.String()

	report, err := a.Apply(ctx, []delta.Delta{
		delta.Serialize(good, delta.OpAdd, content.ID{}),
		delta.Serialize(forged, delta.OpAdd, content.ID{}),
	}, ApplyOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Applied)
	assert.Equal(t, 1, report.Errors)
	assert.Equal(t, "e2", report.Results[1].EntryUID)
	assert.Contains(t, report.Results[1].Error, "does not match")
}

func TestApplyHonorsLocks(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(epoch)
	st := newTestStore(t, clock)
	a := NewApplier(st, WithMergeClock(clock))

	base := sampleEntry("e1", "Messingbarren")
	_, err := st.SaveEntry(ctx, nil, base)
	require.NoError(t, err)
	require.NoError(t, st.SetLocks(ctx, nil, "e1", types.NewFieldSet(types.FieldDstText)))

	remote := sampleEntry("e1", "Barra de latón")
	report, err := a.Apply(ctx, []delta.Delta{delta.Serialize(remote, delta.OpUpdate, base.ContentHash())}, ApplyOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{string(types.FieldDstText)}, report.Results[0].Suppressed)

	rec, err := st.GetEntry(ctx, nil, "e1")
	require.NoError(t, err)
	assert.Equal(t, "Messingbarren", rec.Entry.DstText)
	assert.Equal(t, types.NewFieldSet(types.FieldDstText), rec.Locked)
}
