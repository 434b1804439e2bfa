package merge

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SakenW/TH-Suite-sub005/errors"
	"github.com/SakenW/TH-Suite-sub005/types"
)

func modOverride(key, src, dst string) Override {
	return Override{
		Key: key, Locale: "zh_cn", SrcText: src, DstText: dst,
		Source: Source{Kind: SourceMod, ID: "mod:create"},
	}
}

func packOverride(key, dst string) Override {
	return Override{
		Key: key, Locale: "zh_cn", DstText: dst,
		Source: Source{Kind: SourceResourcePack, ID: "rp:chinese-pack"},
	}
}

func TestResolveHighestPriorityWins(t *testing.T) {
	res, err := Resolve([]Override{
		modOverride("item.create.brass_ingot", "Brass Ingot", "黄铜锭(模组)"),
		packOverride("item.create.brass_ingot", "黄铜锭"),
	})
	require.NoError(t, err)

	assert.Equal(t, SourceResourcePack, res.Winner.Kind)
	assert.Equal(t, "黄铜锭", res.DstText, "pack beats mod")
	assert.Equal(t, "Brass Ingot", res.SrcText, "mod fills the empty source text")
	assert.Equal(t, types.NewFieldSet(types.FieldDstText, types.FieldSrcText), res.Locked)

	want := []types.OverrideTrace{
		{Source: "resource_pack", SourceID: "rp:chinese-pack", Priority: 300, Fields: []string{"dst_text"}},
		{Source: "mod", SourceID: "mod:create", Priority: 200, Fields: []string{"src_text"}},
	}
	if diff := cmp.Diff(want, res.Trace); diff != "" {
		t.Errorf("trace mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveLockBlocksLowerFill(t *testing.T) {
	manual := CreateManualOverride("item.x", "zh_cn", "手动", "alice")
	manual.Status = ""
	lower := Override{
		Key: "item.x", Locale: "zh_cn", DstText: "模组", Status: types.StatusTranslated,
		Source: Source{Kind: SourceMod, ID: "mod:x"},
	}

	res, err := Resolve([]Override{lower, manual})
	require.NoError(t, err)
	assert.Equal(t, "手动", res.DstText)
	assert.Empty(t, res.Status, "status locked by manual source stays empty")

	e := res.Entry("uid-x")
	assert.Equal(t, types.StatusTranslated, e.Status)
	assert.Len(t, e.QAFlags.OverrideChain, 1)
}

func TestResolveTieBreaksBySourceID(t *testing.T) {
	a := packOverride("k", "甲")
	a.Source.ID = "rp:b"
	b := packOverride("k", "乙")
	b.Source.ID = "rp:a"

	r1, err := Resolve([]Override{a, b})
	require.NoError(t, err)
	r2, err := Resolve([]Override{b, a})
	require.NoError(t, err)
	assert.Equal(t, "乙", r1.DstText)
	assert.Equal(t, r1, r2)
}

func TestResolveRejectsMixedKeys(t *testing.T) {
	_, err := Resolve(nil)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))

	_, err = Resolve([]Override{modOverride("a", "", "x"), modOverride("b", "", "y")})
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestBatchProcessOverrides(t *testing.T) {
	other := packOverride("item.a", "英文")
	other.Locale = "en_us"

	out := BatchProcessOverrides([]Override{
		modOverride("item.a", "A", "甲(模组)"),
		packOverride("item.a", "甲"),
		modOverride("item.b", "B", "乙"),
		other,
	}, "zh_cn")

	require.Len(t, out, 2)
	assert.Equal(t, "甲", out["item.a"].DstText)
	assert.Equal(t, 2, out["item.a"].Sources)
	assert.Equal(t, "乙", out["item.b"].DstText)
}

func TestValidateOverrideChain(t *testing.T) {
	dupA := packOverride("item.dup", "甲")
	dupA.Source.ID = "rp:a"
	dupB := packOverride("item.dup", "乙")
	dupB.Source.ID = "rp:b"

	inverted := modOverride("item.inv", "", "模组")
	inverted.Priority = 350

	issues := ValidateOverrideChain([]Override{
		{Key: "", Locale: "zh_cn", Source: Source{Kind: SourceMod, ID: "mod:empty"}},
		{Key: "item.m", Locale: "zh_cn", Source: Source{Kind: SourceManual, ID: "manual:bob"}},
		dupA, dupB,
		inverted, packOverride("item.inv", "包"),
	})

	codes := map[string]Severity{}
	for _, is := range issues {
		codes[is.Code+"/"+is.Key] = is.Severity
	}
	assert.Equal(t, SeverityError, codes[IssueMissingField+"/"])
	assert.Equal(t, SeverityError, codes[IssueMissingField+"/item.m"])
	assert.Equal(t, SeverityWarning, codes[IssueDuplicatePriority+"/item.dup"])
	assert.Equal(t, SeverityError, codes[IssueLockedKeyConflict+"/item.dup"])
	assert.Equal(t, SeverityWarning, codes[IssuePriorityInversion+"/item.inv"])
	assert.Len(t, issues, 5)

	assert.Empty(t, ValidateOverrideChain([]Override{modOverride("ok", "Ok", "好")}))
}

func TestCreateManualOverride(t *testing.T) {
	o := CreateManualOverride("item.create.brass_ingot", "zh_cn", "黄铜锭", "alice")
	assert.Equal(t, types.StatusApproved, o.Status)
	assert.Equal(t, 400, o.EffectivePriority())
	assert.True(t, o.EffectiveLocks().Has(types.FieldDstText))
	assert.True(t, o.EffectiveLocks().Has(types.FieldStatus))
	assert.Equal(t, "manual:alice", o.Source.ID)
}

func TestOverrideStatistics(t *testing.T) {
	dup := packOverride("item.a", "另")
	dup.Source.ID = "rp:other"
	st := OverrideStatistics([]Override{
		modOverride("item.a", "A", "甲"),
		packOverride("item.a", "甲"),
		dup,
		CreateManualOverride("item.b", "zh_cn", "乙", "alice"),
	})
	assert.Equal(t, 4, st.Total)
	assert.Equal(t, 2, st.Keys)
	assert.Equal(t, 2, st.ByKind[SourceResourcePack])
	assert.Equal(t, 4, st.ByLocale["zh_cn"])
	assert.Equal(t, 3, st.LockedFields["dst_text"])
	assert.Equal(t, 1, st.LockedFields["src_text"])
	assert.Equal(t, 1, st.Errors, "locked_key_conflict")
	assert.Equal(t, 1, st.Warnings, "duplicate_priority")
}
