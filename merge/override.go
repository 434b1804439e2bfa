package merge

import (
	"fmt"
	"sort"

	"github.com/SakenW/TH-Suite-sub005/errors"
	"github.com/SakenW/TH-Suite-sub005/types"
)

// SourceKind is where an override came from.
type SourceKind string

const (
	SourceManual       SourceKind = "manual"
	SourceResourcePack SourceKind = "resource_pack"
	SourceMod          SourceKind = "mod"
	SourceDataPack     SourceKind = "data_pack"
	SourceDefault      SourceKind = "default"
)

var kindPriority = map[SourceKind]int{
	SourceManual:       400,
	SourceResourcePack: 300,
	SourceMod:          200,
	SourceDataPack:     150,
	SourceDefault:      100,
}

var kindLocks = map[SourceKind]types.FieldSet{
	SourceResourcePack: types.NewFieldSet(types.FieldDstText),
	SourceMod:          types.NewFieldSet(types.FieldSrcText),
	SourceManual:       types.NewFieldSet(types.FieldDstText, types.FieldStatus),
}

// Known reports whether k is a recognised source kind.
func (k SourceKind) Known() bool {
	_, ok := kindPriority[k]
	return ok
}

// DefaultPriority is the rank of k; unknown kinds rank 0.
func (k SourceKind) DefaultPriority() int { return kindPriority[k] }

// DefaultLocks are the fields a source of kind k locks unless it says otherwise.
func (k SourceKind) DefaultLocks() types.FieldSet { return kindLocks[k] }

// Source identifies one override provider.
type Source struct {
	Kind    SourceKind `json:"kind"`
	ID      string     `json:"id"`
	Name    string     `json:"name,omitempty"`
	Version string     `json:"version,omitempty"`
}

// Override is one source's claim on a translation key in a locale.
type Override struct {
	Key      string         `json:"key"`
	Locale   string         `json:"locale"`
	SrcText  string         `json:"src_text,omitempty"`
	DstText  string         `json:"dst_text,omitempty"`
	Status   types.Status   `json:"status,omitempty"`
	Source   Source         `json:"source"`
	Priority int            `json:"priority,omitempty"`
	Locked   types.FieldSet `json:"locked,omitempty"`
	Author   string         `json:"author,omitempty"`
}

// EffectivePriority is the explicit priority, or the kind default.
func (o Override) EffectivePriority() int {
	if o.Priority != 0 {
		return o.Priority
	}
	return o.Source.Kind.DefaultPriority()
}

// EffectiveLocks is the explicit lock set, or the kind default.
func (o Override) EffectiveLocks() types.FieldSet {
	if o.Locked != nil {
		return o.Locked
	}
	return o.Source.Kind.DefaultLocks()
}

func (o Override) value(f types.Field) string {
	switch f {
	case types.FieldSrcText:
		return o.SrcText
	case types.FieldDstText:
		return o.DstText
	case types.FieldStatus:
		return string(o.Status)
	}
	return ""
}

// overrideFields are the fields an override can supply.
var overrideFields = []types.Field{types.FieldSrcText, types.FieldDstText, types.FieldStatus}

// Resolution is the outcome of resolving overrides for one key and locale.
type Resolution struct {
	Key     string                `json:"key"`
	Locale  string                `json:"locale"`
	SrcText string                `json:"src_text"`
	DstText string                `json:"dst_text"`
	Status  types.Status          `json:"status"`
	Winner  Source                `json:"winner"`
	Locked  types.FieldSet        `json:"locked,omitempty"`
	Trace   []types.OverrideTrace `json:"trace"`
	Sources int                   `json:"sources"`
}

// Entry builds the translation entry the resolution describes, with the
// override trace recorded in its QA flags.
func (r Resolution) Entry(uid string) *types.Entry {
	e := &types.Entry{
		UID:     uid,
		Key:     r.Key,
		SrcText: r.SrcText,
		DstText: r.DstText,
		Status:  r.Status,
	}
	if e.Status == "" {
		e.Status = types.StatusUntranslated
		if e.DstText != "" {
			e.Status = types.StatusTranslated
		}
	}
	e.QAFlags.OverrideChain = append([]types.OverrideTrace(nil), r.Trace...)
	return e
}

// sortOverrides orders by priority descending, then source id, then kind.
func sortOverrides(overrides []Override) []Override {
	sorted := append([]Override(nil), overrides...)
	sort.SliceStable(sorted, func(i, j int) bool {
		pi, pj := sorted[i].EffectivePriority(), sorted[j].EffectivePriority()
		if pi != pj {
			return pi > pj
		}
		if sorted[i].Source.ID != sorted[j].Source.ID {
			return sorted[i].Source.ID < sorted[j].Source.ID
		}
		return sorted[i].Source.Kind < sorted[j].Source.Kind
	})
	return sorted
}

// Resolve folds the overrides for a single key and locale. The highest
// priority source wins; lower sources only fill fields still empty and not
// locked by a source above them.
func Resolve(overrides []Override) (Resolution, error) {
	if len(overrides) == 0 {
		return Resolution{}, errors.NewInvalidRequestError("no overrides to resolve")
	}
	key, locale := overrides[0].Key, overrides[0].Locale
	for _, o := range overrides[1:] {
		if o.Key != key || o.Locale != locale {
			return Resolution{}, errors.NewInvalidRequestError(
				"overrides span %s/%s and %s/%s", key, locale, o.Key, o.Locale)
		}
	}

	sorted := sortOverrides(overrides)
	res := Resolution{Key: key, Locale: locale, Winner: sorted[0].Source, Sources: len(sorted)}
	acc := map[types.Field]string{}
	var locked types.FieldSet

	for _, o := range sorted {
		var contributed []string
		for _, f := range overrideFields {
			v := o.value(f)
			if v == "" || acc[f] != "" || locked.Has(f) {
				continue
			}
			acc[f] = v
			contributed = append(contributed, string(f))
		}
		locked = locked.Union(o.EffectiveLocks())
		if len(contributed) > 0 {
			res.Trace = append(res.Trace, types.OverrideTrace{
				Source:   string(o.Source.Kind),
				SourceID: o.Source.ID,
				Priority: o.EffectivePriority(),
				Fields:   contributed,
			})
		}
	}

	res.SrcText = acc[types.FieldSrcText]
	res.DstText = acc[types.FieldDstText]
	res.Status = types.Status(acc[types.FieldStatus])
	res.Locked = locked
	return res, nil
}

// BatchProcessOverrides resolves every key of locale independently. Keys
// whose overrides cannot be resolved are left out.
func BatchProcessOverrides(overrides []Override, locale string) map[string]Resolution {
	byKey := make(map[string][]Override)
	for _, o := range overrides {
		if o.Locale != locale || o.Key == "" {
			continue
		}
		byKey[o.Key] = append(byKey[o.Key], o)
	}
	out := make(map[string]Resolution, len(byKey))
	for key, group := range byKey {
		res, err := Resolve(group)
		if err != nil {
			continue
		}
		out[key] = res
	}
	return out
}

// Severity grades a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue codes reported by ValidateOverrideChain.
const (
	IssueMissingField      = "missing_field"
	IssueDuplicatePriority = "duplicate_priority"
	IssuePriorityInversion = "priority_inversion"
	IssueLockedKeyConflict = "locked_key_conflict"
)

// Issue is one advisory finding about an override set.
type Issue struct {
	Severity Severity `json:"severity"`
	Code     string   `json:"code"`
	Key      string   `json:"key"`
	Locale   string   `json:"locale"`
	Sources  []string `json:"sources,omitempty"`
	Message  string   `json:"message"`
}

// ValidateOverrideChain reports problems in an override set. It never fails;
// an empty result means nothing was found.
func ValidateOverrideChain(overrides []Override) []Issue {
	var issues []Issue
	groups := make(map[[2]string][]Override)

	for _, o := range overrides {
		var missing []string
		if o.Key == "" {
			missing = append(missing, "key")
		}
		if o.Locale == "" {
			missing = append(missing, "locale")
		}
		if o.Source.Kind == SourceManual && o.DstText == "" {
			missing = append(missing, "dst_text")
		}
		if !o.Source.Kind.Known() {
			missing = append(missing, "source.kind")
		}
		if len(missing) > 0 {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Code:     IssueMissingField,
				Key:      o.Key,
				Locale:   o.Locale,
				Sources:  []string{o.Source.ID},
				Message:  fmt.Sprintf("override from %q is missing %v", o.Source.ID, missing),
			})
		}
		if o.Key != "" && o.Locale != "" {
			k := [2]string{o.Key, o.Locale}
			groups[k] = append(groups[k], o)
		}
	}

	for k, group := range groups {
		issues = append(issues, validateGroup(k[0], k[1], group)...)
	}

	sort.SliceStable(issues, func(i, j int) bool {
		a, b := issues[i], issues[j]
		if a.Key != b.Key {
			return a.Key < b.Key
		}
		if a.Locale != b.Locale {
			return a.Locale < b.Locale
		}
		if a.Code != b.Code {
			return a.Code < b.Code
		}
		return fmt.Sprint(a.Sources) < fmt.Sprint(b.Sources)
	})
	return issues
}

func validateGroup(key, locale string, group []Override) []Issue {
	var issues []Issue
	byPriority := make(map[int][]Override)
	for _, o := range group {
		byPriority[o.EffectivePriority()] = append(byPriority[o.EffectivePriority()], o)
	}

	for prio, same := range byPriority {
		if len(same) < 2 {
			continue
		}
		ids := sourceIDs(same)
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Code:     IssueDuplicatePriority,
			Key:      key,
			Locale:   locale,
			Sources:  ids,
			Message:  fmt.Sprintf("%d sources share priority %d", len(same), prio),
		})

		for _, f := range overrideFields {
			values := map[string]string{}
			for _, o := range same {
				if v := o.value(f); v != "" && o.EffectiveLocks().Has(f) {
					values[o.Source.ID] = v
				}
			}
			if distinct(values) > 1 {
				issues = append(issues, Issue{
					Severity: SeverityError,
					Code:     IssueLockedKeyConflict,
					Key:      key,
					Locale:   locale,
					Sources:  sortedKeys(values),
					Message:  fmt.Sprintf("sources at priority %d lock %s to different values", prio, f),
				})
			}
		}
	}

	for i, a := range group {
		for _, b := range group[i+1:] {
			if a.Priority == 0 && b.Priority == 0 {
				continue
			}
			ra, rb := a.Source.Kind.DefaultPriority(), b.Source.Kind.DefaultPriority()
			pa, pb := a.EffectivePriority(), b.EffectivePriority()
			if (ra > rb && pa < pb) || (rb > ra && pb < pa) {
				issues = append(issues, Issue{
					Severity: SeverityWarning,
					Code:     IssuePriorityInversion,
					Key:      key,
					Locale:   locale,
					Sources:  []string{a.Source.ID, b.Source.ID},
					Message: fmt.Sprintf("%s (%s, %d) and %s (%s, %d) contradict the source ranking",
						a.Source.ID, a.Source.Kind, pa, b.Source.ID, b.Source.Kind, pb),
				})
			}
		}
	}
	return issues
}

// CreateManualOverride builds an approved manual override that locks the
// translation and its status.
func CreateManualOverride(key, locale, dstText, author string) Override {
	return Override{
		Key:     key,
		Locale:  locale,
		DstText: dstText,
		Status:  types.StatusApproved,
		Source: Source{
			Kind: SourceManual,
			ID:   "manual:" + author,
			Name: author,
		},
		Priority: SourceManual.DefaultPriority(),
		Locked:   types.NewFieldSet(types.FieldDstText, types.FieldStatus),
		Author:   author,
	}
}

// Statistics summarises an override set.
type Statistics struct {
	Total        int                `json:"total"`
	Keys         int                `json:"keys"`
	ByKind       map[SourceKind]int `json:"by_kind"`
	ByLocale     map[string]int     `json:"by_locale"`
	LockedFields map[string]int     `json:"locked_fields"`
	Errors       int                `json:"errors"`
	Warnings     int                `json:"warnings"`
}

// OverrideStatistics counts overrides by kind, locale and locked field, and
// tallies validation issues.
func OverrideStatistics(overrides []Override) Statistics {
	st := Statistics{
		Total:        len(overrides),
		ByKind:       map[SourceKind]int{},
		ByLocale:     map[string]int{},
		LockedFields: map[string]int{},
	}
	keys := map[[2]string]bool{}
	for _, o := range overrides {
		st.ByKind[o.Source.Kind]++
		st.ByLocale[o.Locale]++
		for _, f := range o.EffectiveLocks() {
			st.LockedFields[string(f)]++
		}
		keys[[2]string{o.Key, o.Locale}] = true
	}
	st.Keys = len(keys)
	for _, is := range ValidateOverrideChain(overrides) {
		if is.Severity == SeverityError {
			st.Errors++
		} else {
			st.Warnings++
		}
	}
	return st
}

func sourceIDs(group []Override) []string {
	ids := make([]string, len(group))
	for i, o := range group {
		ids[i] = o.Source.ID
	}
	sort.Strings(ids)
	return ids
}

func distinct(m map[string]string) int {
	seen := map[string]bool{}
	for _, v := range m {
		seen[v] = true
	}
	return len(seen)
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
