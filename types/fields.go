package types

import "sort"

// Field names a merge-relevant entry field.
type Field string

const (
	FieldKey          Field = "key"
	FieldSrcText      Field = "src_text"
	FieldDstText      Field = "dst_text"
	FieldStatus       Field = "status"
	FieldLanguageFile Field = "language_file_uid"
)

// MergeFields are compared field by field during three-way merge, in this order.
var MergeFields = []Field{FieldKey, FieldSrcText, FieldDstText, FieldStatus, FieldLanguageFile}

// FieldSet is a sorted, duplicate-free set of fields.
type FieldSet []Field

// NewFieldSet builds a set from fields.
func NewFieldSet(fields ...Field) FieldSet {
	seen := make(map[Field]bool, len(fields))
	out := make(FieldSet, 0, len(fields))
	for _, f := range fields {
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Has reports membership.
func (s FieldSet) Has(f Field) bool {
	for _, x := range s {
		if x == f {
			return true
		}
	}
	return false
}

// Union returns s ∪ other.
func (s FieldSet) Union(other FieldSet) FieldSet {
	return NewFieldSet(append(append([]Field{}, s...), other...)...)
}

// Strings returns the field names.
func (s FieldSet) Strings() []string {
	out := make([]string, len(s))
	for i, f := range s {
		out[i] = string(f)
	}
	return out
}
