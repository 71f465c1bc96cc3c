package tracing

import (
	"slices"

	"goa.design/runtrace/runtime/run"
)

// Filter selects the runs reported by an emitter.
//
// Inclusion is decided in two phases. First, when any Include* list is set,
// a run is a candidate only if it matches at least one configured include
// predicate; with no include configured every run is a candidate. Then each
// configured Exclude* predicate removes matching candidates. Excludes always
// win.
type Filter struct {
	// IncludeNames admits runs whose name is listed.
	IncludeNames []string
	// IncludeTypes admits runs whose kind is listed.
	IncludeTypes []string
	// IncludeTags admits runs carrying any listed tag.
	IncludeTags []string
	// ExcludeNames rejects runs whose name is listed.
	ExcludeNames []string
	// ExcludeTypes rejects runs whose kind is listed.
	ExcludeTypes []string
	// ExcludeTags rejects runs carrying any listed tag.
	ExcludeTags []string
}

// IsZero reports whether f admits every run.
func (f Filter) IsZero() bool {
	return len(f.IncludeNames) == 0 && len(f.IncludeTypes) == 0 && len(f.IncludeTags) == 0 &&
		len(f.ExcludeNames) == 0 && len(f.ExcludeTypes) == 0 && len(f.ExcludeTags) == 0
}

// Includes reports whether r passes the filter.
func (f Filter) Includes(r run.Run) bool {
	include := f.IncludeNames == nil && f.IncludeTypes == nil && f.IncludeTags == nil
	if f.IncludeNames != nil {
		include = include || slices.Contains(f.IncludeNames, r.Name)
	}
	if f.IncludeTypes != nil {
		include = include || slices.Contains(f.IncludeTypes, string(r.Kind))
	}
	if f.IncludeTags != nil {
		include = include || anyTag(r.Tags, f.IncludeTags)
	}
	if f.ExcludeNames != nil {
		include = include && !slices.Contains(f.ExcludeNames, r.Name)
	}
	if f.ExcludeTypes != nil {
		include = include && !slices.Contains(f.ExcludeTypes, string(r.Kind))
	}
	if f.ExcludeTags != nil {
		include = include && !anyTag(r.Tags, f.ExcludeTags)
	}
	return include
}

func anyTag(tags, set []string) bool {
	for _, t := range tags {
		if slices.Contains(set, t) {
			return true
		}
	}
	return false
}
