// Package merge computes the live view as baseline + delta. Every function
// here is pure: no I/O, no clock, deterministic for the same inputs.
package merge

import (
	"reflect"
	"sort"

	"github.com/coreplane/mirrorsync/internal/types"
)

// Merge overlays delta onto base and returns a new map. For every key in
// delta the delta value wins; all other keys pass through unchanged.
// Merge(base, nil) equals base (identity). Neither input is mutated.
func Merge(base, delta types.FieldMap) types.FieldMap {
	out := make(types.FieldMap, len(base)+len(delta))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range delta {
		out[k] = v
	}
	return out
}

// Overlay applies src onto dst field by field, mutating dst. Used for
// last-write-wins accumulation within a single draft.
func Overlay(dst, src types.FieldMap) types.FieldMap {
	if dst == nil {
		dst = make(types.FieldMap, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// Diff returns the sorted names of fields whose values differ between a
// and b, including fields present in only one of them.
func Diff(a, b types.FieldMap) []string {
	changed := make(map[string]struct{})
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !equal(av, bv) {
			changed[k] = struct{}{}
		}
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			changed[k] = struct{}{}
		}
	}

	out := make([]string, 0, len(changed))
	for k := range changed {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Intersect returns the sorted field names present in both sets.
func Intersect(a, b []string) []string {
	set := make(map[string]struct{}, len(a))
	for _, k := range a {
		set[k] = struct{}{}
	}

	var out []string
	for _, k := range b {
		if _, ok := set[k]; ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// equal compares two decoded JSON values. reflect.DeepEqual is sufficient
// because both sides come from the same decoder and use the same scalar
// representations.
func equal(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
