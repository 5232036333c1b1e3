// Package conflict decides whether a modification can be committed against
// the mirror's current version: clean, auto-mergeable, or conflicting.
package conflict

import (
	"context"
	"fmt"
	"sort"

	"github.com/coreplane/mirrorsync/internal/merge"
	"github.com/coreplane/mirrorsync/internal/types"
)

// Kind classifies a detection result.
type Kind string

const (
	Clean         Kind = "clean"          // base version equals current version
	AutoMergeable Kind = "auto_mergeable" // versions differ, changed-field sets disjoint
	Conflicting   Kind = "conflicting"    // changed-field sets overlap
)

// Detection is the outcome of comparing a modification against the mirror.
type Detection struct {
	Kind           Kind
	BaseVersion    int64
	CurrentVersion int64
	// RemoteChanged is every field the mirror changed between the base
	// version and now, from diffing successive history snapshots.
	RemoteChanged []string
	// Overlapping carries both sides of each contested field. Empty
	// unless Kind is Conflicting.
	Overlapping []types.FieldConflict
}

// Detail builds the caller-facing conflict payload.
func (d *Detection) Detail(mod *types.ModificationRecord) *types.ConflictDetail {
	return &types.ConflictDetail{
		MirrorID:       mod.MirrorID,
		UserID:         mod.UserID,
		BaseVersion:    d.BaseVersion,
		CurrentVersion: d.CurrentVersion,
		Overlapping:    d.Overlapping,
		LocalDelta:     mod.Delta,
		RemoteChanged:  d.RemoteChanged,
	}
}

// Store defines the read operations the detector needs.
type Store interface {
	GetMirror(ctx context.Context, mirrorID string) (*types.MirrorRecord, error)
	HistoryBetween(ctx context.Context, mirrorID string, fromVersion, toVersion int64) ([]types.MirrorHistory, error)
}

// Detector compares a modification's base version against the live mirror.
type Detector struct {
	store Store
}

// NewDetector creates a Detector over the given store.
func NewDetector(s Store) *Detector {
	return &Detector{store: s}
}

// Detect compares mod.BaseVersion to the mirror's version at this moment.
// Equal versions are Clean. Otherwise the fields the mirror changed since
// the base version are diffed against the delta's fields: disjoint sets
// auto-merge, overlapping sets conflict with both values surfaced.
func (d *Detector) Detect(ctx context.Context, mod *types.ModificationRecord) (*Detection, error) {
	mirror, err := d.store.GetMirror(ctx, mod.MirrorID)
	if err != nil {
		return nil, fmt.Errorf("load mirror: %w", err)
	}

	det := &Detection{
		BaseVersion:    mod.BaseVersion,
		CurrentVersion: mirror.Version,
	}

	if mod.BaseVersion == mirror.Version {
		det.Kind = Clean
		return det, nil
	}
	if mod.BaseVersion > mirror.Version {
		return nil, fmt.Errorf("modification base version %d is ahead of mirror version %d", mod.BaseVersion, mirror.Version)
	}

	remoteChanged, complete, err := d.remoteChangedFields(ctx, mod.MirrorID, mod.BaseVersion, mirror)
	if err != nil {
		return nil, err
	}
	det.RemoteChanged = remoteChanged

	var overlap []string
	if complete {
		overlap = merge.Intersect(remoteChanged, mod.Delta.Keys())
	} else {
		// History was pruned below the base version; disjointness cannot
		// be proven, so every delta field is treated as contested.
		overlap = mod.Delta.Keys()
	}

	if len(overlap) == 0 {
		det.Kind = AutoMergeable
		return det, nil
	}

	det.Kind = Conflicting
	det.Overlapping = make([]types.FieldConflict, 0, len(overlap))
	for _, field := range overlap {
		det.Overlapping = append(det.Overlapping, types.FieldConflict{
			Field:  field,
			Local:  mod.Delta[field],
			Remote: mirror.Data[field],
		})
	}
	return det, nil
}

// remoteChangedFields unions the diffs of successive snapshots from
// baseVersion through the current baseline. complete is false when the
// snapshot chain does not reach back to baseVersion.
func (d *Detector) remoteChangedFields(ctx context.Context, mirrorID string, baseVersion int64, mirror *types.MirrorRecord) (changed []string, complete bool, err error) {
	history, err := d.store.HistoryBetween(ctx, mirrorID, baseVersion, mirror.Version)
	if err != nil {
		return nil, false, fmt.Errorf("load history: %w", err)
	}

	if len(history) == 0 || history[0].Version != baseVersion {
		return nil, false, nil
	}

	set := make(map[string]struct{})
	for i := 0; i < len(history); i++ {
		var next types.FieldMap
		if i+1 < len(history) {
			next = history[i+1].Data
		} else {
			next = mirror.Data
		}
		for _, f := range merge.Diff(history[i].Data, next) {
			set[f] = struct{}{}
		}
	}

	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return out, true, nil
}
