// Package draft orchestrates the user-facing edit lifecycle: save, commit,
// discard and conflict resolution. Everything here is synchronous and
// local; the only network I/O in the system lives in the sync worker.
package draft

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coreplane/mirrorsync/internal/conflict"
	"github.com/coreplane/mirrorsync/internal/store"
	"github.com/coreplane/mirrorsync/internal/types"
	"github.com/coreplane/mirrorsync/internal/validation"
)

var (
	// ErrNotCommittable is returned when commit is called on a
	// modification that is not an editable draft.
	ErrNotCommittable = errors.New("modification is not in a committable state")

	// ErrNotConflicted is returned when resolve is called on a
	// modification that is not in conflict.
	ErrNotConflicted = errors.New("modification is not in conflict")
)

// ValidationFailedError carries every violated rule from a commit attempt.
type ValidationFailedError struct {
	Errors []validation.ValidationError
}

func (e *ValidationFailedError) Error() string {
	return fmt.Sprintf("validation failed with %d violation(s)", len(e.Errors))
}

// Store defines the persistence operations the manager needs.
type Store interface {
	GetMirror(ctx context.Context, mirrorID string) (*types.MirrorRecord, error)
	UpsertDraft(ctx context.Context, mirrorID, userID, sessionID string, partial types.FieldMap) (*types.ModificationRecord, error)
	GetDraft(ctx context.Context, mirrorID, userID string) (*types.ModificationRecord, error)
	DeleteDraft(ctx context.Context, mirrorID, userID string) error
	ReplaceDraftDelta(ctx context.Context, modID string, delta types.FieldMap, baseVersion int64) error
	TransitionState(ctx context.Context, modID string, to types.SyncState) (*types.ModificationRecord, error)
	GetMergedView(ctx context.Context, mirrorID, userID string) (*types.MergedView, error)
	ListMergedViews(ctx context.Context, orgID, userID string, state types.SyncState, page, perPage int) ([]types.MergedView, int64, error)
	CountByState(ctx context.Context, orgID string) (map[types.SyncState]int64, error)
}

// Detector is the conflict check run at commit and resolve time.
type Detector interface {
	Detect(ctx context.Context, mod *types.ModificationRecord) (*conflict.Detection, error)
}

// CommitResult reports where a commit or resolve attempt landed.
type CommitResult struct {
	SyncState  types.SyncState       `json:"sync_state"`
	AutoMerged bool                  `json:"auto_merged,omitempty"`
	Conflict   *types.ConflictDetail `json:"conflict,omitempty"`
	// DroppedFields lists the delta fields discarded by the merge
	// resolution strategy; the caller re-prompts the user for them.
	DroppedFields []string `json:"dropped_fields,omitempty"`
}

// timeNow is stubbed in tests.
var timeNow = func() time.Time { return time.Now().UTC() }

// Manager coordinates drafts across the store, validation and conflict
// detection. trigger nudges the sync worker after a successful commit.
type Manager struct {
	store    Store
	detector Detector
	trigger  func()
}

// NewManager creates a Manager. trigger may be nil.
func NewManager(s Store, d Detector, trigger func()) *Manager {
	if trigger == nil {
		trigger = func() {}
	}
	return &Manager{store: s, detector: d, trigger: trigger}
}

// Save persists a partial delta for optimistic UI feedback. Field values
// are sanitized on the way in; no validation or network happens here.
func (m *Manager) Save(ctx context.Context, mirrorID, userID, sessionID string, partial types.FieldMap) (*types.ModificationRecord, error) {
	return m.store.UpsertDraft(ctx, mirrorID, userID, sessionID, validation.Sanitize(partial))
}

// Commit validates the full delta, runs conflict detection and either
// enqueues the modification for write-back or parks it in conflict with
// the detail the caller needs for resolution.
func (m *Manager) Commit(ctx context.Context, mirrorID, userID string) (*CommitResult, error) {
	mod, err := m.store.GetDraft(ctx, mirrorID, userID)
	if err != nil {
		return nil, err
	}
	if mod.SyncState != types.StateDraft {
		return nil, fmt.Errorf("%w: state %s", ErrNotCommittable, mod.SyncState)
	}

	mirror, err := m.store.GetMirror(ctx, mod.MirrorID)
	if err != nil {
		return nil, err
	}

	if errs := validation.ValidateModification(mirror.Data, mod.Delta); len(errs) > 0 {
		return nil, &ValidationFailedError{Errors: errs}
	}

	det, err := m.detector.Detect(ctx, mod)
	if err != nil {
		return nil, err
	}

	switch det.Kind {
	case conflict.Conflicting:
		if _, err := m.store.TransitionState(ctx, mod.ID, types.StateConflict); err != nil {
			return nil, err
		}
		return &CommitResult{
			SyncState: types.StateConflict,
			Conflict:  det.Detail(mod),
		}, nil

	case conflict.AutoMergeable:
		slog.Info("auto-merge applied at commit",
			"component", "draft",
			"mirror_id", mod.MirrorID,
			"user_id", mod.UserID,
			"base_version", det.BaseVersion,
			"current_version", det.CurrentVersion,
			"remote_changed", det.RemoteChanged,
		)
	}

	if _, err := m.store.TransitionState(ctx, mod.ID, types.StateCommitted); err != nil {
		return nil, err
	}
	m.trigger()

	return &CommitResult{
		SyncState:  types.StateCommitted,
		AutoMerged: det.Kind == conflict.AutoMergeable,
	}, nil
}

// Discard deletes the draft; the live view reverts to the pristine mirror
// on the next read. Discarding a non-existent draft is a no-op.
func (m *Manager) Discard(ctx context.Context, mirrorID, userID string) error {
	return m.store.DeleteDraft(ctx, mirrorID, userID)
}

// Resolve applies a resolution strategy to a conflicted modification.
func (m *Manager) Resolve(ctx context.Context, mirrorID, userID string, strategy types.ResolutionStrategy) (*CommitResult, error) {
	if !strategy.Valid() {
		return nil, fmt.Errorf("unknown resolution strategy %q", strategy)
	}

	mod, err := m.store.GetDraft(ctx, mirrorID, userID)
	if err != nil {
		return nil, err
	}
	if mod.SyncState != types.StateConflict {
		return nil, fmt.Errorf("%w: state %s", ErrNotConflicted, mod.SyncState)
	}

	switch strategy {
	case types.ResolveUseRemote:
		if err := m.store.DeleteDraft(ctx, mirrorID, userID); err != nil {
			return nil, err
		}
		return &CommitResult{SyncState: types.StateSynced}, nil

	case types.ResolveUseLocal:
		mirror, err := m.store.GetMirror(ctx, mod.MirrorID)
		if err != nil {
			return nil, err
		}
		// Rebase onto the current version and re-submit unchanged.
		if err := m.store.ReplaceDraftDelta(ctx, mod.ID, mod.Delta, mirror.Version); err != nil {
			return nil, err
		}
		if _, err := m.store.TransitionState(ctx, mod.ID, types.StateCommitted); err != nil {
			return nil, err
		}
		m.trigger()
		return &CommitResult{SyncState: types.StateCommitted}, nil

	default: // types.ResolveMerge
		det, err := m.detector.Detect(ctx, mod)
		if err != nil {
			return nil, err
		}

		contested := make(map[string]struct{}, len(det.Overlapping))
		for _, fc := range det.Overlapping {
			contested[fc.Field] = struct{}{}
		}

		kept := make(types.FieldMap)
		var dropped []string
		for _, field := range mod.Delta.Keys() {
			if _, ok := contested[field]; ok {
				dropped = append(dropped, field)
				continue
			}
			kept[field] = mod.Delta[field]
		}

		mirror, err := m.store.GetMirror(ctx, mod.MirrorID)
		if err != nil {
			return nil, err
		}
		if err := m.store.ReplaceDraftDelta(ctx, mod.ID, kept, mirror.Version); err != nil {
			return nil, err
		}
		if _, err := m.store.TransitionState(ctx, mod.ID, types.StateDraft); err != nil {
			return nil, err
		}
		return &CommitResult{
			SyncState:     types.StateDraft,
			DroppedFields: dropped,
		}, nil
	}
}

// MergedView returns the live view of one record for one user.
func (m *Manager) MergedView(ctx context.Context, mirrorID, userID string) (*types.MergedView, error) {
	return m.store.GetMergedView(ctx, mirrorID, userID)
}

// ListViews returns one page of an organization's live views.
func (m *Manager) ListViews(ctx context.Context, orgID, userID string, state types.SyncState, page, perPage int) ([]types.MergedView, int64, error) {
	return m.store.ListMergedViews(ctx, orgID, userID, state, page, perPage)
}

// Stats aggregates modification counts by sync state.
func (m *Manager) Stats(ctx context.Context, orgID string) (*types.SyncStats, error) {
	counts, err := m.store.CountByState(ctx, orgID)
	if err != nil {
		return nil, err
	}
	return &types.SyncStats{
		OrganizationID: orgID,
		Counts:         counts,
		AsOf:           timeNow(),
	}, nil
}

// IsNotFound reports whether err indicates a missing mirror or draft.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
