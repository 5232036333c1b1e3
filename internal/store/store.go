package store

import (
	"context"
	"time"

	"github.com/coreplane/mirrorsync/internal/types"
)

// Store defines the interface contract for mirror, history and
// modification persistence.
type Store interface {
	// Mirror baseline. UpsertMirror serves both first ingestion and
	// periodic re-sync; a re-sync with changed data bumps the version and
	// appends a history snapshot, exactly like a write-back.
	UpsertMirror(ctx context.Context, orgID, externalID string, data types.FieldMap) (*types.MirrorRecord, error)
	GetMirror(ctx context.Context, mirrorID string) (*types.MirrorRecord, error)
	ListMirrors(ctx context.Context, orgID string, page, perPage int) ([]types.MirrorRecord, int64, error)

	// ApplyDelta is the single mirror mutation path for write-back:
	// compare-and-increment on expectVersion, pre-update history snapshot
	// and baseline merge in one transaction. Returns ErrVersionConflict
	// when the mirror has moved past expectVersion.
	ApplyDelta(ctx context.Context, mirrorID string, expectVersion int64, delta types.FieldMap) (*types.MirrorRecord, error)

	// History.
	HistoryBetween(ctx context.Context, mirrorID string, fromVersion, toVersion int64) ([]types.MirrorHistory, error)
	PruneHistory(ctx context.Context, mirrorID string, keep int) (int64, error)

	// Drafts. UpsertDraft enforces one open row per (mirror, user): an
	// existing editable row is overlaid field by field keeping its base
	// version; a busy row (committed through failed) returns ErrDraftBusy.
	UpsertDraft(ctx context.Context, mirrorID, userID, sessionID string, partial types.FieldMap) (*types.ModificationRecord, error)
	GetDraft(ctx context.Context, mirrorID, userID string) (*types.ModificationRecord, error)
	GetModification(ctx context.Context, modID string) (*types.ModificationRecord, error)
	DeleteDraft(ctx context.Context, mirrorID, userID string) error
	ReplaceDraftDelta(ctx context.Context, modID string, delta types.FieldMap, baseVersion int64) error

	// Lifecycle. TransitionState enforces the types.CanTransition table
	// and returns ErrInvalidTransition otherwise.
	TransitionState(ctx context.Context, modID string, to types.SyncState) (*types.ModificationRecord, error)
	RecordFailure(ctx context.Context, modID string, lastError string, retryCount int, nextAttempt time.Time) error
	DeadLetter(ctx context.Context, modID string, lastError string) error
	RequeueDeadLetter(ctx context.Context, modID string) (*types.ModificationRecord, error)

	// Worker batch selection: committed rows plus queued/failed rows whose
	// next attempt is due.
	DueForSync(ctx context.Context, limit int, now time.Time) ([]types.ModificationRecord, error)
	ListByState(ctx context.Context, orgID string, state types.SyncState) ([]types.ModificationRecord, error)
	CountByState(ctx context.Context, orgID string) (map[types.SyncState]int64, error)

	// Merged views: mirror plus the caller's open delta read in a single
	// query so display never interleaves a half-written pair.
	GetMergedView(ctx context.Context, mirrorID, userID string) (*types.MergedView, error)
	ListMergedViews(ctx context.Context, orgID, userID string, state types.SyncState, page, perPage int) ([]types.MergedView, int64, error)

	Close() error
}
