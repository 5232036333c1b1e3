package types

import (
	"encoding/json"
	"sort"
	"time"
)

// FieldMap is the open attribute bag carried by mirror records and deltas.
// Keys are external field names; values are whatever JSON produced
// (string, float64, bool, nil, nested maps/slices).
type FieldMap map[string]any

// Clone returns a shallow copy. Nested values are shared; callers treat
// field values as immutable once stored.
func (m FieldMap) Clone() FieldMap {
	if m == nil {
		return nil
	}
	out := make(FieldMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Keys returns the field names in sorted order.
func (m FieldMap) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MarshalJSON ensures a nil FieldMap marshals as {} not null.
func (m FieldMap) MarshalJSON() ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]any(m))
}

// MirrorRecord is the read-only baseline snapshot of one external entity
// per tenant. Only the sync worker's write-back path mutates it.
type MirrorRecord struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	ExternalID     string    `json:"external_id"`
	Data           FieldMap  `json:"data"`
	Version        int64     `json:"version"`
	LastSyncedAt   time.Time `json:"last_synced_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// MirrorHistory is an immutable snapshot of a mirror taken immediately
// before each version bump. Append-only.
type MirrorHistory struct {
	MirrorID   string    `json:"mirror_id"`
	Version    int64     `json:"version"`
	Data       FieldMap  `json:"data"`
	ArchivedAt time.Time `json:"archived_at"`
}

// SyncState is the lifecycle stage of a modification.
type SyncState string

const (
	StateDraft        SyncState = "draft"
	StateCommitted    SyncState = "committed"
	StateQueued       SyncState = "queued"
	StateSyncing      SyncState = "syncing"
	StateSynced       SyncState = "synced"
	StateConflict     SyncState = "conflict"
	StateFailed       SyncState = "failed"
	StateDeadLettered SyncState = "dead_lettered"
)

// AllStates lists every valid sync state, in lifecycle order.
var AllStates = []SyncState{
	StateDraft,
	StateCommitted,
	StateQueued,
	StateSyncing,
	StateSynced,
	StateConflict,
	StateFailed,
	StateDeadLettered,
}

// transitions is the closed transition table. Any (from, to) pair absent
// here is rejected at the store layer; no state stringly-typed checks
// anywhere else.
var transitions = map[SyncState]map[SyncState]bool{
	StateDraft: {
		StateCommitted: true, // commit, detector clean or auto-mergeable
		StateConflict:  true, // commit, overlapping remote changes
	},
	StateCommitted: {
		StateQueued: true, // worker batch selection
	},
	StateQueued: {
		StateSyncing: true,
	},
	StateSyncing: {
		StateSynced:       true, // external write succeeded
		StateConflict:     true, // mirror moved between commit and sync
		StateFailed:       true, // transient failure, retry scheduled
		StateDeadLettered: true, // permanent rejection by external system
	},
	StateFailed: {
		StateQueued:       true, // retry attempt
		StateDeadLettered: true, // retry budget exhausted
	},
	StateConflict: {
		StateCommitted: true, // resolve: use_local rebases and re-submits
		StateDraft:     true, // resolve: merge keeps disjoint fields only
	},
	StateDeadLettered: {
		StateQueued: true, // operator requeue, retry count reset
	},
}

// Valid reports whether s is a known sync state.
func (s SyncState) Valid() bool {
	for _, v := range AllStates {
		if s == v {
			return true
		}
	}
	return false
}

// Terminal reports whether s admits no further automatic transitions.
func (s SyncState) Terminal() bool {
	return s == StateSynced || s == StateDeadLettered
}

// CanTransition reports whether from -> to is an allowed lifecycle move.
func CanTransition(from, to SyncState) bool {
	return transitions[from][to]
}

// ModificationRecord holds one user's delta against a mirror baseline.
// Delta contains only the fields the user actually changed, never a full
// copy of the record.
type ModificationRecord struct {
	ID            string     `json:"id"`
	MirrorID      string     `json:"mirror_id"`
	UserID        string     `json:"user_id"`
	SessionID     string     `json:"session_id"`
	Delta         FieldMap   `json:"delta"`
	BaseVersion   int64      `json:"base_version"`
	SyncState     SyncState  `json:"sync_state"`
	RetryCount    int        `json:"retry_count"`
	LastError     string     `json:"last_error,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ModifiedAt    time.Time  `json:"modified_at"`
}

// ResolutionStrategy selects how a conflicted modification is resolved.
type ResolutionStrategy string

const (
	ResolveUseLocal  ResolutionStrategy = "use_local"
	ResolveUseRemote ResolutionStrategy = "use_remote"
	ResolveMerge     ResolutionStrategy = "merge"
)

// Valid reports whether s is a known resolution strategy.
func (s ResolutionStrategy) Valid() bool {
	switch s {
	case ResolveUseLocal, ResolveUseRemote, ResolveMerge:
		return true
	}
	return false
}

// FieldConflict carries both sides of one overlapping field.
type FieldConflict struct {
	Field  string `json:"field"`
	Local  any    `json:"local"`
	Remote any    `json:"remote"`
}

// ConflictDetail is returned to the caller when a commit or sync attempt
// finds overlapping remote changes. It carries everything a UI needs to
// present a side-by-side resolution choice.
type ConflictDetail struct {
	MirrorID       string          `json:"mirror_id"`
	UserID         string          `json:"user_id"`
	BaseVersion    int64           `json:"base_version"`
	CurrentVersion int64           `json:"current_version"`
	Overlapping    []FieldConflict `json:"overlapping"`
	LocalDelta     FieldMap        `json:"local_delta"`
	RemoteChanged  []string        `json:"remote_changed"`
}

// EventType classifies sync notifications.
type EventType string

const (
	EventProcessing EventType = "processing"
	EventSuccess    EventType = "success"
	EventConflict   EventType = "conflict"
	EventFailed     EventType = "failed"
)

// Event is a sync-state-change notification published to observers,
// scoped per organization.
type Event struct {
	Type           EventType `json:"type"`
	RecordID       string    `json:"record_id"`
	OrganizationID string    `json:"organization_id"`
	Timestamp      time.Time `json:"timestamp"`
	Detail         string    `json:"detail,omitempty"`
}

// MergedView is one row of the live view: the mirror baseline with the
// caller's open delta applied.
type MergedView struct {
	ID         string    `json:"id"`
	ExternalID string    `json:"external_id"`
	MergedData FieldMap  `json:"merged_data"`
	Version    int64     `json:"version"`
	SyncState  SyncState `json:"sync_state"`
}

// SyncStats aggregates modification counts by state for one organization.
type SyncStats struct {
	OrganizationID string              `json:"organization_id"`
	Counts         map[SyncState]int64 `json:"counts"`
	AsOf           time.Time           `json:"as_of"`
}

// MarshalJSON ensures a nil Counts map marshals as {} not null.
func (s SyncStats) MarshalJSON() ([]byte, error) {
	if s.Counts == nil {
		s.Counts = map[SyncState]int64{}
	}
	type Alias SyncStats
	return json.Marshal(Alias(s))
}
