package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/coreplane/mirrorsync/internal/merge"
	"github.com/coreplane/mirrorsync/internal/types"
	"github.com/oklog/ulid/v2"
)

// UpsertDraft creates or extends the single open modification for a
// (mirror, user) pair, inside one transaction so the base version is read
// consistently with the draft row:
//   - no open row: a new draft is created with baseVersion = the mirror's
//     current version;
//   - open row in draft or conflict: partial is overlaid field by field
//     (last write wins) and the state returns to draft; the base version
//     is NOT refreshed, so re-saves never silently rebase;
//   - row in committed/queued/syncing/failed: ErrDraftBusy — the worker
//     owns it until it reaches a resting state.
func (s *SQLiteStore) UpsertDraft(ctx context.Context, mirrorID, userID, sessionID string, partial types.FieldMap) (*types.ModificationRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	nowStr := now.Format(time.RFC3339)

	existing, err := scanModification(tx.QueryRowContext(ctx, modColumns+`
		FROM modification_records WHERE mirror_id = ? AND user_id = ?
	`, mirrorID, userID))

	switch {
	case errors.Is(err, sql.ErrNoRows):
		var baseVersion int64
		verr := tx.QueryRowContext(ctx, `
			SELECT version FROM mirror_records WHERE id = ?
		`, mirrorID).Scan(&baseVersion)
		if errors.Is(verr, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		if verr != nil {
			return nil, verr
		}

		deltaJSON, merr := marshalFields(partial)
		if merr != nil {
			return nil, merr
		}
		id := ulid.Make().String()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO modification_records (id, mirror_id, user_id, session_id, delta, base_version, sync_state, retry_count, last_error, created_at, modified_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, '', ?, ?)
		`, id, mirrorID, userID, sessionID, deltaJSON, baseVersion, types.StateDraft, nowStr, nowStr)
		if err != nil {
			return nil, fmt.Errorf("insert draft: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit transaction: %w", err)
		}
		return &types.ModificationRecord{
			ID:          id,
			MirrorID:    mirrorID,
			UserID:      userID,
			SessionID:   sessionID,
			Delta:       partial.Clone(),
			BaseVersion: baseVersion,
			SyncState:   types.StateDraft,
			CreatedAt:   now,
			ModifiedAt:  now,
		}, nil

	case err != nil:
		return nil, err
	}

	if existing.SyncState != types.StateDraft && existing.SyncState != types.StateConflict {
		return nil, fmt.Errorf("%w: state %s", ErrDraftBusy, existing.SyncState)
	}

	updated := merge.Overlay(existing.Delta.Clone(), partial)
	deltaJSON, err := marshalFields(updated)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE modification_records
		SET delta = ?, session_id = ?, sync_state = ?, modified_at = ?
		WHERE id = ?
	`, deltaJSON, sessionID, types.StateDraft, nowStr, existing.ID)
	if err != nil {
		return nil, fmt.Errorf("update draft: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	existing.Delta = updated
	existing.SessionID = sessionID
	existing.SyncState = types.StateDraft
	existing.ModifiedAt = now
	return existing, nil
}

// GetDraft returns the open modification for a (mirror, user) pair.
func (s *SQLiteStore) GetDraft(ctx context.Context, mirrorID, userID string) (*types.ModificationRecord, error) {
	mod, err := scanModification(s.db.QueryRowContext(ctx, modColumns+`
		FROM modification_records WHERE mirror_id = ? AND user_id = ?
	`, mirrorID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return mod, err
}

// GetModification returns one modification by its own ID.
func (s *SQLiteStore) GetModification(ctx context.Context, modID string) (*types.ModificationRecord, error) {
	mod, err := scanModification(s.db.QueryRowContext(ctx, modColumns+`
		FROM modification_records WHERE id = ?
	`, modID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return mod, err
}

// DeleteDraft removes the modification for a (mirror, user) pair.
// Idempotent: deleting a non-existent draft is a no-op.
func (s *SQLiteStore) DeleteDraft(ctx context.Context, mirrorID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM modification_records WHERE mirror_id = ? AND user_id = ?
	`, mirrorID, userID)
	return err
}

// ReplaceDraftDelta rewrites a modification's delta and base version.
// Used by conflict resolution to rebase.
func (s *SQLiteStore) ReplaceDraftDelta(ctx context.Context, modID string, delta types.FieldMap, baseVersion int64) error {
	deltaJSON, err := marshalFields(delta)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE modification_records
		SET delta = ?, base_version = ?, modified_at = ?
		WHERE id = ?
	`, deltaJSON, baseVersion, time.Now().UTC().Format(time.RFC3339), modID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// TransitionState moves a modification to a new lifecycle state, enforcing
// the transition table with a compare-and-set on the current state.
func (s *SQLiteStore) TransitionState(ctx context.Context, modID string, to types.SyncState) (*types.ModificationRecord, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, to)
	}

	mod, err := s.GetModification(ctx, modID)
	if err != nil {
		return nil, err
	}
	if !types.CanTransition(mod.SyncState, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, mod.SyncState, to)
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE modification_records
		SET sync_state = ?, modified_at = ?
		WHERE id = ? AND sync_state = ?
	`, to, now.Format(time.RFC3339), modID, mod.SyncState)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Lost a race with another transition; re-read and report.
		current, gerr := s.GetModification(ctx, modID)
		if gerr != nil {
			return nil, gerr
		}
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.SyncState, to)
	}

	mod.SyncState = to
	mod.ModifiedAt = now
	return mod, nil
}

// RecordFailure transitions a syncing modification to failed with its
// retry bookkeeping: attempt count, last error and the backoff-scheduled
// next attempt time.
func (s *SQLiteStore) RecordFailure(ctx context.Context, modID string, lastError string, retryCount int, nextAttempt time.Time) error {
	mod, err := s.GetModification(ctx, modID)
	if err != nil {
		return err
	}
	if !types.CanTransition(mod.SyncState, types.StateFailed) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, mod.SyncState, types.StateFailed)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE modification_records
		SET sync_state = ?, retry_count = ?, last_error = ?, next_attempt_at = ?, modified_at = ?
		WHERE id = ?
	`, types.StateFailed, retryCount, lastError,
		nextAttempt.UTC().Format(time.RFC3339),
		time.Now().UTC().Format(time.RFC3339), modID)
	return err
}

// DeadLetter moves a modification to the terminal quarantine state.
func (s *SQLiteStore) DeadLetter(ctx context.Context, modID string, lastError string) error {
	mod, err := s.GetModification(ctx, modID)
	if err != nil {
		return err
	}
	if !types.CanTransition(mod.SyncState, types.StateDeadLettered) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, mod.SyncState, types.StateDeadLettered)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE modification_records
		SET sync_state = ?, last_error = ?, next_attempt_at = NULL, modified_at = ?
		WHERE id = ?
	`, types.StateDeadLettered, lastError, time.Now().UTC().Format(time.RFC3339), modID)
	return err
}

// RequeueDeadLetter returns a dead-lettered modification to the queue with
// its retry budget reset. Operator action only.
func (s *SQLiteStore) RequeueDeadLetter(ctx context.Context, modID string) (*types.ModificationRecord, error) {
	mod, err := s.GetModification(ctx, modID)
	if err != nil {
		return nil, err
	}
	if !types.CanTransition(mod.SyncState, types.StateQueued) || mod.SyncState != types.StateDeadLettered {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, mod.SyncState, types.StateQueued)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		UPDATE modification_records
		SET sync_state = ?, retry_count = 0, last_error = '', next_attempt_at = NULL, modified_at = ?
		WHERE id = ?
	`, types.StateQueued, now.Format(time.RFC3339), modID)
	if err != nil {
		return nil, err
	}

	mod.SyncState = types.StateQueued
	mod.RetryCount = 0
	mod.LastError = ""
	mod.NextAttemptAt = nil
	mod.ModifiedAt = now
	return mod, nil
}

// DueForSync returns up to limit modifications ready for a write-back
// attempt: freshly committed rows plus queued/failed rows whose scheduled
// retry time has passed. Oldest first.
func (s *SQLiteStore) DueForSync(ctx context.Context, limit int, now time.Time) ([]types.ModificationRecord, error) {
	rows, err := s.db.QueryContext(ctx, modColumns+`
		FROM modification_records
		WHERE sync_state = ?
		   OR (sync_state IN (?, ?) AND (next_attempt_at IS NULL OR next_attempt_at <= ?))
		ORDER BY modified_at
		LIMIT ?
	`, types.StateCommitted, types.StateQueued, types.StateFailed,
		now.UTC().Format(time.RFC3339), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectModifications(rows)
}

// ListByState returns an organization's modifications in one state,
// newest first. Primarily the dead-letter view.
func (s *SQLiteStore) ListByState(ctx context.Context, orgID string, state types.SyncState) ([]types.ModificationRecord, error) {
	rows, err := s.db.QueryContext(ctx, modColumns+`
		FROM modification_records
		WHERE sync_state = ?
		  AND mirror_id IN (SELECT id FROM mirror_records WHERE organization_id = ?)
		ORDER BY modified_at DESC
	`, state, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectModifications(rows)
}

// CountByState aggregates an organization's modification counts by state.
func (s *SQLiteStore) CountByState(ctx context.Context, orgID string) (map[types.SyncState]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sync_state, COUNT(*)
		FROM modification_records
		WHERE mirror_id IN (SELECT id FROM mirror_records WHERE organization_id = ?)
		GROUP BY sync_state
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[types.SyncState]int64)
	for rows.Next() {
		var state types.SyncState
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

const modColumns = `
	SELECT id, mirror_id, user_id, session_id, delta, base_version, sync_state, retry_count, last_error, next_attempt_at, created_at, modified_at
`

// scanModification scans a row into a ModificationRecord.
func scanModification(scanner interface{ Scan(...any) error }) (*types.ModificationRecord, error) {
	var mod types.ModificationRecord
	var deltaJSON, createdAt, modifiedAt string
	var nextAttemptAt sql.NullString

	err := scanner.Scan(
		&mod.ID,
		&mod.MirrorID,
		&mod.UserID,
		&mod.SessionID,
		&deltaJSON,
		&mod.BaseVersion,
		&mod.SyncState,
		&mod.RetryCount,
		&mod.LastError,
		&nextAttemptAt,
		&createdAt,
		&modifiedAt,
	)
	if err != nil {
		return nil, err
	}

	if mod.Delta, err = unmarshalFields(deltaJSON); err != nil {
		return nil, err
	}
	if nextAttemptAt.Valid {
		t := parseTime(nextAttemptAt.String)
		mod.NextAttemptAt = &t
	}
	mod.CreatedAt = parseTime(createdAt)
	mod.ModifiedAt = parseTime(modifiedAt)
	return &mod, nil
}

func collectModifications(rows *sql.Rows) ([]types.ModificationRecord, error) {
	var out []types.ModificationRecord
	for rows.Next() {
		mod, err := scanModification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *mod)
	}
	return out, rows.Err()
}
