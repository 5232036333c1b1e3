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

// UpsertMirror ingests or refreshes the baseline for one external entity.
// A refresh whose data actually changed archives the previous baseline and
// bumps the version by exactly 1; an unchanged refresh only touches
// last_synced_at, so open drafts are not forced through conflict detection
// for a no-op pull.
func (s *SQLiteStore) UpsertMirror(ctx context.Context, orgID, externalID string, data types.FieldMap) (*types.MirrorRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	nowStr := now.Format(time.RFC3339)

	existing, err := scanMirror(tx.QueryRowContext(ctx, mirrorColumns+`
		FROM mirror_records WHERE organization_id = ? AND external_id = ?
	`, orgID, externalID))

	switch {
	case errors.Is(err, sql.ErrNoRows):
		dataJSON, merr := marshalFields(data)
		if merr != nil {
			return nil, merr
		}
		id := ulid.Make().String()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO mirror_records (id, organization_id, external_id, data, version, last_synced_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, 1, ?, ?, ?)
		`, id, orgID, externalID, dataJSON, nowStr, nowStr, nowStr)
		if err != nil {
			return nil, fmt.Errorf("insert mirror: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit transaction: %w", err)
		}
		return &types.MirrorRecord{
			ID:             id,
			OrganizationID: orgID,
			ExternalID:     externalID,
			Data:           data.Clone(),
			Version:        1,
			LastSyncedAt:   now,
			CreatedAt:      now,
			UpdatedAt:      now,
		}, nil

	case err != nil:
		return nil, err
	}

	if len(merge.Diff(existing.Data, data)) == 0 {
		_, err = tx.ExecContext(ctx, `
			UPDATE mirror_records SET last_synced_at = ?, updated_at = ? WHERE id = ?
		`, nowStr, nowStr, existing.ID)
		if err != nil {
			return nil, fmt.Errorf("touch mirror: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit transaction: %w", err)
		}
		existing.LastSyncedAt = now
		existing.UpdatedAt = now
		return existing, nil
	}

	if err := replaceBaselineTx(ctx, tx, existing, data, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	existing.Data = data.Clone()
	existing.Version++
	existing.LastSyncedAt = now
	existing.UpdatedAt = now
	return existing, nil
}

// ApplyDelta performs the write-back mutation: archive the pre-update
// baseline, bump the version with a compare-and-increment guard and merge
// the delta's fields into the baseline. All in one transaction; the
// external write never happens inside it.
func (s *SQLiteStore) ApplyDelta(ctx context.Context, mirrorID string, expectVersion int64, delta types.FieldMap) (*types.MirrorRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	rec, err := scanMirror(tx.QueryRowContext(ctx, mirrorColumns+`
		FROM mirror_records WHERE id = ?
	`, mirrorID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if rec.Version != expectVersion {
		return nil, fmt.Errorf("%w: have %d, expected %d", ErrVersionConflict, rec.Version, expectVersion)
	}

	now := time.Now().UTC()
	merged := merge.Merge(rec.Data, delta)
	if err := replaceBaselineTx(ctx, tx, rec, merged, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	rec.Data = merged
	rec.Version++
	rec.LastSyncedAt = now
	rec.UpdatedAt = now
	return rec, nil
}

// replaceBaselineTx archives rec's current data as a history row, then
// writes newData with a version guard. Callers own the transaction.
func replaceBaselineTx(ctx context.Context, tx *sql.Tx, rec *types.MirrorRecord, newData types.FieldMap, now time.Time) error {
	oldJSON, err := marshalFields(rec.Data)
	if err != nil {
		return err
	}
	newJSON, err := marshalFields(newData)
	if err != nil {
		return err
	}
	nowStr := now.Format(time.RFC3339)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO mirror_history (mirror_id, version, data, archived_at)
		VALUES (?, ?, ?, ?)
	`, rec.ID, rec.Version, oldJSON, nowStr)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE mirror_records
		SET data = ?, version = version + 1, last_synced_at = ?, updated_at = ?
		WHERE id = ? AND version = ?
	`, newJSON, nowStr, nowStr, rec.ID, rec.Version)
	if err != nil {
		return fmt.Errorf("update mirror: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n != 1 {
		return ErrVersionConflict
	}
	return nil
}

// GetMirror returns one mirror record by ID.
func (s *SQLiteStore) GetMirror(ctx context.Context, mirrorID string) (*types.MirrorRecord, error) {
	rec, err := scanMirror(s.db.QueryRowContext(ctx, mirrorColumns+`
		FROM mirror_records WHERE id = ?
	`, mirrorID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// ListMirrors returns one page of an organization's mirrors plus the total
// count. Pages are 1-based.
func (s *SQLiteStore) ListMirrors(ctx context.Context, orgID string, page, perPage int) ([]types.MirrorRecord, int64, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 50
	}

	var total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM mirror_records WHERE organization_id = ?
	`, orgID).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx, mirrorColumns+`
		FROM mirror_records
		WHERE organization_id = ?
		ORDER BY external_id
		LIMIT ? OFFSET ?
	`, orgID, perPage, (page-1)*perPage)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []types.MirrorRecord
	for rows.Next() {
		rec, err := scanMirror(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *rec)
	}
	return out, total, rows.Err()
}

// HistoryBetween returns the archived snapshots for versions in
// [fromVersion, toVersion), oldest first. Used by conflict detection to
// diff what the mirror changed since a draft's base version.
func (s *SQLiteStore) HistoryBetween(ctx context.Context, mirrorID string, fromVersion, toVersion int64) ([]types.MirrorHistory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT mirror_id, version, data, archived_at
		FROM mirror_history
		WHERE mirror_id = ? AND version >= ? AND version < ?
		ORDER BY version
	`, mirrorID, fromVersion, toVersion)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.MirrorHistory
	for rows.Next() {
		var h types.MirrorHistory
		var dataJSON, archivedAt string
		if err := rows.Scan(&h.MirrorID, &h.Version, &dataJSON, &archivedAt); err != nil {
			return nil, err
		}
		if h.Data, err = unmarshalFields(dataJSON); err != nil {
			return nil, err
		}
		h.ArchivedAt = parseTime(archivedAt)
		out = append(out, h)
	}
	return out, rows.Err()
}

// PruneHistory deletes all but the newest keep snapshots for a mirror.
// Retention policy hook; returns the number of rows removed.
func (s *SQLiteStore) PruneHistory(ctx context.Context, mirrorID string, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM mirror_history
		WHERE mirror_id = ? AND version NOT IN (
			SELECT version FROM mirror_history
			WHERE mirror_id = ?
			ORDER BY version DESC
			LIMIT ?
		)
	`, mirrorID, mirrorID, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const mirrorColumns = `
	SELECT id, organization_id, external_id, data, version, last_synced_at, created_at, updated_at
`

// scanMirror scans a row into a MirrorRecord, handling the JSON data column.
func scanMirror(scanner interface{ Scan(...any) error }) (*types.MirrorRecord, error) {
	var rec types.MirrorRecord
	var dataJSON, lastSyncedAt, createdAt, updatedAt string

	err := scanner.Scan(
		&rec.ID,
		&rec.OrganizationID,
		&rec.ExternalID,
		&dataJSON,
		&rec.Version,
		&lastSyncedAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if rec.Data, err = unmarshalFields(dataJSON); err != nil {
		return nil, err
	}
	rec.LastSyncedAt = parseTime(lastSyncedAt)
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	return &rec, nil
}
