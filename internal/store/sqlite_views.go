package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/coreplane/mirrorsync/internal/merge"
	"github.com/coreplane/mirrorsync/internal/types"
)

// Merged-view reads join the mirror and the caller's modification in a
// single query, so a half-applied write-back can never pair a new baseline
// with a stale delta. A record with no open modification reads as synced.

// GetMergedView returns the live view of one mirror for one user.
func (s *SQLiteStore) GetMergedView(ctx context.Context, mirrorID, userID string) (*types.MergedView, error) {
	view, err := scanMergedView(s.db.QueryRowContext(ctx, mergedViewColumns+`
		FROM mirror_records r
		LEFT JOIN modification_records m ON m.mirror_id = r.id AND m.user_id = ?
		WHERE r.id = ?
	`, userID, mirrorID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return view, err
}

// ListMergedViews returns one page of an organization's live views for one
// user, optionally filtered by sync state. Pages are 1-based.
func (s *SQLiteStore) ListMergedViews(ctx context.Context, orgID, userID string, state types.SyncState, page, perPage int) ([]types.MergedView, int64, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 50
	}

	where := `
		FROM mirror_records r
		LEFT JOIN modification_records m ON m.mirror_id = r.id AND m.user_id = ?
		WHERE r.organization_id = ?
	`
	args := []any{userID, orgID}
	if state != "" {
		where += ` AND COALESCE(m.sync_state, 'synced') = ?`
		args = append(args, state)
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*)`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, perPage, (page-1)*perPage)
	rows, err := s.db.QueryContext(ctx, mergedViewColumns+where+`
		ORDER BY r.external_id
		LIMIT ? OFFSET ?
	`, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []types.MergedView
	for rows.Next() {
		view, err := scanMergedView(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *view)
	}
	return out, total, rows.Err()
}

const mergedViewColumns = `
	SELECT r.id, r.external_id, r.data, r.version, m.delta, COALESCE(m.sync_state, 'synced')
`

// scanMergedView scans one joined row and applies the delta overlay.
func scanMergedView(scanner interface{ Scan(...any) error }) (*types.MergedView, error) {
	var view types.MergedView
	var dataJSON string
	var deltaJSON sql.NullString

	err := scanner.Scan(
		&view.ID,
		&view.ExternalID,
		&dataJSON,
		&view.Version,
		&deltaJSON,
		&view.SyncState,
	)
	if err != nil {
		return nil, err
	}

	base, err := unmarshalFields(dataJSON)
	if err != nil {
		return nil, err
	}

	var delta types.FieldMap
	if deltaJSON.Valid {
		if delta, err = unmarshalFields(deltaJSON.String); err != nil {
			return nil, err
		}
	}

	view.MergedData = merge.Merge(base, delta)
	return &view, nil
}
