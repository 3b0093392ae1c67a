package pg

import (
	"context"
	"database/sql"
	"fmt"

	"profilevault.org/internal/history"
)

// HistoryStore keeps profile history in profile_history. The unique
// (profile_id, version) index rejects a second writer of the same version.
type HistoryStore struct{ db *sql.DB }

func (s *HistoryStore) Count(ctx context.Context, profileID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `select count(*) from profile_history where profile_id = $1`, profileID).Scan(&n)
	return n, err
}

func (s *HistoryStore) Append(ctx context.Context, e *history.Entry) error {
	snapshot, err := marshalJSON(e.Snapshot)
	if err != nil {
		return fmt.Errorf("pg: encode snapshot: %w", err)
	}
	metadata, err := marshalJSON(e.Metadata)
	if err != nil {
		return fmt.Errorf("pg: encode metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into profile_history (id, profile_id, version, snapshot, action, created_by, metadata, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, e.ProfileID, e.Version, snapshot, string(e.Action), e.CreatedBy, metadata, e.CreatedAt)
	if isUniqueViolation(err) {
		return history.ErrConflict
	}
	return err
}

func (s *HistoryStore) List(ctx context.Context, profileID string) ([]history.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, profile_id, version, snapshot, action, created_by, metadata, created_at
		from profile_history where profile_id = $1 order by version asc
	`, profileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []history.Entry
	for rows.Next() {
		var (
			e        history.Entry
			action   string
			snapshot []byte
			metadata []byte
		)
		if err := rows.Scan(&e.ID, &e.ProfileID, &e.Version, &snapshot, &action, &e.CreatedBy, &metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Action = history.Action(action)
		if err := unmarshalJSON(snapshot, &e.Snapshot); err != nil {
			return nil, fmt.Errorf("pg: decode snapshot: %w", err)
		}
		if err := unmarshalJSON(metadata, &e.Metadata); err != nil {
			return nil, fmt.Errorf("pg: decode metadata: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
