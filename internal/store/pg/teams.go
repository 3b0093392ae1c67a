package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"profilevault.org/internal/profile"
)

type teamStore struct{ db *sql.DB }

func (s *teamStore) Create(ctx context.Context, t *profile.Team) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into teams (id, name, owner_id, created_at, updated_at)
		values ($1, $2, $3, $4, $5)
	`, t.ID, t.Name, t.OwnerID, t.CreatedAt, t.UpdatedAt); err != nil {
		return err
	}
	for _, m := range t.Members {
		if _, err := tx.ExecContext(ctx, `
			insert into team_members (team_id, user_id, role) values ($1, $2, $3)
		`, t.ID, m.UserID, m.Role); err != nil {
			if isForeignKeyViolation(err) {
				return fmt.Errorf("%w: member %s does not exist", profile.ErrInvalidInput, m.UserID)
			}
			return err
		}
	}
	return tx.Commit()
}

func (s *teamStore) Find(ctx context.Context, id string) (*profile.Team, error) {
	var t profile.Team
	err := s.db.QueryRowContext(ctx, `
		select id, name, owner_id, created_at, updated_at from teams where id = $1
	`, id).Scan(&t.ID, &t.Name, &t.OwnerID, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, profile.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadRelations(ctx, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *teamStore) ListForMember(ctx context.Context, userID string) ([]profile.Team, error) {
	rows, err := s.db.QueryContext(ctx, `
		select t.id, t.name, t.owner_id, t.created_at, t.updated_at
		from teams t join team_members m on m.team_id = t.id
		where m.user_id = $1
		order by t.created_at asc
	`, userID)
	if err != nil {
		return nil, err
	}
	var teams []profile.Team
	for rows.Next() {
		var t profile.Team
		if err := rows.Scan(&t.ID, &t.Name, &t.OwnerID, &t.CreatedAt, &t.UpdatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		teams = append(teams, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range teams {
		if err := s.loadRelations(ctx, &teams[i]); err != nil {
			return nil, err
		}
	}
	return teams, nil
}

func (s *teamStore) loadRelations(ctx context.Context, t *profile.Team) error {
	rows, err := s.db.QueryContext(ctx, `
		select user_id, role from team_members where team_id = $1 order by joined_at asc
	`, t.ID)
	if err != nil {
		return err
	}
	for rows.Next() {
		var m profile.Member
		if err := rows.Scan(&m.UserID, &m.Role); err != nil {
			rows.Close()
			return err
		}
		t.Members = append(t.Members, m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `
		select profile_id from team_profiles where team_id = $1 order by shared_at asc
	`, t.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var pid string
		if err := rows.Scan(&pid); err != nil {
			return err
		}
		t.SharedProfiles = append(t.SharedProfiles, pid)
	}
	return rows.Err()
}

func (s *teamStore) AddMember(ctx context.Context, teamID string, m profile.Member) error {
	_, err := s.db.ExecContext(ctx, `
		insert into team_members (team_id, user_id, role) values ($1, $2, $3)
		on conflict (team_id, user_id) do nothing
	`, teamID, m.UserID, m.Role)
	if isForeignKeyViolation(err) {
		return profile.ErrNotFound
	}
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `update teams set updated_at = $2 where id = $1`, teamID, time.Now().UTC())
	return err
}

func (s *teamStore) AddSharedProfile(ctx context.Context, teamID, profileID string) error {
	_, err := s.db.ExecContext(ctx, `
		insert into team_profiles (team_id, profile_id) values ($1, $2)
		on conflict (team_id, profile_id) do nothing
	`, teamID, profileID)
	if isForeignKeyViolation(err) {
		return profile.ErrNotFound
	}
	return err
}

func (s *teamStore) MemberRole(ctx context.Context, teamID, userID string) (string, bool, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `
		select role from team_members where team_id = $1 and user_id = $2
	`, teamID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return role, true, nil
}
