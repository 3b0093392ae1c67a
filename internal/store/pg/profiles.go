package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"profilevault.org/internal/profile"
)

// profileDoc holds the profile fields stored in the doc column.
type profileDoc struct {
	Description string               `json:"description,omitempty"`
	Proxy       *profile.Proxy       `json:"proxy,omitempty"`
	Fingerprint *profile.Fingerprint `json:"fingerprint,omitempty"`
	Timezone    string               `json:"timezone,omitempty"`
	Language    string               `json:"language,omitempty"`
	Geolocation *profile.Geolocation `json:"geolocation,omitempty"`
}

const profileColumns = `id, owner_id, team_id, name, doc, shared_with, cloud_sync, created_at, updated_at`

type profileStore struct{ db *sql.DB }

func encodeProfile(p *profile.Profile) (doc, shared, cloud []byte, err error) {
	doc, err = marshalJSON(profileDoc{
		Description: p.Description,
		Proxy:       p.Proxy,
		Fingerprint: p.Fingerprint,
		Timezone:    p.Timezone,
		Language:    p.Language,
		Geolocation: p.Geolocation,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	sharedWith := p.SharedWith
	if sharedWith == nil {
		sharedWith = []string{}
	}
	if shared, err = marshalJSON(sharedWith); err != nil {
		return nil, nil, nil, err
	}
	if p.CloudSync != nil {
		if cloud, err = marshalJSON(p.CloudSync); err != nil {
			return nil, nil, nil, err
		}
	}
	return doc, shared, cloud, nil
}

func (s *profileStore) Create(ctx context.Context, p *profile.Profile) error {
	doc, shared, cloud, err := encodeProfile(p)
	if err != nil {
		return fmt.Errorf("pg: encode profile: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into profiles (`+profileColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, p.ID, p.OwnerID, nullIfEmpty(p.TeamID), p.Name, doc, shared, cloud, p.CreatedAt, p.UpdatedAt)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("%w: owner or team does not exist", profile.ErrInvalidInput)
	}
	return err
}

func (s *profileStore) Find(ctx context.Context, id string) (*profile.Profile, error) {
	p, err := scanProfile(s.db.QueryRowContext(ctx, `select `+profileColumns+` from profiles where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, profile.ErrNotFound
	}
	return p, err
}

func (s *profileStore) ListVisible(ctx context.Context, userID string) ([]profile.Profile, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+profileColumns+` from profiles
		where owner_id = $1 or shared_with ? $1
		order by created_at asc
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []profile.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *profileStore) Update(ctx context.Context, p *profile.Profile) error {
	doc, shared, cloud, err := encodeProfile(p)
	if err != nil {
		return fmt.Errorf("pg: encode profile: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		update profiles
		set owner_id = $2, team_id = $3, name = $4, doc = $5, shared_with = $6, cloud_sync = $7, updated_at = $8
		where id = $1
	`, p.ID, p.OwnerID, nullIfEmpty(p.TeamID), p.Name, doc, shared, cloud, p.UpdatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: team does not exist", profile.ErrInvalidInput)
		}
		return err
	}
	return expectOneRow(res, profile.ErrNotFound)
}

func (s *profileStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from profiles where id = $1`, id)
	if err != nil {
		return err
	}
	return expectOneRow(res, profile.ErrNotFound)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (*profile.Profile, error) {
	var (
		p      profile.Profile
		teamID sql.NullString
		doc    []byte
		shared []byte
		cloud  []byte
	)
	if err := row.Scan(&p.ID, &p.OwnerID, &teamID, &p.Name, &doc, &shared, &cloud, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.TeamID = teamID.String

	var d profileDoc
	if err := unmarshalJSON(doc, &d); err != nil {
		return nil, fmt.Errorf("pg: decode profile %s: %w", p.ID, err)
	}
	p.Description, p.Proxy, p.Fingerprint = d.Description, d.Proxy, d.Fingerprint
	p.Timezone, p.Language, p.Geolocation = d.Timezone, d.Language, d.Geolocation

	if err := unmarshalJSON(shared, &p.SharedWith); err != nil {
		return nil, fmt.Errorf("pg: decode profile %s: %w", p.ID, err)
	}
	if len(cloud) > 0 && string(cloud) != "null" {
		p.CloudSync = &profile.CloudSync{}
		if err := unmarshalJSON(cloud, p.CloudSync); err != nil {
			return nil, fmt.Errorf("pg: decode profile %s: %w", p.ID, err)
		}
	}
	return &p, nil
}
