package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"profilevault.org/internal/auth"
)

type userStore struct{ db *sql.DB }

func (s *userStore) Create(ctx context.Context, u *auth.User) error {
	_, err := s.db.ExecContext(ctx, `
		insert into users (id, email, name, role, password_hash, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, u.ID, u.Email, u.Name, u.Role, u.PasswordHash, u.CreatedAt, u.UpdatedAt)
	if isUniqueViolation(err) {
		return auth.ErrConflict
	}
	return err
}

func (s *userStore) Find(ctx context.Context, id string) (*auth.User, error) {
	return s.scanOne(s.db.QueryRowContext(ctx, `
		select id, email, name, role, password_hash, created_at, updated_at
		from users where id = $1
	`, id))
}

func (s *userStore) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	return s.scanOne(s.db.QueryRowContext(ctx, `
		select id, email, name, role, password_hash, created_at, updated_at
		from users where email = $1
	`, email))
}

func (s *userStore) scanOne(row *sql.Row) (*auth.User, error) {
	var u auth.User
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Role, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

type refreshStore struct{ db *sql.DB }

func (s *refreshStore) Create(ctx context.Context, tok *auth.RefreshToken) error {
	_, err := s.db.ExecContext(ctx, `
		insert into refresh_tokens (id, user_id, token_hash, user_agent, expires_at, created_at)
		values ($1, $2, $3, $4, $5, $6)
	`, tok.ID, tok.UserID, tok.TokenHash, nullIfEmpty(tok.UserAgent), tok.ExpiresAt, tok.CreatedAt)
	switch {
	case isUniqueViolation(err):
		return auth.ErrConflict
	case isForeignKeyViolation(err):
		return auth.ErrNotFound
	}
	return err
}

func (s *refreshStore) FindByHash(ctx context.Context, userID, tokenHash string) (*auth.RefreshToken, error) {
	var (
		tok       auth.RefreshToken
		userAgent sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, token_hash, user_agent, expires_at, created_at
		from refresh_tokens where user_id = $1 and token_hash = $2
	`, userID, tokenHash).Scan(&tok.ID, &tok.UserID, &tok.TokenHash, &userAgent, &tok.ExpiresAt, &tok.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	tok.UserAgent = userAgent.String
	return &tok, nil
}

func (s *refreshStore) Delete(ctx context.Context, userID, tokenHash string) error {
	res, err := s.db.ExecContext(ctx, `delete from refresh_tokens where user_id = $1 and token_hash = $2`, userID, tokenHash)
	if err != nil {
		return err
	}
	return expectOneRow(res, auth.ErrNotFound)
}

func (s *refreshStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from refresh_tokens where expires_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
