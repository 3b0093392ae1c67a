package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"profilevault.org/internal/ids"
	"profilevault.org/internal/keyring"
	"profilevault.org/internal/obs"
)

// Service registers accounts and manages their credentials.
type Service struct {
	store  Store
	tokens *TokenService
	now    func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithServiceClock overrides time source (useful for tests).
func WithServiceClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, tokens *TokenService, opts ...ServiceOption) *Service {
	svc := &Service{store: store, tokens: tokens, now: time.Now}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Tokens exposes the underlying token service.
func (s *Service) Tokens() *TokenService { return s.tokens }

// Register creates an account with role user and opens a session for it.
func (s *Service) Register(ctx context.Context, email, password, name, userAgent string) (Session, error) {
	email = NormalizeEmail(email)
	if err := validateRegistration(email, password, name); err != nil {
		return Session{}, err
	}
	if _, err := s.store.Users().FindByEmail(ctx, email); err == nil {
		return Session{}, fmt.Errorf("%w: email already registered", ErrConflict)
	} else if !errors.Is(err, ErrNotFound) {
		return Session{}, err
	}

	hash, err := HashPassword(password)
	if err != nil {
		return Session{}, fmt.Errorf("auth: hash password: %w", err)
	}
	now := s.now().UTC()
	user := &User{
		ID:           ids.New(),
		Email:        email,
		Name:         strings.TrimSpace(name),
		Role:         RoleUser,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Users().Create(ctx, user); err != nil {
		return Session{}, err
	}
	pair, err := s.openSession(ctx, user, userAgent)
	if err != nil {
		return Session{}, err
	}
	obs.Info("user registered", map[string]any{"user_id": user.ID})
	return Session{User: *user, Tokens: pair}, nil
}

// Login checks credentials and opens a session. Unknown email and wrong
// password fail identically.
func (s *Service) Login(ctx context.Context, email, password, userAgent string) (Session, error) {
	user, err := s.store.Users().FindByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Session{}, ErrInvalidCredentials
		}
		return Session{}, err
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return Session{}, ErrInvalidCredentials
	}
	pair, err := s.openSession(ctx, user, userAgent)
	if err != nil {
		return Session{}, err
	}
	obs.Info("user logged in", map[string]any{"user_id": user.ID})
	return Session{User: *user, Tokens: pair}, nil
}

// Refresh exchanges a refresh token for a new access token. The token must
// verify under the refresh ring and still be in the account's active set.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (string, time.Time, error) {
	claims, err := s.tokens.Verify(keyring.RefreshSigning, refreshToken)
	if err != nil {
		return "", time.Time{}, err
	}
	user, err := s.store.Users().Find(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", time.Time{}, ErrUnauthorized
		}
		return "", time.Time{}, err
	}
	if _, err := s.store.RefreshTokens().FindByHash(ctx, user.ID, HashToken(refreshToken)); err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", time.Time{}, fmt.Errorf("%w: refresh token is not active", ErrUnauthorized)
		}
		return "", time.Time{}, err
	}
	return s.tokens.IssueAccess(user.ID, user.Role)
}

// Logout removes the refresh record from the account's active set. Removing
// a record that is already gone succeeds.
func (s *Service) Logout(ctx context.Context, userID, refreshToken string) error {
	if strings.TrimSpace(refreshToken) == "" {
		verr := &ValidationError{}
		verr.add("refreshToken", "is required")
		return verr
	}
	if err := s.store.RefreshTokens().Delete(ctx, userID, HashToken(refreshToken)); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	obs.Info("user logged out", map[string]any{"user_id": userID})
	return nil
}

// Authenticate verifies an access token and returns the caller it names.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (Principal, error) {
	claims, err := s.tokens.Verify(keyring.AccessSigning, accessToken)
	if err != nil {
		return Principal{}, err
	}
	user, err := s.store.Users().Find(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Principal{}, ErrUnauthorized
		}
		return Principal{}, err
	}
	return Principal{UserID: user.ID, Role: user.Role}, nil
}

// PruneRefreshTokens drops refresh records whose expiry has passed.
func (s *Service) PruneRefreshTokens(ctx context.Context) (int64, error) {
	n, err := s.store.RefreshTokens().DeleteExpired(ctx, s.now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		obs.Info("refresh tokens pruned", map[string]any{"count": n})
	}
	return n, nil
}

func (s *Service) openSession(ctx context.Context, user *User, userAgent string) (TokenPair, error) {
	access, accessExp, err := s.tokens.IssueAccess(user.ID, user.Role)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, refreshExp, err := s.tokens.IssueRefresh(user.ID)
	if err != nil {
		return TokenPair{}, err
	}
	record := &RefreshToken{
		ID:        ids.New(),
		UserID:    user.ID,
		TokenHash: HashToken(refresh),
		UserAgent: userAgent,
		ExpiresAt: refreshExp,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.RefreshTokens().Create(ctx, record); err != nil {
		return TokenPair{}, fmt.Errorf("auth: store refresh token: %w", err)
	}
	return TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refresh,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// HashToken returns the hex SHA-256 of a raw token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
