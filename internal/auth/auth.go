package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"profilevault.org/internal/keyring"
	"profilevault.org/internal/obs"
)

const (
	defaultIssuer     = "profilevault"
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
)

// Claims represents JWT claims used across the service. TokenType binds the
// purpose into the signed payload.
type Claims struct {
	Role      string `json:"role,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	jwt.RegisteredClaims
}

// TokenService signs and verifies credentials with the access and refresh
// rings of a key set.
type TokenService struct {
	keys       *keyring.Set
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// TokenOption configures TokenService behavior.
type TokenOption func(*TokenService)

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) TokenOption {
	return func(s *TokenService) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			s.issuer = issuer
		}
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) {
		if ttl > 0 {
			s.accessTTL = ttl
		}
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) TokenOption {
	return func(s *TokenService) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewTokenService requires both signing rings to be configured.
func NewTokenService(keys *keyring.Set, opts ...TokenOption) (*TokenService, error) {
	if keys == nil {
		return nil, fmt.Errorf("%w: key set is nil", keyring.ErrKeyNotConfigured)
	}
	if err := keys.Require(keyring.AccessSigning, keyring.RefreshSigning); err != nil {
		return nil, err
	}
	s := &TokenService{
		keys:       keys,
		issuer:     defaultIssuer,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// AccessTTL returns the configured access token lifetime.
func (s *TokenService) AccessTTL() time.Duration { return s.accessTTL }

// RefreshTTL returns the configured refresh token lifetime.
func (s *TokenService) RefreshTTL() time.Duration { return s.refreshTTL }

// Issue signs claims with the active key of purpose and stamps its id into
// the kid header.
func (s *TokenService) Issue(purpose keyring.Purpose, claims Claims, ttl time.Duration) (string, time.Time, error) {
	if !signingPurpose(purpose) {
		return "", time.Time{}, fmt.Errorf("%w: %s is not a signing purpose", ErrInvalidInput, purpose)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", time.Time{}, fmt.Errorf("%w: subject is required", ErrInvalidInput)
	}
	if ttl < 0 {
		return "", time.Time{}, fmt.Errorf("%w: ttl must not be negative", ErrInvalidInput)
	}
	key, err := s.keys.ActiveKey(purpose)
	if err != nil {
		return "", time.Time{}, err
	}

	now := s.now().UTC()
	expiresAt := now.Add(ttl)
	claims.TokenType = string(purpose)
	claims.Issuer = s.issuer
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(expiresAt)
	if claims.ID == "" {
		claims.ID = uuid.NewString()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = key.ID
	signed, err := token.SignedString(key.Material)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, expiresAt.Truncate(time.Second), nil
}

// IssueAccess signs an access token for subject carrying the account role.
func (s *TokenService) IssueAccess(subject, role string) (string, time.Time, error) {
	return s.Issue(keyring.AccessSigning, Claims{Role: role, RegisteredClaims: jwt.RegisteredClaims{Subject: subject}}, s.accessTTL)
}

// IssueRefresh signs a refresh token for subject.
func (s *TokenService) IssueRefresh(subject string) (string, time.Time, error) {
	return s.Issue(keyring.RefreshSigning, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: subject}}, s.refreshTTL)
}

// Verify checks a token against the ring of purpose. The kid header only
// selects the key; the signature decides whether the token is trusted.
// Tokens without a kid are checked against the legacy key while the legacy
// policy allows it.
func (s *TokenService) Verify(purpose keyring.Purpose, token string) (*Claims, error) {
	claims, err := s.verify(purpose, token)
	if err != nil {
		obs.ObserveVerification(string(purpose), outcome(err))
		return nil, err
	}
	obs.ObserveVerification(string(purpose), "ok")
	return claims, nil
}

func (s *TokenService) verify(purpose keyring.Purpose, token string) (*Claims, error) {
	if !signingPurpose(purpose) {
		return nil, fmt.Errorf("%w: %s is not a signing purpose", ErrInvalidInput, purpose)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMalformed
	}

	var untagged bool
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			untagged = true
			legacy, err := s.keys.LegacyKey(purpose, s.now())
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
			}
			return legacy.Material, nil
		}
		material, err := s.keys.Resolve(purpose, kid)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		return material, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, classify(err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrMalformed
	}
	if err := s.validateClaims(purpose, claims, untagged); err != nil {
		return nil, err
	}
	return claims, nil
}

func (s *TokenService) validateClaims(purpose keyring.Purpose, claims *Claims, untagged bool) error {
	if strings.TrimSpace(claims.Subject) == "" {
		return fmt.Errorf("%w: subject missing", ErrMalformed)
	}
	// Legacy tokens carry neither token_type nor issuer.
	if claims.TokenType != string(purpose) && !(untagged && claims.TokenType == "") {
		return fmt.Errorf("%w: token is not a %s token", ErrMalformed, purpose)
	}
	if claims.Issuer != "" && claims.Issuer != s.issuer {
		return fmt.Errorf("%w: unexpected issuer %q", ErrMalformed, claims.Issuer)
	}
	return nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, ErrInvalidKey):
		return ErrInvalidKey
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrSignatureInvalid
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	default:
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
}

func outcome(err error) string {
	switch {
	case errors.Is(err, ErrInvalidKey):
		return "invalid_key"
	case errors.Is(err, ErrSignatureInvalid):
		return "signature_invalid"
	case errors.Is(err, ErrExpired):
		return "expired"
	default:
		return "malformed"
	}
}

func signingPurpose(p keyring.Purpose) bool {
	return p == keyring.AccessSigning || p == keyring.RefreshSigning
}
