package auth

import "time"

// Account roles.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User is a registered account.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	Role         string    `json:"role"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// RefreshToken is a persisted refresh credential. Only the token hash is
// stored; a refresh token is accepted while its record exists.
type RefreshToken struct {
	ID        string
	UserID    string
	TokenHash string
	UserAgent string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// TokenPair is returned by Register and Login.
type TokenPair struct {
	AccessToken      string    `json:"accessToken"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshToken     string    `json:"refreshToken"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
}

// Session is the outcome of a successful Register or Login.
type Session struct {
	User   User      `json:"user"`
	Tokens TokenPair `json:"tokens"`
}

// Principal is the authenticated caller attached to a request.
type Principal struct {
	UserID string
	Role   string
}

// IsAdmin reports whether the principal holds the admin account role.
func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }
