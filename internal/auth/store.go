package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
type Store interface {
	Users() UserStore
	RefreshTokens() RefreshTokenStore
}

// UserStore manages accounts. Create fails with ErrConflict on a duplicate
// email; lookups fail with ErrNotFound.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
}

// RefreshTokenStore manages the active refresh set of each account.
type RefreshTokenStore interface {
	Create(ctx context.Context, tok *RefreshToken) error
	FindByHash(ctx context.Context, userID, tokenHash string) (*RefreshToken, error)
	Delete(ctx context.Context, userID, tokenHash string) error
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}
