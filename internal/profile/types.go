package profile

import (
	"context"
	"errors"
	"time"

	"profilevault.org/internal/access"
	"profilevault.org/internal/payload"
)

var (
	ErrNotFound     = access.ErrNotFound
	ErrForbidden    = access.ErrForbidden
	ErrInvalidInput = errors.New("profile: invalid input")
)

// Proxy is the network proxy a browser profile runs behind.
type Proxy struct {
	Type     string `json:"type,omitempty"`
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

type Screen struct {
	Width      int     `json:"width,omitempty"`
	Height     int     `json:"height,omitempty"`
	PixelRatio float64 `json:"pixelRatio,omitempty"`
}

// Fingerprint is the browser fingerprint snapshot carried by a profile.
type Fingerprint struct {
	Canvas    string  `json:"canvas,omitempty"`
	WebGL     string  `json:"webgl,omitempty"`
	Audio     string  `json:"audio,omitempty"`
	UserAgent string  `json:"userAgent,omitempty"`
	Timezone  string  `json:"timezone,omitempty"`
	Language  string  `json:"language,omitempty"`
	Screen    *Screen `json:"screen,omitempty"`
}

type Geolocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy,omitempty"`
}

// CloudSync points at the latest sealed copy of a profile in cold storage.
type CloudSync struct {
	Envelope     payload.Envelope `json:"envelope"`
	Provider     string           `json:"provider"`
	Bucket       string           `json:"bucket"`
	Key          string           `json:"key"`
	ETag         string           `json:"etag"`
	LastSyncedAt time.Time        `json:"lastSyncedAt"`
}

// Profile is a stored browser profile.
type Profile struct {
	ID          string       `json:"id"`
	OwnerID     string       `json:"ownerId"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Proxy       *Proxy       `json:"proxy,omitempty"`
	Fingerprint *Fingerprint `json:"fingerprint,omitempty"`
	Timezone    string       `json:"timezone,omitempty"`
	Language    string       `json:"language,omitempty"`
	Geolocation *Geolocation `json:"geolocation,omitempty"`
	TeamID      string       `json:"teamId,omitempty"`
	SharedWith  []string     `json:"sharedWith,omitempty"`
	CloudSync   *CloudSync   `json:"cloudSync,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// ClientProfile is the summary a client app fetches for its signed-in user.
type ClientProfile struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Fingerprint *Fingerprint `json:"fingerprint,omitempty"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

func (p *Profile) resource() *access.Resource {
	if p == nil {
		return nil
	}
	return &access.Resource{ID: p.ID, OwnerID: p.OwnerID, TeamID: p.TeamID}
}

func (p *Profile) sharedWith(userID string) bool {
	for _, id := range p.SharedWith {
		if id == userID {
			return true
		}
	}
	return false
}

// Member is one team membership. Role holds the stored name, which may be a
// legacy one; it is migrated whenever it is read for a decision.
type Member struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

// Team groups users that share profiles.
type Team struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	OwnerID        string    `json:"ownerId"`
	Members        []Member  `json:"members"`
	SharedProfiles []string  `json:"sharedProfiles,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Input carries the user-editable fields of a new profile.
type Input struct {
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Proxy       *Proxy       `json:"proxy,omitempty"`
	Fingerprint *Fingerprint `json:"fingerprint,omitempty"`
	Timezone    string       `json:"timezone,omitempty"`
	Language    string       `json:"language,omitempty"`
	Geolocation *Geolocation `json:"geolocation,omitempty"`
}

// Patch carries the fields to change on Update. Nil fields are left alone.
type Patch struct {
	Name        *string      `json:"name,omitempty"`
	Description *string      `json:"description,omitempty"`
	Proxy       *Proxy       `json:"proxy,omitempty"`
	Fingerprint *Fingerprint `json:"fingerprint,omitempty"`
	Timezone    *string      `json:"timezone,omitempty"`
	Language    *string      `json:"language,omitempty"`
	Geolocation *Geolocation `json:"geolocation,omitempty"`
}

// Store describes persistence operations required by the profile service.
type Store interface {
	Profiles() ProfileStore
	Teams() TeamStore
}

// ProfileStore manages profiles. Lookups fail with ErrNotFound.
type ProfileStore interface {
	Create(ctx context.Context, p *Profile) error
	Find(ctx context.Context, id string) (*Profile, error)
	// ListVisible returns profiles owned by or shared directly with userID.
	ListVisible(ctx context.Context, userID string) ([]Profile, error)
	Update(ctx context.Context, p *Profile) error
	Delete(ctx context.Context, id string) error
}

// TeamStore manages teams and memberships.
type TeamStore interface {
	access.MembershipSource
	Create(ctx context.Context, t *Team) error
	Find(ctx context.Context, id string) (*Team, error)
	ListForMember(ctx context.Context, userID string) ([]Team, error)
	// AddMember is a no-op when the user is already a member.
	AddMember(ctx context.Context, teamID string, m Member) error
	AddSharedProfile(ctx context.Context, teamID, profileID string) error
}
