// Package memory implements the account, profile and team stores in process
// memory. It backs the API when no database is configured and is used in tests.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"profilevault.org/internal/auth"
	"profilevault.org/internal/profile"
)

var (
	_ auth.Store    = (*Store)(nil)
	_ profile.Store = (*Store)(nil)
)

// Store holds every record behind one lock.
type Store struct {
	mu       sync.RWMutex
	users    map[string]auth.User
	refresh  map[string]auth.RefreshToken
	profiles map[string]profile.Profile
	teams    map[string]profile.Team
}

func New() *Store {
	return &Store{
		users:    make(map[string]auth.User),
		refresh:  make(map[string]auth.RefreshToken),
		profiles: make(map[string]profile.Profile),
		teams:    make(map[string]profile.Team),
	}
}

func (s *Store) Users() auth.UserStore                 { return userStore{s} }
func (s *Store) RefreshTokens() auth.RefreshTokenStore { return refreshStore{s} }
func (s *Store) Profiles() profile.ProfileStore        { return profileStore{s} }
func (s *Store) Teams() profile.TeamStore              { return teamStore{s} }

// clone deep-copies v through JSON so callers never share nested pointers or
// slices with the stored record.
func clone[T any](v T) T {
	raw, err := json.Marshal(v)
	if err != nil {
		panic("memory: copy record: " + err.Error())
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		panic("memory: copy record: " + err.Error())
	}
	return out
}

// Users ----------------------------------------------------------------------
type userStore struct{ s *Store }

func (u userStore) Create(_ context.Context, user *auth.User) error {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	for _, existing := range u.s.users {
		if existing.Email == user.Email {
			return auth.ErrConflict
		}
	}
	rec := *user
	u.s.users[user.ID] = rec
	return nil
}

func (u userStore) Find(_ context.Context, id string) (*auth.User, error) {
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()
	user, ok := u.s.users[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return &user, nil
}

func (u userStore) FindByEmail(_ context.Context, email string) (*auth.User, error) {
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()
	for _, user := range u.s.users {
		if user.Email == email {
			return &user, nil
		}
	}
	return nil, auth.ErrNotFound
}

// Refresh tokens -------------------------------------------------------------
type refreshStore struct{ s *Store }

func refreshKey(userID, hash string) string { return userID + "/" + hash }

func (r refreshStore) Create(_ context.Context, tok *auth.RefreshToken) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.refresh[refreshKey(tok.UserID, tok.TokenHash)] = *tok
	return nil
}

func (r refreshStore) FindByHash(_ context.Context, userID, hash string) (*auth.RefreshToken, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	tok, ok := r.s.refresh[refreshKey(userID, hash)]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return &tok, nil
}

func (r refreshStore) Delete(_ context.Context, userID, hash string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := refreshKey(userID, hash)
	if _, ok := r.s.refresh[key]; !ok {
		return auth.ErrNotFound
	}
	delete(r.s.refresh, key)
	return nil
}

func (r refreshStore) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for key, tok := range r.s.refresh {
		if tok.ExpiresAt.Before(before) {
			delete(r.s.refresh, key)
			n++
		}
	}
	return n, nil
}

// Profiles -------------------------------------------------------------------
type profileStore struct{ s *Store }

func (p profileStore) Create(_ context.Context, rec *profile.Profile) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	p.s.profiles[rec.ID] = clone(*rec)
	return nil
}

func (p profileStore) Find(_ context.Context, id string) (*profile.Profile, error) {
	p.s.mu.RLock()
	defer p.s.mu.RUnlock()
	rec, ok := p.s.profiles[id]
	if !ok {
		return nil, profile.ErrNotFound
	}
	out := clone(rec)
	return &out, nil
}

func (p profileStore) ListVisible(_ context.Context, userID string) ([]profile.Profile, error) {
	p.s.mu.RLock()
	defer p.s.mu.RUnlock()
	var out []profile.Profile
	for _, rec := range p.s.profiles {
		if rec.OwnerID == userID || contains(rec.SharedWith, userID) {
			out = append(out, clone(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (p profileStore) Update(_ context.Context, rec *profile.Profile) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	if _, ok := p.s.profiles[rec.ID]; !ok {
		return profile.ErrNotFound
	}
	p.s.profiles[rec.ID] = clone(*rec)
	return nil
}

func (p profileStore) Delete(_ context.Context, id string) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	if _, ok := p.s.profiles[id]; !ok {
		return profile.ErrNotFound
	}
	delete(p.s.profiles, id)
	return nil
}

// Teams ----------------------------------------------------------------------
type teamStore struct{ s *Store }

func (t teamStore) Create(_ context.Context, team *profile.Team) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.teams[team.ID] = clone(*team)
	return nil
}

func (t teamStore) Find(_ context.Context, id string) (*profile.Team, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	team, ok := t.s.teams[id]
	if !ok {
		return nil, profile.ErrNotFound
	}
	out := clone(team)
	return &out, nil
}

func (t teamStore) ListForMember(_ context.Context, userID string) ([]profile.Team, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	var out []profile.Team
	for _, team := range t.s.teams {
		for _, m := range team.Members {
			if m.UserID == userID {
				out = append(out, clone(team))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t teamStore) AddMember(_ context.Context, teamID string, m profile.Member) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	team, ok := t.s.teams[teamID]
	if !ok {
		return profile.ErrNotFound
	}
	for _, existing := range team.Members {
		if existing.UserID == m.UserID {
			return nil
		}
	}
	team.Members = append(team.Members, m)
	team.UpdatedAt = time.Now().UTC()
	t.s.teams[teamID] = team
	return nil
}

func (t teamStore) AddSharedProfile(_ context.Context, teamID, profileID string) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	team, ok := t.s.teams[teamID]
	if !ok {
		return profile.ErrNotFound
	}
	if !contains(team.SharedProfiles, profileID) {
		team.SharedProfiles = append(team.SharedProfiles, profileID)
		t.s.teams[teamID] = team
	}
	return nil
}

func (t teamStore) MemberRole(_ context.Context, teamID, userID string) (string, bool, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	team, ok := t.s.teams[teamID]
	if !ok {
		return "", false, nil
	}
	for _, m := range team.Members {
		if m.UserID == userID {
			return m.Role, true, nil
		}
	}
	return "", false, nil
}

// SeedTeam stores a team as-is, including legacy member roles. Tests and
// imports use it to load records written by older releases.
func (s *Store) SeedTeam(team profile.Team) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teams[team.ID] = clone(team)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
