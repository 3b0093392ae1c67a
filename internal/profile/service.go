// Package profile manages browser profiles and the teams they are shared
// with. Every mutation of an existing profile runs in that profile's serial
// lane, so the change and its history record are never interleaved with
// another change to the same profile.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"profilevault.org/internal/access"
	"profilevault.org/internal/auth"
	"profilevault.org/internal/coldstore"
	"profilevault.org/internal/history"
	"profilevault.org/internal/ids"
	"profilevault.org/internal/obs"
	"profilevault.org/internal/payload"
	"profilevault.org/internal/taskqueue"
)

const (
	minNameLength = 2
	cloneSuffix   = " (Clone)"
	syncProvider  = "coldstore"
	// Role given to new team members when none is requested.
	defaultMemberRole = "viewer"
)

// Config wires the service to its collaborators. All fields are required
// except Clock.
type Config struct {
	Store   Store
	Users   auth.UserStore
	Lanes   *taskqueue.Queue
	History *history.Recorder
	Cipher  *payload.Cipher
	Cold    coldstore.Sink
	Clock   func() time.Time
}

// Service implements profile and team operations.
type Service struct {
	store    Store
	users    auth.UserStore
	resolver *access.Resolver
	lanes    *taskqueue.Queue
	history  *history.Recorder
	cipher   *payload.Cipher
	cold     coldstore.Sink
	now      func() time.Time
}

func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil || cfg.Users == nil || cfg.Lanes == nil || cfg.History == nil || cfg.Cipher == nil || cfg.Cold == nil {
		return nil, errors.New("profile: incomplete service configuration")
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:    cfg.Store,
		users:    cfg.Users,
		resolver: access.NewResolver(cfg.Store.Teams()),
		lanes:    cfg.Lanes,
		history:  cfg.History,
		cipher:   cfg.Cipher,
		cold:     cfg.Cold,
		now:      now,
	}, nil
}

func profileLane(id string) string { return taskqueue.Key("profile", id) }
func teamLane(id string) string    { return taskqueue.Key("team", id) }

// Create stores a new profile owned by the caller.
func (s *Service) Create(ctx context.Context, actor auth.Principal, in Input) (*Profile, error) {
	return s.create(ctx, actor.UserID, actor.UserID, in)
}

// AdminCreateProfile lets an account admin create a profile on behalf of
// ownerID. An empty ownerID creates it for the admin.
func (s *Service) AdminCreateProfile(ctx context.Context, actor auth.Principal, ownerID string, in Input) (*Profile, error) {
	if !actor.IsAdmin() {
		return nil, ErrForbidden
	}
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		ownerID = actor.UserID
	}
	if _, err := s.users.Find(ctx, ownerID); err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return nil, fmt.Errorf("%w: owner does not exist", ErrInvalidInput)
		}
		return nil, err
	}
	return s.create(ctx, actor.UserID, ownerID, in)
}

func (s *Service) create(ctx context.Context, actorID, ownerID string, in Input) (*Profile, error) {
	name := strings.TrimSpace(in.Name)
	if len([]rune(name)) < minNameLength {
		return nil, fmt.Errorf("%w: name must be at least %d characters", ErrInvalidInput, minNameLength)
	}
	now := s.now().UTC()
	p := &Profile{
		ID:          ids.New(),
		OwnerID:     ownerID,
		Name:        name,
		Description: in.Description,
		Proxy:       in.Proxy,
		Fingerprint: in.Fingerprint,
		Timezone:    in.Timezone,
		Language:    in.Language,
		Geolocation: in.Geolocation,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return taskqueue.Do(ctx, s.lanes, profileLane(p.ID), "create", func(ctx context.Context) (*Profile, error) {
		if err := s.store.Profiles().Create(ctx, p); err != nil {
			return nil, err
		}
		if err := s.record(ctx, p, nil, history.ActionCreate, actorID, nil); err != nil {
			return nil, err
		}
		obs.Info("profile created", map[string]any{"user_id": actorID, "profile_id": p.ID, "owner_id": ownerID})
		return p, nil
	})
}

// Get returns a profile the caller owns, has been shared with directly, or
// can see through team membership.
func (s *Service) Get(ctx context.Context, actor auth.Principal, id string) (*Profile, error) {
	p, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	if p != nil && p.sharedWith(actor.UserID) {
		return p, nil
	}
	if err := s.authorize(ctx, p, actor, access.ActionView); err != nil {
		return nil, err
	}
	return p, nil
}

// List returns every profile visible to the caller, including the profiles
// shared with teams the caller belongs to.
func (s *Service) List(ctx context.Context, actor auth.Principal) ([]Profile, error) {
	visible, err := s.store.Profiles().ListVisible(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(visible))
	for _, p := range visible {
		seen[p.ID] = struct{}{}
	}
	teams, err := s.store.Teams().ListForMember(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	for _, t := range teams {
		for _, pid := range t.SharedProfiles {
			if _, ok := seen[pid]; ok {
				continue
			}
			p, err := s.find(ctx, pid)
			if err != nil {
				return nil, err
			}
			if p == nil || p.TeamID != t.ID {
				continue
			}
			seen[pid] = struct{}{}
			visible = append(visible, *p)
		}
	}
	return visible, nil
}

// Update applies patch to a profile the caller owns.
func (s *Service) Update(ctx context.Context, actor auth.Principal, id string, patch Patch) (*Profile, error) {
	if patch.Name != nil && len([]rune(strings.TrimSpace(*patch.Name))) < minNameLength {
		return nil, fmt.Errorf("%w: name must be at least %d characters", ErrInvalidInput, minNameLength)
	}
	return taskqueue.Do(ctx, s.lanes, profileLane(id), "update", func(ctx context.Context) (*Profile, error) {
		p, err := s.load(ctx, id, actor, access.ActionUpdate)
		if err != nil {
			return nil, err
		}
		prev := *p
		patch.apply(p)
		p.UpdatedAt = s.now().UTC()
		if err := s.store.Profiles().Update(ctx, p); err != nil {
			return nil, err
		}
		if err := s.record(ctx, p, &prev, history.ActionUpdate, actor.UserID, nil); err != nil {
			return nil, err
		}
		obs.Info("profile updated", map[string]any{"user_id": actor.UserID, "profile_id": id})
		return p, nil
	})
}

// Delete removes a profile the caller owns.
func (s *Service) Delete(ctx context.Context, actor auth.Principal, id string) error {
	_, err := taskqueue.Do(ctx, s.lanes, profileLane(id), "delete", func(ctx context.Context) (struct{}, error) {
		if _, err := s.load(ctx, id, actor, access.ActionDelete); err != nil {
			return struct{}{}, err
		}
		if err := s.store.Profiles().Delete(ctx, id); err != nil {
			return struct{}{}, err
		}
		obs.Info("profile removed", map[string]any{"user_id": actor.UserID, "profile_id": id})
		return struct{}{}, nil
	})
	return err
}

// Clone copies a profile into a new one owned by the caller and records a
// clone entry on the copy that names the source.
func (s *Service) Clone(ctx context.Context, actor auth.Principal, id string) (*Profile, error) {
	return taskqueue.Do(ctx, s.lanes, profileLane(id), "clone", func(ctx context.Context) (*Profile, error) {
		src, err := s.load(ctx, id, actor, access.ActionClone)
		if err != nil {
			return nil, err
		}
		now := s.now().UTC()
		clone := *src
		clone.ID = ids.New()
		clone.OwnerID = actor.UserID
		clone.Name = src.Name + cloneSuffix
		clone.SharedWith = append([]string(nil), src.SharedWith...)
		clone.CloudSync = nil
		clone.CreatedAt = now
		clone.UpdatedAt = now
		if err := s.store.Profiles().Create(ctx, &clone); err != nil {
			return nil, err
		}
		meta := map[string]any{"sourceProfileId": src.ID}
		if err := s.record(ctx, &clone, nil, history.ActionClone, actor.UserID, meta); err != nil {
			return nil, err
		}
		obs.Info("profile cloned", map[string]any{"user_id": actor.UserID, "profile_id": clone.ID, "source_profile": src.ID})
		return &clone, nil
	})
}

// Sync seals data (or the profile itself when data is empty) with the payload
// cipher, writes the envelope to cold storage and records where it went.
func (s *Service) Sync(ctx context.Context, actor auth.Principal, id string, data json.RawMessage) (*CloudSync, error) {
	return taskqueue.Do(ctx, s.lanes, profileLane(id), "sync", func(ctx context.Context) (*CloudSync, error) {
		p, err := s.load(ctx, id, actor, access.ActionSync)
		if err != nil {
			return nil, err
		}
		var env payload.Envelope
		if len(data) > 0 && string(data) != "null" {
			if !json.Valid(data) {
				return nil, fmt.Errorf("%w: data must be valid JSON", ErrInvalidInput)
			}
			env, err = s.cipher.Seal(data)
		} else {
			subject := *p
			subject.CloudSync = nil
			env, err = s.cipher.Encrypt(subject)
		}
		if err != nil {
			return nil, err
		}
		blob, err := env.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("profile: encode envelope: %w", err)
		}
		now := s.now().UTC()
		key := fmt.Sprintf("profiles/%s/%d.bin", p.ID, now.UnixMilli())
		loc, err := s.cold.Put(ctx, key, blob)
		if err != nil {
			return nil, err
		}
		prev := *p
		p.CloudSync = &CloudSync{
			Envelope:     env,
			Provider:     syncProvider,
			Bucket:       loc.Bucket,
			Key:          loc.Key,
			ETag:         loc.ETag,
			LastSyncedAt: now,
		}
		p.UpdatedAt = now
		if err := s.store.Profiles().Update(ctx, p); err != nil {
			return nil, err
		}
		meta := map[string]any{"bucket": loc.Bucket, "key": loc.Key, "etag": loc.ETag, "keyId": env.KeyID}
		if err := s.record(ctx, p, &prev, history.ActionSync, actor.UserID, meta); err != nil {
			return nil, err
		}
		obs.Info("profile synced", map[string]any{"user_id": actor.UserID, "profile_id": id, "key_id": env.KeyID})
		return p.CloudSync, nil
	})
}

// FetchSync reads the latest synced copy back from cold storage and returns
// the decrypted JSON.
func (s *Service) FetchSync(ctx context.Context, actor auth.Principal, id string) (json.RawMessage, error) {
	p, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, p, actor, access.ActionSync); err != nil {
		return nil, err
	}
	if p.CloudSync == nil {
		return nil, fmt.Errorf("%w: profile has not been synced", ErrNotFound)
	}
	blob, err := s.cold.Get(ctx, p.CloudSync.Key)
	if err != nil {
		return nil, err
	}
	if coldstore.ETag(blob) != p.CloudSync.ETag {
		return nil, fmt.Errorf("%w: stored object does not match its etag", payload.ErrIntegrityCheckFailed)
	}
	var env payload.Envelope
	if err := env.UnmarshalBinary(blob); err != nil {
		return nil, err
	}
	plaintext, err := s.cipher.Open(env)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(plaintext), nil
}

// Share attaches a profile to a team the caller belongs to.
func (s *Service) Share(ctx context.Context, actor auth.Principal, id, teamID string) (*Profile, error) {
	if strings.TrimSpace(teamID) == "" {
		return nil, fmt.Errorf("%w: teamId is required", ErrInvalidInput)
	}
	return taskqueue.Do(ctx, s.lanes, profileLane(id), "share", func(ctx context.Context) (*Profile, error) {
		if _, member, err := s.store.Teams().MemberRole(ctx, teamID, actor.UserID); err != nil {
			return nil, err
		} else if !member {
			return nil, ErrForbidden
		}
		p, err := s.load(ctx, id, actor, access.ActionShare)
		if err != nil {
			return nil, err
		}
		prev := *p
		p.TeamID = teamID
		p.UpdatedAt = s.now().UTC()
		if err := s.store.Profiles().Update(ctx, p); err != nil {
			return nil, err
		}
		if err := s.store.Teams().AddSharedProfile(ctx, teamID, p.ID); err != nil {
			return nil, err
		}
		if err := s.record(ctx, p, &prev, history.ActionShare, actor.UserID, map[string]any{"teamId": teamID}); err != nil {
			return nil, err
		}
		obs.Info("profile shared with team", map[string]any{"user_id": actor.UserID, "profile_id": id, "team_id": teamID})
		return p, nil
	})
}

// ShareWithTeam attaches profileID to teamID and returns the team with its
// updated list of shared profiles.
func (s *Service) ShareWithTeam(ctx context.Context, actor auth.Principal, teamID, profileID string) (*Team, error) {
	if strings.TrimSpace(profileID) == "" {
		return nil, fmt.Errorf("%w: profileId is required", ErrInvalidInput)
	}
	if _, err := s.Share(ctx, actor, profileID, teamID); err != nil {
		return nil, err
	}
	return s.store.Teams().Find(ctx, teamID)
}

// ClientProfile returns the earliest profile the caller owns.
func (s *Service) ClientProfile(ctx context.Context, actor auth.Principal) (*ClientProfile, error) {
	visible, err := s.store.Profiles().ListVisible(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	for _, p := range visible {
		if p.OwnerID != actor.UserID {
			continue
		}
		return &ClientProfile{ID: p.ID, Name: p.Name, Fingerprint: p.Fingerprint, UpdatedAt: p.UpdatedAt}, nil
	}
	return nil, ErrNotFound
}

// History lists the recorded versions of a profile visible to the caller.
func (s *Service) History(ctx context.Context, actor auth.Principal, id string) ([]history.Entry, error) {
	if _, err := s.Get(ctx, actor, id); err != nil {
		return nil, err
	}
	return s.history.List(ctx, id)
}

// CreateTeam creates a team with the caller as its owner member.
func (s *Service) CreateTeam(ctx context.Context, actor auth.Principal, name string) (*Team, error) {
	name = strings.TrimSpace(name)
	if len([]rune(name)) < minNameLength {
		return nil, fmt.Errorf("%w: name must be at least %d characters", ErrInvalidInput, minNameLength)
	}
	now := s.now().UTC()
	t := &Team{
		ID:        ids.New(),
		Name:      name,
		OwnerID:   actor.UserID,
		Members:   []Member{{UserID: actor.UserID, Role: string(access.RoleOwner)}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Teams().Create(ctx, t); err != nil {
		return nil, err
	}
	obs.Info("team created", map[string]any{"user_id": actor.UserID, "team_id": t.ID})
	return t, nil
}

// AddMember adds userID to a team owned by the caller. Legacy role names are
// accepted and stored in their current form; adding an existing member
// changes nothing.
func (s *Service) AddMember(ctx context.Context, actor auth.Principal, teamID, userID, role string) (*Team, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: userId is required", ErrInvalidInput)
	}
	if strings.TrimSpace(role) == "" {
		role = defaultMemberRole
	}
	canonical := access.MigrateRole(role)
	if !canonical.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}
	return taskqueue.Do(ctx, s.lanes, teamLane(teamID), "add_member", func(ctx context.Context) (*Team, error) {
		t, err := s.store.Teams().Find(ctx, teamID)
		if err != nil {
			return nil, err
		}
		if t.OwnerID != actor.UserID {
			return nil, ErrForbidden
		}
		if _, err := s.users.Find(ctx, userID); err != nil {
			if errors.Is(err, auth.ErrNotFound) {
				return nil, fmt.Errorf("%w: user does not exist", ErrInvalidInput)
			}
			return nil, err
		}
		if err := s.store.Teams().AddMember(ctx, teamID, Member{UserID: userID, Role: string(canonical)}); err != nil {
			return nil, err
		}
		obs.Info("member added to team", map[string]any{"user_id": actor.UserID, "team_id": teamID, "target_user": userID})
		return s.store.Teams().Find(ctx, teamID)
	})
}

// ListTeams returns the teams the caller is a member of, with member roles
// in their current form.
func (s *Service) ListTeams(ctx context.Context, actor auth.Principal) ([]Team, error) {
	teams, err := s.store.Teams().ListForMember(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	for i := range teams {
		for j := range teams[i].Members {
			teams[i].Members[j].Role = string(access.MigrateRole(teams[i].Members[j].Role))
		}
	}
	return teams, nil
}

// find returns nil without error when the profile does not exist, so the
// resolver can report it.
// record writes the history entry for a change already in the store. If the
// entry cannot be written the change is reverted: a new profile (prev == nil)
// is removed, an existing one is put back to prev.
func (s *Service) record(ctx context.Context, p, prev *Profile, action history.Action, actorID string, meta map[string]any) error {
	_, err := s.history.Record(ctx, p.ID, p, action, actorID, meta)
	if err == nil {
		return nil
	}
	var undo error
	if prev == nil {
		undo = s.store.Profiles().Delete(ctx, p.ID)
	} else {
		undo = s.store.Profiles().Update(ctx, prev)
	}
	if undo != nil {
		obs.Error("profile change kept without history", map[string]any{
			"profile_id": p.ID,
			"action":     string(action),
			"error":      undo.Error(),
		})
	}
	return err
}

func (s *Service) find(ctx context.Context, id string) (*Profile, error) {
	p, err := s.store.Profiles().Find(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return p, err
}

func (s *Service) load(ctx context.Context, id string, actor auth.Principal, action access.Action) (*Profile, error) {
	p, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, p, actor, action); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) authorize(ctx context.Context, p *Profile, actor auth.Principal, action access.Action) error {
	d, err := s.resolver.Authorize(ctx, p.resource(), access.Actor{ID: actor.UserID}, action)
	if err != nil {
		return err
	}
	return d.Err()
}

func (patch Patch) apply(p *Profile) {
	if patch.Name != nil {
		p.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.Description != nil {
		p.Description = *patch.Description
	}
	if patch.Proxy != nil {
		p.Proxy = patch.Proxy
	}
	if patch.Fingerprint != nil {
		p.Fingerprint = patch.Fingerprint
	}
	if patch.Timezone != nil {
		p.Timezone = *patch.Timezone
	}
	if patch.Language != nil {
		p.Language = *patch.Language
	}
	if patch.Geolocation != nil {
		p.Geolocation = patch.Geolocation
	}
}
