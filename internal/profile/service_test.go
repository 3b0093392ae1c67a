package profile_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"profilevault.org/internal/auth"
	"profilevault.org/internal/coldstore"
	"profilevault.org/internal/history"
	"profilevault.org/internal/keyring"
	"profilevault.org/internal/payload"
	"profilevault.org/internal/profile"
	"profilevault.org/internal/store/memory"
	"profilevault.org/internal/taskqueue"
)

type fixture struct {
	svc     *profile.Service
	store   *memory.Store
	history *history.Recorder
	cold    *coldstore.MemorySink
}

func newFixture(t *testing.T, encryptionKeys, activeKID string) *fixture {
	t.Helper()
	return newFixtureWithHistory(t, encryptionKeys, activeKID, history.NewMemoryStore())
}

func newFixtureWithHistory(t *testing.T, encryptionKeys, activeKID string, entries history.Store) *fixture {
	t.Helper()
	set, err := keyring.Build(keyring.Config{Sources: map[keyring.Purpose]keyring.Source{
		keyring.PayloadEncryption: {Keys: encryptionKeys, ActiveID: activeKID},
	}})
	require.NoError(t, err)
	cipher, err := payload.NewCipher(set)
	require.NoError(t, err)

	store := memory.New()
	rec := history.NewRecorder(entries)
	cold := coldstore.NewMemorySink("vault")
	svc, err := profile.NewService(profile.Config{
		Store:   store,
		Users:   store.Users(),
		Lanes:   taskqueue.New(),
		History: rec,
		Cipher:  cipher,
		Cold:    cold,
	})
	require.NoError(t, err)
	return &fixture{svc: svc, store: store, history: rec, cold: cold}
}

func (f *fixture) user(t *testing.T, id, role string) auth.Principal {
	t.Helper()
	require.NoError(t, f.store.Users().Create(context.Background(), &auth.User{
		ID: id, Email: id + "@example.com", Name: id, Role: role,
	}))
	return auth.Principal{UserID: id, Role: role}
}

func TestAdminMemberClonesSharedProfile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "k1:payload-secret", "")
	owner := f.user(t, "owner", auth.RoleUser)
	admin := f.user(t, "admin", auth.RoleUser)

	src, err := f.svc.Create(ctx, owner, profile.Input{Name: "Research", Timezone: "UTC"})
	require.NoError(t, err)
	team, err := f.svc.CreateTeam(ctx, owner, "Ops")
	require.NoError(t, err)
	_, err = f.svc.AddMember(ctx, owner, team.ID, admin.UserID, "admin")
	require.NoError(t, err)
	_, err = f.svc.Share(ctx, owner, src.ID, team.ID)
	require.NoError(t, err)

	clone, err := f.svc.Clone(ctx, admin, src.ID)
	require.NoError(t, err)
	require.NotEqual(t, src.ID, clone.ID)
	require.Equal(t, admin.UserID, clone.OwnerID)
	require.Equal(t, "Research (Clone)", clone.Name)

	entries, err := f.history.List(ctx, clone.ID)
	require.NoError(t, err)
	var clones []history.Entry
	for _, e := range entries {
		if e.Action == history.ActionClone {
			clones = append(clones, e)
		}
	}
	require.Len(t, clones, 1)
	require.Equal(t, src.ID, clones[0].Metadata["sourceProfileId"])
	require.Equal(t, admin.UserID, clones[0].CreatedBy)

	srcEntries, err := f.history.List(ctx, src.ID)
	require.NoError(t, err)
	for _, e := range srcEntries {
		require.NotEqual(t, history.ActionClone, e.Action, "clone is recorded on the copy only")
	}
}

func TestMemberRolesGateTeamActions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "k1:payload-secret", "")
	owner := f.user(t, "owner", auth.RoleUser)
	member := f.user(t, "member", auth.RoleUser)
	outsider := f.user(t, "outsider", auth.RoleUser)

	src, err := f.svc.Create(ctx, owner, profile.Input{Name: "Shared"})
	require.NoError(t, err)
	team, err := f.svc.CreateTeam(ctx, owner, "Sales")
	require.NoError(t, err)
	_, err = f.svc.AddMember(ctx, owner, team.ID, member.UserID, "")
	require.NoError(t, err)
	_, err = f.svc.Share(ctx, owner, src.ID, team.ID)
	require.NoError(t, err)

	teams, err := f.svc.ListTeams(ctx, member)
	require.NoError(t, err)
	require.Len(t, teams, 1)
	require.Equal(t, "member", teams[0].Members[1].Role, "default viewer role is stored as member")

	got, err := f.svc.Get(ctx, member, src.ID)
	require.NoError(t, err)
	require.Equal(t, src.ID, got.ID)

	list, err := f.svc.List(ctx, member)
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = f.svc.Clone(ctx, member, src.ID)
	require.ErrorIs(t, err, profile.ErrForbidden)
	_, err = f.svc.Sync(ctx, member, src.ID, nil)
	require.ErrorIs(t, err, profile.ErrForbidden)
	_, err = f.svc.Get(ctx, outsider, src.ID)
	require.ErrorIs(t, err, profile.ErrForbidden)
	_, err = f.svc.Clone(ctx, owner, "missing")
	require.ErrorIs(t, err, profile.ErrNotFound)

	_, err = f.svc.AddMember(ctx, member, team.ID, outsider.UserID, "admin")
	require.ErrorIs(t, err, profile.ErrForbidden, "only the team owner adds members")
	_, err = f.svc.AddMember(ctx, owner, team.ID, outsider.UserID, "superuser")
	require.ErrorIs(t, err, profile.ErrInvalidInput)
}

func TestLegacyMembershipRecordsAreMigratedOnRead(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "k1:payload-secret", "")
	owner := f.user(t, "owner", auth.RoleUser)
	editor := f.user(t, "editor", auth.RoleUser)
	viewer := f.user(t, "viewer", auth.RoleUser)

	src, err := f.svc.Create(ctx, owner, profile.Input{Name: "Legacy"})
	require.NoError(t, err)
	f.store.SeedTeam(profile.Team{
		ID:      "legacy-team",
		Name:    "Old",
		OwnerID: owner.UserID,
		Members: []profile.Member{
			{UserID: owner.UserID, Role: "owner"},
			{UserID: editor.UserID, Role: "editor"},
			{UserID: viewer.UserID, Role: "viewer"},
		},
	})
	_, err = f.svc.Share(ctx, owner, src.ID, "legacy-team")
	require.NoError(t, err)

	_, err = f.svc.Clone(ctx, editor, src.ID)
	require.NoError(t, err, "editor acts as admin")
	_, err = f.svc.Clone(ctx, viewer, src.ID)
	require.ErrorIs(t, err, profile.ErrForbidden, "viewer acts as member")
}

func TestSyncRoundTripsThroughColdStorage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "k1:payload-secret", "")
	owner := f.user(t, "owner", auth.RoleUser)

	src, err := f.svc.Create(ctx, owner, profile.Input{Name: "Synced", Language: "en"})
	require.NoError(t, err)

	data := json.RawMessage(`{"cookies":["a","b"]}`)
	cs, err := f.svc.Sync(ctx, owner, src.ID, data)
	require.NoError(t, err)
	require.Equal(t, "vault", cs.Bucket)
	require.Equal(t, "k1", cs.Envelope.KeyID)
	require.Contains(t, cs.Key, "profiles/"+src.ID+"/")

	got, err := f.svc.FetchSync(ctx, owner, src.ID)
	require.NoError(t, err)
	require.JSONEq(t, string(data), string(got))

	cs, err = f.svc.Sync(ctx, owner, src.ID, nil)
	require.NoError(t, err)
	got, err = f.svc.FetchSync(ctx, owner, src.ID)
	require.NoError(t, err)
	var snap profile.Profile
	require.NoError(t, json.Unmarshal(got, &snap))
	require.Equal(t, "Synced", snap.Name)
	require.Nil(t, snap.CloudSync)

	_, err = f.cold.Put(ctx, cs.Key, []byte("overwritten"))
	require.NoError(t, err)
	_, err = f.svc.FetchSync(ctx, owner, src.ID)
	require.ErrorIs(t, err, payload.ErrIntegrityCheckFailed)
}

func TestConcurrentUpdatesGetDistinctVersions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "k1:payload-secret", "")
	owner := f.user(t, "owner", auth.RoleUser)
	src, err := f.svc.Create(ctx, owner, profile.Input{Name: "Busy"})
	require.NoError(t, err)

	const writers = 16
	errs := make([]error, writers)
	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			desc := time.Now().String()
			_, errs[i] = f.svc.Update(ctx, owner, src.ID, profile.Patch{Description: &desc})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	entries, err := f.history.List(ctx, src.ID)
	require.NoError(t, err)
	require.Len(t, entries, writers+1)
	for i, e := range entries {
		require.Equal(t, i+1, e.Version)
	}
}

func TestAdminCreateProfile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "k1:payload-secret", "")
	admin := f.user(t, "root", auth.RoleAdmin)
	user := f.user(t, "someone", auth.RoleUser)

	p, err := f.svc.AdminCreateProfile(ctx, admin, user.UserID, profile.Input{Name: "Provisioned"})
	require.NoError(t, err)
	require.Equal(t, user.UserID, p.OwnerID)

	_, err = f.svc.AdminCreateProfile(ctx, user, "", profile.Input{Name: "Nope"})
	require.ErrorIs(t, err, profile.ErrForbidden)
	_, err = f.svc.AdminCreateProfile(ctx, admin, "ghost", profile.Input{Name: "Orphan"})
	require.ErrorIs(t, err, profile.ErrInvalidInput)
}

func TestUpdateAndDeleteAreOwnerOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "k1:payload-secret", "")
	owner := f.user(t, "owner", auth.RoleUser)
	admin := f.user(t, "admin", auth.RoleUser)

	src, err := f.svc.Create(ctx, owner, profile.Input{Name: "Mine"})
	require.NoError(t, err)
	team, err := f.svc.CreateTeam(ctx, owner, "Team")
	require.NoError(t, err)
	_, err = f.svc.AddMember(ctx, owner, team.ID, admin.UserID, "admin")
	require.NoError(t, err)
	_, err = f.svc.Share(ctx, owner, src.ID, team.ID)
	require.NoError(t, err)

	name := "Renamed"
	_, err = f.svc.Update(ctx, admin, src.ID, profile.Patch{Name: &name})
	require.ErrorIs(t, err, profile.ErrForbidden)
	require.ErrorIs(t, f.svc.Delete(ctx, admin, src.ID), profile.ErrForbidden)

	updated, err := f.svc.Update(ctx, owner, src.ID, profile.Patch{Name: &name})
	require.NoError(t, err)
	require.Equal(t, "Renamed", updated.Name)
	require.NoError(t, f.svc.Delete(ctx, owner, src.ID))
	_, err = f.svc.Get(ctx, owner, src.ID)
	require.ErrorIs(t, err, profile.ErrNotFound)
}

type brokenHistory struct {
	*history.MemoryStore
	fail atomic.Bool
}

var errHistoryDown = errors.New("history store down")

func (b *brokenHistory) Append(ctx context.Context, e *history.Entry) error {
	if b.fail.Load() {
		return errHistoryDown
	}
	return b.MemoryStore.Append(ctx, e)
}

func TestFailedHistoryRevertsProfileChange(t *testing.T) {
	ctx := context.Background()
	entries := &brokenHistory{MemoryStore: history.NewMemoryStore()}
	f := newFixtureWithHistory(t, "k1:payload-secret", "", entries)
	owner := f.user(t, "owner", auth.RoleUser)

	src, err := f.svc.Create(ctx, owner, profile.Input{Name: "Stable"})
	require.NoError(t, err)
	entries.fail.Store(true)

	_, err = f.svc.Create(ctx, owner, profile.Input{Name: "Orphan"})
	require.ErrorIs(t, err, errHistoryDown)

	name := "Changed"
	_, err = f.svc.Update(ctx, owner, src.ID, profile.Patch{Name: &name})
	require.ErrorIs(t, err, errHistoryDown)

	_, err = f.svc.Clone(ctx, owner, src.ID)
	require.ErrorIs(t, err, errHistoryDown)

	_, err = f.svc.Sync(ctx, owner, src.ID, nil)
	require.ErrorIs(t, err, errHistoryDown)

	list, err := f.svc.List(ctx, owner)
	require.NoError(t, err)
	require.Len(t, list, 1, "created and cloned profiles are removed again")
	require.Equal(t, "Stable", list[0].Name)
	require.Nil(t, list[0].CloudSync)

	entries.fail.Store(false)
	got, err := f.history.List(ctx, src.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
}
