package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"profilevault.org/internal/auth"
	"profilevault.org/internal/coldstore"
	"profilevault.org/internal/history"
	"profilevault.org/internal/keyring"
	"profilevault.org/internal/payload"
	"profilevault.org/internal/profile"
	"profilevault.org/internal/store/memory"
	"profilevault.org/internal/taskqueue"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	store   *memory.Store
	t       *testing.T
}

func newTestAPI(t *testing.T, opts ...Option) *apiClient {
	t.Helper()

	keys, err := keyring.Build(keyring.Config{Sources: map[keyring.Purpose]keyring.Source{
		keyring.AccessSigning:     {Keys: "a1:access-secret"},
		keyring.RefreshSigning:    {Keys: "r1:refresh-secret"},
		keyring.PayloadEncryption: {Keys: "e1:payload-secret"},
	}})
	if err != nil {
		t.Fatalf("keyring.Build: %v", err)
	}
	tokens, err := auth.NewTokenService(keys)
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	cipher, err := payload.NewCipher(keys)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	store := memory.New()
	profiles, err := profile.NewService(profile.Config{
		Store:   store,
		Users:   store.Users(),
		Lanes:   taskqueue.New(),
		History: history.NewRecorder(history.NewMemoryStore()),
		Cipher:  cipher,
		Cold:    coldstore.NewMemorySink("vault"),
	})
	if err != nil {
		t.Fatalf("profile.NewService: %v", err)
	}

	opts = append([]Option{WithRateLimit(1000, 1000)}, opts...)
	api := New(auth.NewService(store, tokens), profiles, ReadyProbe{}, "test", opts...)

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{baseURL: srv.URL, client: srv.Client(), store: store, t: t}
}

func (c *apiClient) do(method, path, token string, body any) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) register(email, name string) auth.Session {
	c.t.Helper()
	resp := c.do(http.MethodPost, "/v1/auth/register", "", map[string]string{
		"email": email, "password": "Password1", "name": name,
	})
	if resp.StatusCode != http.StatusCreated {
		c.t.Fatalf("register %s: status %d", email, resp.StatusCode)
	}
	return decode[auth.Session](c.t, resp)
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, r *http.Response, want int) {
	t.Helper()
	if r.StatusCode != want {
		body := new(bytes.Buffer)
		_, _ = body.ReadFrom(r.Body)
		r.Body.Close()
		t.Fatalf("expected status %d, got %d: %s", want, r.StatusCode, body.String())
	}
}

func TestAPIAccountLifecycle(t *testing.T) {
	c := newTestAPI(t)
	session := c.register("ada@example.com", "Ada")
	if session.Tokens.AccessToken == "" || session.Tokens.RefreshToken == "" {
		t.Fatalf("expected both tokens, got %+v", session.Tokens)
	}

	me := c.do(http.MethodGet, "/v1/auth/me", session.Tokens.AccessToken, nil)
	expectStatus(t, me, http.StatusOK)
	if got := decode[map[string]any](t, me); got["userId"] != session.User.ID || got["role"] != auth.RoleUser {
		t.Fatalf("unexpected me response: %v", got)
	}

	refresh := c.do(http.MethodPost, "/v1/auth/refresh", "", map[string]string{"refreshToken": session.Tokens.RefreshToken})
	expectStatus(t, refresh, http.StatusOK)
	fresh := decode[accessResponse](t, refresh)
	if fresh.AccessToken == "" {
		t.Fatal("expected a new access token")
	}

	logout := c.do(http.MethodPost, "/v1/auth/logout", fresh.AccessToken, map[string]string{"refreshToken": session.Tokens.RefreshToken})
	expectStatus(t, logout, http.StatusNoContent)
	logout.Body.Close()

	again := c.do(http.MethodPost, "/v1/auth/refresh", "", map[string]string{"refreshToken": session.Tokens.RefreshToken})
	expectStatus(t, again, http.StatusUnauthorized)
	if body := decode[map[string]any](t, again); body["error"] != "unauthorized" {
		t.Fatalf("unexpected error body: %v", body)
	}
}

func TestAPIRejectsUntrustedCredentials(t *testing.T) {
	c := newTestAPI(t)
	session := c.register("eve@example.com", "Eve")

	cases := map[string]string{
		"missing token":           "",
		"garbage token":           "not-a-jwt",
		"refresh token as access": session.Tokens.RefreshToken,
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			resp := c.do(http.MethodGet, "/v1/profiles", token, nil)
			expectStatus(t, resp, http.StatusUnauthorized)
			if resp.Header.Get("WWW-Authenticate") == "" {
				t.Fatal("expected WWW-Authenticate header")
			}
			body := decode[map[string]any](t, resp)
			if body["error"] != "unauthorized" {
				t.Fatalf("unexpected error: %v", body["error"])
			}
			if body["request_id"] == nil || body["request_id"] == "" {
				t.Fatal("expected request_id in error body")
			}
		})
	}
}

func TestAPITeamCloneAndSyncFlow(t *testing.T) {
	c := newTestAPI(t)
	owner := c.register("owner@example.com", "Owner")
	admin := c.register("admin@example.com", "Admin")
	ownerToken, adminToken := owner.Tokens.AccessToken, admin.Tokens.AccessToken

	resp := c.do(http.MethodPost, "/v1/profiles", ownerToken, map[string]any{"name": "Research", "timezone": "UTC"})
	expectStatus(t, resp, http.StatusCreated)
	src := decode[profile.Profile](t, resp)

	resp = c.do(http.MethodPost, "/v1/teams", ownerToken, map[string]string{"name": "Ops"})
	expectStatus(t, resp, http.StatusCreated)
	team := decode[profile.Team](t, resp)

	resp = c.do(http.MethodPost, "/v1/teams/"+team.ID+"/members", ownerToken, map[string]string{"userId": admin.User.ID, "role": "admin"})
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = c.do(http.MethodPost, "/v1/profiles/"+src.ID+"/share", ownerToken, map[string]string{"teamId": team.ID})
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = c.do(http.MethodPost, "/v1/profiles/"+src.ID+"/clone", adminToken, nil)
	expectStatus(t, resp, http.StatusCreated)
	clone := decode[profile.Profile](t, resp)
	if clone.OwnerID != admin.User.ID || clone.Name != "Research (Clone)" {
		t.Fatalf("unexpected clone: %+v", clone)
	}

	resp = c.do(http.MethodGet, "/v1/profiles/"+clone.ID+"/history", adminToken, nil)
	expectStatus(t, resp, http.StatusOK)
	entries := decode[listResponse[history.Entry]](t, resp).Items
	if len(entries) == 0 || entries[len(entries)-1].Action != history.ActionClone {
		t.Fatalf("expected clone history entry, got %+v", entries)
	}

	resp = c.do(http.MethodPost, "/v1/profiles/"+src.ID+"/sync", ownerToken, map[string]any{"data": map[string]any{"cookies": []string{"a"}}})
	expectStatus(t, resp, http.StatusOK)
	synced := decode[profile.CloudSync](t, resp)
	if synced.Envelope.KeyID != "e1" || synced.Bucket != "vault" {
		t.Fatalf("unexpected sync result: %+v", synced)
	}

	resp = c.do(http.MethodGet, "/v1/profiles/"+src.ID+"/sync", ownerToken, nil)
	expectStatus(t, resp, http.StatusOK)
	fetched := decode[syncRequest](t, resp)
	if string(fetched.Data) != `{"cookies":["a"]}` {
		t.Fatalf("unexpected synced data: %s", fetched.Data)
	}
}

func TestAPITeamShareProfileAndClientProfile(t *testing.T) {
	c := newTestAPI(t)
	owner := c.register("owner@example.com", "Owner")
	outsider := c.register("outsider@example.com", "Outsider")
	ownerToken := owner.Tokens.AccessToken

	resp := c.do(http.MethodGet, "/v1/client/profile", ownerToken, nil)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = c.do(http.MethodPost, "/v1/profiles", ownerToken, map[string]any{"name": "Primary"})
	expectStatus(t, resp, http.StatusCreated)
	src := decode[profile.Profile](t, resp)

	resp = c.do(http.MethodGet, "/v1/client/profile", ownerToken, nil)
	expectStatus(t, resp, http.StatusOK)
	if got := decode[clientProfileResponse](t, resp).Profile; got == nil || got.ID != src.ID || got.Name != "Primary" {
		t.Fatalf("unexpected client profile: %+v", got)
	}

	resp = c.do(http.MethodPost, "/v1/teams", ownerToken, map[string]string{"name": "Ops"})
	expectStatus(t, resp, http.StatusCreated)
	team := decode[profile.Team](t, resp)

	resp = c.do(http.MethodPost, "/v1/teams/"+team.ID+"/share-profile", outsider.Tokens.AccessToken, map[string]string{"profileId": src.ID})
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = c.do(http.MethodPost, "/v1/teams/"+team.ID+"/share-profile", ownerToken, map[string]string{"profileId": src.ID})
	expectStatus(t, resp, http.StatusOK)
	shared := decode[profile.Team](t, resp)
	if len(shared.SharedProfiles) != 1 || shared.SharedProfiles[0] != src.ID {
		t.Fatalf("expected profile in team shared list, got %+v", shared.SharedProfiles)
	}

	resp = c.do(http.MethodPost, "/v1/teams/"+team.ID+"/share-profile", ownerToken, map[string]string{})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestAPIErrorMapping(t *testing.T) {
	c := newTestAPI(t)
	owner := c.register("owner@example.com", "Owner")
	outsider := c.register("outsider@example.com", "Outsider")

	resp := c.do(http.MethodPost, "/v1/auth/register", "", map[string]string{"email": "bad", "password": "x", "name": "A"})
	expectStatus(t, resp, http.StatusBadRequest)
	body := decode[map[string]any](t, resp)
	if fields, ok := body["fields"].(map[string]any); !ok || fields["email"] == nil || fields["password"] == nil {
		t.Fatalf("expected field errors, got %v", body)
	}

	resp = c.do(http.MethodPost, "/v1/auth/register", "", map[string]string{"email": "owner@example.com", "password": "Password1", "name": "Dup"})
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = c.do(http.MethodPost, "/v1/auth/login", "", map[string]string{"email": "owner@example.com", "password": "Wrong1234"})
	expectStatus(t, resp, http.StatusUnauthorized)
	if body := decode[map[string]any](t, resp); body["error"] != "invalid credentials" {
		t.Fatalf("unexpected login error: %v", body)
	}

	resp = c.do(http.MethodPost, "/v1/profiles", owner.Tokens.AccessToken, map[string]any{"name": "Private"})
	expectStatus(t, resp, http.StatusCreated)
	src := decode[profile.Profile](t, resp)

	resp = c.do(http.MethodGet, "/v1/profiles/"+src.ID, outsider.Tokens.AccessToken, nil)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = c.do(http.MethodGet, "/v1/profiles/missing", owner.Tokens.AccessToken, nil)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = c.do(http.MethodPost, "/v1/profiles", owner.Tokens.AccessToken, map[string]any{"name": "X", "unknown": true})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = c.do(http.MethodPost, "/v1/admin/profiles", owner.Tokens.AccessToken, map[string]any{"ownerId": outsider.User.ID, "name": "Nope"})
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()
}

func TestAPIAdminCreateProfile(t *testing.T) {
	c := newTestAPI(t)
	user := c.register("user@example.com", "User")

	hash, err := auth.HashPassword("Password1")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if err := c.store.Users().Create(context.Background(), &auth.User{
		ID: "root", Email: "root@example.com", Name: "Root", Role: auth.RoleAdmin, PasswordHash: hash,
	}); err != nil {
		t.Fatalf("create admin: %v", err)
	}
	resp := c.do(http.MethodPost, "/v1/auth/login", "", map[string]string{"email": "root@example.com", "password": "Password1"})
	expectStatus(t, resp, http.StatusOK)
	admin := decode[auth.Session](t, resp)

	resp = c.do(http.MethodPost, "/v1/admin/profiles", admin.Tokens.AccessToken, map[string]any{"ownerId": user.User.ID, "name": "Provisioned"})
	expectStatus(t, resp, http.StatusCreated)
	created := decode[profile.Profile](t, resp)
	if created.OwnerID != user.User.ID {
		t.Fatalf("expected profile owned by %s, got %s", user.User.ID, created.OwnerID)
	}

	resp = c.do(http.MethodGet, "/v1/profiles", user.Tokens.AccessToken, nil)
	expectStatus(t, resp, http.StatusOK)
	if items := decode[listResponse[profile.Profile]](t, resp).Items; len(items) != 1 {
		t.Fatalf("expected the provisioned profile in the owner's list, got %d", len(items))
	}
}

func TestAPIAuthRoutesAreRateLimited(t *testing.T) {
	c := newTestAPI(t, WithRateLimit(1, 1))
	body := map[string]string{"email": "nobody@example.com", "password": "Password1"}

	first := c.do(http.MethodPost, "/v1/auth/login", "", body)
	expectStatus(t, first, http.StatusUnauthorized)
	first.Body.Close()

	second := c.do(http.MethodPost, "/v1/auth/login", "", body)
	expectStatus(t, second, http.StatusTooManyRequests)
	second.Body.Close()

	health := c.do(http.MethodGet, "/healthz", "", nil)
	expectStatus(t, health, http.StatusOK)
	health.Body.Close()
}

func TestHealthAndReadiness(t *testing.T) {
	api := New(nil, nil, ReadyProbe{Checks: []func(context.Context) error{
		func(context.Context) error { return errors.New("database unavailable") },
	}}, "test")
	handler := api.Handler()

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr.Header().Get(requestIDHeader) == "" {
		t.Fatal("expected request id header")
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}
