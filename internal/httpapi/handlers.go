// Package httpapi exposes accounts, profiles and teams over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"profilevault.org/internal/auth"
	"profilevault.org/internal/obs"
	"profilevault.org/internal/profile"
)

// Pinger is anything whose availability gates readiness, such as a database pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe checks the dependencies the service cannot run without.
type ReadyProbe struct {
	DB     Pinger
	Checks []func(context.Context) error
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.Ping(ctx); err != nil {
			return err
		}
	}
	for _, check := range rp.Checks {
		if err := check(ctx); err != nil {
			return err
		}
	}
	return nil
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	accounts   *auth.Service
	profiles   *profile.Service
	readyProbe ReadyProbe
	version    string
	rateBurst  int
	ratePerSec int
}

// Option configures API.
type Option func(*API)

// WithRateLimit sets the per-client token bucket applied to /v1/auth routes.
func WithRateLimit(burst, perSecond int) Option {
	return func(a *API) {
		if burst > 0 && perSecond > 0 {
			a.rateBurst, a.ratePerSec = burst, perSecond
		}
	}
}

func New(accounts *auth.Service, profiles *profile.Service, rp ReadyProbe, version string, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		accounts:   accounts,
		profiles:   profiles,
		readyProbe: rp,
		version:    version,
		rateBurst:  10,
		ratePerSec: 5,
	}
	for _, opt := range opts {
		opt(a)
	}

	// health/ready
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.Handle("GET /metrics", obs.Handler())

	authMux := http.NewServeMux()
	authMux.HandleFunc("POST /v1/auth/register", a.handleRegister)
	authMux.HandleFunc("POST /v1/auth/login", a.handleLogin)
	authMux.HandleFunc("POST /v1/auth/refresh", a.handleRefresh)
	authMux.HandleFunc("POST /v1/auth/logout", a.handleLogout)
	authMux.HandleFunc("GET /v1/auth/me", a.handleMe)
	a.mux.Handle("/v1/auth/", RateLimit(authMux, a.rateBurst, a.ratePerSec))

	a.mux.HandleFunc("GET /v1/profiles", a.handleListProfiles)
	a.mux.HandleFunc("POST /v1/profiles", a.handleCreateProfile)
	a.mux.HandleFunc("GET /v1/profiles/{id}", a.handleGetProfile)
	a.mux.HandleFunc("PATCH /v1/profiles/{id}", a.handleUpdateProfile)
	a.mux.HandleFunc("DELETE /v1/profiles/{id}", a.handleDeleteProfile)
	a.mux.HandleFunc("POST /v1/profiles/{id}/clone", a.handleCloneProfile)
	a.mux.HandleFunc("POST /v1/profiles/{id}/sync", a.handleSyncProfile)
	a.mux.HandleFunc("GET /v1/profiles/{id}/sync", a.handleFetchSync)
	a.mux.HandleFunc("POST /v1/profiles/{id}/share", a.handleShareProfile)
	a.mux.HandleFunc("GET /v1/profiles/{id}/history", a.handleProfileHistory)

	a.mux.HandleFunc("GET /v1/teams", a.handleListTeams)
	a.mux.HandleFunc("POST /v1/teams", a.handleCreateTeam)
	a.mux.HandleFunc("POST /v1/teams/{id}/members", a.handleAddMember)
	a.mux.HandleFunc("POST /v1/teams/{id}/share-profile", a.handleTeamShareProfile)

	a.mux.HandleFunc("GET /v1/client/profile", a.handleClientProfile)

	a.mux.HandleFunc("POST /v1/admin/profiles", a.handleAdminCreateProfile)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.withAuth(a.mux)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "profilevault-api",
		"version": a.version,
		"commit":  obs.CurrentBuild().Commit,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.readyProbe.Check(ctx); err != nil {
		obs.Warn("readiness check failed", map[string]any{"error": err.Error()})
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
