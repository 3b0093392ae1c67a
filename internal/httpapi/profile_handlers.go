package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"profilevault.org/internal/audit"
	"profilevault.org/internal/auth"
	"profilevault.org/internal/history"
	"profilevault.org/internal/profile"
)

type syncRequest struct {
	Data json.RawMessage `json:"data,omitempty"`
}

type shareRequest struct {
	TeamID string `json:"teamId"`
}

type teamShareRequest struct {
	ProfileID string `json:"profileId"`
}

type clientProfileResponse struct {
	Profile *profile.ClientProfile `json:"profile"`
}

type createTeamRequest struct {
	Name string `json:"name"`
}

type addMemberRequest struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

type adminCreateProfileRequest struct {
	OwnerID string `json:"ownerId"`
	profile.Input
}

type listResponse[T any] struct {
	Items []T `json:"items"`
}

func (a *API) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	p, err := principalFrom(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	items, err := a.profiles.List(r.Context(), p)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[profile.Profile]{Items: nonNil(items)})
}

func (a *API) handleCreateProfile(w http.ResponseWriter, r *http.Request) {
	p, err := principalFrom(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	var in profile.Input
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	created, err := a.profiles.Create(r.Context(), p, in)
	if err != nil {
		handleError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/profiles/%s", created.ID))
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := principalFrom(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	got, err := a.profiles.Get(r.Context(), p, r.PathValue("id"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, got)
}

func (a *API) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	p, err := principalFrom(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	var patch profile.Patch
	if err := decodeJSON(w, r, &patch); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	updated, err := a.profiles.Update(r.Context(), p, r.PathValue("id"), patch)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *API) handleDeleteProfile(w http.ResponseWriter, r *http.Request) {
	p, err := principalFrom(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	id := r.PathValue("id")
	if err := a.profiles.Delete(r.Context(), p, id); err != nil {
		handleError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "profile.delete", map[string]any{"profile_id": id})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleCloneProfile(w http.ResponseWriter, r *http.Request) {
	p, err := principalFrom(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	id := r.PathValue("id")
	clone, err := a.profiles.Clone(r.Context(), p, id)
	if err != nil {
		handleError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "profile.clone", map[string]any{"profile_id": id, "clone_id": clone.ID})
	w.Header().Set("Location", fmt.Sprintf("/v1/profiles/%s", clone.ID))
	writeJSON(w, http.StatusCreated, clone)
}

// handleSyncProfile accepts an optional {"data": ...} body; without data the
// profile itself is synced.
func (a *API) handleSyncProfile(w http.ResponseWriter, r *http.Request) {
	p, err := principalFrom(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	var req syncRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}
	id := r.PathValue("id")
	cs, err := a.profiles.Sync(r.Context(), p, id, req.Data)
	if err != nil {
		handleError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "profile.sync", map[string]any{"profile_id": id, "key_id": cs.Envelope.KeyID})
	writeJSON(w, http.StatusOK, cs)
}

func (a *API) handleFetchSync(w http.ResponseWriter, r *http.Request) {
	p, err := principalFrom(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	data, err := a.profiles.FetchSync(r.Context(), p, r.PathValue("id"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, syncRequest{Data: data})
}

func (a *API) handleShareProfile(w http.ResponseWriter, r *http.Request) {
	p, err := principalFrom(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	var req shareRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	id := r.PathValue("id")
	shared, err := a.profiles.Share(r.Context(), p, id, req.TeamID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "profile.share", map[string]any{"profile_id": id, "team_id": req.TeamID})
	writeJSON(w, http.StatusOK, shared)
}

func (a *API) handleProfileHistory(w http.ResponseWriter, r *http.Request) {
	p, err := principalFrom(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	entries, err := a.profiles.History(r.Context(), p, r.PathValue("id"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[history.Entry]{Items: nonNil(entries)})
}

func (a *API) handleClientProfile(w http.ResponseWriter, r *http.Request) {
	p, err := principalFrom(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	cp, err := a.profiles.ClientProfile(r.Context(), p)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, clientProfileResponse{Profile: cp})
}

func (a *API) handleTeamShareProfile(w http.ResponseWriter, r *http.Request) {
	p, err := principalFrom(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	var req teamShareRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	teamID := r.PathValue("id")
	team, err := a.profiles.ShareWithTeam(r.Context(), p, teamID, req.ProfileID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "profile.share", map[string]any{"profile_id": req.ProfileID, "team_id": teamID})
	writeJSON(w, http.StatusOK, team)
}

func (a *API) handleListTeams(w http.ResponseWriter, r *http.Request) {
	p, err := principalFrom(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	teams, err := a.profiles.ListTeams(r.Context(), p)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[profile.Team]{Items: nonNil(teams)})
}

func (a *API) handleCreateTeam(w http.ResponseWriter, r *http.Request) {
	p, err := principalFrom(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	var req createTeamRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	team, err := a.profiles.CreateTeam(r.Context(), p, req.Name)
	if err != nil {
		handleError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/teams/%s", team.ID))
	writeJSON(w, http.StatusCreated, team)
}

func (a *API) handleAddMember(w http.ResponseWriter, r *http.Request) {
	p, err := principalFrom(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	var req addMemberRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	teamID := r.PathValue("id")
	team, err := a.profiles.AddMember(r.Context(), p, teamID, req.UserID, req.Role)
	if err != nil {
		handleError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "team.member.add", map[string]any{"team_id": teamID, "user_id": req.UserID, "role": req.Role})
	writeJSON(w, http.StatusOK, team)
}

func (a *API) handleAdminCreateProfile(w http.ResponseWriter, r *http.Request) {
	p, err := auth.RequireRole(r.Context(), auth.RoleAdmin)
	if err != nil {
		handleError(w, r, err)
		return
	}
	var req adminCreateProfileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	created, err := a.profiles.AdminCreateProfile(r.Context(), p, req.OwnerID, req.Input)
	if err != nil {
		handleError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "admin.profile.create", map[string]any{"profile_id": created.ID, "owner_id": created.OwnerID})
	w.Header().Set("Location", fmt.Sprintf("/v1/profiles/%s", created.ID))
	writeJSON(w, http.StatusCreated, created)
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
