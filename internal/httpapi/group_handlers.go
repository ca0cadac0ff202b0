package httpapi

import (
	"net/http"

	"pallas.athemath.org/internal/identity"
)

type createGroupRequest struct {
	Name string `json:"name"`
}

// handleGroups serves the group collection: POST creates, GET lists the
// caller's memberships (staff may name another user).
func (a *API) handleGroups(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createGroup(w, r)
	case http.MethodGet:
		a.listGroups(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) createGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	res, err := a.identity.CreateGroup(r.Context(), a.actor(r), req.Name)
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (a *API) listGroups(w http.ResponseWriter, r *http.Request) {
	res, err := a.identity.ListMyGroups(r.Context(), a.actor(r), r.URL.Query().Get("username"))
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleGroupsAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	res, err := a.identity.ListAllGroups(r.Context(), a.actor(r))
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleGroupInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	ref := identity.GroupRef{
		Name: r.URL.Query().Get("name"),
		ID:   r.URL.Query().Get("id"),
	}
	res, err := a.identity.GroupInfo(r.Context(), a.actor(r), ref)
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type addMemberRequest struct {
	Group    string `json:"group"`
	Username string `json:"username"`
}

// handleGroupMembers appends a user to a group. A refused add (unknown
// user, already a member) is a 200 with success=false; the explicit flag
// is the outcome, not the status code.
func (a *API) handleGroupMembers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req addMemberRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	res, err := a.identity.AddGroupMember(r.Context(), a.actor(r), req.Group, req.Username)
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
