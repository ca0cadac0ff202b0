package httpapi

import (
	"net/http"

	"pallas.athemath.org/internal/identity"
)

type emailInitiateRequest struct {
	Email string `json:"email"`
}

func (a *API) handleEmailInitiate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req emailInitiateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	res, err := a.identity.InitiateEmailChange(r.Context(), a.actor(r), req.Email)
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type emailVerifyRequest struct {
	Key string `json:"key"`
}

func (a *API) handleEmailVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req emailVerifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	res, err := a.identity.VerifyEmailChange(r.Context(), a.actor(r), req.Key)
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type passwordRequest struct {
	Password string `json:"password"`
}

func (a *API) handlePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req passwordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	res, err := a.identity.ChangePassword(r.Context(), a.actor(r), req.Password)
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleUserInfo serves the projected user record. The target travels in
// query parameters; an absent target means the caller's own record.
func (a *API) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	ref := identity.UserRef{
		Username: r.URL.Query().Get("username"),
		ID:       r.URL.Query().Get("id"),
	}
	res, err := a.identity.UserInfo(r.Context(), a.actor(r), ref)
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
