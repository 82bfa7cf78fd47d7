package httpapi

import (
	"net/http"

	"authcore.io/internal/scope"
)

type authorizeRequest struct {
	Namespace string        `json:"namespace"`
	Identity  string        `json:"identity"`
	Scopes    []scope.Scope `json:"scopes"`
}

type authorizePasswordRequest struct {
	Namespace string        `json:"namespace"`
	Identity  string        `json:"identity"`
	Password  string        `json:"password"`
	Scopes    []scope.Scope `json:"scopes"`
}

type authorizeTokenRequest struct {
	AccessToken string        `json:"access_token"`
	Scopes      []scope.Scope `json:"scopes"`
}

type authorizeX509Request struct {
	Certificate []byte        `json:"certificate"`
	Scopes      []scope.Scope `json:"scopes"`
}

type authorizeResponse struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

func (a *API) authorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	d, err := a.access.CheckAccess(r.Context(), req.Namespace, req.Identity, req.Scopes)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, authorizeResponse{Allowed: d.Allowed, Reason: d.Reason})
}

func (a *API) authorizePassword(w http.ResponseWriter, r *http.Request) {
	var req authorizePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	d, err := a.access.CheckAccessWithPassword(r.Context(), req.Namespace, req.Identity, req.Password, req.Scopes)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, authorizeResponse{Allowed: d.Allowed, Reason: d.Reason})
}

func (a *API) authorizeToken(w http.ResponseWriter, r *http.Request) {
	var req authorizeTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	d, err := a.access.CheckAccessWithToken(r.Context(), req.AccessToken, req.Scopes)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, authorizeResponse{Allowed: d.Allowed, Reason: d.Reason})
}

func (a *API) authorizeX509(w http.ResponseWriter, r *http.Request) {
	if !a.requireCA(w, r) {
		return
	}
	var req authorizeX509Request
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	d, err := a.access.CheckAccessWithX509(r.Context(), req.Certificate, req.Scopes)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, authorizeResponse{Allowed: d.Allowed, Reason: d.Reason})
}
