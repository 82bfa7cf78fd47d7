package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"authcore.io/internal/audit"
	"authcore.io/internal/obs"
	"authcore.io/internal/scope"
)

type createTokenRequest struct {
	Namespace string            `json:"namespace"`
	Identity  string            `json:"identity"`
	Password  string            `json:"password"`
	Scopes    []scope.Scope     `json:"scopes"`
	Metadata  map[string]string `json:"metadata"`
}

type createTokenOAuth2Request struct {
	Provider      string            `json:"provider"`
	ProviderToken string            `json:"provider_token"`
	Metadata      map[string]string `json:"metadata"`
}

type refreshTokenRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshTokenResponse struct {
	AccessToken     string    `json:"access_token"`
	AccessExpiresAt time.Time `json:"access_expires_at"`
}

func (a *API) createToken(w http.ResponseWriter, r *http.Request) {
	var req createTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	pair, err := a.tokens.CreateWithPassword(r.Context(), req.Namespace, req.Identity, req.Password, req.Scopes, req.Metadata)
	if err != nil {
		obs.TokenOperation("create", "error")
		handleServiceError(w, r, err)
		return
	}
	obs.TokenOperation("create", "ok")
	_ = audit.LogEvent(r.Context(), "token.issue", map[string]any{
		"namespace": pair.Record.Namespace, "identity": pair.Record.Identity, "token": pair.Record.ID,
	})
	writeJSON(w, http.StatusCreated, pair)
}

func (a *API) createTokenOAuth2(w http.ResponseWriter, r *http.Request) {
	var req createTokenOAuth2Request
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	pair, err := a.tokens.CreateWithOAuth2(r.Context(), req.Provider, req.ProviderToken, req.Metadata)
	if err != nil {
		obs.TokenOperation("create_oauth2", "error")
		handleServiceError(w, r, err)
		return
	}
	obs.TokenOperation("create_oauth2", "ok")
	_ = audit.LogEvent(r.Context(), "token.issue_oauth2", map[string]any{
		"namespace": pair.Record.Namespace, "identity": pair.Record.Identity,
		"token": pair.Record.ID, "provider": req.Provider,
	})
	writeJSON(w, http.StatusCreated, pair)
}

func (a *API) refreshToken(w http.ResponseWriter, r *http.Request) {
	var req refreshTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	access, expiresAt, err := a.tokens.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		obs.TokenOperation("refresh", "error")
		handleServiceError(w, r, err)
		return
	}
	obs.TokenOperation("refresh", "ok")
	writeJSON(w, http.StatusOK, refreshTokenResponse{
		AccessToken:     access,
		AccessExpiresAt: expiresAt,
	})
}

func (a *API) getToken(w http.ResponseWriter, r *http.Request) {
	rec, err := a.tokens.Get(r.Context(), namespaceParam(r), chi.URLParam(r, "id"), useCacheParam(r))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) disableToken(w http.ResponseWriter, r *http.Request) {
	ns, id := namespaceParam(r), chi.URLParam(r, "id")
	rec, err := a.tokens.Disable(r.Context(), ns, id)
	if err != nil {
		obs.TokenOperation("disable", "error")
		handleServiceError(w, r, err)
		return
	}
	obs.TokenOperation("disable", "ok")
	_ = audit.LogEvent(r.Context(), "token.disable", map[string]any{
		"namespace": ns, "token": id,
	})
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) deleteToken(w http.ResponseWriter, r *http.Request) {
	ns, id := namespaceParam(r), chi.URLParam(r, "id")
	if err := a.tokens.Delete(r.Context(), ns, id); err != nil {
		obs.TokenOperation("delete", "error")
		handleServiceError(w, r, err)
		return
	}
	obs.TokenOperation("delete", "ok")
	_ = audit.LogEvent(r.Context(), "token.delete", map[string]any{
		"namespace": ns, "token": id,
	})
	w.WriteHeader(http.StatusNoContent)
}
