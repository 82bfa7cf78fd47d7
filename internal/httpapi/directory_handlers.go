package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"authcore.io/internal/audit"
	"authcore.io/internal/directory"
)

type createIdentityRequest struct {
	Name       string               `json:"name"`
	Active     bool                 `json:"active"`
	Management directory.Management `json:"management"`
}

type updateIdentityRequest struct {
	Name   *string `json:"name"`
	Active *bool   `json:"active"`
}

type setPasswordRequest struct {
	Password string `json:"password"`
}

type refRequest struct {
	Namespace string `json:"namespace"`
	ID        string `json:"id"`
}

func (req refRequest) ref() directory.Ref {
	return directory.Ref{Namespace: req.Namespace, ID: req.ID}
}

func (a *API) createIdentity(w http.ResponseWriter, r *http.Request) {
	ns := namespaceParam(r)
	var req createIdentityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_body", "name is required")
		return
	}
	identity, err := a.dir.CreateIdentity(r.Context(), ns, req.Name, req.Active, req.Management)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "directory.identity.create", map[string]any{
		"namespace": ns, "identity": identity.ID, "name": identity.Name,
	})
	w.Header().Set("Location", fmt.Sprintf("/v1/namespaces/%s/identities/%s", ns, identity.ID))
	writeJSON(w, http.StatusCreated, identity)
}

func (a *API) getIdentity(w http.ResponseWriter, r *http.Request) {
	identity, err := a.dir.GetIdentity(r.Context(), namespaceParam(r), chi.URLParam(r, "id"), useCacheParam(r))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, identity)
}

func (a *API) listIdentities(w http.ResponseWriter, r *http.Request) {
	ns := namespaceParam(r)
	limit, offset := pageParams(r)
	items, err := a.dir.ListIdentities(r.Context(), ns, limit, offset, useCacheParam(r))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	total, err := a.dir.CountIdentities(r.Context(), ns)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.Header().Set("X-Total-Count", fmt.Sprintf("%d", total))
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": total})
}

func (a *API) deleteIdentity(w http.ResponseWriter, r *http.Request) {
	ns, id := namespaceParam(r), chi.URLParam(r, "id")
	existed, err := a.dir.DeleteIdentity(r.Context(), ns, id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if existed {
		_ = audit.LogEvent(r.Context(), "directory.identity.delete", map[string]any{
			"namespace": ns, "identity": id,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"existed": existed})
}

func (a *API) updateIdentity(w http.ResponseWriter, r *http.Request) {
	ns, id := namespaceParam(r), chi.URLParam(r, "id")
	var req updateIdentityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if req.Name == nil && req.Active == nil {
		writeError(w, r, http.StatusBadRequest, "invalid_body", "nothing to update")
		return
	}
	var (
		identity directory.Identity
		err      error
	)
	if req.Name != nil {
		identity, err = a.dir.UpdateIdentityName(r.Context(), ns, id, *req.Name)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
	}
	if req.Active != nil {
		identity, err = a.dir.SetActive(r.Context(), ns, id, *req.Active)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, identity)
}

func (a *API) setPassword(w http.ResponseWriter, r *http.Request) {
	ns, id := namespaceParam(r), chi.URLParam(r, "id")
	var req setPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_body", "password is required")
		return
	}
	if err := a.passwords.SetPassword(r.Context(), ns, id, req.Password); err != nil {
		handleServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "credential.password.set", map[string]any{
		"namespace": ns, "identity": id,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) addIdentityPolicy(w http.ResponseWriter, r *http.Request) {
	a.mutateIdentityRefs(w, r, a.dir.AddPolicy, "directory.identity.policy.add")
}

func (a *API) removeIdentityPolicy(w http.ResponseWriter, r *http.Request) {
	a.mutateIdentityRefs(w, r, a.dir.RemovePolicy, "directory.identity.policy.remove")
}

func (a *API) addIdentityRole(w http.ResponseWriter, r *http.Request) {
	a.mutateIdentityRefs(w, r, a.dir.AddRole, "directory.identity.role.add")
}

func (a *API) removeIdentityRole(w http.ResponseWriter, r *http.Request) {
	a.mutateIdentityRefs(w, r, a.dir.RemoveRole, "directory.identity.role.remove")
}

func (a *API) mutateIdentityRefs(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, namespace, id string, ref directory.Ref) (directory.Identity, error), event string) {
	ns, id := namespaceParam(r), chi.URLParam(r, "id")
	var req refRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	identity, err := op(r.Context(), ns, id, req.ref())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), event, map[string]any{
		"namespace": ns, "identity": id, "ref_namespace": req.Namespace, "ref_id": req.ID,
	})
	writeJSON(w, http.StatusOK, identity)
}
