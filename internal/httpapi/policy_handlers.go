package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"authcore.io/internal/audit"
	"authcore.io/internal/directory"
)

type createPolicyRequest struct {
	Name      string   `json:"name"`
	Resources []string `json:"resources"`
	Actions   []string `json:"actions"`
}

type updatePolicyRequest struct {
	Name      *string  `json:"name"`
	Resources []string `json:"resources"`
	Actions   []string `json:"actions"`
}

type createRoleRequest struct {
	Name     string          `json:"name"`
	Policies []directory.Ref `json:"policies"`
}

func (a *API) createPolicy(w http.ResponseWriter, r *http.Request) {
	ns := namespaceParam(r)
	var req createPolicyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_body", "name is required")
		return
	}
	policy, err := a.dir.CreatePolicy(r.Context(), ns, req.Name, req.Resources, req.Actions)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "directory.policy.create", map[string]any{
		"namespace": ns, "policy": policy.ID, "name": policy.Name,
	})
	w.Header().Set("Location", fmt.Sprintf("/v1/namespaces/%s/policies/%s", ns, policy.ID))
	writeJSON(w, http.StatusCreated, policy)
}

func (a *API) getPolicy(w http.ResponseWriter, r *http.Request) {
	policy, err := a.dir.GetPolicy(r.Context(), namespaceParam(r), chi.URLParam(r, "id"), useCacheParam(r))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, policy)
}

func (a *API) listPolicies(w http.ResponseWriter, r *http.Request) {
	ns := namespaceParam(r)
	limit, offset := pageParams(r)
	items, err := a.dir.ListPolicies(r.Context(), ns, limit, offset, useCacheParam(r))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	total, err := a.dir.CountPolicies(r.Context(), ns)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.Header().Set("X-Total-Count", fmt.Sprintf("%d", total))
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": total})
}

func (a *API) updatePolicy(w http.ResponseWriter, r *http.Request) {
	ns, id := namespaceParam(r), chi.URLParam(r, "id")
	var req updatePolicyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	policy, err := a.dir.UpdatePolicy(r.Context(), ns, id, directory.PolicyUpdate{
		Name:      req.Name,
		Resources: req.Resources,
		Actions:   req.Actions,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "directory.policy.update", map[string]any{
		"namespace": ns, "policy": id,
	})
	writeJSON(w, http.StatusOK, policy)
}

func (a *API) deletePolicy(w http.ResponseWriter, r *http.Request) {
	ns, id := namespaceParam(r), chi.URLParam(r, "id")
	existed, err := a.dir.DeletePolicy(r.Context(), ns, id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if existed {
		_ = audit.LogEvent(r.Context(), "directory.policy.delete", map[string]any{
			"namespace": ns, "policy": id,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"existed": existed})
}

func (a *API) createRole(w http.ResponseWriter, r *http.Request) {
	ns := namespaceParam(r)
	var req createRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_body", "name is required")
		return
	}
	role, err := a.dir.CreateRole(r.Context(), ns, req.Name, req.Policies)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "directory.role.create", map[string]any{
		"namespace": ns, "role": role.ID, "name": role.Name,
	})
	w.Header().Set("Location", fmt.Sprintf("/v1/namespaces/%s/roles/%s", ns, role.ID))
	writeJSON(w, http.StatusCreated, role)
}

func (a *API) getRole(w http.ResponseWriter, r *http.Request) {
	role, err := a.dir.GetRole(r.Context(), namespaceParam(r), chi.URLParam(r, "id"), useCacheParam(r))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (a *API) listRoles(w http.ResponseWriter, r *http.Request) {
	ns := namespaceParam(r)
	limit, offset := pageParams(r)
	items, err := a.dir.ListRoles(r.Context(), ns, limit, offset, useCacheParam(r))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	total, err := a.dir.CountRoles(r.Context(), ns)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.Header().Set("X-Total-Count", fmt.Sprintf("%d", total))
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": total})
}

func (a *API) deleteRole(w http.ResponseWriter, r *http.Request) {
	ns, id := namespaceParam(r), chi.URLParam(r, "id")
	existed, err := a.dir.DeleteRole(r.Context(), ns, id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if existed {
		_ = audit.LogEvent(r.Context(), "directory.role.delete", map[string]any{
			"namespace": ns, "role": id,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"existed": existed})
}

func (a *API) addRolePolicy(w http.ResponseWriter, r *http.Request) {
	ns, id := namespaceParam(r), chi.URLParam(r, "id")
	var req refRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	role, err := a.dir.AddRolePolicy(r.Context(), ns, id, req.ref())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (a *API) removeRolePolicy(w http.ResponseWriter, r *http.Request) {
	ns, id := namespaceParam(r), chi.URLParam(r, "id")
	var req refRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	role, err := a.dir.RemoveRolePolicy(r.Context(), ns, id, req.ref())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}
