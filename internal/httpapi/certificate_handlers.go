package httpapi

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"authcore.io/internal/audit"
	"authcore.io/internal/obs"
)

type createCertificateRequest struct {
	Identity     string `json:"identity"`
	PublicKeyDER []byte `json:"public_key_der"`
	Description  string `json:"description"`
}

// certificateResponse carries the signed DER bytes next to the stored
// record; JSON encodes the DER as base64.
type certificateResponse struct {
	Certificate []byte `json:"certificate"`
	Record      any    `json:"record"`
}

// requireCA rejects certificate operations when no CA key material was
// configured at startup.
func (a *API) requireCA(w http.ResponseWriter, r *http.Request) bool {
	if a.ca == nil {
		writeError(w, r, http.StatusServiceUnavailable, "ca_unavailable", "certificate authority not configured")
		return false
	}
	return true
}

func (a *API) createCertificate(w http.ResponseWriter, r *http.Request) {
	if !a.requireCA(w, r) {
		return
	}
	ns := namespaceParam(r)
	var req createCertificateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if len(req.PublicKeyDER) == 0 {
		writeError(w, r, http.StatusBadRequest, "invalid_body", "public_key_der is required")
		return
	}
	der, rec, err := a.ca.RegisterAndGenerate(r.Context(), ns, req.Identity, req.PublicKeyDER, req.Description)
	if err != nil {
		obs.CertOperation("issue", "error")
		handleServiceError(w, r, err)
		return
	}
	obs.CertOperation("issue", "ok")
	_ = audit.LogEvent(r.Context(), "credential.certificate.issue", map[string]any{
		"namespace": ns, "certificate": rec.ID, "identity": rec.Identity,
	})
	w.Header().Set("Location", fmt.Sprintf("/v1/namespaces/%s/certificates/%s", ns, rec.ID))
	writeJSON(w, http.StatusCreated, certificateResponse{Certificate: der, Record: rec})
}

func (a *API) regenerateCertificate(w http.ResponseWriter, r *http.Request) {
	if !a.requireCA(w, r) {
		return
	}
	ns, id := namespaceParam(r), chi.URLParam(r, "id")
	der, rec, err := a.ca.Regenerate(r.Context(), ns, id)
	if err != nil {
		obs.CertOperation("regenerate", "error")
		handleServiceError(w, r, err)
		return
	}
	obs.CertOperation("regenerate", "ok")
	_ = audit.LogEvent(r.Context(), "credential.certificate.regenerate", map[string]any{
		"namespace": ns, "certificate": rec.ID,
	})
	writeJSON(w, http.StatusOK, certificateResponse{Certificate: der, Record: rec})
}

func (a *API) getCertificate(w http.ResponseWriter, r *http.Request) {
	if !a.requireCA(w, r) {
		return
	}
	rec, err := a.ca.Get(r.Context(), namespaceParam(r), chi.URLParam(r, "id"), useCacheParam(r))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) listCertificates(w http.ResponseWriter, r *http.Request) {
	if !a.requireCA(w, r) {
		return
	}
	ns := namespaceParam(r)
	limit, offset := pageParams(r)
	items, err := a.ca.List(r.Context(), ns, limit, offset, useCacheParam(r))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) disableCertificate(w http.ResponseWriter, r *http.Request) {
	if !a.requireCA(w, r) {
		return
	}
	ns, id := namespaceParam(r), chi.URLParam(r, "id")
	wasActive, err := a.ca.Disable(r.Context(), ns, id)
	if err != nil {
		obs.CertOperation("disable", "error")
		handleServiceError(w, r, err)
		return
	}
	obs.CertOperation("disable", "ok")
	_ = audit.LogEvent(r.Context(), "credential.certificate.disable", map[string]any{
		"namespace": ns, "certificate": id, "was_active": wasActive,
	})
	writeJSON(w, http.StatusOK, map[string]any{"was_active": wasActive})
}

func (a *API) deleteCertificate(w http.ResponseWriter, r *http.Request) {
	if !a.requireCA(w, r) {
		return
	}
	ns, id := namespaceParam(r), chi.URLParam(r, "id")
	existed, err := a.ca.Delete(r.Context(), ns, id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if existed {
		_ = audit.LogEvent(r.Context(), "credential.certificate.delete", map[string]any{
			"namespace": ns, "certificate": id,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"existed": existed})
}
