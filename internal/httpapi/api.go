// Package httpapi exposes the directory, credential, token and authorization
// services over REST. Handlers translate service sentinel errors into the
// gRPC code taxonomy and from there into HTTP statuses, attaching a machine
// readable reason alongside the coarse code.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"authcore.io/internal/access"
	"authcore.io/internal/credential"
	"authcore.io/internal/directory"
	"authcore.io/internal/obs"
	"authcore.io/internal/store"
	"authcore.io/internal/token"
)

const serviceName = "authcore-api"

// ReadyProbe checks the backing dependencies before the service reports
// ready. Nil members are skipped so memory-backed deployments stay green.
type ReadyProbe struct {
	DB    *sql.DB
	Redis *redis.Client
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Redis != nil {
		if err := rp.Redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Config wires the API's collaborators.
type Config struct {
	Store      store.Store
	Directory  *directory.Directory
	Tokens     *token.Service
	Passwords  *credential.PasswordVerifier
	CA         *credential.CA
	Access     *access.Service
	ReadyProbe ReadyProbe
	Version    string

	// Rate limit knobs; zero values disable the limiter.
	RateBurst     int
	RatePerSecond int
}

// API is the HTTP layer.
type API struct {
	router     chi.Router
	store      store.Store
	dir        *directory.Directory
	tokens     *token.Service
	passwords  *credential.PasswordVerifier
	ca         *credential.CA
	access     *access.Service
	readyProbe ReadyProbe
	version    string
}

func New(cfg Config) *API {
	a := &API{
		router:     chi.NewRouter(),
		store:      cfg.Store,
		dir:        cfg.Directory,
		tokens:     cfg.Tokens,
		passwords:  cfg.Passwords,
		ca:         cfg.CA,
		access:     cfg.Access,
		readyProbe: cfg.ReadyProbe,
		version:    cfg.Version,
	}

	r := a.router
	r.Use(RequestID)
	r.Use(Logging)
	r.Use(SecurityHeaders)
	if cfg.RateBurst > 0 && cfg.RatePerSecond > 0 {
		r.Use(RateLimit(cfg.RateBurst, cfg.RatePerSecond))
	}

	r.Get("/healthz", a.healthz)
	r.Get("/readyz", a.readyz)
	r.Handle("/metrics", obs.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Put("/namespaces/{namespace}", a.ensureNamespace)
		r.Get("/namespaces/{namespace}", a.getNamespace)

		r.Route("/namespaces/{namespace}/identities", func(r chi.Router) {
			r.Post("/", a.createIdentity)
			r.Get("/", a.listIdentities)
			r.Get("/{id}", a.getIdentity)
			r.Delete("/{id}", a.deleteIdentity)
			r.Patch("/{id}", a.updateIdentity)
			r.Put("/{id}/password", a.setPassword)
			r.Post("/{id}/policies", a.addIdentityPolicy)
			r.Delete("/{id}/policies", a.removeIdentityPolicy)
			r.Post("/{id}/roles", a.addIdentityRole)
			r.Delete("/{id}/roles", a.removeIdentityRole)
		})

		r.Route("/namespaces/{namespace}/policies", func(r chi.Router) {
			r.Post("/", a.createPolicy)
			r.Get("/", a.listPolicies)
			r.Get("/{id}", a.getPolicy)
			r.Patch("/{id}", a.updatePolicy)
			r.Delete("/{id}", a.deletePolicy)
		})

		r.Route("/namespaces/{namespace}/roles", func(r chi.Router) {
			r.Post("/", a.createRole)
			r.Get("/", a.listRoles)
			r.Get("/{id}", a.getRole)
			r.Delete("/{id}", a.deleteRole)
			r.Post("/{id}/policies", a.addRolePolicy)
			r.Delete("/{id}/policies", a.removeRolePolicy)
		})

		r.Route("/namespaces/{namespace}/certificates", func(r chi.Router) {
			r.Post("/", a.createCertificate)
			r.Get("/", a.listCertificates)
			r.Get("/{id}", a.getCertificate)
			r.Delete("/{id}", a.deleteCertificate)
			r.Post("/{id}/regenerate", a.regenerateCertificate)
			r.Post("/{id}/disable", a.disableCertificate)
		})

		r.Get("/namespaces/{namespace}/tokens/{id}", a.getToken)
		r.Delete("/namespaces/{namespace}/tokens/{id}", a.deleteToken)
		r.Post("/namespaces/{namespace}/tokens/{id}/disable", a.disableToken)

		r.Post("/tokens", a.createToken)
		r.Post("/tokens/oauth2", a.createTokenOAuth2)
		r.Post("/tokens/refresh", a.refreshToken)

		r.Post("/authorize", a.authorize)
		r.Post("/authorize/password", a.authorizePassword)
		r.Post("/authorize/token", a.authorizeToken)
		r.Post("/authorize/x509", a.authorizeX509)
	})

	return a
}

// Handler wraps the router with request metrics.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.router)
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) readyz(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) ensureNamespace(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "namespace")
	if name == "-" {
		// Reserved: "-" addresses the global partition, which is always
		// available and never provisioned.
		writeError(w, r, http.StatusBadRequest, "invalid_namespace", "namespace name is reserved")
		return
	}
	if strings.TrimSpace(name) == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_namespace", "namespace is required")
		return
	}
	if err := a.store.EnsureNamespace(r.Context(), name); err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"namespace": name})
}

func (a *API) getNamespace(w http.ResponseWriter, r *http.Request) {
	name := namespaceParam(r)
	ok, err := a.store.NamespaceExists(r.Context(), name)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if !ok {
		writeError(w, r, http.StatusNotFound, "namespace_not_found", "namespace not provisioned")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"namespace": name})
}

// --- helpers ---

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func useCacheParam(r *http.Request) bool {
	return r.URL.Query().Get("cache") != "false"
}

// namespaceParam resolves the {namespace} route segment. The engine treats
// the empty string as the always-available global partition, but an empty
// path segment never matches a route, so "-" addresses it instead.
func namespaceParam(r *http.Request) string {
	ns := chi.URLParam(r, "namespace")
	if ns == "-" {
		return ""
	}
	return ns
}

func pageParams(r *http.Request) (limit, offset int) {
	limit, offset = 100, 0
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		if n, err := parseBoundedInt(v, 1, 1000); err == nil {
			limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := parseBoundedInt(v, 0, 1<<30); err == nil {
			offset = n
		}
	}
	return limit, offset
}

func parseBoundedInt(raw string, min, max int) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n < min || n > max {
		return 0, errors.New("out of range")
	}
	return n, nil
}
