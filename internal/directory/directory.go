// Package directory owns Identity, Policy and Role records and resolves an
// identity's effective policy set. All lookups are namespace-scoped; reads
// may be served from the cache, and every mutation invalidates the affected
// cache keys before returning.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"authcore.io/internal/cache"
	"authcore.io/internal/ids"
	"authcore.io/internal/store"
)

var (
	ErrNotFound          = errors.New("directory: not found")
	ErrInvalidID         = errors.New("directory: invalid id")
	ErrNamespaceNotFound = errors.New("directory: namespace not found")
	ErrAlreadyExists     = errors.New("directory: already exists")
	// ErrConflict reports that a mutation lost to a concurrent one on the
	// same entity. The losing write is discarded, never merged; the caller
	// owns retry policy.
	ErrConflict = errors.New("directory: concurrent modification")
)

// Cache entity kinds, also the key-scheme prefixes.
const (
	kindIdentity = "identity"
	kindPolicy   = "policy"
	kindRole     = "role"
)

// Directory provides identity/policy/role storage and resolution.
type Directory struct {
	store store.Store
	cache cache.Cache
	ttl   time.Duration
	now   func() time.Time
}

// Option configures Directory behavior.
type Option func(*Directory)

// WithCacheTTL overrides the default entity cache TTL.
func WithCacheTTL(ttl time.Duration) Option {
	return func(d *Directory) {
		if ttl > 0 {
			d.ttl = ttl
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(d *Directory) {
		if fn != nil {
			d.now = fn
		}
	}
}

// New constructs a Directory over the given store and cache.
func New(st store.Store, c cache.Cache, opts ...Option) *Directory {
	d := &Directory{
		store: st,
		cache: c,
		ttl:   cache.DefaultTTL,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func translateStoreErr(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, store.ErrNamespaceNotFound):
		return ErrNamespaceNotFound
	case errors.Is(err, store.ErrVersionConflict):
		return ErrConflict
	default:
		return err
	}
}

// CreateIdentity provisions a new identity in the namespace. Fails with
// ErrNamespaceNotFound when the partition was never provisioned, and with
// ErrAlreadyExists when a service-managed identity with the same
// (service, managementID) pair already exists.
func (d *Directory) CreateIdentity(ctx context.Context, namespace, name string, active bool, mgmt Management) (Identity, error) {
	service, _, managementID, managed := mgmt.Service()
	if managed {
		existing, err := d.GetByServiceManagement(ctx, service, managementID)
		if err == nil {
			return Identity{}, fmt.Errorf("%w: identity %s/%s manages %s:%s",
				ErrAlreadyExists, existing.Namespace, existing.ID, service, managementID)
		}
		if !errors.Is(err, ErrNotFound) {
			return Identity{}, err
		}
	}
	now := d.now().UTC()
	identity := Identity{
		Namespace:  namespace,
		ID:         ids.New(),
		Name:       name,
		Active:     active,
		Management: mgmt,
		Policies:   []Ref{},
		Roles:      []Ref{},
		Version:    0,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := d.putIdentity(ctx, identity, -1); err != nil {
		return Identity{}, err
	}
	if managed {
		// A racer can slip past the pre-check between its read and our
		// write. Re-check after writing; on a collision the in-flight
		// create yields so an already-acknowledged one is never undone.
		other, err := d.serviceManagementPeer(ctx, service, managementID, identity.ID)
		if err != nil {
			return Identity{}, err
		}
		if other != nil {
			if _, err := d.DeleteIdentity(ctx, namespace, identity.ID); err != nil {
				return Identity{}, err
			}
			return Identity{}, fmt.Errorf("%w: identity %s/%s manages %s:%s",
				ErrAlreadyExists, other.Namespace, other.ID, service, managementID)
		}
	}
	return identity, nil
}

// serviceManagementPeer returns another identity managed by the same
// (service, managementID) pair, or nil when selfID is the only one.
func (d *Directory) serviceManagementPeer(ctx context.Context, service, managementID, selfID string) (*Identity, error) {
	docs, err := d.store.FindAnyNamespace(ctx, store.CollectionIdentities,
		[]string{"management", "management_id"}, managementID)
	if err != nil {
		return nil, translateStoreErr(err)
	}
	for _, raw := range docs {
		var identity Identity
		if err := json.Unmarshal(raw, &identity); err != nil {
			continue
		}
		svc, _, _, ok := identity.Management.Service()
		if ok && svc == service && identity.ID != selfID {
			return &identity, nil
		}
	}
	return nil, nil
}

// GetIdentity loads an identity, optionally through the cache.
func (d *Directory) GetIdentity(ctx context.Context, namespace, id string, useCache bool) (Identity, error) {
	if !ids.Valid(id) {
		return Identity{}, ErrInvalidID
	}
	load := func(ctx context.Context) (Identity, error) {
		raw, err := d.store.Get(ctx, namespace, store.CollectionIdentities, id)
		if err != nil {
			return Identity{}, translateStoreErr(err)
		}
		var identity Identity
		if err := json.Unmarshal(raw, &identity); err != nil {
			return Identity{}, fmt.Errorf("decode identity %s/%s: %w", namespace, id, err)
		}
		return identity, nil
	}
	if !useCache {
		return load(ctx)
	}
	return cache.ReadThrough(ctx, d.cache, cache.EntityKey(kindIdentity, namespace, id), d.ttl, load)
}

// IdentityExists reports existence without surfacing the record.
func (d *Directory) IdentityExists(ctx context.Context, namespace, id string, useCache bool) (bool, error) {
	_, err := d.GetIdentity(ctx, namespace, id, useCache)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// DeleteIdentity removes an identity, reporting whether it existed.
func (d *Directory) DeleteIdentity(ctx context.Context, namespace, id string) (bool, error) {
	if !ids.Valid(id) {
		return false, ErrInvalidID
	}
	existed, err := d.store.Delete(ctx, namespace, store.CollectionIdentities, id)
	if err != nil {
		return false, translateStoreErr(err)
	}
	d.invalidateIdentity(ctx, namespace, id)
	return existed, nil
}

// ListIdentities pages through a namespace's identities ordered by id.
// Cached reads page over the collection's list-tag entry; every mutation
// invalidates it. Uncached reads page in the store.
func (d *Directory) ListIdentities(ctx context.Context, namespace string, limit, offset int, useCache bool) ([]Identity, error) {
	return listThrough[Identity](ctx, d, kindIdentity, store.CollectionIdentities, namespace, limit, offset, useCache)
}

// listThrough serves a collection read, from the list-tag cache entry when
// allowed. The cache holds the full collection; paging happens after.
func listThrough[T any](ctx context.Context, d *Directory, kind, collection, namespace string, limit, offset int, useCache bool) ([]T, error) {
	if !useCache {
		docs, err := d.store.List(ctx, namespace, collection, limit, offset)
		if err != nil {
			return nil, translateStoreErr(err)
		}
		return decodeList[T](docs, namespace)
	}
	all, err := cache.ReadThrough(ctx, d.cache, cache.ListKey(kind, namespace), d.ttl,
		func(ctx context.Context) ([]T, error) {
			docs, err := d.store.List(ctx, namespace, collection, 0, 0)
			if err != nil {
				return nil, translateStoreErr(err)
			}
			return decodeList[T](docs, namespace)
		})
	if err != nil {
		return nil, err
	}
	return store.Page(all, limit, offset), nil
}

func decodeList[T any](docs [][]byte, namespace string) ([]T, error) {
	out := make([]T, 0, len(docs))
	for _, raw := range docs {
		var item T
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, fmt.Errorf("decode list in %q: %w", namespace, err)
		}
		out = append(out, item)
	}
	return out, nil
}

// CountIdentities returns the namespace's identity count.
func (d *Directory) CountIdentities(ctx context.Context, namespace string) (int64, error) {
	n, err := d.store.Count(ctx, namespace, store.CollectionIdentities)
	return n, translateStoreErr(err)
}

// GetByServiceManagement resolves the identity controlled by the given
// external service and management id, searching every namespace: management
// ids are unique per service across tenants.
func (d *Directory) GetByServiceManagement(ctx context.Context, service, managementID string) (Identity, error) {
	docs, err := d.store.FindAnyNamespace(ctx, store.CollectionIdentities,
		[]string{"management", "management_id"}, managementID)
	if err != nil {
		return Identity{}, translateStoreErr(err)
	}
	for _, raw := range docs {
		var identity Identity
		if err := json.Unmarshal(raw, &identity); err != nil {
			continue
		}
		svc, _, _, ok := identity.Management.Service()
		if ok && svc == service {
			return identity, nil
		}
	}
	return Identity{}, fmt.Errorf("%w: no identity managed by %s:%s", ErrNotFound, service, managementID)
}

// UpdateIdentityName renames an identity.
func (d *Directory) UpdateIdentityName(ctx context.Context, namespace, id, name string) (Identity, error) {
	return d.mutateIdentity(ctx, namespace, id, func(identity *Identity) {
		identity.Name = name
	})
}

// SetActive flips the active flag. An inactive identity fails every
// credential verification path regardless of otherwise-valid credentials.
func (d *Directory) SetActive(ctx context.Context, namespace, id string, active bool) (Identity, error) {
	return d.mutateIdentity(ctx, namespace, id, func(identity *Identity) {
		identity.Active = active
	})
}

// AddPolicy attaches a policy reference. Idempotent: re-adding a present
// reference is a no-op that still returns current state.
func (d *Directory) AddPolicy(ctx context.Context, namespace, id string, ref Ref) (Identity, error) {
	return d.mutateIdentity(ctx, namespace, id, func(identity *Identity) {
		if !containsRef(identity.Policies, ref) {
			identity.Policies = append(identity.Policies, ref)
		}
	})
}

// RemovePolicy detaches a policy reference. Removing an absent reference is
// a no-op.
func (d *Directory) RemovePolicy(ctx context.Context, namespace, id string, ref Ref) (Identity, error) {
	return d.mutateIdentity(ctx, namespace, id, func(identity *Identity) {
		identity.Policies = removeRef(identity.Policies, ref)
	})
}

// AddRole attaches a role reference. Idempotent like AddPolicy.
func (d *Directory) AddRole(ctx context.Context, namespace, id string, ref Ref) (Identity, error) {
	return d.mutateIdentity(ctx, namespace, id, func(identity *Identity) {
		if !containsRef(identity.Roles, ref) {
			identity.Roles = append(identity.Roles, ref)
		}
	})
}

// RemoveRole detaches a role reference.
func (d *Directory) RemoveRole(ctx context.Context, namespace, id string, ref Ref) (Identity, error) {
	return d.mutateIdentity(ctx, namespace, id, func(identity *Identity) {
		identity.Roles = removeRef(identity.Roles, ref)
	})
}

// mutateIdentity applies fn to the stored record, bumps the version and
// invalidates the cache before returning. Even a no-op mutation writes and
// bumps: version is the cache-consistency signal, not a change detector.
// The write is conditional on the version read, so a concurrent mutation
// surfaces as ErrConflict instead of silently dropping one of the writes.
func (d *Directory) mutateIdentity(ctx context.Context, namespace, id string, fn func(*Identity)) (Identity, error) {
	identity, err := d.GetIdentity(ctx, namespace, id, false)
	if err != nil {
		return Identity{}, err
	}
	expected := identity.Version
	fn(&identity)
	identity.Version++
	identity.UpdatedAt = d.now().UTC()
	if err := d.putIdentity(ctx, identity, expected); err != nil {
		return Identity{}, err
	}
	return identity, nil
}

func (d *Directory) putIdentity(ctx context.Context, identity Identity, expected int64) error {
	raw, err := json.Marshal(identity)
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}
	if err := d.store.PutIfVersion(ctx, identity.Namespace, store.CollectionIdentities, identity.ID, raw, expected); err != nil {
		return translateStoreErr(err)
	}
	d.invalidateIdentity(ctx, identity.Namespace, identity.ID)
	return nil
}

func (d *Directory) invalidateIdentity(ctx context.Context, namespace, id string) {
	cache.Invalidate(ctx, d.cache,
		cache.EntityKey(kindIdentity, namespace, id),
		cache.ListKey(kindIdentity, namespace),
		cache.ListKey(kindIdentity, ""),
	)
}
