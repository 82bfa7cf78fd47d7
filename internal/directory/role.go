package directory

import (
	"context"
	"encoding/json"
	"fmt"

	"authcore.io/internal/cache"
	"authcore.io/internal/ids"
	"authcore.io/internal/store"
)

// CreateRole provisions a role bundling the given policy references.
func (d *Directory) CreateRole(ctx context.Context, namespace, name string, policies []Ref) (Role, error) {
	now := d.now().UTC()
	role := Role{
		Namespace: namespace,
		ID:        ids.New(),
		Name:      name,
		Policies:  append([]Ref{}, policies...),
		Version:   0,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := d.putRole(ctx, role, -1); err != nil {
		return Role{}, err
	}
	return role, nil
}

// GetRole loads a role, optionally through the cache.
func (d *Directory) GetRole(ctx context.Context, namespace, id string, useCache bool) (Role, error) {
	if !ids.Valid(id) {
		return Role{}, ErrInvalidID
	}
	load := func(ctx context.Context) (Role, error) {
		raw, err := d.store.Get(ctx, namespace, store.CollectionRoles, id)
		if err != nil {
			return Role{}, translateStoreErr(err)
		}
		var role Role
		if err := json.Unmarshal(raw, &role); err != nil {
			return Role{}, fmt.Errorf("decode role %s/%s: %w", namespace, id, err)
		}
		return role, nil
	}
	if !useCache {
		return load(ctx)
	}
	return cache.ReadThrough(ctx, d.cache, cache.EntityKey(kindRole, namespace, id), d.ttl, load)
}

// DeleteRole removes a role, reporting whether it existed.
func (d *Directory) DeleteRole(ctx context.Context, namespace, id string) (bool, error) {
	if !ids.Valid(id) {
		return false, ErrInvalidID
	}
	existed, err := d.store.Delete(ctx, namespace, store.CollectionRoles, id)
	if err != nil {
		return false, translateStoreErr(err)
	}
	d.invalidateRole(ctx, namespace, id)
	return existed, nil
}

// ListRoles pages through a namespace's roles ordered by id, from the
// list-tag cache entry when allowed.
func (d *Directory) ListRoles(ctx context.Context, namespace string, limit, offset int, useCache bool) ([]Role, error) {
	return listThrough[Role](ctx, d, kindRole, store.CollectionRoles, namespace, limit, offset, useCache)
}

// CountRoles reports the namespace's role total for list pagination.
func (d *Directory) CountRoles(ctx context.Context, namespace string) (int64, error) {
	n, err := d.store.Count(ctx, namespace, store.CollectionRoles)
	if err != nil {
		return 0, translateStoreErr(err)
	}
	return n, nil
}

// AddRolePolicy attaches a policy reference to a role. Idempotent.
func (d *Directory) AddRolePolicy(ctx context.Context, namespace, id string, ref Ref) (Role, error) {
	return d.mutateRole(ctx, namespace, id, func(role *Role) {
		if !containsRef(role.Policies, ref) {
			role.Policies = append(role.Policies, ref)
		}
	})
}

// RemoveRolePolicy detaches a policy reference from a role.
func (d *Directory) RemoveRolePolicy(ctx context.Context, namespace, id string, ref Ref) (Role, error) {
	return d.mutateRole(ctx, namespace, id, func(role *Role) {
		role.Policies = removeRef(role.Policies, ref)
	})
}

// mutateRole writes conditionally on the version read, like mutateIdentity.
func (d *Directory) mutateRole(ctx context.Context, namespace, id string, fn func(*Role)) (Role, error) {
	role, err := d.GetRole(ctx, namespace, id, false)
	if err != nil {
		return Role{}, err
	}
	expected := role.Version
	fn(&role)
	role.Version++
	role.UpdatedAt = d.now().UTC()
	if err := d.putRole(ctx, role, expected); err != nil {
		return Role{}, err
	}
	return role, nil
}

func (d *Directory) putRole(ctx context.Context, role Role, expected int64) error {
	raw, err := json.Marshal(role)
	if err != nil {
		return fmt.Errorf("encode role: %w", err)
	}
	if err := d.store.PutIfVersion(ctx, role.Namespace, store.CollectionRoles, role.ID, raw, expected); err != nil {
		return translateStoreErr(err)
	}
	d.invalidateRole(ctx, role.Namespace, role.ID)
	return nil
}

func (d *Directory) invalidateRole(ctx context.Context, namespace, id string) {
	cache.Invalidate(ctx, d.cache,
		cache.EntityKey(kindRole, namespace, id),
		cache.ListKey(kindRole, namespace),
		cache.ListKey(kindRole, ""),
	)
}
