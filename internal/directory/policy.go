package directory

import (
	"context"
	"encoding/json"
	"fmt"

	"authcore.io/internal/cache"
	"authcore.io/internal/ids"
	"authcore.io/internal/store"
)

// CreatePolicy provisions a new policy in the namespace.
func (d *Directory) CreatePolicy(ctx context.Context, namespace, name string, resources, actions []string) (Policy, error) {
	now := d.now().UTC()
	policy := Policy{
		Namespace: namespace,
		ID:        ids.New(),
		Name:      name,
		Resources: dedupe(resources),
		Actions:   dedupe(actions),
		Version:   0,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := d.putPolicy(ctx, policy, -1); err != nil {
		return Policy{}, err
	}
	return policy, nil
}

// GetPolicy loads a policy, optionally through the cache.
func (d *Directory) GetPolicy(ctx context.Context, namespace, id string, useCache bool) (Policy, error) {
	if !ids.Valid(id) {
		return Policy{}, ErrInvalidID
	}
	load := func(ctx context.Context) (Policy, error) {
		raw, err := d.store.Get(ctx, namespace, store.CollectionPolicies, id)
		if err != nil {
			return Policy{}, translateStoreErr(err)
		}
		var policy Policy
		if err := json.Unmarshal(raw, &policy); err != nil {
			return Policy{}, fmt.Errorf("decode policy %s/%s: %w", namespace, id, err)
		}
		return policy, nil
	}
	if !useCache {
		return load(ctx)
	}
	return cache.ReadThrough(ctx, d.cache, cache.EntityKey(kindPolicy, namespace, id), d.ttl, load)
}

// UpdatePolicy applies the non-nil fields of upd. The write is conditional
// on the version read; a concurrent mutation surfaces as ErrConflict.
func (d *Directory) UpdatePolicy(ctx context.Context, namespace, id string, upd PolicyUpdate) (Policy, error) {
	if !ids.Valid(id) {
		return Policy{}, ErrInvalidID
	}
	policy, err := d.GetPolicy(ctx, namespace, id, false)
	if err != nil {
		return Policy{}, err
	}
	expected := policy.Version
	if upd.Name != nil {
		policy.Name = *upd.Name
	}
	if upd.Resources != nil {
		policy.Resources = dedupe(upd.Resources)
	}
	if upd.Actions != nil {
		policy.Actions = dedupe(upd.Actions)
	}
	policy.Version++
	policy.UpdatedAt = d.now().UTC()
	if err := d.putPolicy(ctx, policy, expected); err != nil {
		return Policy{}, err
	}
	return policy, nil
}

// DeletePolicy removes a policy, reporting whether it existed. Identities
// still referencing it keep their dangling refs; resolution skips them.
func (d *Directory) DeletePolicy(ctx context.Context, namespace, id string) (bool, error) {
	if !ids.Valid(id) {
		return false, ErrInvalidID
	}
	existed, err := d.store.Delete(ctx, namespace, store.CollectionPolicies, id)
	if err != nil {
		return false, translateStoreErr(err)
	}
	d.invalidatePolicy(ctx, namespace, id)
	return existed, nil
}

// ListPolicies pages through a namespace's policies ordered by id, from
// the list-tag cache entry when allowed.
func (d *Directory) ListPolicies(ctx context.Context, namespace string, limit, offset int, useCache bool) ([]Policy, error) {
	return listThrough[Policy](ctx, d, kindPolicy, store.CollectionPolicies, namespace, limit, offset, useCache)
}

// CountPolicies returns the namespace's policy count.
func (d *Directory) CountPolicies(ctx context.Context, namespace string) (int64, error) {
	n, err := d.store.Count(ctx, namespace, store.CollectionPolicies)
	return n, translateStoreErr(err)
}

func (d *Directory) putPolicy(ctx context.Context, policy Policy, expected int64) error {
	raw, err := json.Marshal(policy)
	if err != nil {
		return fmt.Errorf("encode policy: %w", err)
	}
	if err := d.store.PutIfVersion(ctx, policy.Namespace, store.CollectionPolicies, policy.ID, raw, expected); err != nil {
		return translateStoreErr(err)
	}
	d.invalidatePolicy(ctx, policy.Namespace, policy.ID)
	return nil
}

func (d *Directory) invalidatePolicy(ctx context.Context, namespace, id string) {
	cache.Invalidate(ctx, d.cache,
		cache.EntityKey(kindPolicy, namespace, id),
		cache.ListKey(kindPolicy, namespace),
		cache.ListKey(kindPolicy, ""),
	)
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
