package directory

import (
	"context"
	"errors"

	"authcore.io/internal/scope"
)

// EffectivePolicies returns the deduplicated union of the identity's
// directly-assigned policies and the policies reachable through its roles
// (one hop). Dangling references (a policy or role deleted after
// assignment, or a reference into a deprovisioned namespace) contribute
// nothing and are skipped silently; a missing grant must never read as
// "grants everything" or surface as an error to the authorization caller.
func (d *Directory) EffectivePolicies(ctx context.Context, identity Identity) ([]Policy, error) {
	seen := make(map[Ref]struct{})
	var out []Policy

	appendPolicy := func(ref Ref) error {
		if _, ok := seen[ref]; ok {
			return nil
		}
		seen[ref] = struct{}{}
		policy, err := d.GetPolicy(ctx, ref.Namespace, ref.ID, true)
		if err != nil {
			if isDangling(err) {
				return nil
			}
			return err
		}
		out = append(out, policy)
		return nil
	}

	for _, ref := range identity.Policies {
		if err := appendPolicy(ref); err != nil {
			return nil, err
		}
	}
	for _, roleRef := range identity.Roles {
		role, err := d.GetRole(ctx, roleRef.Namespace, roleRef.ID, true)
		if err != nil {
			if isDangling(err) {
				continue
			}
			return nil, err
		}
		for _, ref := range role.Policies {
			if err := appendPolicy(ref); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// isDangling classifies resolution failures that mean "the referent is
// gone", as opposed to store errors that must propagate.
func isDangling(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrNamespaceNotFound) ||
		errors.Is(err, ErrInvalidID)
}

// Grants converts policies to the decision function's view.
func Grants(policies []Policy) []scope.Grant {
	out := make([]scope.Grant, 0, len(policies))
	for _, p := range policies {
		out = append(out, scope.Grant{
			Namespace: p.Namespace,
			Resources: p.Resources,
			Actions:   p.Actions,
		})
	}
	return out
}
