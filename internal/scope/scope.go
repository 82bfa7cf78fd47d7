// Package scope centralizes the authorization decision for all CheckAccess
// entry points. Services call Authorize instead of performing ad-hoc
// permission checks, so the matching rule lives and is tested in one place.
package scope

import "fmt"

// Scope describes a requested access grant: a namespace plus resource and
// action constraints. It is request-side state, never persisted as a grant.
// An empty Resources or Actions list means "no constraint on that dimension".
type Scope struct {
	Namespace            string   `json:"namespace"`
	Resources            []string `json:"resources"`
	Actions              []string `json:"actions"`
	NamespaceIndependent bool     `json:"namespace_independent,omitempty"`
}

// Grant is a policy's contribution as seen by the decision function: the
// namespace it applies to and the exact resource/action strings it grants.
// An empty Resources or Actions set grants nothing on that dimension; there
// is deliberately no wildcard convention.
type Grant struct {
	Namespace string
	Resources []string
	Actions   []string
}

// Decision is an authorization verdict with an operator-readable reason.
type Decision struct {
	Allowed bool
	Reason  string
}

const ReasonAllowed = "allowed"

// Authorize reports whether every requested scope is satisfied by at least
// one grant. A scope s is satisfied by grant g when the namespaces match (or
// s is namespace-independent) and s's resources and actions are each a
// subset of g's. All requested scopes must pass; an empty request is
// trivially allowed.
func Authorize(grants []Grant, requested []Scope) Decision {
	for i, s := range requested {
		if !satisfied(grants, s) {
			return Decision{
				Allowed: false,
				Reason:  fmt.Sprintf("scope %d (namespace %q) not granted by any policy", i, s.Namespace),
			}
		}
	}
	return Decision{Allowed: true, Reason: ReasonAllowed}
}

func satisfied(grants []Grant, s Scope) bool {
	for _, g := range grants {
		if !s.NamespaceIndependent && g.Namespace != s.Namespace {
			continue
		}
		if subset(s.Resources, g.Resources) && subset(s.Actions, g.Actions) {
			return true
		}
	}
	return false
}

// subset reports whether every element of want appears in have, by exact
// string comparison. An empty want is a subset of anything, including an
// empty have.
func subset(want, have []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, h := range have {
		set[h] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[w]; !ok {
			return false
		}
	}
	return true
}

// GrantsFromScopes treats already-issued scopes as the grant set for a
// follow-up check. A bearer token's embedded scopes bound what the token can
// authorize regardless of what the identity's policies currently allow.
func GrantsFromScopes(scopes []Scope) []Grant {
	out := make([]Grant, 0, len(scopes))
	for _, s := range scopes {
		out = append(out, Grant{
			Namespace: s.Namespace,
			Resources: append([]string(nil), s.Resources...),
			Actions:   append([]string(nil), s.Actions...),
		})
	}
	return out
}

// FromGrants mints the scopes equivalent to a grant set: one scope per
// grant, carrying everything the grant holds. Used when a token request
// asks for "everything the identity has".
func FromGrants(grants []Grant) []Scope {
	out := make([]Scope, 0, len(grants))
	for _, g := range grants {
		out = append(out, Scope{
			Namespace: g.Namespace,
			Resources: append([]string(nil), g.Resources...),
			Actions:   append([]string(nil), g.Actions...),
		})
	}
	return out
}
