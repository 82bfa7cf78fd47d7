// Package access front-ends the authorization decision: each CheckAccess
// variant verifies one credential kind, resolves the identity behind it and
// asks the scope authorizer whether the requested scopes are granted.
package access

import (
	"context"
	"errors"
	"fmt"

	"authcore.io/internal/audit"
	"authcore.io/internal/credential"
	"authcore.io/internal/directory"
	"authcore.io/internal/obs"
	"authcore.io/internal/scope"
	"authcore.io/internal/token"
)

// ErrIdentityNotActive reports a disabled identity presenting an otherwise
// valid credential on the trusted-identity path.
var ErrIdentityNotActive = errors.New("access: identity not active")

// Service composes the credential verifiers with the identity directory.
type Service struct {
	dir       *directory.Directory
	tokens    *token.Service
	passwords *credential.PasswordVerifier
	ca        *credential.CA
}

// New wires the access checker over its collaborators. Any verifier may be
// nil when the deployment does not use that credential kind; the matching
// CheckAccessWith* then fails with the verifier's configuration error.
func New(dir *directory.Directory, tokens *token.Service, passwords *credential.PasswordVerifier, ca *credential.CA) *Service {
	return &Service{dir: dir, tokens: tokens, passwords: passwords, ca: ca}
}

// CheckAccess authorizes requested scopes for an identity the caller has
// already authenticated by other means.
func (s *Service) CheckAccess(ctx context.Context, namespace, identityID string, requested []scope.Scope) (scope.Decision, error) {
	identity, err := s.dir.GetIdentity(ctx, namespace, identityID, true)
	if err != nil {
		return scope.Decision{}, err
	}
	if !identity.Active {
		return scope.Decision{}, ErrIdentityNotActive
	}
	return s.decide(ctx, "direct", identity, requested)
}

// CheckAccessWithPassword verifies the password first, then authorizes
// against the identity's current effective policies.
func (s *Service) CheckAccessWithPassword(ctx context.Context, namespace, identityID, password string, requested []scope.Scope) (scope.Decision, error) {
	identity, err := s.passwords.VerifyPassword(ctx, namespace, identityID, password)
	if err != nil {
		return scope.Decision{}, err
	}
	return s.decide(ctx, "password", identity, requested)
}

// CheckAccessWithToken verifies an access token and authorizes against the
// scopes embedded in it. A token minted for a narrow scope set cannot
// authorize beyond it even when the identity's policies would.
func (s *Service) CheckAccessWithToken(ctx context.Context, accessToken string, requested []scope.Scope) (scope.Decision, error) {
	claims, identity, err := s.tokens.VerifyAccess(ctx, accessToken)
	if err != nil {
		return scope.Decision{}, err
	}
	d := scope.Authorize(scope.GrantsFromScopes(claims.Scopes), requested)
	s.record(ctx, "token", identity, requested, d)
	return d, nil
}

// CheckAccessWithX509 validates a raw DER client certificate against the CA,
// requires the certificate record to be usable and authorizes the identity
// it was issued to.
func (s *Service) CheckAccessWithX509(ctx context.Context, rawCert []byte, requested []scope.Scope) (scope.Decision, error) {
	rec, err := s.ca.ValidateAndGetFromRaw(ctx, rawCert)
	if err != nil {
		return scope.Decision{}, err
	}
	if rec.Disabled {
		return scope.Decision{}, fmt.Errorf("%w: %s", credential.ErrCertDisabled, rec.ID)
	}
	identity, err := s.dir.GetIdentity(ctx, rec.Namespace, rec.Identity, true)
	if err != nil {
		return scope.Decision{}, err
	}
	if !identity.Active {
		return scope.Decision{}, ErrIdentityNotActive
	}
	return s.decide(ctx, "x509", identity, requested)
}

func (s *Service) decide(ctx context.Context, path string, identity directory.Identity, requested []scope.Scope) (scope.Decision, error) {
	effective, err := s.dir.EffectivePolicies(ctx, identity)
	if err != nil {
		return scope.Decision{}, err
	}
	d := scope.Authorize(directory.Grants(effective), requested)
	s.record(ctx, path, identity, requested, d)
	return d, nil
}

func (s *Service) record(ctx context.Context, path string, identity directory.Identity, requested []scope.Scope, d scope.Decision) {
	outcome := "denied"
	if d.Allowed {
		outcome = "allowed"
	}
	obs.AuthzDecision(path, outcome)
	if !d.Allowed {
		_ = audit.LogEvent(ctx, "authz.denied", map[string]any{
			"path":      path,
			"namespace": identity.Namespace,
			"identity":  identity.ID,
			"requested": requested,
			"reason":    d.Reason,
		})
	}
}
