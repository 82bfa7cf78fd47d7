package token

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"authcore.io/internal/cache"
	"authcore.io/internal/credential"
	"authcore.io/internal/directory"
	"authcore.io/internal/ids"
	"authcore.io/internal/scope"
	"authcore.io/internal/store"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 14 * 24 * time.Hour
	defaultIssuer     = "authcore"

	tokenCacheKind = "token"
)

// ExchangeFunc verifies a provider token with the external OAuth2
// collaborator and returns the provider-side subject id.
type ExchangeFunc func(ctx context.Context, provider, providerToken string) (externalID string, err error)

// Service implements the token lifecycle over the identity directory and
// the password verifier.
type Service struct {
	dir       *directory.Directory
	passwords *credential.PasswordVerifier
	store     store.Store
	cache     cache.Cache
	ttl       time.Duration

	key        *rsa.PrivateKey
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
	exchange   ExchangeFunc
}

// Option configures Service behavior.
type Option func(*Service)

// WithIssuer overrides the issuer claim.
func WithIssuer(issuer string) Option {
	return func(s *Service) {
		if issuer != "" {
			s.issuer = issuer
		}
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.accessTTL = ttl
		}
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithExchanger installs the OAuth2 provider-token exchange collaborator.
func WithExchanger(fn ExchangeFunc) Option {
	return func(s *Service) { s.exchange = fn }
}

// NewService constructs the token service with the RS256 signing key.
func NewService(dir *directory.Directory, passwords *credential.PasswordVerifier, st store.Store, c cache.Cache, keyPEM []byte, opts ...Option) (*Service, error) {
	key, err := credential.ParseRSAPrivateKey(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("token: parse signing key: %w", err)
	}
	s := &Service{
		dir:        dir,
		passwords:  passwords,
		store:      st,
		cache:      c,
		ttl:        cache.DefaultTTL,
		key:        key,
		issuer:     defaultIssuer,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// CreateWithPassword verifies the password and issues a token pair. An
// empty scope request grants everything the identity's effective policies
// allow; a non-empty request must already be authorized in full. Issuance
// never silently narrows or widens.
func (s *Service) CreateWithPassword(ctx context.Context, namespace, identityID, password string, scopes []scope.Scope, metadata map[string]string) (Pair, error) {
	identity, err := s.passwords.VerifyPassword(ctx, namespace, identityID, password)
	if err != nil {
		return Pair{}, err
	}
	return s.issueFor(ctx, identity, scopes, metadata)
}

// CreateWithOAuth2 exchanges an externally-verified provider token for the
// local identity mapped to (provider, external id), then issues a pair
// carrying everything that identity has.
func (s *Service) CreateWithOAuth2(ctx context.Context, provider, providerToken string, metadata map[string]string) (Pair, error) {
	if s.exchange == nil {
		return Pair{}, ErrOAuth2NotConfigured
	}
	externalID, err := s.exchange(ctx, provider, providerToken)
	if err != nil {
		return Pair{}, credential.ErrCredentialsInvalid
	}
	identity, err := s.dir.GetByServiceManagement(ctx, provider, externalID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return Pair{}, ErrIdentityNotFound
		}
		return Pair{}, err
	}
	if !identity.Active {
		return Pair{}, ErrIdentityNotActive
	}
	return s.issueFor(ctx, identity, nil, metadata)
}

func (s *Service) issueFor(ctx context.Context, identity directory.Identity, scopes []scope.Scope, metadata map[string]string) (Pair, error) {
	effective, err := s.dir.EffectivePolicies(ctx, identity)
	if err != nil {
		return Pair{}, err
	}
	grants := directory.Grants(effective)
	if len(scopes) == 0 {
		scopes = scope.FromGrants(grants)
	} else if d := scope.Authorize(grants, scopes); !d.Allowed {
		return Pair{}, fmt.Errorf("%w: %s", ErrUnauthorized, d.Reason)
	}

	now := s.now().UTC()
	rec := Record{
		Namespace: identity.Namespace,
		ID:        ids.New(),
		Identity:  identity.ID,
		Scopes:    scopes,
		Metadata:  metadata,
		ExpiresAt: now.Add(s.refreshTTL),
		CreatedAt: now,
	}
	if err := s.putRecord(ctx, rec, -1); err != nil {
		return Pair{}, err
	}

	accessExp := now.Add(s.accessTTL)
	access, err := s.sign(ids.New(), identity, scopes, false, now, accessExp)
	if err != nil {
		return Pair{}, err
	}
	refresh, err := s.sign(rec.ID, identity, nil, true, now, rec.ExpiresAt)
	if err != nil {
		return Pair{}, err
	}
	return Pair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: rec.ExpiresAt,
		Record:           rec,
	}, nil
}

// Refresh validates a refresh token and mints a new access token embedding
// the record's stored scopes. Each failure is a distinct status; the stored
// scopes are also re-checked against the identity's current policies so
// policy revocation invalidates outstanding refresh tokens.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (string, time.Time, error) {
	claims, err := s.Decode(refreshToken)
	if err != nil {
		return "", time.Time{}, ErrTokenInvalid
	}
	rec, err := s.Get(ctx, claims.Namespace, claims.ID, true)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) || errors.Is(err, directory.ErrNamespaceNotFound) || errors.Is(err, directory.ErrInvalidID) {
			return "", time.Time{}, ErrTokenNotFound
		}
		return "", time.Time{}, err
	}
	now := s.now()
	switch {
	case rec.Disabled:
		return "", time.Time{}, ErrTokenDisabled
	case now.After(rec.ExpiresAt):
		return "", time.Time{}, ErrTokenExpired
	}
	identity, err := s.dir.GetIdentity(ctx, rec.Namespace, rec.Identity, false)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return "", time.Time{}, ErrIdentityNotFound
		}
		return "", time.Time{}, err
	}
	if !identity.Active {
		return "", time.Time{}, ErrIdentityNotActive
	}
	if !claims.Refresh {
		return "", time.Time{}, ErrTokenNotRefresh
	}
	effective, err := s.dir.EffectivePolicies(ctx, identity)
	if err != nil {
		return "", time.Time{}, err
	}
	if d := scope.Authorize(directory.Grants(effective), rec.Scopes); !d.Allowed {
		return "", time.Time{}, fmt.Errorf("%w: %s", ErrIdentityUnauthenticated, d.Reason)
	}

	accessExp := now.UTC().Add(s.accessTTL)
	access, err := s.sign(ids.New(), identity, rec.Scopes, false, now.UTC(), accessExp)
	if err != nil {
		return "", time.Time{}, err
	}
	return access, accessExp, nil
}

// Decode verifies the signature and returns the claims. Expiry is checked
// by the caller against the appropriate source (embedded claim for access
// tokens, server record for refresh tokens).
func (s *Service) Decode(raw string) (Claims, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodRS256 {
			return nil, ErrTokenInvalid
		}
		return &s.key.PublicKey, nil
	}, jwt.WithoutClaimsValidation())
	if err != nil || !parsed.Valid {
		return Claims{}, ErrTokenInvalid
	}
	if claims.Issuer != s.issuer || claims.Subject == "" || claims.ID == "" || claims.ExpiresAt == nil {
		return Claims{}, ErrTokenInvalid
	}
	return claims, nil
}

// VerifyAccess validates an access token presented as a credential and
// resolves its identity. Refresh tokens are not accepted here.
func (s *Service) VerifyAccess(ctx context.Context, raw string) (Claims, directory.Identity, error) {
	claims, err := s.Decode(raw)
	if err != nil {
		return Claims{}, directory.Identity{}, ErrTokenInvalid
	}
	if claims.Refresh {
		return Claims{}, directory.Identity{}, ErrTokenInvalid
	}
	if s.now().After(claims.ExpiresAt.Time) {
		return Claims{}, directory.Identity{}, ErrTokenExpired
	}
	identity, err := s.dir.GetIdentity(ctx, claims.Namespace, claims.Subject, true)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) || errors.Is(err, directory.ErrNamespaceNotFound) || errors.Is(err, directory.ErrInvalidID) {
			return Claims{}, directory.Identity{}, ErrIdentityNotFound
		}
		return Claims{}, directory.Identity{}, err
	}
	if !identity.Active {
		return Claims{}, directory.Identity{}, ErrIdentityNotActive
	}
	return claims, identity, nil
}

// Get loads a token record, optionally through the cache.
func (s *Service) Get(ctx context.Context, namespace, id string, useCache bool) (Record, error) {
	if !ids.Valid(id) {
		return Record{}, directory.ErrInvalidID
	}
	load := func(ctx context.Context) (Record, error) {
		raw, err := s.store.Get(ctx, namespace, store.CollectionTokens, id)
		if err != nil {
			switch {
			case errors.Is(err, store.ErrNotFound):
				return Record{}, ErrTokenNotFound
			case errors.Is(err, store.ErrNamespaceNotFound):
				return Record{}, directory.ErrNamespaceNotFound
			}
			return Record{}, err
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return Record{}, fmt.Errorf("decode token record %s/%s: %w", namespace, id, err)
		}
		return rec, nil
	}
	if !useCache {
		return load(ctx)
	}
	return cache.ReadThrough(ctx, s.cache, cache.EntityKey(tokenCacheKind, namespace, id), s.ttl, load)
}

// Disable marks a refresh token record unusable without deleting the audit
// trail. The write is conditional on the version read so a concurrent
// record mutation cannot resurrect a disable.
func (s *Service) Disable(ctx context.Context, namespace, id string) (Record, error) {
	rec, err := s.Get(ctx, namespace, id, false)
	if err != nil {
		return Record{}, err
	}
	expected := rec.Version
	rec.Disabled = true
	rec.Version++
	if err := s.putRecord(ctx, rec, expected); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Delete removes a token record. Deleting an absent id is a no-op success,
// any number of times.
func (s *Service) Delete(ctx context.Context, namespace, id string) error {
	if !ids.Valid(id) {
		return directory.ErrInvalidID
	}
	if _, err := s.store.Delete(ctx, namespace, store.CollectionTokens, id); err != nil {
		if errors.Is(err, store.ErrNamespaceNotFound) {
			return directory.ErrNamespaceNotFound
		}
		return err
	}
	s.invalidate(ctx, namespace, id)
	return nil
}

func (s *Service) sign(id string, identity directory.Identity, scopes []scope.Scope, refresh bool, now, exp time.Time) (string, error) {
	if scopes == nil {
		scopes = []scope.Scope{}
	}
	claims := Claims{
		Namespace: identity.Namespace,
		Scopes:    scopes,
		Refresh:   refresh,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   identity.ID,
			ID:        id,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (s *Service) putRecord(ctx context.Context, rec Record, expected int64) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.store.PutIfVersion(ctx, rec.Namespace, store.CollectionTokens, rec.ID, raw, expected); err != nil {
		switch {
		case errors.Is(err, store.ErrNamespaceNotFound):
			return directory.ErrNamespaceNotFound
		case errors.Is(err, store.ErrVersionConflict):
			return directory.ErrConflict
		case errors.Is(err, store.ErrNotFound):
			return ErrTokenNotFound
		}
		return err
	}
	s.invalidate(ctx, rec.Namespace, rec.ID)
	return nil
}

// Token records have no collection listing, so only the entity key exists.
func (s *Service) invalidate(ctx context.Context, namespace, id string) {
	cache.Invalidate(ctx, s.cache, cache.EntityKey(tokenCacheKind, namespace, id))
}
