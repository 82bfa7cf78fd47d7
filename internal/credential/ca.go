package credential

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"authcore.io/internal/cache"
	"authcore.io/internal/directory"
	"authcore.io/internal/ids"
	"authcore.io/internal/store"
)

var (
	// ErrCertInvalidFormat: the raw bytes do not parse as DER.
	ErrCertInvalidFormat = errors.New("credential: certificate format invalid")
	// ErrCertSignatureInvalid: parsed but does not chain to the root CA.
	ErrCertSignatureInvalid = errors.New("credential: certificate signature invalid")
	// ErrCertNotFound: well-formed and signed, but no matching record. A
	// deleted record makes the still-cryptographically-valid bytes unusable.
	ErrCertNotFound = errors.New("credential: certificate not found")
	// ErrCertDisabled: the record exists but was disabled. Only issuing a
	// new certificate restores access; there is no enable.
	ErrCertDisabled = errors.New("credential: certificate disabled")
)

const (
	certCacheKind   = "certificate"
	defaultValidity = 365 * 24 * time.Hour
)

// Certificate is the lookup record for an issued client certificate.
// Deleting it does not cryptographically revoke the signed bytes a holder
// possesses; it removes the row every use must re-check.
type Certificate struct {
	Namespace    string    `json:"namespace"`
	ID           string    `json:"id"`
	Identity     string    `json:"identity"`
	Disabled     bool      `json:"disabled"`
	Description  string    `json:"description"`
	PublicKeyDER []byte    `json:"public_key_der"`
	Version      int64     `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CA issues and validates X509 client certificates against the service's
// internal root. The signing key is read-only at request time, so concurrent
// issuance needs no serialization.
type CA struct {
	store store.Store
	dir   *directory.Directory
	cache cache.Cache
	ttl   time.Duration

	key      *rsa.PrivateKey
	cert     *x509.Certificate
	roots    *x509.CertPool
	validity time.Duration
	now      func() time.Time
}

// CAOption configures the authority.
type CAOption func(*CA)

// WithValidity overrides issued-certificate lifetime.
func WithValidity(d time.Duration) CAOption {
	return func(ca *CA) {
		if d > 0 {
			ca.validity = d
		}
	}
}

// WithCAClock overrides the time source (useful for tests).
func WithCAClock(fn func() time.Time) CAOption {
	return func(ca *CA) {
		if fn != nil {
			ca.now = fn
		}
	}
}

// NewCA loads the root key and certificate from PEM.
func NewCA(st store.Store, dir *directory.Directory, c cache.Cache, keyPEM, certPEM []byte, opts ...CAOption) (*CA, error) {
	key, err := ParseRSAPrivateKey(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("ca: parse private key: %w", err)
	}
	cert, err := ParseCertificate(certPEM)
	if err != nil {
		return nil, fmt.Errorf("ca: parse root certificate: %w", err)
	}
	roots := x509.NewCertPool()
	roots.AddCert(cert)
	ca := &CA{
		store:    st,
		dir:      dir,
		cache:    c,
		ttl:      cache.DefaultTTL,
		key:      key,
		cert:     cert,
		roots:    roots,
		validity: defaultValidity,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(ca)
	}
	return ca, nil
}

// RegisterAndGenerate creates a Certificate record for the identity and
// signs an X509 certificate over the supplied public key. Returns the signed
// DER bytes alongside the record.
func (ca *CA) RegisterAndGenerate(ctx context.Context, namespace, identityID string, publicKeyDER []byte, description string) ([]byte, Certificate, error) {
	if !ids.Valid(identityID) {
		return nil, Certificate{}, directory.ErrInvalidID
	}
	if _, err := ca.dir.GetIdentity(ctx, namespace, identityID, false); err != nil {
		return nil, Certificate{}, err
	}
	now := ca.now().UTC()
	rec := Certificate{
		Namespace:    namespace,
		ID:           ids.New(),
		Identity:     identityID,
		Description:  description,
		PublicKeyDER: publicKeyDER,
		Version:      0,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	der, err := ca.sign(rec)
	if err != nil {
		return nil, Certificate{}, err
	}
	if err := ca.putRecord(ctx, rec, -1); err != nil {
		return nil, Certificate{}, err
	}
	return der, rec, nil
}

// Regenerate re-signs a certificate for the same stored public key and
// record. It does not accept a new public key. The record write is
// conditional on the version read; a concurrent mutation surfaces as
// directory.ErrConflict.
func (ca *CA) Regenerate(ctx context.Context, namespace, id string) ([]byte, Certificate, error) {
	rec, err := ca.getRecord(ctx, namespace, id, false)
	if err != nil {
		return nil, Certificate{}, err
	}
	expected := rec.Version
	rec.Version++
	rec.UpdatedAt = ca.now().UTC()
	der, err := ca.sign(rec)
	if err != nil {
		return nil, Certificate{}, err
	}
	if err := ca.putRecord(ctx, rec, expected); err != nil {
		return nil, Certificate{}, err
	}
	return der, rec, nil
}

// ValidateAndGetFromRaw parses the DER certificate, checks it chains to the
// internal root, and resolves the embedded record reference. Failure order:
// format, then signature, then lookup.
func (ca *CA) ValidateAndGetFromRaw(ctx context.Context, raw []byte) (Certificate, error) {
	cert, err := x509.ParseCertificate(raw)
	if err != nil {
		return Certificate{}, ErrCertInvalidFormat
	}
	if _, err := cert.Verify(x509.VerifyOptions{
		Roots:       ca.roots,
		CurrentTime: ca.now(),
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}); err != nil {
		return Certificate{}, ErrCertSignatureInvalid
	}
	namespace := store.GlobalNamespace
	if len(cert.Subject.OrganizationalUnit) > 0 {
		namespace = cert.Subject.OrganizationalUnit[0]
	}
	id := fmt.Sprintf("%024x", cert.SerialNumber)
	rec, err := ca.getRecord(ctx, namespace, id, true)
	switch {
	case err == nil:
		return rec, nil
	case errors.Is(err, ErrCertNotFound),
		errors.Is(err, directory.ErrNamespaceNotFound),
		errors.Is(err, directory.ErrInvalidID):
		// Record gone, namespace deprovisioned, or a serial we never
		// issued: the certificate is unusable. Anything else is a store
		// failure and must not read as a revocation.
		return Certificate{}, ErrCertNotFound
	default:
		return Certificate{}, err
	}
}

// Disable marks the certificate unusable, reporting whether it was usable
// beforehand. There is no re-enable; issue a new certificate instead. The
// write is conditional on the version read so a concurrent mutation cannot
// resurrect a disable.
func (ca *CA) Disable(ctx context.Context, namespace, id string) (bool, error) {
	rec, err := ca.getRecord(ctx, namespace, id, false)
	if err != nil {
		return false, err
	}
	expected := rec.Version
	wasActive := !rec.Disabled
	rec.Disabled = true
	rec.Version++
	rec.UpdatedAt = ca.now().UTC()
	if err := ca.putRecord(ctx, rec, expected); err != nil {
		return false, err
	}
	return wasActive, nil
}

// Delete removes the lookup record, reporting whether it existed. The raw
// signed bytes a holder possesses remain cryptographically valid forever;
// absence of the record is what blocks their use.
func (ca *CA) Delete(ctx context.Context, namespace, id string) (bool, error) {
	if !ids.Valid(id) {
		return false, directory.ErrInvalidID
	}
	existed, err := ca.store.Delete(ctx, namespace, store.CollectionCertificates, id)
	if err != nil {
		return false, translateCertStoreErr(err)
	}
	ca.invalidate(ctx, namespace, id)
	return existed, nil
}

// Get loads a certificate record, optionally through the cache.
func (ca *CA) Get(ctx context.Context, namespace, id string, useCache bool) (Certificate, error) {
	return ca.getRecord(ctx, namespace, id, useCache)
}

// List pages through a namespace's certificate records, from the list-tag
// cache entry when allowed.
func (ca *CA) List(ctx context.Context, namespace string, limit, offset int, useCache bool) ([]Certificate, error) {
	load := func(ctx context.Context, limit, offset int) ([]Certificate, error) {
		docs, err := ca.store.List(ctx, namespace, store.CollectionCertificates, limit, offset)
		if err != nil {
			return nil, translateCertStoreErr(err)
		}
		out := make([]Certificate, 0, len(docs))
		for _, raw := range docs {
			var rec Certificate
			if err := json.Unmarshal(raw, &rec); err != nil {
				return nil, fmt.Errorf("decode certificate list in %q: %w", namespace, err)
			}
			out = append(out, rec)
		}
		return out, nil
	}
	if !useCache {
		return load(ctx, limit, offset)
	}
	all, err := cache.ReadThrough(ctx, ca.cache, cache.ListKey(certCacheKind, namespace), ca.ttl,
		func(ctx context.Context) ([]Certificate, error) { return load(ctx, 0, 0) })
	if err != nil {
		return nil, err
	}
	return store.Page(all, limit, offset), nil
}

func (ca *CA) sign(rec Certificate) ([]byte, error) {
	pub, err := x509.ParsePKIXPublicKey(rec.PublicKeyDER)
	if err != nil {
		return nil, fmt.Errorf("%w: bad public key", ErrCertInvalidFormat)
	}
	serial, ok := new(big.Int).SetString(rec.ID, 16)
	if !ok {
		return nil, directory.ErrInvalidID
	}
	now := ca.now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:         rec.Identity,
			OrganizationalUnit: []string{rec.Namespace},
		},
		NotBefore:             now.Add(-5 * time.Minute),
		NotAfter:              now.Add(ca.validity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, pub, ca.key)
	if err != nil {
		return nil, fmt.Errorf("ca: sign certificate: %w", err)
	}
	return der, nil
}

func (ca *CA) getRecord(ctx context.Context, namespace, id string, useCache bool) (Certificate, error) {
	if !ids.Valid(id) {
		return Certificate{}, directory.ErrInvalidID
	}
	load := func(ctx context.Context) (Certificate, error) {
		raw, err := ca.store.Get(ctx, namespace, store.CollectionCertificates, id)
		if err != nil {
			return Certificate{}, translateCertStoreErr(err)
		}
		var rec Certificate
		if err := json.Unmarshal(raw, &rec); err != nil {
			return Certificate{}, fmt.Errorf("decode certificate %s/%s: %w", namespace, id, err)
		}
		return rec, nil
	}
	if !useCache {
		return load(ctx)
	}
	return cache.ReadThrough(ctx, ca.cache, cache.EntityKey(certCacheKind, namespace, id), ca.ttl, load)
}

func (ca *CA) putRecord(ctx context.Context, rec Certificate, expected int64) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := ca.store.PutIfVersion(ctx, rec.Namespace, store.CollectionCertificates, rec.ID, raw, expected); err != nil {
		return translateCertStoreErr(err)
	}
	ca.invalidate(ctx, rec.Namespace, rec.ID)
	return nil
}

func (ca *CA) invalidate(ctx context.Context, namespace, id string) {
	cache.Invalidate(ctx, ca.cache,
		cache.EntityKey(certCacheKind, namespace, id),
		cache.ListKey(certCacheKind, namespace),
		cache.ListKey(certCacheKind, ""),
	)
}

func translateCertStoreErr(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrCertNotFound
	case errors.Is(err, store.ErrNamespaceNotFound):
		return directory.ErrNamespaceNotFound
	case errors.Is(err, store.ErrVersionConflict):
		return directory.ErrConflict
	default:
		return err
	}
}
