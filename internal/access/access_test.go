package access

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"
	"time"

	"authcore.io/internal/cache"
	"authcore.io/internal/credential"
	"authcore.io/internal/directory"
	"authcore.io/internal/scope"
	"authcore.io/internal/store"
	"authcore.io/internal/token"
)

type fixture struct {
	dir       *directory.Directory
	passwords *credential.PasswordVerifier
	tokens    *token.Service
	ca        *credential.CA
	svc       *Service
	identity  directory.Identity
}

// newFixture builds the full stack over memory store and cache with one
// active identity holding a policy for read on orders in namespace t.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()
	if err := st.EnsureNamespace(ctx, "t"); err != nil {
		t.Fatal(err)
	}
	c := cache.NewMemory()
	dir := directory.New(st, c)
	passwords := credential.NewPasswordVerifier(st, dir)

	signKeyPEM, _, err := credential.GenerateAuthority("signing", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	tokens, err := token.NewService(dir, passwords, st, c, signKeyPEM)
	if err != nil {
		t.Fatal(err)
	}
	caKeyPEM, caCertPEM, err := credential.GenerateAuthority("test root", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	ca, err := credential.NewCA(st, dir, c, caKeyPEM, caCertPEM)
	if err != nil {
		t.Fatal(err)
	}

	identity, err := dir.CreateIdentity(ctx, "t", "svc", true, directory.Unmanaged())
	if err != nil {
		t.Fatal(err)
	}
	if err := passwords.SetPassword(ctx, "t", identity.ID, "pw"); err != nil {
		t.Fatal(err)
	}
	policy, err := dir.CreatePolicy(ctx, "t", "readers", []string{"orders"}, []string{"read"})
	if err != nil {
		t.Fatal(err)
	}
	identity, err = dir.AddPolicy(ctx, "t", identity.ID, directory.Ref{Namespace: "t", ID: policy.ID})
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{
		dir:       dir,
		passwords: passwords,
		tokens:    tokens,
		ca:        ca,
		svc:       New(dir, tokens, passwords, ca),
		identity:  identity,
	}
}

func (f *fixture) clientCert(t *testing.T) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	der, err := credential.MarshalPublicKeyDER(&key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	certDER, _, err := f.ca.RegisterAndGenerate(context.Background(), "t", f.identity.ID, der, "test client")
	if err != nil {
		t.Fatal(err)
	}
	return certDER
}

var readOrders = []scope.Scope{{Namespace: "t", Resources: []string{"orders"}, Actions: []string{"read"}}}

func TestCredentialPathEquivalence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	pair, err := f.tokens.CreateWithPassword(ctx, "t", f.identity.ID, "pw", readOrders, nil)
	if err != nil {
		t.Fatal(err)
	}
	certDER := f.clientCert(t)

	checks := map[string]func() (scope.Decision, error){
		"direct": func() (scope.Decision, error) {
			return f.svc.CheckAccess(ctx, "t", f.identity.ID, readOrders)
		},
		"password": func() (scope.Decision, error) {
			return f.svc.CheckAccessWithPassword(ctx, "t", f.identity.ID, "pw", readOrders)
		},
		"token": func() (scope.Decision, error) {
			return f.svc.CheckAccessWithToken(ctx, pair.AccessToken, readOrders)
		},
		"x509": func() (scope.Decision, error) {
			return f.svc.CheckAccessWithX509(ctx, certDER, readOrders)
		},
	}
	for name, check := range checks {
		d, err := check()
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if !d.Allowed {
			t.Fatalf("%s: denied: %s", name, d.Reason)
		}
	}

	// Deactivating the identity fails every path with a not-active status.
	if _, err := f.dir.SetActive(ctx, "t", f.identity.ID, false); err != nil {
		t.Fatal(err)
	}
	wantErr := map[string]error{
		"direct":   ErrIdentityNotActive,
		"password": credential.ErrIdentityNotActive,
		"token":    token.ErrIdentityNotActive,
		"x509":     ErrIdentityNotActive,
	}
	for name, check := range checks {
		if _, err := check(); !errors.Is(err, wantErr[name]) {
			t.Fatalf("%s after deactivation: got %v, want %v", name, err, wantErr[name])
		}
	}
}

func TestCheckAccessDeniesUngrantedScope(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	wide := []scope.Scope{{Namespace: "t", Resources: []string{"payments"}, Actions: []string{"write"}}}
	d, err := f.svc.CheckAccess(ctx, "t", f.identity.ID, wide)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Fatal("ungranted scope allowed")
	}
	if d.Reason == scope.ReasonAllowed {
		t.Fatal("denial must carry a reason")
	}
}

func TestTokenPathBoundByEmbeddedScopes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Widen the identity after issuing a token narrowed to orders/read:
	// the token must still only authorize what it embeds.
	pair, err := f.tokens.CreateWithPassword(ctx, "t", f.identity.ID, "pw", readOrders, nil)
	if err != nil {
		t.Fatal(err)
	}
	wider, err := f.dir.CreatePolicy(ctx, "t", "writers", []string{"orders"}, []string{"write"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.dir.AddPolicy(ctx, "t", f.identity.ID, directory.Ref{Namespace: "t", ID: wider.ID}); err != nil {
		t.Fatal(err)
	}

	write := []scope.Scope{{Namespace: "t", Resources: []string{"orders"}, Actions: []string{"write"}}}
	d, err := f.svc.CheckAccess(ctx, "t", f.identity.ID, write)
	if err != nil || !d.Allowed {
		t.Fatalf("direct path should allow write now: %v %v", d, err)
	}
	d, err = f.svc.CheckAccessWithToken(ctx, pair.AccessToken, write)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Fatal("token authorized beyond its embedded scopes")
	}
}

func TestX509PathCertificateStates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	certDER := f.clientCert(t)

	rec, err := f.ca.ValidateAndGetFromRaw(ctx, certDER)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.ca.Disable(ctx, "t", rec.ID); err != nil {
		t.Fatal(err)
	}
	// The bytes still validate at the CA level, but they no longer grant
	// access.
	if _, err := f.ca.ValidateAndGetFromRaw(ctx, certDER); err != nil {
		t.Fatalf("disabled cert must still resolve: %v", err)
	}
	if _, err := f.svc.CheckAccessWithX509(ctx, certDER, readOrders); !errors.Is(err, credential.ErrCertDisabled) {
		t.Fatalf("disabled cert: got %v", err)
	}

	if _, err := f.ca.Delete(ctx, "t", rec.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.CheckAccessWithX509(ctx, certDER, readOrders); !errors.Is(err, credential.ErrCertNotFound) {
		t.Fatalf("deleted cert: got %v", err)
	}

	if _, err := f.svc.CheckAccessWithX509(ctx, []byte("junk"), readOrders); !errors.Is(err, credential.ErrCertInvalidFormat) {
		t.Fatalf("garbage cert: got %v", err)
	}
}

func TestPasswordPathBadCredential(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if _, err := f.svc.CheckAccessWithPassword(ctx, "t", f.identity.ID, "nope", readOrders); !errors.Is(err, credential.ErrCredentialsInvalid) {
		t.Fatalf("got %v", err)
	}
}
