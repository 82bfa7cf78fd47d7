package directory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"authcore.io/internal/cache"
	"authcore.io/internal/store"
)

func newTestDirectory(t *testing.T, namespaces ...string) (*Directory, *store.Memory, *cache.Memory) {
	t.Helper()
	st := store.NewMemory()
	for _, ns := range namespaces {
		if err := st.EnsureNamespace(context.Background(), ns); err != nil {
			t.Fatalf("EnsureNamespace(%q): %v", ns, err)
		}
	}
	c := cache.NewMemory()
	return New(st, c), st, c
}

func TestCreateIdentityRequiresNamespace(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newTestDirectory(t)
	_, err := d.CreateIdentity(ctx, "ghost", "svc", true, Unmanaged())
	if !errors.Is(err, ErrNamespaceNotFound) {
		t.Fatalf("expected ErrNamespaceNotFound, got %v", err)
	}
}

func TestCreateIdentityInitialState(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newTestDirectory(t, "t")
	identity, err := d.CreateIdentity(ctx, "t", "svc", true, Unmanaged())
	if err != nil {
		t.Fatalf("CreateIdentity: %v", err)
	}
	if identity.Version != 0 {
		t.Fatalf("new identity version = %d, want 0", identity.Version)
	}
	if !identity.Active {
		t.Fatal("active flag not honored")
	}
	if identity.Management.Kind() != NotManaged {
		t.Fatalf("management kind = %q", identity.Management.Kind())
	}
	got, err := d.GetIdentity(ctx, "t", identity.ID, true)
	if err != nil {
		t.Fatalf("GetIdentity: %v", err)
	}
	if got.ID != identity.ID || got.Name != "svc" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestInvalidIDFailsFast(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newTestDirectory(t, "t")
	if _, err := d.GetIdentity(ctx, "t", "not-an-id", false); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}
	if _, err := d.DeleteIdentity(ctx, "t", "zz"); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}
}

func TestAddPolicyIdempotent(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newTestDirectory(t, "t")
	identity, err := d.CreateIdentity(ctx, "t", "svc", true, Unmanaged())
	if err != nil {
		t.Fatal(err)
	}
	policy, err := d.CreatePolicy(ctx, "t", "readers", []string{"orders"}, []string{"read"})
	if err != nil {
		t.Fatal(err)
	}
	ref := Ref{Namespace: "t", ID: policy.ID}

	after, err := d.AddPolicy(ctx, "t", identity.ID, ref)
	if err != nil {
		t.Fatal(err)
	}
	if len(after.Policies) != 1 {
		t.Fatalf("policies = %v", after.Policies)
	}
	again, err := d.AddPolicy(ctx, "t", identity.ID, ref)
	if err != nil {
		t.Fatalf("re-adding a present reference must not error: %v", err)
	}
	if len(again.Policies) != 1 {
		t.Fatalf("duplicate reference stored: %v", again.Policies)
	}
	if again.Version <= after.Version {
		t.Fatal("every mutation must bump the version")
	}

	removed, err := d.RemovePolicy(ctx, "t", identity.ID, ref)
	if err != nil || len(removed.Policies) != 0 {
		t.Fatalf("RemovePolicy = (%v, %v)", removed.Policies, err)
	}
	if _, err := d.RemovePolicy(ctx, "t", identity.ID, ref); err != nil {
		t.Fatalf("removing an absent reference must not error: %v", err)
	}
}

func TestMutationInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newTestDirectory(t, "t")
	identity, err := d.CreateIdentity(ctx, "t", "before", true, Unmanaged())
	if err != nil {
		t.Fatal(err)
	}
	// Prime the cache.
	if _, err := d.GetIdentity(ctx, "t", identity.ID, true); err != nil {
		t.Fatal(err)
	}
	if _, err := d.UpdateIdentityName(ctx, "t", identity.ID, "after"); err != nil {
		t.Fatal(err)
	}
	got, err := d.GetIdentity(ctx, "t", identity.ID, true)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "after" {
		t.Fatalf("read-after-write observed stale name %q", got.Name)
	}

	if _, err := d.SetActive(ctx, "t", identity.ID, false); err != nil {
		t.Fatal(err)
	}
	got, err = d.GetIdentity(ctx, "t", identity.ID, true)
	if err != nil {
		t.Fatal(err)
	}
	if got.Active {
		t.Fatal("read-after-write observed stale active flag")
	}

	if _, err := d.DeleteIdentity(ctx, "t", identity.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := d.GetIdentity(ctx, "t", identity.ID, true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cached read after delete = %v, want ErrNotFound", err)
	}
}

func TestNamespaceIsolation(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newTestDirectory(t, "a", "b")
	ia, err := d.CreateIdentity(ctx, "a", "same-name", true, Unmanaged())
	if err != nil {
		t.Fatal(err)
	}
	ib, err := d.CreateIdentity(ctx, "b", "same-name", true, Unmanaged())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.DeleteIdentity(ctx, "a", ia.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := d.GetIdentity(ctx, "b", ib.ID, false); err != nil {
		t.Fatalf("sibling namespace affected by delete: %v", err)
	}
	// The same uuid in another namespace is unrelated.
	if _, err := d.GetIdentity(ctx, "b", ia.ID, false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound across namespaces, got %v", err)
	}
}

func TestDeleteIdentityIdempotent(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newTestDirectory(t, "t")
	identity, err := d.CreateIdentity(ctx, "t", "svc", true, Unmanaged())
	if err != nil {
		t.Fatal(err)
	}
	existed, err := d.DeleteIdentity(ctx, "t", identity.ID)
	if err != nil || !existed {
		t.Fatalf("first delete = (%v, %v)", existed, err)
	}
	existed, err = d.DeleteIdentity(ctx, "t", identity.ID)
	if err != nil || existed {
		t.Fatalf("second delete = (%v, %v), want (false, nil)", existed, err)
	}
}

func TestGetByServiceManagement(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newTestDirectory(t, "t")
	created, err := d.CreateIdentity(ctx, "t", "bot", true, ServiceManaged("github", "oauth2 login", "gh-123"))
	if err != nil {
		t.Fatal(err)
	}
	got, err := d.GetByServiceManagement(ctx, "github", "gh-123")
	if err != nil {
		t.Fatalf("GetByServiceManagement: %v", err)
	}
	if got.ID != created.ID {
		t.Fatalf("resolved %s, want %s", got.ID, created.ID)
	}
	// Same management id under a different service does not match.
	if _, err := d.GetByServiceManagement(ctx, "gitlab", "gh-123"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign service, got %v", err)
	}
	// A second identity for the same pair is rejected.
	if _, err := d.CreateIdentity(ctx, "t", "bot2", true, ServiceManaged("github", "dup", "gh-123")); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestManagementTaggedUnion(t *testing.T) {
	m := ManagedBy("t", "5f1d7f3a9c2b4e6d8a0f1c2d")
	if _, _, _, ok := m.Service(); ok {
		t.Fatal("identity-managed variant must not expose service fields")
	}
	ref, ok := m.Manager()
	if !ok || ref.Namespace != "t" {
		t.Fatalf("Manager() = (%+v, %v)", ref, ok)
	}

	s := ServiceManaged("github", "oauth2", "gh-1")
	if _, ok := s.Manager(); ok {
		t.Fatal("service-managed variant must not expose a manager ref")
	}
	svc, reason, mid, ok := s.Service()
	if !ok || svc != "github" || reason != "oauth2" || mid != "gh-1" {
		t.Fatalf("Service() = (%s, %s, %s, %v)", svc, reason, mid, ok)
	}

	var zero Management
	if zero.Kind() != NotManaged {
		t.Fatalf("zero management kind = %q, want not_managed", zero.Kind())
	}
}

func TestEffectivePoliciesUnionAndDangling(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newTestDirectory(t, "t")

	direct, err := d.CreatePolicy(ctx, "t", "direct", []string{"orders"}, []string{"read"})
	if err != nil {
		t.Fatal(err)
	}
	viaRole, err := d.CreatePolicy(ctx, "t", "via-role", []string{"invoices"}, []string{"write"})
	if err != nil {
		t.Fatal(err)
	}
	doomed, err := d.CreatePolicy(ctx, "t", "doomed", []string{"secrets"}, []string{"read"})
	if err != nil {
		t.Fatal(err)
	}
	role, err := d.CreateRole(ctx, "t", "ops", []Ref{
		{Namespace: "t", ID: viaRole.ID},
		{Namespace: "t", ID: direct.ID}, // overlaps the direct assignment
		{Namespace: "t", ID: doomed.ID},
	})
	if err != nil {
		t.Fatal(err)
	}

	identity, err := d.CreateIdentity(ctx, "t", "svc", true, Unmanaged())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.AddPolicy(ctx, "t", identity.ID, Ref{Namespace: "t", ID: direct.ID}); err != nil {
		t.Fatal(err)
	}
	if _, err := d.AddRole(ctx, "t", identity.ID, Ref{Namespace: "t", ID: role.ID}); err != nil {
		t.Fatal(err)
	}
	// Delete one policy so its references dangle, in both the role and any
	// future direct assignment.
	if _, err := d.DeletePolicy(ctx, "t", doomed.ID); err != nil {
		t.Fatal(err)
	}

	identity, err = d.GetIdentity(ctx, "t", identity.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	policies, err := d.EffectivePolicies(ctx, identity)
	if err != nil {
		t.Fatalf("EffectivePolicies: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("effective set size = %d, want 2 (dedup + dangling skipped): %+v", len(policies), policies)
	}
	names := map[string]bool{}
	for _, p := range policies {
		names[p.Name] = true
	}
	if !names["direct"] || !names["via-role"] || names["doomed"] {
		t.Fatalf("unexpected effective set: %v", names)
	}

	// A dangling role reference also contributes nothing.
	if _, err := d.DeleteRole(ctx, "t", role.ID); err != nil {
		t.Fatal(err)
	}
	identity, err = d.GetIdentity(ctx, "t", identity.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	policies, err = d.EffectivePolicies(ctx, identity)
	if err != nil {
		t.Fatal(err)
	}
	if len(policies) != 1 || policies[0].Name != "direct" {
		t.Fatalf("after role delete, effective = %+v", policies)
	}
}

func TestPolicyUpdateAndVersioning(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newTestDirectory(t, "t")
	policy, err := d.CreatePolicy(ctx, "t", "p", []string{"orders", "orders"}, []string{"read"})
	if err != nil {
		t.Fatal(err)
	}
	if len(policy.Resources) != 1 {
		t.Fatalf("resources not deduplicated: %v", policy.Resources)
	}
	name := "renamed"
	updated, err := d.UpdatePolicy(ctx, "t", policy.ID, PolicyUpdate{Name: &name, Actions: []string{"read", "write"}})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Name != "renamed" || len(updated.Actions) != 2 || updated.Version != 1 {
		t.Fatalf("unexpected update result: %+v", updated)
	}
	// Cached read reflects the mutation immediately.
	got, err := d.GetPolicy(ctx, "t", policy.ID, true)
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 1 {
		t.Fatalf("cached policy version = %d, want 1", got.Version)
	}
}

func TestRolePolicyAttachment(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newTestDirectory(t, "t")
	policy, err := d.CreatePolicy(ctx, "t", "p", []string{"r"}, []string{"a"})
	if err != nil {
		t.Fatal(err)
	}
	role, err := d.CreateRole(ctx, "t", "ops", nil)
	if err != nil {
		t.Fatal(err)
	}
	ref := Ref{Namespace: "t", ID: policy.ID}
	after, err := d.AddRolePolicy(ctx, "t", role.ID, ref)
	if err != nil || len(after.Policies) != 1 {
		t.Fatalf("AddRolePolicy = (%+v, %v)", after, err)
	}
	again, err := d.AddRolePolicy(ctx, "t", role.ID, ref)
	if err != nil || len(again.Policies) != 1 {
		t.Fatalf("AddRolePolicy idempotence = (%+v, %v)", again, err)
	}
	removed, err := d.RemoveRolePolicy(ctx, "t", role.ID, ref)
	if err != nil || len(removed.Policies) != 0 {
		t.Fatalf("RemoveRolePolicy = (%+v, %v)", removed, err)
	}
}

func TestListAndCountIdentities(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newTestDirectory(t, "t")
	for i := 0; i < 5; i++ {
		if _, err := d.CreateIdentity(ctx, "t", "svc", true, Unmanaged()); err != nil {
			t.Fatal(err)
		}
	}
	n, err := d.CountIdentities(ctx, "t")
	if err != nil || n != 5 {
		t.Fatalf("Count = (%d, %v), want 5", n, err)
	}
	page, err := d.ListIdentities(ctx, "t", 2, 0, false)
	if err != nil || len(page) != 2 {
		t.Fatalf("List = (%d items, %v), want 2", len(page), err)
	}
}

// stallingStore blocks the first conditional write until released, letting
// a test interleave a competing mutation between a read and its write.
type stallingStore struct {
	store.Store
	once    sync.Once
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func newStallingStore(inner store.Store) *stallingStore {
	return &stallingStore{
		Store:   inner,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (s *stallingStore) PutIfVersion(ctx context.Context, namespace, collection, id string, doc []byte, expected int64) error {
	if s.armed.Load() {
		s.once.Do(func() {
			close(s.entered)
			<-s.release
		})
	}
	return s.Store.PutIfVersion(ctx, namespace, collection, id, doc, expected)
}

func TestConcurrentMutationNeverLosesWrite(t *testing.T) {
	ctx := context.Background()
	inner := store.NewMemory()
	if err := inner.EnsureNamespace(ctx, "t"); err != nil {
		t.Fatal(err)
	}
	st := newStallingStore(inner)
	d := New(st, cache.NewMemory())

	identity, err := d.CreateIdentity(ctx, "t", "svc", true, Unmanaged())
	if err != nil {
		t.Fatal(err)
	}
	p1, err := d.CreatePolicy(ctx, "t", "p1", []string{"orders"}, []string{"read"})
	if err != nil {
		t.Fatal(err)
	}
	p2, err := d.CreatePolicy(ctx, "t", "p2", []string{"invoices"}, []string{"read"})
	if err != nil {
		t.Fatal(err)
	}

	// Writer A reads the identity, then stalls before its write while
	// writer B completes a competing AddPolicy on the same identity.
	st.armed.Store(true)
	aErr := make(chan error, 1)
	go func() {
		_, err := d.AddPolicy(ctx, "t", identity.ID, Ref{Namespace: "t", ID: p1.ID})
		aErr <- err
	}()
	<-st.entered
	st.armed.Store(false)
	if _, err := d.AddPolicy(ctx, "t", identity.ID, Ref{Namespace: "t", ID: p2.ID}); err != nil {
		t.Fatalf("competing AddPolicy: %v", err)
	}
	close(st.release)

	// A's write was conditional on a version that no longer exists, so it
	// must surface a conflict rather than overwrite B's attachment.
	if err := <-aErr; !errors.Is(err, ErrConflict) {
		t.Fatalf("stale write: got %v, want ErrConflict", err)
	}
	// The caller owns retry; a re-issued mutation lands on fresh state.
	if _, err := d.AddPolicy(ctx, "t", identity.ID, Ref{Namespace: "t", ID: p1.ID}); err != nil {
		t.Fatalf("retried AddPolicy: %v", err)
	}
	got, err := d.GetIdentity(ctx, "t", identity.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Policies) != 2 {
		t.Fatalf("identity holds %v, want both policies", got.Policies)
	}
}

// blindStore hides documents from the next FindAnyNamespace call, letting a
// test drive a create past the service-management pre-check.
type blindStore struct {
	store.Store
	blindNext atomic.Bool
}

func (s *blindStore) FindAnyNamespace(ctx context.Context, collection string, path []string, value string) ([][]byte, error) {
	if s.blindNext.CompareAndSwap(true, false) {
		return nil, nil
	}
	return s.Store.FindAnyNamespace(ctx, collection, path, value)
}

func TestCreateManagedIdentityRaceRollsBack(t *testing.T) {
	ctx := context.Background()
	inner := store.NewMemory()
	if err := inner.EnsureNamespace(ctx, "t"); err != nil {
		t.Fatal(err)
	}
	st := &blindStore{Store: inner}
	d := New(st, cache.NewMemory())

	st.blindNext.Store(true)
	first, err := d.CreateIdentity(ctx, "t", "bot", true, ServiceManaged("github", "oauth2", "gh-9"))
	if err != nil {
		t.Fatalf("first create: %v", err)
	}

	// The second create's pre-check sees nothing, as if it raced the
	// first; the post-write re-check must roll its own record back.
	st.blindNext.Store(true)
	if _, err := d.CreateIdentity(ctx, "t", "bot-dup", true, ServiceManaged("github", "oauth2", "gh-9")); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("racing create: got %v, want ErrAlreadyExists", err)
	}

	got, err := d.GetByServiceManagement(ctx, "github", "gh-9")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != first.ID {
		t.Fatalf("mapping resolves %s, want the first create %s", got.ID, first.ID)
	}
	n, err := d.CountIdentities(ctx, "t")
	if err != nil || n != 1 {
		t.Fatalf("identity count = (%d, %v), want exactly 1", n, err)
	}
}

func TestListCacheCoherence(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newTestDirectory(t, "t")
	if _, err := d.CreateIdentity(ctx, "t", "one", true, Unmanaged()); err != nil {
		t.Fatal(err)
	}
	first, err := d.ListIdentities(ctx, "t", 0, 0, true)
	if err != nil || len(first) != 1 {
		t.Fatalf("cached list = (%d items, %v), want 1", len(first), err)
	}
	// The create invalidates the list tag, so a cached re-read sees it.
	if _, err := d.CreateIdentity(ctx, "t", "two", true, Unmanaged()); err != nil {
		t.Fatal(err)
	}
	second, err := d.ListIdentities(ctx, "t", 0, 0, true)
	if err != nil || len(second) != 2 {
		t.Fatalf("cached list after create = (%d items, %v), want 2", len(second), err)
	}
	// Paging applies on top of the cached collection.
	page, err := d.ListIdentities(ctx, "t", 1, 1, true)
	if err != nil || len(page) != 1 {
		t.Fatalf("cached page = (%d items, %v), want 1", len(page), err)
	}
}

func TestWithClock(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	if err := st.EnsureNamespace(ctx, "t"); err != nil {
		t.Fatal(err)
	}
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d := New(st, cache.NewMemory(), WithClock(func() time.Time { return fixed }))
	identity, err := d.CreateIdentity(ctx, "t", "svc", true, Unmanaged())
	if err != nil {
		t.Fatal(err)
	}
	if !identity.CreatedAt.Equal(fixed) {
		t.Fatalf("CreatedAt = %v, want %v", identity.CreatedAt, fixed)
	}
}
