// Package store provides namespace-partitioned document persistence. Every
// record lives under a (namespace, collection, id) key; the empty namespace
// is the always-provisioned global partition. Namespace provisioning itself
// belongs to an external collaborator; this package only checks that a
// partition exists and reports its absence distinctly.
package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates the document does not exist in the partition.
	ErrNotFound = errors.New("store: not found")
	// ErrNamespaceNotFound indicates the target partition was never provisioned.
	ErrNamespaceNotFound = errors.New("store: namespace not found")
	// ErrVersionConflict indicates a conditional write lost to a concurrent
	// one: the stored document's version no longer matches what the writer
	// read, or a create found the document already present.
	ErrVersionConflict = errors.New("store: version conflict")
)

// GlobalNamespace is the distinguished empty-namespace partition. It always
// exists and never requires provisioning.
const GlobalNamespace = ""

// Collection names used by the owning packages.
const (
	CollectionIdentities   = "identities"
	CollectionPolicies     = "policies"
	CollectionRoles        = "roles"
	CollectionPasswords    = "passwords"
	CollectionCertificates = "certificates"
	CollectionTokens       = "tokens"
)

// Store is the namespaced document store. All methods fail with
// ErrNamespaceNotFound when the namespace has not been provisioned, except
// for the global partition which is always available.
type Store interface {
	// EnsureNamespace provisions a partition. Idempotent. Exposed for the
	// provisioning collaborator and for tests; production request paths
	// never call it.
	EnsureNamespace(ctx context.Context, namespace string) error
	// NamespaceExists reports whether the partition has been provisioned.
	NamespaceExists(ctx context.Context, namespace string) (bool, error)

	Get(ctx context.Context, namespace, collection, id string) ([]byte, error)
	Put(ctx context.Context, namespace, collection, id string, doc []byte) error
	// PutIfVersion writes doc only when the stored document's "version"
	// field equals expected, failing with ErrVersionConflict otherwise.
	// A negative expected requires the document to be absent (create).
	// A non-negative expected against an absent document fails with
	// ErrNotFound. This is the atomic single-document update every
	// read-modify-write mutation rides on.
	PutIfVersion(ctx context.Context, namespace, collection, id string, doc []byte, expected int64) error
	// Delete removes a document, reporting whether it existed. Deleting an
	// absent document is not an error.
	Delete(ctx context.Context, namespace, collection, id string) (bool, error)
	List(ctx context.Context, namespace, collection string, limit, offset int) ([][]byte, error)
	Count(ctx context.Context, namespace, collection string) (int64, error)
	// FindByField returns documents whose JSON value at path equals value.
	// Path elements address nested objects.
	FindByField(ctx context.Context, namespace, collection string, path []string, value string) ([][]byte, error)
	// FindAnyNamespace is FindByField across every partition. Serves lookups
	// keyed by an externally-unique value (service management ids).
	FindAnyNamespace(ctx context.Context, collection string, path []string, value string) ([][]byte, error)
}

// Page applies List's limit/offset semantics to an already-loaded slice.
// Used by callers that serve collection reads from a cached full listing.
func Page[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset > len(items) {
		offset = len(items)
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
