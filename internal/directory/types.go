package directory

import (
	"encoding/json"
	"fmt"
	"time"
)

// Ref is a weak, namespace-qualified reference to another entity. The
// referent may have been deleted; resolution treats that as "contributes
// nothing", never as an error.
type Ref struct {
	Namespace string `json:"namespace"`
	ID        string `json:"id"`
}

// ManagementKind discriminates the Management union.
type ManagementKind string

const (
	NotManaged        ManagementKind = "not_managed"
	ManagedByIdentity ManagementKind = "identity"
	ManagedByService  ManagementKind = "service"
)

// Management records who controls an identity's lifecycle. It is a tagged
// union: the fields are unexported and only the constructors can populate
// them, so exactly one variant is ever set.
type Management struct {
	kind ManagementKind

	// ManagedByIdentity
	namespace string
	identity  string

	// ManagedByService
	service      string
	reason       string
	managementID string
}

// Unmanaged returns the NotManaged variant.
func Unmanaged() Management {
	return Management{kind: NotManaged}
}

// ManagedBy returns the variant for an identity controlled by another
// identity.
func ManagedBy(namespace, identity string) Management {
	return Management{kind: ManagedByIdentity, namespace: namespace, identity: identity}
}

// ServiceManaged returns the variant for an identity controlled by an
// external service (an OAuth2 provider, a provisioning system).
func ServiceManaged(service, reason, managementID string) Management {
	return Management{kind: ManagedByService, service: service, reason: reason, managementID: managementID}
}

// Kind returns the active variant. The zero Management reads as NotManaged.
func (m Management) Kind() ManagementKind {
	if m.kind == "" {
		return NotManaged
	}
	return m.kind
}

// Manager returns the controlling identity reference for the
// ManagedByIdentity variant.
func (m Management) Manager() (Ref, bool) {
	if m.kind != ManagedByIdentity {
		return Ref{}, false
	}
	return Ref{Namespace: m.namespace, ID: m.identity}, true
}

// Service returns the controlling service details for the ManagedByService
// variant.
func (m Management) Service() (service, reason, managementID string, ok bool) {
	if m.kind != ManagedByService {
		return "", "", "", false
	}
	return m.service, m.reason, m.managementID, true
}

type managementDoc struct {
	Kind         ManagementKind `json:"kind"`
	Namespace    string         `json:"namespace,omitempty"`
	Identity     string         `json:"identity,omitempty"`
	Service      string         `json:"service,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	ManagementID string         `json:"management_id,omitempty"`
}

func (m Management) MarshalJSON() ([]byte, error) {
	return json.Marshal(managementDoc{
		Kind:         m.Kind(),
		Namespace:    m.namespace,
		Identity:     m.identity,
		Service:      m.service,
		Reason:       m.reason,
		ManagementID: m.managementID,
	})
}

func (m *Management) UnmarshalJSON(data []byte) error {
	var doc managementDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	switch doc.Kind {
	case NotManaged, "":
		*m = Unmanaged()
	case ManagedByIdentity:
		*m = ManagedBy(doc.Namespace, doc.Identity)
	case ManagedByService:
		*m = ServiceManaged(doc.Service, doc.Reason, doc.ManagementID)
	default:
		return fmt.Errorf("unknown management kind %q", doc.Kind)
	}
	return nil
}

// Identity is a principal in a namespace. Policies and Roles are weak
// references; Version increments on every mutation.
type Identity struct {
	Namespace  string     `json:"namespace"`
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Active     bool       `json:"active"`
	Management Management `json:"management"`
	Policies   []Ref      `json:"policies"`
	Roles      []Ref      `json:"roles"`
	Version    int64      `json:"version"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Policy grants exact-match resource/action pairs within its namespace.
// Empty Resources or Actions grant nothing on that dimension.
type Policy struct {
	Namespace string    `json:"namespace"`
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Resources []string  `json:"resources"`
	Actions   []string  `json:"actions"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Role bundles policy references. Resolution is one hop; roles do not nest.
type Role struct {
	Namespace string    `json:"namespace"`
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Policies  []Ref     `json:"policies"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PolicyUpdate carries optional field changes; nil means keep.
type PolicyUpdate struct {
	Name      *string
	Resources []string
	Actions   []string
}

func containsRef(refs []Ref, ref Ref) bool {
	for _, r := range refs {
		if r == ref {
			return true
		}
	}
	return false
}

func removeRef(refs []Ref, ref Ref) []Ref {
	out := refs[:0]
	for _, r := range refs {
		if r != ref {
			out = append(out, r)
		}
	}
	return out
}
