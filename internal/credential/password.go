// Package credential verifies the non-token credential types: passwords and
// X509 client certificates. Both resolve to a namespaced identity; scope
// decisions happen elsewhere.
package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"authcore.io/internal/directory"
	"authcore.io/internal/ids"
	"authcore.io/internal/store"
)

var (
	// ErrCredentialsInvalid deliberately covers "no such identity", "wrong
	// password" and "no password configured": the caller must not be able
	// to tell which check failed.
	ErrCredentialsInvalid = errors.New("credential: credentials invalid")
	// ErrIdentityNotActive is returned only after the password comparison
	// succeeded, so a disabled account leaks no valid-password signal
	// through error ordering.
	ErrIdentityNotActive = errors.New("credential: identity not active")
)

// dummyHash is compared against when no stored hash exists, keeping the
// failure path's timing aligned with a real comparison.
var dummyHash = []byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy")

type passwordRecord struct {
	Namespace string    `json:"namespace"`
	Identity  string    `json:"identity"`
	Hash      string    `json:"hash"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PasswordVerifier checks passwords against per-identity bcrypt hashes.
type PasswordVerifier struct {
	store store.Store
	dir   *directory.Directory
	now   func() time.Time
}

// NewPasswordVerifier binds the verifier to the identity directory.
func NewPasswordVerifier(st store.Store, dir *directory.Directory) *PasswordVerifier {
	return &PasswordVerifier{store: st, dir: dir, now: time.Now}
}

// SetPassword hashes and stores the identity's password. The identity must
// exist in the namespace.
func (v *PasswordVerifier) SetPassword(ctx context.Context, namespace, identityID, password string) error {
	if !ids.Valid(identityID) {
		return directory.ErrInvalidID
	}
	if len(password) == 0 {
		return errors.New("credential: password is empty")
	}
	if _, err := v.dir.GetIdentity(ctx, namespace, identityID, false); err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	rec := passwordRecord{
		Namespace: namespace,
		Identity:  identityID,
		Hash:      string(hash),
		UpdatedAt: v.now().UTC(),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return v.store.Put(ctx, namespace, store.CollectionPasswords, identityID, raw)
}

// VerifyPassword returns the verified identity, ErrCredentialsInvalid, or
// ErrIdentityNotActive. The active check runs only after the comparison
// succeeded; the missing-identity and missing-hash paths still perform a
// bcrypt comparison so their timing matches the wrong-password path.
func (v *PasswordVerifier) VerifyPassword(ctx context.Context, namespace, identityID, password string) (directory.Identity, error) {
	if !ids.Valid(identityID) {
		return directory.Identity{}, directory.ErrInvalidID
	}

	identity, idErr := v.dir.GetIdentity(ctx, namespace, identityID, false)

	hash := dummyHash
	stored := false
	if raw, err := v.store.Get(ctx, namespace, store.CollectionPasswords, identityID); err == nil {
		var rec passwordRecord
		if jerr := json.Unmarshal(raw, &rec); jerr == nil && rec.Hash != "" {
			hash = []byte(rec.Hash)
			stored = true
		}
	}

	cmpErr := bcrypt.CompareHashAndPassword(hash, []byte(password))
	if idErr != nil || !stored || cmpErr != nil {
		return directory.Identity{}, ErrCredentialsInvalid
	}
	if !identity.Active {
		return directory.Identity{}, ErrIdentityNotActive
	}
	return identity, nil
}
