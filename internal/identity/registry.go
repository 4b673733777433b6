// Package identity tracks the display name bound to each live connection and
// is the source of truth for who is online.
package identity

import (
	"sync"

	"github.com/samber/lo"
)

// Identity binds a display name to a live connection.
type Identity struct {
	ConnectionID string `json:"connectionId"`
	DisplayName  string `json:"displayName"`
}

// Registry maps connection ids to identities. Display names are not unique.
//
// A connection that has been unregistered is remembered so that a late
// registration for the same connection cannot bring it back.
type Registry struct {
	mu         sync.RWMutex
	identities map[string]Identity
	departed   map[string]struct{}
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		identities: make(map[string]Identity),
		departed:   make(map[string]struct{}),
	}
}

// Register binds name to connID, replacing any prior identity for that
// connection. It reports false and leaves the registry untouched if connID has
// already been unregistered.
func (r *Registry) Register(connID, name string) (Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, gone := r.departed[connID]; gone {
		return Identity{}, false
	}

	id := Identity{ConnectionID: connID, DisplayName: name}
	r.identities[connID] = id
	return id, true
}

// Admit clears any earlier removal of connID so a reconnect that reuses the
// identifier starts clean.
func (r *Registry) Admit(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.departed, connID)
}

// Unregister removes the identity for connID. It is idempotent and reports
// whether an identity was actually removed.
func (r *Registry) Unregister(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.departed[connID] = struct{}{}
	if _, ok := r.identities[connID]; !ok {
		return false
	}
	delete(r.identities, connID)
	return true
}

// Departed reports whether connID has been unregistered and not admitted
// again since.
func (r *Registry) Departed(connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, gone := r.departed[connID]
	return gone
}

// Lookup returns the identity registered for connID, if any.
func (r *Registry) Lookup(connID string) (Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.identities[connID]
	return id, ok
}

// ListAll returns a snapshot of every registered identity. Order is not
// defined.
func (r *Registry) ListAll() []Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.Values(r.identities)
}

// Len returns the number of registered identities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.identities)
}
