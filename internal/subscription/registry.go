package subscription

import (
	"sync"

	"github.com/churst90/accessible-trader-sub001/internal/market"
)

// Registry is the many-to-many bookkeeping between connections and view
// keys. It holds identity only and never drives lifetimes. All operations
// are non-blocking and appear atomic; accessors return snapshot copies.
//
// Invariant: key ∈ KeysOf(conn) ⇔ conn ∈ SubscribersOf(key), and no empty
// bucket survives a call.
type Registry struct {
	mu     sync.RWMutex
	byConn map[string]map[market.ViewKey]struct{}
	byView map[market.ViewKey]map[string]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byConn: make(map[string]map[market.ViewKey]struct{}),
		byView: make(map[market.ViewKey]map[string]struct{}),
	}
}

// Register adds the pair to both directions. Returns true when the pair was
// new. Idempotent.
func (r *Registry) Register(connID string, key market.ViewKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byConn[connID][key]; ok {
		return false
	}
	if r.byConn[connID] == nil {
		r.byConn[connID] = make(map[market.ViewKey]struct{})
	}
	if r.byView[key] == nil {
		r.byView[key] = make(map[string]struct{})
	}
	r.byConn[connID][key] = struct{}{}
	r.byView[key][connID] = struct{}{}
	return true
}

// UnregisterOne removes a single pair and cleans up empty buckets. Returns
// true when the pair existed.
func (r *Registry) UnregisterOne(connID string, key market.ViewKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(connID, key)
}

// UnregisterAll removes every pair for the connection and returns the keys
// that were removed. Used on disconnect.
func (r *Registry) UnregisterAll(connID string) []market.ViewKey {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]market.ViewKey, 0, len(r.byConn[connID]))
	for key := range r.byConn[connID] {
		keys = append(keys, key)
	}
	for _, key := range keys {
		r.removeLocked(connID, key)
	}
	return keys
}

func (r *Registry) removeLocked(connID string, key market.ViewKey) bool {
	views, ok := r.byConn[connID]
	if !ok {
		return false
	}
	if _, ok := views[key]; !ok {
		return false
	}
	delete(views, key)
	if len(views) == 0 {
		delete(r.byConn, connID)
	}
	if conns, ok := r.byView[key]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.byView, key)
		}
	}
	return true
}

// SubscribersOf returns a snapshot of the connections holding the view.
func (r *Registry) SubscribersOf(key market.ViewKey) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byView[key]))
	for connID := range r.byView[key] {
		out = append(out, connID)
	}
	return out
}

// KeysOf returns a snapshot of the views the connection holds.
func (r *Registry) KeysOf(connID string) []market.ViewKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]market.ViewKey, 0, len(r.byConn[connID]))
	for key := range r.byConn[connID] {
		out = append(out, key)
	}
	return out
}

// Pairs returns the total number of (connection, view) pairs.
func (r *Registry) Pairs() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, views := range r.byConn {
		n += len(views)
	}
	return n
}
