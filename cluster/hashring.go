package cluster

import (
	"sync"

	"github.com/dgryski/go-rendezvous"
)

// hashFNV is go-rendezvous's required hash function; it's handed a single
// string (a key or a node ID) and must return a value uniformly distributed
// across uint64.
func hashFNV(s string) uint64 {
	const (
		offset = 14695981039346656037
		prime  = 1099511628211
	)
	h := uint64(offset)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime
	}
	return h
}

// HashRing picks a Member for a sticky key via rendezvous (HRW) hashing:
// unlike a ring built from sorted hashes, adding or removing a member only
// ever reassigns the keys that specifically mapped to it.
type HashRing struct {
	mu      sync.RWMutex
	rv      *rendezvous.Rendezvous
	members map[string]*Member
	ids     []string
}

// NewHashRing builds a HashRing over the given members.
func NewHashRing(members []*Member) *HashRing {
	r := &HashRing{members: make(map[string]*Member, len(members))}
	r.rebuild(members)
	return r
}

func (r *HashRing) rebuild(members []*Member) {
	ids := make([]string, 0, len(members))
	byID := make(map[string]*Member, len(members))
	for _, m := range members {
		ids = append(ids, m.ID)
		byID[m.ID] = m
	}
	r.rv = rendezvous.New(ids, hashFNV)
	r.members = byID
	r.ids = ids
}

// Rebuild replaces the member set, e.g. after a translation-driven
// cluster reconfiguration.
func (r *HashRing) Rebuild(members []*Member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rebuild(members)
}

// Pick returns the Member owning key, skipping failing members by
// re-hashing against the remaining healthy set — the sticky-with-failover
// behavior lb_cluster provides.
func (r *HashRing) Pick(key string) *Member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.ids) == 0 {
		return nil
	}

	id := r.rv.Lookup(key)
	if m, ok := r.members[id]; ok && !m.Failing() {
		return m
	}

	// Degrade to a linear scan over the healthy subset, keyed so the same
	// key still lands on the same fallback member as long as the healthy
	// set doesn't change.
	healthy := make([]string, 0, len(r.ids))
	for _, id := range r.ids {
		if m := r.members[id]; m != nil && !m.Failing() {
			healthy = append(healthy, id)
		}
	}
	if len(healthy) == 0 {
		return r.members[id] // all failing: return the original pick anyway
	}
	rv := rendezvous.New(healthy, hashFNV)
	return r.members[rv.Lookup(key)]
}
