package cluster

import "github.com/relaycache/tavern/pkg/algorithm/lru"

// StickyCache remembers which Member a sticky key (session ID, source IP)
// was last routed to, independent of the hash ring's own stickiness —
// this is the fast path that avoids recomputing rendezvous hashes for
// keys seen recently, and it's what actually survives a member being
// temporarily marked failing and recovering without reshuffling.
type StickyCache struct {
	cache *lru.Cache[string, string] // sticky key -> member ID
}

// NewStickyCache builds a StickyCache bounded to limit entries.
func NewStickyCache(limit int) *StickyCache {
	return &StickyCache{cache: lru.New[string, string](limit)}
}

// Lookup returns the Member previously bound to key, if still healthy and
// tracked in members.
func (s *StickyCache) Lookup(key string, members map[string]*Member) (*Member, bool) {
	id, ok := s.cache.Get(key)
	if !ok {
		return nil, false
	}
	m, ok := members[id]
	if !ok || m.Failing() {
		return nil, false
	}
	return m, true
}

// Bind records that key was routed to m.
func (s *StickyCache) Bind(key string, m *Member) {
	s.cache.Set(key, m.ID)
}
