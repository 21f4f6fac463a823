package cluster

import "sync/atomic"

// RoundRobin is the non-sticky fallback selector, used when a cluster has
// no sticky mode configured or a request carries no sticky key.
type RoundRobin struct {
	members []*Member
	next    uint64
}

// NewRoundRobin builds a RoundRobin over members (snapshotted; call
// NewRoundRobin again after a membership change).
func NewRoundRobin(members []*Member) *RoundRobin {
	return &RoundRobin{members: members}
}

// Pick returns the next healthy member in rotation, or nil if every
// member is failing.
func (r *RoundRobin) Pick() *Member {
	n := len(r.members)
	if n == 0 {
		return nil
	}
	for i := 0; i < n; i++ {
		idx := int(atomic.AddUint64(&r.next, 1)-1) % n
		if m := r.members[idx]; !m.Failing() {
			return m
		}
	}
	return nil
}
