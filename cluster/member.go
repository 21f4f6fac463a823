// Package cluster implements L7 backend-cluster routing: member health
// tracking, a rendezvous hash ring for sticky selection, a sticky-session
// LRU cache, a plain round-robin fallback, and a retry wrapper tying them
// together — the Go-side equivalent of beng-proxy's lb_cluster.
package cluster

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/paulbellamy/ratecounter"
)

// Member is one backend node under cluster management.
type Member struct {
	ID      string
	Address string
	Weight  int

	score   int64 // atomic; keep-alive health score, see scoreDelta
	failing atomic.Bool
	mu      sync.RWMutex
	failAt  time.Time

	// rate counts requests dispatched to the member over a sliding
	// one-minute window, reported by Rate; member selection does not
	// consult it.
	rate *ratecounter.RateCounter
}

const (
	scoreInitial = 100
	scoreMax     = 200
	scoreMin     = 0

	// scoreDelta adjustments: folded from the original connection-score
	// state machine (src/http/server/Server.cxx) into a single counter
	// since net/http owns the actual socket state machine here.
	scoreDeltaSuccess = 1
	scoreDeltaFailure = -20
)

// NewMember constructs a Member with the initial health score.
func NewMember(id, addr string, weight int) *Member {
	if weight <= 0 {
		weight = 1
	}
	return &Member{
		ID: id, Address: addr, Weight: weight, score: scoreInitial,
		rate: ratecounter.NewRateCounter(time.Minute),
	}
}

// Rate returns the member's recent requests-per-minute, incremented by
// RecordSuccess and RecordFailure alike since both represent a dispatched
// request.
func (m *Member) Rate() int64 { return m.rate.Rate() }

// RecordSuccess nudges the member's score up after a successful request.
func (m *Member) RecordSuccess() {
	m.rate.Incr(1)
	for {
		old := atomic.LoadInt64(&m.score)
		next := old + scoreDeltaSuccess
		if next > scoreMax {
			next = scoreMax
		}
		if atomic.CompareAndSwapInt64(&m.score, old, next) {
			return
		}
	}
}

// RecordFailure lowers the member's score and, if it crosses into the
// failing range, marks the member failing as of now.
func (m *Member) RecordFailure() {
	m.rate.Incr(1)
	for {
		old := atomic.LoadInt64(&m.score)
		next := old + scoreDeltaFailure
		if next < scoreMin {
			next = scoreMin
		}
		if atomic.CompareAndSwapInt64(&m.score, old, next) {
			break
		}
	}
	if atomic.LoadInt64(&m.score) <= scoreMin {
		m.mu.Lock()
		m.failing.Store(true)
		m.failAt = time.Now()
		m.mu.Unlock()
	}
}

// Score returns the current health score (scoreMin..scoreMax).
func (m *Member) Score() int64 { return atomic.LoadInt64(&m.score) }

// Failing reports whether the member is currently excluded from
// selection.
func (m *Member) Failing() bool { return m.failing.Load() }

// Recover clears a member's failing state and resets its score, called by
// FailureManager once a fade interval elapses.
func (m *Member) Recover() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing.Store(false)
	atomic.StoreInt64(&m.score, scoreInitial)
}

// FailedAt returns the time at which the member last transitioned to
// failing, or the zero Time if it never has.
func (m *Member) FailedAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.failAt
}
