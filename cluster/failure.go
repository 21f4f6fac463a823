package cluster

import (
	"sync"
	"time"
)

// FailureManager periodically sweeps a member set, recovering members
// whose fade interval has elapsed so they re-enter selection rotation —
// the fade/enable half of beng-proxy's lb_cluster failure handling (the
// other half, an explicit operator fade/enable command, is served by
// cluster/control).
type FailureManager struct {
	mu      sync.RWMutex
	members map[string]*Member
	fade    time.Duration

	stop chan struct{}
	once sync.Once
}

// NewFailureManager creates a manager that recovers a failing member
// fade after it last failed.
func NewFailureManager(fade time.Duration) *FailureManager {
	if fade <= 0 {
		fade = 30 * time.Second
	}
	return &FailureManager{members: make(map[string]*Member), fade: fade, stop: make(chan struct{})}
}

// Track registers a Member for periodic recovery sweeps.
func (f *FailureManager) Track(m *Member) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[m.ID] = m
}

// Untrack removes a Member, e.g. when the cluster's node list shrinks.
func (f *FailureManager) Untrack(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.members, id)
}

// Run sweeps tracked members every interval until Stop is called. Meant
// to run in its own goroutine for the lifetime of the cluster.
func (f *FailureManager) Run(interval time.Duration) {
	if interval <= 0 {
		interval = 1 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			f.sweep()
		case <-f.stop:
			return
		}
	}
}

func (f *FailureManager) sweep() {
	now := time.Now()
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, m := range f.members {
		if m.Failing() && now.Sub(m.FailedAt()) >= f.fade {
			m.Recover()
		}
	}
}

// Stop ends the Run loop.
func (f *FailureManager) Stop() {
	f.once.Do(func() { close(f.stop) })
}

// Fade immediately marks a tracked member failing regardless of its
// current score — the control-channel "fade node" command's effect.
func (f *FailureManager) Fade(id string) {
	f.mu.RLock()
	m, ok := f.members[id]
	f.mu.RUnlock()
	if ok {
		m.mu.Lock()
		m.failing.Store(true)
		m.failAt = time.Now()
		m.mu.Unlock()
	}
}

// Enable immediately recovers a tracked member regardless of the fade
// interval — the control-channel "enable node" command's effect.
func (f *FailureManager) Enable(id string) {
	f.mu.RLock()
	m, ok := f.members[id]
	f.mu.RUnlock()
	if ok {
		m.Recover()
	}
}
