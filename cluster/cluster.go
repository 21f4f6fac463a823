package cluster

import (
	"context"
	"errors"
	"net/http"
)

// ErrNoHealthyMember is returned when every member in the cluster is
// currently failing.
var ErrNoHealthyMember = errors.New("cluster: no healthy member")

// StickyMode selects how Cluster.Dispatch picks a member for a given request.
type StickyMode int

const (
	StickyNone StickyMode = iota
	StickySourceIP
	StickySession
	StickyCookie
)

// Cluster ties a member set, its failure tracking, and a selection
// strategy (sticky hash ring, sticky cache, or round robin) into the
// single entry point the server calls per request.
type Cluster struct {
	Members []*Member
	Sticky  StickyMode
	Ring    *HashRing
	Cache   *StickyCache
	RR      *RoundRobin
	Failure *FailureManager

	// MaxRetries further bounds the retry budget maxAttempts derives from
	// cluster size (0 unset means "no additional cap beyond cluster size").
	MaxRetries int

	// Do sends req to member and returns its response; callers inject
	// their transport (typically the global proxy.Proxy.Do) here rather
	// than Cluster dialing members itself.
	Do func(ctx context.Context, member *Member, req *http.Request) (*http.Response, error)
}

// Dispatch picks a member for stickyKey (ignored under StickyNone) and
// retries against successive members on failure, up to maxAttempts.
func (c *Cluster) Dispatch(ctx context.Context, stickyKey string, req *http.Request) (*http.Response, error) {
	byID := make(map[string]*Member, len(c.Members))
	for _, m := range c.Members {
		byID[m.ID] = m
	}

	attempts := c.maxAttempts()
	tried := make(map[string]bool, attempts)
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		member := c.pick(stickyKey, byID, tried)
		if member == nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, ErrNoHealthyMember
		}
		tried[member.ID] = true

		resp, err := c.Do(ctx, member, req)
		if err != nil {
			member.RecordFailure()
			lastErr = err
			continue
		}
		member.RecordSuccess()
		if c.Sticky != StickyNone && stickyKey != "" && c.Cache != nil {
			c.Cache.Bind(stickyKey, member)
		}
		return resp, nil
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, ErrNoHealthyMember
}

// maxAttempts returns the number of distinct members a single Dispatch
// call may try. Retries are capped at 3, less for small clusters (0 extra
// retries for a lone member, 1 for two, 2 for three), so the attempt count
// is that cap plus the initial try. MaxRetries, when positive, further
// tightens the cap but never loosens it.
func (c *Cluster) maxAttempts() int {
	retryCap := 3
	switch n := len(c.Members); {
	case n <= 1:
		retryCap = 0
	case n == 2:
		retryCap = 1
	case n == 3:
		retryCap = 2
	}
	if c.MaxRetries > 0 && c.MaxRetries < retryCap {
		retryCap = c.MaxRetries
	}
	return retryCap + 1
}

func (c *Cluster) pick(stickyKey string, byID map[string]*Member, tried map[string]bool) *Member {
	if c.Sticky != StickyNone && stickyKey != "" {
		if c.Cache != nil {
			if m, ok := c.Cache.Lookup(stickyKey, byID); ok && !tried[m.ID] {
				return m
			}
		}
		if c.Ring != nil {
			if m := c.Ring.Pick(stickyKey); m != nil && !tried[m.ID] {
				return m
			}
		}
	}
	if c.RR != nil {
		for i := 0; i < len(c.Members); i++ {
			if m := c.RR.Pick(); m != nil && !tried[m.ID] {
				return m
			}
		}
	}
	for _, m := range c.Members {
		if !m.Failing() && !tried[m.ID] {
			return m
		}
	}
	return nil
}
