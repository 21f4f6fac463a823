package cluster

import (
	"context"
	"net/http"
	"time"

	"github.com/relaycache/tavern/conf"
)

// defaultFadeTime is how long a member stays marked failing before the
// FailureManager reconsiders it, when the config leaves FadeTime unset.
const defaultFadeTime = 20 * time.Second

// New builds a Cluster from its config section, wiring up the sticky
// cache, hash ring, round robin and failure manager it needs. do is the
// transport the Cluster dispatches requests through (the caller typically
// passes proxy.GetProxy().Do wrapped to target a single member's address).
func New(cfg *conf.Cluster, do func(ctx context.Context, member *Member, req *http.Request) (*http.Response, error)) *Cluster {
	members := make([]*Member, 0, len(cfg.Members))
	for _, n := range cfg.Members {
		weight := n.Weight
		if weight <= 0 {
			weight = 1
		}
		members = append(members, NewMember(n.ID, n.Address, weight))
	}

	fade := cfg.FadeTime
	if fade <= 0 {
		fade = defaultFadeTime
	}

	c := &Cluster{
		Members:    members,
		Sticky:     parseSticky(cfg.Sticky),
		RR:         NewRoundRobin(members),
		Cache:      NewStickyCache(1024),
		Ring:       NewHashRing(members),
		Failure:    NewFailureManager(fade),
		MaxRetries: cfg.MaxRetries,
		Do:         do,
	}

	for _, m := range members {
		c.Failure.Track(m)
	}

	return c
}

func parseSticky(mode string) StickyMode {
	switch mode {
	case "source_ip":
		return StickySourceIP
	case "session":
		return StickySession
	case "cookie":
		return StickyCookie
	default:
		return StickyNone
	}
}
