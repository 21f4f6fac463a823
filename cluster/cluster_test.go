package cluster_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycache/tavern/cluster"
	"github.com/relaycache/tavern/conf"
)

func newBuiltCluster(t *testing.T, do func(ctx context.Context, m *cluster.Member, req *http.Request) (*http.Response, error)) *cluster.Cluster {
	t.Helper()
	cfg := &conf.Cluster{
		Name: "edge",
		Members: []conf.ClusterNode{
			{ID: "a", Address: "10.0.0.1:80", Weight: 1},
			{ID: "b", Address: "10.0.0.2:80", Weight: 1},
		},
		MaxRetries: 2,
	}
	return cluster.New(cfg, do)
}

func TestNewBuildsHealthyMembers(t *testing.T) {
	c := newBuiltCluster(t, func(ctx context.Context, m *cluster.Member, req *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusOK}, nil
	})

	require.Len(t, c.Members, 2)
	for _, m := range c.Members {
		assert.False(t, m.Failing())
		assert.Equal(t, int64(100), m.Score())
	}
}

func TestDispatchRetriesAcrossMembers(t *testing.T) {
	attempts := 0
	c := newBuiltCluster(t, func(ctx context.Context, m *cluster.Member, req *http.Request) (*http.Response, error) {
		attempts++
		if m.ID == "a" {
			return nil, assert.AnError
		}
		return &http.Response{StatusCode: http.StatusOK}, nil
	})

	req, _ := http.NewRequest(http.MethodGet, "http://edge/", nil)
	resp, err := c.Dispatch(context.Background(), "", req)

	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.GreaterOrEqual(t, attempts, 1)
}

// TestMaxAttemptsDerivedFromClusterSize pins the retry-cap formula: retries
// cap at 3 but shrink for small clusters (0 extra for a lone member, 1 for
// two, 2 for three), and a configured MaxRetries can only tighten that cap,
// never loosen it.
func TestMaxAttemptsDerivedFromClusterSize(t *testing.T) {
	cases := []struct {
		members      int
		maxRetries   int
		wantAttempts int
	}{
		{members: 1, maxRetries: 0, wantAttempts: 1},
		{members: 2, maxRetries: 0, wantAttempts: 2},
		{members: 3, maxRetries: 0, wantAttempts: 3},
		{members: 5, maxRetries: 0, wantAttempts: 4},
		{members: 5, maxRetries: 1, wantAttempts: 2},
	}

	for _, tc := range cases {
		var attempts int
		cfg := &conf.Cluster{Name: "edge", MaxRetries: tc.maxRetries}
		for i := 0; i < tc.members; i++ {
			cfg.Members = append(cfg.Members, conf.ClusterNode{
				ID:      string(rune('a' + i)),
				Address: "10.0.0.1:80",
				Weight:  1,
			})
		}
		c := cluster.New(cfg, func(ctx context.Context, m *cluster.Member, req *http.Request) (*http.Response, error) {
			attempts++
			return nil, assert.AnError
		})

		req, _ := http.NewRequest(http.MethodGet, "http://edge/", nil)
		_, err := c.Dispatch(context.Background(), "", req)
		require.Error(t, err)
		assert.Equal(t, tc.wantAttempts, attempts, "members=%d maxRetries=%d", tc.members, tc.maxRetries)
	}
}

func TestDispatchReturnsNoHealthyMemberWhenAllFail(t *testing.T) {
	c := newBuiltCluster(t, func(ctx context.Context, m *cluster.Member, req *http.Request) (*http.Response, error) {
		return nil, assert.AnError
	})

	req, _ := http.NewRequest(http.MethodGet, "http://edge/", nil)
	_, err := c.Dispatch(context.Background(), "", req)
	require.Error(t, err)
}

func TestMemberScoreAndRate(t *testing.T) {
	m := cluster.NewMember("a", "10.0.0.1:80", 1)
	assert.Equal(t, int64(100), m.Score())

	m.RecordSuccess()
	assert.Equal(t, int64(101), m.Score())
	assert.EqualValues(t, 1, m.Rate())

	for i := 0; i < 10; i++ {
		m.RecordFailure()
	}
	assert.True(t, m.Failing())

	m.Recover()
	assert.False(t, m.Failing())
	assert.Equal(t, int64(100), m.Score())
}

func TestFailureManagerFadeAndEnable(t *testing.T) {
	fm := cluster.NewFailureManager(time.Millisecond)
	m := cluster.NewMember("a", "10.0.0.1:80", 1)
	fm.Track(m)

	fm.Fade(m.ID)
	assert.True(t, m.Failing())

	fm.Enable(m.ID)
	assert.False(t, m.Failing())
}

func TestHashRingPicksConsistently(t *testing.T) {
	members := []*cluster.Member{
		cluster.NewMember("a", "10.0.0.1:80", 1),
		cluster.NewMember("b", "10.0.0.2:80", 1),
		cluster.NewMember("c", "10.0.0.3:80", 1),
	}
	ring := cluster.NewHashRing(members)

	first := ring.Pick("session-123")
	require.NotNil(t, first)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first.ID, ring.Pick("session-123").ID)
	}
}

func TestHashRingSkipsFailingMember(t *testing.T) {
	members := []*cluster.Member{
		cluster.NewMember("a", "10.0.0.1:80", 1),
		cluster.NewMember("b", "10.0.0.2:80", 1),
	}
	ring := cluster.NewHashRing(members)

	picked := ring.Pick("key")
	require.NotNil(t, picked)
	picked.RecordFailure()
	for i := 0; i < 20; i++ {
		picked.RecordFailure()
	}
	require.True(t, picked.Failing())

	fallback := ring.Pick("key")
	require.NotNil(t, fallback)
	assert.NotEqual(t, picked.ID, fallback.ID)
}

func TestRoundRobinSkipsFailingMembers(t *testing.T) {
	a := cluster.NewMember("a", "10.0.0.1:80", 1)
	b := cluster.NewMember("b", "10.0.0.2:80", 1)
	for i := 0; i < 20; i++ {
		a.RecordFailure()
	}
	require.True(t, a.Failing())

	rr := cluster.NewRoundRobin([]*cluster.Member{a, b})
	for i := 0; i < 4; i++ {
		picked := rr.Pick()
		require.NotNil(t, picked)
		assert.Equal(t, "b", picked.ID)
	}
}

func TestRegistryRoundTrip(t *testing.T) {
	c := newBuiltCluster(t, func(ctx context.Context, m *cluster.Member, req *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusOK}, nil
	})
	cluster.Register("edge", c)
	assert.Same(t, c, cluster.Get("edge"))
	assert.Nil(t, cluster.Get("missing"))
}
