package translate_test

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycache/tavern/translate"
	"github.com/relaycache/tavern/translate/wire"
)

// startFakeServer accepts connections and responds to every request packet
// on each of them with resp, until the listener is closed.
func startFakeServer(t *testing.T, resp *wire.Packet) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				r := bufio.NewReader(c)
				for {
					if _, err := wire.ReadPacket(r); err != nil {
						return
					}
					if err := wire.WritePacket(c, resp); err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	return ln.Addr().String()
}

func TestClientTranslateRoundTrip(t *testing.T) {
	addr := startFakeServer(t, &wire.Packet{
		Command:       wire.CommandResponse,
		Fields:        map[string]string{"MODE": "LOCAL"},
		MaxAgeSeconds: 60,
	})

	c := translate.NewClient(addr, translate.WithDialTimeout(2*time.Second))
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := c.Translate(ctx, &translate.Request{URI: "/x", Host: "example.com"})
	require.NoError(t, err)
	assert.Equal(t, "LOCAL", resp.Fields["MODE"])
	assert.Equal(t, int64(60), resp.MaxAgeSeconds)
}

func TestClientPoolsConnectionsAcrossCalls(t *testing.T) {
	addr := startFakeServer(t, &wire.Packet{Command: wire.CommandResponse, Fields: map[string]string{"MODE": "LOCAL"}})

	c := translate.NewClient(addr)
	defer c.Close()
	ctx := context.Background()

	_, err := c.Translate(ctx, &translate.Request{URI: "/a"})
	require.NoError(t, err)
	_, err = c.Translate(ctx, &translate.Request{URI: "/b"})
	require.NoError(t, err)
}

func TestTranslateCacheServesExactHitWithoutClient(t *testing.T) {
	addr := startFakeServer(t, &wire.Packet{Command: wire.CommandResponse, Fields: map[string]string{"MODE": "LOCAL"}})
	cache := translate.NewTranslateCache(translate.NewClient(addr))

	ctx := context.Background()
	first, err := cache.Lookup(ctx, &translate.Request{URI: "/same"})
	require.NoError(t, err)

	second, err := cache.Lookup(ctx, &translate.Request{URI: "/same"})
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestTranslateCacheBaseRuleCoversPrefix(t *testing.T) {
	addr := startFakeServer(t, &wire.Packet{
		Command: wire.CommandResponse,
		Fields:  map[string]string{"BASE": "/images/", "MODE": "LOCAL"},
	})
	cache := translate.NewTranslateCache(translate.NewClient(addr))
	ctx := context.Background()

	_, err := cache.Lookup(ctx, &translate.Request{URI: "/images/a.png"})
	require.NoError(t, err)

	resp, err := cache.Lookup(ctx, &translate.Request{URI: "/images/b.png"})
	require.NoError(t, err)
	assert.Equal(t, "LOCAL", resp.Fields["MODE"])
}

func TestTranslateCacheRegexRuleMatches(t *testing.T) {
	addr := startFakeServer(t, &wire.Packet{
		Command: wire.CommandResponse,
		Fields:  map[string]string{"REGEX": `^/api/v\d+/`, "MODE": "LOCAL"},
	})
	cache := translate.NewTranslateCache(translate.NewClient(addr))
	ctx := context.Background()

	_, err := cache.Lookup(ctx, &translate.Request{URI: "/api/v1/users"})
	require.NoError(t, err)

	resp, err := cache.Lookup(ctx, &translate.Request{URI: "/api/v2/orders"})
	require.NoError(t, err)
	assert.Equal(t, "LOCAL", resp.Fields["MODE"])
}

func TestTranslateCacheInvalidateDropsMatchingRule(t *testing.T) {
	addr := startFakeServer(t, &wire.Packet{
		Command: wire.CommandResponse,
		Fields:  map[string]string{"BASE": "/images/"},
	})
	cache := translate.NewTranslateCache(translate.NewClient(addr))
	ctx := context.Background()

	first, err := cache.Lookup(ctx, &translate.Request{URI: "/images/a.png"})
	require.NoError(t, err)

	cache.Invalidate("/images/a.png")

	// A dropped rule means the next lookup must re-query the server; the
	// fake server always answers the same, so we only assert no panic/error
	// and that the cache no longer short-circuits via the old rule object.
	resp, err := cache.Lookup(ctx, &translate.Request{URI: "/images/a.png"})
	require.NoError(t, err)
	assert.Equal(t, "/images/", resp.Fields["BASE"])
	assert.NotSame(t, first, resp)
}

func TestTranslateCacheInvalidateAllClearsEverything(t *testing.T) {
	addr := startFakeServer(t, &wire.Packet{Command: wire.CommandResponse, Fields: map[string]string{"MODE": "LOCAL"}})
	cache := translate.NewTranslateCache(translate.NewClient(addr))
	ctx := context.Background()

	_, err := cache.Lookup(ctx, &translate.Request{URI: "/x"})
	require.NoError(t, err)

	cache.InvalidateAll()

	resp, err := cache.Lookup(ctx, &translate.Request{URI: "/x"})
	require.NoError(t, err)
	assert.Equal(t, "LOCAL", resp.Fields["MODE"])
}
