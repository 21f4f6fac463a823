package certcache_test

import (
	"context"
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycache/tavern/certcache"
)

func newTestCache(t *testing.T) *certcache.Cache {
	t.Helper()
	dir := t.TempDir()
	c, err := certcache.New(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestGetCertificateExactMatch(t *testing.T) {
	c := newTestCache(t)
	cert := &tls.Certificate{}
	c.Put("example.com", cert)

	got, err := c.GetCertificate(&tls.ClientHelloInfo{ServerName: "example.com"})
	require.NoError(t, err)
	assert.Same(t, cert, got)
}

func TestGetCertificateIsCaseInsensitiveAndTrimsTrailingDot(t *testing.T) {
	c := newTestCache(t)
	cert := &tls.Certificate{}
	c.Put("Example.com", cert)

	got, err := c.GetCertificate(&tls.ClientHelloInfo{ServerName: "example.com."})
	require.NoError(t, err)
	assert.Same(t, cert, got)
}

func TestGetCertificateWildcardFallback(t *testing.T) {
	c := newTestCache(t)
	cert := &tls.Certificate{}
	c.Put("*.example.com", cert)

	got, err := c.GetCertificate(&tls.ClientHelloInfo{ServerName: "sub.example.com"})
	require.NoError(t, err)
	assert.Same(t, cert, got)
}

func TestGetCertificateNotFound(t *testing.T) {
	c := newTestCache(t)
	_, err := c.GetCertificate(&tls.ClientHelloInfo{ServerName: "nowhere.test"})
	assert.ErrorIs(t, err, certcache.ErrNotFound)
}

func TestRemoveDropsHost(t *testing.T) {
	c := newTestCache(t)
	cert := &tls.Certificate{}
	c.Put("example.com", cert)
	c.Remove("example.com")

	_, err := c.GetCertificate(&tls.ClientHelloInfo{ServerName: "example.com"})
	assert.ErrorIs(t, err, certcache.ErrNotFound)
}

func TestStoreAndLoadKeyPairRoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.StoreKeyPair(ctx, "example.com", []byte("cert-pem"), []byte("key-pem")))

	certPEM, keyPEM, err := c.LoadKeyPair(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, []byte("cert-pem"), certPEM)
	assert.Equal(t, []byte("key-pem"), keyPEM)
}

func TestChangesNotifiesOnFileWrite(t *testing.T) {
	dir := t.TempDir()
	c, err := certcache.New(dir)
	require.NoError(t, err)
	defer c.Close()

	path := filepath.Join(dir, "example.com.crt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	select {
	case host := <-c.Changes():
		assert.Equal(t, "example.com", host)
	case <-time.After(2 * time.Second):
		t.Skip("filesystem watch notification did not arrive in time on this platform")
	}
}
