// Package certcache implements L11: per-SNI certificate lookup with
// wildcard fallback, backed by certmagic's on-disk certificate storage so
// the same cache survives a restart and can be shared with an ACME issuer
// if one is configured.
package certcache

import (
	"context"
	"crypto/tls"
	"errors"
	"strings"
	"sync"

	"github.com/caddyserver/certmagic"
	"github.com/fsnotify/fsnotify"

	"github.com/relaycache/tavern/contrib/log"
)

// ErrNotFound is returned when no certificate covers a requested SNI.
var ErrNotFound = errors.New("certcache: no certificate for host")

// Cache resolves a TLS ClientHello's SNI to a certificate, preferring an
// exact hostname match and falling back to the first registered wildcard
// that covers it.
type Cache struct {
	storage certmagic.Storage

	mu       sync.RWMutex
	exact    map[string]*tls.Certificate
	wildcard map[string]*tls.Certificate // "*.example.com" -> cert

	watcher *fsnotify.Watcher
	changes chan string
}

// New builds a Cache backed by a certmagic.FileStorage rooted at dir.
func New(dir string) (*Cache, error) {
	c := &Cache{
		storage:  &certmagic.FileStorage{Path: dir},
		exact:    make(map[string]*tls.Certificate),
		wildcard: make(map[string]*tls.Certificate),
		changes:  make(chan string, 16),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	c.watcher = watcher

	go c.watchLoop()

	return c, nil
}

// GetCertificate implements tls.Config.GetCertificate.
func (c *Cache) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	name := strings.ToLower(strings.TrimSuffix(hello.ServerName, "."))

	c.mu.RLock()
	defer c.mu.RUnlock()

	if cert, ok := c.exact[name]; ok {
		return cert, nil
	}

	if i := strings.IndexByte(name, '.'); i >= 0 {
		wildcardName := "*" + name[i:]
		if cert, ok := c.wildcard[wildcardName]; ok {
			return cert, nil
		}
	}

	return nil, ErrNotFound
}

// Put registers cert for host (a concrete SNI name, or "*.domain" for a
// wildcard entry).
func (c *Cache) Put(host string, cert *tls.Certificate) {
	host = strings.ToLower(host)
	c.mu.Lock()
	defer c.mu.Unlock()
	if strings.HasPrefix(host, "*.") {
		c.wildcard[host] = cert
	} else {
		c.exact[host] = cert
	}
}

// Remove drops a previously registered host.
func (c *Cache) Remove(host string) {
	host = strings.ToLower(host)
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.exact, host)
	delete(c.wildcard, host)
}

// StoreKeyPair persists certPEM/keyPEM for host under the backing
// certmagic.Storage, using the same storage layer certmagic's own ACME
// issuer would write to, so an externally obtained certificate is picked
// up without a custom on-disk format.
func (c *Cache) StoreKeyPair(ctx context.Context, host string, certPEM, keyPEM []byte) error {
	if err := c.storage.Store(ctx, certKey(host), certPEM); err != nil {
		return err
	}
	return c.storage.Store(ctx, keyKey(host), keyPEM)
}

// LoadKeyPair reads back a previously stored PEM certificate/key pair for
// host from the backing storage.
func (c *Cache) LoadKeyPair(ctx context.Context, host string) (certPEM, keyPEM []byte, err error) {
	certPEM, err = c.storage.Load(ctx, certKey(host))
	if err != nil {
		return nil, nil, err
	}
	keyPEM, err = c.storage.Load(ctx, keyKey(host))
	if err != nil {
		return nil, nil, err
	}
	return certPEM, keyPEM, nil
}

func certKey(host string) string { return "certificates/" + host + "/" + host + ".crt" }
func keyKey(host string) string  { return "certificates/" + host + "/" + host + ".key" }

// Changes returns a channel of hostnames whose on-disk certificate
// changed underneath the Cache, for a caller to reload via Put.
func (c *Cache) Changes() <-chan string { return c.changes }

func (c *Cache) watchLoop() {
	for {
		select {
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			host := hostFromPath(event.Name)
			if host == "" {
				continue
			}
			select {
			case c.changes <- host:
			default:
				log.Warnf("certcache: change notification dropped for %s", host)
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("certcache: watch error: %v", err)
		}
	}
}

func hostFromPath(path string) string {
	base := path
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		base = path[i+1:]
	}
	return strings.TrimSuffix(strings.TrimSuffix(base, ".key"), ".crt")
}

// Close stops the underlying fsnotify watcher.
func (c *Cache) Close() error { return c.watcher.Close() }
