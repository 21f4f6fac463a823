// Package translate implements the L8 translation client: a pooled
// connection to the translation server, and a TranslateCache in front of
// it keyed on BASE/REGEX match rules with explicit INVALIDATE support.
package translate

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/relaycache/tavern/translate/wire"
)

// Request is one outgoing translation request, keyed the way beng-proxy
// keys a TRANSLATE request: by URI plus a handful of request attributes
// that can change the translation decision.
type Request struct {
	URI       string
	Host      string
	UserAgent string
}

// Response is the decoded translation decision.
type Response struct {
	Fields        map[string]string
	MaxAgeSeconds int64
}

// Client dials the translation server on demand, pooling idle
// connections for reuse across requests.
type Client struct {
	addr    string
	dial    func(ctx context.Context, addr string) (net.Conn, error)
	timeout time.Duration

	mu   sync.Mutex
	idle []net.Conn
}

// Option configures a Client.
type Option func(*Client)

// WithDialTimeout bounds how long dialing a fresh connection may take.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// NewClient returns a Client dialing addr (host:port or a unix socket
// path) for each pooled connection.
func NewClient(addr string, opts ...Option) *Client {
	c := &Client{addr: addr, timeout: 5 * time.Second}
	c.dial = func(ctx context.Context, addr string) (net.Conn, error) {
		d := net.Dialer{Timeout: c.timeout}
		network := "tcp"
		if len(addr) > 0 && addr[0] == '/' {
			network = "unix"
		}
		return d.DialContext(ctx, network, addr)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Translate sends req and blocks for the server's decision.
func (c *Client) Translate(ctx context.Context, req *Request) (*Response, error) {
	conn, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}

	ok := false
	defer func() {
		if ok {
			c.release(conn)
		} else {
			_ = conn.Close()
		}
	}()

	if dl, hasDeadline := ctx.Deadline(); hasDeadline {
		_ = conn.SetDeadline(dl)
	}

	packet := &wire.Packet{
		Command: wire.CommandRequest,
		Fields: map[string]string{
			"uri":        req.URI,
			"host":       req.Host,
			"user_agent": req.UserAgent,
		},
	}
	if err := wire.WritePacket(conn, packet); err != nil {
		return nil, err
	}

	resp, err := wire.ReadPacket(bufio.NewReader(conn))
	if err != nil {
		return nil, err
	}
	if resp.Command != wire.CommandResponse {
		return nil, fmt.Errorf("translate: unexpected response command %q", resp.Command)
	}

	ok = true
	return &Response{Fields: resp.Fields, MaxAgeSeconds: resp.MaxAgeSeconds}, nil
}

func (c *Client) acquire(ctx context.Context) (net.Conn, error) {
	c.mu.Lock()
	if n := len(c.idle); n > 0 {
		conn := c.idle[n-1]
		c.idle = c.idle[:n-1]
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	return c.dial(ctx, c.addr)
}

func (c *Client) release(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.idle) >= 16 {
		_ = conn.Close()
		return
	}
	c.idle = append(c.idle, conn)
}

// Close drops all idle pooled connections.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	for _, conn := range c.idle {
		if cerr := conn.Close(); cerr != nil {
			err = cerr
		}
	}
	c.idle = nil
	return err
}
