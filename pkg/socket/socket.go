// Package socket wraps net.Conn with a read-side buffer and an optional
// Filter (TLS termination, framing). It is a standalone package: no other
// package in this module imports it, and the cluster (L7) and translate
// (L8) packages dial their backends without it. net/http's own transport
// owns the HTTP/1.1 byte stream on the proxy's public listener and
// upstream dial path.
package socket

import (
	"bufio"
	"io"
	"net"
	"time"
)

// Filter transforms bytes as they cross the socket boundary — e.g. a TLS
// record layer, or a length-prefix framer. NopFilter is the identity filter.
type Filter interface {
	// Decode is called on bytes freshly read off the wire before the
	// caller sees them.
	Decode(p []byte) ([]byte, error)
	// Encode is called on bytes about to be written to the wire.
	Encode(p []byte) ([]byte, error)
}

type nopFilter struct{}

func (nopFilter) Decode(p []byte) ([]byte, error) { return p, nil }
func (nopFilter) Encode(p []byte) ([]byte, error) { return p, nil }

// NopFilter performs no transformation.
var NopFilter Filter = nopFilter{}

// Socket is a buffered net.Conn with an installed Filter.
type Socket struct {
	conn   net.Conn
	r      *bufio.Reader
	filter Filter
}

// New wraps conn with a read buffer of bufSize bytes (0 selects a 4KiB
// default) and filter (nil selects NopFilter).
func New(conn net.Conn, bufSize int, filter Filter) *Socket {
	if bufSize <= 0 {
		bufSize = 4096
	}
	if filter == nil {
		filter = NopFilter
	}
	return &Socket{conn: conn, r: bufio.NewReaderSize(conn, bufSize), filter: filter}
}

// Read implements io.Reader, passing bytes through the installed filter.
func (s *Socket) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if n > 0 {
		decoded, derr := s.filter.Decode(p[:n])
		if derr != nil {
			return 0, derr
		}
		copy(p, decoded)
		n = len(decoded)
	}
	return n, err
}

// Peek returns the next n bytes without advancing the read position.
// The bytes are returned as read off the wire, without the filter's
// Decode applied.
func (s *Socket) Peek(n int) ([]byte, error) {
	return s.r.Peek(n)
}

// Write implements io.Writer, passing bytes through the installed filter.
func (s *Socket) Write(p []byte) (int, error) {
	encoded, err := s.filter.Encode(p)
	if err != nil {
		return 0, err
	}
	return s.conn.Write(encoded)
}

// Close closes the underlying connection.
func (s *Socket) Close() error { return s.conn.Close() }

// SetDeadline, SetReadDeadline and SetWriteDeadline delegate to the
// underlying net.Conn.
func (s *Socket) SetDeadline(t time.Time) error      { return s.conn.SetDeadline(t) }
func (s *Socket) SetReadDeadline(t time.Time) error  { return s.conn.SetReadDeadline(t) }
func (s *Socket) SetWriteDeadline(t time.Time) error { return s.conn.SetWriteDeadline(t) }

// RemoteAddr returns the underlying connection's remote address.
func (s *Socket) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// Buffered returns the number of bytes currently held in the read buffer
// without having been consumed by the caller.
func (s *Socket) Buffered() int { return s.r.Buffered() }

var _ io.ReadWriteCloser = (*Socket)(nil)
