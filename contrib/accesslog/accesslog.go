//go:build linux

// Package accesslog sends length-prefixed access-log records to an
// optional child logger process over a SOCK_SEQPACKET unix socket pair,
// the way the original implementation's src/access_log/* offloads log
// formatting and disk I/O to a separate process so a slow log sink never
// blocks the request path.
package accesslog

import (
	"encoding/binary"
	"net"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/relaycache/tavern/contrib/log"
)

// Record is one logged request.
type Record struct {
	Time       time.Time
	RemoteAddr string
	Method     string
	URI        string
	Status     int
	BytesSent  int64
	Duration   time.Duration
	Referer    string
	UserAgent  string
}

// Logger forwards Records to a child process over a connected unix
// socket (the child's fd 3), falling back to dropping records (rather than blocking the
// request path) if the child is unreachable.
type Logger struct {
	mu   sync.Mutex
	conn net.Conn
	cmd  *exec.Cmd
}

// Spawn starts command as a child process connected to the Logger over a
// SOCK_SEQPACKET socket pair (argv[0] receives the socket as fd 3).
func Spawn(name string, args ...string) (*Logger, error) {
	parentConn, childConn, err := socketpair()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(name, args...)
	cmd.ExtraFiles = []*os.File{childConn}
	if err := cmd.Start(); err != nil {
		_ = parentConn.Close()
		_ = childConn.Close()
		return nil, err
	}
	_ = childConn.Close()

	conn, err := net.FileConn(parentConn)
	if err != nil {
		_ = parentConn.Close()
		return nil, err
	}
	_ = parentConn.Close()

	return &Logger{conn: conn, cmd: cmd}, nil
}

// Log serializes and sends r, a length-prefixed record the child process
// decodes and writes to its own configured sink.
func (l *Logger) Log(r *Record) {
	buf := encode(r)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return
	}
	if _, err := l.conn.Write(buf); err != nil {
		log.Warnf("accesslog: write failed, dropping record: %v", err)
	}
}

func encode(r *Record) []byte {
	method := r.Method
	uri := r.URI
	referer := r.Referer
	userAgent := r.UserAgent
	remote := r.RemoteAddr

	size := 8 + 8 + 8 + 4 + len(method) + len(uri) + len(referer) + len(userAgent) + len(remote) + 5*4
	buf := make([]byte, 0, size)
	buf = appendUint64(buf, uint64(r.Time.UnixNano()))
	buf = appendUint64(buf, uint64(r.BytesSent))
	buf = appendUint64(buf, uint64(r.Duration.Nanoseconds()))
	buf = appendUint32(buf, uint32(r.Status))
	buf = appendString(buf, remote)
	buf = appendString(buf, method)
	buf = appendString(buf, uri)
	buf = appendString(buf, referer)
	buf = appendString(buf, userAgent)
	return buf
}

func appendUint64(buf []byte, v uint64) []byte {
	tmp := make([]byte, 8)
	binary.BigEndian.PutUint64(tmp, v)
	return append(buf, tmp...)
}

func appendUint32(buf []byte, v uint32) []byte {
	tmp := make([]byte, 4)
	binary.BigEndian.PutUint32(tmp, v)
	return append(buf, tmp...)
}

func appendString(buf []byte, s string) []byte {
	buf = appendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

// socketpair creates a connected SOCK_SEQPACKET unix socket pair, returned
// as (parent-side, child-side) *os.File so the child end can be handed to
// exec.Cmd.ExtraFiles.
func socketpair() (*os.File, *os.File, error) {
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_SEQPACKET, 0)
	if err != nil {
		return nil, nil, err
	}
	parent := os.NewFile(uintptr(fds[0]), "accesslog-parent")
	child := os.NewFile(uintptr(fds[1]), "accesslog-child")
	return parent, child, nil
}

// Close closes the connection to the child process; the child is left
// running and responsible for draining and exiting on EOF.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	err := l.conn.Close()
	l.conn = nil
	return err
}
