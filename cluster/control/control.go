// Package control implements the operator control channel: a datagram
// socket accepting fixed commands to invalidate the translation cache,
// fade or enable a cluster node, and query node/stats state — grounded on
// the original implementation's src/lb/Control.cxx and src/control/*
// (recovered during the Go rewrite since the distilled spec names the
// channel but assigns it no owning component).
package control

import (
	"context"
	"encoding/binary"
	"net"

	"github.com/relaycache/tavern/contrib/log"
)

// Command is a single control-channel opcode.
type Command uint16

const (
	CommandInvalidateTranslate Command = 1
	CommandNodeFade            Command = 2
	CommandNodeEnable          Command = 3
	CommandQueryNodeStatus     Command = 4
	CommandQueryStats          Command = 5
)

// Handler reacts to one decoded control command, returning an optional
// response payload (e.g. an encoded Stats for CommandQueryStats).
type Handler interface {
	Handle(ctx context.Context, cmd Command, payload []byte) ([]byte, error)
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc func(ctx context.Context, cmd Command, payload []byte) ([]byte, error)

func (f HandlerFunc) Handle(ctx context.Context, cmd Command, payload []byte) ([]byte, error) {
	return f(ctx, cmd, payload)
}

// Server listens on a UDP (or unix datagram) socket for fixed-format
// control packets: a big-endian uint16 Command followed by an opaque
// payload.
type Server struct {
	conn    net.PacketConn
	handler Handler
	log     *log.Helper
}

// NewServer wraps an already-bound PacketConn (UDP loopback or a unix
// SOCK_DGRAM socket) to dispatch incoming packets to handler.
func NewServer(conn net.PacketConn, handler Handler) *Server {
	return &Server{conn: conn, handler: handler, log: log.NewHelper(log.GetLogger())}
}

// Serve reads packets until ctx is done or the socket errors.
func (s *Server) Serve(ctx context.Context) error {
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			return err
		}
		if n < 2 {
			continue
		}

		cmd := Command(binary.BigEndian.Uint16(buf[:2]))
		payload := append([]byte(nil), buf[2:n]...)

		resp, err := s.handler.Handle(ctx, cmd, payload)
		if err != nil {
			s.log.Errorw("msg", "control command failed", "cmd", cmd, "error", err)
			continue
		}
		if resp != nil {
			if _, err := s.conn.WriteTo(resp, addr); err != nil {
				s.log.Errorw("msg", "control response write failed", "error", err)
			}
		}
	}
}

// Close closes the underlying socket.
func (s *Server) Close() error { return s.conn.Close() }

// Send encodes and sends one control command to addr over conn — the
// client side used by an operator CLI or the test suite.
func Send(conn net.PacketConn, addr net.Addr, cmd Command, payload []byte) error {
	buf := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(buf, uint16(cmd))
	copy(buf[2:], payload)
	_, err := conn.WriteTo(buf, addr)
	return err
}
