package control_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycache/tavern/cluster/control"
)

func TestStatsEncodeDecodeRoundTrip(t *testing.T) {
	s := control.Stats{
		IncomingConnections: 3,
		OutgoingConnections: 2,
		Sessions:            42,
		RequestCount:        1000,
		CacheSize:           1 << 20,
		IOBufferSize:        4096,
	}

	got := control.DecodeStats(s.Encode())
	assert.Equal(t, s, got)
}

func TestDecodeStatsToleratesShortBuffer(t *testing.T) {
	s := control.Stats{IncomingConnections: 1, OutgoingConnections: 2, Sessions: 3}
	buf := s.Encode()[:24] // only the first three fields

	got := control.DecodeStats(buf)
	assert.Equal(t, uint64(1), got.IncomingConnections)
	assert.Equal(t, uint64(2), got.OutgoingConnections)
	assert.Equal(t, uint64(3), got.Sessions)
	assert.Equal(t, uint64(0), got.RequestCount)
}

func TestServeDispatchesCommandToHandler(t *testing.T) {
	serverConn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer serverConn.Close()

	clientConn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer clientConn.Close()

	received := make(chan control.Command, 1)
	srv := control.NewServer(serverConn, control.HandlerFunc(func(_ context.Context, cmd control.Command, payload []byte) ([]byte, error) {
		received <- cmd
		return control.Stats{Sessions: 7}.Encode(), nil
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	require.NoError(t, control.Send(clientConn, serverConn.LocalAddr(), control.CommandQueryStats, nil))

	select {
	case cmd := <-received:
		assert.Equal(t, control.CommandQueryStats, cmd)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for control command")
	}

	buf := make([]byte, 64)
	_ = clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := clientConn.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), control.DecodeStats(buf[:n]).Sessions)
}
