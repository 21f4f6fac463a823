package socket_test

import (
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycache/tavern/pkg/socket"
)

type upperFilter struct{}

func (upperFilter) Decode(p []byte) ([]byte, error) { return bytes.ToUpper(p), nil }
func (upperFilter) Encode(p []byte) ([]byte, error) { return bytes.ToLower(p), nil }

func TestNewDefaultsBufSizeAndFilter(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	s := socket.New(server, 0, nil)
	require.NotNil(t, s)
}

func TestReadPassesThroughNopFilter(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	s := socket.New(server, 4096, nil)

	go func() { _, _ = client.Write([]byte("hello")) }()

	buf := make([]byte, 16)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
}

func TestReadAppliesDecodeFilter(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	s := socket.New(server, 4096, upperFilter{})

	go func() { _, _ = client.Write([]byte("hello")) }()

	buf := make([]byte, 16)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "HELLO", string(buf[:n]))
}

func TestWriteAppliesEncodeFilter(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	s := socket.New(server, 4096, upperFilter{})

	done := make(chan struct{})
	var got string
	go func() {
		buf := make([]byte, 16)
		n, _ := client.Read(buf)
		got = string(buf[:n])
		close(done)
	}()

	_, err := s.Write([]byte("HELLO"))
	require.NoError(t, err)
	<-done
	assert.Equal(t, "hello", got)
}

func TestPeekDoesNotAdvanceReadPosition(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	s := socket.New(server, 4096, nil)
	go func() { _, _ = client.Write([]byte("peekme")) }()

	peeked, err := s.Peek(4)
	require.NoError(t, err)
	assert.Equal(t, "peek", string(peeked))

	assert.True(t, s.Buffered() >= 4)

	buf := make([]byte, 16)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "peekme", string(buf[:n]))
}

func TestCloseClosesUnderlyingConn(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	s := socket.New(server, 4096, nil)
	require.NoError(t, s.Close())

	_, err := client.Write([]byte("x"))
	assert.Error(t, err)
}
