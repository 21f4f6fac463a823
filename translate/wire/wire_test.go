package wire_test

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycache/tavern/translate/wire"
)

func TestWritePacketReadPacketRoundTrip(t *testing.T) {
	p := &wire.Packet{
		Command:       wire.CommandResponse,
		Fields:        map[string]string{"BASE": "/images/"},
		MaxAgeSeconds: 30,
	}

	var buf bytes.Buffer
	require.NoError(t, wire.WritePacket(&buf, p))

	got, err := wire.ReadPacket(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, p.Command, got.Command)
	assert.Equal(t, p.Fields, got.Fields)
	assert.Equal(t, p.MaxAgeSeconds, got.MaxAgeSeconds)
}

func TestReadPacketRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})

	_, err := wire.ReadPacket(bufio.NewReader(&buf))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestReadPacketPropagatesShortRead(t *testing.T) {
	_, err := wire.ReadPacket(bufio.NewReader(strings.NewReader("\x00\x00")))
	require.Error(t, err)
}
