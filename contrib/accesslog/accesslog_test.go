//go:build linux

package accesslog

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeLayoutMatchesFieldOrder(t *testing.T) {
	r := &Record{
		Time:       time.Unix(0, 1234),
		RemoteAddr: "1.2.3.4",
		Method:     "GET",
		URI:        "/x",
		Status:     200,
		BytesSent:  42,
		Duration:   5 * time.Millisecond,
		Referer:    "",
		UserAgent:  "ua",
	}

	buf := encode(r)

	var off int
	readUint64 := func() uint64 {
		v := binary.BigEndian.Uint64(buf[off : off+8])
		off += 8
		return v
	}
	readUint32 := func() uint32 {
		v := binary.BigEndian.Uint32(buf[off : off+4])
		off += 4
		return v
	}
	readString := func() string {
		n := readUint32()
		s := string(buf[off : off+int(n)])
		off += int(n)
		return s
	}

	assert.Equal(t, uint64(1234), readUint64())
	assert.Equal(t, uint64(42), readUint64())
	assert.Equal(t, uint64((5 * time.Millisecond).Nanoseconds()), readUint64())
	assert.Equal(t, uint32(200), readUint32())
	assert.Equal(t, "1.2.3.4", readString())
	assert.Equal(t, "GET", readString())
	assert.Equal(t, "/x", readString())
	assert.Equal(t, "", readString())
	assert.Equal(t, "ua", readString())
	assert.Equal(t, len(buf), off)
}

func TestLoggerLogWritesEncodedRecordToConn(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	l := &Logger{conn: client}

	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 256)
		n, _ := server.Read(buf)
		done <- buf[:n]
	}()

	l.Log(&Record{Method: "POST", URI: "/y", Status: 201})

	select {
	case got := <-done:
		assert.NotEmpty(t, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for logged record")
	}
}

func TestLoggerLogNoopWithNilConn(t *testing.T) {
	l := &Logger{}
	l.Log(&Record{Method: "GET"}) // must not panic
}

func TestLoggerCloseIsIdempotent(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	l := &Logger{conn: client}
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
}
