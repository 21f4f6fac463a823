package istream_test

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycache/tavern/pkg/istream"
)

func TestFromReaderReadAndClose(t *testing.T) {
	s := istream.FromReader(strings.NewReader("hello"))

	got, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	require.NoError(t, s.Close())
	_, err = s.Read(make([]byte, 1))
	assert.ErrorIs(t, err, istream.ErrClosed)
}

func TestFromReaderSkipSeekable(t *testing.T) {
	s := istream.FromReader(bytes.NewReader([]byte("0123456789")))

	n, err := s.Skip(3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	rest, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, "3456789", string(rest))
}

func TestFromReaderSkipNonSeekable(t *testing.T) {
	s := istream.FromReader(strings.NewReader("0123456789"))

	n, err := s.Skip(4)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	rest, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, "456789", string(rest))
}

func TestCatConcatenatesInOrder(t *testing.T) {
	s := istream.Cat(
		istream.FromReader(strings.NewReader("abc")),
		istream.FromReader(strings.NewReader("def")),
		istream.FromReader(strings.NewReader("ghi")),
	)

	got, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, "abcdefghi", string(got))
	require.NoError(t, s.Close())
}

func TestCatSkipsNilStreams(t *testing.T) {
	s := istream.Cat(nil, istream.FromReader(strings.NewReader("x")), nil)

	got, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, "x", string(got))
}

func TestCatEmptyIsImmediateEOF(t *testing.T) {
	s := istream.Cat()
	n, err := s.Read(make([]byte, 4))
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, io.EOF)
}

func TestTeeMirrorsReadsToSink(t *testing.T) {
	var sink bytes.Buffer
	s := istream.Tee(istream.FromReader(strings.NewReader("mirrored")), &sink)

	got, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, "mirrored", string(got))
	assert.Equal(t, "mirrored", sink.String())
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, io.ErrShortWrite }

func TestTeeDegradesToPassthroughOnSinkError(t *testing.T) {
	s := istream.Tee(istream.FromReader(strings.NewReader("data")), failingWriter{})

	got, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, "data", string(got))
}

func TestDechunkStripsChunkedEncoding(t *testing.T) {
	raw := "5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n"
	s := istream.Dechunk(strings.NewReader(raw))

	got, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))
}

func TestReplaceSplicesSingleReplacement(t *testing.T) {
	src := istream.FromReader(strings.NewReader("before[X]after"))
	repl := istream.FromReader(strings.NewReader("REPLACED"))

	s := istream.Replace(src, []istream.Splice{
		{Start: 6, End: 9, Repl: repl},
	})

	got, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, "beforeREPLACEDafter", string(got))
}

func TestReplaceSplicesMultipleOutOfOrder(t *testing.T) {
	src := istream.FromReader(strings.NewReader("aaXbbYcc"))

	s := istream.Replace(src, []istream.Splice{
		{Start: 5, End: 6, Repl: istream.FromReader(strings.NewReader("2"))},
		{Start: 2, End: 3, Repl: istream.FromReader(strings.NewReader("1"))},
	})

	got, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, "aa1bb2cc", string(got))
}

func TestAutoPipeCopiesSourceThroughFD(t *testing.T) {
	src := istream.FromReader(strings.NewReader("piped content"))

	s, err := istream.AutoPipe(src)
	require.NoError(t, err)
	defer s.Close()

	got, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, "piped content", string(got))
}
