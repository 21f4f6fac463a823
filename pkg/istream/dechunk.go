package istream

import (
	"bufio"
	"io"
	"net/textproto"
	"strconv"
)

// Dechunk strips HTTP/1.1 chunked transfer-coding, the L1-level
// equivalent of what net/http's own client already does for us on the
// wire — kept here for streams assembled from sources other than
// net/http that still arrive chunk-encoded.
func Dechunk(r io.Reader) Stream {
	return FromReader(&dechunkReader{r: bufio.NewReader(r)})
}

type dechunkReader struct {
	r         *bufio.Reader
	remaining int64
	done      bool
}

func (d *dechunkReader) Read(p []byte) (int, error) {
	if d.done {
		return 0, io.EOF
	}
	if d.remaining == 0 {
		size, err := d.readChunkSize()
		if err != nil {
			return 0, err
		}
		if size == 0 {
			d.done = true
			// trailers + final CRLF
			tp := textproto.NewReader(d.r)
			if _, err := tp.ReadMIMEHeader(); err != nil && err != io.EOF {
				return 0, err
			}
			return 0, io.EOF
		}
		d.remaining = size
	}

	if int64(len(p)) > d.remaining {
		p = p[:d.remaining]
	}
	n, err := d.r.Read(p)
	d.remaining -= int64(n)
	if d.remaining == 0 && err == nil {
		if _, err2 := d.r.Discard(2); err2 != nil { // trailing CRLF
			return n, err2
		}
	}
	return n, err
}

func (d *dechunkReader) readChunkSize() (int64, error) {
	line, err := d.r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = trimCRLF(line)
	if i := indexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	return strconv.ParseInt(line, 16, 64)
}

func trimCRLF(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func indexByte(s string, c byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			return i
		}
	}
	return -1
}
