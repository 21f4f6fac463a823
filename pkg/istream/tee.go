package istream

import "io"

// teeStream duplicates every byte read from the source onto sink as it is
// pulled through by the primary consumer, the way the caching middleware's
// response body is mirrored into the object store while it streams to the
// client. A write error on sink degrades the tee to pass-through only: it
// never fails the primary read.
type teeStream struct {
	src    Stream
	sink   io.Writer
	broken bool
}

// Tee returns a Stream that reads from src and additionally writes
// everything read to sink.
func Tee(src Stream, sink io.Writer) Stream {
	return &teeStream{src: src, sink: sink}
}

func (t *teeStream) Read(p []byte) (int, error) {
	n, err := t.src.Read(p)
	if n > 0 && !t.broken {
		if _, werr := t.sink.Write(p[:n]); werr != nil {
			t.broken = true
		}
	}
	return n, err
}

func (t *teeStream) Skip(n int64) (int64, error) {
	// Skipping bypasses the sink: partial content isn't a cacheable object.
	t.broken = true
	return t.src.Skip(n)
}

func (t *teeStream) FillBuckets(dst []Bucket) ([]Bucket, error) {
	before := len(dst)
	dst, err := t.src.FillBuckets(dst)
	if !t.broken {
		for _, b := range dst[before:] {
			if _, werr := t.sink.Write(b.Data); werr != nil {
				t.broken = true
				break
			}
		}
	}
	return dst, err
}

func (t *teeStream) ConsumeBuckets(n int) { t.src.ConsumeBuckets(n) }

func (t *teeStream) AsFD() (uintptr, int64, bool) { return 0, 0, false }

func (t *teeStream) Close() error { return t.src.Close() }
