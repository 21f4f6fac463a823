package istream

import (
	"io"
	"sort"
)

// Splice is one substitution: the byte range [Start,End) of the original
// stream is replaced by Repl, the widget processor's mechanism for
// splicing a rendered fragment into the surrounding HTML without
// buffering the whole document.
type Splice struct {
	Start, End int64
	Repl       Stream
}

// replaceStream walks src while splicing in each Splice in order; Splices
// must be sorted by Start and non-overlapping (the widget tree walk
// guarantees this since it only emits one splice per tag span).
type replaceStream struct {
	src     Stream
	splices []Splice
	pos     int64
	next    int
	cur     Stream // active splice replacement, nil when reading passthrough
}

// Replace returns a Stream equal to src with each splice's [Start,End)
// range substituted by its Repl stream.
func Replace(src Stream, splices []Splice) Stream {
	sorted := append([]Splice(nil), splices...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })
	return &replaceStream{src: src, splices: sorted}
}

func (r *replaceStream) Read(p []byte) (int, error) {
	if r.cur != nil {
		n, err := r.cur.Read(p)
		if err == io.EOF {
			_ = r.cur.Close()
			finished := r.splices[r.next]
			r.pos = finished.End
			r.next++
			r.cur = nil
			if _, serr := r.src.Skip(finished.End - finished.Start); serr != nil {
				return n, serr
			}
			err = nil
		}
		if n > 0 || err != nil {
			return n, err
		}
	}

	if r.next < len(r.splices) && r.pos >= r.splices[r.next].Start {
		r.cur = r.splices[r.next].Repl
		return r.Read(p)
	}

	limit := int64(len(p))
	if r.next < len(r.splices) {
		if until := r.splices[r.next].Start - r.pos; until < limit {
			limit = until
		}
	}
	if limit <= 0 {
		limit = int64(len(p))
	}

	n, err := r.src.Read(p[:limit])
	r.pos += int64(n)
	return n, err
}

func (r *replaceStream) Skip(n int64) (int64, error) {
	skipped, err := r.src.Skip(n)
	r.pos += skipped
	return skipped, err
}

func (r *replaceStream) FillBuckets(dst []Bucket) ([]Bucket, error) {
	// Splices break the zero-copy bucket path by construction; callers that
	// need splicing fall back to Read.
	buf := make([]byte, 32*1024)
	n, err := r.Read(buf)
	if n > 0 {
		dst = append(dst, Bucket{Data: buf[:n]})
	}
	return dst, err
}

func (r *replaceStream) ConsumeBuckets(int) {}

func (r *replaceStream) AsFD() (uintptr, int64, bool) { return 0, 0, false }

func (r *replaceStream) Close() error {
	var err error
	if r.cur != nil {
		err = r.cur.Close()
	}
	for _, s := range r.splices[r.next:] {
		if s.Repl != nil {
			if cerr := s.Repl.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	}
	if cerr := r.src.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
