package istream

import "io"

// catStream is the composite equivalent of iobuf.partsReader generalized to
// the Stream interface: it reads sequentially through a slice of Streams,
// closing each one as it's exhausted.
type catStream struct {
	streams []Stream
	index   int
}

// Cat concatenates streams into one Stream, read in order.
func Cat(streams ...Stream) Stream {
	if len(streams) == 0 {
		return FromReader(new(emptyReader))
	}
	return &catStream{streams: streams}
}

type emptyReader struct{}

func (*emptyReader) Read([]byte) (int, error) { return 0, io.EOF }

func (c *catStream) current() (Stream, bool) {
	for c.index < len(c.streams) {
		if c.streams[c.index] != nil {
			return c.streams[c.index], true
		}
		c.index++
	}
	return nil, false
}

func (c *catStream) Read(p []byte) (int, error) {
	s, ok := c.current()
	if !ok {
		return 0, io.EOF
	}
	n, err := s.Read(p)
	if err == io.EOF {
		_ = s.Close()
		c.index++
		if _, more := c.current(); more {
			err = nil
		}
	}
	return n, err
}

func (c *catStream) Skip(n int64) (int64, error) {
	var total int64
	for n > 0 {
		s, ok := c.current()
		if !ok {
			break
		}
		skipped, err := s.Skip(n)
		total += skipped
		n -= skipped
		if err != nil {
			return total, err
		}
		if skipped == 0 {
			break
		}
	}
	return total, nil
}

func (c *catStream) FillBuckets(dst []Bucket) ([]Bucket, error) {
	s, ok := c.current()
	if !ok {
		return dst, io.EOF
	}
	return s.FillBuckets(dst)
}

func (c *catStream) ConsumeBuckets(n int) {
	if s, ok := c.current(); ok {
		s.ConsumeBuckets(n)
	}
}

func (c *catStream) AsFD() (uintptr, int64, bool) {
	if len(c.streams)-c.index != 1 {
		return 0, 0, false
	}
	if s, ok := c.current(); ok {
		return s.AsFD()
	}
	return 0, 0, false
}

func (c *catStream) Close() error {
	var err error
	for ; c.index < len(c.streams); c.index++ {
		if c.streams[c.index] == nil {
			continue
		}
		if cerr := c.streams[c.index].Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
