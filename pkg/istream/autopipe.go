package istream

import (
	"io"
	"os"
)

// AutoPipe copies src to an os.Pipe in the background, returning a Stream
// over the pipe's read end — the composite used when a downstream sink
// needs an io.Reader backed by a real file descriptor (so it can be handed
// to exec.Cmd.Stdin) but src itself is a synthetic, non-FD Stream such as
// one built by Cat or Replace.
func AutoPipe(src Stream) (Stream, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}

	go func() {
		defer func() { _ = w.Close() }()
		defer func() { _ = src.Close() }()
		_, _ = io.Copy(w, src)
	}()

	return &fdStream{f: r}, nil
}

// fdStream adapts an *os.File into a Stream exposing AsFD for splice/
// sendfile fast paths.
type fdStream struct {
	f *os.File
}

func (s *fdStream) Read(p []byte) (int, error) { return s.f.Read(p) }

func (s *fdStream) Skip(n int64) (int64, error) {
	cur, err := s.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	after, err := s.f.Seek(n, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	return after - cur, nil
}

func (s *fdStream) FillBuckets(dst []Bucket) ([]Bucket, error) {
	buf := make([]byte, 32*1024)
	n, err := s.f.Read(buf)
	if n > 0 {
		dst = append(dst, Bucket{Data: buf[:n]})
	}
	return dst, err
}

func (s *fdStream) ConsumeBuckets(int) {}

func (s *fdStream) AsFD() (uintptr, int64, bool) {
	info, err := s.f.Stat()
	if err != nil {
		return 0, 0, false
	}
	cur, err := s.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, 0, false
	}
	return s.f.Fd(), info.Size() - cur, true
}

func (s *fdStream) Close() error { return s.f.Close() }
