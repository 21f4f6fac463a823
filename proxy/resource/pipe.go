package resource

import (
	"bufio"
	"bytes"
	"context"
	"net/http"
	"net/textproto"
	"os/exec"
	"strconv"
)

func init() {
	h := HandlerFunc(handlePipe)
	Register(KindPipe, h)
	Register(KindCGI, h)
}

// handlePipe runs addr.Path as a child process and treats its stdout as a
// CGI-style response: an optional header block (terminated by a blank
// line) followed by the body. PIPE and CGI share this handler — PIPE
// addresses simply never emit a header block, which parseCGIOutput
// tolerates by falling back to a bare 200 with the raw bytes as the body.
func handlePipe(ctx context.Context, addr *Address, req *http.Request) (*http.Response, error) {
	cmd := exec.CommandContext(ctx, addr.Path, addr.Args...)
	cmd.Dir = addr.DocRoot
	cmd.Env = buildCGIEnv(addr, req)

	out, err := cmd.Output()
	if err != nil {
		return nil, err
	}

	return parseCGIOutput(out, req)
}

func buildCGIEnv(addr *Address, req *http.Request) []string {
	env := []string{
		"REQUEST_METHOD=" + req.Method,
		"SCRIPT_NAME=" + addr.Path,
		"QUERY_STRING=" + req.URL.RawQuery,
		"SERVER_PROTOCOL=" + req.Proto,
	}
	for k, vs := range req.Header {
		if len(vs) == 0 {
			continue
		}
		env = append(env, "HTTP_"+textproto.CanonicalMIMEHeaderKey(k)+"="+vs[0])
	}
	return env
}

func parseCGIOutput(out []byte, req *http.Request) (*http.Response, error) {
	sep := []byte("\r\n\r\n")
	idx := bytes.Index(out, sep)
	if idx < 0 {
		sep = []byte("\n\n")
		idx = bytes.Index(out, sep)
	}
	if idx < 0 {
		return &http.Response{
			StatusCode:    http.StatusOK,
			Status:        http.StatusText(http.StatusOK),
			Header:        make(http.Header),
			Body:          noBodyReader(out),
			ContentLength: int64(len(out)),
			Request:       req,
		}, nil
	}

	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(out[:idx])))
	mimeHeader, err := tp.ReadMIMEHeader()
	if err != nil && len(mimeHeader) == 0 {
		return nil, err
	}

	header := http.Header(mimeHeader)
	status := http.StatusOK
	if s := header.Get("Status"); s != "" {
		if code, perr := strconv.Atoi(s[:3]); perr == nil {
			status = code
		}
		header.Del("Status")
	}

	body := out[idx+len(sep):]
	header.Set("Content-Length", strconv.Itoa(len(body)))

	return &http.Response{
		StatusCode:    status,
		Status:        http.StatusText(status),
		Header:        header,
		Body:          noBodyReader(body),
		ContentLength: int64(len(body)),
		Request:       req,
	}, nil
}

func noBodyReader(b []byte) *bytesReadCloser {
	return &bytesReadCloser{r: bytes.NewReader(b)}
}

type bytesReadCloser struct {
	r *bytes.Reader
}

func (b *bytesReadCloser) Read(p []byte) (int, error) { return b.r.Read(p) }
func (b *bytesReadCloser) Close() error                { return nil }
