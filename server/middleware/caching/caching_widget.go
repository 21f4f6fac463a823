package caching

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/relaycache/tavern/pkg/istream"
	"github.com/relaycache/tavern/proxy"
	"github.com/relaycache/tavern/widget"
)

// _ is a compile-time assertion to ensure WidgetProcessor implements the Processor interface.
var _ Processor = (*WidgetProcessor)(nil)

// focusQueryParam names the query parameter an inbound request uses to
// name the one widget, by its dotted Widget.Ref, that should receive the
// request's own method/body/query instead of a plain bodyless GET.
const focusQueryParam = "c.focus"

// WidgetProcessor expands c:widget elements in cached HTML responses,
// splicing each widget's rendered fragment into the document body the way
// the L10 widget processor is specified to.
type WidgetProcessor struct {
	mountPoint string
	renderer   widget.Renderer
}

// NewWidgetProcessor builds a WidgetProcessor that renders each embedded
// widget through renderer and splices the result into HTML responses,
// provided mountPoint is non-empty.
func NewWidgetProcessor(mountPoint string, renderer widget.Renderer) *WidgetProcessor {
	return &WidgetProcessor{mountPoint: mountPoint, renderer: renderer}
}

// Lookup implements [Processor].
func (w *WidgetProcessor) Lookup(_ *Caching, _ *http.Request) (bool, error) {
	return true, nil
}

// PreRequest implements [Processor].
func (w *WidgetProcessor) PreRequest(_ *Caching, req *http.Request) (*http.Request, error) {
	return req, nil
}

// PostRequest rewrites the response body when it is HTML and contains
// widget markup, leaving every other response untouched.
func (w *WidgetProcessor) PostRequest(c *Caching, req *http.Request, resp *http.Response) (*http.Response, error) {
	if resp == nil || resp.Body == nil || w.mountPoint == "" || w.renderer == nil {
		return resp, nil
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
		return resp, nil
	}

	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return resp, err
	}

	if !bytes.Contains(body, []byte(widget.TagName)) {
		resp.Body = io.NopCloser(bytes.NewReader(body))
		return resp, nil
	}

	fr, err := w.focusFromRequest(req)
	if err != nil {
		c.log.Warnf("WidgetProcessor: failed to read focus body for %s: %v", req.URL.Path, err)
		fr = nil
	}

	out, err := widget.Process(req.Context(), body, w.renderer, fr)
	if err != nil {
		c.log.Warnf("WidgetProcessor: failed to process widgets in %s: %v", req.URL.Path, err)
		resp.Body = io.NopCloser(bytes.NewReader(body))
		return resp, nil
	}

	rendered, err := io.ReadAll(out)
	_ = out.Close()
	if err != nil {
		return resp, err
	}

	resp.Body = io.NopCloser(bytes.NewReader(rendered))
	resp.ContentLength = int64(len(rendered))
	resp.Header.Set("Content-Length", strconv.Itoa(len(rendered)))

	c.log.Debugf("WidgetProcessor: expanded %d bytes of widget markup in %s", len(rendered), req.URL.Path)

	return resp, nil
}

// focusFromRequest builds the widget.FromRequest that forwards req's own
// method/body/query/path_info to whichever single widget req's
// "c.focus" parameter names, or returns nil if the request focuses
// nothing (the common case: every widget then renders a bodyless GET).
func (w *WidgetProcessor) focusFromRequest(req *http.Request) (*widget.FromRequest, error) {
	ref := req.URL.Query().Get(focusQueryParam)
	if ref == "" {
		return nil, nil
	}

	var body []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		body = b
		req.Body = io.NopCloser(bytes.NewReader(b))
	}

	pathInfo := strings.TrimPrefix(req.URL.Path, w.mountPoint)
	if pathInfo == req.URL.Path {
		pathInfo = ""
	}

	return &widget.FromRequest{
		FocusRef: ref,
		Method:   req.Method,
		Query:    req.URL.RawQuery,
		Body:     body,
		PathInfo: pathInfo,
	}, nil
}

// renderWidgetViaLoopback renders a widget by issuing a loopback request to
// its translation-assigned class path, the way beng-proxy's widget
// processor fetches each widget's content from its own backend. A plain
// widget gets a bodyless GET; the one widget the inbound request focused
// gets that request's own method, query and body forwarded, with
// w.FocusPathInfo appended to the backend path.
func renderWidgetViaLoopback(ctx context.Context, w *widget.Widget) (istream.Stream, error) {
	if w.Class == "" {
		return nil, fmt.Errorf("widget %q: no backend class assigned", w.ID)
	}

	method := http.MethodGet
	path := w.Class
	var bodyReader io.Reader

	q := url.Values{}
	for k, v := range w.Params {
		q.Set(k, v)
	}

	if w.Focus {
		if w.FocusMethod != "" {
			method = w.FocusMethod
		}
		if w.FocusPathInfo != "" {
			path = joinPath(path, w.FocusPathInfo)
		}
		if w.FocusQuery != "" {
			if fq, err := url.ParseQuery(w.FocusQuery); err == nil {
				for k, vs := range fq {
					for _, v := range vs {
						q.Add(k, v)
					}
				}
			}
		}
		if len(w.FocusBody) > 0 {
			bodyReader = bytes.NewReader(w.FocusBody)
		}
	}

	u := &url.URL{Scheme: "http", Host: "127.0.0.1:8888", Path: path, RawQuery: q.Encode()}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bodyReader)
	if err != nil {
		return nil, err
	}
	for k, v := range w.Headers {
		req.Header.Set(k, v)
	}
	if len(w.FocusBody) > 0 {
		req.ContentLength = int64(len(w.FocusBody))
	}

	resp, err := proxy.GetProxy().DoLoopback(req)
	if err != nil {
		return nil, err
	}
	return istream.FromReader(resp.Body), nil
}

func joinPath(base, extra string) string {
	base = strings.TrimSuffix(base, "/")
	if !strings.HasPrefix(extra, "/") {
		extra = "/" + extra
	}
	return base + extra
}
