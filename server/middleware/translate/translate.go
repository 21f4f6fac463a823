// Package translate bridges the L8 translation cache to the L5 resource
// dispatcher: it asks the translation server (via the process-wide
// translate.TranslateCache) how to serve a request and, when the answer
// names a non-HTTP resource (LOCAL, PIPE, CGI, ...), dispatches directly
// through proxy/resource instead of forwarding the request to the origin
// RoundTripper.
package translate

import (
	"net/http"
	"strings"

	configv1 "github.com/relaycache/tavern/api/defined/v1/middleware"
	"github.com/relaycache/tavern/proxy/resource"
	"github.com/relaycache/tavern/server/middleware"
	"github.com/relaycache/tavern/translate"
)

type option struct {
	// Enabled gates the bridge; with no translation server configured, or
	// Enabled false, every request just passes through to the next tripper.
	Enabled bool `json:"enabled" yaml:"enabled"`
}

func init() {
	middleware.Register("translate", Middleware)
}

// Middleware builds the translate-to-resource bridge.
func Middleware(c *configv1.Middleware) (middleware.Middleware, func(), error) {
	opt := &option{}
	if err := c.Unmarshal(opt); err != nil {
		return nil, middleware.EmptyCleanup, err
	}

	return func(next http.RoundTripper) http.RoundTripper {
		return middleware.RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			tc := translate.Current()
			if !opt.Enabled || tc == nil {
				return next.RoundTrip(req)
			}

			resp, err := tc.Lookup(req.Context(), &translate.Request{
				URI:       req.URL.Path,
				Host:      req.Host,
				UserAgent: req.Header.Get("User-Agent"),
			})
			if err != nil {
				return next.RoundTrip(req)
			}

			addr, ok := addressFromFields(resp.Fields)
			if !ok {
				return next.RoundTrip(req)
			}

			return resource.Dispatch(req.Context(), addr, req)
		})
	}, middleware.EmptyCleanup, nil
}

// addressFromFields builds a resource.Address from a translation
// decision's MODE/PATH/DOCUMENT_ROOT fields; ok is false for a decision
// with no MODE (or MODE=HTTP, which the caller forwards normally).
func addressFromFields(fields map[string]string) (*resource.Address, bool) {
	mode := strings.ToUpper(fields["MODE"])
	switch resource.Kind(mode) {
	case resource.KindLocal, resource.KindPipe, resource.KindCGI, resource.KindFastCGI, resource.KindWAS:
		addr := &resource.Address{
			Kind:    resource.Kind(mode),
			Path:    fields["PATH"],
			DocRoot: fields["DOCUMENT_ROOT"],
		}
		if args := fields["ARGS"]; args != "" {
			addr.Args = strings.Split(args, "\x00")
		}
		return addr, true
	case resource.KindLHTTP:
		return &resource.Address{Kind: resource.KindLHTTP, URL: fields["PATH"]}, true
	case resource.KindNFS:
		return &resource.Address{Kind: resource.KindNFS, Server: fields["SERVER"], Export: fields["EXPORT"], Path: fields["PATH"]}, true
	default:
		return nil, false
	}
}
