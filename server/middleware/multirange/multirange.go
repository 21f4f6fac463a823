// Package multirange filters multi-range requests before they reach the
// caching layer: the cache object model (object.Metadata.Parts) tracks a
// single contiguous byte-range hit/miss state per request, so when a Range
// header holds more than MaxRanges range-specs its Range and If-Range
// headers are removed and the request becomes a full fetch; it is not
// narrowed to one of the requested ranges.
package multirange

import (
	"net/http"
	"strings"

	configv1 "github.com/relaycache/tavern/api/defined/v1/middleware"
	"github.com/relaycache/tavern/contrib/log"
	"github.com/relaycache/tavern/server/middleware"
)

type option struct {
	// MaxRanges is the maximum number of comma-separated range-specs
	// tolerated before the header is stripped entirely.
	MaxRanges int `json:"max_ranges" yaml:"max_ranges"`
}

func init() {
	middleware.Register("multirange", Middleware)
}

func Middleware(c *configv1.Middleware) (middleware.Middleware, func(), error) {
	opt := &option{MaxRanges: 1}
	if err := c.Unmarshal(opt); err != nil {
		return nil, middleware.EmptyCleanup, err
	}

	return func(next http.RoundTripper) http.RoundTripper {
		return middleware.RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			if raw := req.Header.Get("Range"); raw != "" {
				if n := strings.Count(raw, ","); n >= opt.MaxRanges {
					log.Context(req.Context()).Debugf("dropping multi-range request (%d ranges): %s", n+1, raw)
					req.Header.Del("Range")
					req.Header.Del("If-Range")
				}
			}
			return next.RoundTrip(req)
		})
	}, middleware.EmptyCleanup, nil
}
