// Package rewrite applies simple path prefix/regex rewrites to the
// outgoing request before it reaches the proxy client, the Go-side
// equivalent of beng-proxy's translation-driven URI rewriting (a thin,
// config-driven slice of what the full translation server (L8) would
// otherwise decide).
package rewrite

import (
	"net/http"
	"regexp"
	"strings"

	configv1 "github.com/relaycache/tavern/api/defined/v1/middleware"
	"github.com/relaycache/tavern/server/middleware"
)

type rule struct {
	Prefix  string `json:"prefix" yaml:"prefix"`
	Pattern string `json:"pattern" yaml:"pattern"`
	Replace string `json:"replace" yaml:"replace"`

	re *regexp.Regexp
}

type option struct {
	Rules []*rule `json:"rules" yaml:"rules"`
}

func init() {
	middleware.Register("rewrite", Middleware)
}

func Middleware(c *configv1.Middleware) (middleware.Middleware, func(), error) {
	opt := &option{}
	if err := c.Unmarshal(opt); err != nil {
		return nil, middleware.EmptyCleanup, err
	}

	for _, r := range opt.Rules {
		if r.Pattern != "" {
			re, err := regexp.Compile(r.Pattern)
			if err != nil {
				return nil, middleware.EmptyCleanup, err
			}
			r.re = re
		}
	}

	return func(next http.RoundTripper) http.RoundTripper {
		return middleware.RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			path := req.URL.Path
			for _, r := range opt.Rules {
				switch {
				case r.re != nil:
					if r.re.MatchString(path) {
						path = r.re.ReplaceAllString(path, r.Replace)
					}
				case r.Prefix != "" && strings.HasPrefix(path, r.Prefix):
					path = r.Replace + strings.TrimPrefix(path, r.Prefix)
				}
			}
			req.URL.Path = path
			return next.RoundTrip(req)
		})
	}, middleware.EmptyCleanup, nil
}
