package resource

import (
	"context"
	"net/http"

	"github.com/relaycache/tavern/proxy"
)

func init() {
	Register(KindHTTP, HandlerFunc(handleHTTP))
	Register(KindLHTTP, HandlerFunc(handleHTTP))
}

// handleHTTP dispatches to the process-wide reverse proxy (proxy.GetProxy)
// rather than dialing addr.URL directly: HTTP/LHTTP resource addresses
// flow through the same load-balanced client as other proxied requests.
// Requests sent this way are not collapsed.
func handleHTTP(ctx context.Context, addr *Address, req *http.Request) (*http.Response, error) {
	cloned := req.Clone(ctx)
	if addr.URL != "" {
		u, err := cloned.URL.Parse(addr.URL)
		if err != nil {
			return nil, err
		}
		cloned.URL = u
	}
	for k, vs := range addr.Headers {
		for _, v := range vs {
			cloned.Header.Add(k, v)
		}
	}
	return proxy.GetProxy().Do(cloned, false, 0)
}
