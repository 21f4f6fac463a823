package caching

import (
	"net/http"
	"strings"

	xhttp "github.com/relaycache/tavern/pkg/x/http"
)

var _ Processor = (*OnlyIfCachedProcessor)(nil)

// OnlyIfCachedProcessor short-circuits a cache miss to 504 when the
// request carries Cache-Control: only-if-cached, instead of letting it
// fall through to the origin.
type OnlyIfCachedProcessor struct{}

func NewOnlyIfCachedProcessor() Processor {
	return &OnlyIfCachedProcessor{}
}

func (o *OnlyIfCachedProcessor) Lookup(_ *Caching, _ *http.Request) (bool, error) {
	return true, nil
}

func (o *OnlyIfCachedProcessor) PreRequest(c *Caching, req *http.Request) (*http.Request, error) {
	if c.hit || !onlyIfCached(req) {
		return req, nil
	}
	return req, xhttp.NewBizError(http.StatusGatewayTimeout, nil)
}

func (o *OnlyIfCachedProcessor) PostRequest(_ *Caching, _ *http.Request, resp *http.Response) (*http.Response, error) {
	return resp, nil
}

func onlyIfCached(req *http.Request) bool {
	for _, directive := range strings.Split(req.Header.Get("Cache-Control"), ",") {
		if strings.EqualFold(strings.TrimSpace(directive), "only-if-cached") {
			return true
		}
	}
	return false
}
