package caching

import (
	"net/http"

	storagev1 "github.com/relaycache/tavern/api/defined/v1/storage"
	"github.com/relaycache/tavern/storage"
)

var _ Processor = (*FlushProcessor)(nil)

// FlushProcessor implements AUTO_FLUSH_CACHE: on a modifying method whose
// origin response is a non-error status, it runs a directory purge on the
// value of the tagHeader request header, removing every cache entry whose
// URL starts with that value.
type FlushProcessor struct {
	tagHeader string
}

func NewFlushProcessor(tagHeader string) Processor {
	return &FlushProcessor{tagHeader: tagHeader}
}

func (f *FlushProcessor) Lookup(_ *Caching, _ *http.Request) (bool, error) {
	return true, nil
}

func (f *FlushProcessor) PreRequest(_ *Caching, req *http.Request) (*http.Request, error) {
	return req, nil
}

func (f *FlushProcessor) PostRequest(c *Caching, req *http.Request, resp *http.Response) (*http.Response, error) {
	if resp == nil || isIdempotent(req.Method) || resp.StatusCode >= http.StatusBadRequest {
		return resp, nil
	}

	tag := req.Header.Get(f.tagHeader)
	if tag == "" {
		return resp, nil
	}

	if err := storage.Current().PURGE(tag, storagev1.PurgeControl{Hard: true, Dir: true}); err != nil {
		c.log.Warnf("auto-flush-cache: purge tag %q failed: %v", tag, err)
	}

	return resp, nil
}

func isIdempotent(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}
