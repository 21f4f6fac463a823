package http

import (
	"fmt"
	"net/http"
)

// BizError carries an HTTP status code and response headers a caching
// processor has already decided on (an unsatisfiable Range, a passed-
// through upstream error status) through the http.RoundTripper error
// return, so the server's outermost handler can render it directly
// instead of collapsing every RoundTrip error to a flat 500.
type BizError struct {
	Code    int
	Headers http.Header
}

func (e *BizError) Error() string {
	return fmt.Sprintf("biz error: status=%d", e.Code)
}

// NewBizError builds a BizError carrying the given status code and
// response headers (headers may be nil).
func NewBizError(code int, headers http.Header) error {
	return &BizError{Code: code, Headers: headers}
}
