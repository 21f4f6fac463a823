// Package resource dispatches a translated ResourceAddress to the backend
// that actually produces the response, the same map-of-string-to-factory
// shape storage.NewBucket uses to pick a bucket driver.
package resource

import (
	"context"
	"errors"
	"net/http"
)

// Kind names a resource address's backend class.
type Kind string

const (
	KindHTTP    Kind = "HTTP"
	KindLocal   Kind = "LOCAL"
	KindPipe    Kind = "PIPE"
	KindCGI     Kind = "CGI"
	KindFastCGI Kind = "FASTCGI"
	KindWAS     Kind = "WAS"
	KindLHTTP   Kind = "LHTTP"
	KindNFS     Kind = "NFS"
)

// Address is a single dispatchable resource, the Go-side ResourceAddress.
type Address struct {
	Kind Kind

	// HTTP / LHTTP
	URL string

	// LOCAL / PIPE / CGI / FASTCGI / WAS
	Path    string
	Args    []string
	DocRoot string

	// NFS
	Server string
	Export string

	Headers http.Header
}

// ErrUnknownKind is returned when no Handler is registered for Address.Kind.
var ErrUnknownKind = errors.New("resource: no handler registered for kind")

// Handler produces an HTTP response for one resource Address.
type Handler interface {
	Handle(ctx context.Context, addr *Address, req *http.Request) (*http.Response, error)
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc func(ctx context.Context, addr *Address, req *http.Request) (*http.Response, error)

func (f HandlerFunc) Handle(ctx context.Context, addr *Address, req *http.Request) (*http.Response, error) {
	return f(ctx, addr, req)
}

var registry = map[Kind]Handler{}

// Register installs the Handler responsible for Kind. Called from each
// handler implementation's init().
func Register(kind Kind, h Handler) { registry[kind] = h }

// Dispatch resolves addr.Kind's registered Handler and invokes it.
func Dispatch(ctx context.Context, addr *Address, req *http.Request) (*http.Response, error) {
	h, ok := registry[addr.Kind]
	if !ok {
		return nil, ErrUnknownKind
	}
	return h.Handle(ctx, addr, req)
}
