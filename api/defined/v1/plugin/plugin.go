// Package plugin defines the contract optional request-path extensions
// (e.g. PURGE handling) must satisfy to be loaded by the root plugin
// registry and mounted onto the HTTP server.
package plugin

import (
	"net/http"

	"github.com/relaycache/tavern/contrib/log"
	"github.com/relaycache/tavern/contrib/transport"
)

// Option decodes a plugin's raw configuration options into a concrete
// struct. Satisfied by *conf.Plugin.
type Option interface {
	Unmarshal(v any) error
}

// Plugin is a transport.Server that may additionally register internal
// routes and intercept requests ahead of the main caching pipeline.
type Plugin interface {
	transport.Server

	// AddRouter registers plugin-owned routes on the internal mux (served
	// only for requests whose Host matches a local API allow-host).
	AddRouter(router *http.ServeMux)

	// HandleFunc wraps the given next handler, returning a handler that
	// may short-circuit the request (e.g. a PURGE method) or fall through
	// to next for everything else.
	HandleFunc(next http.HandlerFunc) http.HandlerFunc
}

// Factory constructs a Plugin instance from its decoded options and a
// request-scoped-safe logger.
type Factory func(opts Option, logger *log.Helper) (Plugin, error)
