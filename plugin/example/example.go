// Package example is a minimal reference plugin demonstrating the
// pluginv1.Plugin contract; it adds no routes and passes every request
// through, setting X-Example-Plugin: 1 on it when enabled.
package example

import (
	"context"
	"net/http"

	pluginv1 "github.com/relaycache/tavern/api/defined/v1/plugin"
	"github.com/relaycache/tavern/contrib/log"
	"github.com/relaycache/tavern/plugin"
)

type option struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

type examplePlugin struct {
	log *log.Helper
	opt *option
}

func init() {
	plugin.Register("example", New)
}

func New(opts pluginv1.Option, logger *log.Helper) (pluginv1.Plugin, error) {
	opt := &option{}
	if err := opts.Unmarshal(opt); err != nil {
		return nil, err
	}
	return &examplePlugin{log: logger, opt: opt}, nil
}

func (p *examplePlugin) Start(ctx context.Context) error {
	p.log.Infof("example plugin started, enabled=%t", p.opt.Enabled)
	return nil
}

func (p *examplePlugin) Stop(ctx context.Context) error {
	return nil
}

func (p *examplePlugin) AddRouter(router *http.ServeMux) {}

func (p *examplePlugin) HandleFunc(next http.HandlerFunc) http.HandlerFunc {
	if !p.opt.Enabled {
		return next
	}
	return func(w http.ResponseWriter, req *http.Request) {
		req.Header.Set("X-Example-Plugin", "1")
		next(w, req)
	}
}
