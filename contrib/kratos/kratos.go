// Package kratos provides a minimal go-kratos-shaped application
// lifecycle: a set of transport.Server instances started together and
// shut down together on signal, within a bounded stop timeout.
package kratos

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/relaycache/tavern/contrib/log"
	"github.com/relaycache/tavern/contrib/transport"
)

// Option configures an App.
type Option func(o *options)

type options struct {
	id          string
	name        string
	version     string
	stopTimeout time.Duration
	logger      log.Logger
	servers     []transport.Server
	sigs        []os.Signal
}

func ID(id string) Option { return func(o *options) { o.id = id } }

func Name(name string) Option { return func(o *options) { o.name = name } }

func Version(version string) Option { return func(o *options) { o.version = version } }

func StopTimeout(d time.Duration) Option { return func(o *options) { o.stopTimeout = d } }

func Logger(logger log.Logger) Option { return func(o *options) { o.logger = logger } }

func Server(servers ...transport.Server) Option {
	return func(o *options) { o.servers = append(o.servers, servers...) }
}

// Signal overrides the OS signals that trigger a graceful shutdown.
// Defaults to SIGTERM and SIGINT.
func Signal(sigs ...os.Signal) Option {
	return func(o *options) { o.sigs = sigs }
}

// App owns a fixed set of transport.Server instances, starting all of them
// concurrently on Run and stopping all of them (within StopTimeout) on
// signal or on the first server's unrecoverable error.
type App struct {
	opts options
	log  *log.Helper

	mu     sync.Mutex
	cancel func()
}

// New builds an App from the given options.
func New(opts ...Option) *App {
	o := options{
		stopTimeout: 30 * time.Second,
		logger:      log.GetLogger(),
		sigs:        []os.Signal{syscall.SIGTERM, syscall.SIGINT},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &App{opts: o, log: log.NewHelper(o.logger)}
}

// Run starts every registered server and blocks until a shutdown signal is
// received or a server fails, then stops every server within StopTimeout.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	errs := make(chan error, len(a.opts.servers))
	for _, srv := range a.opts.servers {
		srv := srv
		go func() {
			if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errs <- err
				return
			}
			errs <- nil
		}()
	}

	a.log.Infof("app %s id=%s version=%s started with %d server(s)", a.opts.name, a.opts.id, a.opts.version, len(a.opts.servers))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, a.opts.sigs...)

	select {
	case <-sigCh:
		a.log.Infof("received shutdown signal")
	case err := <-errs:
		if err != nil {
			a.log.Errorf("server exited with error: %v", err)
		}
	}

	return a.Stop()
}

// Stop cancels the run context and stops every server within StopTimeout.
func (a *App) Stop() error {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), a.opts.stopTimeout)
	defer stopCancel()

	var errs []error
	for _, srv := range a.opts.servers {
		if err := srv.Stop(stopCtx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
