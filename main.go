package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cloudflare/tableflip"
	"github.com/omalloc/proxy/selector"
	"github.com/omalloc/proxy/selector/once"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	pluginv1 "github.com/relaycache/tavern/api/defined/v1/plugin"
	"github.com/relaycache/tavern/certcache"
	"github.com/relaycache/tavern/cluster"
	"github.com/relaycache/tavern/cluster/control"
	"github.com/relaycache/tavern/conf"
	"github.com/relaycache/tavern/contrib/config"
	"github.com/relaycache/tavern/contrib/config/provider/file"
	"github.com/relaycache/tavern/contrib/kratos"
	"github.com/relaycache/tavern/contrib/log"
	"github.com/relaycache/tavern/contrib/transport"
	"github.com/relaycache/tavern/pkg/encoding"
	"github.com/relaycache/tavern/pkg/encoding/json"
	"github.com/relaycache/tavern/plugin"
	_ "github.com/relaycache/tavern/plugin/example"
	"github.com/relaycache/tavern/proxy"
	_ "github.com/relaycache/tavern/proxy/resource"
	"github.com/relaycache/tavern/server"
	"github.com/relaycache/tavern/session"
	"github.com/relaycache/tavern/storage"
	"github.com/relaycache/tavern/translate"
)

var (
	id, _ = os.Hostname()

	// flagConf is the config flag.
	flagConf string = "config.yaml"
	// flagVerbose is the verbose flag.
	flagVerbose bool

	// Version is the version of the app.
	Version string = "no-set"
	GitHash string = "no-set"
	Built   string = "0"
)

func init() {
	// init flag
	flag.StringVar(&flagConf, "c", "config.yaml", "config file path")
	flag.BoolVar(&flagVerbose, "v", false, "enable verbose log")

	// init global encoding
	encoding.SetDefaultCodec(json.JSONCodec{})

	// init logger
	log.SetLogger(log.With(log.DefaultLogger, "ts", log.Timestamp(time.RFC3339), "pid", os.Getpid()))

	// init prometheus
	prometheus.Unregister(collectors.NewGoCollector())
	registerer := prometheus.WrapRegistererWithPrefix("tr_tavern_", prometheus.DefaultRegisterer)
	registerer.MustRegister(collectors.NewGoCollector(collectors.WithGoCollectorMemStatsMetricsDisabled()))
}

func main() {
	flag.Parse()

	c := config.New[conf.Bootstrap](config.WithSource(file.NewSource(flagConf)))
	defer c.Close()

	bc := &conf.Bootstrap{}
	if err := c.Scan(bc); err != nil {
		log.Fatal(err)
	}

	app, err := newApp(bc)
	if err != nil {
		log.Fatal(err)
	}

	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}

func newApp(bc *conf.Bootstrap) (*kratos.App, error) {
	stopTimeout := 120 * time.Second

	// graceful upgrade
	flip, err := tableflip.New(tableflip.Options{
		PIDFile:        bc.PidFile,
		UpgradeTimeout: stopTimeout,
	})
	if err != nil {
		panic(err)
	}

	// graceful upgrade if we have not parent process
	// remove unix socket file.
	if !flip.HasParent() {
		if strings.HasSuffix(bc.Server.Addr, ".sock") {
			_ = os.Remove(bc.Server.Addr) // remove unix socket
		}
	}

	// init storage
	st, err := storage.New(bc.Storage, log.GetLogger())
	if err != nil {
		log.Fatalf("failed to initialize storage: %v", err)
	}
	storage.SetDefault(st)

	// init upstream
	nodes := make([]selector.Node, 0, len(bc.Upstream.Address))
	for _, addr := range bc.Upstream.Address {
		u, err := url.Parse(addr)
		if err != nil {
			log.Errorf("parsed upstream.address failed %v", err)
			continue
		}
		log.Infof("add upstream scheme: %s, host: %s", u.Scheme, u.Host)
		nodes = append(nodes, selector.NewNode(u.Scheme, u.Host, selector.RawMetadata("weight", "1")))
	}
	proxy.SetDefault(proxy.New(
		proxy.WithSelector(once.New()),
		proxy.WithInitialNodes(nodes),
	))

	// init translation client + cache (L8)
	if bc.Translate != nil && bc.Translate.Addr != "" {
		client := translate.NewClient(bc.Translate.Addr, translate.WithDialTimeout(bc.Translate.DialTimeout))
		translate.SetDefault(translate.NewTranslateCache(client))
		log.Infof("translate client dialing %s", bc.Translate.Addr)
	}

	// init session manager (L9), restoring and periodically snapshotting
	// to disk if a snapshot path is configured.
	if bc.Session != nil {
		mgr := session.NewManager(bc.Session.MaxSessions, bc.Session.IdleTimeout)
		session.SetDefault(mgr)
		go mgr.Sweep(bc.Session.SweepInterval)

		if bc.Session.SnapshotPath != "" {
			store, err := session.OpenSnapshotStore(bc.Session.SnapshotPath)
			if err != nil {
				log.Errorf("failed to open session snapshot store: %v", err)
			} else {
				if err := store.Restore(mgr); err != nil {
					log.Errorf("failed to restore sessions: %v", err)
				}
				stop := make(chan struct{})
				go store.Run(mgr, bc.Session.SnapshotInterval, stop)
			}
		}
	}

	// init certificate cache (L11)
	if bc.Certificate != nil && bc.Certificate.StoragePath != "" {
		cc, err := certcache.New(bc.Certificate.StoragePath)
		if err != nil {
			log.Errorf("failed to open certificate cache: %v", err)
		} else {
			certcache.SetDefault(cc)
		}
	}

	// init clusters (L7): each named cluster dispatches through the shared
	// proxy.Proxy, targeting a single member's address per attempt.
	for _, cc := range bc.Cluster {
		c := cluster.New(cc, func(ctx context.Context, member *cluster.Member, req *http.Request) (*http.Response, error) {
			cloned := req.Clone(ctx)
			cloned.URL.Host = member.Address
			cloned.Host = member.Address
			return proxy.GetProxy().Do(cloned, false, 0)
		})
		cluster.Register(cc.Name, c)
		go c.Failure.Run(5 * time.Second)
		log.Infof("cluster %s registered with %d members", cc.Name, len(cc.Members))
	}

	// init control channel (operator fade/enable/invalidate/stats)
	if bc.Control != nil && bc.Control.Addr != "" {
		network := bc.Control.Network
		if network == "" {
			network = "udp"
		}
		conn, err := net.ListenPacket(network, bc.Control.Addr)
		if err != nil {
			log.Errorf("failed to listen on control channel %s://%s: %v", network, bc.Control.Addr, err)
		} else {
			ctrl := control.NewServer(conn, control.HandlerFunc(handleControlCommand))
			go func() {
				if err := ctrl.Serve(context.Background()); err != nil {
					log.Warnf("control channel serve stopped: %v", err)
				}
			}()
			log.Infof("control channel listening on %s://%s", network, bc.Control.Addr)
		}
	}

	// load plugin
	plugins := loadPlugin(log.GetLogger(), bc)

	// trasnport server
	servers := make([]transport.Server, 0)

	srv := server.NewServer(flip, bc, plugins)
	servers = append(servers, srv)

	for _, plugin := range plugins {
		servers = append(servers, plugin)
	}

	return kratos.New(
		kratos.ID(id),
		kratos.Name("tavern"),
		kratos.Version(Version),
		kratos.StopTimeout(stopTimeout),
		kratos.Logger(log.GetLogger()),
		kratos.Server(servers...),
	), nil
}

// controlPayloadSep separates the cluster name from the node ID in
// CommandNodeFade/CommandNodeEnable payloads (e.g. "edge\x00node-1").
const controlPayloadSep = "\x00"

// handleControlCommand dispatches one decoded control-channel packet to
// the translation cache or a named cluster's failure manager.
func handleControlCommand(_ context.Context, cmd control.Command, payload []byte) ([]byte, error) {
	switch cmd {
	case control.CommandInvalidateTranslate:
		if tc := translate.Current(); tc != nil {
			tc.Invalidate(string(payload))
		}
		return nil, nil

	case control.CommandNodeFade, control.CommandNodeEnable:
		parts := strings.SplitN(string(payload), controlPayloadSep, 2)
		if len(parts) != 2 {
			return nil, nil
		}
		c := cluster.Get(parts[0])
		if c == nil || c.Failure == nil {
			return nil, nil
		}
		if cmd == control.CommandNodeFade {
			c.Failure.Fade(parts[1])
		} else {
			c.Failure.Enable(parts[1])
		}
		return nil, nil

	case control.CommandQueryNodeStatus:
		parts := strings.SplitN(string(payload), controlPayloadSep, 2)
		if len(parts) != 2 {
			return nil, nil
		}
		c := cluster.Get(parts[0])
		if c == nil {
			return nil, nil
		}
		for _, m := range c.Members {
			if m.ID != parts[1] {
				continue
			}
			status := control.Stats{RequestCount: uint64(m.Rate())}
			if m.Failing() {
				status.IncomingConnections = 0
			} else {
				status.IncomingConnections = 1
			}
			return status.Encode(), nil
		}
		return nil, nil

	case control.CommandQueryStats:
		stats := control.Stats{}
		if mgr := session.Current(); mgr != nil {
			stats.Sessions = uint64(mgr.Len())
		}
		return stats.Encode(), nil

	default:
		return nil, nil
	}
}

func loadPlugin(logger log.Logger, bc *conf.Bootstrap) []pluginv1.Plugin {
	ctxlog := log.NewHelper(logger)

	plugins := make([]pluginv1.Plugin, 0, len(bc.Plugin))
	for _, plug := range bc.Plugin {
		instance, err := plugin.Create(plug, ctxlog)
		if err != nil {
			ctxlog.Errorf("load plugin %s failed: %v", plug.Name, err)
			continue
		}
		ctxlog.Debugf("plugin %s loaded", plug.PluginName())
		plugins = append(plugins, instance)
	}
	return plugins
}
