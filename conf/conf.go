package conf

import (
	"time"

	middlewarev1 "github.com/relaycache/tavern/api/defined/v1/middleware"
	"github.com/relaycache/tavern/pkg/mapstruct"
)

type Bootstrap struct {
	Strict      bool            `json:"strict" yaml:"strict"`
	Hostname    string          `json:"hostname" yaml:"hostname"`
	PidFile     string          `json:"pidfile" yaml:"pidfile"`
	Logger      *Logger         `json:"logger" yaml:"logger"`
	Server      *Server         `json:"server" yaml:"server"`
	Plugin      []*Plugin       `json:"plugin" yaml:"plugin"`
	Upstream    *Upstream       `json:"upstream" yaml:"upstream"`
	Storage     *Storage        `json:"storage" yaml:"storage"`
	Translate   *Translate      `json:"translate" yaml:"translate"`
	Cluster     []*Cluster      `json:"cluster" yaml:"cluster"`
	Session     *Session        `json:"session" yaml:"session"`
	Widget      *Widget         `json:"widget" yaml:"widget"`
	Certificate *Certificate    `json:"certificate" yaml:"certificate"`
	Control     *ControlChannel `json:"control" yaml:"control"`
}

// Translate configures the L8 translation client: the translation
// server's address and the timeout for dialing it.
type Translate struct {
	Addr        string        `json:"addr" yaml:"addr"`
	DialTimeout time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
}

// Cluster configures one L7 backend cluster: its member set and sticky
// routing mode.
type Cluster struct {
	Name       string        `json:"name" yaml:"name"`
	Sticky     string        `json:"sticky" yaml:"sticky"` // none, source_ip, session, cookie
	Members    []ClusterNode `json:"members" yaml:"members"`
	FadeTime   time.Duration `json:"fade_time" yaml:"fade_time"`
	MaxRetries int           `json:"max_retries" yaml:"max_retries"`
}

type ClusterNode struct {
	ID      string `json:"id" yaml:"id"`
	Address string `json:"address" yaml:"address"`
	Weight  int    `json:"weight" yaml:"weight"`
}

// Session configures the L9 session manager.
type Session struct {
	MaxSessions      int           `json:"max_sessions" yaml:"max_sessions"`
	IdleTimeout      time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	SweepInterval    time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
	SnapshotPath     string        `json:"snapshot_path" yaml:"snapshot_path"`
	SnapshotInterval time.Duration `json:"snapshot_interval" yaml:"snapshot_interval"`
}

// Widget configures the L10 widget processor.
type Widget struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	MountPoint string `json:"mount_point" yaml:"mount_point"`
}

// Certificate configures the L11 per-SNI certificate cache.
type Certificate struct {
	StoragePath string `json:"storage_path" yaml:"storage_path"`
}

// ControlChannel configures the operator control socket.
type ControlChannel struct {
	Network string `json:"network" yaml:"network"` // udp, unix
	Addr    string `json:"addr" yaml:"addr"`
}

type Logger struct {
	Level      string `json:"level" yaml:"level"`
	Path       string `json:"path" yaml:"path"`
	Caller     bool   `json:"caller" yaml:"caller"`
	TraceID    bool   `json:"traceid" yaml:"traceid"`
	MaxSize    int    `json:"max_size" yaml:"max_size"`
	MaxAge     int    `json:"max_age" yaml:"max_age"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	Compress   bool   `json:"compress" yaml:"compress"`
	NoPid      bool   `json:"nopid" yaml:"nopid"`
}

type Server struct {
	Addr               string                     `json:"addr" yaml:"addr"`
	ReadTimeout        time.Duration              `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout       time.Duration              `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout        time.Duration              `json:"idle_timeout" yaml:"idle_timeout"`
	ReadHeaderTimeout  time.Duration              `json:"read_header_timeout" yaml:"read_header_timeout"`
	MaxHeaderBytes     int                        `json:"max_header_bytes" yaml:"max_header_bytes"`
	Middleware         []*middlewarev1.Middleware `json:"middleware" yaml:"middleware"`
	PProf              *ServerPProf               `json:"pprof" yaml:"pprof"`
	AccessLog          *ServerAccessLog           `json:"access_log" yaml:"access_log"`
	LocalApiAllowHosts []string                   `json:"local_api_allow_hosts" yaml:"local_api_allow_hosts"`
}

type ServerPProf struct {
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
}

type ServerAccessLog struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
	Encrypt struct {
		Enabled bool   `json:"enabled" yaml:"enabled"`
		Secret  string `json:"secret" yaml:"secret"`
	} `json:"encrypt" yaml:"encrypt"`
	// Child, when set, offloads log records to a SOCK_SEQPACKET child
	// process instead of writing them in-process via lumberjack.
	Child *ServerAccessLogChild `json:"child" yaml:"child"`
}

type ServerAccessLogChild struct {
	Command string   `json:"command" yaml:"command"`
	Args    []string `json:"args" yaml:"args"`
}

type Upstream struct {
	Balancing           string         `json:"balancing" yaml:"balancing"`
	Address             []string       `json:"address" yaml:"address"`
	MaxIdleConns        int            `json:"max_idle_conns" yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int            `json:"max_idle_conns_per_host" yaml:"max_idle_conns_per_host"`
	MaxConnsPerServer   int            `json:"max_conns_per_server" yaml:"max_conns_per_server"`
	InsecureSkipVerify  bool           `json:"insecure_skip_verify" yaml:"insecure_skip_verify"`
	ResolveAddresses    bool           `json:"resolve_addresses" yaml:"resolve_addresses"`
	Features            map[string]any `json:"features" yaml:"features"`
}

type Storage struct {
	Driver          string    `json:"driver" yaml:"driver"`
	DBType          string    `json:"db_type" yaml:"db_type"`
	AsyncLoad       bool      `json:"async_load" yaml:"async_load"`
	EvictionPolicy  string    `json:"eviction_policy" yaml:"eviction_policy"`
	SelectionPolicy string    `json:"selection_policy" yaml:"selection_policy"`
	SliceSize       uint64    `json:"slice_size" yaml:"slice_size"`
	Buckets         []*Bucket `json:"buckets" yaml:"buckets"`
}

type Bucket struct {
	Path           string         `json:"path" yaml:"path"`                         // local path or ?
	Driver         string         `json:"driver" yaml:"driver"`                     // native, custom-driver
	Type           string         `json:"type" yaml:"type"`                         // normal, cold, hot, fastmemory
	DBType         string         `json:"db_type" yaml:"db_type"`                   // boltdb, badgerdb, pebble
	AsyncLoad      bool           `json:"async_load" yaml:"async_load"`             // load metadata async
	SliceSize      uint64         `json:"slice_size" yaml:"slice_size"`             // slice size for each part
	MaxObjectLimit int            `json:"max_object_limit" yaml:"max_object_limit"` // max object limit, upper Bound discard
	DBConfig       map[string]any `json:"dbmap_config" yaml:"dbmap_config"`         // custom db config
}

type Plugin struct {
	Name    string         `json:"name" yaml:"name"`
	Options map[string]any `json:"options" yaml:"options"`
}

func (r *Plugin) PluginName() string {
	return r.Name
}

func (r *Plugin) Unmarshal(v any) error {
	return mapstruct.Decode(r.Options, v)
}
