package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server ServerConfig
	Peer   PeerConfig
	Log    LogConfig
	Users  map[string]string
}

type ServerConfig struct {
	Addr         string
	DBPath       string
	StaticDir    string
	SendQueue    int
	ReadLimit    int64
	WriteTimeout time.Duration
	PingInterval time.Duration
	PongWait     time.Duration
}

type PeerConfig struct {
	RelayURL    string
	APIURL      string
	UserID      string
	DisplayName string
	ICEServers  []string
	RingTimeout time.Duration
	AutoAccept  bool
	Devices     string

	ICEDisconnectedTimeout time.Duration
	ICEFailedTimeout       time.Duration
	ICEKeepAlive           time.Duration
}

type LogConfig struct {
	Level string
}

// file mirrors config.toml. Durations are strings such as "45s".
type file struct {
	Server struct {
		Addr           string `toml:"addr"`
		DBPath         string `toml:"db_path"`
		StaticDir      string `toml:"static_dir"`
		SendQueue      int    `toml:"send_queue"`
		ReadLimitBytes int64  `toml:"read_limit_bytes"`
		WriteTimeout   string `toml:"write_timeout"`
		PingInterval   string `toml:"ping_interval"`
		PongWait       string `toml:"pong_wait"`
	} `toml:"server"`
	Peer struct {
		RelayURL               string   `toml:"relay_url"`
		APIURL                 string   `toml:"api_url"`
		UserID                 string   `toml:"user_id"`
		DisplayName            string   `toml:"display_name"`
		ICEServers             []string `toml:"ice_servers"`
		RingTimeout            string   `toml:"ring_timeout"`
		AutoAccept             *bool    `toml:"auto_accept"`
		Devices                string   `toml:"devices"`
		ICEDisconnectedTimeout string   `toml:"ice_disconnected_timeout"`
		ICEFailedTimeout       string   `toml:"ice_failed_timeout"`
		ICEKeepAlive           string   `toml:"ice_keepalive"`
	} `toml:"peer"`
	Log struct {
		Level string `toml:"level"`
	} `toml:"log"`
	Users map[string]string `toml:"users"`
}

// Load reads path (optional) and fills the gaps from DUOCALL_* environment
// variables, then from defaults.
func Load(path string) (*Config, error) {
	var f file
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if _, err := toml.Decode(string(content), &f); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	r := resolver{}
	cfg := &Config{
		Server: ServerConfig{
			Addr:         r.str(f.Server.Addr, "DUOCALL_ADDR", ":8080"),
			DBPath:       r.str(f.Server.DBPath, "DUOCALL_DB_PATH", ""),
			StaticDir:    r.str(f.Server.StaticDir, "DUOCALL_STATIC_DIR", ""),
			SendQueue:    r.integer(f.Server.SendQueue, "DUOCALL_SEND_QUEUE", 256),
			ReadLimit:    int64(r.integer(int(f.Server.ReadLimitBytes), "DUOCALL_READ_LIMIT_BYTES", 64*1024)),
			WriteTimeout: r.duration(f.Server.WriteTimeout, "DUOCALL_WRITE_TIMEOUT", 10*time.Second),
			PingInterval: r.duration(f.Server.PingInterval, "DUOCALL_PING_INTERVAL", 30*time.Second),
			PongWait:     r.duration(f.Server.PongWait, "DUOCALL_PONG_WAIT", 60*time.Second),
		},
		Peer: PeerConfig{
			RelayURL:    r.str(f.Peer.RelayURL, "DUOCALL_RELAY_URL", "ws://localhost:8080/ws"),
			APIURL:      r.str(f.Peer.APIURL, "DUOCALL_API_URL", "http://localhost:8080"),
			UserID:      r.str(f.Peer.UserID, "DUOCALL_USER_ID", ""),
			DisplayName: r.str(f.Peer.DisplayName, "DUOCALL_DISPLAY_NAME", ""),
			ICEServers:  r.list(f.Peer.ICEServers, "DUOCALL_ICE_SERVERS", []string{"stun:stun.l.google.com:19302"}),
			RingTimeout: r.duration(f.Peer.RingTimeout, "DUOCALL_RING_TIMEOUT", 45*time.Second),
			AutoAccept:  r.boolean(f.Peer.AutoAccept, "DUOCALL_AUTO_ACCEPT", false),
			Devices:     r.str(f.Peer.Devices, "DUOCALL_DEVICES", "silent"),

			ICEDisconnectedTimeout: r.duration(f.Peer.ICEDisconnectedTimeout, "DUOCALL_ICE_DISCONNECTED_TIMEOUT", 30*time.Second),
			ICEFailedTimeout:       r.duration(f.Peer.ICEFailedTimeout, "DUOCALL_ICE_FAILED_TIMEOUT", 120*time.Second),
			ICEKeepAlive:           r.duration(f.Peer.ICEKeepAlive, "DUOCALL_ICE_KEEPALIVE", 2*time.Second),
		},
		Log: LogConfig{
			Level: r.str(f.Log.Level, "DUOCALL_LOG_LEVEL", "info"),
		},
		Users: f.Users,
	}
	if cfg.Users == nil {
		cfg.Users = map[string]string{}
	}
	if err := errors.Join(r.errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.SendQueue <= 0 {
		errs = append(errs, errors.New("server.send_queue must be positive"))
	}
	if c.Server.ReadLimit <= 0 {
		errs = append(errs, errors.New("server.read_limit_bytes must be positive"))
	}
	for name, d := range map[string]time.Duration{
		"server.write_timeout": c.Server.WriteTimeout,
		"server.ping_interval": c.Server.PingInterval,
		"server.pong_wait":     c.Server.PongWait,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Server.PingInterval >= c.Server.PongWait {
		errs = append(errs, errors.New("server.ping_interval must be shorter than server.pong_wait"))
	}
	if c.Peer.RingTimeout < 0 {
		errs = append(errs, errors.New("peer.ring_timeout must not be negative"))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	return errors.Join(errs...)
}

// resolver applies file > env > default and collects parse errors.
type resolver struct {
	errs []error
}

func (r *resolver) str(v, env, def string) string {
	if v != "" {
		return v
	}
	if e := os.Getenv(env); e != "" {
		return e
	}
	return def
}

func (r *resolver) integer(v int, env string, def int) int {
	if v != 0 {
		return v
	}
	if e := os.Getenv(env); e != "" {
		n, err := strconv.Atoi(e)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s: %w", env, err))
			return def
		}
		return n
	}
	return def
}

func (r *resolver) duration(v, env string, def time.Duration) time.Duration {
	s := r.str(v, env, "")
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("duration %q: %w", s, err))
		return def
	}
	return d
}

func (r *resolver) boolean(v *bool, env string, def bool) bool {
	if v != nil {
		return *v
	}
	if e := os.Getenv(env); e != "" {
		b, err := strconv.ParseBool(e)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s: %w", env, err))
			return def
		}
		return b
	}
	return def
}

func (r *resolver) list(v []string, env string, def []string) []string {
	if len(v) > 0 {
		return v
	}
	if e := os.Getenv(env); e != "" {
		var out []string
		for _, s := range strings.Split(e, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return def
}
