// Package config loads the node configuration from a TOML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgroups/pkg/groups"
	"github.com/ryandielhenn/zephyrgroups/pkg/transport"
)

// Duration is a time.Duration written as a string ("750ms", "2s") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func dur(d time.Duration) Duration { return Duration{d} }

type Multicast struct {
	Enabled        bool     `toml:"enabled"`
	Address        string   `toml:"address"`
	Interface      string   `toml:"interface"`
	TTL            int      `toml:"ttl"`
	ReceiveTimeout Duration `toml:"receive_timeout"`
}

type TCP struct {
	// Listen enables the TCP receiver when set.
	Listen string `toml:"listen"`
	// Advertise is the address announced to peers; defaults to the bound one.
	Advertise      string   `toml:"advertise"`
	Peers          []string `toml:"peers"`
	DialTimeout    Duration `toml:"dial_timeout"`
	ReceiveTimeout Duration `toml:"receive_timeout"`
}

type Protocol struct {
	AnnounceInterval  Duration `toml:"announce_interval"`
	MissThreshold     int      `toml:"miss_threshold"`
	ResendRounds      int      `toml:"resend_rounds"`
	ResendTimeout     Duration `toml:"resend_timeout"`
	ChunkSize         int      `toml:"chunk_size"`
	ReassemblyTimeout Duration `toml:"reassembly_timeout"`
	DedupWindow       int      `toml:"dedup_window"`
	DedupTTL          Duration `toml:"dedup_ttl"`
	NetTimeInterval   Duration `toml:"nettime_interval"`
	ShutdownTimeout   Duration `toml:"shutdown_timeout"`
}

type Etcd struct {
	Endpoints []string `toml:"endpoints"`
	// LeaseTTL is in seconds.
	LeaseTTL int64 `toml:"lease_ttl"`
}

type HTTP struct {
	Addr   string `toml:"addr"`
	Recent int    `toml:"recent"`
}

type Log struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

type Group struct {
	Name       string            `toml:"name"`
	MemberName string            `toml:"member_name"`
	Properties map[string]string `toml:"properties"`
}

type Config struct {
	Multicast Multicast `toml:"multicast"`
	TCP       TCP       `toml:"tcp"`
	Protocol  Protocol  `toml:"protocol"`
	Etcd      Etcd      `toml:"etcd"`
	HTTP      HTTP      `toml:"http"`
	Log       Log       `toml:"log"`
	Group     Group     `toml:"group"`
}

func Default() Config {
	d := groups.DefaultConfig()
	return Config{
		Multicast: Multicast{
			Enabled:        true,
			Address:        "239.255.77.77:9876",
			TTL:            1,
			ReceiveTimeout: dur(d.ReceiveTimeout),
		},
		TCP: TCP{
			DialTimeout:    dur(2 * time.Second),
			ReceiveTimeout: dur(5 * time.Second),
		},
		Protocol: Protocol{
			AnnounceInterval:  dur(d.AnnounceInterval),
			MissThreshold:     d.MissThreshold,
			ResendRounds:      d.ResendRounds,
			ResendTimeout:     dur(d.ResendTimeout),
			ChunkSize:         d.ChunkSize,
			ReassemblyTimeout: dur(d.ReassemblyTimeout),
			DedupWindow:       d.DedupWindow,
			DedupTTL:          dur(d.DedupTTL),
			NetTimeInterval:   dur(d.NetTimeInterval),
			ShutdownTimeout:   dur(d.ShutdownTimeout),
		},
		Etcd: Etcd{LeaseTTL: 10},
		HTTP: HTTP{Addr: ":8080", Recent: 100},
		Log:  Log{Level: "info"},
		Group: Group{
			Name: "default",
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
		if undec := md.Undecoded(); len(undec) > 0 {
			return Config{}, fmt.Errorf("config: unknown keys %v", undec)
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("ZG_MEMBER_NAME"); v != "" {
		c.Group.MemberName = v
	}
	if v := getenv("ZG_GROUP"); v != "" {
		c.Group.Name = v
	}
	if v := getenv("ZG_MULTICAST_ADDR"); v != "" {
		if v == "off" {
			c.Multicast.Enabled = false
		} else {
			c.Multicast.Enabled = true
			c.Multicast.Address = v
		}
	}
	if v := getenv("ZG_TCP_LISTEN"); v != "" {
		c.TCP.Listen = v
	}
	if v := getenv("ZG_TCP_ADVERTISE"); v != "" {
		c.TCP.Advertise = v
	}
	if v := getenv("ZG_TCP_PEERS"); v != "" {
		c.TCP.Peers = splitList(v)
	}
	if v := getenv("ZG_ETCD_ENDPOINTS"); v != "" {
		c.Etcd.Endpoints = splitList(v)
	}
	if v := getenv("ZG_HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
	}
	if v := getenv("ZG_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := getenv("ZG_RESEND_ROUNDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: ZG_RESEND_ROUNDS: %w", err)
		}
		c.Protocol.ResendRounds = n
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate reports every problem found, not just the first.
func (c Config) Validate() error {
	var err error
	if c.Group.Name == "" {
		err = multierr.Append(err, errors.New("group.name is required"))
	}
	if !c.Multicast.Enabled && c.TCP.Listen == "" && len(c.TCP.Peers) == 0 && len(c.Etcd.Endpoints) == 0 {
		err = multierr.Append(err, errors.New("no transport configured: enable multicast or set tcp.listen"))
	}
	if c.Multicast.Enabled && c.Multicast.Address == "" {
		err = multierr.Append(err, errors.New("multicast.address is required when multicast is enabled"))
	}
	if c.Protocol.MissThreshold < 1 {
		err = multierr.Append(err, fmt.Errorf("protocol.miss_threshold must be >= 1, got %d", c.Protocol.MissThreshold))
	}
	if c.Protocol.ResendRounds < 0 {
		err = multierr.Append(err, fmt.Errorf("protocol.resend_rounds must be >= 0, got %d", c.Protocol.ResendRounds))
	}
	if c.Protocol.ChunkSize < 1 {
		err = multierr.Append(err, fmt.Errorf("protocol.chunk_size must be >= 1, got %d", c.Protocol.ChunkSize))
	}
	if c.Etcd.LeaseTTL < 1 && len(c.Etcd.Endpoints) > 0 {
		err = multierr.Append(err, errors.New("etcd.lease_ttl must be >= 1"))
	}
	if _, lerr := zap.ParseAtomicLevel(c.Log.Level); lerr != nil {
		err = multierr.Append(err, fmt.Errorf("log.level: %w", lerr))
	}
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Engine returns the protocol settings for groups.New.
func (c Config) Engine() groups.Config {
	p := c.Protocol
	return groups.Config{
		AnnounceInterval:  p.AnnounceInterval.Duration,
		MissThreshold:     p.MissThreshold,
		ResendRounds:      p.ResendRounds,
		ResendTimeout:     p.ResendTimeout.Duration,
		ChunkSize:         p.ChunkSize,
		ReassemblyTimeout: p.ReassemblyTimeout.Duration,
		DedupWindow:       p.DedupWindow,
		DedupTTL:          p.DedupTTL.Duration,
		NetTimeInterval:   p.NetTimeInterval.Duration,
		ReceiveTimeout:    c.Multicast.ReceiveTimeout.Duration,
		ShutdownTimeout:   p.ShutdownTimeout.Duration,
	}
}

// Transports builds the configured transport set. The TCP sender is returned
// separately so discovery can replace its peers; it is nil when TCP sending
// is not configured.
func (c Config) Transports(log *zap.Logger) (*transport.Transports, *transport.TCPSender) {
	ts := transport.NewTransports()
	if c.Multicast.Enabled {
		ts.Add(transport.NewMulticast(transport.MulticastConfig{
			Group:     c.Multicast.Address,
			Interface: c.Multicast.Interface,
			TTL:       c.Multicast.TTL,
		}, log))
	}
	if c.TCP.Listen != "" {
		ts.Add(transport.NewTCPReceiver(c.TCP.Listen, c.TCP.Advertise, c.TCP.ReceiveTimeout.Duration, log))
	}
	var sender *transport.TCPSender
	if c.TCP.Listen != "" || len(c.TCP.Peers) > 0 || len(c.Etcd.Endpoints) > 0 {
		sender = transport.NewTCPSender(c.TCP.Peers, c.TCP.DialTimeout.Duration, log)
		ts.Add(sender)
	}
	return ts, sender
}

// Logger builds the root logger: console output in development, JSON
// otherwise.
func (c Config) Logger() (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = lvl
	return zc.Build()
}
