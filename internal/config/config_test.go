package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "zephyrgroups.toml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate(): %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	p := writeFile(t, `
[group]
name = "chat"
member_name = "alice"
properties = { room = "lobby" }

[multicast]
enabled = false

[tcp]
listen = "127.0.0.1:7000"
peers = ["127.0.0.1:7001", "127.0.0.1:7002"]
dial_timeout = "750ms"

[protocol]
announce_interval = "2s"
resend_rounds = 5
resend_timeout = "250ms"

[log]
level = "debug"
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Group.Name != "chat" || cfg.Group.MemberName != "alice" || cfg.Group.Properties["room"] != "lobby" {
		t.Fatalf("group = %+v", cfg.Group)
	}
	if cfg.Multicast.Enabled {
		t.Fatalf("multicast should be disabled")
	}
	if cfg.TCP.DialTimeout.Duration != 750*time.Millisecond || len(cfg.TCP.Peers) != 2 {
		t.Fatalf("tcp = %+v", cfg.TCP)
	}

	e := cfg.Engine()
	if e.AnnounceInterval != 2*time.Second || e.ResendRounds != 5 || e.ResendTimeout != 250*time.Millisecond {
		t.Fatalf("engine = %+v", e)
	}
	// untouched keys keep their defaults
	if e.MissThreshold != Default().Protocol.MissThreshold {
		t.Fatalf("miss threshold = %d", e.MissThreshold)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	p := writeFile(t, "[group]\nname = \"x\"\nnmae = \"typo\"\n")
	if _, err := Load(p); err == nil || !strings.Contains(err.Error(), "unknown keys") {
		t.Fatalf("want unknown keys error, got %v", err)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	p := writeFile(t, "[protocol]\nresend_timeout = \"soon\"\n")
	if _, err := Load(p); err == nil {
		t.Fatalf("bad duration accepted")
	}
}

func TestEnvOverrides(t *testing.T) {
	env := map[string]string{
		"ZG_GROUP":          "ops",
		"ZG_MEMBER_NAME":    "bob",
		"ZG_MULTICAST_ADDR": "off",
		"ZG_TCP_LISTEN":     ":7100",
		"ZG_TCP_PEERS":      "a:7100, b:7100,,",
		"ZG_ETCD_ENDPOINTS": "http://etcd:2379",
		"ZG_HTTP_ADDR":      ":9090",
		"ZG_LOG_LEVEL":      "warn",
		"ZG_RESEND_ROUNDS":  "7",
	}
	cfg := Default()
	if err := cfg.applyEnv(func(k string) string { return env[k] }); err != nil {
		t.Fatalf("applyEnv: %v", err)
	}
	if cfg.Group.Name != "ops" || cfg.Group.MemberName != "bob" || cfg.Multicast.Enabled {
		t.Fatalf("cfg = %+v", cfg)
	}
	if !slices.Equal(cfg.TCP.Peers, []string{"a:7100", "b:7100"}) {
		t.Fatalf("peers = %v", cfg.TCP.Peers)
	}
	if cfg.HTTP.Addr != ":9090" || cfg.Log.Level != "warn" || cfg.Protocol.ResendRounds != 7 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	bad := Default()
	if err := bad.applyEnv(func(k string) string {
		if k == "ZG_RESEND_ROUNDS" {
			return "many"
		}
		return ""
	}); err == nil {
		t.Fatalf("bad ZG_RESEND_ROUNDS accepted")
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.Group.Name = ""
	cfg.Multicast.Enabled = false
	cfg.Protocol.MissThreshold = 0
	cfg.Log.Level = "loud"
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("invalid config accepted")
	}
	for _, want := range []string{"group.name", "no transport", "miss_threshold", "log.level"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %q", err, want)
		}
	}
}

func TestTransports(t *testing.T) {
	cfg := Default()
	cfg.TCP.Listen = "127.0.0.1:0"
	cfg.TCP.Peers = []string{"127.0.0.1:1"}
	ts, sender := cfg.Transports(nil)
	if sender == nil {
		t.Fatalf("tcp sender not built")
	}
	if got := len(ts.All()); got != 3 {
		t.Fatalf("transports = %d, want multicast, tcp receiver and tcp sender", got)
	}
	if !ts.CanUnicast() {
		t.Fatalf("tcp sender should allow unicast")
	}

	cfg = Default()
	ts, sender = cfg.Transports(nil)
	if sender != nil || len(ts.All()) != 1 {
		t.Fatalf("multicast only: sender=%v transports=%d", sender, len(ts.All()))
	}
}

func TestLogger(t *testing.T) {
	cfg := Default()
	cfg.Log.Development = true
	log, err := cfg.Logger()
	if err != nil {
		t.Fatalf("Logger: %v", err)
	}
	log.Debug("hello")
	_ = log.Sync()
}
