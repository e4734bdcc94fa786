package groups

import (
	"time"

	"github.com/ryandielhenn/zephyrgroups/pkg/membership"
	"github.com/ryandielhenn/zephyrgroups/pkg/protocol"
)

type Config struct {
	// AnnounceInterval is the period of liveness announcements and of the
	// membership prune cycle.
	AnnounceInterval time.Duration
	// MissThreshold is how many consecutive announce cycles a member may
	// miss before it is removed.
	MissThreshold int
	// ResendRounds is how many times unacknowledged data is resent before
	// the send fails.
	ResendRounds int
	// ResendTimeout is how long to wait for acknowledgements per round.
	ResendTimeout time.Duration
	// ChunkSize is the payload size of one data packet.
	ChunkSize int
	// ReassemblyTimeout bounds how long a partially received message is kept.
	ReassemblyTimeout time.Duration
	// DedupWindow and DedupTTL bound the set of recently delivered messages.
	DedupWindow int
	DedupTTL    time.Duration
	// NetTimeInterval is the period of NetTime broadcasts.
	NetTimeInterval time.Duration
	// ReceiveTimeout bounds each transport receive so loops notice shutdown.
	ReceiveTimeout time.Duration
	// ShutdownTimeout bounds how long Disconnect and LeaveGroup wait for
	// goroutines to exit.
	ShutdownTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		AnnounceInterval:  time.Second,
		MissThreshold:     membership.DefaultMissThreshold,
		ResendRounds:      3,
		ResendTimeout:     500 * time.Millisecond,
		ChunkSize:         protocol.DefaultChunkSize,
		ReassemblyTimeout: 30 * time.Second,
		DedupWindow:       4096,
		DedupTTL:          2 * time.Minute,
		NetTimeInterval:   time.Second,
		ReceiveTimeout:    250 * time.Millisecond,
		ShutdownTimeout:   5 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.AnnounceInterval <= 0 {
		c.AnnounceInterval = d.AnnounceInterval
	}
	if c.MissThreshold <= 0 {
		c.MissThreshold = d.MissThreshold
	}
	if c.ResendRounds < 0 {
		c.ResendRounds = 0
	}
	if c.ResendTimeout <= 0 {
		c.ResendTimeout = d.ResendTimeout
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.ReassemblyTimeout <= 0 {
		c.ReassemblyTimeout = d.ReassemblyTimeout
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = d.DedupWindow
	}
	if c.DedupTTL < 0 {
		c.DedupTTL = 0
	}
	if c.NetTimeInterval <= 0 {
		c.NetTimeInterval = d.NetTimeInterval
	}
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = d.ReceiveTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	return c
}
