package groups

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/tomb.v2"

	"github.com/ryandielhenn/zephyrgroups/internal/telemetry"
	"github.com/ryandielhenn/zephyrgroups/pkg/membership"
	"github.com/ryandielhenn/zephyrgroups/pkg/nettime"
	"github.com/ryandielhenn/zephyrgroups/pkg/protocol"
)

// Group is one named group as seen from this engine: the shared member list
// and NetTime clock plus the members joined locally.
type Group struct {
	name    string
	engine  *Engine
	log     *zap.Logger
	clock   *nettime.Clock
	members *membership.List

	mu     sync.RWMutex
	locals map[string]*GroupMember
}

func newGroup(e *Engine, name string) *Group {
	log := e.log.With(zap.String("group", name))
	g := &Group{
		name:    name,
		engine:  e,
		log:     log,
		clock:   nettime.New(),
		members: membership.NewList(name, e.cfg.MissThreshold, log),
		locals:  make(map[string]*GroupMember),
	}
	g.members.OnRemove(g.memberRemoved)
	return g
}

func (g *Group) Name() string { return g.name }

// NetTime returns the group's current NetTime value.
func (g *Group) NetTime() uint64 { return g.clock.Now() }

// Members returns a snapshot of every known member, local ones included.
func (g *Group) Members() []membership.Member { return g.members.Snapshot() }

func (g *Group) start(t *tomb.Tomb) {
	t.Go(func() error { return g.announceLoop(t) })
	t.Go(func() error { return g.netTimeLoop(t) })
}

func (g *Group) announceLoop(t *tomb.Tomb) error {
	ticker := time.NewTicker(g.engine.cfg.AnnounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.Dying():
			return nil
		case <-ticker.C:
		}
		g.announceLocals()
		g.members.Tick()

		now := time.Now()
		for _, m := range g.localMembers() {
			if n := m.reasm.Sweep(now); n > 0 {
				m.log.Debug("dropped incomplete messages", zap.Int("count", n))
				telemetry.PacketsDropped.WithLabelValues("reassembly_timeout").Add(float64(n))
			}
			m.seen.Prune(now)
		}
		telemetry.Members.WithLabelValues(g.name).Set(float64(g.members.Len()))
	}
}

func (g *Group) netTimeLoop(t *tomb.Tomb) error {
	ticker := time.NewTicker(g.engine.cfg.NetTimeInterval)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-t.Dying():
			return nil
		case now := <-ticker.C:
			v := g.clock.Advance(now.Sub(last))
			last = now
			locals := g.localMembers()
			if len(locals) == 0 {
				continue
			}
			f := &protocol.NetTimeSync{
				Envelope: protocol.Envelope{Group: g.name, Sender: locals[0].id},
				NetTime:  v,
			}
			_ = g.engine.broadcast(f)
		}
	}
}

func (g *Group) announceLocals() {
	for _, m := range g.localMembers() {
		m.announce()
	}
}

func (g *Group) handle(f protocol.Frame) {
	h := f.Header()
	switch f := f.(type) {
	case *protocol.Announce:
		g.clock.Merge(f.NetTime)
		if g.isLocal(h.Sender) {
			return
		}
		if g.members.Announce(h.Sender, f.Addr, f.Props, f.NetTime) {
			// let the newcomer learn about us without waiting a full cycle
			g.announceLocals()
		}
	case *protocol.Leave:
		if !g.isLocal(h.Sender) {
			g.members.Leave(h.Sender)
		}
	case *protocol.NetTimeSync:
		g.clock.Merge(f.NetTime)
	case *protocol.Data:
		for _, m := range g.localMembers() {
			if m.id != h.Sender {
				m.onData(f)
			}
		}
	case *protocol.Ack:
		if m, ok := g.local(h.Message.Member); ok {
			m.onAck(f)
		}
	}
}

func (g *Group) memberRemoved(m membership.Member) {
	for _, lm := range g.localMembers() {
		lm.tracker.memberRemoved(m.ID)
	}
	telemetry.Members.WithLabelValues(g.name).Set(float64(g.members.Len()))
}

func (g *Group) addLocal(m *GroupMember) {
	g.mu.Lock()
	g.locals[m.id] = m
	g.mu.Unlock()
	g.members.AddLocal(m.id, m.addr, m.props)
	telemetry.Members.WithLabelValues(g.name).Set(float64(g.members.Len()))
}

func (g *Group) removeLocal(m *GroupMember) {
	g.mu.Lock()
	delete(g.locals, m.id)
	g.mu.Unlock()
	g.members.RemoveLocal(m.id)
	telemetry.Members.WithLabelValues(g.name).Set(float64(g.members.Len()))
}

func (g *Group) local(id string) (*GroupMember, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	m, ok := g.locals[id]
	return m, ok
}

func (g *Group) isLocal(id string) bool {
	_, ok := g.local(id)
	return ok
}

// localMembers returns the local members sorted by id.
func (g *Group) localMembers() []*GroupMember {
	g.mu.RLock()
	out := make([]*GroupMember, 0, len(g.locals))
	for _, m := range g.locals {
		out = append(out, m)
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
