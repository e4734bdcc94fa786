package groups

import (
	"context"
	"maps"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gopkg.in/tomb.v2"

	"github.com/ryandielhenn/zephyrgroups/internal/telemetry"
	"github.com/ryandielhenn/zephyrgroups/pkg/membership"
	"github.com/ryandielhenn/zephyrgroups/pkg/protocol"
)

// GroupMember is a member of a group joined by this process. It sends
// messages to the rest of the group and delivers theirs to its listeners.
type GroupMember struct {
	id    string
	addr  string
	props map[string]string
	group *Group
	log   *zap.Logger

	seq        atomic.Uint64
	tracker    *tracker
	reasm      *protocol.Reassembler
	seen       *protocol.SeenWindow
	dispatcher *dispatcher

	t    tomb.Tomb
	left atomic.Bool
}

func newGroupMember(g *Group, id, addr string, props map[string]string) *GroupMember {
	cfg := g.engine.cfg
	log := g.log.With(zap.String("member", id))
	return &GroupMember{
		id:         id,
		addr:       addr,
		props:      maps.Clone(props),
		group:      g,
		log:        log,
		tracker:    newTracker(cfg.ResendRounds, cfg.ResendTimeout),
		reasm:      protocol.NewReassembler(cfg.ReassemblyTimeout),
		seen:       protocol.NewSeenWindow(cfg.DedupWindow, cfg.DedupTTL),
		dispatcher: newDispatcher(log),
	}
}

// start runs the member goroutines. They stop when the member leaves or
// parent starts dying.
func (m *GroupMember) start(parent *tomb.Tomb) {
	m.t.Go(func() error {
		select {
		case <-parent.Dying():
			m.t.Kill(nil)
		case <-m.t.Dying():
		}
		return nil
	})
	m.t.Go(func() error { return m.dispatcher.run(m.t.Dying()) })
	m.t.Go(m.resendLoop)
}

func (m *GroupMember) GetMemberID() string { return m.id }

func (m *GroupMember) Group() string { return m.group.name }

// GetMemberInfo returns the members of the group as this member sees them.
func (m *GroupMember) GetMemberInfo() []membership.Member { return m.group.members.Snapshot() }

// GetNetTime returns the group's NetTime value.
func (m *GroupMember) GetNetTime() uint64 { return m.group.clock.Now() }

func (m *GroupMember) AddMessageListener(l MessageListener) { m.dispatcher.add(l) }

// RemoveMessageListener reports whether l was registered.
func (m *GroupMember) RemoveMessageListener(l MessageListener) bool { return m.dispatcher.remove(l) }

// CreateNewMessage returns an empty message with the next id of this member.
func (m *GroupMember) CreateNewMessage() *Message {
	return &Message{
		id:    MessageID{Member: m.id, Seq: m.seq.Add(1)},
		group: m.group.name,
		from:  m.id,
	}
}

// SendMessage sends msg to the group and blocks until every member known at
// send time acknowledged it. Members that never acknowledge within the resend
// rounds are named by the returned *DeliveryError. Members removed from the
// group while the send is in flight are no longer waited on.
func (m *GroupMember) SendMessage(ctx context.Context, msg *Message) error {
	if m.left.Load() {
		return ErrMemberLeft
	}
	started := time.Now()
	defer func() { telemetry.SendDuration.Observe(time.Since(started).Seconds()) }()

	env := protocol.Envelope{Group: m.group.name, Sender: m.id, Message: msg.id}
	frames := protocol.DataFrames(env, msg.Bytes(), m.group.engine.cfg.ChunkSize)
	packets := make([][]byte, 0, len(frames))
	for _, f := range frames {
		b, err := protocol.Encode(f)
		if err != nil {
			return err
		}
		packets = append(packets, b)
	}

	o := m.begin(msg.id, packets, m.group.members.IDs(m.id), started)
	for _, b := range packets {
		// lost packets are covered by the resend rounds
		_ = m.group.engine.sendPacket(protocol.TypeData, b)
	}
	m.tracker.transmitted(o, time.Now())

	select {
	case <-o.done:
	case <-ctx.Done():
		m.tracker.cancel(o, ctx.Err())
		<-o.done
	}
	if o.err != nil {
		m.log.Debug("send failed", zap.Stringer("message", msg.id), zap.Error(o.err))
	}
	return o.err
}

// begin registers a flight waiting on targets. A member removed after the
// targets were read but before the flight existed is missed by memberRemoved,
// so it is dropped here.
func (m *GroupMember) begin(id MessageID, packets [][]byte, targets []string, now time.Time) *outbound {
	o := m.tracker.start(id, packets, targets, now)
	for _, t := range targets {
		if !m.group.members.Contains(t) {
			m.tracker.memberRemoved(t)
		}
	}
	return o
}

// SendMessageAsync runs SendMessage in the background. The channel receives
// its result and is then closed.
func (m *GroupMember) SendMessageAsync(msg *Message) <-chan error {
	ch := make(chan error, 1)
	go func() {
		ch <- m.SendMessage(context.Background(), msg)
		close(ch)
	}()
	return ch
}

// Leave announces the departure to the group and stops the member.
func (m *GroupMember) Leave() error { return m.leave() }

func (m *GroupMember) leave() error {
	if m.left.Swap(true) {
		return ErrMemberLeft
	}
	err := m.group.engine.broadcast(&protocol.Leave{
		Envelope: protocol.Envelope{Group: m.group.name, Sender: m.id},
	})
	m.tracker.abort(ErrMemberLeft)
	m.group.removeLocal(m)

	m.t.Kill(nil)
	select {
	case <-m.t.Dead():
	case <-time.After(m.group.engine.cfg.ShutdownTimeout):
		m.log.Warn("member goroutines still running after shutdown timeout")
	}
	m.log.Info("left")
	return err
}

func (m *GroupMember) announce() {
	if m.left.Load() {
		return
	}
	_ = m.group.engine.broadcast(&protocol.Announce{
		Envelope: protocol.Envelope{Group: m.group.name, Sender: m.id},
		NetTime:  m.group.clock.Now(),
		Addr:     m.addr,
		Props:    m.props,
	})
}

func (m *GroupMember) resendLoop() error {
	interval := m.group.engine.cfg.ResendTimeout / 4
	if interval < 5*time.Millisecond {
		interval = 5 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.t.Dying():
			return nil
		case now := <-ticker.C:
			for _, r := range m.tracker.advance(now) {
				m.log.Debug("resending", zap.Stringer("message", r.id), zap.Int("round", r.round),
					zap.Strings("members", r.members))
				m.sendToMembers(r.members, protocol.TypeData, r.packets...)
			}
		}
	}
}

func (m *GroupMember) onData(d *protocol.Data) {
	if m.left.Load() {
		return
	}
	key := protocol.KeyOf(d.Envelope)
	now := time.Now()
	if m.seen.Contains(key, now) {
		// our ack was lost; repeat it without delivering again
		m.sendAck(d.Envelope)
		return
	}
	payload, ok := m.reasm.Add(d, now)
	if !ok {
		return
	}
	if !m.seen.Add(key, now) {
		m.sendAck(d.Envelope)
		return
	}
	m.sendAck(d.Envelope)

	msg := &Message{id: d.Message, group: d.Group, from: d.Sender}
	msg.buf.Write(payload)
	m.dispatcher.push(msg)
}

func (m *GroupMember) onAck(a *protocol.Ack) {
	if !m.tracker.ack(a.Message, a.Sender) {
		m.log.Debug("ignoring ack", zap.Stringer("message", a.Message), zap.String("from", a.Sender))
	}
}

func (m *GroupMember) sendAck(data protocol.Envelope) {
	b, err := protocol.Encode(&protocol.Ack{
		Envelope: protocol.Envelope{Group: m.group.name, Sender: m.id, Message: data.Message},
	})
	if err != nil {
		m.log.Error("encode ack", zap.Error(err))
		return
	}
	m.sendToMembers([]string{data.Sender}, protocol.TypeAck, b)
}

// sendToMembers unicasts packets to the addresses of ids when the transports
// allow it and falls back to one broadcast otherwise.
func (m *GroupMember) sendToMembers(ids []string, typ protocol.Type, packets ...[]byte) {
	e := m.group.engine
	broadcast := !e.transports.CanUnicast()
	var addrs []string
	if !broadcast {
		done := make(map[string]bool, len(ids))
		for _, id := range ids {
			mem, ok := m.group.members.Get(id)
			if !ok || mem.Addr == "" {
				broadcast = true
				break
			}
			if !done[mem.Addr] {
				done[mem.Addr] = true
				addrs = append(addrs, mem.Addr)
			}
		}
	}
	if !broadcast {
		for _, addr := range addrs {
			for _, b := range packets {
				if err := e.sendPacketTo(addr, typ, b); err != nil {
					broadcast = true
				}
			}
		}
	}
	if broadcast {
		for _, b := range packets {
			_ = e.sendPacket(typ, b)
		}
	}
}
