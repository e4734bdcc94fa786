package groups

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/tomb.v2"

	"github.com/ryandielhenn/zephyrgroups/internal/telemetry"
	"github.com/ryandielhenn/zephyrgroups/pkg/membership"
	"github.com/ryandielhenn/zephyrgroups/pkg/protocol"
	"github.com/ryandielhenn/zephyrgroups/pkg/transport"
)

// Engine connects a process to the network and keeps the registry of the
// groups joined through it.
type Engine struct {
	cfg        Config
	log        *zap.Logger
	transports *transport.Transports
	memberName string

	mu        sync.Mutex
	t         *tomb.Tomb
	connected bool
	groups    map[string]*Group
}

type Option func(*Engine)

func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithMemberName prefixes generated member ids with name.
func WithMemberName(name string) Option {
	return func(e *Engine) { e.memberName = name }
}

func New(cfg Config, transports *transport.Transports, opts ...Option) *Engine {
	e := &Engine{
		cfg:        cfg.withDefaults(),
		log:        zap.NewNop(),
		transports: transports,
		groups:     make(map[string]*Group),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.Named("groups")
	return e
}

func (e *Engine) Config() Config { return e.cfg }

// Connect opens the transports and starts one receiver loop per receiving
// transport.
func (e *Engine) Connect() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.connected {
		return ErrAlreadyConnected
	}
	if err := e.transports.Open(); err != nil {
		return err
	}

	t := new(tomb.Tomb)
	// keeps the tomb alive until Kill so groups can be started later
	t.Go(func() error {
		<-t.Dying()
		return nil
	})
	for _, r := range e.transports.Receivers() {
		r := r
		t.Go(func() error { return e.receiveLoop(t, r) })
	}

	e.t = t
	e.connected = true
	e.groups = make(map[string]*Group)
	e.log.Info("connected", zap.Int("transports", len(e.transports.All())),
		zap.String("advertise", e.transports.AdvertiseAddr()))
	return nil
}

// Disconnect leaves every group (peers get a LEAVE), stops all goroutines and
// closes the transports. It waits at most ShutdownTimeout for goroutines.
func (e *Engine) Disconnect() error {
	e.mu.Lock()
	if !e.connected {
		e.mu.Unlock()
		return ErrNotConnected
	}
	// JoinGroup is refused from here on, so nothing new starts on t.
	e.connected = false
	var locals []*GroupMember
	for _, g := range e.groups {
		locals = append(locals, g.localMembers()...)
	}
	t := e.t
	e.mu.Unlock()

	for _, m := range locals {
		if err := m.leave(); err != nil && !errors.Is(err, ErrMemberLeft) {
			e.log.Warn("leave during disconnect", zap.String("member", m.id), zap.Error(err))
		}
	}

	t.Kill(nil)
	err := e.transports.Close()
	select {
	case <-t.Dead():
	case <-time.After(e.cfg.ShutdownTimeout):
		e.log.Warn("goroutines still running after shutdown timeout", zap.Duration("timeout", e.cfg.ShutdownTimeout))
	}

	e.mu.Lock()
	for name := range e.groups {
		telemetry.Members.DeleteLabelValues(name)
	}
	e.groups = make(map[string]*Group)
	e.mu.Unlock()
	e.log.Info("disconnected")
	return err
}

func (e *Engine) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

// JoinGroup adds a new local member to the named group, creating the group on
// first use. props are announced to the other members.
func (e *Engine) JoinGroup(name string, props map[string]string) (*GroupMember, error) {
	if name == "" {
		return nil, ErrEmptyGroupName
	}
	e.mu.Lock()
	if !e.connected {
		e.mu.Unlock()
		return nil, ErrNotConnected
	}
	g, ok := e.groups[name]
	if !ok {
		g = newGroup(e, name)
		e.groups[name] = g
		g.start(e.t)
	}
	t := e.t
	e.mu.Unlock()

	m := newGroupMember(g, e.newMemberID(), e.transports.AdvertiseAddr(), props)
	g.addLocal(m)
	m.start(t)
	m.announce()
	g.log.Info("joined", zap.String("member", m.id))
	return m, nil
}

// LeaveGroup announces m's departure and stops it.
func (e *Engine) LeaveGroup(m *GroupMember) error {
	return m.leave()
}

// Group returns the named group if this engine has joined it.
func (e *Engine) Group(name string) (*Group, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.groups[name]
	return g, ok
}

// Members returns a snapshot of the named group's member list.
func (e *Engine) Members(group string) ([]membership.Member, error) {
	g, ok := e.Group(group)
	if !ok {
		return nil, ErrUnknownGroup
	}
	return g.Members(), nil
}

// Groups lists the names of the groups joined through this engine.
func (e *Engine) Groups() []string {
	e.mu.Lock()
	names := make([]string, 0, len(e.groups))
	for name := range e.groups {
		names = append(names, name)
	}
	e.mu.Unlock()
	sort.Strings(names)
	return names
}

func (e *Engine) newMemberID() string {
	if e.memberName == "" {
		return uuid.NewString()
	}
	return fmt.Sprintf("%s-%s", e.memberName, uuid.NewString())
}

// broadcast encodes f and sends it on every sending transport.
func (e *Engine) broadcast(f protocol.Frame) error {
	b, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	return e.sendPacket(f.Type(), b)
}

func (e *Engine) sendPacket(typ protocol.Type, b []byte) error {
	telemetry.PacketsSent.WithLabelValues(typ.String()).Inc()
	if err := e.transports.Send(b); err != nil {
		e.log.Warn("send failed", zap.Stringer("type", typ), zap.Error(err))
		return err
	}
	return nil
}

func (e *Engine) sendPacketTo(addr string, typ protocol.Type, b []byte) error {
	telemetry.PacketsSent.WithLabelValues(typ.String()).Inc()
	if err := e.transports.SendTo(addr, b); err != nil {
		e.log.Warn("unicast send failed", zap.Stringer("type", typ), zap.String("addr", addr), zap.Error(err))
		return err
	}
	return nil
}
