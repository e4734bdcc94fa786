package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/tomb.v2"
)

const (
	DefaultDialTimeout = 2 * time.Second
	// MaxTCPMessage bounds one inbound TCP message.
	MaxTCPMessage = 16 << 20
)

// TCPSender opens a fresh connection per send. A refused connection means the
// peer is down for now: it is logged once and the send to that peer is dropped
// without an error.
type TCPSender struct {
	log         *zap.Logger
	dialTimeout time.Duration

	mu     sync.Mutex
	peers  []string
	down   map[string]bool
	closed bool
}

func NewTCPSender(peers []string, dialTimeout time.Duration, log *zap.Logger) *TCPSender {
	if log == nil {
		log = zap.NewNop()
	}
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	return &TCPSender{
		log:         log.Named("tcp-sender"),
		dialTimeout: dialTimeout,
		peers:       slices.Clone(peers),
		down:        make(map[string]bool),
	}
}

func (s *TCPSender) Name() string           { return "tcp-sender" }
func (s *TCPSender) Capability() Capability { return SendOnly }

func (s *TCPSender) Open() error {
	s.mu.Lock()
	s.closed = false
	s.mu.Unlock()
	return nil
}

func (s *TCPSender) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// SetPeers replaces the peer list used by Send.
func (s *TCPSender) SetPeers(peers []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers = slices.Clone(peers)
	for p := range s.down {
		if !slices.Contains(s.peers, p) {
			delete(s.down, p)
		}
	}
}

func (s *TCPSender) Peers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.peers)
}

// Send writes b to every peer.
func (s *TCPSender) Send(b []byte) error {
	var err error
	for _, p := range s.Peers() {
		err = multierr.Append(err, s.SendTo(p, b))
	}
	return err
}

func (s *TCPSender) SendTo(addr string, b []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}

	conn, err := net.DialTimeout("tcp", addr, s.dialTimeout)
	if err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			s.markDown(addr, err)
			return nil
		}
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()
	s.markUp(addr)

	if err := conn.SetWriteDeadline(time.Now().Add(s.dialTimeout)); err != nil {
		return err
	}
	if _, err := conn.Write(b); err != nil {
		return fmt.Errorf("write %s: %w", addr, err)
	}
	return nil
}

func (s *TCPSender) markDown(addr string, err error) {
	s.mu.Lock()
	already := s.down[addr]
	s.down[addr] = true
	s.mu.Unlock()
	if !already {
		s.log.Warn("peer unreachable, dropping sends until it is back", zap.String("peer", addr), zap.Error(err))
	}
}

func (s *TCPSender) markUp(addr string) {
	s.mu.Lock()
	was := s.down[addr]
	delete(s.down, addr)
	s.mu.Unlock()
	if was {
		s.log.Info("peer reachable again", zap.String("peer", addr))
	}
}

// TCPReceiver accepts one connection per inbound message and reads it until
// the peer closes. Every connection is read on its own goroutine, so a peer
// that stalls only holds up its own message.
type TCPReceiver struct {
	listen      string
	advertise   string
	readTimeout time.Duration
	log         *zap.Logger

	mu    sync.Mutex
	ln    *net.TCPListener
	t     *tomb.Tomb
	inbox chan Packet
	conns map[*net.TCPConn]struct{}
}

// NewTCPReceiver listens on listen. advertise is the address announced to
// peers; when empty the bound address is used.
func NewTCPReceiver(listen, advertise string, readTimeout time.Duration, log *zap.Logger) *TCPReceiver {
	if log == nil {
		log = zap.NewNop()
	}
	if readTimeout <= 0 {
		readTimeout = 5 * time.Second
	}
	return &TCPReceiver{
		listen:      listen,
		advertise:   advertise,
		readTimeout: readTimeout,
		log:         log.Named("tcp-receiver"),
	}
}

func (r *TCPReceiver) Name() string           { return "tcp-receiver:" + r.listen }
func (r *TCPReceiver) Capability() Capability { return ReceiveOnly }

func (r *TCPReceiver) Open() error {
	ln, err := net.Listen("tcp", r.listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", r.listen, err)
	}
	t := new(tomb.Tomb)
	r.mu.Lock()
	r.ln = ln.(*net.TCPListener)
	r.t = t
	r.inbox = make(chan Packet, 1024)
	r.conns = make(map[*net.TCPConn]struct{})
	tcpLn := r.ln
	r.mu.Unlock()

	t.Go(func() error { return r.acceptLoop(t, tcpLn) })
	r.log.Info("listening", zap.String("addr", ln.Addr().String()))
	return nil
}

func (r *TCPReceiver) Close() error {
	r.mu.Lock()
	if r.ln == nil {
		r.mu.Unlock()
		return nil
	}
	t := r.t
	t.Kill(nil)
	err := r.ln.Close()
	for c := range r.conns {
		c.Close()
	}
	r.ln = nil
	r.mu.Unlock()

	t.Wait()
	return err
}

func (r *TCPReceiver) AdvertiseAddr() string {
	if r.advertise != "" {
		return r.advertise
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ln == nil {
		return ""
	}
	return r.ln.Addr().String()
}

func (r *TCPReceiver) Receive(timeout time.Duration) (Packet, error) {
	r.mu.Lock()
	ln, t, inbox := r.ln, r.t, r.inbox
	r.mu.Unlock()
	if ln == nil {
		return Packet{}, ErrClosed
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case p := <-inbox:
		return p, nil
	case <-t.Dying():
		return Packet{}, ErrClosed
	case <-timer.C:
		return Packet{}, ErrTimeout
	}
}

func (r *TCPReceiver) acceptLoop(t *tomb.Tomb, ln *net.TCPListener) error {
	for {
		conn, err := ln.AcceptTCP()
		if err != nil {
			select {
			case <-t.Dying():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			r.log.Warn("accept failed", zap.Error(err))
			select {
			case <-t.Dying():
				return nil
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		if !r.track(conn) {
			conn.Close()
			return nil
		}
		t.Go(func() error {
			r.read(t, conn)
			return nil
		})
	}
}

// track registers conn so Close can interrupt its read. It reports false once
// the receiver is closed.
func (r *TCPReceiver) track(conn *net.TCPConn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ln == nil {
		return false
	}
	r.conns[conn] = struct{}{}
	return true
}

func (r *TCPReceiver) untrack(conn *net.TCPConn) {
	r.mu.Lock()
	delete(r.conns, conn)
	r.mu.Unlock()
}

func (r *TCPReceiver) read(t *tomb.Tomb, conn *net.TCPConn) {
	defer r.untrack(conn)
	defer conn.Close()

	src := conn.RemoteAddr().String()
	if err := conn.SetReadDeadline(time.Now().Add(r.readTimeout)); err != nil {
		return
	}
	data, err := io.ReadAll(io.LimitReader(conn, MaxTCPMessage+1))
	if err != nil {
		r.log.Debug("dropping partial message", zap.String("source", src), zap.Error(err))
		return
	}
	if len(data) > MaxTCPMessage {
		r.log.Warn("dropping oversized message", zap.String("source", src), zap.Int("limit", MaxTCPMessage))
		return
	}
	select {
	case r.inbox <- Packet{Data: data, Source: src}:
	case <-t.Dying():
	}
}
