package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
)

const maxDatagram = 64 * 1024

type MulticastConfig struct {
	// Group is the multicast host:port, e.g. "239.1.2.3:9876".
	Group string
	// Interface names the network interface to join on; empty lets the
	// system choose.
	Interface string
	TTL       int
}

// Multicast is a send/receive transport over one UDP multicast group.
// Send failures recreate the socket and retry once; a second failure is
// logged and the packet dropped.
type Multicast struct {
	cfg MulticastConfig
	log *zap.Logger

	mu     sync.Mutex
	group  *net.UDPAddr
	ifi    *net.Interface
	conn   *net.UDPConn
	pc     *ipv4.PacketConn
	closed bool
}

func NewMulticast(cfg MulticastConfig, log *zap.Logger) *Multicast {
	if log == nil {
		log = zap.NewNop()
	}
	return &Multicast{cfg: cfg, log: log.Named("multicast").With(zap.String("group", cfg.Group))}
}

func (m *Multicast) Name() string           { return "multicast:" + m.cfg.Group }
func (m *Multicast) Capability() Capability { return SendReceive }

func (m *Multicast) Open() error {
	group, err := net.ResolveUDPAddr("udp4", m.cfg.Group)
	if err != nil {
		return fmt.Errorf("resolve multicast group %q: %w", m.cfg.Group, err)
	}
	if !group.IP.IsMulticast() {
		return fmt.Errorf("%s is not a multicast address", group.IP)
	}
	var ifi *net.Interface
	if m.cfg.Interface != "" {
		if ifi, err = net.InterfaceByName(m.cfg.Interface); err != nil {
			return fmt.Errorf("multicast interface %q: %w", m.cfg.Interface, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.group, m.ifi, m.closed = group, ifi, false
	return m.openLocked()
}

func (m *Multicast) openLocked() error {
	conn, err := net.ListenMulticastUDP("udp4", m.ifi, m.group)
	if err != nil {
		return fmt.Errorf("join multicast group %s: %w", m.group, err)
	}
	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetMulticastLoopback(true); err != nil {
		conn.Close()
		return err
	}
	if m.cfg.TTL > 0 {
		if err := pc.SetMulticastTTL(m.cfg.TTL); err != nil {
			conn.Close()
			return err
		}
	}
	if m.ifi != nil {
		if err := pc.SetMulticastInterface(m.ifi); err != nil {
			conn.Close()
			return err
		}
	}
	m.conn, m.pc = conn, pc
	return nil
}

func (m *Multicast) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.conn == nil {
		return nil
	}
	err := m.conn.Close()
	m.conn, m.pc = nil, nil
	return err
}

// Send multicasts b. It only returns an error when the transport is closed.
func (m *Multicast) Send(b []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.pc == nil {
		return ErrClosed
	}
	_, err := m.pc.WriteTo(b, nil, m.group)
	if err == nil {
		return nil
	}

	m.log.Warn("multicast send failed, recreating socket", zap.Error(err))
	m.conn.Close()
	m.conn, m.pc = nil, nil
	if err := m.openLocked(); err != nil {
		m.log.Error("multicast socket recreate failed, packet dropped", zap.Error(err))
		return nil
	}
	if _, err := m.pc.WriteTo(b, nil, m.group); err != nil {
		m.log.Error("multicast send retry failed, packet dropped", zap.Error(err))
	}
	return nil
}

func (m *Multicast) Receive(timeout time.Duration) (Packet, error) {
	m.mu.Lock()
	conn, pc, closed := m.conn, m.pc, m.closed
	m.mu.Unlock()
	if closed {
		return Packet{}, ErrClosed
	}
	if pc == nil {
		// socket is being recreated by Send
		time.Sleep(timeout)
		return Packet{}, ErrTimeout
	}

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return Packet{}, err
	}
	buf := make([]byte, maxDatagram)
	n, _, src, err := pc.ReadFrom(buf)
	if err != nil {
		switch {
		case errors.Is(err, os.ErrDeadlineExceeded):
			return Packet{}, ErrTimeout
		case errors.Is(err, net.ErrClosed):
			if m.isClosed() {
				return Packet{}, ErrClosed
			}
			return Packet{}, ErrTimeout
		}
		return Packet{}, err
	}
	source := ""
	if src != nil {
		source = src.String()
	}
	return Packet{Data: append([]byte(nil), buf[:n]...), Source: source}, nil
}

func (m *Multicast) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
