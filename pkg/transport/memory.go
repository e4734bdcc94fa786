package transport

import (
	"sync"
	"time"
)

// Filter decides what the hub delivers for one packet sent by from to to.
// Returning nil drops it; returning more than one slice delivers duplicates.
type Filter func(from, to string, b []byte) [][]byte

// Hub connects MemoryTransports inside one process. Sends are delivered to
// every open transport on the hub, the sender included, the way multicast
// loopback behaves.
type Hub struct {
	mu     sync.RWMutex
	nodes  map[string]*MemoryTransport
	filter Filter
}

func NewHub() *Hub {
	return &Hub{nodes: make(map[string]*MemoryTransport)}
}

// SetFilter installs f for all later sends; nil removes it.
func (h *Hub) SetFilter(f Filter) {
	h.mu.Lock()
	h.filter = f
	h.mu.Unlock()
}

// Transport returns a new transport on the hub addressed by name.
func (h *Hub) Transport(name string) *MemoryTransport {
	return &MemoryTransport{hub: h, name: name}
}

func (h *Hub) deliver(from string, to *MemoryTransport, b []byte) {
	h.mu.RLock()
	f := h.filter
	h.mu.RUnlock()
	out := [][]byte{b}
	if f != nil {
		out = f(from, to.name, b)
	}
	for _, p := range out {
		to.push(Packet{Data: append([]byte(nil), p...), Source: from})
	}
}

func (h *Hub) targets() []*MemoryTransport {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*MemoryTransport, 0, len(h.nodes))
	for _, n := range h.nodes {
		out = append(out, n)
	}
	return out
}

// MemoryTransport is a send/receive transport on a Hub.
type MemoryTransport struct {
	hub  *Hub
	name string

	mu    sync.Mutex
	inbox chan Packet
	done  chan struct{}
}

func (t *MemoryTransport) Name() string           { return "memory:" + t.name }
func (t *MemoryTransport) Capability() Capability { return SendReceive }
func (t *MemoryTransport) AdvertiseAddr() string  { return t.name }

func (t *MemoryTransport) Open() error {
	t.mu.Lock()
	t.inbox = make(chan Packet, 4096)
	t.done = make(chan struct{})
	t.mu.Unlock()

	t.hub.mu.Lock()
	t.hub.nodes[t.name] = t
	t.hub.mu.Unlock()
	return nil
}

func (t *MemoryTransport) Close() error {
	t.hub.mu.Lock()
	if t.hub.nodes[t.name] == t {
		delete(t.hub.nodes, t.name)
	}
	t.hub.mu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done != nil {
		select {
		case <-t.done:
		default:
			close(t.done)
		}
	}
	return nil
}

func (t *MemoryTransport) Send(b []byte) error {
	if t.isClosed() {
		return ErrClosed
	}
	for _, n := range t.hub.targets() {
		t.hub.deliver(t.name, n, b)
	}
	return nil
}

func (t *MemoryTransport) SendTo(addr string, b []byte) error {
	if t.isClosed() {
		return ErrClosed
	}
	t.hub.mu.RLock()
	n, ok := t.hub.nodes[addr]
	t.hub.mu.RUnlock()
	if ok {
		t.hub.deliver(t.name, n, b)
	}
	return nil
}

func (t *MemoryTransport) Receive(timeout time.Duration) (Packet, error) {
	t.mu.Lock()
	inbox, done := t.inbox, t.done
	t.mu.Unlock()
	if inbox == nil {
		return Packet{}, ErrClosed
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case p := <-inbox:
		return p, nil
	case <-done:
		return Packet{}, ErrClosed
	case <-timer.C:
		return Packet{}, ErrTimeout
	}
}

// push drops the packet when the inbox is full, like a saturated socket buffer.
func (t *MemoryTransport) push(p Packet) {
	t.mu.Lock()
	inbox, done := t.inbox, t.done
	t.mu.Unlock()
	select {
	case <-done:
	case inbox <- p:
	default:
	}
}

func (t *MemoryTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done == nil {
		return true
	}
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}
