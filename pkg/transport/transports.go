package transport

import (
	"fmt"

	"go.uber.org/multierr"
)

// Transports is the set of transports one engine uses.
type Transports struct {
	list []Transport
}

func NewTransports(ts ...Transport) *Transports {
	return &Transports{list: ts}
}

func (t *Transports) Add(tr Transport) {
	t.list = append(t.list, tr)
}

func (t *Transports) All() []Transport {
	return t.list
}

// Open opens every transport; if one fails the ones already opened are closed.
func (t *Transports) Open() error {
	for i, tr := range t.list {
		if err := tr.Open(); err != nil {
			for _, opened := range t.list[:i] {
				_ = opened.Close()
			}
			return fmt.Errorf("open %s: %w", tr.Name(), err)
		}
	}
	return nil
}

func (t *Transports) Close() error {
	var err error
	for _, tr := range t.list {
		err = multierr.Append(err, tr.Close())
	}
	return err
}

// Send hands b to every transport that can send.
func (t *Transports) Send(b []byte) error {
	var err error
	for _, tr := range t.list {
		if s, ok := tr.(Sender); ok && tr.Capability().CanSend() {
			err = multierr.Append(err, s.Send(b))
		}
	}
	return err
}

// SendTo sends b to addr over the first unicast capable transport.
func (t *Transports) SendTo(addr string, b []byte) error {
	for _, tr := range t.list {
		if u, ok := tr.(Unicaster); ok {
			return u.SendTo(addr, b)
		}
	}
	return ErrNoUnicast
}

func (t *Transports) CanUnicast() bool {
	for _, tr := range t.list {
		if _, ok := tr.(Unicaster); ok {
			return true
		}
	}
	return false
}

// AdvertiseAddr returns the first address a peer could unicast to us on.
func (t *Transports) AdvertiseAddr() string {
	for _, tr := range t.list {
		if a, ok := tr.(Advertiser); ok {
			if addr := a.AdvertiseAddr(); addr != "" {
				return addr
			}
		}
	}
	return ""
}

// Receivers returns every transport that can receive, in order.
func (t *Transports) Receivers() []Receiver {
	var out []Receiver
	for _, tr := range t.list {
		if r, ok := tr.(Receiver); ok && tr.Capability().CanReceive() {
			out = append(out, r)
		}
	}
	return out
}
