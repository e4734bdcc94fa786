// Package transport moves raw packets between group members. A Transport is
// opened and closed as a unit and may be able to send, receive or both;
// Transports combines several of them so that a send fans out to every sending
// transport and the receiver loops can poll every receiving one.
package transport

import (
	"errors"
	"time"
)

var (
	// ErrTimeout is returned by Receive when nothing arrived before the timeout.
	ErrTimeout = errors.New("transport: receive timeout")
	// ErrClosed is returned once the transport has been closed.
	ErrClosed = errors.New("transport: closed")
	// ErrNoUnicast is returned by Transports.SendTo when no transport can
	// address a single peer.
	ErrNoUnicast = errors.New("transport: no unicast capable transport")
)

type Capability uint8

const (
	SendOnly Capability = iota + 1
	ReceiveOnly
	SendReceive
)

func (c Capability) CanSend() bool    { return c == SendOnly || c == SendReceive }
func (c Capability) CanReceive() bool { return c == ReceiveOnly || c == SendReceive }

func (c Capability) String() string {
	switch c {
	case SendOnly:
		return "send"
	case ReceiveOnly:
		return "receive"
	case SendReceive:
		return "send+receive"
	default:
		return "none"
	}
}

// Packet is one inbound datagram or TCP message together with the address it
// came from.
type Packet struct {
	Data   []byte
	Source string
}

type Transport interface {
	Name() string
	Capability() Capability
	Open() error
	Close() error
}

type Sender interface {
	Send(b []byte) error
}

type Receiver interface {
	// Receive blocks for at most timeout. It returns ErrTimeout when nothing
	// arrived and ErrClosed after Close.
	Receive(timeout time.Duration) (Packet, error)
}

// Unicaster is implemented by transports that can address one peer.
type Unicaster interface {
	SendTo(addr string, b []byte) error
}

// Advertiser is implemented by transports that have an address peers can
// unicast to.
type Advertiser interface {
	AdvertiseAddr() string
}
