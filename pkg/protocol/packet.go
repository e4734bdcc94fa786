package protocol

import (
	"fmt"
	"strconv"
)

// Version is the protocol version written into every packet. Packets carrying
// any other version are rejected by Decode.
const Version int32 = 1

type Type int32

const (
	TypeData Type = iota + 1
	TypeAck
	TypeAnnounce
	TypeLeave
	TypeNetTime
)

func (t Type) String() string {
	switch t {
	case TypeData:
		return "data"
	case TypeAck:
		return "ack"
	case TypeAnnounce:
		return "announce"
	case TypeLeave:
		return "leave"
	case TypeNetTime:
		return "nettime"
	default:
		return "type(" + strconv.Itoa(int(t)) + ")"
	}
}

// MessageID identifies a message group-wide: the id of the member that
// created it plus that member's local sequence number.
type MessageID struct {
	Member string
	Seq    uint64
}

func (id MessageID) String() string {
	return fmt.Sprintf("%s/%d", id.Member, id.Seq)
}

// Envelope holds the header fields shared by every frame.
type Envelope struct {
	Group   string
	Sender  string
	Message MessageID
}

func (e Envelope) Header() Envelope { return e }

// Frame is a decoded packet.
type Frame interface {
	Type() Type
	Header() Envelope
}

// Data carries fragment Index of Count of an application message.
type Data struct {
	Envelope
	Index int
	Count int
	Chunk []byte
}

// Ack acknowledges complete receipt of Message. Acks are never acknowledged.
type Ack struct {
	Envelope
}

// Announce is the periodic liveness packet. Addr is the sender's unicast
// address, if it has one.
type Announce struct {
	Envelope
	NetTime uint64
	Addr    string
	Props   map[string]string
}

// Leave tells peers the sender is leaving the group.
type Leave struct {
	Envelope
}

// NetTimeSync broadcasts the sender's NetTime value.
type NetTimeSync struct {
	Envelope
	NetTime uint64
}

func (*Data) Type() Type        { return TypeData }
func (*Ack) Type() Type         { return TypeAck }
func (*Announce) Type() Type    { return TypeAnnounce }
func (*Leave) Type() Type       { return TypeLeave }
func (*NetTimeSync) Type() Type { return TypeNetTime }
