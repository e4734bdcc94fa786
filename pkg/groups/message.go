package groups

import (
	"bytes"
	"io"

	"github.com/ryandielhenn/zephyrgroups/pkg/protocol"
)

type MessageID = protocol.MessageID

// Message is one whole application message. Outbound messages come from
// GroupMember.CreateNewMessage and are filled through Write; inbound ones are
// handed to listeners complete.
type Message struct {
	id    MessageID
	group string
	from  string
	buf   bytes.Buffer
}

func (m *Message) ID() MessageID { return m.id }
func (m *Message) Group() string { return m.group }

// From is the id of the member that sent the message.
func (m *Message) From() string { return m.from }

func (m *Message) Write(p []byte) (int, error) { return m.buf.Write(p) }

func (m *Message) WriteString(s string) (int, error) { return m.buf.WriteString(s) }

// Bytes returns the payload. It aliases the message buffer.
func (m *Message) Bytes() []byte { return m.buf.Bytes() }

func (m *Message) Len() int { return m.buf.Len() }

func (m *Message) Reader() io.Reader { return bytes.NewReader(m.buf.Bytes()) }

// MessageListener receives complete inbound messages on the member's delivery
// goroutine. Implementations must be comparable so they can be removed.
type MessageListener interface {
	MessageReceived(msg *Message)
}

type funcListener struct {
	fn func(*Message)
}

func (l *funcListener) MessageReceived(msg *Message) { l.fn(msg) }

// NewMessageListener adapts fn. Keep the returned value to remove it later.
func NewMessageListener(fn func(*Message)) MessageListener {
	return &funcListener{fn: fn}
}
