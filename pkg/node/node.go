package node

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgroups/internal/telemetry"
	"github.com/ryandielhenn/zephyrgroups/pkg/groups"
	"github.com/ryandielhenn/zephyrgroups/pkg/membership"
)

// DefaultRecent is how many received messages /recent keeps when NewNode is
// given a limit < 1.
const DefaultRecent = 100

// Member is the part of a *groups.GroupMember the admin surface uses.
type Member interface {
	GetMemberID() string
	Group() string
	GetNetTime() uint64
	GetMemberInfo() []membership.Member
	CreateNewMessage() *groups.Message
	SendMessage(ctx context.Context, msg *groups.Message) error
	AddMessageListener(l groups.MessageListener)
}

// Received is one inbound message as reported by /recent.
type Received struct {
	ID   string    `json:"id"`
	From string    `json:"from"`
	Size int       `json:"size"`
	Body string    `json:"body"`
	At   time.Time `json:"at"`
}

type Node struct {
	member Member
	addr   string
	log    *zap.Logger

	mu     sync.Mutex
	recent []Received
	max    int
}

func NewNode(m Member, addr string, recent int, log *zap.Logger) *Node {
	if recent < 1 {
		recent = DefaultRecent
	}
	if log == nil {
		log = zap.NewNop()
	}
	n := &Node{member: m, addr: addr, max: recent, log: log.Named("node")}
	m.AddMessageListener(groups.NewMessageListener(n.record))
	return n
}

func (n *Node) Addr() string {
	return n.addr
}

func (n *Node) record(msg *groups.Message) {
	r := Received{
		ID:   msg.ID().String(),
		From: msg.From(),
		Size: msg.Len(),
		Body: string(msg.Bytes()),
		At:   time.Now(),
	}
	n.mu.Lock()
	n.recent = append(n.recent, r)
	if len(n.recent) > n.max {
		n.recent = append(n.recent[:0], n.recent[len(n.recent)-n.max:]...)
	}
	n.mu.Unlock()
}

// Recent returns up to limit received messages, newest last.
func (n *Node) Recent(limit int) []Received {
	n.mu.Lock()
	defer n.mu.Unlock()
	if limit <= 0 || limit > len(n.recent) {
		limit = len(n.recent)
	}
	out := make([]Received, limit)
	copy(out, n.recent[len(n.recent)-limit:])
	return out
}

// Handler mounts the admin endpoints and /metrics.
func (n *Node) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", n.Healthz)
	mux.Handle("/info", telemetry.Instrument("info", http.HandlerFunc(n.Info)))
	mux.Handle("/members", telemetry.Instrument("members", http.HandlerFunc(n.Members)))
	mux.Handle("/send", telemetry.Instrument("send", http.HandlerFunc(n.Send)))
	mux.Handle("/recent", telemetry.Instrument("recent", http.HandlerFunc(n.RecentMessages)))
	mux.Handle("/metrics", telemetry.MetricsHandler())
	return mux
}
