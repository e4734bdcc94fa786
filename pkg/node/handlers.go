package node

import (
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgroups/pkg/groups"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MaxMessageSize bounds the body accepted by /send.
const MaxMessageSize = 1 << 20

// healthz returns 200 OK to indicate the Node is alive.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// info writes the member identity, NetTime and member count.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		PID     int       `json:"pid"`
		Now     time.Time `json:"now"`
		Member  string    `json:"member"`
		Group   string    `json:"group"`
		NetTime uint64    `json:"net_time"`
		Members int       `json:"members"`
	}
	writeJSON(w, http.StatusOK, resp{
		PID:     os.Getpid(),
		Now:     time.Now(),
		Member:  n.member.GetMemberID(),
		Group:   n.member.Group(),
		NetTime: n.member.GetNetTime(),
		Members: len(n.member.GetMemberInfo()),
	})
}

func (n *Node) Members(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, n.member.GetMemberInfo())
}

// send publishes the request body to the group and waits for every member to
// acknowledge it.
func (n *Node) Send(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost && req.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, MaxMessageSize+1))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(body) > MaxMessageSize {
		http.Error(w, "message too large", http.StatusRequestEntityTooLarge)
		return
	}

	msg := n.member.CreateNewMessage()
	msg.Write(body)
	err = n.member.SendMessage(req.Context(), msg)

	var de *groups.DeliveryError
	switch {
	case err == nil:
		w.Header().Set("X-Message-Id", msg.ID().String())
		w.WriteHeader(http.StatusNoContent)
	case errors.As(err, &de):
		n.log.Warn("delivery failed", zap.Stringer("message", de.Message), zap.Strings("unacknowledged", de.Unacknowledged))
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"message":        de.Message.String(),
			"unacknowledged": de.Unacknowledged,
		})
	case errors.Is(err, groups.ErrMemberLeft):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// recentMessages lists the last received messages, ?n= limits the count.
func (n *Node) RecentMessages(w http.ResponseWriter, req *http.Request) {
	limit := 0
	if s := req.URL.Query().Get("n"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			http.Error(w, "invalid n", http.StatusBadRequest)
			return
		}
		limit = v
	}
	writeJSON(w, http.StatusOK, n.Recent(limit))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
