package node

import (
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/ryandielhenn/zephyrgroups/pkg/groups"
	"github.com/ryandielhenn/zephyrgroups/pkg/membership"
	"github.com/ryandielhenn/zephyrgroups/pkg/protocol"
	"github.com/ryandielhenn/zephyrgroups/pkg/transport"
)

func testConfig() groups.Config {
	return groups.Config{
		AnnounceInterval: 20 * time.Millisecond,
		ResendRounds:     1,
		ResendTimeout:    50 * time.Millisecond,
		NetTimeInterval:  20 * time.Millisecond,
		ReceiveTimeout:   10 * time.Millisecond,
		ShutdownTimeout:  time.Second,
	}
}

func joined(t *testing.T, hub *transport.Hub, name string) *groups.GroupMember {
	t.Helper()
	e := groups.New(testConfig(), transport.NewTransports(hub.Transport(name)), groups.WithMemberName(name))
	if err := e.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = e.Disconnect() })
	m, err := e.JoinGroup("admin", nil)
	if err != nil {
		t.Fatalf("JoinGroup: %v", err)
	}
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthzAndInfo(t *testing.T) {
	hub := transport.NewHub()
	m := joined(t, hub, "a")
	h := NewNode(m, "a", 10, nil).Handler()

	if rec := do(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz: %d %q", rec.Code, rec.Body.String())
	}

	rec := do(t, h, http.MethodGet, "/info", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("info: %d", rec.Code)
	}
	var info struct {
		Member  string `json:"member"`
		Group   string `json:"group"`
		Members int    `json:"members"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode info: %v", err)
	}
	if info.Member != m.GetMemberID() || info.Group != "admin" || info.Members != 1 {
		t.Fatalf("unexpected info %+v", info)
	}
}

func TestSendAndRecent(t *testing.T) {
	hub := transport.NewHub()
	a := joined(t, hub, "a")
	b := joined(t, hub, "b")
	waitFor(t, "membership", func() bool {
		return len(a.GetMemberInfo()) == 2 && len(b.GetMemberInfo()) == 2
	})
	ha := NewNode(a, "a", 10, nil).Handler()
	nb := NewNode(b, "b", 10, nil)
	hb := nb.Handler()

	if rec := do(t, ha, http.MethodGet, "/send", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET /send: %d", rec.Code)
	}
	rec := do(t, ha, http.MethodPost, "/send", "hello group")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("POST /send: %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Message-Id") == "" {
		t.Fatalf("missing message id header")
	}

	waitFor(t, "delivery", func() bool { return len(nb.Recent(0)) == 1 })
	rec = do(t, hb, http.MethodGet, "/recent?n=5", "")
	var recent []Received
	if err := json.Unmarshal(rec.Body.Bytes(), &recent); err != nil {
		t.Fatalf("decode recent: %v", err)
	}
	if len(recent) != 1 || recent[0].Body != "hello group" || recent[0].From != a.GetMemberID() {
		t.Fatalf("unexpected recent %+v", recent)
	}
	if rec := do(t, hb, http.MethodGet, "/recent?n=x", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad n: %d", rec.Code)
	}

	rec = do(t, hb, http.MethodGet, "/members", "")
	var members []membership.Member
	if err := json.Unmarshal(rec.Body.Bytes(), &members); err != nil {
		t.Fatalf("decode members: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("members = %+v", members)
	}
}

func TestSendReportsUnacknowledged(t *testing.T) {
	hub := transport.NewHub()
	a := joined(t, hub, "a")
	b := joined(t, hub, "b")
	waitFor(t, "membership", func() bool {
		return len(a.GetMemberInfo()) == 2 && len(b.GetMemberInfo()) == 2
	})
	hub.SetFilter(func(from, to string, p []byte) [][]byte {
		if f, err := protocol.Decode(p); err == nil && from == "b" && f.Type() == protocol.TypeAck {
			return nil
		}
		return [][]byte{p}
	})

	rec := do(t, NewNode(a, "a", 10, nil).Handler(), http.MethodPost, "/send", "lost")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("POST /send: %d %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Unacknowledged []string `json:"unacknowledged"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !slices.Equal(body.Unacknowledged, []string{b.GetMemberID()}) {
		t.Fatalf("unacknowledged = %v", body.Unacknowledged)
	}
}

func TestRecentKeepsNewest(t *testing.T) {
	hub := transport.NewHub()
	n := NewNode(joined(t, hub, "a"), "a", 3, nil)
	for _, s := range []string{"1", "2", "3", "4", "5"} {
		msg := &groups.Message{}
		msg.WriteString(s)
		n.record(msg)
	}
	got := n.Recent(0)
	if len(got) != 3 || got[0].Body != "3" || got[2].Body != "5" {
		t.Fatalf("recent = %+v", got)
	}
	if got := n.Recent(1); len(got) != 1 || got[0].Body != "5" {
		t.Fatalf("Recent(1) = %+v", got)
	}
}

func TestNormalizeHostPort(t *testing.T) {
	cases := []struct{ in, want string }{
		{"http://node1", "node1:7000"},
		{"https://node1:9000", "node1:9000"},
		{"10.0.0.1:7001", "10.0.0.1:7001"},
		{"node2", "node2:7000"},
	}
	for _, c := range cases {
		if got := NormalizeHostPort(c.in, "7000"); got != c.want {
			t.Fatalf("NormalizeHostPort(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNormalizePeers(t *testing.T) {
	got := NormalizePeers([]string{" a ", "a:7000", "", "self", "http://b:7001"}, "self", "7000")
	want := []string{"a:7000", "b:7001"}
	if !slices.Equal(got, want) {
		t.Fatalf("NormalizePeers = %v, want %v", got, want)
	}
}
