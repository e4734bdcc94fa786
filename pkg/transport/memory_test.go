package transport

import (
	"errors"
	"testing"
	"time"
)

func openHub(t *testing.T, names ...string) (*Hub, map[string]*MemoryTransport) {
	t.Helper()
	h := NewHub()
	out := make(map[string]*MemoryTransport)
	for _, n := range names {
		tr := h.Transport(n)
		if err := tr.Open(); err != nil {
			t.Fatalf("Open(%s): %v", n, err)
		}
		t.Cleanup(func() { tr.Close() })
		out[n] = tr
	}
	return h, out
}

func TestHubBroadcastIncludesSender(t *testing.T) {
	_, nodes := openHub(t, "a", "b", "c")
	if err := nodes["a"].Send([]byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	for name, tr := range nodes {
		p, err := tr.Receive(time.Second)
		if err != nil {
			t.Fatalf("%s: Receive: %v", name, err)
		}
		if string(p.Data) != "hello" || p.Source != "a" {
			t.Fatalf("%s: got %q from %q", name, p.Data, p.Source)
		}
	}
}

func TestHubSendTo(t *testing.T) {
	_, nodes := openHub(t, "a", "b", "c")
	if err := nodes["a"].SendTo("b", []byte("direct")); err != nil {
		t.Fatalf("SendTo: %v", err)
	}
	if p, err := nodes["b"].Receive(time.Second); err != nil || string(p.Data) != "direct" {
		t.Fatalf("b Receive = %q, %v", p.Data, err)
	}
	if _, err := nodes["c"].Receive(20 * time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("c Receive err = %v, want ErrTimeout", err)
	}
}

func TestHubFilterDropsAndDuplicates(t *testing.T) {
	h, nodes := openHub(t, "a", "b")
	h.SetFilter(func(from, to string, b []byte) [][]byte {
		if to == "a" {
			return nil
		}
		return [][]byte{b, b}
	})
	nodes["a"].Send([]byte("x"))

	for i := 0; i < 2; i++ {
		if _, err := nodes["b"].Receive(time.Second); err != nil {
			t.Fatalf("b Receive: %v", err)
		}
	}
	if _, err := nodes["a"].Receive(20 * time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("a Receive err = %v, want ErrTimeout", err)
	}
}

func TestMemoryClosedReceive(t *testing.T) {
	h := NewHub()
	tr := h.Transport("a")
	tr.Open()
	done := make(chan error, 1)
	go func() {
		_, err := tr.Receive(5 * time.Second)
		done <- err
	}()
	tr.Close()
	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("err = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Receive did not return after Close")
	}
	if err := tr.Send([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after Close err = %v, want ErrClosed", err)
	}
}
