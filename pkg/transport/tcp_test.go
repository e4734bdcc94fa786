package transport

import (
	"bytes"
	"errors"
	"net"
	"testing"
	"time"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestTCPSendReceive(t *testing.T) {
	r := NewTCPReceiver("127.0.0.1:0", "", time.Second, nil)
	if err := r.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	s := NewTCPSender([]string{r.AdvertiseAddr()}, time.Second, nil)
	s.Open()
	defer s.Close()

	payload := bytes.Repeat([]byte("z"), 100_000)
	errCh := make(chan error, 1)
	go func() { errCh <- s.Send(payload) }()

	p, err := r.Receive(2 * time.Second)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if !bytes.Equal(p.Data, payload) {
		t.Fatalf("received %d bytes, want %d", len(p.Data), len(payload))
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestTCPReceiveTimeout(t *testing.T) {
	r := NewTCPReceiver("127.0.0.1:0", "", time.Second, nil)
	if err := r.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	start := time.Now()
	if _, err := r.Receive(50 * time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("Receive ignored its timeout")
	}
}

func TestTCPRefusedIsSwallowed(t *testing.T) {
	s := NewTCPSender([]string{freeAddr(t)}, time.Second, nil)
	s.Open()
	for i := 0; i < 3; i++ {
		if err := s.Send([]byte("anyone?")); err != nil {
			t.Fatalf("Send to a down peer returned %v, want nil", err)
		}
	}
}

func TestTCPReceiverAdvertise(t *testing.T) {
	r := NewTCPReceiver("127.0.0.1:0", "node1.example:7000", time.Second, nil)
	if got := r.AdvertiseAddr(); got != "node1.example:7000" {
		t.Fatalf("AdvertiseAddr = %q", got)
	}
	if _, err := r.Receive(time.Millisecond); !errors.Is(err, ErrClosed) {
		t.Fatalf("Receive before Open err = %v, want ErrClosed", err)
	}
}

func TestTCPSetPeers(t *testing.T) {
	s := NewTCPSender([]string{"a:1"}, 0, nil)
	s.SetPeers([]string{"b:2", "c:3"})
	peers := s.Peers()
	if len(peers) != 2 || peers[0] != "b:2" || peers[1] != "c:3" {
		t.Fatalf("Peers = %v", peers)
	}
}

func TestTCPStalledPeerDoesNotBlockOthers(t *testing.T) {
	r := NewTCPReceiver("127.0.0.1:0", "", 5*time.Second, nil)
	if err := r.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	// connects and never writes or closes
	stalled, err := net.Dial("tcp", r.AdvertiseAddr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer stalled.Close()
	time.Sleep(20 * time.Millisecond)

	s := NewTCPSender([]string{r.AdvertiseAddr()}, time.Second, nil)
	s.Open()
	defer s.Close()
	if err := s.Send([]byte("announce")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	start := time.Now()
	p, err := r.Receive(500 * time.Millisecond)
	if err != nil {
		t.Fatalf("Receive behind a stalled connection: %v", err)
	}
	if string(p.Data) != "announce" {
		t.Fatalf("got %q", p.Data)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("Receive took %s", time.Since(start))
	}
}

func TestTCPCloseInterruptsReads(t *testing.T) {
	r := NewTCPReceiver("127.0.0.1:0", "", time.Minute, nil)
	if err := r.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	c, err := net.Dial("tcp", r.AdvertiseAddr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	time.Sleep(20 * time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- r.Close() }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close waited on an idle connection")
	}
	if _, err := r.Receive(10 * time.Millisecond); !errors.Is(err, ErrClosed) {
		t.Fatalf("Receive after Close err = %v, want ErrClosed", err)
	}
}
