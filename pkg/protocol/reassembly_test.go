package protocol

import (
	"bytes"
	"math/rand"
	"testing"
	"time"
)

func payloadOf(n int) []byte {
	b := make([]byte, n)
	rnd := rand.New(rand.NewSource(int64(n)))
	rnd.Read(b)
	return b
}

func TestFragmentCount(t *testing.T) {
	if got := len(Fragment(payloadOf(10*1024), 1500)); got != 7 {
		t.Fatalf("10KB at 1500 = %d fragments, want 7", got)
	}
	if got := len(Fragment(nil, 1500)); got != 1 {
		t.Fatalf("empty payload = %d fragments, want 1", got)
	}
	if got := len(Fragment(payloadOf(3000), 1500)); got != 2 {
		t.Fatalf("3000 bytes at 1500 = %d fragments, want 2", got)
	}
}

func TestReassemblyAnyOrder(t *testing.T) {
	env := Envelope{Group: "g", Sender: "a", Message: MessageID{"a", 1}}
	payload := payloadOf(10 * 1024)
	rnd := rand.New(rand.NewSource(1))
	now := time.Unix(1000, 0)

	for trial := 0; trial < 50; trial++ {
		frames := DataFrames(env, payload, 1500)
		rnd.Shuffle(len(frames), func(i, j int) { frames[i], frames[j] = frames[j], frames[i] })

		r := NewReassembler(time.Minute)
		for i, f := range frames {
			out, done := r.Add(f, now)
			if i < len(frames)-1 {
				if done {
					t.Fatalf("trial %d: completed after %d of %d fragments", trial, i+1, len(frames))
				}
				continue
			}
			if !done {
				t.Fatalf("trial %d: not complete after all fragments", trial)
			}
			if !bytes.Equal(out, payload) {
				t.Fatalf("trial %d: payload mismatch", trial)
			}
		}
		if r.Len() != 0 {
			t.Fatalf("trial %d: %d buffers left after completion", trial, r.Len())
		}
	}
}

func TestReassemblyIgnoresDuplicateFragments(t *testing.T) {
	env := Envelope{Sender: "a", Message: MessageID{"a", 2}}
	frames := DataFrames(env, payloadOf(4000), 1500)
	r := NewReassembler(time.Minute)
	now := time.Now()

	r.Add(frames[0], now)
	r.Add(frames[0], now)
	if _, done := r.Add(frames[1], now); done {
		t.Fatal("completed with a missing fragment")
	}
	if _, done := r.Add(frames[2], now); !done {
		t.Fatal("not complete after all distinct fragments")
	}
}

func TestReassemblySweep(t *testing.T) {
	r := NewReassembler(time.Second)
	t0 := time.Unix(0, 0)
	frames := DataFrames(Envelope{Sender: "a", Message: MessageID{"a", 3}}, payloadOf(5000), 1500)
	r.Add(frames[0], t0)

	if n := r.Sweep(t0.Add(500 * time.Millisecond)); n != 0 {
		t.Fatalf("Sweep before timeout evicted %d", n)
	}
	if n := r.Sweep(t0.Add(2 * time.Second)); n != 1 {
		t.Fatalf("Sweep after timeout evicted %d, want 1", n)
	}
	if r.Len() != 0 {
		t.Fatalf("Len = %d after sweep", r.Len())
	}
}

func TestReassemblyOversizedCount(t *testing.T) {
	r := NewReassembler(time.Minute)
	now := time.Now()
	env := Envelope{Sender: "a", Message: MessageID{"a", 4}}

	if _, done := r.Add(&Data{Envelope: env, Index: 0, Count: 0x7fffffff, Chunk: []byte("x")}, now); done {
		t.Fatal("completed an oversized message")
	}
	if r.Len() != 0 {
		t.Fatalf("buffered a message over MaxFragments")
	}

	// a count at the limit only costs what actually arrived
	if _, done := r.Add(&Data{Envelope: env, Index: 5, Count: MaxFragments, Chunk: []byte("y")}, now); done {
		t.Fatal("completed with one fragment of many")
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
	if _, done := r.Add(&Data{Envelope: env, Index: 1, Count: 3, Chunk: []byte("z")}, now); done {
		t.Fatal("fragment with a different count was accepted")
	}
}
