package protocol

import (
	"sync"
	"time"
)

// Key identifies one message from one sender.
type Key struct {
	Sender  string
	Message MessageID
}

func KeyOf(e Envelope) Key {
	return Key{Sender: e.Sender, Message: e.Message}
}

// partial holds the fragments received so far, keyed by index, so memory
// follows the bytes that arrived rather than the announced count.
type partial struct {
	chunks  map[int][]byte
	count   int
	size    int
	started time.Time
}

// Reassembler buffers the fragments of multi-packet messages until every
// index 0..count-1 has arrived. Buffers that stay incomplete for longer than
// the timeout are dropped by Sweep.
type Reassembler struct {
	mu      sync.Mutex
	timeout time.Duration
	pending map[Key]*partial
}

func NewReassembler(timeout time.Duration) *Reassembler {
	return &Reassembler{
		timeout: timeout,
		pending: make(map[Key]*partial),
	}
}

// Add stores d and returns the full payload once the message is complete.
// Fragments whose count disagrees with the buffered ones, or exceeds
// MaxFragments, are ignored.
func (r *Reassembler) Add(d *Data, now time.Time) ([]byte, bool) {
	if d.Count <= 0 || d.Count > MaxFragments || d.Index < 0 || d.Index >= d.Count {
		return nil, false
	}
	if d.Count == 1 {
		return append([]byte(nil), d.Chunk...), true
	}
	k := KeyOf(d.Envelope)

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pending[k]
	if !ok {
		p = &partial{chunks: make(map[int][]byte), count: d.Count, started: now}
		r.pending[k] = p
	}
	if p.count != d.Count {
		return nil, false
	}
	if _, dup := p.chunks[d.Index]; dup {
		return nil, false
	}
	p.chunks[d.Index] = append(make([]byte, 0, len(d.Chunk)), d.Chunk...)
	p.size += len(d.Chunk)
	if len(p.chunks) < p.count {
		return nil, false
	}

	delete(r.pending, k)
	out := make([]byte, 0, p.size)
	for i := 0; i < p.count; i++ {
		out = append(out, p.chunks[i]...)
	}
	return out, true
}

// Forget drops any partial buffer for k.
func (r *Reassembler) Forget(k Key) {
	r.mu.Lock()
	delete(r.pending, k)
	r.mu.Unlock()
}

// Sweep evicts buffers older than the timeout and returns how many it dropped.
func (r *Reassembler) Sweep(now time.Time) int {
	if r.timeout <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k, p := range r.pending {
		if now.Sub(p.started) > r.timeout {
			delete(r.pending, k)
			n++
		}
	}
	return n
}

// Len reports the number of incomplete messages being buffered.
func (r *Reassembler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
