package protocol

import (
	"container/list"
	"sync"
	"time"
)

type seenEntry struct {
	key Key
	at  time.Time
}

// SeenWindow remembers recently delivered messages. It holds at most max
// entries (oldest evicted first) and forgets entries older than ttl.
// A ttl of zero disables the age bound.
type SeenWindow struct {
	mu   sync.Mutex
	data map[Key]*list.Element
	ll   *list.List // front = newest
	max  int
	ttl  time.Duration
}

func NewSeenWindow(max int, ttl time.Duration) *SeenWindow {
	if max <= 0 {
		max = 1024
	}
	return &SeenWindow{
		data: make(map[Key]*list.Element),
		ll:   list.New(),
		max:  max,
		ttl:  ttl,
	}
}

// Add records k and reports whether it was new.
func (w *SeenWindow) Add(k Key, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.expire(now)
	if _, ok := w.data[k]; ok {
		return false
	}
	w.data[k] = w.ll.PushFront(&seenEntry{key: k, at: now})
	for w.ll.Len() > w.max {
		w.removeElement(w.ll.Back())
	}
	return true
}

// Contains reports whether k is inside the window.
func (w *SeenWindow) Contains(k Key, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.expire(now)
	_, ok := w.data[k]
	return ok
}

func (w *SeenWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.data)
}

// Prune drops entries older than ttl.
func (w *SeenWindow) Prune(now time.Time) {
	w.mu.Lock()
	w.expire(now)
	w.mu.Unlock()
}

func (w *SeenWindow) expire(now time.Time) {
	if w.ttl <= 0 {
		return
	}
	for el := w.ll.Back(); el != nil; el = w.ll.Back() {
		if now.Sub(el.Value.(*seenEntry).at) <= w.ttl {
			return
		}
		w.removeElement(el)
	}
}

func (w *SeenWindow) removeElement(el *list.Element) {
	e := el.Value.(*seenEntry)
	delete(w.data, e.key)
	w.ll.Remove(el)
}
