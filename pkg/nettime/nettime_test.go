package nettime

import (
	"math/rand"
	"sync"
	"testing"
	"time"
)

func TestAdvanceAtLeastOne(t *testing.T) {
	c := New()
	if got := c.Advance(0); got != 1 {
		t.Fatalf("Advance(0) = %d, want 1", got)
	}
	if got := c.Advance(250 * time.Millisecond); got != 251 {
		t.Fatalf("Advance(250ms) = %d, want 251", got)
	}
}

func TestMergeTakesMax(t *testing.T) {
	c := New()
	c.Merge(100)
	if got := c.Now(); got != 100 {
		t.Fatalf("Now after Merge(100) = %d, want 100", got)
	}
	// older value from a lagging peer must not move us back
	if got := c.Merge(40); got != 100 {
		t.Fatalf("Merge(40) = %d, want 100", got)
	}
}

func TestNeverDecreases(t *testing.T) {
	c := New()
	rnd := rand.New(rand.NewSource(7))
	last := c.Now()
	for i := 0; i < 5000; i++ {
		var got uint64
		if i%3 == 0 {
			got = c.Advance(time.Duration(rnd.Intn(50)) * time.Millisecond)
		} else {
			got = c.Merge(uint64(rnd.Int63n(int64(last) + 200)))
		}
		if got < last {
			t.Fatalf("step %d: clock went backwards %d -> %d", i, last, got)
		}
		last = got
	}
}

func TestConcurrentMonotonic(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			prev := uint64(0)
			for i := 0; i < 1000; i++ {
				var v uint64
				if g%2 == 0 {
					v = c.Advance(time.Millisecond)
				} else {
					v = c.Merge(uint64(i * g))
				}
				if v < prev {
					t.Errorf("goroutine %d observed %d after %d", g, v, prev)
					return
				}
				prev = v
			}
		}(g)
	}
	wg.Wait()
}
