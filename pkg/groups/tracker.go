package groups

import (
	"slices"
	"sync"
	"time"

	"github.com/ryandielhenn/zephyrgroups/internal/telemetry"
)

type sendState uint8

const (
	statePending sendState = iota
	stateAwaitingAcks
	stateResending
	stateSucceeded
	stateFailed
)

func (s sendState) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateAwaitingAcks:
		return "awaiting-acks"
	case stateResending:
		return "resending"
	case stateSucceeded:
		return "succeeded"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// outbound is one message in flight.
type outbound struct {
	id       MessageID
	packets  [][]byte
	waiting  map[string]struct{}
	state    sendState
	round    int
	deadline time.Time
	started  time.Time
	done     chan struct{}
	err      error
}

// resend asks the caller to send packets to members again.
type resend struct {
	id      MessageID
	round   int
	packets [][]byte
	members []string
}

// tracker is the ack bookkeeping of one member's outbound messages:
//
//	pending -> awaiting-acks -> resending(n) -> succeeded | failed
//
// It never reads the clock; callers pass now, which keeps it testable
// without real timers.
type tracker struct {
	mu      sync.Mutex
	rounds  int
	timeout time.Duration
	flights map[MessageID]*outbound
}

func newTracker(rounds int, timeout time.Duration) *tracker {
	return &tracker{
		rounds:  rounds,
		timeout: timeout,
		flights: make(map[MessageID]*outbound),
	}
}

// start registers a message waiting on members. It is registered before the
// first packet goes out so an early ack is not lost.
func (t *tracker) start(id MessageID, packets [][]byte, members []string, now time.Time) *outbound {
	o := &outbound{
		id:      id,
		packets: packets,
		waiting: make(map[string]struct{}, len(members)),
		state:   statePending,
		started: now,
		done:    make(chan struct{}),
	}
	for _, m := range members {
		o.waiting[m] = struct{}{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if len(o.waiting) == 0 {
		t.finishLocked(o, stateSucceeded, nil)
		return o
	}
	t.flights[id] = o
	return o
}

// transmitted marks the first transmission done and arms the round timer.
func (t *tracker) transmitted(o *outbound, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if o.state != statePending {
		return
	}
	o.state = stateAwaitingAcks
	o.deadline = now.Add(t.timeout)
}

// ack records that member acknowledged id. Acks for unknown or finished
// messages, or from members not waited on, are ignored.
func (t *tracker) ack(id MessageID, member string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.flights[id]
	if !ok {
		return false
	}
	if _, waiting := o.waiting[member]; !waiting {
		return false
	}
	delete(o.waiting, member)
	if len(o.waiting) == 0 {
		t.finishLocked(o, stateSucceeded, nil)
	}
	return true
}

// memberRemoved stops waiting on member for every message in flight.
func (t *tracker) memberRemoved(member string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, o := range t.flights {
		if _, ok := o.waiting[member]; !ok {
			continue
		}
		delete(o.waiting, member)
		if len(o.waiting) == 0 {
			t.finishLocked(o, stateSucceeded, nil)
		}
	}
}

// advance fires every round timer that expired by now. Messages with rounds
// left move to the next resend round and are returned; the rest fail.
func (t *tracker) advance(now time.Time) []resend {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []resend
	for _, o := range t.flights {
		if o.state != stateAwaitingAcks && o.state != stateResending {
			continue
		}
		if now.Before(o.deadline) {
			continue
		}
		if o.round >= t.rounds {
			t.finishLocked(o, stateFailed, &DeliveryError{Message: o.id, Unacknowledged: waitingIDs(o)})
			telemetry.DeliveryFailures.Inc()
			continue
		}
		o.round++
		o.state = stateResending
		o.deadline = now.Add(t.timeout)
		telemetry.Resends.Inc()
		out = append(out, resend{id: o.id, round: o.round, packets: o.packets, members: waitingIDs(o)})
	}
	return out
}

// cancel drops o without waiting for acks.
func (t *tracker) cancel(o *outbound, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if o.state == stateSucceeded || o.state == stateFailed {
		return
	}
	t.finishLocked(o, stateFailed, err)
}

// abort fails every message in flight with err.
func (t *tracker) abort(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, o := range t.flights {
		t.finishLocked(o, stateFailed, err)
	}
}

func (t *tracker) inFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.flights)
}

func (t *tracker) finishLocked(o *outbound, state sendState, err error) {
	o.state = state
	o.err = err
	delete(t.flights, o.id)
	close(o.done)
}

func waitingIDs(o *outbound) []string {
	ids := make([]string, 0, len(o.waiting))
	for id := range o.waiting {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
