package groups

import (
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgroups/internal/telemetry"
)

// dispatcher hands complete inbound messages to listeners on its own
// goroutine. push never blocks, so the receive loops keep draining the
// network while listener code runs.
type dispatcher struct {
	log *zap.Logger

	mu        sync.Mutex
	queue     []*Message
	listeners []MessageListener
	signal    chan struct{}
}

func newDispatcher(log *zap.Logger) *dispatcher {
	return &dispatcher{log: log, signal: make(chan struct{}, 1)}
}

func (d *dispatcher) add(l MessageListener) {
	d.mu.Lock()
	d.listeners = append(d.listeners, l)
	d.mu.Unlock()
}

func (d *dispatcher) remove(l MessageListener) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := slices.Index(d.listeners, l)
	if i < 0 {
		return false
	}
	d.listeners = slices.Delete(d.listeners, i, i+1)
	return true
}

func (d *dispatcher) push(msg *Message) {
	d.mu.Lock()
	d.queue = append(d.queue, msg)
	d.mu.Unlock()
	select {
	case d.signal <- struct{}{}:
	default:
	}
}

func (d *dispatcher) pop() (*Message, []MessageListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return nil, nil
	}
	msg := d.queue[0]
	d.queue[0] = nil
	d.queue = d.queue[1:]
	return msg, slices.Clone(d.listeners)
}

func (d *dispatcher) run(dying <-chan struct{}) error {
	for {
		select {
		case <-dying:
			return nil
		case <-d.signal:
		}
		for {
			msg, listeners := d.pop()
			if msg == nil {
				break
			}
			for _, l := range listeners {
				d.deliver(l, msg)
			}
			telemetry.MessagesDelivered.Inc()
		}
	}
}

// deliver isolates the loop from a panicking listener.
func (d *dispatcher) deliver(l MessageListener, msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("message listener panicked", zap.Any("panic", r), zap.Stringer("message", msg.ID()))
		}
	}()
	l.MessageReceived(msg)
}
