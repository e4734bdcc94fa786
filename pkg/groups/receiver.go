package groups

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gopkg.in/tomb.v2"

	"github.com/ryandielhenn/zephyrgroups/internal/telemetry"
	"github.com/ryandielhenn/zephyrgroups/pkg/protocol"
	"github.com/ryandielhenn/zephyrgroups/pkg/transport"
)

// receiveLoop drains one receiving transport until the engine dies or the
// transport is closed.
func (e *Engine) receiveLoop(t *tomb.Tomb, r transport.Receiver) error {
	for {
		select {
		case <-t.Dying():
			return nil
		default:
		}

		p, err := r.Receive(e.cfg.ReceiveTimeout)
		switch {
		case err == nil:
			e.handlePacket(p)
		case errors.Is(err, transport.ErrTimeout):
		case errors.Is(err, transport.ErrClosed):
			return nil
		default:
			e.log.Warn("receive failed", zap.Error(err))
			select {
			case <-t.Dying():
				return nil
			case <-time.After(e.cfg.ReceiveTimeout):
			}
		}
	}
}

func (e *Engine) handlePacket(p transport.Packet) {
	f, err := protocol.Decode(p.Data)
	if err != nil {
		telemetry.PacketsDropped.WithLabelValues(dropReason(err)).Inc()
		e.log.Debug("dropping undecodable packet", zap.String("source", p.Source), zap.Error(err))
		return
	}
	telemetry.PacketsReceived.WithLabelValues(f.Type().String()).Inc()

	g, ok := e.Group(f.Header().Group)
	if !ok {
		telemetry.PacketsDropped.WithLabelValues("unknown_group").Inc()
		return
	}
	g.handle(f)
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, protocol.ErrBadVersion):
		return "bad_version"
	case errors.Is(err, protocol.ErrUnknownType):
		return "unknown_type"
	case errors.Is(err, protocol.ErrTruncated):
		return "truncated"
	default:
		return "malformed"
	}
}
