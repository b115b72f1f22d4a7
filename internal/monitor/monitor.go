package monitor

import (
	"context"

	"go.uber.org/zap"

	"venue-gateway/internal/events"
	"venue-gateway/internal/health"
)

// Monitor watches bus events and emits alerts.
type Monitor struct {
	Bus     *events.Bus
	Sink    AlertSink
	Metrics *Metrics
	Log     *zap.Logger
}

// Start consumes events until ctx ends. It returns a channel closed when the
// consumer has exited.
func (m *Monitor) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	if m.Bus == nil || m.Sink == nil {
		if m.Log != nil {
			m.Log.Info("monitor not fully configured; skipping")
		}
		close(done)
		return done
	}
	stream, unsub := m.Bus.Subscribe([]events.Event{
		events.EventHealthTransition,
		events.EventConnection,
		events.EventAlert,
	}, 64)
	go func() {
		defer close(done)
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-stream:
				if !ok {
					return
				}
				m.handle(msg)
			}
		}
	}()
	return done
}

func (m *Monitor) handle(msg events.Message) {
	var alert events.Alert
	switch p := msg.Payload.(type) {
	case health.Transition:
		if m.Metrics != nil {
			m.Metrics.ObserveTransition(p)
		}
		alert = TransitionAlert(p)
	case events.ConnectionChange:
		if m.Metrics != nil {
			m.Metrics.SetChannelLive(p.Channel, p.Live)
		}
		alert = ConnectionAlert(p)
	case events.Alert:
		alert = p
	default:
		return
	}
	if err := m.Sink.Send(alert); err != nil && m.Log != nil {
		m.Log.Warn("alert delivery failed", zap.Error(err))
	}
}
