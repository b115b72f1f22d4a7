package monitor

import (
	"fmt"

	"go.uber.org/zap"

	"venue-gateway/internal/events"
	"venue-gateway/internal/health"
)

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(alert events.Alert) error
}

// LogSink writes alerts to the structured log.
type LogSink struct {
	Log *zap.Logger
}

func (s LogSink) Send(a events.Alert) error {
	switch a.Level {
	case "critical", "error":
		s.Log.Error("alert", zap.String("level", a.Level), zap.String("message", a.Message))
	case "warning":
		s.Log.Warn("alert", zap.String("level", a.Level), zap.String("message", a.Message))
	default:
		s.Log.Info("alert", zap.String("level", a.Level), zap.String("message", a.Message))
	}
	return nil
}

// TransitionAlert turns a breaker band change into an operator alert.
func TransitionAlert(tr health.Transition) events.Alert {
	level := "info"
	switch {
	case tr.To == health.StatusCriticalShutdown:
		level = "critical"
	case tr.To == health.StatusMajorCancel && tr.From < tr.To:
		level = "error"
	case tr.From < tr.To:
		level = "warning"
	}
	return events.Alert{
		Level:   level,
		Message: fmt.Sprintf("breaker %s -> %s (score %.2f)", tr.From, tr.To, tr.Score),
	}
}

// ConnectionAlert reports a channel going down; reopening is informational.
func ConnectionAlert(c events.ConnectionChange) events.Alert {
	if c.Live {
		return events.Alert{Level: "info", Message: c.Channel + " channel live"}
	}
	msg := c.Channel + " channel down"
	if c.Error != "" {
		msg += ": " + c.Error
	}
	return events.Alert{Level: "warning", Message: msg}
}
