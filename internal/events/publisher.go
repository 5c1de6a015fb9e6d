// ==============================================================================
// WINDOW EVENTS - internal/events/publisher.go
// ==============================================================================
package events

import (
	"context"
	"time"

	"railnet/internal/domain"
	"railnet/pkg/logger"

	"github.com/google/uuid"
)

const (
	TypeWindowCompleted = "window.completed"
	TypeWindowFailed    = "window.failed"
)

// Event notifies observability and reporting collaborators about window
// outcomes.
type Event struct {
	Type      string                `json:"type"`
	WindowID  uuid.UUID             `json:"window_id"`
	Region    string                `json:"region"`
	Status    domain.WindowStatus   `json:"status"`
	Metrics   *domain.WindowMetrics `json:"metrics,omitempty"`
	Reason    string                `json:"reason,omitempty"`
	Timestamp time.Time             `json:"timestamp"`
}

// Publisher delivers window events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// LogPublisher emits events to the structured log, the default sink when no
// external consumer is wired.
type LogPublisher struct {
	logger logger.Logger
}

func NewLogPublisher(log logger.Logger) *LogPublisher {
	return &LogPublisher{logger: log}
}

func (p *LogPublisher) Publish(ctx context.Context, event Event) error {
	fields := map[string]interface{}{
		"type":      event.Type,
		"window_id": event.WindowID.String(),
		"region":    event.Region,
		"status":    string(event.Status),
	}
	if event.Metrics != nil {
		fields["gross"] = event.Metrics.GrossTotal.String()
		fields["net"] = event.Metrics.NetTotal.String()
		fields["saved"] = event.Metrics.AmountSaved.String()
		fields["efficiency"] = event.Metrics.EfficiencyPct.String()
	}
	if event.Reason != "" {
		fields["reason"] = event.Reason
	}
	p.logger.Info("window event", fields)
	return nil
}

// MultiPublisher fans one event out to several sinks; a failing sink does not
// block the others.
type MultiPublisher struct {
	sinks  []Publisher
	logger logger.Logger
}

func NewMultiPublisher(log logger.Logger, sinks ...Publisher) *MultiPublisher {
	return &MultiPublisher{sinks: sinks, logger: log}
}

func (p *MultiPublisher) Publish(ctx context.Context, event Event) error {
	for _, sink := range p.sinks {
		if err := sink.Publish(ctx, event); err != nil {
			p.logger.Warn("event sink failed", map[string]interface{}{
				"type":  event.Type,
				"error": err.Error(),
			})
		}
	}
	return nil
}
