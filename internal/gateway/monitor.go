package gateway

import (
	"context"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/projectpulse/notifier/internal/event"
	"go.uber.org/zap"
)

// LivenessMonitor detects half-open sockets and crashed clients. Each
// tick it evicts every connection whose liveness flag is still down
// from the previous tick, then flips the flag down on the rest and
// pings them. Any inbound PING or PONG raises the flag again, so a
// healthy client has a full tick interval to respond and an
// unresponsive one survives at most two intervals.
type LivenessMonitor struct {
	logger   *zap.Logger
	registry Registry
	interval time.Duration
}

func NewLivenessMonitor(
	logger *zap.Logger,
	registry Registry,
	interval time.Duration,
) *LivenessMonitor {
	return &LivenessMonitor{
		logger,
		registry,
		interval,
	}
}

// Run sweeps the registry until ctx is cancelled.
func (m *LivenessMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *LivenessMonitor) sweep() {
	for _, connection := range m.registry.FindAll() {
		if !connection.IsAlive() {
			m.logger.Info("evicting unresponsive connection",
				zap.String("connectionId", connection.Id),
				zap.Time("lastResponseAt", connection.LastResponseAt()))

			m.registry.Remove(connection.Id)

			continue
		}

		connection.MarkPending()

		ping := event.Message{
			Type:      event.TypePing,
			Timestamp: time.Now(),
			MessageId: gonanoid.Must(),
		}

		if !connection.Enqueue(ping) {
			m.logger.Warn("connection cannot accept ping, dropping connection",
				zap.String("connectionId", connection.Id))

			m.registry.Remove(connection.Id)
		}
	}
}
