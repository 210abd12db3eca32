package gateway

import (
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/projectpulse/notifier/internal/event"
	"go.uber.org/zap"
)

// Broadcaster fans messages out to registered connections. Delivery is
// best-effort and at-most-once: a connection that cannot accept the
// message is dropped from the registry, and the remaining connections
// still get their copy.
type Broadcaster struct {
	logger   *zap.Logger
	registry Registry
}

func NewBroadcaster(
	logger *zap.Logger,
	registry Registry,
) *Broadcaster {
	return &Broadcaster{
		logger,
		registry,
	}
}

// Deliver routes one normalized change event. Events without a project
// reference have no audience and are dropped here.
func (b *Broadcaster) Deliver(e event.ChangeEvent) {
	if e.ProjectId == "" {
		b.logger.Debug("dropping change event without project reference",
			zap.String("type", string(e.Type)))

		return
	}

	b.BroadcastToProject(e.ProjectId, e.Message())
}

func (b *Broadcaster) BroadcastToProject(projectId string, m event.Message) {
	b.deliver(b.registry.FindByProject(projectId), m)
}

func (b *Broadcaster) BroadcastToAll(m event.Message) {
	b.deliver(b.registry.FindAll(), m)
}

func (b *Broadcaster) deliver(connections []*Connection, m event.Message) {
	for _, connection := range connections {
		if connection.Enqueue(m) {
			continue
		}

		b.logger.Warn("connection cannot accept message, dropping connection",
			zap.String("connectionId", connection.Id),
			zap.String("type", string(m.Type)))

		b.registry.Remove(connection.Id)
	}
}

// MetricUpdate, IssueUpdate, QualityUpdate and StatusUpdate let callers
// outside the change streams (the REST layer) trigger notifications.

func (b *Broadcaster) MetricUpdate(projectId string, data any) {
	b.BroadcastToProject(projectId, newMessage(event.TypeMetricUpdate, projectId, data))
}

func (b *Broadcaster) IssueUpdate(projectId string, data any) {
	b.BroadcastToProject(projectId, newMessage(event.TypeIssueUpdate, projectId, data))
}

func (b *Broadcaster) QualityUpdate(projectId string, data any) {
	b.BroadcastToProject(projectId, newMessage(event.TypeQualityUpdate, projectId, data))
}

// StatusUpdate goes to the project's subscribers, or to every
// connection when projectId is empty.
func (b *Broadcaster) StatusUpdate(message string, projectId string) {
	m := newMessage(event.TypeStatusUpdate, projectId, map[string]any{"message": message})

	if projectId == "" {
		b.BroadcastToAll(m)

		return
	}

	b.BroadcastToProject(projectId, m)
}

func newMessage(t event.Type, projectId string, data any) event.Message {
	return event.Message{
		Type:      t,
		ProjectId: projectId,
		Data:      data,
		Timestamp: time.Now(),
		MessageId: gonanoid.Must(),
	}
}
