package watcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/projectpulse/notifier/internal/event"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
)

// Source names one watched collection.
type Source string

const (
	SourceMetrics       Source = "metrics"
	SourceIssues        Source = "issues"
	SourceNotifications Source = "notifications"
)

var sourceTypes = map[Source]event.Type{
	SourceMetrics:       event.TypeMetricUpdate,
	SourceIssues:        event.TypeIssueUpdate,
	SourceNotifications: event.TypeQualityUpdate,
}

// ChangeRecord mirrors the change stream document shape the driver
// emits for each mutation.
type ChangeRecord struct {
	OperationType string         `bson:"operationType"`
	FullDocument  map[string]any `bson:"fullDocument"`
	DocumentKey   map[string]any `bson:"documentKey"`
}

// Sink consumes normalized change events.
type Sink interface {
	Deliver(e event.ChangeEvent)
}

// Normalize converts one raw change record into a ChangeEvent. Records
// whose document carries no project reference yield an event with an
// empty ProjectId; the sink drops those, since delivery is always
// project-scoped.
func Normalize(source Source, record ChangeRecord) (event.ChangeEvent, error) {
	eventType, ok := sourceTypes[source]
	if !ok {
		return event.ChangeEvent{}, errors.New("unknown change source: " + string(source))
	}

	return event.ChangeEvent{
		Type:      eventType,
		ProjectId: projectIdFrom(record.FullDocument),
		Payload: event.ChangePayload{
			Document:    record.FullDocument,
			Operation:   event.Operation(record.OperationType),
			DocumentKey: record.DocumentKey,
		},
		CreateTime: time.Now(),
	}, nil
}

func projectIdFrom(document map[string]any) string {
	switch v := document["projectId"].(type) {
	case string:
		return v
	case bson.ObjectID:
		return v.Hex()
	default:
		return ""
	}
}

// changeStream is the slice of the driver's change stream handle the
// watcher consumes.
type changeStream interface {
	Next(ctx context.Context) bool
	Decode(v any) error
	Err() error
	Close(ctx context.Context) error
}

type watchFunc func(ctx context.Context, source Source) (changeStream, error)

// ChangeWatcher owns one change stream per source collection and feeds
// every observed mutation to the sink, in source order. A lost stream
// is re-established with exponential backoff; while a stream is down
// its source reports as degraded.
type ChangeWatcher struct {
	logger   *zap.Logger
	database *mongo.Database
	sink     Sink

	watch       watchFunc
	after       func(d time.Duration) <-chan time.Time
	backoffBase time.Duration
	backoffMax  time.Duration

	mu       sync.RWMutex
	degraded map[Source]bool
}

func NewChangeWatcher(
	logger *zap.Logger,
	database *mongo.Database,
	sink Sink,
) *ChangeWatcher {
	degraded := make(map[Source]bool, len(sourceTypes))
	for source := range sourceTypes {
		degraded[source] = true
	}

	w := &ChangeWatcher{
		logger:      logger,
		database:    database,
		sink:        sink,
		after:       time.After,
		backoffBase: time.Second,
		backoffMax:  time.Minute,
		degraded:    degraded,
	}
	w.watch = w.mongoWatch

	return w
}

func (w *ChangeWatcher) mongoWatch(ctx context.Context, source Source) (changeStream, error) {
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)

	stream, err := w.database.Collection(string(source)).Watch(ctx, mongo.Pipeline{}, opts)
	if err != nil {
		return nil, err
	}

	return stream, nil
}

// Run watches all sources until ctx is cancelled. Cancelling ctx closes
// the underlying change stream handles.
func (w *ChangeWatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup

	for source := range sourceTypes {
		wg.Add(1)

		go func(source Source) {
			defer wg.Done()
			w.supervise(ctx, source)
		}(source)
	}

	wg.Wait()
}

func (w *ChangeWatcher) supervise(ctx context.Context, source Source) {
	backoff := w.backoffBase

	for {
		established, err := w.consume(ctx, source)

		if ctx.Err() != nil {
			return
		}

		w.setDegraded(source, true)

		if established {
			backoff = w.backoffBase
		}

		w.logger.Error("change stream lost, resubscribing",
			zap.String("source", string(source)),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return
		case <-w.after(backoff):
		}

		backoff *= 2
		if backoff > w.backoffMax {
			backoff = w.backoffMax
		}
	}
}

func (w *ChangeWatcher) consume(ctx context.Context, source Source) (bool, error) {
	stream, err := w.watch(ctx, source)
	if err != nil {
		return false, err
	}
	defer stream.Close(ctx)

	w.setDegraded(source, false)
	w.logger.Info("change stream established",
		zap.String("source", string(source)))

	for stream.Next(ctx) {
		var record ChangeRecord
		if err := stream.Decode(&record); err != nil {
			w.logger.Warn("failed to decode change record",
				zap.String("source", string(source)),
				zap.Error(err))

			continue
		}

		e, err := Normalize(source, record)
		if err != nil {
			w.logger.Warn("failed to normalize change record",
				zap.String("source", string(source)),
				zap.Error(err))

			continue
		}

		w.sink.Deliver(e)
	}

	return true, stream.Err()
}

func (w *ChangeWatcher) setDegraded(source Source, degraded bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.degraded[source] = degraded
}

// Healthy reports whether every source currently holds a live stream.
func (w *ChangeWatcher) Healthy() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()

	for _, degraded := range w.degraded {
		if degraded {
			return false
		}
	}

	return true
}

// Status reports per-source stream state for the health endpoint.
func (w *ChangeWatcher) Status() map[string]string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	status := make(map[string]string, len(w.degraded))
	for source, degraded := range w.degraded {
		if degraded {
			status[string(source)] = "degraded"
		} else {
			status[string(source)] = "ok"
		}
	}

	return status
}
