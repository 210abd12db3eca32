package watcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/projectpulse/notifier/internal/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"
)

func TestNormalize(t *testing.T) {
	t.Run("maps each source to its event type", func(t *testing.T) {
		cases := []struct {
			source Source
			want   event.Type
		}{
			{SourceMetrics, event.TypeMetricUpdate},
			{SourceIssues, event.TypeIssueUpdate},
			{SourceNotifications, event.TypeQualityUpdate},
		}

		for _, c := range cases {
			e, err := Normalize(c.source, ChangeRecord{
				OperationType: "insert",
				FullDocument:  map[string]any{"projectId": "proj-1"},
			})

			require.NoError(t, err)
			assert.Equal(t, c.want, e.Type)
			assert.Equal(t, "proj-1", e.ProjectId)
			assert.False(t, e.CreateTime.IsZero())
		}
	})

	t.Run("rejects an unknown source", func(t *testing.T) {
		_, err := Normalize(Source("audit"), ChangeRecord{OperationType: "insert"})

		assert.Error(t, err)
	})

	t.Run("carries the raw document and operation", func(t *testing.T) {
		document := map[string]any{"projectId": "proj-1", "score": 87}
		key := map[string]any{"_id": "abc"}

		e, err := Normalize(SourceMetrics, ChangeRecord{
			OperationType: "update",
			FullDocument:  document,
			DocumentKey:   key,
		})

		require.NoError(t, err)
		assert.Equal(t, event.OperationUpdate, e.Payload.Operation)
		assert.Equal(t, document, e.Payload.Document)
		assert.Equal(t, key, e.Payload.DocumentKey)
	})

	t.Run("extracts an object id project reference", func(t *testing.T) {
		objectId := bson.NewObjectID()

		e, err := Normalize(SourceIssues, ChangeRecord{
			OperationType: "insert",
			FullDocument:  map[string]any{"projectId": objectId},
		})

		require.NoError(t, err)
		assert.Equal(t, objectId.Hex(), e.ProjectId)
	})

	t.Run("yields an empty project id when the reference is missing", func(t *testing.T) {
		e, err := Normalize(SourceNotifications, ChangeRecord{
			OperationType: "delete",
			DocumentKey:   map[string]any{"_id": "abc"},
		})

		require.NoError(t, err)
		assert.Empty(t, e.ProjectId)
	})
}

// scriptedStream replays a fixed set of records, then either fails with
// err or blocks until the context is cancelled.
type scriptedStream struct {
	records []ChangeRecord
	err     error
	cur     int
}

func (s *scriptedStream) Next(ctx context.Context) bool {
	if s.cur < len(s.records) {
		s.cur++
		return true
	}

	if s.err != nil {
		return false
	}

	<-ctx.Done()

	return false
}

func (s *scriptedStream) Decode(v any) error {
	record, ok := v.(*ChangeRecord)
	if !ok {
		return errors.New("unexpected decode target")
	}

	*record = s.records[s.cur-1]

	return nil
}

func (s *scriptedStream) Err() error {
	return s.err
}

func (s *scriptedStream) Close(ctx context.Context) error {
	return nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []event.ChangeEvent
}

func (s *recordingSink) Deliver(e event.ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, e)
}

func (s *recordingSink) Events() []event.ChangeEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]event.ChangeEvent(nil), s.events...)
}

// watcherFixture rigs a ChangeWatcher with a scripted stream source and
// an instant, recorded backoff clock.
type watcherFixture struct {
	watcher *ChangeWatcher
	sink    *recordingSink

	mu       sync.Mutex
	backoffs []time.Duration
}

func newWatcherFixture(t *testing.T, watch watchFunc) *watcherFixture {
	t.Helper()

	logger, _ := zap.NewDevelopment()
	sink := &recordingSink{}

	fixture := &watcherFixture{sink: sink}

	watcher := NewChangeWatcher(logger, nil, sink)
	watcher.watch = watch
	watcher.backoffBase = time.Millisecond
	watcher.backoffMax = 4 * time.Millisecond
	watcher.after = func(d time.Duration) <-chan time.Time {
		fixture.mu.Lock()
		fixture.backoffs = append(fixture.backoffs, d)
		fixture.mu.Unlock()

		ch := make(chan time.Time, 1)
		ch <- time.Time{}

		return ch
	}

	fixture.watcher = watcher

	return fixture
}

func (f *watcherFixture) Backoffs() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]time.Duration(nil), f.backoffs...)
}

func TestChangeWatcher_Supervision(t *testing.T) {
	t.Run("retries with exponential backoff until the stream is established", func(t *testing.T) {
		attempts := 0
		fixture := newWatcherFixture(t, nil)
		fixture.watcher.watch = func(ctx context.Context, source Source) (changeStream, error) {
			attempts++
			if attempts <= 4 {
				return nil, errors.New("connection refused")
			}

			return &scriptedStream{records: []ChangeRecord{{
				OperationType: "insert",
				FullDocument:  map[string]any{"projectId": "proj-1"},
			}}}, nil
		}

		require.Equal(t, "degraded", fixture.watcher.Status()[string(SourceMetrics)])

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go fixture.watcher.supervise(ctx, SourceMetrics)

		assert.Eventually(t, func() bool {
			return len(fixture.sink.Events()) == 1
		}, time.Second, 5*time.Millisecond)

		events := fixture.sink.Events()
		require.Len(t, events, 1)
		assert.Equal(t, event.TypeMetricUpdate, events[0].Type)
		assert.Equal(t, "proj-1", events[0].ProjectId)

		assert.Equal(t, "ok", fixture.watcher.Status()[string(SourceMetrics)])
		assert.Equal(t, []time.Duration{
			time.Millisecond,
			2 * time.Millisecond,
			4 * time.Millisecond,
			4 * time.Millisecond,
		}, fixture.Backoffs())
	})

	t.Run("resets backoff after the stream is re-established", func(t *testing.T) {
		attempts := 0
		fixture := newWatcherFixture(t, nil)
		fixture.watcher.watch = func(ctx context.Context, source Source) (changeStream, error) {
			attempts++
			switch attempts {
			case 1, 3:
				return nil, errors.New("connection refused")
			case 2:
				return &scriptedStream{
					records: []ChangeRecord{{
						OperationType: "insert",
						FullDocument:  map[string]any{"projectId": "proj-1"},
					}},
					err: errors.New("stream torn down"),
				}, nil
			default:
				return &scriptedStream{}, nil
			}
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go fixture.watcher.supervise(ctx, SourceIssues)

		assert.Eventually(t, func() bool {
			return len(fixture.Backoffs()) == 3
		}, time.Second, 5*time.Millisecond)

		// The established stream on the second attempt resets the backoff
		// to its base before the next retry doubles it again.
		assert.Equal(t, []time.Duration{
			time.Millisecond,
			time.Millisecond,
			2 * time.Millisecond,
		}, fixture.Backoffs())

		assert.Eventually(t, func() bool {
			return fixture.watcher.Status()[string(SourceIssues)] == "ok"
		}, time.Second, 5*time.Millisecond)

		events := fixture.sink.Events()
		require.Len(t, events, 1)
		assert.Equal(t, event.TypeIssueUpdate, events[0].Type)
	})

	t.Run("keeps the source degraded while the stream is down", func(t *testing.T) {
		fixture := newWatcherFixture(t, func(ctx context.Context, source Source) (changeStream, error) {
			return nil, errors.New("connection refused")
		})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go fixture.watcher.supervise(ctx, SourceNotifications)

		assert.Eventually(t, func() bool {
			return len(fixture.Backoffs()) >= 3
		}, time.Second, 5*time.Millisecond)

		assert.Equal(t, "degraded", fixture.watcher.Status()[string(SourceNotifications)])
		assert.False(t, fixture.watcher.Healthy())
		assert.Empty(t, fixture.sink.Events())
	})

	t.Run("healthy only once every source holds a stream", func(t *testing.T) {
		fixture := newWatcherFixture(t, func(ctx context.Context, source Source) (changeStream, error) {
			return &scriptedStream{}, nil
		})

		assert.False(t, fixture.watcher.Healthy())

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go fixture.watcher.Run(ctx)

		assert.Eventually(t, fixture.watcher.Healthy, time.Second, 5*time.Millisecond)

		status := fixture.watcher.Status()
		assert.Equal(t, "ok", status[string(SourceMetrics)])
		assert.Equal(t, "ok", status[string(SourceIssues)])
		assert.Equal(t, "ok", status[string(SourceNotifications)])
	})
}
