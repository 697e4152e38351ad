package sink

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/vietddude/agentd/internal/core/domain"
	"github.com/vietddude/agentd/internal/metrics"
)

const (
	DefaultQueueSize = 1024
	DefaultBatchSize = 64
)

// Queue buffers task records between the orchestrator and a Sink. Push never
// blocks; when the buffer is full the record is dropped and counted.
type Queue struct {
	inner     Sink
	name      string
	batchSize int
	ch        chan domain.TaskRecord
	dropped   atomic.Int64
	log       *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewQueue creates a queue in front of inner. name labels metrics and logs.
func NewQueue(inner Sink, name string, size, batchSize int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Queue{
		inner:     inner,
		name:      name,
		batchSize: batchSize,
		ch:        make(chan domain.TaskRecord, size),
		log:       slog.Default().With("component", "sink", "sink", name),
	}
}

// Push enqueues rec. It reports false when the record was dropped.
func (q *Queue) Push(rec domain.TaskRecord) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.drop()
		return false
	}
	select {
	case q.ch <- rec:
		return true
	default:
		q.drop()
		return false
	}
}

func (q *Queue) drop() {
	if n := q.dropped.Add(1); n == 1 || n%100 == 0 {
		q.log.Warn("Sink queue full, dropping records", "dropped_total", n)
	}
	metrics.SinkDropped.Inc()
}

// Dropped returns the number of records dropped so far.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}

// Close stops accepting records. Run drains what is buffered and returns.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// Run drains the queue into the sink until Close is called or ctx is done.
// Records for the same task within one batch are coalesced to the latest.
func (q *Queue) Run(ctx context.Context) error {
	defer func() {
		if err := q.inner.Close(); err != nil {
			q.log.Warn("Failed to close sink", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-q.ch:
			if !ok {
				return nil
			}
			batch := q.collect(rec)
			q.write(ctx, batch)
		}
	}
}

// collect takes first plus whatever is already buffered, up to batchSize.
func (q *Queue) collect(first domain.TaskRecord) []domain.TaskRecord {
	batch := []domain.TaskRecord{first}
	for len(batch) < q.batchSize {
		select {
		case rec, ok := <-q.ch:
			if !ok {
				return coalesce(batch)
			}
			batch = append(batch, rec)
		default:
			return coalesce(batch)
		}
	}
	return coalesce(batch)
}

func (q *Queue) write(ctx context.Context, batch []domain.TaskRecord) {
	var err error
	if len(batch) == 1 {
		err = q.inner.Record(ctx, batch[0])
	} else {
		err = q.inner.RecordBatch(ctx, batch)
	}
	if err != nil {
		metrics.SinkErrors.WithLabelValues(q.name).Inc()
		q.log.Error("Failed to write task records", "count", len(batch), "error", err)
	}
}

// coalesce keeps the last record per task id, preserving first-seen order.
func coalesce(batch []domain.TaskRecord) []domain.TaskRecord {
	if len(batch) < 2 {
		return batch
	}
	index := make(map[string]int, len(batch))
	out := make([]domain.TaskRecord, 0, len(batch))
	for _, rec := range batch {
		if i, ok := index[rec.ID]; ok {
			out[i] = rec
			continue
		}
		index[rec.ID] = len(out)
		out = append(out, rec)
	}
	return out
}
