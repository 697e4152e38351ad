package sink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/agentd/internal/core/domain"
	"github.com/vietddude/agentd/internal/infra/storage"
	"github.com/vietddude/agentd/internal/infra/storage/memory"
)

type captureSink struct {
	mu      sync.Mutex
	records []domain.TaskRecord
	batches int
	closed  bool
}

func (s *captureSink) Record(ctx context.Context, rec domain.TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *captureSink) RecordBatch(ctx context.Context, recs []domain.TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches++
	s.records = append(s.records, recs...)
	return nil
}

func (s *captureSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func TestQueue_DrainsOnClose(t *testing.T) {
	inner := &captureSink{}
	q := NewQueue(inner, "test", 16, 8)

	for _, id := range []string{"a", "b", "c"} {
		if !q.Push(domain.TaskRecord{ID: id, Status: domain.TaskStatusPending}) {
			t.Fatalf("Push(%s) dropped", id)
		}
	}
	q.Close()

	if err := q.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	inner.mu.Lock()
	defer inner.mu.Unlock()
	if len(inner.records) != 3 {
		t.Errorf("records = %d, want 3", len(inner.records))
	}
	if !inner.closed {
		t.Error("inner sink not closed")
	}
	if q.Push(domain.TaskRecord{ID: "late"}) {
		t.Error("Push after Close accepted")
	}
}

func TestQueue_DropsWhenFull(t *testing.T) {
	q := NewQueue(&captureSink{}, "test", 2, 8)

	accepted := 0
	for i := 0; i < 5; i++ {
		if q.Push(domain.TaskRecord{ID: "x"}) {
			accepted++
		}
	}
	if accepted != 2 {
		t.Errorf("accepted = %d, want 2", accepted)
	}
	if q.Dropped() != 3 {
		t.Errorf("Dropped = %d, want 3", q.Dropped())
	}
}

func TestQueue_CoalescesPerTask(t *testing.T) {
	inner := &captureSink{}
	q := NewQueue(inner, "test", 16, 16)

	q.Push(domain.TaskRecord{ID: "a", Status: domain.TaskStatusPending})
	q.Push(domain.TaskRecord{ID: "b", Status: domain.TaskStatusPending})
	q.Push(domain.TaskRecord{ID: "a", Status: domain.TaskStatusRunning})
	q.Push(domain.TaskRecord{ID: "a", Status: domain.TaskStatusCompleted})
	q.Close()

	_ = q.Run(context.Background())

	inner.mu.Lock()
	defer inner.mu.Unlock()
	if len(inner.records) != 2 {
		t.Fatalf("records = %+v, want 2 coalesced", inner.records)
	}
	if inner.records[0].ID != "a" || inner.records[0].Status != domain.TaskStatusCompleted {
		t.Errorf("first = %+v, want a completed", inner.records[0])
	}
	if inner.batches != 1 {
		t.Errorf("batches = %d, want 1", inner.batches)
	}
}

func TestQueue_StopsOnContext(t *testing.T) {
	q := NewQueue(&captureSink{}, "test", 4, 4)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run err = %v, want Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

func TestRepositorySink(t *testing.T) {
	repo := memory.NewTaskRepo(memory.NewMemoryStorage())
	s := NewRepositorySink(repo, 2)
	ctx := context.Background()

	if err := s.Record(ctx, domain.TaskRecord{ID: "a", Status: domain.TaskStatusRunning}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	err := s.RecordBatch(ctx, []domain.TaskRecord{
		{ID: "a", Status: domain.TaskStatusCompleted},
		{ID: "b", Status: domain.TaskStatusPending},
	})
	if err != nil {
		t.Fatalf("RecordBatch: %v", err)
	}

	got, err := repo.Get(ctx, "a")
	if err != nil || got.Status != domain.TaskStatusCompleted {
		t.Errorf("Get(a) = %+v, %v", got, err)
	}
	list, _ := repo.List(ctx, storage.ListFilter{})
	if len(list) != 2 {
		t.Errorf("stored %d records, want 2", len(list))
	}
}

type flakyRepo struct {
	storage.TaskRepository
	failures int
	calls    int
}

func (r *flakyRepo) Save(ctx context.Context, rec *domain.TaskRecord) error {
	r.calls++
	if r.calls <= r.failures {
		return errors.New("connection reset by peer")
	}
	return r.TaskRepository.Save(ctx, rec)
}

func TestRepositorySink_RetriesStoreErrors(t *testing.T) {
	repo := &flakyRepo{TaskRepository: memory.NewTaskRepo(memory.NewMemoryStorage()), failures: 1}
	s := NewRepositorySink(repo, 2)
	s.retrier.Policy.Base = time.Millisecond
	s.retrier.Policy.Cap = time.Millisecond

	if err := s.Record(context.Background(), domain.TaskRecord{ID: "a"}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if repo.calls != 2 {
		t.Errorf("Save calls = %d, want 2", repo.calls)
	}
}

func TestFanout(t *testing.T) {
	a, b := &captureSink{}, &captureSink{}
	f := Fanout{a, b}

	_ = f.Record(context.Background(), domain.TaskRecord{ID: "x"})
	_ = f.Close()

	if len(a.records) != 1 || len(b.records) != 1 || !a.closed || !b.closed {
		t.Errorf("fanout did not reach both sinks")
	}
}
