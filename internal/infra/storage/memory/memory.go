package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/vietddude/agentd/internal/core/domain"
	"github.com/vietddude/agentd/internal/infra/storage"
)

type MemoryStorage struct {
	records map[string]*domain.TaskRecord
	mu      sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		records: make(map[string]*domain.TaskRecord),
	}
}

// -----------------------------------------------------------------------------
// Task Repository
// -----------------------------------------------------------------------------

type TaskRepo struct {
	store *MemoryStorage
}

func NewTaskRepo(store *MemoryStorage) *TaskRepo {
	return &TaskRepo{store: store}
}

func (r *TaskRepo) Save(ctx context.Context, rec *domain.TaskRecord) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *rec
	r.store.records[rec.ID] = &cp
	return nil
}

func (r *TaskRepo) SaveBatch(ctx context.Context, recs []*domain.TaskRecord) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, rec := range recs {
		cp := *rec
		r.store.records[rec.ID] = &cp
	}
	return nil
}

func (r *TaskRepo) Get(ctx context.Context, id string) (*domain.TaskRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	rec, ok := r.store.records[id]
	if !ok {
		return nil, storage.ErrTaskNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *TaskRepo) List(ctx context.Context, filter storage.ListFilter) ([]*domain.TaskRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var out []*domain.TaskRecord
	for _, rec := range r.store.records {
		if filter.Kind != "" && rec.Kind != filter.Kind {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *TaskRepo) CountByStatus(ctx context.Context) (map[domain.TaskStatus]int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	counts := make(map[domain.TaskStatus]int)
	for _, rec := range r.store.records {
		counts[rec.Status]++
	}
	return counts, nil
}

func (r *TaskRepo) Close() error { return nil }
