package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vietddude/agentd/internal/core/domain"
	"github.com/vietddude/agentd/internal/infra/storage"
)

func TestTaskRepo(t *testing.T) {
	ctx := context.Background()
	repo := NewTaskRepo(NewMemoryStorage())
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	recs := []*domain.TaskRecord{
		{ID: "a", Kind: domain.KindValidator, Status: domain.TaskStatusCompleted, CreatedAt: base},
		{ID: "b", Kind: domain.KindCreator, Status: domain.TaskStatusFailed, CreatedAt: base.Add(time.Second)},
		{ID: "c", Kind: domain.KindValidator, Status: domain.TaskStatusPending, CreatedAt: base.Add(2 * time.Second)},
	}
	if err := repo.SaveBatch(ctx, recs); err != nil {
		t.Fatalf("SaveBatch: %v", err)
	}

	// Upsert moves c forward.
	updated := *recs[2]
	updated.Status = domain.TaskStatusCompleted
	if err := repo.Save(ctx, &updated); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := repo.Get(ctx, "c")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != domain.TaskStatusCompleted {
		t.Errorf("Status = %s, want completed", got.Status)
	}

	if _, err := repo.Get(ctx, "missing"); !errors.Is(err, storage.ErrTaskNotFound) {
		t.Errorf("Get(missing) err = %v, want ErrTaskNotFound", err)
	}

	list, _ := repo.List(ctx, storage.ListFilter{Kind: domain.KindValidator})
	if len(list) != 2 || list[0].ID != "c" || list[1].ID != "a" {
		t.Errorf("List(validator) = %v, want [c a]", ids(list))
	}

	list, _ = repo.List(ctx, storage.ListFilter{Limit: 1})
	if len(list) != 1 || list[0].ID != "c" {
		t.Errorf("List(limit 1) = %v, want [c]", ids(list))
	}

	counts, _ := repo.CountByStatus(ctx)
	if counts[domain.TaskStatusCompleted] != 2 || counts[domain.TaskStatusFailed] != 1 {
		t.Errorf("CountByStatus = %v", counts)
	}
}

func ids(recs []*domain.TaskRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}
