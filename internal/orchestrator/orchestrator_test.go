package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vietddude/agentd/internal/core/domain"
	"github.com/vietddude/agentd/internal/resilience"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffCap = 5 * time.Millisecond
	return cfg
}

// start runs the loop in the background and shuts it down at test end.
func start(t *testing.T, o *Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = o.Run(ctx)
	}()
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		_ = o.Shutdown(sctx)
		cancel()
		<-done
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitTerminal(t *testing.T, o *Orchestrator, id string) domain.Task {
	t.Helper()
	var got domain.Task
	waitFor(t, "task "+id+" to finish", func() bool {
		task, err := o.Task(id)
		if err != nil {
			t.Fatalf("Task(%s): %v", id, err)
		}
		got = task
		return task.Status.Terminal()
	})
	return got
}

func echo(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	return input, nil
}

type recordingSink struct {
	mu      sync.Mutex
	records []domain.TaskRecord
	closed  bool
}

func (s *recordingSink) Push(rec domain.TaskRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return true
}

func (s *recordingSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *recordingSink) statuses(id string) []domain.TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TaskStatus
	for _, r := range s.records {
		if r.ID == id {
			out = append(out, r.Status)
		}
	}
	return out
}

func TestOrchestrator_PriorityOrder(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	o := New(cfg)

	var mu sync.Mutex
	var order []string
	err := o.RegisterExecutor(domain.KindValidator, func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		var name string
		_ = json.Unmarshal(input, &name)
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
		return input, nil
	})
	if err != nil {
		t.Fatalf("RegisterExecutor: %v", err)
	}

	ids := make([]string, 0, 3)
	for _, sub := range []struct {
		name     string
		priority int
	}{{"A", 5}, {"B", 1}, {"C", 5}} {
		id, err := o.Submit(domain.KindValidator, json.RawMessage(`"`+sub.name+`"`), sub.priority)
		if err != nil {
			t.Fatalf("Submit %s: %v", sub.name, err)
		}
		ids = append(ids, id)
	}

	start(t, o)
	for _, id := range ids {
		waitTerminal(t, o, id)
	}

	mu.Lock()
	defer mu.Unlock()
	if want := []string{"B", "A", "C"}; !reflect.DeepEqual(order, want) {
		t.Errorf("execution order = %v, want %v", order, want)
	}
}

func TestOrchestrator_RetryThenSucceed(t *testing.T) {
	o := New(testConfig())

	var calls atomic.Int32
	_ = o.RegisterExecutor(domain.KindCreator, func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		if calls.Add(1) <= 2 {
			return nil, &resilience.ConnectionError{Target: "agent", Err: errors.New("reset")}
		}
		return json.RawMessage(`{"title":"ok"}`), nil
	})
	start(t, o)

	id, err := o.Submit(domain.KindCreator, json.RawMessage(`{}`), 0)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	got := waitTerminal(t, o, id)

	if got.Status != domain.TaskStatusCompleted {
		t.Fatalf("Status = %s, want completed (err %v)", got.Status, got.Err)
	}
	if got.Retries != 2 {
		t.Errorf("Retries = %d, want 2", got.Retries)
	}
	if got.Priority != domain.DefaultPriority {
		t.Errorf("Priority = %d, want default %d", got.Priority, domain.DefaultPriority)
	}
	if calls.Load() != 3 {
		t.Errorf("executor calls = %d, want 3", calls.Load())
	}
}

func TestOrchestrator_ValidationFailsWithoutRetry(t *testing.T) {
	o := New(testConfig())

	var calls atomic.Int32
	_ = o.RegisterExecutor(domain.KindValidator, func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		calls.Add(1)
		return nil, &resilience.ValidationError{Field: "idea", Err: errors.New("empty")}
	})
	start(t, o)

	id, _ := o.Submit(domain.KindValidator, json.RawMessage(`{"idea":""}`), 3)
	got := waitTerminal(t, o, id)

	if got.Status != domain.TaskStatusFailed {
		t.Fatalf("Status = %s, want failed", got.Status)
	}
	if got.Retries != 0 {
		t.Errorf("Retries = %d, want 0", got.Retries)
	}
	var verr *resilience.ValidationError
	if !errors.As(got.Err, &verr) {
		t.Errorf("Err = %v, want *ValidationError", got.Err)
	}
	if calls.Load() != 1 {
		t.Errorf("executor calls = %d, want 1", calls.Load())
	}
}

func TestOrchestrator_RetriesBoundedByMax(t *testing.T) {
	o := New(testConfig())

	var calls atomic.Int32
	_ = o.RegisterExecutor(domain.KindResearcher, func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		calls.Add(1)
		return nil, &resilience.TimeoutError{Operation: "research", Err: context.DeadlineExceeded}
	}, WithMaxRetries(2), WithBreaker(100, time.Minute))
	start(t, o)

	id, _ := o.Submit(domain.KindResearcher, nil, 5)
	got := waitTerminal(t, o, id)

	if got.Status != domain.TaskStatusFailed {
		t.Fatalf("Status = %s, want failed", got.Status)
	}
	if got.Retries != 2 || got.Retries > got.MaxRetries {
		t.Errorf("Retries = %d (max %d), want 2", got.Retries, got.MaxRetries)
	}
	if calls.Load() != 3 {
		t.Errorf("executor calls = %d, want 3", calls.Load())
	}
	if !errors.Is(got.Err, context.DeadlineExceeded) {
		t.Errorf("Err = %v, want wrapped DeadlineExceeded", got.Err)
	}
}

func TestOrchestrator_BreakerRejects(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	o := New(cfg)

	var calls atomic.Int32
	_ = o.RegisterExecutor(domain.KindValidator, func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		calls.Add(1)
		return nil, &resilience.ProcessError{ExitCode: 1, Err: errors.New("crashed")}
	}, WithMaxRetries(0), WithBreaker(2, time.Minute))
	start(t, o)

	for i := 0; i < 2; i++ {
		id, _ := o.Submit(domain.KindValidator, nil, 5)
		if got := waitTerminal(t, o, id); got.Status != domain.TaskStatusFailed {
			t.Fatalf("task %d Status = %s, want failed", i, got.Status)
		}
	}

	if open := o.OpenBreakers(); len(open) != 1 || open[0] != domain.KindValidator {
		t.Fatalf("OpenBreakers = %v, want [validator]", open)
	}

	id, _ := o.Submit(domain.KindValidator, nil, 1)
	got := waitTerminal(t, o, id)

	if got.Status != domain.TaskStatusFailed || !errors.Is(got.Err, ErrCircuitOpen) {
		t.Errorf("rejected task = (%s, %v), want failed with ErrCircuitOpen", got.Status, got.Err)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Error("rejected task missing timestamps")
	}
	if calls.Load() != 2 {
		t.Errorf("executor calls = %d, want 2", calls.Load())
	}

	m := o.Metrics().Agents[domain.KindValidator]
	if m.Failed != 2 || m.Rejected != 1 || m.Completed != 0 {
		t.Errorf("metrics = %+v, want 2 failed, 1 rejected", m)
	}
}

func TestOrchestrator_BreakerDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.EnableCircuitBreaker = false
	o := New(cfg)

	var calls atomic.Int32
	_ = o.RegisterExecutor(domain.KindValidator, func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		calls.Add(1)
		return nil, errors.New("boom")
	}, WithBreaker(1, time.Minute))
	start(t, o)

	for i := 0; i < 3; i++ {
		id, _ := o.Submit(domain.KindValidator, nil, 5)
		waitTerminal(t, o, id)
	}
	if calls.Load() != 3 {
		t.Errorf("executor calls = %d, want 3 with breaker disabled", calls.Load())
	}
}

func TestOrchestrator_CompletedRoundTrip(t *testing.T) {
	sink := &recordingSink{}
	o := New(testConfig(), WithSink(sink))
	_ = o.RegisterExecutor(domain.KindReporter, echo)
	start(t, o)

	input := json.RawMessage(`{"report":"weekly"}`)
	id, err := o.Submit(domain.KindReporter, input, 2)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	got := waitTerminal(t, o, id)

	if got.Status != domain.TaskStatusCompleted {
		t.Fatalf("Status = %s, want completed", got.Status)
	}
	if string(got.Result) != string(input) {
		t.Errorf("Result = %s, want %s", got.Result, input)
	}
	if got.Err != nil || got.Degraded {
		t.Errorf("Err = %v, Degraded = %v", got.Err, got.Degraded)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Fatal("timestamps not set")
	}
	if got.CompletedAt.Before(*got.StartedAt) {
		t.Error("CompletedAt before StartedAt")
	}

	want := []domain.TaskStatus{
		domain.TaskStatusPending,
		domain.TaskStatusRunning,
		domain.TaskStatusCompleted,
	}
	waitFor(t, "sink records", func() bool { return len(sink.statuses(id)) == 3 })
	if got := sink.statuses(id); !reflect.DeepEqual(got, want) {
		t.Errorf("sink statuses = %v, want %v", got, want)
	}
}

func TestOrchestrator_MetricsIdempotent(t *testing.T) {
	o := New(testConfig())
	_ = o.RegisterExecutor(domain.KindValidator, echo)
	_ = o.RegisterExecutor(domain.KindCreator, func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		return nil, &resilience.ParseError{Err: errors.New("bad output")}
	})
	start(t, o)

	a, _ := o.Submit(domain.KindValidator, nil, 5)
	b, _ := o.Submit(domain.KindCreator, nil, 5)
	waitTerminal(t, o, a)
	waitTerminal(t, o, b)

	first := o.Metrics()
	second := o.Metrics()
	if !reflect.DeepEqual(first, second) {
		t.Errorf("Metrics changed without transitions:\n%+v\n%+v", first, second)
	}

	if first.Queue.Total != 2 || first.Queue.Completed != 1 || first.Queue.Failed != 1 {
		t.Errorf("Queue = %+v", first.Queue)
	}
	v := first.Agents[domain.KindValidator]
	if v.Completed != 1 || v.SuccessRate() != 1 {
		t.Errorf("validator metrics = %+v", v)
	}
	c := first.Agents[domain.KindCreator]
	if c.Failed != 1 || c.SuccessRate() != 0 {
		t.Errorf("creator metrics = %+v", c)
	}
	if _, ok := first.Agents[domain.KindResearcher]; ok {
		t.Error("unregistered kind present in metrics")
	}
}

func TestOrchestrator_RetrierFallbackDegraded(t *testing.T) {
	o := New(testConfig())

	retrier := &resilience.Retrier{
		Operation:  "validate",
		MaxRetries: 1,
		Policy:     resilience.BackoffPolicy{Base: time.Millisecond, Cap: time.Millisecond},
		Fallback: func(last *resilience.ErrorContext) json.RawMessage {
			return json.RawMessage(`{"verdict":"NEEDS_WORK"}`)
		},
	}
	var calls atomic.Int32
	_ = o.RegisterExecutor(domain.KindValidator, func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		calls.Add(1)
		return nil, &resilience.ConnectionError{Target: "agent", Err: errors.New("refused")}
	}, WithRetrier(retrier))
	start(t, o)

	id, _ := o.Submit(domain.KindValidator, nil, 5)
	got := waitTerminal(t, o, id)

	if got.Status != domain.TaskStatusCompleted || !got.Degraded {
		t.Fatalf("task = (%s, degraded=%v), want degraded completion", got.Status, got.Degraded)
	}
	if got.Retries != 1 {
		t.Errorf("Retries = %d, want 1", got.Retries)
	}
	if calls.Load() != 2 {
		t.Errorf("executor calls = %d, want 2", calls.Load())
	}
	m := o.Metrics().Agents[domain.KindValidator]
	if m.Completed != 1 || m.Degraded != 1 {
		t.Errorf("metrics = %+v, want 1 completed and 1 degraded", m)
	}
	if b := o.Breakers()[domain.KindValidator]; b.FailureCount != 0 {
		t.Errorf("breaker failures = %d, want 0 after a degraded completion", b.FailureCount)
	}
}

func TestOrchestrator_FallbackKeepsBreakerClosed(t *testing.T) {
	o := New(testConfig())

	retrier := &resilience.Retrier{
		Operation:  "validate",
		MaxRetries: 0,
		Fallback: func(last *resilience.ErrorContext) json.RawMessage {
			return json.RawMessage(`{"verdict":"UNKNOWN"}`)
		},
	}
	_ = o.RegisterExecutor(domain.KindValidator, func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		return nil, &resilience.ConnectionError{Target: "agent", Err: errors.New("refused")}
	}, WithRetrier(retrier), WithBreaker(2, time.Minute))
	start(t, o)

	for i := 0; i < 4; i++ {
		id, _ := o.Submit(domain.KindValidator, nil, 5)
		got := waitTerminal(t, o, id)
		if got.Status != domain.TaskStatusCompleted || !got.Degraded {
			t.Fatalf("task %d = (%s, degraded=%v, err=%v), want degraded completion",
				i, got.Status, got.Degraded, got.Err)
		}
	}
	if open := o.OpenBreakers(); len(open) != 0 {
		t.Errorf("OpenBreakers = %v, want none", open)
	}
	if m := o.Metrics().Agents[domain.KindValidator]; m.Rejected != 0 || m.Degraded != 4 {
		t.Errorf("metrics = %+v, want 4 degraded, 0 rejected", m)
	}
}

func TestOrchestrator_PanicIsRetried(t *testing.T) {
	o := New(testConfig())

	var calls atomic.Int32
	_ = o.RegisterExecutor(domain.KindCreator, func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		if calls.Add(1) == 1 {
			panic("nil map write")
		}
		return input, nil
	})
	start(t, o)

	id, _ := o.Submit(domain.KindCreator, json.RawMessage(`{"n":1}`), 5)
	got := waitTerminal(t, o, id)

	if got.Status != domain.TaskStatusCompleted || got.Retries != 1 {
		t.Errorf("task = (%s, retries=%d), want completed after 1 retry", got.Status, got.Retries)
	}
}

func TestOrchestrator_LastRecordIsTerminal(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 8
	sink := &recordingSink{}
	o := New(cfg, WithSink(sink))
	_ = o.RegisterExecutor(domain.KindReporter, echo)
	start(t, o)

	ids := make([]string, 0, 500)
	for i := 0; i < 500; i++ {
		id, err := o.Submit(domain.KindReporter, nil, 1+i%10)
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		ids = append(ids, id)
	}
	for _, id := range ids {
		waitTerminal(t, o, id)
	}

	sink.mu.Lock()
	last := make(map[string]domain.TaskStatus, len(ids))
	for _, r := range sink.records {
		last[r.ID] = r.Status
	}
	sink.mu.Unlock()

	stale := 0
	for _, id := range ids {
		if last[id] != domain.TaskStatusCompleted {
			stale++
		}
	}
	if stale > 0 {
		t.Errorf("%d of %d tasks have a non-terminal last record", stale, len(ids))
	}
}

func TestOrchestrator_ConcurrencyCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 2
	o := New(cfg)

	var current, peak atomic.Int32
	_ = o.RegisterExecutor(domain.KindResearcher, func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		current.Add(-1)
		return input, nil
	})
	start(t, o)

	var ids []string
	for i := 0; i < 8; i++ {
		id, _ := o.Submit(domain.KindResearcher, nil, 5)
		ids = append(ids, id)
	}
	for _, id := range ids {
		waitTerminal(t, o, id)
	}
	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", p)
	}
}

func TestOrchestrator_SubmitErrors(t *testing.T) {
	o := New(testConfig())
	_ = o.RegisterExecutor(domain.KindValidator, echo)

	if _, err := o.Submit("summarizer", nil, 5); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("unknown kind: err = %v, want ErrUnknownKind", err)
	}
	if _, err := o.Submit(domain.KindCreator, nil, 5); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("unbound kind: err = %v, want ErrUnknownKind", err)
	}
	if err := o.RegisterExecutor("summarizer", echo); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("RegisterExecutor unknown kind: err = %v", err)
	}

	id, err := o.SubmitRequest(domain.TaskRequest{ID: "fixed", Kind: domain.KindValidator, Priority: 42})
	if err != nil || id != "fixed" {
		t.Fatalf("SubmitRequest = (%q, %v)", id, err)
	}
	if task, _ := o.Task(id); task.Priority != MaxPriority {
		t.Errorf("Priority = %d, want clamped to %d", task.Priority, MaxPriority)
	}
	if _, err := o.SubmitRequest(domain.TaskRequest{ID: "fixed", Kind: domain.KindValidator}); !errors.Is(err, ErrDuplicateTask) {
		t.Errorf("duplicate id: err = %v, want ErrDuplicateTask", err)
	}
	if _, err := o.Task("missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("Task(missing) err = %v", err)
	}

	if err := o.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if _, err := o.Submit(domain.KindValidator, nil, 5); !errors.Is(err, ErrClosed) {
		t.Errorf("after shutdown: err = %v, want ErrClosed", err)
	}
	if err := o.Run(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Run after shutdown: err = %v, want ErrClosed", err)
	}
}

func TestOrchestrator_ShutdownWaitsForInFlight(t *testing.T) {
	sink := &recordingSink{}
	o := New(testConfig(), WithSink(sink))

	started := make(chan struct{})
	_ = o.RegisterExecutor(domain.KindCreator, func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		return input, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- o.Run(ctx) }()

	id, _ := o.Submit(domain.KindCreator, nil, 5)
	<-started

	if err := o.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got, _ := o.Task(id); got.Status != domain.TaskStatusCompleted {
		t.Errorf("Status after Shutdown = %s, want completed", got.Status)
	}
	if err := <-runErr; err != nil {
		t.Errorf("Run returned %v, want nil after Shutdown", err)
	}

	sink.mu.Lock()
	closed := sink.closed
	sink.mu.Unlock()
	if !closed {
		t.Error("sink not closed after Shutdown")
	}
}

func TestOrchestrator_ShutdownTimeout(t *testing.T) {
	o := New(testConfig())

	release := make(chan struct{})
	started := make(chan struct{})
	_ = o.RegisterExecutor(domain.KindCreator, func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		close(started)
		<-release
		return input, nil
	})
	start(t, o)
	defer close(release)

	_, _ = o.Submit(domain.KindCreator, nil, 5)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := o.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Shutdown err = %v, want DeadlineExceeded", err)
	}
}
