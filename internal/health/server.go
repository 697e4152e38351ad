package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/agentd/internal/core/domain"
	"github.com/vietddude/agentd/internal/infra/storage"
	"github.com/vietddude/agentd/internal/orchestrator"
)

const defaultTaskLimit = 100

// Server provides HTTP endpoints for health monitoring and task status.
type Server struct {
	monitor *Monitor
	source  Source
	repo    storage.TaskRepository
	server  *http.Server
}

// NewServer creates a new health server. repo may be nil; when set, task
// lookups fall back to persisted records.
func NewServer(monitor *Monitor, source Source, repo storage.TaskRepository, port int) *Server {
	mux := http.NewServeMux()
	s := &Server{
		monitor: monitor,
		source:  source,
		repo:    repo,
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/detailed", s.handleDetailed)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /tasks", s.handleTasks)
	mux.HandleFunc("GET /tasks/{id}", s.handleTask)
	mux.Handle("GET /metrics", promhttp.Handler())

	return s
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.monitor.CheckHealth(r.Context())

	response := map[string]any{"status": report.SystemStatus}
	if len(report.OpenBreakers) > 0 {
		response["open_breakers"] = report.OpenBreakers
	}

	code := http.StatusOK
	if report.SystemStatus == StatusCritical {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, response)
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.CheckHealth(r.Context()))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.source.Metrics())
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if r.URL.Query().Get("source") == "store" {
		if s.repo == nil {
			writeError(w, http.StatusNotFound, errors.New("no task store configured"))
			return
		}
		recs, err := s.repo.List(r.Context(), filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if recs == nil {
			recs = []*domain.TaskRecord{}
		}
		writeJSON(w, http.StatusOK, recs)
		return
	}

	tasks := s.source.Tasks()
	// Newest first, like the stores.
	slices.Reverse(tasks)

	recs := make([]domain.TaskRecord, 0, min(len(tasks), filter.Limit))
	for i := range tasks {
		t := &tasks[i]
		if filter.Kind != "" && t.Kind != filter.Kind {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		recs = append(recs, t.Record())
		if len(recs) == filter.Limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	t, err := s.source.Task(id)
	if err == nil {
		writeJSON(w, http.StatusOK, t.Record())
		return
	}
	if !errors.Is(err, orchestrator.ErrTaskNotFound) {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	if s.repo != nil {
		rec, err := s.repo.Get(r.Context(), id)
		if err == nil {
			writeJSON(w, http.StatusOK, rec)
			return
		}
		if !errors.Is(err, storage.ErrTaskNotFound) {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	writeError(w, http.StatusNotFound, fmt.Errorf("task %s not found", id))
}

func parseFilter(r *http.Request) (storage.ListFilter, error) {
	q := r.URL.Query()
	filter := storage.ListFilter{Limit: defaultTaskLimit}

	if v := q.Get("kind"); v != "" {
		kind, err := domain.ParseKind(v)
		if err != nil {
			return filter, err
		}
		filter.Kind = kind
	}
	if v := q.Get("status"); v != "" {
		status := domain.TaskStatus(v)
		switch status {
		case domain.TaskStatusPending, domain.TaskStatusRunning, domain.TaskStatusRetry,
			domain.TaskStatusCompleted, domain.TaskStatusFailed:
		default:
			return filter, fmt.Errorf("unknown status %q", v)
		}
		filter.Status = status
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return filter, fmt.Errorf("invalid limit %q", v)
		}
		filter.Limit = n
	}
	return filter, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to write response", "component", "health", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
