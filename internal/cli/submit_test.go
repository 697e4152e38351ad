package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/vietddude/agentd/internal/core/config"
	"github.com/vietddude/agentd/internal/core/domain"
)

func TestBuildRequest(t *testing.T) {
	inputFile := filepath.Join(t.TempDir(), "input.json")
	if err := os.WriteFile(inputFile, []byte(`{"topic":"queues"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		kind      string
		input     string
		id        string
		wantErr   bool
		wantInput string
	}{
		{name: "inline", kind: "validator", input: `{"idea":"x"}`, id: "t1", wantInput: `{"idea":"x"}`},
		{name: "from file", kind: "researcher", input: "@" + inputFile, id: "t2", wantInput: `{"topic":"queues"}`},
		{name: "generated id", kind: "reporter", input: `{}`, wantInput: `{}`},
		{name: "unknown kind", kind: "planner", input: `{}`, wantErr: true},
		{name: "bad json", kind: "creator", input: `{idea`, wantErr: true},
		{name: "missing file", kind: "creator", input: "@" + filepath.Join(t.TempDir(), "nope.json"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := buildRequest(tt.kind, tt.input, 3, tt.id)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("buildRequest() = %+v, want error", req)
				}
				return
			}
			if err != nil {
				t.Fatalf("buildRequest() error = %v", err)
			}
			if string(req.Kind) != tt.kind {
				t.Errorf("Kind = %s, want %s", req.Kind, tt.kind)
			}
			if string(req.Input) != tt.wantInput {
				t.Errorf("Input = %s, want %s", req.Input, tt.wantInput)
			}
			if tt.id != "" && req.ID != tt.id {
				t.Errorf("ID = %q, want %q", req.ID, tt.id)
			}
			if req.ID == "" {
				t.Error("ID is empty")
			}
			if req.Priority != 3 {
				t.Errorf("Priority = %d, want 3", req.Priority)
			}
		})
	}
}

func TestSubmit_DirIntake(t *testing.T) {
	cfg := config.Default()
	cfg.Intake.Dir = filepath.Join(t.TempDir(), "inbox")

	req := domain.TaskRequest{ID: "file-1", Kind: domain.KindCreator, Input: json.RawMessage(`{"a":1}`), Priority: 2}
	id, path, err := submit(t.Context(), cfg, req)
	if err != nil {
		t.Fatalf("submit() error = %v", err)
	}
	if id != "file-1" {
		t.Errorf("id = %q, want file-1", id)
	}
	if want := filepath.Join(cfg.Intake.Dir, "file-1.json"); path != want {
		t.Errorf("path = %q, want %q", path, want)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read dropped file: %v", err)
	}
	var got domain.TaskRequest
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("dropped file is not a request: %v", err)
	}
	if got.Kind != domain.KindCreator || got.Priority != 2 || string(got.Input) != `{"a":1}` {
		t.Errorf("dropped request = %+v", got)
	}

	entries, _ := os.ReadDir(cfg.Intake.Dir)
	if len(entries) != 1 {
		t.Errorf("inbox has %d entries, want only the task file", len(entries))
	}
}

func TestSubmit_NoIntake(t *testing.T) {
	cfg := config.Default()
	cfg.Intake.Dir = ""
	cfg.Intake.Redis = false

	req := domain.TaskRequest{ID: "x", Kind: domain.KindReporter, Input: json.RawMessage(`{}`)}
	if _, _, err := submit(t.Context(), cfg, req); err == nil {
		t.Fatal("submit() succeeded with no intake configured")
	}
}
