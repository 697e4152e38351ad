package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/vietddude/agentd/internal/core/config"
	"github.com/vietddude/agentd/internal/core/domain"
	redisclient "github.com/vietddude/agentd/internal/infra/redis"
)

var (
	submitKind     string
	submitPriority int
	submitInput    string
	submitID       string
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Queue a task for a running daemon",
	Long: `Queue a task through the configured intake: the Redis queue when
intake.redis is enabled, otherwise a JSON file in intake.dir.

--input takes a JSON document, or @path to read it from a file.`,
	Run: runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&submitKind, "kind", "", "executor kind (validator, creator, researcher, reporter)")
	submitCmd.Flags().IntVar(&submitPriority, "priority", domain.DefaultPriority, "1 (most urgent) to 10")
	submitCmd.Flags().StringVar(&submitInput, "input", "{}", "task input as JSON or @file")
	submitCmd.Flags().StringVar(&submitID, "id", "", "task id (default: generated)")
	_ = submitCmd.MarkFlagRequired("kind")
	rootCmd.AddCommand(submitCmd)
}

func runSubmit(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	req, err := buildRequest(submitKind, submitInput, submitPriority, submitID)
	if err != nil {
		slog.Error("Invalid task", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, via, err := submit(ctx, cfg, req)
	if err != nil {
		slog.Error("Failed to submit task", "error", err)
		os.Exit(1)
	}
	fmt.Printf("%s queued via %s\n", id, via)
}

func buildRequest(kind, input string, priority int, id string) (domain.TaskRequest, error) {
	k, err := domain.ParseKind(kind)
	if err != nil {
		return domain.TaskRequest{}, err
	}

	raw := []byte(input)
	if path, ok := strings.CutPrefix(input, "@"); ok {
		raw, err = os.ReadFile(path)
		if err != nil {
			return domain.TaskRequest{}, fmt.Errorf("read input: %w", err)
		}
	}
	if !json.Valid(raw) {
		return domain.TaskRequest{}, errors.New("input is not valid JSON")
	}

	if id == "" {
		id = uuid.NewString()
	}
	return domain.TaskRequest{ID: id, Kind: k, Input: json.RawMessage(raw), Priority: priority}, nil
}

func submit(ctx context.Context, cfg *config.AppConfig, req domain.TaskRequest) (id, via string, err error) {
	switch {
	case cfg.Intake.Redis:
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			return "", "", err
		}
		defer func() {
			_ = client.Close()
		}()
		id, err := client.PushTask(ctx, req)
		return id, "redis", err

	case cfg.Intake.Dir != "":
		path, err := dropFile(cfg.Intake.Dir, req)
		return req.ID, path, err
	}
	return "", "", errors.New("no intake configured: set intake.redis or intake.dir")
}

// dropFile writes the request under a temporary name and renames it so the
// daemon never reads a partial file.
func dropFile(dir string, req domain.TaskRequest) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	final := filepath.Join(dir, req.ID+".json")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	return final, nil
}
