package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/agentd/internal/control"
	"github.com/vietddude/agentd/internal/core/config"
	"github.com/vietddude/agentd/internal/core/domain"
	"github.com/vietddude/agentd/internal/core/task"
	redisclient "github.com/vietddude/agentd/internal/infra/redis"
	"github.com/vietddude/agentd/internal/infra/storage"
)

var statusLimit int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show task counts and recent tasks from the configured store",
	Run:   runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusLimit, "recent", 10, "number of recent tasks to list")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if cfg.Storage.Driver == config.StorageMemory || cfg.Storage.Driver == config.StorageLog {
		fmt.Printf("storage driver %q keeps no records between runs\n", cfg.Storage.Driver)
	} else if err := printStore(ctx, cfg); err != nil {
		slog.Error("Failed to read task store", "error", err)
		os.Exit(1)
	}

	if cfg.Intake.Redis {
		if err := printQueue(ctx, cfg.Redis); err != nil {
			slog.Error("Failed to read redis queue", "error", err)
			os.Exit(1)
		}
	}
}

func printStore(ctx context.Context, cfg *config.AppConfig) error {
	store, err := control.OpenStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer func() {
		_ = store.Repo.Close()
	}()

	counts, err := store.Repo.CountByStatus(ctx)
	if err != nil {
		return fmt.Errorf("count tasks: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "STATUS\tTASKS\tMEANING")
	total := 0
	for _, s := range []domain.TaskStatus{
		domain.TaskStatusPending,
		domain.TaskStatusRunning,
		domain.TaskStatusRetry,
		domain.TaskStatusCompleted,
		domain.TaskStatusFailed,
	} {
		total += counts[s]
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\n", s, counts[s], task.Describe(s))
	}
	_, _ = fmt.Fprintf(w, "total\t%d\t\n", total)
	_ = w.Flush()

	if statusLimit <= 0 {
		return nil
	}
	recs, err := store.Repo.List(ctx, storage.ListFilter{Limit: statusLimit})
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "ID\tKIND\tSTATUS\tPRIORITY\tRETRIES\tUPDATED\tERROR")
	for _, r := range recs {
		status := string(r.Status)
		if r.Degraded {
			status += " (degraded)"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			r.ID, r.Kind, status, r.Priority, r.Retries,
			r.UpdatedAt.Local().Format(time.DateTime), r.Error)
	}
	return w.Flush()
}

func printQueue(ctx context.Context, cfg redisclient.Config) error {
	client, err := redisclient.NewClient(cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	queued, err := client.Len(ctx)
	if err != nil {
		return err
	}
	dead, err := client.DeadLetterCount(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("\nredis queue %q: %d queued, %d dead-lettered\n", cfg.Queue, queued, dead)
	return nil
}
