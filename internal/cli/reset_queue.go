package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	redisclient "github.com/vietddude/agentd/internal/infra/redis"
)

var resetQueueCmd = &cobra.Command{
	Use:   "reset-queue",
	Short: "Drop every request waiting in the Redis intake queue",
	Args:  cobra.NoArgs,
	Run:   runResetQueue,
}

func init() {
	rootCmd.AddCommand(resetQueueCmd)
}

func runResetQueue(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.Redis.URL == "" {
		slog.Error("redis.url is not configured")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := redisclient.NewClient(cfg.Redis)
	if err != nil {
		slog.Error("Failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = client.Close()
	}()

	queued, err := client.Len(ctx)
	if err != nil {
		slog.Error("Failed to read queue length", "error", err)
		os.Exit(1)
	}
	if err := client.ClearQueue(ctx); err != nil {
		slog.Error("Failed to reset queue", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Successfully dropped %d queued requests from %q\n", queued, cfg.Redis.Queue)
}
