package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vietddude/agentd/internal/metrics"
	"github.com/vietddude/agentd/internal/orchestrator"
)

const (
	DoneSuffix   = ".done"
	FailedSuffix = ".failed"
)

// DirConfig holds configuration for the directory intake.
type DirConfig struct {
	Path         string
	PollInterval time.Duration // full rescan period (default: 2s)
	Settle       time.Duration // quiet time after a write before reading (default: 200ms)
}

// DirSource submits JSON task files dropped into a directory. Each file is
// renamed with a .done or .failed suffix once handled.
type DirSource struct {
	cfg    DirConfig
	submit Submitter
	log    *slog.Logger

	renameFile func(oldpath, newpath string) error
	// stuck holds files that were handled but could not be renamed, keyed by
	// path with the mod time seen. They are skipped until they change.
	stuck map[string]time.Time
}

// NewDirSource creates a directory intake.
func NewDirSource(cfg DirConfig, submit Submitter) *DirSource {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 200 * time.Millisecond
	}
	return &DirSource{
		cfg:        cfg,
		submit:     submit,
		log:        slog.Default().With("component", "intake", "source", "dir", "path", cfg.Path),
		renameFile: os.Rename,
		stuck:      make(map[string]time.Time),
	}
}

// Run watches the directory until ctx is done or the orchestrator closes.
// Without fsnotify support it falls back to polling.
func (d *DirSource) Run(ctx context.Context) error {
	if err := os.MkdirAll(d.cfg.Path, 0o755); err != nil {
		return fmt.Errorf("create intake dir: %w", err)
	}

	var events chan fsnotify.Event
	var errs chan error
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if addErr := watcher.Add(d.cfg.Path); addErr != nil {
			watcher.Close()
			watcher = nil
			err = addErr
		}
	}
	if err != nil {
		d.log.Warn("File watching unavailable, polling", "error", err)
	} else {
		defer watcher.Close()
		events = watcher.Events
		errs = watcher.Errors
	}

	d.log.Info("Starting directory intake")
	if stop := d.scan(ctx, d.cfg.Settle); stop {
		return nil
	}

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	settle := time.NewTimer(d.cfg.Settle)
	settle.Stop()
	defer settle.Stop()

	for {
		var stop bool
		select {
		case <-ctx.Done():
			d.log.Info("Directory intake stopped")
			return nil

		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if isTaskFile(event.Name) && event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				settle.Reset(d.cfg.Settle)
			}

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			d.log.Warn("File watcher error", "error", err)

		case <-settle.C:
			stop = d.scan(ctx, 0)

		case <-ticker.C:
			stop = d.scan(ctx, d.cfg.Settle)
		}

		if stop {
			d.log.Info("Directory intake stopped, orchestrator closed")
			return nil
		}
	}
}

func isTaskFile(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".json")
}

// scan handles every task file at least minAge old, oldest first, and
// reports whether the orchestrator has closed.
func (d *DirSource) scan(ctx context.Context, minAge time.Duration) bool {
	entries, err := os.ReadDir(d.cfg.Path)
	if err != nil {
		d.log.Error("Failed to read intake dir", "error", err)
		return false
	}

	type candidate struct {
		path string
		mod  time.Time
	}
	var files []candidate
	present := make(map[string]bool, len(entries))
	now := time.Now()
	for _, e := range entries {
		if e.IsDir() || !isTaskFile(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(d.cfg.Path, e.Name())
		present[path] = true
		if mod, ok := d.stuck[path]; ok && mod.Equal(info.ModTime()) {
			continue
		}
		if now.Sub(info.ModTime()) < minAge {
			continue
		}
		files = append(files, candidate{path, info.ModTime()})
	}
	for path := range d.stuck {
		if !present[path] {
			delete(d.stuck, path)
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod.Before(files[j].mod) })

	for _, f := range files {
		if ctx.Err() != nil {
			return false
		}
		if stop := d.handleFile(f.path, f.mod); stop {
			return true
		}
	}
	return false
}

// handleFile submits one file and reports whether the orchestrator has closed.
func (d *DirSource) handleFile(path string, mod time.Time) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			d.log.Error("Failed to read task file", "file", filepath.Base(path), "error", err)
		}
		return false
	}

	req, err := DecodeRequest(data)
	if err != nil {
		d.reject(path, mod, err)
		return false
	}

	id, err := d.submit.SubmitRequest(req)
	if errors.Is(err, orchestrator.ErrClosed) {
		return true
	}
	if err != nil {
		d.reject(path, mod, err)
		return false
	}

	metrics.IntakeReceived.WithLabelValues("dir", "submitted").Inc()
	d.log.Info("Task file processed", "file", filepath.Base(path), "task_id", id, "kind", req.Kind)
	d.rename(path, mod, DoneSuffix)
	return false
}

func (d *DirSource) reject(path string, mod time.Time, err error) {
	metrics.IntakeReceived.WithLabelValues("dir", "rejected").Inc()
	d.log.Error("Failed to process task file", "file", filepath.Base(path), "error", err)
	d.rename(path, mod, FailedSuffix)
}

func (d *DirSource) rename(path string, mod time.Time, suffix string) {
	if err := d.renameFile(path, path+suffix); err != nil {
		d.stuck[path] = mod
		d.log.Error("Failed to rename task file, skipping it until it changes",
			"file", filepath.Base(path),
			"error", err,
		)
	}
}
