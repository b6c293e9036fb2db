// ABOUTME: Hot reload of the admission policy file via fsnotify
// ABOUTME: Watches the parent directory so editor rename-and-replace saves are seen

package gating

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// PolicyWatcher reports content changes of one file.
type PolicyWatcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onChange func(ctx context.Context, data []byte)
	debounce time.Duration
	logger   *slog.Logger
}

// NewPolicyWatcher starts watching the directory that holds path.
func NewPolicyWatcher(path string, onChange func(ctx context.Context, data []byte), logger *slog.Logger) (*PolicyWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving policy path: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}
	return &PolicyWatcher{
		path:     abs,
		watcher:  w,
		onChange: onChange,
		debounce: 200 * time.Millisecond,
		logger:   logger.With("component", "policy_watcher", "path", abs),
	}, nil
}

// Run delivers changes until ctx is done, then closes the watcher.
func (pw *PolicyWatcher) Run(ctx context.Context) error {
	defer pw.watcher.Close()

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-pw.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != pw.path {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(pw.debounce)
			} else {
				timer.Reset(pw.debounce)
			}
			fire = timer.C
		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return nil
			}
			pw.logger.Warn("watcher error", "error", err)
		case <-fire:
			fire = nil
			data, err := os.ReadFile(pw.path)
			if err != nil {
				pw.logger.Warn("reading changed policy", "error", err)
				continue
			}
			pw.logger.Info("policy file changed", "bytes", len(data))
			pw.onChange(ctx, data)
		}
	}
}
