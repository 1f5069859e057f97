package policy

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"mcpfed/internal/infra/telemetry"
)

const reloadDebounce = 200 * time.Millisecond

// Watcher hot-reloads a policy file into an Engine. A reload that fails
// to parse or compile leaves the last good rule set in effect.
type Watcher struct {
	engine   *Engine
	path     string
	logger   *zap.Logger
	onReload func()
}

type WatcherOptions struct {
	Engine *Engine
	Path   string
	Logger *zap.Logger

	// OnReload fires after a successful swap, so the catalog can be
	// re-filtered against the new rules.
	OnReload func()
}

func NewWatcher(opts WatcherOptions) *Watcher {
	if opts.Engine == nil {
		panic("policy watcher requires an engine")
	}
	if opts.Path == "" {
		panic("policy watcher requires a path")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		engine:   opts.Engine,
		path:     opts.Path,
		logger:   logger.Named("policy_watcher"),
		onReload: opts.OnReload,
	}
}

// Run watches until ctx is cancelled. The parent directory is watched
// rather than the file itself so atomic rename-over-save still triggers.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-watcher.Errors:
			if err != nil {
				w.logger.Warn("policy watcher error", zap.Error(err))
			}
		case event := <-watcher.Events:
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(reloadDebounce)
		case <-timerChan(timer):
			timer = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	set, err := Load(w.path)
	if err != nil {
		w.logger.Warn("policy reload failed, keeping previous rules", zap.Error(err))
		return
	}
	if err := w.engine.Replace(set); err != nil {
		w.logger.Warn("policy compile failed, keeping previous rules", zap.Error(err))
		return
	}
	w.logger.Info("policy reloaded",
		telemetry.EventField(telemetry.EventPolicyReload),
		zap.Int("rules", len(set.Rules)),
		zap.String("default", string(set.Default)),
	)
	if w.onReload != nil {
		w.onReload()
	}
}

func timerChan(timer *time.Timer) <-chan time.Time {
	if timer == nil {
		return nil
	}
	return timer.C
}
