package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Kocoro-lab/chatflow/internal/intent"
	"github.com/Kocoro-lab/chatflow/internal/metrics"
)

// RulesSetter receives validated routing rules.
type RulesSetter interface {
	SetRules(rules intent.Rules)
}

// LoadRules parses a routing.yaml file. Keys absent from the file keep their
// built-in values.
func LoadRules(path string) (intent.Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return intent.Rules{}, fmt.Errorf("failed to read routing file %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return intent.Rules{}, fmt.Errorf("routing file %s is empty", path)
	}
	rules := intent.DefaultRules()
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return intent.Rules{}, fmt.Errorf("failed to parse routing file %s: %w", path, err)
	}
	if err := rules.Validate(); err != nil {
		return intent.Rules{}, fmt.Errorf("invalid routing rules in %s: %w", path, err)
	}
	return rules, nil
}

// RoutingWatcher hot-reloads routing.yaml into a classifier. A file that
// fails to parse or validate is logged and the active rules are kept.
type RoutingWatcher struct {
	path     string
	target   RulesSetter
	debounce time.Duration
	logger   *zap.Logger

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	done    chan struct{}

	mu      sync.Mutex
	timer   *time.Timer
	pending sync.WaitGroup
	started bool
}

// NewRoutingWatcher binds path to target. debounce <= 0 uses 200ms.
func NewRoutingWatcher(path string, target RulesSetter, debounce time.Duration, logger *zap.Logger) *RoutingWatcher {
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RoutingWatcher{
		path:     filepath.Clean(path),
		target:   target,
		debounce: debounce,
		logger:   logger,
	}
}

// Reload reads the file once and applies it if valid.
func (w *RoutingWatcher) Reload() error {
	rules, err := LoadRules(w.path)
	if err != nil {
		metrics.RoutingReloads.WithLabelValues("rejected").Inc()
		return err
	}
	w.target.SetRules(rules)
	metrics.RoutingReloads.WithLabelValues("applied").Inc()
	w.logger.Info("Routing rules loaded",
		zap.String("path", w.path),
		zap.Int("research_terms", len(rules.ResearchTerms)),
		zap.Int("simple_terms", len(rules.SimpleTerms)),
	)
	return nil
}

// Start applies the current file, when present, and begins watching its
// directory. Editors that save by rename are handled because the directory is
// watched rather than the file.
func (w *RoutingWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}

	if err := w.Reload(); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			w.logger.Info("Routing file not found, using built-in rules", zap.String("path", w.path))
		} else {
			w.logger.Error("Routing file rejected, using built-in rules", zap.Error(err))
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w.watcher = watcher
	w.stopCh = make(chan struct{})
	w.done = make(chan struct{})
	w.started = true
	go w.watchLoop()

	w.logger.Info("Routing watcher started", zap.String("path", w.path))
	return nil
}

// Stop ends the watch loop and waits for it to exit.
func (w *RoutingWatcher) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	close(w.stopCh)
	if w.timer != nil && w.timer.Stop() {
		w.pending.Done()
	}
	w.mu.Unlock()

	_ = w.watcher.Close()
	<-w.done
	w.pending.Wait()
}

func (w *RoutingWatcher) watchLoop() {
	defer close(w.done)
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Routing watch loop panicked", zap.Any("panic", r))
		}
	}()

	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

func (w *RoutingWatcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		w.logger.Warn("Routing file removed, keeping active rules", zap.String("path", w.path))
		return
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
	default:
		return
	}

	// Rapid successive writes collapse into one reload.
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return
	}
	if w.timer != nil && w.timer.Stop() {
		w.pending.Done()
	}
	w.pending.Add(1)
	w.timer = time.AfterFunc(w.debounce, func() {
		defer w.pending.Done()
		if err := w.Reload(); err != nil {
			w.logger.Error("Routing reload rejected, keeping active rules",
				zap.String("path", w.path),
				zap.Error(err),
			)
		}
	})
}
