package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/felipepmaragno/agent-gateway/internal/crypto"
	"github.com/felipepmaragno/agent-gateway/internal/discovery"
)

const defaultWatchDebounce = 250 * time.Millisecond

// ToolServersWatcher reloads the tool servers file whenever it changes and
// hands the result to apply. A file that fails to parse is logged and the
// previous servers stay in effect.
type ToolServersWatcher struct {
	path     string
	enc      *crypto.Encryptor
	apply    func([]discovery.Server)
	logger   *slog.Logger
	debounce time.Duration

	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

func NewToolServersWatcher(path string, enc *crypto.Encryptor, apply func([]discovery.Server), logger *slog.Logger) *ToolServersWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolServersWatcher{
		path:     path,
		enc:      enc,
		apply:    apply,
		logger:   logger.With("component", "config", "file", path),
		debounce: defaultWatchDebounce,
	}
}

// Start watches the file's directory, so editors that replace the file by
// rename are picked up too.
func (w *ToolServersWatcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.watcher = watcher

	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(1)
	go w.loop(watchCtx)
	return nil
}

func (w *ToolServersWatcher) Close() error {
	if w.cancel != nil {
		w.cancel()
	}
	var err error
	if w.watcher != nil {
		err = w.watcher.Close()
	}
	w.wg.Wait()
	return err
}

func (w *ToolServersWatcher) reload() {
	servers, err := LoadToolServers(w.path, w.enc)
	if err != nil {
		w.logger.Warn("tool servers reload failed, keeping previous servers", "error", err)
		return
	}
	w.apply(servers)
	w.logger.Info("tool servers reloaded", "count", len(servers))
}

func (w *ToolServersWatcher) loop(ctx context.Context) {
	defer w.wg.Done()

	target := filepath.Clean(w.path)

	var mu sync.Mutex
	var timer *time.Timer
	schedule := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, w.reload)
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				schedule()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("tool servers watch error", "error", err)
		}
	}
}
