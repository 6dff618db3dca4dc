package heartbeat

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher notifies a callback when an agent's heartbeat changes. It uses
// fsnotify on the heartbeat directory with a periodic poll as a safety net
// for filesystems that drop events.
type Watcher struct {
	store        *Store
	pollInterval time.Duration
	onChange     func(agentID string)
	logger       *zap.Logger
}

// NewWatcher creates a watcher over store's directory.
func NewWatcher(store *Store, pollInterval time.Duration, onChange func(agentID string), logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		store:        store,
		pollInterval: pollInterval,
		onChange:     onChange,
		logger:       logger.Named("heartbeat"),
	}
}

// Run watches until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.store.Dir(), 0755); err != nil {
		return fmt.Errorf("creating heartbeat dir: %w", err)
	}

	var events <-chan fsnotify.Event
	var errs <-chan error
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("fsnotify unavailable, polling only", zap.Error(err))
	} else {
		defer fsw.Close()
		if err := fsw.Add(w.store.Dir()); err != nil {
			w.logger.Warn("watching heartbeat dir failed, polling only", zap.Error(err))
		} else {
			events, errs = fsw.Events, fsw.Errors
		}
	}

	var tick <-chan time.Time
	if w.pollInterval > 0 {
		ticker := time.NewTicker(w.pollInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	mtimes := make(map[string]time.Time)
	w.poll(mtimes)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if id, ok := agentFromFile(filepath.Base(event.Name)); ok {
				w.onChange(id)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.logger.Warn("watch error", zap.Error(err))
		case <-tick:
			w.poll(mtimes)
		}
	}
}

func (w *Watcher) poll(mtimes map[string]time.Time) {
	entries, err := os.ReadDir(w.store.Dir())
	if err != nil {
		return
	}
	for _, e := range entries {
		id, ok := agentFromFile(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if last, seen := mtimes[id]; seen && !info.ModTime().After(last) {
			continue
		}
		mtimes[id] = info.ModTime()
		w.onChange(id)
	}
}
