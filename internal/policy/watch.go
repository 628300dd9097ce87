package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/boku-engineer/changeflow/internal/debounce"
)

const mainlineDebounceDelay = 350 * time.Millisecond

// MainlineWatcher observes the local repository's ref storage and fires a
// debounced callback whenever the mainline tip may have moved. The guard
// service uses it to re-run first-parent checks when someone bypasses the
// workflow and commits to the mainline directly.
type MainlineWatcher struct {
	watcher  *fsnotify.Watcher
	debounce *debounce.Debouncer
	mainline string
	logger   *zap.Logger
}

// WatchMainline starts watching the ref storage of the repository at repoRoot.
// onChange runs after a quiet period following any burst of ref updates.
func WatchMainline(repoRoot, mainline string, logger *zap.Logger, onChange func()) (*MainlineWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify: %w", err)
	}
	for _, path := range refPaths(repoRoot) {
		logger.Debug("watching ref path", zap.String("path", path))
		if err := watcher.Add(path); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("watch %s: %w", path, err)
		}
	}

	w := &MainlineWatcher{
		watcher:  watcher,
		debounce: debounce.New(mainlineDebounceDelay, onChange),
		mainline: mainline,
		logger:   logger,
	}
	go w.loop()
	return w, nil
}

// Close stops the watcher. Pending debounced callbacks are cancelled.
func (w *MainlineWatcher) Close() error {
	w.debounce.Stop()
	return w.watcher.Close()
}

func (w *MainlineWatcher) loop() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !w.relevantRefEvent(ev.Name) {
				continue
			}
			w.logger.Debug("ref event",
				zap.String("op", ev.Op.String()),
				zap.String("path", ev.Name))
			w.debounce.Trigger()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("ref watcher error", zap.Error(err))
		}
	}
}

// relevantRefEvent filters events down to the files that can move the
// mainline tip: the loose ref, packed-refs, and HEAD. Lock files churn on
// every git operation and are ignored.
func (w *MainlineWatcher) relevantRefEvent(name string) bool {
	if strings.HasSuffix(name, ".lock") {
		return false
	}
	base := filepath.Base(name)
	switch base {
	case "packed-refs", "HEAD":
		return true
	}
	return base == w.mainline || strings.HasSuffix(filepath.ToSlash(name), "refs/heads/"+w.mainline)
}

// refPaths returns the directories to watch. fsnotify watches directories,
// not files, so the .git dir and its refs/heads subdirectory cover the loose
// ref, packed-refs and HEAD.
func refPaths(repoRoot string) []string {
	gitDir := filepath.Join(repoRoot, ".git")
	paths := []string{gitDir}
	heads := filepath.Join(gitDir, "refs", "heads")
	if info, err := os.Stat(heads); err == nil && info.IsDir() {
		paths = append(paths, heads)
	}
	return paths
}
