package semantic

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/plangate/internal/logging"
)

// ErrWatcherFailed indicates the filesystem watcher could not be created.
var ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")

// skipDirs are never indexed or watched.
var skipDirs = map[string]bool{".git": true}

// IndexOracle keeps an in-memory index of every path under a root and
// updates it from fsnotify events, so verification does not stat the disk.
type IndexOracle struct {
	root    string
	logger  *logging.Logger
	watcher *fsnotify.Watcher

	mu    sync.RWMutex
	paths map[string]struct{}

	stop     chan struct{}
	stopOnce sync.Once
}

// NewIndexOracle walks root and builds the initial index. Call Start to
// keep it current and Stop to release the watcher.
func NewIndexOracle(root string, logger *logging.Logger) (*IndexOracle, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving index root: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	o := &IndexOracle{
		root:    abs,
		logger:  logging.OrNop(logger).Named("index"),
		watcher: watcher,
		paths:   make(map[string]struct{}),
		stop:    make(chan struct{}),
	}
	if err := o.addTree(abs); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("indexing %s: %w", abs, err)
	}
	return o, nil
}

// Start processes filesystem events until ctx is done or Stop is called.
func (o *IndexOracle) Start(ctx context.Context) {
	go o.processEvents(ctx)
}

// Stop closes the watcher. Safe to call more than once.
func (o *IndexOracle) Stop() {
	o.stopOnce.Do(func() {
		close(o.stop)
		_ = o.watcher.Close()
	})
}

// Exists reports whether path is in the index. Absolute paths outside the
// root are never indexed.
func (o *IndexOracle) Exists(path string) bool {
	rel := path
	if filepath.IsAbs(filepath.FromSlash(path)) {
		r, ok := o.rel(filepath.FromSlash(path))
		if !ok {
			return false
		}
		rel = r
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.paths[rel]
	return ok
}

// Len returns the number of indexed paths.
func (o *IndexOracle) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.paths)
}

func (o *IndexOracle) processEvents(ctx context.Context) {
	for {
		select {
		case <-o.stop:
			return
		case <-ctx.Done():
			o.Stop()
			return
		case event, ok := <-o.watcher.Events:
			if !ok {
				return
			}
			o.handle(ctx, event)
		case err, ok := <-o.watcher.Errors:
			if !ok {
				return
			}
			o.logger.Warn(ctx, "index watcher error", zap.Error(err))
		}
	}
}

func (o *IndexOracle) handle(ctx context.Context, event fsnotify.Event) {
	switch {
	case event.Has(fsnotify.Create):
		if err := o.addTree(event.Name); err != nil {
			o.logger.Debug(ctx, "indexing created path failed", zap.String("path", event.Name), zap.Error(err))
		}
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		o.removeTree(event.Name)
	}
}

// addTree indexes p and, for directories, everything beneath it.
func (o *IndexOracle) addTree(p string) error {
	return filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if skipDirs[d.Name()] && path != o.root {
				return filepath.SkipDir
			}
			if err := o.watcher.Add(path); err != nil {
				return fmt.Errorf("watching %s: %w", path, err)
			}
		}
		if rel, ok := o.rel(path); ok && rel != "" {
			o.mu.Lock()
			o.paths[rel] = struct{}{}
			o.mu.Unlock()
		}
		return nil
	})
}

func (o *IndexOracle) removeTree(p string) {
	rel, ok := o.rel(p)
	if !ok || rel == "" {
		return
	}
	prefix := rel + "/"
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.paths, rel)
	for k := range o.paths {
		if strings.HasPrefix(k, prefix) {
			delete(o.paths, k)
		}
	}
}

// rel converts an absolute filesystem path into an index key.
func (o *IndexOracle) rel(p string) (string, bool) {
	r, err := filepath.Rel(o.root, p)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", false
	}
	if r == "." {
		return "", true
	}
	return filepath.ToSlash(r), true
}
