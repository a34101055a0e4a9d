package discovery

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/heymex/MeshyMcMapface/internal/logging"
)

// ParseNodeList reads one node id per line. Blank lines and text after
// '#' are ignored; duplicates are dropped keeping first-seen order.
func ParseNodeList(r io.Reader) ([]string, error) {
	var nodes []string
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		id := strings.TrimSpace(line)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		nodes = append(nodes, id)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read node list: %w", err)
	}
	return nodes, nil
}

// LoadNodeFile parses the node list at path.
func LoadNodeFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseNodeList(f)
}

// PriorityWatcher reloads a priority node file whenever it changes and
// hands the new list to apply. Rapid successive writes are debounced.
type PriorityWatcher struct {
	path     string
	apply    func([]string)
	debounce time.Duration
	logger   *slog.Logger

	fsWatcher *fsnotify.Watcher
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu    sync.Mutex
	timer *time.Timer
}

// NewPriorityWatcher creates a watcher for path. A zero debounce means 500ms.
func NewPriorityWatcher(path string, apply func([]string), debounce time.Duration, logger *slog.Logger) (*PriorityWatcher, error) {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &PriorityWatcher{
		path:      filepath.Clean(path),
		apply:     apply,
		debounce:  debounce,
		logger:    logging.OrDiscard(logger).With("component", "priority-watcher", "path", path),
		fsWatcher: fsWatcher,
	}, nil
}

// Start loads the file once and begins watching. The directory is watched
// rather than the file so editors that replace files are followed.
func (w *PriorityWatcher) Start(ctx context.Context) error {
	if err := w.reload(); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := w.fsWatcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.loop(ctx)
	w.logger.Info("priority node watcher started")
	return nil
}

// Stop ends watching.
func (w *PriorityWatcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.fsWatcher.Close()
	w.wg.Wait()

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
}

func (w *PriorityWatcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			w.schedule(ctx)
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

func (w *PriorityWatcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if ctx.Err() != nil {
			return
		}
		if err := w.reload(); err != nil {
			// A removed file keeps the last list
			w.logger.Warn("failed to reload priority nodes", "error", err)
		}
	})
}

func (w *PriorityWatcher) reload() error {
	nodes, err := LoadNodeFile(w.path)
	if err != nil {
		return err
	}
	w.apply(nodes)
	w.logger.Info("priority nodes loaded", "count", len(nodes))
	return nil
}
