// Package monitor collects system context: file changes, running
// processes and git state. Collectors degrade to an error map instead of
// failing the snapshot.
package monitor

import (
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	ignore "github.com/sabhiram/go-gitignore"

	"github.com/alantheprice/devosd/pkg/logging"
)

const (
	maxRecentChanges     = 100
	changeRetentionHours = 24
)

// Change is one observed file system event.
type Change struct {
	Timestamp time.Time `json:"timestamp"`
	Op        string    `json:"type"`
	Path      string    `json:"full_path"`
}

// FileMonitor watches directories recursively and keeps a bounded ring
// of recent changes.
type FileMonitor struct {
	mu sync.Mutex

	watchPaths []string
	watcher    *fsnotify.Watcher
	ignores    map[string]*ignore.GitIgnore
	changes    []Change
	logger     *logging.Logger
	done       chan struct{}
}

// NewFileMonitor creates a monitor for the given paths. Paths that do
// not exist are skipped at start.
func NewFileMonitor(watchPaths []string, logger *logging.Logger) *FileMonitor {
	return &FileMonitor{
		watchPaths: watchPaths,
		ignores:    make(map[string]*ignore.GitIgnore),
		logger:     logger,
	}
}

// Start begins watching. Each watch root's .gitignore, when present,
// filters the events recorded under it.
func (m *FileMonitor) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	m.watcher = watcher
	m.done = make(chan struct{})

	for _, root := range m.watchPaths {
		if _, err := os.Stat(root); err != nil {
			continue
		}
		if matcher, err := ignore.CompileIgnoreFile(filepath.Join(root, ".gitignore")); err == nil {
			m.ignores[root] = matcher
		}
		if err := m.addRecursive(root); err != nil {
			m.logger.Warn("Failed to watch %s: %v", root, err)
			continue
		}
		m.logger.Info("Started monitoring %s", root)
	}

	go m.loop()
	return nil
}

// Stop ends watching.
func (m *FileMonitor) Stop() {
	if m.watcher != nil {
		close(m.done)
		m.watcher.Close()
	}
}

func (m *FileMonitor) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable subtrees
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			if addErr := m.watcher.Add(path); addErr != nil {
				return nil
			}
		}
		return nil
	})
}

func (m *FileMonitor) loop() {
	for {
		select {
		case <-m.done:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.handleEvent(event)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("File watcher error: %v", err)
		}
	}
}

func (m *FileMonitor) handleEvent(event fsnotify.Event) {
	if m.ignored(event.Name) {
		return
	}

	// New directories join the watch set so the recursion stays live
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = m.addRecursive(event.Name)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.changes = append(m.changes, Change{
		Timestamp: time.Now().UTC(),
		Op:        event.Op.String(),
		Path:      event.Name,
	})
	m.trimLocked()
}

func (m *FileMonitor) ignored(path string) bool {
	for root, matcher := range m.ignores {
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == ".." || filepath.IsAbs(rel) {
			continue
		}
		if matcher.MatchesPath(rel) {
			return true
		}
	}
	return false
}

func (m *FileMonitor) trimLocked() {
	cutoff := time.Now().UTC().Add(-changeRetentionHours * time.Hour)
	kept := m.changes[:0]
	for _, change := range m.changes {
		if change.Timestamp.After(cutoff) {
			kept = append(kept, change)
		}
	}
	m.changes = kept

	if len(m.changes) > maxRecentChanges {
		m.changes = m.changes[len(m.changes)-maxRecentChanges:]
	}
}

// RecentChanges returns up to limit of the newest changes, oldest first.
func (m *FileMonitor) RecentChanges(limit int) []Change {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.trimLocked()
	changes := m.changes
	if len(changes) > limit {
		changes = changes[len(changes)-limit:]
	}
	return append([]Change(nil), changes...)
}

// Summary renders the change ring as a context map.
func (m *FileMonitor) Summary(limit int) map[string]any {
	recent := m.RecentChanges(limit)

	byType := make(map[string]int)
	paths := make([]string, 0, len(recent))
	for _, change := range recent {
		byType[change.Op]++
		paths = append(paths, filepath.Base(change.Path))
	}

	m.mu.Lock()
	total := len(m.changes)
	m.mu.Unlock()

	return map[string]any{
		"recent_changes": paths,
		"change_summary": byType,
		"total_changes":  total,
	}
}
