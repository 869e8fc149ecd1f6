// Package inboxwatcher turns contract files dropped into a directory into
// review tasks.
package inboxwatcher

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/egorvert/Sae/document"
	"github.com/egorvert/Sae/task"
	"github.com/fsnotify/fsnotify"
)

// SourceInbox is the metadata source recorded on tasks created here.
const SourceInbox = "inbox"

// maxFileSize bounds the files read from the inbox.
const maxFileSize = 10 << 20

// Config configures the drop folder.
type Config struct {
	// Dir is the directory to watch. It is created if missing.
	Dir string

	// Patterns are doublestar globs matched against the slash-separated
	// path relative to Dir.
	Patterns []string

	// Debounce is how long a file must stay quiet before it is ingested.
	Debounce time.Duration

	// ExcludeDirs lists directory names to skip.
	ExcludeDirs []string
}

// DefaultConfig returns the default drop-folder configuration.
func DefaultConfig() Config {
	return Config{
		Patterns:    []string{"**/*.{pdf,docx,txt,md,html}"},
		Debounce:    500 * time.Millisecond,
		ExcludeDirs: []string{".git", "processed"},
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("dir is required")
	}
	if c.Debounce <= 0 {
		return fmt.Errorf("debounce must be positive")
	}
	for _, p := range c.Patterns {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid pattern %q", p)
		}
	}
	return nil
}

// TaskCreator creates tasks. *task.Manager satisfies it.
type TaskCreator interface {
	CreateTask(ctx context.Context, msg task.Message, id string, metadata map[string]any) (*task.Task, error)
}

// Submitter schedules a created task for analysis.
type Submitter interface {
	Submit(taskID string) error
}

// Watcher watches the inbox directory and creates one task per new or
// changed file.
type Watcher struct {
	config    Config
	watcher   *fsnotify.Watcher
	tasks     TaskCreator
	submitter Submitter
	logger    *slog.Logger
	excludes  map[string]bool

	// Debouncing: collect changes until a file goes quiet
	pendingMu sync.Mutex
	pending   map[string]time.Time

	// Content hashes of ingested files, keyed by relative path
	hashMu sync.Mutex
	hashes map[string]string

	started atomic.Bool
	done    chan struct{}

	ingested atomic.Int64
	failed   atomic.Int64
}

// NewWatcher creates a drop-folder watcher.
func NewWatcher(config Config, tasks TaskCreator, submitter Submitter, logger *slog.Logger) (*Watcher, error) {
	if len(config.Patterns) == 0 {
		config.Patterns = DefaultConfig().Patterns
	}
	if config.Debounce == 0 {
		config.Debounce = DefaultConfig().Debounce
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid inbox config: %w", err)
	}
	if tasks == nil || submitter == nil {
		return nil, fmt.Errorf("task creator and submitter are required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	excludes := make(map[string]bool, len(config.ExcludeDirs))
	for _, dir := range config.ExcludeDirs {
		excludes[dir] = true
	}

	return &Watcher{
		config:    config,
		watcher:   fsw,
		tasks:     tasks,
		submitter: submitter,
		logger:    logger,
		excludes:  excludes,
		pending:   make(map[string]time.Time),
		hashes:    make(map[string]string),
		done:      make(chan struct{}),
	}, nil
}

// Start begins watching. Files already present are not ingested.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.config.Dir, 0o755); err != nil {
		return err
	}
	if err := w.addWatchesRecursive(w.config.Dir); err != nil {
		return err
	}

	w.started.Store(true)
	go w.processEvents(ctx)

	w.logger.Info("Inbox watcher started",
		"dir", w.config.Dir,
		"debounce", w.config.Debounce,
		"patterns", w.config.Patterns)
	return nil
}

// Stop closes the underlying watcher and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	err := w.watcher.Close()
	if w.started.Load() {
		<-w.done
	}
	return err
}

// Stats returns the number of files turned into tasks and the number that
// could not be.
func (w *Watcher) Stats() (ingested, failed int64) {
	return w.ingested.Load(), w.failed.Load()
}

// Matches reports whether a path relative to the inbox is picked up.
func (w *Watcher) Matches(rel string) bool {
	rel = filepath.ToSlash(rel)
	for _, segment := range strings.Split(rel, "/") {
		if strings.HasPrefix(segment, ".") || strings.HasPrefix(segment, "~$") || w.excludes[segment] {
			return false
		}
	}
	lower := strings.ToLower(rel)
	for _, pattern := range w.config.Patterns {
		if ok, _ := doublestar.Match(pattern, lower); ok {
			return true
		}
	}
	return false
}

func (w *Watcher) addWatchesRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.skipDir(filepath.Base(path)) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			w.logger.Warn("Failed to watch directory", "path", path, "error", err)
		} else {
			w.logger.Debug("Watching directory", "path", path)
		}
		return nil
	})
}

func (w *Watcher) skipDir(base string) bool {
	return w.excludes[base] || strings.HasPrefix(base, ".")
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.done)

	// Tick at half the debounce so a quiet file waits at most 1.5x debounce.
	ticker := time.NewTicker(max(w.config.Debounce/2, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFSEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Watcher error", "error", err)

		case now := <-ticker.C:
			w.flushPending(ctx, now)
		}
	}
}

func (w *Watcher) handleFSEvent(event fsnotify.Event) {
	path := event.Name

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			w.handleNewDirectory(path)
			return
		}
	}

	rel, err := filepath.Rel(w.config.Dir, path)
	if err != nil || !w.Matches(rel) {
		return
	}

	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		w.forget(rel)
		w.pendingMu.Lock()
		delete(w.pending, path)
		w.pendingMu.Unlock()
		return
	}

	w.pendingMu.Lock()
	w.pending[path] = time.Now()
	w.pendingMu.Unlock()

	w.logger.Debug("Inbox change detected", "path", rel, "op", event.Op.String())
}

// handleNewDirectory watches a new directory and queues the files it
// already holds, since their events predate the watch.
func (w *Watcher) handleNewDirectory(path string) {
	if w.skipDir(filepath.Base(path)) {
		return
	}
	if err := w.addWatchesRecursive(path); err != nil {
		w.logger.Warn("Failed to watch new directory", "path", path, "error", err)
		return
	}

	now := time.Now()
	_ = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if rel, err := filepath.Rel(w.config.Dir, p); err == nil && w.Matches(rel) {
			w.pendingMu.Lock()
			w.pending[p] = now
			w.pendingMu.Unlock()
		}
		return nil
	})
}

// flushPending ingests every pending file that has been quiet for the
// debounce interval.
func (w *Watcher) flushPending(ctx context.Context, now time.Time) {
	w.pendingMu.Lock()
	var ready []string
	for path, seen := range w.pending {
		if now.Sub(seen) >= w.config.Debounce {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	w.pendingMu.Unlock()

	for _, path := range ready {
		if ctx.Err() != nil {
			return
		}
		if err := w.ingest(ctx, path); err != nil {
			w.failed.Add(1)
			w.logger.Warn("Failed to ingest inbox file", "path", path, "error", err)
		}
	}
}

// ingest creates and submits a task for path unless its content matches
// what was last ingested from the same path.
func (w *Watcher) ingest(ctx context.Context, path string) error {
	rel, _ := filepath.Rel(w.config.Dir, path)

	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		w.forget(rel)
		return nil
	}
	if err != nil {
		return err
	}
	if info.Size() > maxFileSize {
		return fmt.Errorf("file is %d bytes, limit is %d", info.Size(), maxFileSize)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(content) == 0 {
		return nil
	}

	hash := contentHash(content)
	w.hashMu.Lock()
	if w.hashes[rel] == hash {
		w.hashMu.Unlock()
		return nil
	}
	w.hashes[rel] = hash
	w.hashMu.Unlock()

	name := filepath.Base(path)
	msg := task.NewUserMessage(task.FilePart(task.FileContent{
		Name:     name,
		MimeType: document.MimeTypeFromExtension(filepath.Ext(name)),
		Bytes:    base64.StdEncoding.EncodeToString(content),
	}))
	metadata := map[string]any{
		"source":       SourceInbox,
		"path":         filepath.ToSlash(rel),
		"content_hash": hash,
	}

	t, err := w.tasks.CreateTask(ctx, msg, "", metadata)
	if err != nil {
		w.forget(rel)
		return fmt.Errorf("create task: %w", err)
	}
	if err := w.submitter.Submit(t.ID); err != nil {
		return fmt.Errorf("submit task %s: %w", t.ID, err)
	}

	w.ingested.Add(1)
	w.logger.Info("Inbox file submitted", "path", rel, "task_id", t.ID, "size", len(content))
	return nil
}

func (w *Watcher) forget(rel string) {
	w.hashMu.Lock()
	delete(w.hashes, rel)
	w.hashMu.Unlock()
}

func contentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
