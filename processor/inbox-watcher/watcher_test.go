package inboxwatcher

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/egorvert/Sae/document"
	"github.com/egorvert/Sae/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSubmitter struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (s *recordingSubmitter) Submit(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, id)
	return s.err
}

func (s *recordingSubmitter) submitted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ids...)
}

func startWatcher(t *testing.T, dir string) (*Watcher, *task.Manager, *recordingSubmitter) {
	t.Helper()
	mgr := task.NewManager()
	sub := &recordingSubmitter{}

	w, err := NewWatcher(Config{Dir: dir, Debounce: 20 * time.Millisecond}, mgr, sub, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	t.Cleanup(func() {
		cancel()
		_ = w.Stop()
	})
	return w, mgr, sub
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestWatcherCreatesTask(t *testing.T) {
	dir := t.TempDir()
	w, mgr, sub := startWatcher(t, dir)

	writeFile(t, filepath.Join(dir, "nda.txt"), "The Recipient shall keep all information confidential.")

	require.Eventually(t, func() bool { return len(sub.submitted()) == 1 }, 5*time.Second, 10*time.Millisecond)

	got, err := mgr.GetTask(context.Background(), sub.submitted()[0])
	require.NoError(t, err)
	assert.Equal(t, task.StateSubmitted, got.Status.State)
	assert.Equal(t, SourceInbox, got.Metadata["source"])
	assert.Equal(t, "nda.txt", got.Metadata["path"])

	require.Len(t, got.History, 1)
	require.Len(t, got.History[0].Parts, 1)
	file := got.History[0].Parts[0].File
	require.NotNil(t, file)
	assert.Equal(t, "nda.txt", file.Name)
	assert.Equal(t, document.MimeText, file.MimeType)

	raw, err := base64.StdEncoding.DecodeString(file.Bytes)
	require.NoError(t, err)
	assert.Equal(t, "The Recipient shall keep all information confidential.", string(raw))

	ingested, failed := w.Stats()
	assert.Equal(t, int64(1), ingested)
	assert.Zero(t, failed)
}

func TestWatcherSkipsUnchangedContent(t *testing.T) {
	dir := t.TempDir()
	_, mgr, sub := startWatcher(t, dir)

	path := filepath.Join(dir, "msa.md")
	writeFile(t, path, "# MSA")
	require.Eventually(t, func() bool { return len(sub.submitted()) == 1 }, 5*time.Second, 10*time.Millisecond)

	// Same bytes again: no new task.
	writeFile(t, path, "# MSA")
	time.Sleep(150 * time.Millisecond)
	assert.Len(t, sub.submitted(), 1)

	writeFile(t, path, "# MSA v2")
	require.Eventually(t, func() bool { return len(sub.submitted()) == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, mgr.TaskCount())
}

func TestWatcherIgnoresUnmatchedFiles(t *testing.T) {
	dir := t.TempDir()
	_, _, sub := startWatcher(t, dir)

	writeFile(t, filepath.Join(dir, "scan.png"), "png")
	writeFile(t, filepath.Join(dir, ".draft.txt"), "hidden")
	writeFile(t, filepath.Join(dir, "~$lock.docx"), "office lock")
	writeFile(t, filepath.Join(dir, "empty.txt"), "")

	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, sub.submitted())
}

func TestWatcherNewSubdirectory(t *testing.T) {
	dir := t.TempDir()
	_, mgr, sub := startWatcher(t, dir)

	sub1 := filepath.Join(dir, "acme")
	require.NoError(t, os.Mkdir(sub1, 0o755))
	writeFile(t, filepath.Join(sub1, "lease.html"), "<p>Lease</p>")

	require.Eventually(t, func() bool { return len(sub.submitted()) == 1 }, 5*time.Second, 10*time.Millisecond)

	got, err := mgr.GetTask(context.Background(), sub.submitted()[0])
	require.NoError(t, err)
	assert.Equal(t, "acme/lease.html", got.Metadata["path"])
	assert.Equal(t, document.MimeHTML, got.History[0].Parts[0].File.MimeType)
}

func TestWatcherSubmitFailureCounted(t *testing.T) {
	dir := t.TempDir()
	mgr := task.NewManager()
	sub := &recordingSubmitter{err: errors.New("runner stopped")}

	w, err := NewWatcher(Config{Dir: dir, Debounce: 20 * time.Millisecond}, mgr, sub, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	writeFile(t, filepath.Join(dir, "contract.txt"), "terms")

	require.Eventually(t, func() bool {
		_, failed := w.Stats()
		return failed == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, mgr.TaskCount())
}

func TestMatches(t *testing.T) {
	w, err := NewWatcher(Config{Dir: t.TempDir(), ExcludeDirs: []string{"processed"}}, task.NewManager(), &recordingSubmitter{}, nil)
	require.NoError(t, err)
	defer w.Stop()

	tests := []struct {
		rel  string
		want bool
	}{
		{"contract.pdf", true},
		{"Contract.PDF", true},
		{"clients/acme/msa.docx", true},
		{"notes.rtf", false},
		{"processed/contract.pdf", false},
		{".git/config.txt", false},
		{"~$contract.docx", false},
	}
	for _, tt := range tests {
		t.Run(tt.rel, func(t *testing.T) {
			assert.Equal(t, tt.want, w.Matches(tt.rel))
		})
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	assert.ErrorContains(t, cfg.Validate(), "dir is required")

	cfg.Dir = "/tmp/inbox"
	assert.NoError(t, cfg.Validate())

	cfg.Patterns = []string{"[unclosed"}
	assert.ErrorContains(t, cfg.Validate(), "invalid pattern")

	_, err := NewWatcher(Config{Dir: "x"}, nil, &recordingSubmitter{}, nil)
	assert.Error(t, err)
}
