// Package contractreview drives submitted tasks through the analysis
// pipeline in the background: WORKING, then an analysis artifact, then
// COMPLETED, or FAILED with a reason.
package contractreview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/egorvert/Sae/analysis"
	"github.com/egorvert/Sae/document"
	"github.com/egorvert/Sae/llm"
	"github.com/egorvert/Sae/task"
	"golang.org/x/sync/semaphore"
)

// ErrStopped is returned by Submit after Stop has been called.
var ErrStopped = errors.New("contract-review runner stopped")

// Run outcomes reported to a RunObserver.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeCanceled  = "canceled"
	OutcomeSkipped   = "skipped"
)

// Analyzer runs the review pipeline over contract text.
type Analyzer interface {
	Run(ctx context.Context, contractID, text string, metadata map[string]any) (*analysis.Result, error)
}

// RunObserver is told how each run ended and how long it took.
type RunObserver interface {
	AnalysisFinished(outcome string, d time.Duration)
}

// Runner executes analyses with bounded concurrency. It observes the task
// manager so that canceling a task interrupts its analysis.
type Runner struct {
	tasks    *task.Manager
	analyzer Analyzer
	docs     *document.Registry
	config   Config
	logger   *slog.Logger
	observer RunObserver
	now      func() time.Time

	sem *semaphore.Weighted

	// ctx is canceled when Stop gives up waiting for in-flight runs.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]context.CancelFunc
	stopped bool

	processed atomic.Int64
	failed    atomic.Int64
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRunObserver reports each finished run to o.
func WithRunObserver(o RunObserver) Option {
	return func(r *Runner) {
		r.observer = o
	}
}

// NewRunner creates a runner and registers it as an observer of tasks.
func NewRunner(tasks *task.Manager, analyzer Analyzer, docs *document.Registry, config Config, opts ...Option) (*Runner, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if tasks == nil || analyzer == nil {
		return nil, fmt.Errorf("task manager and analyzer are required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		tasks:    tasks,
		analyzer: analyzer,
		docs:     docs,
		config:   config,
		logger:   slog.Default(),
		now:      time.Now,
		sem:      semaphore.NewWeighted(int64(config.MaxConcurrent)),
		ctx:      ctx,
		cancel:   cancel,
		running:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.docs == nil {
		r.docs = document.NewRegistry(r.logger)
	}

	tasks.AddObserver(r)
	return r, nil
}

// Submit schedules the task for analysis and returns immediately.
func (r *Runner) Submit(taskID string) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return ErrStopped
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()

		if err := r.sem.Acquire(r.ctx, 1); err != nil {
			r.logger.Warn("Runner stopped before task started", "task_id", taskID)
			return
		}
		defer r.sem.Release(1)

		if err := r.Process(r.ctx, taskID); err != nil {
			r.logger.Error("Task processing failed", "task_id", taskID, "error", err)
		}
	}()
	return nil
}

// Process runs one task to a terminal state. A task that is already being
// processed, or whose move to WORKING is rejected, is skipped quietly.
// Analysis failures are recorded on the task; the returned error only
// reports problems talking to the task manager.
func (r *Runner) Process(ctx context.Context, taskID string) (err error) {
	start := r.now()
	outcome := OutcomeSkipped
	defer func() {
		if r.observer != nil {
			r.observer.AnalysisFinished(outcome, r.now().Sub(start))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, r.config.TaskTimeout)
	defer cancel()

	if !r.track(taskID, cancel) {
		r.logger.Debug("Task already being processed", "task_id", taskID)
		return nil
	}
	defer r.untrack(taskID)

	if _, err := r.tasks.UpdateStatus(ctx, taskID, task.StateWorking, nil); err != nil {
		if task.IsInvalidTransition(err) {
			r.logger.Debug("Task not startable, skipping", "task_id", taskID, "error", err)
			return nil
		}
		return err
	}
	r.logger.Info("Task processing started", "task_id", taskID)

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Panic during task processing", "task_id", taskID, "panic", p)
			outcome = OutcomeFailed
			err = r.fail(taskID, fmt.Sprintf("internal error: %v", p))
		}
	}()

	outcome, err = r.analyze(ctx, taskID)
	return err
}

func (r *Runner) analyze(ctx context.Context, taskID string) (string, error) {
	t, err := r.tasks.GetTask(ctx, taskID)
	if err != nil {
		return OutcomeFailed, err
	}

	text, err := r.collectText(taskID, t.History)
	if err != nil {
		return OutcomeFailed, r.fail(taskID, "Failed to parse uploaded file: "+err.Error())
	}
	if text == "" {
		return OutcomeFailed, r.fail(taskID, "No contract text provided")
	}

	result, err := r.analyzer.Run(ctx, taskID, text, t.Metadata)
	if err != nil {
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return OutcomeFailed, r.fail(taskID, fmt.Sprintf("analysis timed out after %s", r.config.TaskTimeout))
		case r.ctx.Err() != nil:
			return OutcomeFailed, r.fail(taskID, "analysis interrupted by shutdown")
		case ctx.Err() != nil:
			r.logger.Info("Analysis interrupted by cancellation", "task_id", taskID)
			return OutcomeCanceled, nil
		}
		return OutcomeFailed, r.fail(taskID, failureReason(err))
	}

	artifact, err := analysis.Artifact(result)
	if err != nil {
		return OutcomeFailed, r.fail(taskID, err.Error())
	}

	finish := context.WithoutCancel(ctx)

	// The task may have been canceled while the last stage ran.
	if cur, err := r.tasks.GetTask(finish, taskID); err == nil && cur.Status.State.IsTerminal() {
		r.logger.Info("Task finished elsewhere during analysis", "task_id", taskID, "state", cur.Status.State)
		return OutcomeCanceled, nil
	}

	if _, err := r.tasks.AddArtifact(finish, taskID, artifact); err != nil {
		return OutcomeFailed, fmt.Errorf("add artifact: %w", err)
	}
	if _, err := r.tasks.CompleteTask(finish, taskID, task.NewAgentMessage(result.Summary)); err != nil {
		if task.IsInvalidTransition(err) {
			r.logger.Info("Task finished elsewhere before completion", "task_id", taskID, "error", err)
			return OutcomeCanceled, nil
		}
		return OutcomeFailed, fmt.Errorf("complete task: %w", err)
	}

	r.processed.Add(1)
	r.logger.Info("Task completed",
		"task_id", taskID,
		"clauses", len(result.Clauses),
		"risks", len(result.Risks),
		"recommendations", len(result.Recommendations),
		"overall_risk", result.OverallRisk)
	return OutcomeCompleted, nil
}

// collectText joins the text of every user message: text parts verbatim,
// file parts through the document registry. Unsupported files are skipped.
func (r *Runner) collectText(taskID string, history []task.Message) (string, error) {
	var parts []string
	for _, msg := range history {
		if msg.Role != task.RoleUser {
			continue
		}
		for _, p := range msg.Parts {
			switch p.Kind {
			case task.PartText:
				parts = append(parts, p.Text)
			case task.PartFile:
				if p.File == nil {
					continue
				}
				text, err := r.docs.ParseFile(*p.File)
				if document.IsUnsupported(err) {
					r.logger.Warn("Skipping unsupported file", "task_id", taskID, "filename", p.File.Name, "error", err)
					continue
				}
				if err != nil {
					return "", err
				}
				r.logger.Info("File parsed successfully", "task_id", taskID, "filename", p.File.Name)
				parts = append(parts, text)
			}
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n\n")), nil
}

// failureReason is the text recorded on a task whose analysis failed.
func failureReason(err error) string {
	switch {
	case llm.IsContextLength(err):
		return "contract is too long for the configured model: " + err.Error()
	case llm.IsMalformedOutput(err):
		return "model did not return a usable analysis: " + err.Error()
	default:
		return err.Error()
	}
}

// fail records reason on the task. A task that already reached a terminal
// state is left alone.
func (r *Runner) fail(taskID, reason string) error {
	_, err := r.tasks.FailTask(context.Background(), taskID, reason)
	if err != nil {
		if task.IsInvalidTransition(err) {
			r.logger.Debug("Task already terminal, not failing", "task_id", taskID, "reason", reason)
			return nil
		}
		return err
	}
	r.failed.Add(1)
	r.logger.Warn("Task failed", "task_id", taskID, "reason", reason)
	return nil
}

func (r *Runner) track(taskID string, cancel context.CancelFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.running[taskID]; busy {
		return false
	}
	r.running[taskID] = cancel
	return true
}

func (r *Runner) untrack(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, taskID)
}

// TaskCommitted interrupts the analysis of a task that was canceled.
// It runs under the task manager's lock and only touches the runner's own state.
func (r *Runner) TaskCommitted(ev task.Event) {
	if ev.Kind != task.EventStatus || ev.Snapshot.Status.State != task.StateCanceled {
		return
	}
	r.mu.Lock()
	cancel := r.running[ev.Snapshot.ID]
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Active returns the number of tasks currently being analyzed.
func (r *Runner) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

// Stats returns counts of completed and failed runs.
func (r *Runner) Stats() (processed, failed int64) {
	return r.processed.Load(), r.failed.Load()
}

// Stop stops accepting work and waits for in-flight runs. If ctx expires
// first, the remaining runs are interrupted and their tasks failed.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		r.logStopped()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		r.logStopped()
		return ctx.Err()
	}
}

func (r *Runner) logStopped() {
	processed, failed := r.Stats()
	r.logger.Info("contract-review runner stopped",
		"tasks_processed", processed,
		"tasks_failed", failed)
}
