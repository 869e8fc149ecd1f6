package contractreview

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/egorvert/Sae/analysis"
	"github.com/egorvert/Sae/llm"
	"github.com/egorvert/Sae/llm/testutil"
	"github.com/egorvert/Sae/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.DiscardHandler)

// fakeAnalyzer answers Run with fn.
type fakeAnalyzer struct {
	mu    sync.Mutex
	texts []string
	fn    func(ctx context.Context, text string) (*analysis.Result, error)
}

func (f *fakeAnalyzer) Run(ctx context.Context, id, text string, _ map[string]any) (*analysis.Result, error) {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(ctx, text)
	}
	r := &analysis.Result{ContractID: id, OverallRisk: analysis.RiskLow}
	r.Summary = analysis.Summarize(r)
	return r, nil
}

func (f *fakeAnalyzer) received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

type outcomeRecorder struct {
	mu       sync.Mutex
	outcomes []string
}

func (o *outcomeRecorder) AnalysisFinished(outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

func newTestRunner(t *testing.T, a Analyzer, opts ...Option) (*Runner, *task.Manager) {
	t.Helper()
	m := task.NewManager(task.WithLogger(discard))
	cfg := DefaultConfig()
	cfg.TaskTimeout = 5 * time.Second
	r, err := NewRunner(m, a, nil, cfg, append([]Option{WithLogger(discard)}, opts...)...)
	require.NoError(t, err)
	return r, m
}

func createTask(t *testing.T, m *task.Manager, parts ...task.Part) string {
	t.Helper()
	tk, err := m.CreateTask(context.Background(), task.NewUserMessage(parts...), "", nil)
	require.NoError(t, err)
	return tk.ID
}

func statusText(tk *task.Task) string {
	if tk.Status.Message == nil {
		return ""
	}
	return tk.Status.Message.Text()
}

func TestProcessCompletesTask(t *testing.T) {
	fa := &fakeAnalyzer{}
	rec := &outcomeRecorder{}
	r, m := newTestRunner(t, fa, WithRunObserver(rec))
	ctx := context.Background()

	id := createTask(t, m,
		task.TextPart("Review this NDA."),
		task.FilePart(task.FileContent{
			Name:     "nda.txt",
			MimeType: "text/plain",
			Bytes:    base64.StdEncoding.EncodeToString([]byte("1. Confidentiality. Keep it secret.")),
		}),
		task.FilePart(task.FileContent{Name: "logo.png", MimeType: "image/png", Bytes: "iVBORw=="}),
	)

	sub, err := m.Subscribe(ctx, id)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, r.Process(ctx, id))

	tk, err := m.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StateCompleted, tk.Status.State)
	require.Len(t, tk.Artifacts, 1)
	assert.Equal(t, analysis.ArtifactName, tk.Artifacts[0].Name)
	assert.Contains(t, statusText(tk), "Analyzed contract with 0 clauses.")

	assert.Equal(t, []string{"Review this NDA.\n\n1. Confidentiality. Keep it secret."}, fa.received())

	var states []task.State
	for snap, err := range sub.All(ctx) {
		require.NoError(t, err)
		states = append(states, snap.Status.State)
	}
	assert.Equal(t, []task.State{task.StateSubmitted, task.StateWorking, task.StateWorking, task.StateCompleted}, states)

	processed, failed := r.Stats()
	assert.Equal(t, int64(1), processed)
	assert.Equal(t, int64(0), failed)
	assert.Equal(t, []string{OutcomeCompleted}, rec.outcomes)
}

func TestProcessNoText(t *testing.T) {
	r, m := newTestRunner(t, &fakeAnalyzer{})
	ctx := context.Background()

	id := createTask(t, m, task.TextPart("   "))
	require.NoError(t, r.Process(ctx, id))

	tk, _ := m.GetTask(ctx, id)
	assert.Equal(t, task.StateFailed, tk.Status.State)
	assert.Equal(t, "Task failed: No contract text provided", statusText(tk))
}

func TestProcessParseFailure(t *testing.T) {
	fa := &fakeAnalyzer{}
	r, m := newTestRunner(t, fa)
	ctx := context.Background()

	id := createTask(t, m, task.FilePart(task.FileContent{
		Name:     "msa.docx",
		MimeType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		Bytes:    base64.StdEncoding.EncodeToString([]byte("not a zip")),
	}))
	require.NoError(t, r.Process(ctx, id))

	tk, _ := m.GetTask(ctx, id)
	assert.Equal(t, task.StateFailed, tk.Status.State)
	assert.Contains(t, statusText(tk), "Task failed: Failed to parse uploaded file: msa.docx")
	assert.Empty(t, fa.received())
}

func TestProcessAnalysisError(t *testing.T) {
	fa := &fakeAnalyzer{fn: func(context.Context, string) (*analysis.Result, error) {
		return nil, errors.New("extract_clauses: LLM completion: all models failed")
	}}
	r, m := newTestRunner(t, fa)
	ctx := context.Background()

	id := createTask(t, m, task.TextPart("contract"))
	require.NoError(t, r.Process(ctx, id))

	tk, _ := m.GetTask(ctx, id)
	assert.Equal(t, task.StateFailed, tk.Status.State)
	assert.Equal(t, "Task failed: extract_clauses: LLM completion: all models failed", statusText(tk))
	assert.Empty(t, tk.Artifacts)
}

func TestProcessFailureReasons(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "contract too long",
			err: fmt.Errorf("extract_clauses: LLM completion: %w",
				&llm.Error{Kind: llm.KindContextLength, Err: errors.New("maximum context length is 8192 tokens")}),
			want: "Task failed: contract is too long for the configured model: extract_clauses: LLM completion: maximum context length is 8192 tokens",
		},
		{
			name: "unusable output",
			err:  llm.NewMalformedOutputError(analysis.StageAssess, errors.New("no JSON array in response")),
			want: "Task failed: model did not return a usable analysis: assess_risks: unusable model output: no JSON array in response",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fa := &fakeAnalyzer{fn: func(context.Context, string) (*analysis.Result, error) {
				return nil, tt.err
			}}
			r, m := newTestRunner(t, fa)
			ctx := context.Background()

			id := createTask(t, m, task.TextPart("contract"))
			require.NoError(t, r.Process(ctx, id))

			tk, _ := m.GetTask(ctx, id)
			assert.Equal(t, task.StateFailed, tk.Status.State)
			assert.Equal(t, tt.want, statusText(tk))
		})
	}
}

func TestProcessPanicFailsTask(t *testing.T) {
	fa := &fakeAnalyzer{fn: func(context.Context, string) (*analysis.Result, error) {
		panic("boom")
	}}
	rec := &outcomeRecorder{}
	r, m := newTestRunner(t, fa, WithRunObserver(rec))
	ctx := context.Background()

	id := createTask(t, m, task.TextPart("contract"))
	require.NoError(t, r.Process(ctx, id))

	tk, _ := m.GetTask(ctx, id)
	assert.Equal(t, task.StateFailed, tk.Status.State)
	assert.Equal(t, "Task failed: internal error: boom", statusText(tk))
	assert.Equal(t, []string{OutcomeFailed}, rec.outcomes)
	assert.Equal(t, 0, r.Active())
}

func TestProcessSkipsTaskNotSubmitted(t *testing.T) {
	fa := &fakeAnalyzer{}
	rec := &outcomeRecorder{}
	r, m := newTestRunner(t, fa, WithRunObserver(rec))
	ctx := context.Background()

	id := createTask(t, m, task.TextPart("contract"))
	_, err := m.CancelTask(ctx, id)
	require.NoError(t, err)

	require.NoError(t, r.Process(ctx, id))
	assert.Empty(t, fa.received())
	assert.Equal(t, []string{OutcomeSkipped}, rec.outcomes)

	err = r.Process(ctx, "missing")
	assert.True(t, task.IsNotFound(err))
}

func TestProcessTimeout(t *testing.T) {
	fa := &fakeAnalyzer{fn: func(ctx context.Context, _ string) (*analysis.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	m := task.NewManager(task.WithLogger(discard))
	r, err := NewRunner(m, fa, nil, Config{MaxConcurrent: 1, TaskTimeout: 20 * time.Millisecond}, WithLogger(discard))
	require.NoError(t, err)

	id := createTask(t, m, task.TextPart("contract"))
	require.NoError(t, r.Process(context.Background(), id))

	tk, _ := m.GetTask(context.Background(), id)
	assert.Equal(t, task.StateFailed, tk.Status.State)
	assert.Contains(t, statusText(tk), "timed out")
}

func TestCancelInterruptsAnalysis(t *testing.T) {
	started := make(chan struct{})
	fa := &fakeAnalyzer{fn: func(ctx context.Context, _ string) (*analysis.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	rec := &outcomeRecorder{}
	r, m := newTestRunner(t, fa, WithRunObserver(rec))
	ctx := context.Background()

	id := createTask(t, m, task.TextPart("contract"))
	require.NoError(t, r.Submit(id))

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("analysis did not start")
	}

	_, err := m.CancelTask(ctx, id)
	require.NoError(t, err)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, r.Stop(stopCtx))

	tk, _ := m.GetTask(ctx, id)
	assert.Equal(t, task.StateCanceled, tk.Status.State)
	assert.Equal(t, task.CancelMessageText, statusText(tk))
	assert.Equal(t, []string{OutcomeCanceled}, rec.outcomes)
}

func TestSubmitRespectsConcurrency(t *testing.T) {
	var (
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	release := make(chan struct{})
	fa := &fakeAnalyzer{fn: func(ctx context.Context, _ string) (*analysis.Result, error) {
		mu.Lock()
		active++
		maxSeen = max(maxSeen, active)
		mu.Unlock()

		<-release

		mu.Lock()
		active--
		mu.Unlock()
		r := &analysis.Result{}
		r.Summary = analysis.Summarize(r)
		return r, nil
	}}

	m := task.NewManager(task.WithLogger(discard))
	r, err := NewRunner(m, fa, nil, Config{MaxConcurrent: 2, TaskTimeout: 5 * time.Second}, WithLogger(discard))
	require.NoError(t, err)

	const n = 6
	ids := make([]string, n)
	for i := range n {
		ids[i] = createTask(t, m, task.TextPart("contract"))
		require.NoError(t, r.Submit(ids[i]))
	}

	require.Eventually(t, func() bool { return r.Active() == 2 }, 2*time.Second, 5*time.Millisecond)
	close(release)

	require.NoError(t, r.Stop(context.Background()))
	assert.LessOrEqual(t, maxSeen, 2)

	for _, id := range ids {
		tk, err := m.GetTask(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, task.StateCompleted, tk.Status.State)
	}

	assert.ErrorIs(t, r.Submit(ids[0]), ErrStopped)
}

func TestDuplicateSubmitRunsOnce(t *testing.T) {
	release := make(chan struct{})
	fa := &fakeAnalyzer{fn: func(ctx context.Context, _ string) (*analysis.Result, error) {
		<-release
		r := &analysis.Result{}
		r.Summary = analysis.Summarize(r)
		return r, nil
	}}
	r, m := newTestRunner(t, fa)

	id := createTask(t, m, task.TextPart("contract"))
	require.NoError(t, r.Submit(id))
	require.Eventually(t, func() bool { return r.Active() == 1 }, 2*time.Second, 5*time.Millisecond)

	// A second send with the same id appends to history and resubmits.
	_, err := m.CreateTask(context.Background(), task.NewUserMessage(task.TextPart("more")), id, nil)
	require.NoError(t, err)
	require.NoError(t, r.Submit(id))

	close(release)
	require.NoError(t, r.Stop(context.Background()))

	assert.Len(t, fa.received(), 1)
	tk, _ := m.GetTask(context.Background(), id)
	assert.Equal(t, task.StateCompleted, tk.Status.State)
	assert.Len(t, tk.Artifacts, 1)
}

func TestEndToEndWithPipeline(t *testing.T) {
	mock := &testutil.MockLLMClient{Handler: func(req llm.Request) (*llm.Response, error) {
		switch req.Capability {
		case "extraction":
			return &llm.Response{Content: `[{"type": "liability", "title": "Liability", "text": "Unlimited.", "location": "9"}]`}, nil
		case "analysis":
			return &llm.Response{Content: `[{"clause_id": "x", "risk_level": "high", "explanation": "Uncapped."}]`}, nil
		default:
			return &llm.Response{Content: `[{"clause_id": "x", "priority": 1, "action": "Add a cap"}]`}, nil
		}
	}}
	p := analysis.NewPipeline(mock, analysis.WithLogger(discard))
	r, m := newTestRunner(t, p)

	id := createTask(t, m, task.TextPart("9. Liability. Unlimited."))
	require.NoError(t, r.Process(context.Background(), id))

	tk, _ := m.GetTask(context.Background(), id)
	require.Equal(t, task.StateCompleted, tk.Status.State)
	require.Len(t, tk.Artifacts, 1)
	assert.Contains(t, tk.Artifacts[0].Parts[0].Text, "## Overall Risk Level: HIGH")
	assert.Contains(t, statusText(tk), "1 high-priority issues should be addressed.")
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())

	cfg.MaxConcurrent = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.TaskTimeout = 0
	assert.Error(t, cfg.Validate())

	_, err := NewRunner(task.NewManager(), nil, nil, DefaultConfig())
	assert.Error(t, err)
}
