package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nexusproxy/internal/config"
	"nexusproxy/internal/store"
	"nexusproxy/internal/truncate"
)

type fakeJobs struct {
	mu       sync.Mutex
	pending  []*store.Analysis
	rows     map[string][]store.TranscriptRow
	complete []int64
	failed   map[int64]string
	released []int64
}

func (f *fakeJobs) LeasePending(_ context.Context, _ int) (*store.Analysis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return nil, store.ErrNoPendingJobs
	}
	a := f.pending[0]
	f.pending = f.pending[1:]
	a.Status = store.AnalysisProcessing
	return a, nil
}

// The write methods honor their context the way ExecContext does: a dead
// context records nothing.
func (f *fakeJobs) CompleteAnalysis(ctx context.Context, id int64, _ string, _, _ []byte, _, _ int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.complete = append(f.complete, id)
	return nil
}

func (f *fakeJobs) FailAnalysis(ctx context.Context, id int64, msg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed == nil {
		f.failed = make(map[int64]string)
	}
	f.failed[id] = msg
	return nil
}

func (f *fakeJobs) ReleaseAnalysis(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, id)
	return nil
}

func (f *fakeJobs) ConversationRequests(_ context.Context, conversationID, branchID string) ([]store.TranscriptRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[conversationID+"/"+branchID], nil
}

type fakeLLM struct {
	mu       sync.Mutex
	err      error
	text     string
	inFlight int64
	maxSeen  int64
	delay    time.Duration
	block    <-chan struct{}
	prompts  []string
}

func (f *fakeLLM) Generate(ctx context.Context, prompt string) (*LLMResult, error) {
	cur := atomic.AddInt64(&f.inFlight, 1)
	defer atomic.AddInt64(&f.inFlight, -1)
	for {
		prev := atomic.LoadInt64(&f.maxSeen)
		if cur <= prev || atomic.CompareAndSwapInt64(&f.maxSeen, prev, cur) {
			break
		}
	}

	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &LLMResult{
		Text:             f.text,
		RawResponse:      []byte(`{"candidates":[]}`),
		PromptTokens:     100,
		CompletionTokens: 50,
	}, nil
}

func conversationRows(t *testing.T) []store.TranscriptRow {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"messages": []map[string]any{
			{"role": "user", "content": "refactor the retry helper"},
			{"role": "assistant", "content": "done, wrapped the errors"},
			{"role": "user", "content": "now add tests"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	resp := []byte(`{"role":"assistant","content":[{"type":"text","text":"tests added"}]}`)
	return []store.TranscriptRow{{RequestID: "r1", Body: body, ResponseBody: resp}}
}

func newTruncator(t *testing.T) *truncate.Truncator {
	t.Helper()
	tr, err := truncate.New(truncate.Config{})
	if err != nil {
		t.Fatalf("failed to build truncator: %v", err)
	}
	return tr
}

func workerConfig() config.WorkerConfig {
	return config.WorkerConfig{
		PollInterval:      10 * time.Millisecond,
		MaxConcurrentJobs: 2,
		JobTimeout:        time.Second,
		MaxRetries:        3,
		Prompt:            config.PromptConfig{MaxTokens: 8000},
	}
}

func TestWorker_CompletesJob(t *testing.T) {
	jobs := &fakeJobs{
		pending: []*store.Analysis{{ID: 1, ConversationID: "conv-1", BranchID: "main"}},
		rows:    map[string][]store.TranscriptRow{"conv-1/main": conversationRows(t)},
	}
	llm := &fakeLLM{text: "```json\n{\"summary\":\"refactoring session\"}\n```"}

	w := New(jobs, llm, newTruncator(t), workerConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { w.Run(ctx); close(done) }()

	waitFor(t, func() bool {
		jobs.mu.Lock()
		defer jobs.mu.Unlock()
		return len(jobs.complete) == 1
	})
	cancel()
	<-done

	if len(jobs.failed) != 0 {
		t.Errorf("no failures expected, got %v", jobs.failed)
	}

	llm.mu.Lock()
	prompt := llm.prompts[0]
	llm.mu.Unlock()
	for _, want := range []string{"refactor the retry helper", "tests added", "USER:", "ASSISTANT:"} {
		if !contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestWorker_FailureRecordsRetry(t *testing.T) {
	jobs := &fakeJobs{
		pending: []*store.Analysis{{ID: 7, ConversationID: "conv-1", BranchID: "main"}},
		rows:    map[string][]store.TranscriptRow{"conv-1/main": conversationRows(t)},
	}
	llm := &fakeLLM{err: errors.New("model overloaded")}

	w := New(jobs, llm, newTruncator(t), workerConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { w.Run(ctx); close(done) }()

	waitFor(t, func() bool {
		jobs.mu.Lock()
		defer jobs.mu.Unlock()
		return len(jobs.failed) == 1
	})
	cancel()
	<-done

	if msg := jobs.failed[7]; !contains(msg, "model overloaded") {
		t.Errorf("failure message = %q", msg)
	}
	if len(jobs.released) != 0 {
		t.Errorf("job should not be released on ordinary failure: %v", jobs.released)
	}
}

func TestWorker_TimeoutRecordsFailure(t *testing.T) {
	jobs := &fakeJobs{
		pending: []*store.Analysis{{ID: 9, ConversationID: "conv-1", BranchID: "main"}},
		rows:    map[string][]store.TranscriptRow{"conv-1/main": conversationRows(t)},
	}
	llm := &fakeLLM{text: "{}", delay: time.Second}

	cfg := workerConfig()
	cfg.JobTimeout = 30 * time.Millisecond

	w := New(jobs, llm, newTruncator(t), cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { w.Run(ctx); close(done) }()

	// The job context is already expired when the failure is written; the
	// retry must still land so the row goes back to pending.
	waitFor(t, func() bool {
		jobs.mu.Lock()
		defer jobs.mu.Unlock()
		return len(jobs.failed) == 1
	})
	cancel()
	<-done

	jobs.mu.Lock()
	defer jobs.mu.Unlock()
	if msg := jobs.failed[9]; !contains(msg, "context deadline exceeded") {
		t.Errorf("failure message = %q, want the deadline error", msg)
	}
	if len(jobs.released) != 0 {
		t.Errorf("timeout is a failed attempt, not a release: %v", jobs.released)
	}
	if len(jobs.complete) != 0 {
		t.Errorf("timed-out job must not complete: %v", jobs.complete)
	}
}

func TestWorker_ShutdownReleasesInFlight(t *testing.T) {
	block := make(chan struct{})
	jobs := &fakeJobs{
		pending: []*store.Analysis{{ID: 3, ConversationID: "conv-1", BranchID: "main"}},
		rows:    map[string][]store.TranscriptRow{"conv-1/main": conversationRows(t)},
	}
	llm := &fakeLLM{block: block, text: "{}"}

	w := New(jobs, llm, newTruncator(t), workerConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { w.Run(ctx); close(done) }()

	waitFor(t, func() bool {
		llm.mu.Lock()
		defer llm.mu.Unlock()
		return len(llm.prompts) == 1
	})

	// Cancel while the LLM call is parked on the block channel.
	cancel()
	<-done
	close(block)

	jobs.mu.Lock()
	defer jobs.mu.Unlock()
	if len(jobs.released) != 1 || jobs.released[0] != 3 {
		t.Errorf("in-flight job should be released on shutdown, got %v", jobs.released)
	}
	if len(jobs.failed) != 0 {
		t.Errorf("shutdown must not consume a retry: %v", jobs.failed)
	}
}

func TestWorker_ConcurrencyBounded(t *testing.T) {
	var pending []*store.Analysis
	rows := make(map[string][]store.TranscriptRow)
	for i := int64(1); i <= 6; i++ {
		pending = append(pending, &store.Analysis{ID: i, ConversationID: "conv-1", BranchID: "main"})
	}
	rows["conv-1/main"] = conversationRows(t)

	jobs := &fakeJobs{pending: pending, rows: rows}
	llm := &fakeLLM{text: "{}", delay: 30 * time.Millisecond}

	w := New(jobs, llm, newTruncator(t), workerConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { w.Run(ctx); close(done) }()

	waitFor(t, func() bool {
		jobs.mu.Lock()
		defer jobs.mu.Unlock()
		return len(jobs.complete) == 6
	})
	cancel()
	<-done

	if max := atomic.LoadInt64(&llm.maxSeen); max > 2 {
		t.Errorf("observed %d concurrent jobs, cap is 2", max)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func contains(s, sub string) bool {
	return strings.Contains(s, sub)
}
