package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"nexusproxy/internal/capture"
	"nexusproxy/internal/conversation"
	"nexusproxy/internal/store"
)

type fakeSaver struct {
	mu     sync.Mutex
	saved  []*store.Request
	chunks [][]store.Chunk
}

func (f *fakeSaver) SaveRequest(_ context.Context, req *store.Request, chunks []store.Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, req)
	f.chunks = append(f.chunks, chunks)
	return nil
}

type emptyQueries struct{}

func (emptyQueries) QueryByHash(context.Context, string, string, *string, bool, int) ([]store.ParentCandidate, error) {
	return nil, nil
}
func (emptyQueries) SiblingBranches(context.Context, string) ([]store.BranchChild, error) {
	return nil, nil
}
func (emptyQueries) ConversationBranches(context.Context, string) ([]string, error) {
	return nil, nil
}
func (emptyQueries) SubtaskCandidates(context.Context, string, time.Time, time.Time) ([]store.TaskCandidate, error) {
	return nil, nil
}
func (emptyQueries) CompactCandidates(context.Context, string, int) ([]store.CompactCandidate, error) {
	return nil, nil
}
func (emptyQueries) ConversationRoot(context.Context, string) (*store.RequestRef, error) {
	return nil, nil
}

func TestWriter_PersistsLinkedRecord(t *testing.T) {
	saver := &fakeSaver{}
	w := NewWriter(saver, conversation.NewLinker(emptyQueries{}), 10, 1)
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	body := []byte(`{"model":"claude-3-opus","max_tokens":100,"system":"sys","messages":[{"role":"user","content":"hello"}]}`)
	w.Enqueue(&Record{
		RequestID:   "11111111-1111-1111-1111-111111111111",
		Domain:      "example.com",
		Timestamp:   time.Now(),
		Method:      "POST",
		Path:        "/v1/messages",
		Body:        body,
		Streaming:   true,
		Chunks:      []store.Chunk{{Index: 0, Timestamp: time.Now(), Data: `{"type":"message_stop"}`}},
		Usage:       capture.Usage{InputTokens: 10, OutputTokens: 20},
		ToolCalls:   []capture.ToolCall{{ID: "t1", Name: "Task", Input: json.RawMessage(`{"prompt":"sub"}`)}},
		DurationMS:  1234,
		Model:       "claude-3-opus",
		RequestType: conversation.TypeInference,
	})

	if err := w.Stop(); err != nil {
		t.Fatal(err)
	}

	saver.mu.Lock()
	defer saver.mu.Unlock()
	if len(saver.saved) != 1 {
		t.Fatalf("expected 1 saved request, got %d", len(saver.saved))
	}
	req := saver.saved[0]

	if !req.ConversationID.Valid {
		t.Error("inference request should start a conversation")
	}
	if !req.CurrentMessageHash.Valid || len(req.CurrentMessageHash.String) != 64 {
		t.Errorf("current_message_hash = %+v, want 64 hex chars", req.CurrentMessageHash)
	}
	if !req.SystemHash.Valid {
		t.Error("system prompt present, system_hash should be set")
	}
	if req.BranchID != "main" {
		t.Errorf("branch = %q, want main", req.BranchID)
	}
	if req.TotalTokens != 30 {
		t.Errorf("total_tokens = %d, want 30", req.TotalTokens)
	}
	if req.ToolCallCount != 1 {
		t.Errorf("tool_call_count = %d, want 1", req.ToolCallCount)
	}
	if len(req.TaskToolInvocation) == 0 {
		t.Error("Task invocation should be recorded for sub-task detection")
	}
	if len(saver.chunks[0]) != 1 {
		t.Errorf("expected 1 chunk, got %d", len(saver.chunks[0]))
	}
}

type fakeAnalyses struct {
	mu      sync.Mutex
	created []string
}

func (f *fakeAnalyses) CreateAnalysis(_ context.Context, conversationID, branchID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, conversationID+"/"+branchID)
	return true, nil
}

func TestWriter_AutoAnalysisEnqueuedForInference(t *testing.T) {
	saver := &fakeSaver{}
	analyses := &fakeAnalyses{}
	w := NewWriter(saver, conversation.NewLinker(emptyQueries{}), 10, 1)
	w.EnableAutoAnalysis(analyses)
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	w.Enqueue(&Record{
		RequestID:   "33333333-3333-3333-3333-333333333333",
		Domain:      "example.com",
		Timestamp:   time.Now(),
		Body:        []byte(`{"model":"claude-3-opus","max_tokens":50,"messages":[{"role":"user","content":"hi"}]}`),
		RequestType: conversation.TypeInference,
	})
	w.Enqueue(&Record{
		RequestID:   "44444444-4444-4444-4444-444444444444",
		Domain:      "example.com",
		Timestamp:   time.Now(),
		Body:        []byte(`{"model":"claude-3-haiku","messages":[{"role":"user","content":"probe"}]}`),
		RequestType: conversation.TypeQueryEvaluation,
	})

	if err := w.Stop(); err != nil {
		t.Fatal(err)
	}

	analyses.mu.Lock()
	defer analyses.mu.Unlock()
	if len(analyses.created) != 1 {
		t.Fatalf("expected 1 auto analysis, got %d", len(analyses.created))
	}
	saver.mu.Lock()
	defer saver.mu.Unlock()
	var inference *store.Request
	for _, r := range saver.saved {
		if r.RequestID == "33333333-3333-3333-3333-333333333333" {
			inference = r
		}
	}
	if inference == nil {
		t.Fatal("inference request was not persisted")
	}
	want := inference.ConversationID.String + "/main"
	if analyses.created[0] != want {
		t.Errorf("analysis created for %q, want %q", analyses.created[0], want)
	}
}

func TestWriter_NonInferenceStoredUnlinked(t *testing.T) {
	saver := &fakeSaver{}
	w := NewWriter(saver, conversation.NewLinker(emptyQueries{}), 10, 1)
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	w.Enqueue(&Record{
		RequestID:   "22222222-2222-2222-2222-222222222222",
		Domain:      "example.com",
		Timestamp:   time.Now(),
		Body:        []byte(`{"model":"claude-3-haiku","messages":[{"role":"user","content":"probe"}]}`),
		RequestType: conversation.TypeQueryEvaluation,
	})

	if err := w.Stop(); err != nil {
		t.Fatal(err)
	}

	saver.mu.Lock()
	defer saver.mu.Unlock()
	if len(saver.saved) != 1 {
		t.Fatalf("expected 1 saved request, got %d", len(saver.saved))
	}
	req := saver.saved[0]
	if req.ConversationID.Valid {
		t.Error("non-inference request must not join a conversation")
	}
	if !req.CurrentMessageHash.Valid {
		t.Error("hashes are still computed for non-inference requests")
	}
}
