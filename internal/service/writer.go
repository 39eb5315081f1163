package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"nexusproxy/internal/capture"
	"nexusproxy/internal/conversation"
	"nexusproxy/internal/store"
)

const (
	DefaultQueueSize = 1000
	DefaultWorkers   = 4
)

// Record is everything the proxy hands off about one finished exchange. The
// proxy never blocks on storage: records are queued and written by background
// workers.
type Record struct {
	RequestID    string
	Domain       string
	Timestamp    time.Time
	Method       string
	Path         string
	Headers      []byte
	Body         []byte
	ResponseBody []byte
	Streaming    bool
	Chunks       []store.Chunk
	Usage        capture.Usage
	ToolCalls    []capture.ToolCall
	FirstTokenMS int64
	DurationMS   int64
	StatusCode   int
	Error        string
	Model        string
	RequestType  string
	APIKeyHash   string
	AccountID    string
}

// Saver is the slice of the storage layer the writer needs.
type Saver interface {
	SaveRequest(ctx context.Context, req *store.Request, chunks []store.Chunk) error
}

// Analyses enqueues analysis jobs for freshly linked conversations.
type Analyses interface {
	CreateAnalysis(ctx context.Context, conversationID, branchID string) (bool, error)
}

// Writer drains the record queue: hash, link, persist. Failures are logged
// and dropped so storage trouble never surfaces to proxy clients.
type Writer struct {
	saver     Saver
	linker    *conversation.Linker
	analyses  Analyses
	queue     chan *Record
	queueSize int
	workers   int
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	mu        sync.Mutex
	running   bool
}

func NewWriter(saver Saver, linker *conversation.Linker, queueSize, workers int) *Writer {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Writer{
		saver:     saver,
		linker:    linker,
		queue:     make(chan *Record, queueSize),
		queueSize: queueSize,
		workers:   workers,
	}
}

// EnableAutoAnalysis makes the writer enqueue an analysis job after every
// successfully persisted inference exchange. Call before Start.
func (w *Writer) EnableAutoAnalysis(a Analyses) {
	w.analyses = a
}

// Start launches the worker goroutines.
func (w *Writer) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	w.ctx, w.cancel = context.WithCancel(ctx)
	w.running = true

	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go w.processQueue(i)
	}

	log.Info().
		Int("queue_size", w.queueSize).
		Int("workers", w.workers).
		Msg("Storage writer started")
	return nil
}

// Stop drains the queue and waits for in-flight writes to finish.
func (w *Writer) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	log.Info().Msg("Stopping storage writer...")
	close(w.queue)
	w.wg.Wait()
	w.cancel()
	log.Info().Msg("Storage writer stopped")
	return nil
}

// Enqueue hands a record to the writer without blocking. A full queue drops
// the record with a warning.
func (w *Writer) Enqueue(rec *Record) {
	w.mu.Lock()
	running := w.running
	w.mu.Unlock()

	if !running {
		log.Warn().Str("request_id", rec.RequestID).Msg("Storage writer not running, dropping record")
		return
	}

	select {
	case w.queue <- rec:
	default:
		log.Warn().
			Int("queue_size", len(w.queue)).
			Str("request_id", rec.RequestID).
			Msg("Storage queue full, dropping record")
	}
}

func (w *Writer) processQueue(workerID int) {
	defer w.wg.Done()

	log.Debug().Int("worker_id", workerID).Msg("Storage writer worker started")
	for rec := range w.queue {
		w.write(rec)
	}
	log.Debug().Int("worker_id", workerID).Msg("Storage writer worker stopped")
}

func (w *Writer) write(rec *Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	link := w.linker.Link(ctx, conversation.Input{
		Domain:      rec.Domain,
		RequestID:   rec.RequestID,
		Body:        rec.Body,
		RequestType: rec.RequestType,
		Now:         rec.Timestamp,
	})

	req := w.buildRow(rec, link)
	if err := w.saver.SaveRequest(ctx, req, rec.Chunks); err != nil {
		log.Error().Err(err).
			Str("request_id", rec.RequestID).
			Str("domain", rec.Domain).
			Msg("Failed to persist request")
		return
	}

	log.Debug().
		Str("request_id", rec.RequestID).
		Str("conversation_id", link.ConversationID).
		Str("branch_id", link.BranchID).
		Dur("duration", time.Since(start)).
		Msg("Request persisted")

	if w.analyses != nil && rec.RequestType == conversation.TypeInference &&
		rec.Error == "" && link.ConversationID != "" {
		created, err := w.analyses.CreateAnalysis(ctx, link.ConversationID, link.BranchID)
		if err != nil {
			log.Warn().Err(err).
				Str("conversation_id", link.ConversationID).
				Msg("Failed to enqueue auto analysis")
		} else if created {
			log.Debug().
				Str("conversation_id", link.ConversationID).
				Str("branch_id", link.BranchID).
				Msg("Auto analysis enqueued")
		}
	}
}

func (w *Writer) buildRow(rec *Record, link conversation.Linkage) *store.Request {
	req := &store.Request{
		RequestID:           rec.RequestID,
		Domain:              rec.Domain,
		Timestamp:           rec.Timestamp,
		Method:              rec.Method,
		Path:                rec.Path,
		Headers:             rec.Headers,
		Body:                rec.Body,
		ResponseBody:        rec.ResponseBody,
		ResponseStreaming:   rec.Streaming,
		InputTokens:         rec.Usage.InputTokens,
		OutputTokens:        rec.Usage.OutputTokens,
		TotalTokens:         rec.Usage.InputTokens + rec.Usage.OutputTokens,
		CacheCreationTokens: rec.Usage.CacheCreationInputTokens,
		CacheReadTokens:     rec.Usage.CacheReadInputTokens,
		ToolCallCount:       len(rec.ToolCalls),
		CurrentMessageHash:  conversation.NullableString(link.CurrentMessageHash),
		ParentMessageHash:   conversation.NullableString(link.ParentMessageHash),
		ConversationID:      conversation.NullableString(link.ConversationID),
		BranchID:            link.BranchID,
		MessageCount:        link.MessageCount,
		ParentRequestID:     conversation.NullableString(link.ParentRequestID),
		ParentTaskRequestID: conversation.NullableString(link.ParentTaskRequestID),
		IsSubtask:           link.IsSubtask,
		AccountID:           conversation.NullableString(rec.AccountID),
		Model:               rec.Model,
		RequestType:         rec.RequestType,
		APIKeyHash:          conversation.NullableString(rec.APIKeyHash),
	}

	if link.SystemHash != nil {
		req.SystemHash = sql.NullString{String: *link.SystemHash, Valid: true}
	}
	if rec.FirstTokenMS > 0 {
		req.FirstTokenMS = sql.NullInt64{Int64: rec.FirstTokenMS, Valid: true}
	}
	if rec.DurationMS > 0 {
		req.DurationMS = sql.NullInt64{Int64: rec.DurationMS, Valid: true}
	}
	if rec.Error != "" {
		req.Error = sql.NullString{String: rec.Error, Valid: true}
	}

	if usage, err := json.Marshal(rec.Usage); err == nil {
		req.UsageData = usage
	}
	if tasks := capture.TaskInvocations(rec.ToolCalls); len(tasks) > 0 {
		if data, err := json.Marshal(tasks); err == nil {
			req.TaskToolInvocation = data
		}
	}

	return req
}
