package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"nexusproxy/internal/config"
	"nexusproxy/internal/hasher"
	"nexusproxy/internal/store"
	"nexusproxy/internal/truncate"
)

const analysisPrompt = `You are analyzing a conversation between a user and an AI coding assistant.
Summarize what happened and respond with a JSON object of this shape:
{
  "summary": "one paragraph describing the conversation",
  "key_topics": ["topic", ...],
  "outcome": "what was accomplished or left unresolved",
  "sentiment": "positive | neutral | negative"
}

Conversation transcript:

`

// Jobs is the analysis lifecycle slice of the storage layer.
type Jobs interface {
	LeasePending(ctx context.Context, maxRetries int) (*store.Analysis, error)
	CompleteAnalysis(ctx context.Context, id int64, content string, data, rawResponse []byte, promptTokens, completionTokens int) error
	FailAnalysis(ctx context.Context, id int64, errorMessage string) error
	ReleaseAnalysis(ctx context.Context, id int64) error
	ConversationRequests(ctx context.Context, conversationID, branchID string) ([]store.TranscriptRow, error)
}

// LLM generates one completion for a prompt.
type LLM interface {
	Generate(ctx context.Context, prompt string) (*LLMResult, error)
}

// Worker polls for pending analyses, builds a bounded transcript, and asks
// the LLM for a structured summary. Concurrency is capped by a channel
// semaphore; each claimed job runs under its own timeout.
type Worker struct {
	jobs      Jobs
	llm       LLM
	truncator *truncate.Truncator
	cfg       config.WorkerConfig
	sem       chan struct{}
	wg        sync.WaitGroup
}

func New(jobs Jobs, llm LLM, truncator *truncate.Truncator, cfg config.WorkerConfig) *Worker {
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 5 * time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Worker{
		jobs:      jobs,
		llm:       llm,
		truncator: truncator,
		cfg:       cfg,
		sem:       make(chan struct{}, cfg.MaxConcurrentJobs),
	}
}

// Run polls until ctx is canceled, then waits for in-flight jobs to wind
// down. Canceled jobs are released back to pending without a retry bump.
func (w *Worker) Run(ctx context.Context) {
	log.Info().
		Dur("poll_interval", w.cfg.PollInterval).
		Int("max_concurrent_jobs", w.cfg.MaxConcurrentJobs).
		Str("model", w.cfg.GeminiModel).
		Msg("Analysis worker started")

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			log.Info().Msg("Analysis worker stopped")
			return
		case <-ticker.C:
			w.claimAvailable(ctx)
		}
	}
}

// claimAvailable leases jobs until the queue is empty or every slot is busy.
func (w *Worker) claimAvailable(ctx context.Context) {
	for {
		select {
		case w.sem <- struct{}{}:
		default:
			return
		}

		analysis, err := w.jobs.LeasePending(ctx, w.cfg.MaxRetries)
		if err != nil {
			<-w.sem
			if !errors.Is(err, store.ErrNoPendingJobs) && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("failed to lease analysis job")
			}
			return
		}

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer func() { <-w.sem }()
			w.process(ctx, analysis)
		}()
	}
}

func (w *Worker) process(ctx context.Context, analysis *store.Analysis) {
	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	defer cancel()

	logger := log.With().
		Int64("analysis_id", analysis.ID).
		Str("conversation_id", analysis.ConversationID).
		Str("branch_id", analysis.BranchID).
		Logger()

	result, err := w.analyze(jobCtx, analysis)

	// The outcome is recorded on a fresh context: jobCtx may already be
	// expired, and a row left in processing is never leased again.
	recordCtx, recordCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer recordCancel()

	if err != nil {
		// Shutdown cancellation is not a failed attempt.
		if ctx.Err() != nil {
			if relErr := w.jobs.ReleaseAnalysis(recordCtx, analysis.ID); relErr != nil {
				logger.Error().Err(relErr).Msg("failed to release analysis on shutdown")
			} else {
				logger.Info().Msg("analysis released on shutdown")
			}
			return
		}

		logger.Warn().Err(err).Int("retry_count", analysis.RetryCount).Msg("analysis attempt failed")
		if failErr := w.jobs.FailAnalysis(recordCtx, analysis.ID, err.Error()); failErr != nil {
			logger.Error().Err(failErr).Msg("failed to record analysis failure")
		}
		return
	}

	data := ExtractJSON(result.Text)
	err = w.jobs.CompleteAnalysis(recordCtx, analysis.ID, result.Text, data,
		result.RawResponse, result.PromptTokens, result.CompletionTokens)
	if err != nil {
		logger.Error().Err(err).Msg("failed to store analysis result")
		return
	}
	logger.Info().
		Int("prompt_tokens", result.PromptTokens).
		Int("completion_tokens", result.CompletionTokens).
		Msg("analysis completed")
}

func (w *Worker) analyze(ctx context.Context, analysis *store.Analysis) (*LLMResult, error) {
	rows, err := w.jobs.ConversationRequests(ctx, analysis.ConversationID, analysis.BranchID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("conversation %s/%s has no requests", analysis.ConversationID, analysis.BranchID)
	}

	turns := transcriptTurns(rows)
	if len(turns) == 0 {
		return nil, fmt.Errorf("conversation %s/%s has no usable turns", analysis.ConversationID, analysis.BranchID)
	}

	budget := w.cfg.Prompt.MaxTokens - w.truncator.CountTokens(analysisPrompt)
	turns = w.truncator.TruncateConversation(turns, budget)
	prompt := analysisPrompt + truncate.Format(turns)

	return w.llm.Generate(ctx, prompt)
}

// transcriptTurns rebuilds the conversation from the latest request's
// message list, which carries the whole history, plus the final assistant
// response.
func transcriptTurns(rows []store.TranscriptRow) []truncate.Turn {
	last := rows[len(rows)-1]

	var turns []truncate.Turn
	if msgs, err := hasher.ParseMessages(last.Body); err == nil {
		for _, m := range msgs {
			content := flattenContent(m.Content)
			if content == "" {
				continue
			}
			turns = append(turns, truncate.Turn{Role: m.Role, Content: content})
		}
	}

	if text := responseText(last.ResponseBody); text != "" {
		turns = append(turns, truncate.Turn{Role: "assistant", Content: text})
	}
	return turns
}

// flattenContent renders message content as plain text: strings verbatim,
// arrays as their text items with tool activity noted inline.
func flattenContent(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}

	var b strings.Builder
	gjson.ParseBytes(raw).ForEach(func(_, item gjson.Result) bool {
		switch item.Get("type").String() {
		case "text":
			text := strings.TrimSpace(item.Get("text").String())
			if text != "" && !strings.HasPrefix(text, "<system-reminder>") {
				if b.Len() > 0 {
					b.WriteString("\n")
				}
				b.WriteString(text)
			}
		case "tool_use":
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString("[tool_use: " + item.Get("name").String() + "]")
		case "tool_result":
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString("[tool_result]")
		}
		return true
	})
	return b.String()
}

func responseText(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	var b strings.Builder
	gjson.GetBytes(raw, "content").ForEach(func(_, item gjson.Result) bool {
		if item.Get("type").String() == "text" {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(item.Get("text").String())
		}
		return true
	})
	return strings.TrimSpace(b.String())
}
