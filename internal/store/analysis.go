package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Analysis states.
const (
	AnalysisPending    = "pending"
	AnalysisProcessing = "processing"
	AnalysisCompleted  = "completed"
	AnalysisFailed     = "failed"
)

// ErrNoPendingJobs means the lease query found nothing claimable.
var ErrNoPendingJobs = errors.New("no pending analyses")

// Analysis is one conversation_analyses row.
type Analysis struct {
	ID               int64
	ConversationID   string
	BranchID         string
	Status           string
	AnalysisContent  sql.NullString
	AnalysisData     []byte
	RawResponse      []byte
	ErrorMessage     sql.NullString
	RetryCount       int
	PromptTokens     int
	CompletionTokens int
	CreatedAt        time.Time
	UpdatedAt        time.Time
	CompletedAt      sql.NullTime
}

// CreateAnalysis enqueues a pending analysis for a conversation branch. The
// partial unique index makes this a no-op while a non-failed row exists;
// failed rows are superseded by the new pending one. Returns true when a row
// was created.
func (s *Store) CreateAnalysis(ctx context.Context, conversationID, branchID string) (bool, error) {
	if branchID == "" {
		branchID = "main"
	}
	result, err := s.db.ExecContext(ctx, `INSERT INTO conversation_analyses (conversation_id, branch_id, status)
		VALUES ($1, $2, 'pending')
		ON CONFLICT (conversation_id, branch_id) WHERE status != 'failed' DO NOTHING`,
		conversationID, branchID)
	if err != nil {
		return false, fmt.Errorf("failed to create analysis: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// LeasePending claims one pending analysis with FOR UPDATE SKIP LOCKED and
// flips it to processing inside a single transaction, so concurrent workers
// never process the same row. Rows that already exhausted their retries are
// marked failed and skipped. Returns ErrNoPendingJobs when nothing is
// claimable.
func (s *Store) LeasePending(ctx context.Context, maxRetries int) (*Analysis, error) {
	for {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to begin lease transaction: %w", err)
		}

		var a Analysis
		row := tx.QueryRowContext(ctx, `SELECT id, conversation_id, branch_id, status,
				retry_count, error_message, created_at
			FROM conversation_analyses
			WHERE status = 'pending'
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED`)
		err = row.Scan(&a.ID, &a.ConversationID, &a.BranchID, &a.Status,
			&a.RetryCount, &a.ErrorMessage, &a.CreatedAt)
		if err != nil {
			tx.Rollback()
			if err == sql.ErrNoRows {
				return nil, ErrNoPendingJobs
			}
			return nil, fmt.Errorf("failed to select pending analysis: %w", err)
		}

		if a.RetryCount >= maxRetries {
			_, err = tx.ExecContext(ctx, `UPDATE conversation_analyses
				SET status = 'failed',
					error_message = COALESCE(error_message, '') || '; retry limit reached',
					updated_at = now()
				WHERE id = $1`, a.ID)
			if err != nil {
				tx.Rollback()
				return nil, fmt.Errorf("failed to mark analysis exhausted: %w", err)
			}
			if err := tx.Commit(); err != nil {
				return nil, err
			}
			continue
		}

		_, err = tx.ExecContext(ctx, `UPDATE conversation_analyses
			SET status = 'processing', updated_at = now()
			WHERE id = $1`, a.ID)
		if err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("failed to claim analysis: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}

		a.Status = AnalysisProcessing
		return &a, nil
	}
}

// CompleteAnalysis stores a successful result.
func (s *Store) CompleteAnalysis(ctx context.Context, id int64, content string, data, rawResponse []byte, promptTokens, completionTokens int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE conversation_analyses
		SET status = 'completed',
			analysis_content = $2,
			analysis_data = $3,
			raw_response = $4,
			prompt_tokens = $5,
			completion_tokens = $6,
			error_message = NULL,
			updated_at = now(),
			completed_at = now()
		WHERE id = $1`,
		id, content, nullJSON(data), nullJSON(rawResponse), promptTokens, completionTokens)
	if err != nil {
		return fmt.Errorf("failed to complete analysis: %w", err)
	}
	return nil
}

// FailAnalysis records a failed attempt: bump retry_count, keep the error,
// and revert to pending. The lease loop turns an exhausted row into failed
// on the next poll.
func (s *Store) FailAnalysis(ctx context.Context, id int64, errorMessage string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE conversation_analyses
		SET status = 'pending',
			retry_count = retry_count + 1,
			error_message = $2,
			updated_at = now()
		WHERE id = $1`, id, errorMessage)
	if err != nil {
		return fmt.Errorf("failed to record analysis failure: %w", err)
	}
	return nil
}

// SupersedeAnalysis retires any completed or pending analysis for a branch
// so a regenerate request can insert a fresh pending row. Processing rows
// are left alone; the in-flight job will finish or fail on its own.
func (s *Store) SupersedeAnalysis(ctx context.Context, conversationID, branchID string) error {
	if branchID == "" {
		branchID = "main"
	}
	_, err := s.db.ExecContext(ctx, `UPDATE conversation_analyses
		SET status = 'failed',
			error_message = 'superseded by regenerate',
			updated_at = now()
		WHERE conversation_id = $1 AND branch_id = $2
			AND status IN ('pending', 'completed')`,
		conversationID, branchID)
	if err != nil {
		return fmt.Errorf("failed to supersede analysis: %w", err)
	}
	return nil
}

// ReleaseAnalysis reverts a processing row to pending without consuming a
// retry, used when shutdown cancels an in-flight job.
func (s *Store) ReleaseAnalysis(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE conversation_analyses
		SET status = 'pending', updated_at = now()
		WHERE id = $1 AND status = 'processing'`, id)
	if err != nil {
		return fmt.Errorf("failed to release analysis: %w", err)
	}
	return nil
}

// GetAnalysis returns the latest analysis for a conversation branch.
func (s *Store) GetAnalysis(ctx context.Context, conversationID, branchID string) (*Analysis, error) {
	if branchID == "" {
		branchID = "main"
	}
	row := s.db.QueryRowContext(ctx, `SELECT id, conversation_id, branch_id, status,
			analysis_content, analysis_data, raw_response, error_message,
			retry_count, prompt_tokens, completion_tokens,
			created_at, updated_at, completed_at
		FROM conversation_analyses
		WHERE conversation_id = $1 AND branch_id = $2
		ORDER BY created_at DESC
		LIMIT 1`, conversationID, branchID)

	var a Analysis
	err := row.Scan(&a.ID, &a.ConversationID, &a.BranchID, &a.Status,
		&a.AnalysisContent, &a.AnalysisData, &a.RawResponse, &a.ErrorMessage,
		&a.RetryCount, &a.PromptTokens, &a.CompletionTokens,
		&a.CreatedAt, &a.UpdatedAt, &a.CompletedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}
