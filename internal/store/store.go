package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Store wraps the Postgres connection and owns all SQL in the process.
type Store struct {
	db *sql.DB
}

func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

func (s *Store) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS api_requests (
			request_id UUID PRIMARY KEY,
			domain TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			method TEXT NOT NULL DEFAULT 'POST',
			path TEXT NOT NULL DEFAULT '',
			headers JSONB,
			body JSONB,
			response_body JSONB,
			response_streaming BOOLEAN NOT NULL DEFAULT FALSE,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			cache_creation_input_tokens INTEGER NOT NULL DEFAULT 0,
			cache_read_input_tokens INTEGER NOT NULL DEFAULT 0,
			usage_data JSONB,
			first_token_ms BIGINT,
			duration_ms BIGINT,
			error TEXT,
			tool_call_count INTEGER NOT NULL DEFAULT 0,
			current_message_hash CHAR(64),
			parent_message_hash CHAR(64),
			system_hash CHAR(64),
			conversation_id UUID,
			branch_id TEXT NOT NULL DEFAULT 'main',
			message_count INTEGER NOT NULL DEFAULT 0,
			parent_request_id UUID REFERENCES api_requests(request_id),
			parent_task_request_id UUID REFERENCES api_requests(request_id),
			is_subtask BOOLEAN NOT NULL DEFAULT FALSE,
			task_tool_invocation JSONB,
			account_id TEXT,
			model TEXT,
			request_type TEXT NOT NULL DEFAULT 'other',
			api_key_hash TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_api_requests_hash_lookup
			ON api_requests (domain, current_message_hash, timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_api_requests_conversation
			ON api_requests (conversation_id, branch_id, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_api_requests_parent
			ON api_requests (parent_request_id)`,
		`CREATE INDEX IF NOT EXISTS idx_api_requests_task_window
			ON api_requests (domain, timestamp DESC)
			WHERE task_tool_invocation IS NOT NULL`,

		`CREATE TABLE IF NOT EXISTS streaming_chunks (
			request_id UUID NOT NULL REFERENCES api_requests(request_id) ON DELETE CASCADE,
			chunk_index INTEGER NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			data TEXT NOT NULL,
			token_count INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (request_id, chunk_index)
		)`,

		`CREATE TABLE IF NOT EXISTS conversation_analyses (
			id BIGSERIAL PRIMARY KEY,
			conversation_id UUID NOT NULL,
			branch_id TEXT NOT NULL DEFAULT 'main',
			status TEXT NOT NULL DEFAULT 'pending'
				CHECK (status IN ('pending', 'processing', 'completed', 'failed')),
			analysis_content TEXT,
			analysis_data JSONB,
			raw_response JSONB,
			error_message TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			completed_at TIMESTAMPTZ
		)`,
		// At most one non-failed analysis per (conversation, branch).
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_analyses_active
			ON conversation_analyses (conversation_id, branch_id)
			WHERE status != 'failed'`,
		`CREATE INDEX IF NOT EXISTS idx_analyses_pending
			ON conversation_analyses (created_at)
			WHERE status = 'pending'`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return err
		}
	}
	return nil
}

// Ping verifies database connectivity for the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}
