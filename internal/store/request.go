package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Request is one api_requests row.
type Request struct {
	RequestID           string
	Domain              string
	Timestamp           time.Time
	Method              string
	Path                string
	Headers             []byte
	Body                []byte
	ResponseBody        []byte
	ResponseStreaming   bool
	InputTokens         int
	OutputTokens        int
	TotalTokens         int
	CacheCreationTokens int
	CacheReadTokens     int
	UsageData           []byte
	FirstTokenMS        sql.NullInt64
	DurationMS          sql.NullInt64
	Error               sql.NullString
	ToolCallCount       int
	CurrentMessageHash  sql.NullString
	ParentMessageHash   sql.NullString
	SystemHash          sql.NullString
	ConversationID      sql.NullString
	BranchID            string
	MessageCount        int
	ParentRequestID     sql.NullString
	ParentTaskRequestID sql.NullString
	IsSubtask           bool
	TaskToolInvocation  []byte
	AccountID           sql.NullString
	Model               string
	RequestType         string
	APIKeyHash          sql.NullString
	CreatedAt           time.Time
}

// Chunk is one streaming_chunks row.
type Chunk struct {
	Index      int
	Timestamp  time.Time
	Data       string
	TokenCount int
}

// ParentCandidate is a prior request matched by hash during linking.
type ParentCandidate struct {
	RequestID      string
	ConversationID string
	BranchID       string
	Timestamp      time.Time
}

// BranchChild is an existing child of a parent request.
type BranchChild struct {
	RequestID string
	BranchID  string
	Timestamp time.Time
}

// TaskCandidate is a prior request carrying Task tool invocations inside the
// sub-task spawn window.
type TaskCandidate struct {
	RequestID          string
	TaskToolInvocation []byte
	Timestamp          time.Time
}

// CompactCandidate is a prior request whose final assistant text may match a
// compact-continuation summary.
type CompactCandidate struct {
	RequestID      string
	ConversationID string
	BranchID       string
	ResponseBody   []byte
	Timestamp      time.Time
}

// RequestRef is the linkage-relevant slice of a request row.
type RequestRef struct {
	RequestID           string
	ConversationID      sql.NullString
	BranchID            string
	IsSubtask           bool
	ParentTaskRequestID sql.NullString
	Timestamp           time.Time
}

// SaveRequest inserts a request row and its streaming chunks in one
// transaction. The insert is idempotent on request_id: replays (multi-instance
// deployments doing duplicate work) are skipped wholesale.
func (s *Store) SaveRequest(ctx context.Context, req *Request, chunks []Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `INSERT INTO api_requests (
			request_id, domain, timestamp, method, path, headers, body,
			response_body, response_streaming,
			input_tokens, output_tokens, total_tokens,
			cache_creation_input_tokens, cache_read_input_tokens, usage_data,
			first_token_ms, duration_ms, error, tool_call_count,
			current_message_hash, parent_message_hash, system_hash,
			conversation_id, branch_id, message_count,
			parent_request_id, parent_task_request_id, is_subtask,
			task_tool_invocation, account_id, model, request_type, api_key_hash
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27,
			$28, $29, $30, $31, $32, $33)
		ON CONFLICT (request_id) DO NOTHING`,
		req.RequestID, req.Domain, req.Timestamp, req.Method, req.Path,
		nullJSON(req.Headers), nullJSON(req.Body), nullJSON(req.ResponseBody),
		req.ResponseStreaming,
		req.InputTokens, req.OutputTokens, req.TotalTokens,
		req.CacheCreationTokens, req.CacheReadTokens, nullJSON(req.UsageData),
		req.FirstTokenMS, req.DurationMS, req.Error, req.ToolCallCount,
		req.CurrentMessageHash, req.ParentMessageHash, req.SystemHash,
		req.ConversationID, req.BranchID, req.MessageCount,
		req.ParentRequestID, req.ParentTaskRequestID, req.IsSubtask,
		nullJSON(req.TaskToolInvocation), req.AccountID, req.Model,
		req.RequestType, req.APIKeyHash,
	)
	if err != nil {
		return fmt.Errorf("failed to insert request: %w", err)
	}

	if n, err := result.RowsAffected(); err == nil && n == 0 {
		// Duplicate request_id; the original write owns the chunks too.
		return tx.Commit()
	}

	for _, chunk := range chunks {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO streaming_chunks (request_id, chunk_index, timestamp, data, token_count)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (request_id, chunk_index) DO NOTHING`,
			req.RequestID, chunk.Index, chunk.Timestamp, chunk.Data, chunk.TokenCount,
		); err != nil {
			return fmt.Errorf("failed to insert chunk %d: %w", chunk.Index, err)
		}
	}

	return tx.Commit()
}

// QueryByHash returns prior requests whose current_message_hash equals hash,
// most recent first. With matchSystem set, system_hash must equal systemHash
// (including both being NULL); otherwise system_hash is ignored. Ties on
// timestamp break toward the lexicographically larger request_id so linking
// is deterministic.
func (s *Store) QueryByHash(ctx context.Context, domain, hash string, systemHash *string, matchSystem bool, limit int) ([]ParentCandidate, error) {
	if limit <= 0 {
		limit = 10
	}

	query := `SELECT request_id, conversation_id, branch_id, timestamp
		FROM api_requests
		WHERE domain = $1 AND current_message_hash = $2 AND conversation_id IS NOT NULL`
	args := []any{domain, hash}

	if matchSystem {
		if systemHash == nil {
			query += ` AND system_hash IS NULL`
		} else {
			query += ` AND system_hash = $3`
			args = append(args, *systemHash)
		}
	}

	query += fmt.Sprintf(` ORDER BY timestamp DESC, request_id DESC LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query by hash: %w", err)
	}
	defer rows.Close()

	var candidates []ParentCandidate
	for rows.Next() {
		var c ParentCandidate
		if err := rows.Scan(&c.RequestID, &c.ConversationID, &c.BranchID, &c.Timestamp); err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

// RequestByID fetches the linkage slice of one request.
func (s *Store) RequestByID(ctx context.Context, requestID string) (*RequestRef, error) {
	row := s.db.QueryRowContext(ctx, `SELECT request_id, conversation_id, branch_id,
			is_subtask, parent_task_request_id, timestamp
		FROM api_requests WHERE request_id = $1`, requestID)

	var ref RequestRef
	err := row.Scan(&ref.RequestID, &ref.ConversationID, &ref.BranchID,
		&ref.IsSubtask, &ref.ParentTaskRequestID, &ref.Timestamp)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &ref, nil
}

// ConversationRoot returns the earliest request of a conversation, the one
// sub-task linkage is inherited from.
func (s *Store) ConversationRoot(ctx context.Context, conversationID string) (*RequestRef, error) {
	row := s.db.QueryRowContext(ctx, `SELECT request_id, conversation_id, branch_id,
			is_subtask, parent_task_request_id, timestamp
		FROM api_requests
		WHERE conversation_id = $1
		ORDER BY timestamp ASC, request_id ASC
		LIMIT 1`, conversationID)

	var ref RequestRef
	err := row.Scan(&ref.RequestID, &ref.ConversationID, &ref.BranchID,
		&ref.IsSubtask, &ref.ParentTaskRequestID, &ref.Timestamp)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &ref, nil
}

// SiblingBranches lists the existing children of a parent request, earliest
// first, so the linker can decide whether the parent's branch is taken.
func (s *Store) SiblingBranches(ctx context.Context, parentRequestID string) ([]BranchChild, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT request_id, branch_id, timestamp
		FROM api_requests
		WHERE parent_request_id = $1
		ORDER BY timestamp ASC, request_id ASC`, parentRequestID)
	if err != nil {
		return nil, fmt.Errorf("failed to query siblings: %w", err)
	}
	defer rows.Close()

	var children []BranchChild
	for rows.Next() {
		var c BranchChild
		if err := rows.Scan(&c.RequestID, &c.BranchID, &c.Timestamp); err != nil {
			return nil, err
		}
		children = append(children, c)
	}
	return children, rows.Err()
}

// ConversationBranches lists every branch_id present in a conversation.
func (s *Store) ConversationBranches(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT branch_id
		FROM api_requests WHERE conversation_id = $1`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query branches: %w", err)
	}
	defer rows.Close()

	var branches []string
	for rows.Next() {
		var b string
		if err := rows.Scan(&b); err != nil {
			return nil, err
		}
		branches = append(branches, b)
	}
	return branches, rows.Err()
}

// SubtaskCandidates returns Task-bearing requests on the domain whose
// timestamp falls between since and until, most recent first. The caller
// owns the window width.
func (s *Store) SubtaskCandidates(ctx context.Context, domain string, since, until time.Time) ([]TaskCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT request_id, task_tool_invocation, timestamp
		FROM api_requests
		WHERE domain = $1
			AND task_tool_invocation IS NOT NULL
			AND timestamp >= $2 AND timestamp <= $3
		ORDER BY timestamp DESC, request_id DESC`,
		domain, since, until)
	if err != nil {
		return nil, fmt.Errorf("failed to query subtask candidates: %w", err)
	}
	defer rows.Close()

	var candidates []TaskCandidate
	for rows.Next() {
		var c TaskCandidate
		if err := rows.Scan(&c.RequestID, &c.TaskToolInvocation, &c.Timestamp); err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

// CompactCandidates returns recent completed requests on the domain for
// compact-continuation matching.
func (s *Store) CompactCandidates(ctx context.Context, domain string, limit int) ([]CompactCandidate, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT request_id, conversation_id, branch_id, response_body, timestamp
		FROM api_requests
		WHERE domain = $1 AND conversation_id IS NOT NULL AND response_body IS NOT NULL
		ORDER BY timestamp DESC, request_id DESC
		LIMIT %d`, limit), domain)
	if err != nil {
		return nil, fmt.Errorf("failed to query compact candidates: %w", err)
	}
	defer rows.Close()

	var candidates []CompactCandidate
	for rows.Next() {
		var c CompactCandidate
		if err := rows.Scan(&c.RequestID, &c.ConversationID, &c.BranchID, &c.ResponseBody, &c.Timestamp); err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

// TranscriptRow is one request/response pair used for analysis transcripts.
type TranscriptRow struct {
	RequestID    string
	Body         []byte
	ResponseBody []byte
	Timestamp    time.Time
}

// ConversationRequests returns a conversation branch's requests in timestamp
// order for transcript assembly.
func (s *Store) ConversationRequests(ctx context.Context, conversationID, branchID string) ([]TranscriptRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT request_id, body, response_body, timestamp
		FROM api_requests
		WHERE conversation_id = $1 AND branch_id = $2
		ORDER BY timestamp ASC, request_id ASC`, conversationID, branchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation requests: %w", err)
	}
	defer rows.Close()

	var result []TranscriptRow
	for rows.Next() {
		var r TranscriptRow
		if err := rows.Scan(&r.RequestID, &r.Body, &r.ResponseBody, &r.Timestamp); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// RequestFilter narrows ListRequests.
type RequestFilter struct {
	Domain         string
	ConversationID string
	RequestType    string
	Page           int
	Limit          int
}

// RequestSummary is the listing shape served to the dashboard.
type RequestSummary struct {
	RequestID      string
	Domain         string
	Timestamp      time.Time
	Model          string
	RequestType    string
	ConversationID sql.NullString
	BranchID       string
	IsSubtask      bool
	InputTokens    int
	OutputTokens   int
	DurationMS     sql.NullInt64
	Error          sql.NullString
}

// ListRequests pages through stored requests, newest first.
func (s *Store) ListRequests(ctx context.Context, filter RequestFilter) ([]RequestSummary, int, error) {
	var conditions []string
	var args []any

	add := func(cond string, val any) {
		args = append(args, val)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}
	if filter.Domain != "" {
		add("domain = $%d", filter.Domain)
	}
	if filter.ConversationID != "" {
		add("conversation_id = $%d", filter.ConversationID)
	}
	if filter.RequestType != "" {
		add("request_type = $%d", filter.RequestType)
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM api_requests %s", whereClause)
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Page < 0 {
		filter.Page = 0
	}

	query := fmt.Sprintf(`SELECT request_id, domain, timestamp, model, request_type,
			conversation_id, branch_id, is_subtask, input_tokens, output_tokens,
			duration_ms, error
		FROM api_requests %s
		ORDER BY timestamp DESC, request_id DESC
		LIMIT %d OFFSET %d`, whereClause, filter.Limit, filter.Page*filter.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var summaries []RequestSummary
	for rows.Next() {
		var r RequestSummary
		if err := rows.Scan(&r.RequestID, &r.Domain, &r.Timestamp, &r.Model, &r.RequestType,
			&r.ConversationID, &r.BranchID, &r.IsSubtask, &r.InputTokens, &r.OutputTokens,
			&r.DurationMS, &r.Error); err != nil {
			return nil, 0, err
		}
		summaries = append(summaries, r)
	}
	return summaries, total, rows.Err()
}

// GetRequest fetches a full request row.
func (s *Store) GetRequest(ctx context.Context, requestID string) (*Request, error) {
	row := s.db.QueryRowContext(ctx, `SELECT request_id, domain, timestamp, method, path,
			headers, body, response_body, response_streaming,
			input_tokens, output_tokens, total_tokens,
			cache_creation_input_tokens, cache_read_input_tokens, usage_data,
			first_token_ms, duration_ms, error, tool_call_count,
			current_message_hash, parent_message_hash, system_hash,
			conversation_id, branch_id, message_count,
			parent_request_id, parent_task_request_id, is_subtask,
			task_tool_invocation, account_id, model, request_type, api_key_hash, created_at
		FROM api_requests WHERE request_id = $1`, requestID)

	var r Request
	err := row.Scan(&r.RequestID, &r.Domain, &r.Timestamp, &r.Method, &r.Path,
		&r.Headers, &r.Body, &r.ResponseBody, &r.ResponseStreaming,
		&r.InputTokens, &r.OutputTokens, &r.TotalTokens,
		&r.CacheCreationTokens, &r.CacheReadTokens, &r.UsageData,
		&r.FirstTokenMS, &r.DurationMS, &r.Error, &r.ToolCallCount,
		&r.CurrentMessageHash, &r.ParentMessageHash, &r.SystemHash,
		&r.ConversationID, &r.BranchID, &r.MessageCount,
		&r.ParentRequestID, &r.ParentTaskRequestID, &r.IsSubtask,
		&r.TaskToolInvocation, &r.AccountID, &r.Model, &r.RequestType,
		&r.APIKeyHash, &r.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

// nullJSON maps empty byte slices to NULL so jsonb columns never see "".
func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
