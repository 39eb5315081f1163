package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"nexusproxy/internal/metrics"
	"nexusproxy/internal/store"
)

// DashboardHandler serves the management API: stored requests, conversation
// views, and analysis lifecycle.
type DashboardHandler struct {
	store   *store.Store
	metrics *metrics.Metrics
}

func NewDashboardHandler(s *store.Store, m *metrics.Metrics) *DashboardHandler {
	return &DashboardHandler{store: s, metrics: m}
}

// ListRequests serves GET /api/requests with paging and filters.
func (h *DashboardHandler) ListRequests(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	filter := store.RequestFilter{
		Domain:         c.Query("domain"),
		ConversationID: c.Query("conversation_id"),
		RequestType:    c.Query("request_type"),
		Page:           page,
		Limit:          limit,
	}

	summaries, total, err := h.store.ListRequests(c.Request.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("failed to list requests")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list requests"})
		return
	}

	items := make([]gin.H, 0, len(summaries))
	for _, s := range summaries {
		items = append(items, requestSummaryJSON(s))
	}

	c.JSON(http.StatusOK, gin.H{
		"requests": items,
		"total":    total,
		"page":     page,
		"limit":    filter.Limit,
	})
}

// GetRequest serves GET /api/requests/:id with the full stored row.
func (h *DashboardHandler) GetRequest(c *gin.Context) {
	req, err := h.store.GetRequest(c.Request.Context(), c.Param("id"))
	if err != nil {
		log.Error().Err(err).Str("request_id", c.Param("id")).Msg("failed to fetch request")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch request"})
		return
	}
	if req == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "request not found"})
		return
	}

	c.JSON(http.StatusOK, requestJSON(req))
}

// GetConversation serves GET /api/conversations/:id: the requests of one
// conversation, optionally narrowed to a branch.
func (h *DashboardHandler) GetConversation(c *gin.Context) {
	conversationID := c.Param("id")
	branchID := c.DefaultQuery("branch_id", "main")

	rows, err := h.store.ConversationRequests(c.Request.Context(), conversationID, branchID)
	if err != nil {
		log.Error().Err(err).Str("conversation_id", conversationID).Msg("failed to fetch conversation")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch conversation"})
		return
	}

	branches, err := h.store.ConversationBranches(c.Request.Context(), conversationID)
	if err != nil {
		log.Error().Err(err).Str("conversation_id", conversationID).Msg("failed to fetch branches")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch conversation"})
		return
	}
	if len(rows) == 0 && len(branches) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}

	items := make([]gin.H, 0, len(rows))
	for _, r := range rows {
		items = append(items, gin.H{
			"request_id":    r.RequestID,
			"timestamp":     r.Timestamp,
			"body":          json.RawMessage(r.Body),
			"response_body": json.RawMessage(r.ResponseBody),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"conversation_id": conversationID,
		"branch_id":       branchID,
		"branches":        branches,
		"requests":        items,
	})
}

type analysisRequest struct {
	ConversationID string `json:"conversation_id" binding:"required"`
	BranchID       string `json:"branch_id"`
	Regenerate     bool   `json:"regenerate"`
}

// CreateAnalysis serves POST /api/analyses: enqueue an analysis for a
// conversation branch. With regenerate set, an existing completed analysis
// is superseded by a fresh pending one.
func (h *DashboardHandler) CreateAnalysis(c *gin.Context) {
	var body analysisRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversation_id is required"})
		return
	}
	if body.BranchID == "" {
		body.BranchID = "main"
	}

	ctx := c.Request.Context()
	if body.Regenerate {
		if err := h.store.SupersedeAnalysis(ctx, body.ConversationID, body.BranchID); err != nil {
			log.Error().Err(err).Msg("failed to supersede analysis")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to regenerate analysis"})
			return
		}
	}

	created, err := h.store.CreateAnalysis(ctx, body.ConversationID, body.BranchID)
	if err != nil {
		log.Error().Err(err).Msg("failed to create analysis")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create analysis"})
		return
	}

	if !created {
		// A pending, processing, or completed analysis already exists.
		c.JSON(http.StatusConflict, gin.H{
			"status":  "exists",
			"message": "an active analysis already exists for this branch",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"status": store.AnalysisPending})
}

// GetAnalysis serves GET /api/analyses/:conversation_id/:branch_id.
func (h *DashboardHandler) GetAnalysis(c *gin.Context) {
	analysis, err := h.store.GetAnalysis(c.Request.Context(), c.Param("conversation_id"), c.Param("branch_id"))
	if err != nil {
		log.Error().Err(err).Msg("failed to fetch analysis")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch analysis"})
		return
	}
	if analysis == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "analysis not found"})
		return
	}

	resp := gin.H{
		"id":              analysis.ID,
		"conversation_id": analysis.ConversationID,
		"branch_id":       analysis.BranchID,
		"status":          analysis.Status,
		"retry_count":     analysis.RetryCount,
		"created_at":      analysis.CreatedAt,
		"updated_at":      analysis.UpdatedAt,
	}
	if analysis.AnalysisContent.Valid {
		resp["analysis_content"] = analysis.AnalysisContent.String
	}
	if len(analysis.AnalysisData) > 0 {
		resp["analysis_data"] = json.RawMessage(analysis.AnalysisData)
	}
	if analysis.ErrorMessage.Valid {
		resp["error_message"] = analysis.ErrorMessage.String
	}
	if analysis.CompletedAt.Valid {
		resp["completed_at"] = analysis.CompletedAt.Time
	}
	if analysis.PromptTokens > 0 || analysis.CompletionTokens > 0 {
		resp["prompt_tokens"] = analysis.PromptTokens
		resp["completion_tokens"] = analysis.CompletionTokens
	}

	c.JSON(http.StatusOK, resp)
}

// Stats serves GET /api/stats with the in-memory token tracker snapshot.
func (h *DashboardHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.metrics.Snapshot())
}

func requestSummaryJSON(s store.RequestSummary) gin.H {
	item := gin.H{
		"request_id":    s.RequestID,
		"domain":        s.Domain,
		"timestamp":     s.Timestamp,
		"model":         s.Model,
		"request_type":  s.RequestType,
		"branch_id":     s.BranchID,
		"is_subtask":    s.IsSubtask,
		"input_tokens":  s.InputTokens,
		"output_tokens": s.OutputTokens,
	}
	if s.ConversationID.Valid {
		item["conversation_id"] = s.ConversationID.String
	}
	if s.DurationMS.Valid {
		item["duration_ms"] = s.DurationMS.Int64
	}
	if s.Error.Valid {
		item["error"] = s.Error.String
	}
	return item
}

func requestJSON(r *store.Request) gin.H {
	item := gin.H{
		"request_id":                  r.RequestID,
		"domain":                      r.Domain,
		"timestamp":                   r.Timestamp,
		"method":                      r.Method,
		"path":                        r.Path,
		"response_streaming":          r.ResponseStreaming,
		"input_tokens":                r.InputTokens,
		"output_tokens":               r.OutputTokens,
		"total_tokens":                r.TotalTokens,
		"cache_creation_input_tokens": r.CacheCreationTokens,
		"cache_read_input_tokens":     r.CacheReadTokens,
		"tool_call_count":             r.ToolCallCount,
		"branch_id":                   r.BranchID,
		"message_count":               r.MessageCount,
		"is_subtask":                  r.IsSubtask,
		"model":                       r.Model,
		"request_type":                r.RequestType,
		"created_at":                  r.CreatedAt,
	}
	if len(r.Headers) > 0 {
		item["headers"] = json.RawMessage(r.Headers)
	}
	if len(r.Body) > 0 {
		item["body"] = json.RawMessage(r.Body)
	}
	if len(r.ResponseBody) > 0 {
		item["response_body"] = json.RawMessage(r.ResponseBody)
	}
	if len(r.UsageData) > 0 {
		item["usage_data"] = json.RawMessage(r.UsageData)
	}
	if len(r.TaskToolInvocation) > 0 {
		item["task_tool_invocation"] = json.RawMessage(r.TaskToolInvocation)
	}
	if r.ConversationID.Valid {
		item["conversation_id"] = r.ConversationID.String
	}
	if r.ParentRequestID.Valid {
		item["parent_request_id"] = r.ParentRequestID.String
	}
	if r.ParentTaskRequestID.Valid {
		item["parent_task_request_id"] = r.ParentTaskRequestID.String
	}
	if r.CurrentMessageHash.Valid {
		item["current_message_hash"] = r.CurrentMessageHash.String
	}
	if r.ParentMessageHash.Valid {
		item["parent_message_hash"] = r.ParentMessageHash.String
	}
	if r.SystemHash.Valid {
		item["system_hash"] = r.SystemHash.String
	}
	if r.FirstTokenMS.Valid {
		item["first_token_ms"] = r.FirstTokenMS.Int64
	}
	if r.DurationMS.Valid {
		item["duration_ms"] = r.DurationMS.Int64
	}
	if r.Error.Valid {
		item["error"] = r.Error.String
	}
	return item
}
