package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"nexusproxy/internal/hasher"
	"nexusproxy/internal/store"
)

// Request types.
const (
	TypeInference       = "inference"
	TypeQueryEvaluation = "query_evaluation"
	TypeQuota           = "quota"
	TypeOther           = "other"
)

const (
	compactMarker1 = "This session is being continued from a previous conversation"
	compactMarker2 = "The conversation is summarized below:"

	// How much of an extracted summary must literally appear in a prior
	// assistant response for a compact continuation to match.
	compactPrefixLen = 100

	// How far back a Task invocation can spawn a sub-task conversation.
	subtaskWindow = 60 * time.Second

	candidateLimit = 10
)

// Queries is the slice of the storage layer the linker traverses the request
// graph through. Parent references are opaque IDs, never pointers.
type Queries interface {
	QueryByHash(ctx context.Context, domain, hash string, systemHash *string, matchSystem bool, limit int) ([]store.ParentCandidate, error)
	SiblingBranches(ctx context.Context, parentRequestID string) ([]store.BranchChild, error)
	ConversationBranches(ctx context.Context, conversationID string) ([]string, error)
	SubtaskCandidates(ctx context.Context, domain string, since, until time.Time) ([]store.TaskCandidate, error)
	CompactCandidates(ctx context.Context, domain string, limit int) ([]store.CompactCandidate, error)
	ConversationRoot(ctx context.Context, conversationID string) (*store.RequestRef, error)
}

// Linkage is the resolved placement of a request in the conversation graph.
type Linkage struct {
	ConversationID      string // empty for non-inference requests
	BranchID            string
	ParentRequestID     string // empty when the request is a conversation root
	IsSubtask           bool
	ParentTaskRequestID string
	CurrentMessageHash  string
	ParentMessageHash   string // empty when the request has fewer than 3 messages
	SystemHash          *string
	MessageCount        int
}

// Input carries everything the linker needs about a new request.
type Input struct {
	Domain      string
	RequestID   string
	Body        []byte
	RequestType string
	Now         time.Time
}

// Linker joins each new request to a prior one by content hash, detecting
// branches, compact continuations, and sub-task spawns.
type Linker struct {
	queries Queries
}

func NewLinker(q Queries) *Linker {
	return &Linker{queries: q}
}

// Link resolves the linkage fields for a new request. Lookup failures
// degrade to "new conversation root"; they never propagate, because the
// write must succeed regardless.
func (l *Linker) Link(ctx context.Context, in Input) Linkage {
	msgs, err := hasher.ParseMessages(in.Body)
	if err != nil {
		log.Warn().Err(err).Str("request_id", in.RequestID).Msg("failed to parse messages, storing unlinked")
		return Linkage{BranchID: "main"}
	}

	link := Linkage{
		BranchID:           "main",
		CurrentMessageHash: hasher.HashMessagesOnly(msgs),
		SystemHash:         hasher.HashSystemPrompt(hasher.SystemPromptOf(in.Body)),
		MessageCount:       len(msgs),
	}
	if parentHash, ok := hasher.ParentHash(msgs); ok {
		link.ParentMessageHash = parentHash
	}

	// Hashes are computed for every request type; only inference requests
	// join a conversation.
	if in.RequestType != TypeInference {
		return link
	}

	parent, compactBranch := l.findParent(ctx, in, msgs, link)
	if parent != nil {
		link.ConversationID = parent.ConversationID
		link.ParentRequestID = parent.RequestID
		if compactBranch != "" {
			link.BranchID = compactBranch
		} else {
			link.BranchID = l.resolveBranch(ctx, parent)
		}
		l.inheritSubtask(ctx, &link)
		return link
	}

	// No tier matched: new conversation root.
	link.ConversationID = uuid.New().String()
	link.BranchID = "main"
	l.detectSubtask(ctx, in, msgs, &link)
	return link
}

// findParent walks the match tiers in priority order. A non-empty second
// return value is the freshly minted compact branch name.
func (l *Linker) findParent(ctx context.Context, in Input, msgs []hasher.Message, link Linkage) (*store.ParentCandidate, string) {
	// Tier 1: exact match on parent hash and system hash.
	if link.ParentMessageHash != "" {
		candidates, err := l.queries.QueryByHash(ctx, in.Domain, link.ParentMessageHash, link.SystemHash, true, candidateLimit)
		if err != nil {
			log.Warn().Err(err).Str("domain", in.Domain).Msg("hash query failed, treating as new conversation")
			return nil, ""
		}
		if len(candidates) > 0 {
			return &candidates[0], ""
		}
	}

	// Tier 2: compact continuation.
	if summary, ok := extractCompactSummary(msgs); ok {
		if parent := l.matchCompact(ctx, in.Domain, summary); parent != nil {
			return parent, "compact_" + in.Now.UTC().Format("150405")
		}
	}

	// Tier 3: parent hash only, tolerating system-prompt drift between
	// turns (git status lines, timestamps).
	if link.ParentMessageHash != "" {
		candidates, err := l.queries.QueryByHash(ctx, in.Domain, link.ParentMessageHash, nil, false, candidateLimit)
		if err != nil {
			log.Warn().Err(err).Str("domain", in.Domain).Msg("fallback hash query failed")
			return nil, ""
		}
		if len(candidates) > 0 {
			return &candidates[0], ""
		}
	}

	return nil, ""
}

// resolveBranch keeps the parent's branch when it is still free; once the
// parent has a child on it, subsequent children get a fresh branch_N.
func (l *Linker) resolveBranch(ctx context.Context, parent *store.ParentCandidate) string {
	children, err := l.queries.SiblingBranches(ctx, parent.RequestID)
	if err != nil {
		log.Warn().Err(err).Str("parent_request_id", parent.RequestID).Msg("sibling query failed, keeping parent branch")
		return parent.BranchID
	}

	taken := false
	for _, child := range children {
		if child.BranchID == parent.BranchID {
			taken = true
			break
		}
	}
	if !taken {
		return parent.BranchID
	}

	used := make(map[string]bool, len(children))
	for _, child := range children {
		used[child.BranchID] = true
	}
	if branches, err := l.queries.ConversationBranches(ctx, parent.ConversationID); err == nil {
		for _, b := range branches {
			used[b] = true
		}
	}

	n := 1
	for used[fmt.Sprintf("branch_%d", n)] {
		n++
	}
	return fmt.Sprintf("branch_%d", n)
}

// inheritSubtask copies sub-task linkage from the conversation's first
// request onto every later request of that conversation.
func (l *Linker) inheritSubtask(ctx context.Context, link *Linkage) {
	root, err := l.queries.ConversationRoot(ctx, link.ConversationID)
	if err != nil || root == nil {
		return
	}
	if root.IsSubtask {
		link.IsSubtask = true
		if root.ParentTaskRequestID.Valid {
			link.ParentTaskRequestID = root.ParentTaskRequestID.String
		}
	}
}

// detectSubtask checks whether a new conversation root was spawned by a Task
// tool invocation on a recent request of the same domain.
func (l *Linker) detectSubtask(ctx context.Context, in Input, msgs []hasher.Message, link *Linkage) {
	prompts := firstUserTexts(msgs)
	if len(prompts) == 0 {
		return
	}

	candidates, err := l.queries.SubtaskCandidates(ctx, in.Domain, in.Now.Add(-subtaskWindow), in.Now)
	if err != nil {
		log.Warn().Err(err).Str("domain", in.Domain).Msg("subtask candidate query failed")
		return
	}

	for _, cand := range candidates {
		invocations := gjson.ParseBytes(cand.TaskToolInvocation)
		matched := false
		invocations.ForEach(func(_, inv gjson.Result) bool {
			prompt := inv.Get("input.prompt").String()
			description := inv.Get("input.description").String()
			for _, text := range prompts {
				if (prompt != "" && text == prompt) || (description != "" && text == description) {
					matched = true
					return false
				}
			}
			return true
		})
		if matched {
			link.IsSubtask = true
			link.ParentTaskRequestID = cand.RequestID
			return
		}
	}
}

// matchCompact searches prior responses for the extracted summary text.
func (l *Linker) matchCompact(ctx context.Context, domain, summary string) *store.ParentCandidate {
	prefix := summary
	if len(prefix) > compactPrefixLen {
		prefix = prefix[:compactPrefixLen]
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return nil
	}

	candidates, err := l.queries.CompactCandidates(ctx, domain, 50)
	if err != nil {
		log.Warn().Err(err).Str("domain", domain).Msg("compact candidate query failed")
		return nil
	}

	for _, cand := range candidates {
		if strings.Contains(lastAssistantText(cand.ResponseBody), prefix) {
			return &store.ParentCandidate{
				RequestID:      cand.RequestID,
				ConversationID: cand.ConversationID,
				BranchID:       cand.BranchID,
				Timestamp:      cand.Timestamp,
			}
		}
	}
	return nil
}

// extractCompactSummary returns the summary text of a compact continuation,
// taken from the first user message when it carries both literal markers.
func extractCompactSummary(msgs []hasher.Message) (string, bool) {
	text := firstUserFullText(msgs)
	if text == "" {
		return "", false
	}
	i := strings.Index(text, compactMarker1)
	if i < 0 {
		return "", false
	}
	j := strings.Index(text[i:], compactMarker2)
	if j < 0 {
		return "", false
	}
	summary := strings.TrimSpace(text[i+j+len(compactMarker2):])
	if summary == "" {
		return "", false
	}
	return summary, true
}

// firstUserTexts returns the candidate prompt texts of the first user
// message: the whole string for string content, or each text item for array
// content. System-reminder items are filtered the same way hashing filters
// them.
func firstUserTexts(msgs []hasher.Message) []string {
	for _, m := range msgs {
		if m.Role != "user" {
			continue
		}
		var s string
		if err := json.Unmarshal(m.Content, &s); err == nil {
			if t := strings.TrimSpace(s); t != "" {
				return []string{t}
			}
			return nil
		}

		var texts []string
		items := gjson.ParseBytes(m.Content)
		items.ForEach(func(_, item gjson.Result) bool {
			if item.Get("type").String() != "text" {
				return true
			}
			t := strings.TrimSpace(item.Get("text").String())
			if t == "" || strings.HasPrefix(t, "<system-reminder>") {
				return true
			}
			texts = append(texts, t)
			return true
		})
		return texts
	}
	return nil
}

func firstUserFullText(msgs []hasher.Message) string {
	return strings.Join(firstUserTexts(msgs), "\n")
}

// lastAssistantText renders the text content of a stored response body.
func lastAssistantText(responseBody []byte) string {
	if len(responseBody) == 0 {
		return ""
	}
	root := gjson.ParseBytes(responseBody)
	content := root.Get("content")
	if !content.Exists() {
		return ""
	}
	if content.Type == gjson.String {
		return content.String()
	}
	var b strings.Builder
	content.ForEach(func(_, item gjson.Result) bool {
		if item.Get("type").String() == "text" {
			b.WriteString(item.Get("text").String())
			b.WriteString("\n")
		}
		return true
	})
	return b.String()
}

// NullableString converts an optional linkage field to its SQL shape.
func NullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
