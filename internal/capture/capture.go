package capture

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	// ErrorStreamTruncated flags a response that ended before message_stop.
	ErrorStreamTruncated = "stream_truncated"
	// ErrorCaptureIncomplete flags a response the client received in full
	// but whose capture missed stream events.
	ErrorCaptureIncomplete = "capture_incomplete"
)

// Usage aggregates the token counts reported by the upstream.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

// ToolCall is one tool_use block extracted from the response.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// Result is everything the capture extracts from a response.
type Result struct {
	Message      json.RawMessage
	Model        string
	StopReason   string
	Usage        Usage
	ToolCalls    []ToolCall
	FirstTokenMS int64
	Error        string
}

type block struct {
	index       int
	typ         string
	id          string
	name        string
	text        strings.Builder
	partialJSON strings.Builder
}

// Parser incrementally reassembles a streamed Messages API response from its
// SSE events. Feed it the payload of each data: line and call Finalize once
// the stream ends.
type Parser struct {
	start      time.Time
	messageID  string
	model      string
	role       string
	stopReason string
	usage      Usage
	blocks     map[int]*block
	firstToken time.Time
	sawStop    bool
	dropped    bool
}

func NewParser(start time.Time) *Parser {
	return &Parser{
		start:  start,
		role:   "assistant",
		blocks: make(map[int]*block),
	}
}

type streamEvent struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	Message *struct {
		ID    string `json:"id"`
		Model string `json:"model"`
		Role  string `json:"role"`
		Usage *Usage `json:"usage"`
	} `json:"message"`
	ContentBlock *struct {
		Type  string          `json:"type"`
		ID    string          `json:"id"`
		Name  string          `json:"name"`
		Text  string          `json:"text"`
		Input json.RawMessage `json:"input"`
	} `json:"content_block"`
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Usage *Usage `json:"usage"`
}

// FeedData consumes the payload of one data: line. Unparseable payloads are
// ignored, matching the tolerance required for a pass-through proxy.
func (p *Parser) FeedData(data []byte) {
	var ev streamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}

	switch ev.Type {
	case "message_start":
		if ev.Message != nil {
			p.messageID = ev.Message.ID
			p.model = ev.Message.Model
			if ev.Message.Role != "" {
				p.role = ev.Message.Role
			}
			if ev.Message.Usage != nil {
				p.mergeUsage(*ev.Message.Usage)
			}
		}
	case "content_block_start":
		if ev.ContentBlock == nil {
			return
		}
		b := &block{index: ev.Index, typ: ev.ContentBlock.Type, id: ev.ContentBlock.ID, name: ev.ContentBlock.Name}
		b.text.WriteString(ev.ContentBlock.Text)
		if len(ev.ContentBlock.Input) > 0 && string(ev.ContentBlock.Input) != "{}" {
			b.partialJSON.Write(ev.ContentBlock.Input)
		}
		p.blocks[ev.Index] = b
	case "content_block_delta":
		if ev.Delta == nil {
			return
		}
		b, ok := p.blocks[ev.Index]
		if !ok {
			b = &block{index: ev.Index, typ: "text"}
			p.blocks[ev.Index] = b
		}
		if p.firstToken.IsZero() {
			p.firstToken = time.Now()
		}
		switch ev.Delta.Type {
		case "text_delta":
			b.text.WriteString(ev.Delta.Text)
		case "input_json_delta":
			b.partialJSON.WriteString(ev.Delta.PartialJSON)
		}
	case "message_delta":
		if ev.Delta != nil && ev.Delta.StopReason != "" {
			p.stopReason = ev.Delta.StopReason
		}
		if ev.Usage != nil {
			p.mergeUsage(*ev.Usage)
		}
	case "message_stop":
		p.sawStop = true
	}
}

func (p *Parser) mergeUsage(u Usage) {
	if u.InputTokens > 0 {
		p.usage.InputTokens = u.InputTokens
	}
	if u.OutputTokens > 0 {
		p.usage.OutputTokens = u.OutputTokens
	}
	if u.CacheCreationInputTokens > 0 {
		p.usage.CacheCreationInputTokens = u.CacheCreationInputTokens
	}
	if u.CacheReadInputTokens > 0 {
		p.usage.CacheReadInputTokens = u.CacheReadInputTokens
	}
}

// MarkDropped records that at least one stream event never reached the
// parser, so the reassembled message may be missing content.
func (p *Parser) MarkDropped() {
	p.dropped = true
}

// Finalize reassembles the final message from everything seen so far. When
// truncated is true, or message_stop never arrived, the result is flagged
// with stream_truncated; a complete stream with dropped capture events is
// flagged capture_incomplete.
func (p *Parser) Finalize(truncated bool) *Result {
	res := &Result{
		Model:      p.model,
		StopReason: p.stopReason,
		Usage:      p.usage,
	}
	if truncated || !p.sawStop {
		res.Error = ErrorStreamTruncated
	} else if p.dropped {
		res.Error = ErrorCaptureIncomplete
	}
	if !p.firstToken.IsZero() {
		res.FirstTokenMS = p.firstToken.Sub(p.start).Milliseconds()
	}

	indexes := make([]int, 0, len(p.blocks))
	for idx := range p.blocks {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	content := make([]json.RawMessage, 0, len(indexes))
	for _, idx := range indexes {
		b := p.blocks[idx]
		switch b.typ {
		case "tool_use":
			input := json.RawMessage(b.partialJSON.String())
			if len(input) == 0 || !json.Valid(input) {
				input = json.RawMessage(`{}`)
			}
			item, err := json.Marshal(map[string]any{
				"type":  "tool_use",
				"id":    b.id,
				"name":  b.name,
				"input": input,
			})
			if err != nil {
				continue
			}
			content = append(content, item)
			res.ToolCalls = append(res.ToolCalls, ToolCall{ID: b.id, Name: b.name, Input: input})
		default:
			item, err := json.Marshal(map[string]any{
				"type": b.typ,
				"text": b.text.String(),
			})
			if err != nil {
				continue
			}
			content = append(content, item)
		}
	}

	msg, err := json.Marshal(map[string]any{
		"id":          p.messageID,
		"type":        "message",
		"role":        p.role,
		"model":       p.model,
		"content":     content,
		"stop_reason": nullableString(p.stopReason),
		"usage":       p.usage,
	})
	if err == nil {
		res.Message = msg
	}
	return res
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// FromJSON runs the same extraction over a buffered (non-streaming) response
// body.
func FromJSON(body []byte) (*Result, error) {
	var msg struct {
		Model      string `json:"model"`
		StopReason string `json:"stop_reason"`
		Usage      Usage  `json:"usage"`
		Content    []struct {
			Type  string          `json:"type"`
			ID    string          `json:"id"`
			Name  string          `json:"name"`
			Input json.RawMessage `json:"input"`
		} `json:"content"`
	}
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse response body: %w", err)
	}

	res := &Result{
		Message:    json.RawMessage(body),
		Model:      msg.Model,
		StopReason: msg.StopReason,
		Usage:      msg.Usage,
	}
	for _, c := range msg.Content {
		if c.Type == "tool_use" {
			res.ToolCalls = append(res.ToolCalls, ToolCall{ID: c.ID, Name: c.Name, Input: c.Input})
		}
	}
	return res, nil
}

// TaskInvocations filters the tool calls named Task, the ones that spawn
// sub-task conversations.
func TaskInvocations(calls []ToolCall) []ToolCall {
	var tasks []ToolCall
	for _, c := range calls {
		if c.Name == "Task" {
			tasks = append(tasks, c)
		}
	}
	return tasks
}
