package hasher

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Separator between role and content, and between per-message hashes.
const hashSep = "\x00"

// Separator between serialized content items.
const itemSep = "\x1f"

const systemReminderPrefix = "<system-reminder>"

// Message is the minimal shape the hasher needs. Content is kept raw because
// the Anthropic API allows both a plain string and an array of content items.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentItem struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Name      string          `json:"name,omitempty"`
	ID        string          `json:"id,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// ParseMessages decodes the messages array of a Messages API request body.
func ParseMessages(body []byte) ([]Message, error) {
	var req struct {
		Messages []Message `json:"messages"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("failed to parse request body: %w", err)
	}
	return req.Messages, nil
}

// HashMessage hashes a single message over its role and normalized content.
func HashMessage(msg Message) string {
	sum := sha256.Sum256([]byte(msg.Role + hashSep + NormalizeContent(msg.Content)))
	return hex.EncodeToString(sum[:])
}

// HashMessagesOnly hashes a message sequence by joining the individual
// message hashes.
func HashMessagesOnly(msgs []Message) string {
	hashes := make([]string, 0, len(msgs))
	for _, m := range msgs {
		hashes = append(hashes, HashMessage(m))
	}
	sum := sha256.Sum256([]byte(strings.Join(hashes, hashSep)))
	return hex.EncodeToString(sum[:])
}

// ParentHash returns the hash of the message sequence with the last two
// messages removed. Sequences shorter than three messages have no parent.
func ParentHash(msgs []Message) (string, bool) {
	if len(msgs) < 3 {
		return "", false
	}
	return HashMessagesOnly(msgs[:len(msgs)-2]), true
}

// NormalizeContent produces the canonical string a message content hashes
// over. String content is trimmed. Array content is serialized item by item
// with an index and kind tag; text items carrying a <system-reminder> prefix
// are dropped before serialization so their presence never changes the hash.
func NormalizeContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}

	var items []contentItem
	if err := json.Unmarshal(raw, &items); err != nil {
		// Unknown content shape, hash the raw bytes as-is.
		return strings.TrimSpace(string(raw))
	}

	parts := make([]string, 0, len(items))
	idx := 0
	for _, item := range items {
		switch item.Type {
		case "text":
			text := strings.TrimSpace(item.Text)
			if isSystemReminder(text) {
				continue
			}
			parts = append(parts, fmt.Sprintf("%d:text:%s", idx, text))
		case "tool_use":
			parts = append(parts, fmt.Sprintf("%d:tool_use:%s:%s:%s", idx, item.Name, item.ID, compactJSON(item.Input)))
		case "tool_result":
			parts = append(parts, fmt.Sprintf("%d:tool_result:%s:%s", idx, item.ToolUseID, normalizeToolResult(item.Content)))
		default:
			parts = append(parts, fmt.Sprintf("%d:%s:%s", idx, item.Type, compactJSON(item.Input)))
		}
		idx++
	}
	return strings.Join(parts, itemSep)
}

// HashSystemPrompt hashes a system prompt, which may be a string or an array
// of text items. Returns nil when no text remains after trimming.
func HashSystemPrompt(raw json.RawMessage) *string {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}

	var text string
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		text = strings.TrimSpace(s)
	} else {
		var items []contentItem
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil
		}
		var parts []string
		for _, item := range items {
			if item.Type != "text" {
				continue
			}
			if t := strings.TrimSpace(item.Text); t != "" {
				parts = append(parts, t)
			}
		}
		text = strings.Join(parts, "\n")
	}

	if text == "" {
		return nil
	}
	sum := sha256.Sum256([]byte(text))
	h := hex.EncodeToString(sum[:])
	return &h
}

// SystemPromptOf extracts the raw system field from a request body.
func SystemPromptOf(body []byte) json.RawMessage {
	var req struct {
		System json.RawMessage `json:"system"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil
	}
	return req.System
}

func isSystemReminder(trimmed string) bool {
	return strings.HasPrefix(trimmed, systemReminderPrefix)
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// normalizeToolResult renders a tool_result content field, which may be a
// string or nested content items.
func normalizeToolResult(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var items []contentItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return strings.TrimSpace(string(raw))
	}
	var parts []string
	for _, item := range items {
		if item.Type == "text" {
			parts = append(parts, strings.TrimSpace(item.Text))
		}
	}
	return strings.Join(parts, "\n")
}
