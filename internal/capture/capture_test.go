package capture

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/tidwall/gjson"
)

func feedAll(p *Parser, events []string) {
	for _, ev := range events {
		p.FeedData([]byte(ev))
	}
}

var streamFixture = []string{
	`{"type":"message_start","message":{"id":"msg_01","model":"claude-3-5-sonnet-20241022","role":"assistant","usage":{"input_tokens":25,"cache_read_input_tokens":10}}}`,
	`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
	`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`,
	`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" world"}}`,
	`{"type":"content_block_stop","index":0}`,
	`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"tu_01","name":"Task","input":{}}}`,
	`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"prompt\":"}}`,
	`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"analyze X\"}"}}`,
	`{"type":"content_block_stop","index":1}`,
	`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":42}}`,
	`{"type":"message_stop"}`,
}

func TestParser_ReassemblesStream(t *testing.T) {
	p := NewParser(time.Now())
	feedAll(p, streamFixture)

	res := p.Finalize(false)
	if res.Error != "" {
		t.Errorf("unexpected error flag: %q", res.Error)
	}
	if res.StopReason != "tool_use" {
		t.Errorf("stop_reason = %q, want tool_use", res.StopReason)
	}
	if res.Usage.InputTokens != 25 || res.Usage.OutputTokens != 42 || res.Usage.CacheReadInputTokens != 10 {
		t.Errorf("unexpected usage: %+v", res.Usage)
	}

	msg := gjson.ParseBytes(res.Message)
	if got := msg.Get("content.0.text").String(); got != "Hello world" {
		t.Errorf("text block = %q, want %q", got, "Hello world")
	}
	if got := msg.Get("content.1.name").String(); got != "Task" {
		t.Errorf("tool block name = %q, want Task", got)
	}
	if got := msg.Get("content.1.input.prompt").String(); got != "analyze X" {
		t.Errorf("tool input prompt = %q, want %q", got, "analyze X")
	}

	if len(res.ToolCalls) != 1 || res.ToolCalls[0].ID != "tu_01" {
		t.Fatalf("unexpected tool calls: %+v", res.ToolCalls)
	}
	if !json.Valid(res.ToolCalls[0].Input) {
		t.Error("tool input should be valid JSON after delta reassembly")
	}
}

func TestParser_FirstTokenTiming(t *testing.T) {
	start := time.Now().Add(-50 * time.Millisecond)
	p := NewParser(start)
	feedAll(p, streamFixture)

	res := p.Finalize(false)
	if res.FirstTokenMS < 50 {
		t.Errorf("first_token_ms = %d, expected at least 50", res.FirstTokenMS)
	}
}

func TestParser_TruncatedStream(t *testing.T) {
	p := NewParser(time.Now())
	// Stream cut off before message_stop.
	feedAll(p, streamFixture[:4])

	res := p.Finalize(false)
	if res.Error != ErrorStreamTruncated {
		t.Errorf("error = %q, want %q", res.Error, ErrorStreamTruncated)
	}
	msg := gjson.ParseBytes(res.Message)
	if got := msg.Get("content.0.text").String(); got != "Hello world" {
		t.Errorf("partial text should still be emitted, got %q", got)
	}
}

func TestParser_ClientDisconnect(t *testing.T) {
	p := NewParser(time.Now())
	feedAll(p, streamFixture)

	res := p.Finalize(true)
	if res.Error != ErrorStreamTruncated {
		t.Errorf("explicit truncation should set the error flag, got %q", res.Error)
	}
}

func TestParser_DroppedEventsFlagged(t *testing.T) {
	p := NewParser(time.Now())
	feedAll(p, streamFixture)
	p.MarkDropped()

	res := p.Finalize(false)
	if res.Error != ErrorCaptureIncomplete {
		t.Errorf("error = %q, want %q", res.Error, ErrorCaptureIncomplete)
	}
}

func TestParser_TruncationOutranksDroppedEvents(t *testing.T) {
	p := NewParser(time.Now())
	feedAll(p, streamFixture[:4])
	p.MarkDropped()

	res := p.Finalize(false)
	if res.Error != ErrorStreamTruncated {
		t.Errorf("error = %q, want %q", res.Error, ErrorStreamTruncated)
	}
}

func TestParser_IgnoresGarbage(t *testing.T) {
	p := NewParser(time.Now())
	p.FeedData([]byte("not json at all"))
	p.FeedData([]byte(`{"type":"unknown_event"}`))
	res := p.Finalize(false)
	if res.Error != ErrorStreamTruncated {
		t.Error("no message_stop seen, expected truncated flag")
	}
}

func TestFromJSON(t *testing.T) {
	body := []byte(`{
		"id":"msg_02","type":"message","role":"assistant","model":"claude-3-5-haiku-20241022",
		"content":[
			{"type":"text","text":"done"},
			{"type":"tool_use","id":"tu_9","name":"Task","input":{"prompt":"analyze X","description":"subagent"}},
			{"type":"tool_use","id":"tu_10","name":"Bash","input":{"command":"ls"}}
		],
		"stop_reason":"end_turn",
		"usage":{"input_tokens":7,"output_tokens":3}
	}`)

	res, err := FromJSON(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.StopReason != "end_turn" || res.Usage.InputTokens != 7 {
		t.Errorf("unexpected result: %+v", res)
	}
	if len(res.ToolCalls) != 2 {
		t.Fatalf("expected 2 tool calls, got %d", len(res.ToolCalls))
	}

	tasks := TaskInvocations(res.ToolCalls)
	if len(tasks) != 1 || tasks[0].ID != "tu_9" {
		t.Errorf("expected only the Task invocation, got %+v", tasks)
	}
}

func TestFromJSON_Invalid(t *testing.T) {
	if _, err := FromJSON([]byte("{")); err == nil {
		t.Error("expected an error for invalid JSON")
	}
}
