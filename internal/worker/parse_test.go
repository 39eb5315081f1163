package worker

import (
	"encoding/json"
	"testing"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    string // expected value of "summary", "" means nil result
		wantNil bool
	}{
		{
			name: "raw json",
			text: `{"summary":"plain"}`,
			want: "plain",
		},
		{
			name: "json fence",
			text: "Here is the analysis:\n```json\n{\"summary\":\"fenced\"}\n```\nDone.",
			want: "fenced",
		},
		{
			name: "bare fence",
			text: "```\n{\"summary\":\"bare\"}\n```",
			want: "bare",
		},
		{
			name: "embedded in prose",
			text: `The result is {"summary":"inline"} as requested.`,
			want: "inline",
		},
		{
			name:    "no json at all",
			text:    "I could not produce a structured answer.",
			wantNil: true,
		},
		{
			name:    "broken json",
			text:    `{"summary": unterminated`,
			wantNil: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := ExtractJSON(tt.text)
			if tt.wantNil {
				if data != nil {
					t.Errorf("expected nil, got %s", data)
				}
				return
			}
			var parsed struct {
				Summary string `json:"summary"`
			}
			if err := json.Unmarshal(data, &parsed); err != nil {
				t.Fatalf("result is not valid JSON: %v", err)
			}
			if parsed.Summary != tt.want {
				t.Errorf("summary = %q, want %q", parsed.Summary, tt.want)
			}
		})
	}
}
