package worker

import (
	"context"
	"fmt"

	"github.com/imroc/req/v3"
	"github.com/tidwall/gjson"
)

// LLMResult is one model completion plus its token accounting.
type LLMResult struct {
	Text             string
	RawResponse      []byte
	PromptTokens     int
	CompletionTokens int
}

// Gemini calls the generateContent endpoint of the Google Generative
// Language API.
type Gemini struct {
	client  *req.Client
	baseURL string
	model   string
	apiKey  string
}

func NewGemini(baseURL, model, apiKey string) *Gemini {
	return &Gemini{
		client:  req.C(),
		baseURL: baseURL,
		model:   model,
		apiKey:  apiKey,
	}
}

func (g *Gemini) Generate(ctx context.Context, prompt string) (*LLMResult, error) {
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", g.baseURL, g.model)

	payload := map[string]any{
		"contents": []map[string]any{
			{"parts": []map[string]string{{"text": prompt}}},
		},
	}

	resp, err := g.client.R().
		SetContext(ctx).
		SetQueryParam("key", g.apiKey).
		SetHeader("Content-Type", "application/json").
		SetBodyJsonMarshal(payload).
		Post(url)
	if err != nil {
		return nil, fmt.Errorf("gemini request failed: %w", err)
	}

	body := resp.Bytes()
	if resp.StatusCode != 200 {
		msg := gjson.GetBytes(body, "error.message").String()
		if msg == "" {
			msg = resp.Status
		}
		return nil, fmt.Errorf("gemini returned %d: %s", resp.StatusCode, msg)
	}

	text := gjson.GetBytes(body, "candidates.0.content.parts.0.text").String()
	if text == "" {
		return nil, fmt.Errorf("gemini response contained no text")
	}

	return &LLMResult{
		Text:             text,
		RawResponse:      body,
		PromptTokens:     int(gjson.GetBytes(body, "usageMetadata.promptTokenCount").Int()),
		CompletionTokens: int(gjson.GetBytes(body, "usageMetadata.candidatesTokenCount").Int()),
	}, nil
}
