package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/classtrader/trading-core/internal/config"
)

// Anthropic invokes stages against an Anthropic-compatible messages
// endpoint. The stage prompt carries the context slice; the response's
// first text block must be the stage's JSON verdict.
type Anthropic struct {
	client    *resty.Client
	model     string
	maxTokens int
}

func NewAnthropic(cfg config.Agents, apiKey string) (*Anthropic, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("agents: API key is required")
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(time.Duration(cfg.TimeoutSeconds)*time.Second).
		SetHeader("x-api-key", apiKey).
		SetHeader("anthropic-version", "2023-06-01").
		SetHeader("Content-Type", "application/json")

	return &Anthropic{client: client, model: cfg.Model, maxTokens: cfg.MaxTokens}, nil
}

type messagesResp struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (a *Anthropic) Invoke(ctx context.Context, stage, prompt string) (json.RawMessage, Usage, error) {
	start := time.Now()
	var out messagesResp
	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"model":      a.model,
			"max_tokens": a.maxTokens,
			"messages": []map[string]any{
				{"role": "user", "content": prompt},
			},
		}).
		SetResult(&out).
		Post("/v1/messages")
	usage := Usage{LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		return nil, usage, fmt.Errorf("%w: stage %s: %v", ErrTransient, stage, err)
	}
	if resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= 500 {
		return nil, usage, fmt.Errorf("%w: stage %s: %s", ErrTransient, stage, resp.Status())
	}
	if resp.IsError() {
		return nil, usage, fmt.Errorf("stage %s: %s: %s", stage, resp.Status(), resp.String())
	}
	usage.Tokens = out.Usage.InputTokens + out.Usage.OutputTokens

	var text string
	for _, c := range out.Content {
		if c.Type == "text" {
			text = c.Text
			break
		}
	}
	raw := extractJSON(text)
	if raw == nil {
		return nil, usage, fmt.Errorf("%w: stage %s: no JSON in response", ErrBadSchema, stage)
	}
	return raw, usage, nil
}

// extractJSON pulls the JSON body out of a response, tolerating markdown
// code fences around it.
func extractJSON(text string) json.RawMessage {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if i := strings.LastIndex(text, "```"); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
	}
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return nil
	}
	candidate := text[start:]
	if !json.Valid([]byte(candidate)) {
		return nil
	}
	return json.RawMessage(candidate)
}
