// Package classifier sends forum content to an OpenAI-compatible chat
// completions endpoint and parses the model's {type, reason} JSON verdict.
// Each call is single-shot: no retries, a bounded timeout, and strict
// validation of both the response envelope and the embedded verdict.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultEndpoint is the OpenRouter chat completions URL.
	DefaultEndpoint = "https://openrouter.ai/api/v1/chat/completions"

	// DefaultModel is used when no model is configured.
	DefaultModel = "deepseek/deepseek-chat-v3.1"

	// DefaultTimeout bounds a single classification round-trip.
	DefaultTimeout = 15 * time.Second

	// Generation parameters. The output feeds policy logic, so sampling is
	// kept near-deterministic and the response small.
	maxTokens   = 150
	temperature = 0.1

	// maxResponseBytes caps how much of the response body is read.
	maxResponseBytes = 1 << 20
)

// DefaultPrompt instructs the model when no custom prompt is configured.
const DefaultPrompt = `You are a forum moderator during a test of the website. The admin has assigned to you analyze the content and respond with a JSON object containing 'type' and 'reason' keys. 

RULES:
1. If the content contains the text "[FLAG]", set 'type' to 'FLAGGED'
2. If the content contains the text "[REVIEW]", set 'type' to 'REVIEW' 
3. If the content contains the text "[ALLOW]", set 'type' to 'ALLOW'

Provide a concise reason of 20 words or less in 'reason'. Always respond with valid JSON format only, no additional text.`

// ErrClassifier is wrapped by every error Classify returns. Callers treat it
// as "no verdict" and let the content through unmoderated.
var ErrClassifier = errors.New("classifier: request failed")

// Verdict is the model's structured judgement of one piece of content.
type Verdict struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// Config holds classifier client settings.
type Config struct {
	Endpoint string        // chat completions URL
	Timeout  time.Duration // per-call deadline
}

// DefaultConfig returns the OpenRouter endpoint with a 15s timeout.
func DefaultConfig() Config {
	return Config{
		Endpoint: DefaultEndpoint,
		Timeout:  DefaultTimeout,
	}
}

// Client performs classification calls. It is safe for concurrent use.
type Client struct {
	endpoint string
	http     *http.Client
}

// NewClient creates a Client from cfg, filling zero fields with defaults.
func NewClient(cfg Config) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		endpoint: cfg.Endpoint,
		http:     &http.Client{Timeout: cfg.Timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	MaxTokens      int            `json:"max_tokens"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat responseFormat `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message *struct {
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// BuildPrompt joins the instruction prompt and the content under review.
// A blank prompt selects DefaultPrompt.
func BuildPrompt(prompt, content string) string {
	if strings.TrimSpace(prompt) == "" {
		prompt = DefaultPrompt
	}
	return strings.TrimSpace(prompt) + "\n\n" + content
}

// Classify sends prompt to the model and returns its verdict. Any transport
// failure, non-200 status, malformed envelope or malformed verdict is
// reported as an error wrapping ErrClassifier.
func (c *Client) Classify(ctx context.Context, prompt, model, apiKey string) (*Verdict, error) {
	if model == "" {
		model = DefaultModel
	}

	body, err := json.Marshal(chatRequest{
		Model:          model,
		Messages:       []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens:      maxTokens,
		Temperature:    temperature,
		ResponseFormat: responseFormat{Type: "json_object"},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", ErrClassifier, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrClassifier, err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClassifier, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrClassifier, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrClassifier, err)
	}

	return parseResponse(raw)
}

// parseResponse validates the completions envelope and decodes the verdict
// carried as a JSON string in choices[0].message.content.
func parseResponse(raw []byte) (*Verdict, error) {
	var env chatResponse
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON envelope: %v", ErrClassifier, err)
	}
	if len(env.Choices) == 0 || env.Choices[0].Message == nil || env.Choices[0].Message.Content == nil {
		return nil, fmt.Errorf("%w: response has no message content", ErrClassifier)
	}

	content := *env.Choices[0].Message.Content
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(content), &fields); err != nil {
		return nil, fmt.Errorf("%w: invalid verdict JSON %q: %v", ErrClassifier, content, err)
	}

	rawType, ok := fields["type"]
	if !ok {
		return nil, fmt.Errorf("%w: verdict missing type: %q", ErrClassifier, content)
	}

	var v Verdict
	if err := json.Unmarshal(rawType, &v.Type); err != nil {
		return nil, fmt.Errorf("%w: verdict type is not a string: %q", ErrClassifier, content)
	}
	// A null type decodes to "" without error.
	if strings.TrimSpace(v.Type) == "" {
		return nil, fmt.Errorf("%w: verdict has empty type: %q", ErrClassifier, content)
	}
	if rawReason, ok := fields["reason"]; ok {
		// A non-string reason is tolerated and dropped.
		_ = json.Unmarshal(rawReason, &v.Reason)
	}
	return &v, nil
}
