package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/airmslabs/airms-gateway/internal/metrics"
)

// Client defaults.
const (
	DefaultBaseURL   = "https://api.openai.com/v1"
	DefaultModel     = "gpt-4o"
	DefaultMaxTokens = 2048
	DefaultTimeout   = 60 * time.Second

	maxRetries     = 2
	initialBackoff = 500 * time.Millisecond
)

// Client is an OpenAI-compatible chat completions client. Any endpoint that
// speaks the /chat/completions shape works behind it.
type Client struct {
	name       string
	apiKey     string
	model      string
	baseURL    string
	maxTokens  int
	httpClient *http.Client
	logger     *zap.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL points the client at a compatible endpoint.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient overrides the transport, mainly for tests.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = h }
}

// NewClient builds a provider client.
func NewClient(name, apiKey, model string, logger *zap.Logger, opts ...ClientOption) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("provider %s: api key is required", name)
	}
	if model == "" {
		model = DefaultModel
	}
	c := &Client{
		name:       name,
		apiKey:     apiKey,
		model:      model,
		baseURL:    DefaultBaseURL,
		maxTokens:  DefaultMaxTokens,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Name implements Provider.
func (c *Client) Name() string { return c.name }

// ─── Wire structures ────────────────────────────────────────────────────────

type wireMessage struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Tools       []wireTool    `json:"tools,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content   string         `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// queryToolSchema is the single tool the gateway exposes to every model.
func queryToolSchema() []wireTool {
	return []wireTool{{
		Type: "function",
		Function: wireFunction{
			Name:        "query",
			Description: "Look up data from a registered source using a natural-language question.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"question": map[string]any{
						"type":        "string",
						"description": "The natural-language question to answer from the source.",
					},
					"source": map[string]any{
						"type":        "string",
						"description": "The registered data source name.",
					},
				},
				"required": []string{"question", "source"},
			},
		},
	}}
}

// ─── Completion ─────────────────────────────────────────────────────────────

// Complete implements Provider. Transient failures (network, 429, 5xx) are
// retried up to two times with exponential backoff bounded by the context
// deadline; everything else is fatal for the request.
func (c *Client) Complete(ctx context.Context, req Request) (*Completion, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	payload := wireRequest{
		Model:       model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if payload.MaxTokens == 0 {
		payload.MaxTokens = c.maxTokens
	}
	for _, m := range req.Messages {
		payload.Messages = append(payload.Messages, wireMessage{
			Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID,
		})
	}
	if req.EnableTools {
		payload.Tools = queryToolSchema()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("provider %s: encode request: %w", c.name, err)
	}

	var lastErr error
	backoff := initialBackoff
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			metrics.LLMRetries.WithLabelValues(c.name).Inc()
			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-ctx.Done():
				return nil, fmt.Errorf("provider %s: %w", c.name, ctx.Err())
			}
		}

		started := time.Now()
		comp, err := c.doOnce(ctx, model, body)
		metrics.LLMRequestDuration.WithLabelValues(c.name, model).Observe(time.Since(started).Seconds())
		if err == nil {
			metrics.LLMRequestsTotal.WithLabelValues(c.name, model, "ok").Inc()
			return comp, nil
		}

		lastErr = err
		if !IsTransient(err) || ctx.Err() != nil {
			metrics.LLMRequestsTotal.WithLabelValues(c.name, model, "fatal").Inc()
			return nil, err
		}
		metrics.LLMRequestsTotal.WithLabelValues(c.name, model, "transient").Inc()
		c.logger.Warn("llm request failed, retrying",
			zap.String("provider", c.name), zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, model string, body []byte) (*Completion, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", c.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, Transient(fmt.Errorf("provider %s: %w", c.name, err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, Transient(fmt.Errorf("provider %s: read response: %w", c.name, err))
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, Transient(fmt.Errorf("provider %s: status %d", c.name, resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider %s: status %d: %s", c.name, resp.StatusCode, truncate(raw, 256))
	}

	var wire wireResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("provider %s: decode response: %w", c.name, err)
	}
	if wire.Error != nil {
		return nil, fmt.Errorf("provider %s: %s", c.name, wire.Error.Message)
	}
	if len(wire.Choices) == 0 {
		return nil, fmt.Errorf("provider %s: empty choices", c.name)
	}

	choice := wire.Choices[0]
	comp := &Completion{
		Model: wire.Model,
		Usage: Usage{
			PromptTokens:     wire.Usage.PromptTokens,
			CompletionTokens: wire.Usage.CompletionTokens,
		},
	}
	if comp.Model == "" {
		comp.Model = model
	}

	if len(choice.Message.ToolCalls) > 0 {
		tc := choice.Message.ToolCalls[0]
		if tc.Function.Name != "query" {
			return nil, fmt.Errorf("provider %s: unexpected tool %q", c.name, tc.Function.Name)
		}
		var args QueryArgs
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			return nil, fmt.Errorf("provider %s: tool arguments: %w", c.name, err)
		}
		comp.ToolCall = &ToolCall{ID: tc.ID, Tool: "query", Arguments: args}
		return comp, nil
	}

	comp.Text = choice.Message.Content
	return comp, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "…"
}
