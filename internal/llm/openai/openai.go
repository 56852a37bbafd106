// Package openai implements llm.Completer against the OpenAI Responses API.
// Requests never leave the guest directly: they are proxied by the host's
// tlsp capability through the RPC client, which keeps a receipt of each one.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/tidwall/gjson"

	"github.com/jkaninda/hpcbridge/internal/hpc"
	"github.com/jkaninda/hpcbridge/internal/llm"
)

const (
	defaultBaseURL         = "https://api.openai.com"
	responsesPath          = "/v1/responses"
	defaultModel           = "gpt-4"
	defaultMaxOutputTokens = 1024

	// textPath locates the generated text: first output item, first content element.
	textPath = "output.0.content.0.text"
)

// Invoker is the RPC surface the client needs.
type Invoker interface {
	InvokeTLSP(ctx context.Context, p hpc.TLSPRequest) (json.RawMessage, error)
}

// Client implements llm.Completer over the tlsp capability.
type Client struct {
	rpc             Invoker
	apiKey          string
	model           string
	baseURL         string
	maxOutputTokens int
	logger          *slog.Logger
}

// Option configures the OpenAI client.
type Option func(*Client)

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithModel overrides the model identifier.
func WithModel(model string) Option {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

// WithMaxOutputTokens sets the token budget per completion. Zero keeps the default.
func WithMaxOutputTokens(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxOutputTokens = n
		}
	}
}

// NewClient creates a Responses API completer using apiKey as bearer credential.
func NewClient(rpc Invoker, apiKey string, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := &Client{
		rpc:             rpc,
		apiKey:          apiKey,
		model:           defaultModel,
		baseURL:         defaultBaseURL,
		maxOutputTokens: defaultMaxOutputTokens,
		logger:          logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete sends the conversation and returns the first output text.
func (c *Client) Complete(ctx context.Context, conversation []llm.Message) (string, error) {
	body, err := json.Marshal(apiRequest{
		Input:           conversation,
		Model:           c.model,
		Stream:          false,
		MaxOutputTokens: c.maxOutputTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	headers := map[string]string{"Content-Type": "application/json"}
	if c.apiKey != "" {
		headers["Authorization"] = "Bearer " + c.apiKey
	}

	doc, err := c.rpc.InvokeTLSP(ctx, hpc.TLSPRequest{
		URL:     c.baseURL + responsesPath,
		Method:  "POST",
		Headers: headers,
		Body:    string(body),
	})
	if err != nil {
		return "", err
	}

	text := gjson.GetBytes(doc, textPath)
	if !text.Exists() || text.Type != gjson.String {
		if msg := gjson.GetBytes(doc, "error.message"); msg.Exists() {
			return "", hpc.SchemaError("llm complete", "provider error: %s", msg.String())
		}
		return "", hpc.SchemaError("llm complete", "response has no %s", textPath)
	}

	c.logger.DebugContext(ctx, "llm completion received",
		slog.String("model", c.model),
		slog.Int("messages", len(conversation)),
		slog.Int64("input_tokens", gjson.GetBytes(doc, "usage.input_tokens").Int()),
		slog.Int64("output_tokens", gjson.GetBytes(doc, "usage.output_tokens").Int()),
	)
	return text.String(), nil
}

// --- Responses API wire types (unexported) ---

type apiRequest struct {
	Input           []llm.Message `json:"input"`
	Model           string        `json:"model"`
	Stream          bool          `json:"stream"`
	MaxOutputTokens int           `json:"max_output_tokens"`
}
