// Package llm provides the chat-model client shared by the planner, debate,
// safety head, and healing stages. Callers treat every error as "model
// unavailable" and fall back to their deterministic paths; nothing in the
// decision flow hard-depends on a working model.
package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/config"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SamplingOptions tune a single chat call. Zero temperature plus a fixed
// seed makes the call replayable on providers that honor both.
type SamplingOptions struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p,omitempty"`
	Seed        int64   `json:"seed,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	ForceJSON   bool    `json:"force_json,omitempty"`
}

// Usage is the provider-reported token accounting for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is one completed chat call.
type Response struct {
	Content      string `json:"content"`
	Model        string `json:"model"`
	FinishReason string `json:"finish_reason"`
	Usage        Usage  `json:"usage"`
}

// Client is the chat capability the pipeline depends on.
type Client interface {
	Chat(ctx context.Context, messages []Message, options *SamplingOptions) (*Response, error)
}

// ErrUnconfigured means no usable provider is set up. Callers switch to
// heuristic fallbacks instead of treating this as a startup failure.
var ErrUnconfigured = errors.New("llm: client not configured")

// NewFromConfig builds the provider client named by cfg.
func NewFromConfig(cfg *config.Config) (Client, error) {
	switch cfg.LLMProvider {
	case "", "openai", "openai_compatible":
		if cfg.LLMAPIKey == "" {
			return nil, ErrUnconfigured
		}
		return NewOpenAIClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel,
			WithTimeouts(cfg.LLMTimeout, cfg.LLMConnectTimeout),
			WithMaxRetries(cfg.LLMMaxRetries),
		), nil
	case "none", "heuristic":
		return nil, ErrUnconfigured
	default:
		return nil, fmt.Errorf("llm: unknown provider %q: %w", cfg.LLMProvider, ErrUnconfigured)
	}
}
