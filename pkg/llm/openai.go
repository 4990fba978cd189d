package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/veritasfuji-japan/veritas-os-sub000/pkg/retry"
)

// OpenAIClient speaks the OpenAI-compatible chat completions protocol
// against a configurable base URL, so self-hosted gateways work unchanged.
// Transient failures (network, 429, 5xx) are retried with deterministic
// backoff; 4xx responses are not.
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	retry      retry.Policy
}

// OpenAIOption configures the client.
type OpenAIOption func(*OpenAIClient)

// WithTimeouts sets the per-call and connect timeouts.
func WithTimeouts(request, connect time.Duration) OpenAIOption {
	return func(c *OpenAIClient) {
		if request <= 0 {
			request = 60 * time.Second
		}
		if connect <= 0 {
			connect = 10 * time.Second
		}
		c.httpClient = &http.Client{
			Timeout: request,
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: connect}).DialContext,
				TLSHandshakeTimeout: connect,
			},
		}
	}
}

// WithMaxRetries bounds the retries after the first attempt.
func WithMaxRetries(n int) OpenAIOption {
	return func(c *OpenAIClient) {
		if n < 0 {
			n = 0
		}
		c.retry.MaxAttempts = n + 1
	}
}

// WithHTTPClient replaces the transport, mainly for tests.
func WithHTTPClient(h *http.Client) OpenAIOption {
	return func(c *OpenAIClient) { c.httpClient = h }
}

// NewOpenAIClient builds a client for the given endpoint and model.
func NewOpenAIClient(baseURL, apiKey, model string, opts ...OpenAIOption) *OpenAIClient {
	c := &OpenAIClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		retry:      retry.DefaultPolicy(),
	}
	if c.baseURL == "" {
		c.baseURL = "https://api.openai.com/v1"
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type openAIRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    float64         `json:"temperature"`
	TopP           float64         `json:"top_p,omitempty"`
	Seed           int64           `json:"seed,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Chat sends one chat completion call.
func (c *OpenAIClient) Chat(ctx context.Context, messages []Message, options *SamplingOptions) (*Response, error) {
	reqBody := openAIRequest{
		Model:    c.model,
		Messages: messages,
	}
	if options != nil {
		reqBody.Temperature = options.Temperature
		reqBody.TopP = options.TopP
		reqBody.Seed = options.Seed
		reqBody.MaxTokens = options.MaxTokens
		if options.ForceJSON {
			reqBody.ResponseFormat = &responseFormat{Type: "json_object"}
		}
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}

	var out *Response
	err = retry.Do(ctx, c.retry, c.model, func(ctx context.Context) error {
		resp, callErr := c.call(ctx, jsonBody)
		if callErr != nil {
			return callErr
		}
		out = resp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *OpenAIClient) call(ctx context.Context, body []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("llm: create request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llm: call failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		// Drain a little of the body for the log line, never the client.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("llm: provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, err
		}
		return nil, retry.Permanent(err)
	}

	var oai openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&oai); err != nil {
		return nil, retry.Permanent(fmt.Errorf("llm: decode response: %w", err))
	}
	if len(oai.Choices) == 0 {
		return nil, retry.Permanent(fmt.Errorf("llm: empty choices in response"))
	}

	model := oai.Model
	if model == "" {
		model = c.model
	}
	return &Response{
		Content:      oai.Choices[0].Message.Content,
		Model:        model,
		FinishReason: oai.Choices[0].FinishReason,
		Usage: Usage{
			PromptTokens:     oai.Usage.PromptTokens,
			CompletionTokens: oai.Usage.CompletionTokens,
			TotalTokens:      oai.Usage.TotalTokens,
		},
	}, nil
}
