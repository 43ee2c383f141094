// Package llm holds the provider client, stage routing, and the
// summarize_article_llm handler.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sempervigil/sempervigil/internal/model"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the provider-agnostic completion request.
type Request struct {
	Model          string
	Messages       []Message
	Temperature    float64
	MaxTokens      int
	ResponseSchema json.RawMessage
}

// Response is the slice of the provider reply this system uses.
type Response struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
}

// Provider completes chat requests.
type Provider interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// Client talks to an OpenAI-compatible chat-completions endpoint.
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// NewClient builds a client for the given base URL. The chat-completions
// path is appended unless the URL already carries it.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	endpoint := strings.TrimRight(baseURL, "/")
	if !strings.HasSuffix(endpoint, "/chat/completions") {
		endpoint += "/chat/completions"
	}
	return &Client{
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    float64         `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat json.RawMessage `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete implements Provider.
func (c *Client) Complete(ctx context.Context, req Request) (Response, error) {
	if c.endpoint == "" || req.Model == "" {
		return Response{}, model.Errf(model.KindValidation, "llm client misconfigured")
	}
	payload := chatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if len(req.ResponseSchema) > 0 {
		format, err := json.Marshal(map[string]any{
			"type":        "json_schema",
			"json_schema": json.RawMessage(req.ResponseSchema),
		})
		if err != nil {
			return Response{}, model.WrapErr(model.KindValidation, err, "marshal response schema")
		}
		payload.ResponseFormat = format
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, model.WrapErr(model.KindInternal, err, "marshal chat request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, model.WrapErr(model.KindValidation, err, "build chat request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, model.WrapErr(model.ClassifyErr(err), err, "call %s", c.endpoint)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		msg := strings.TrimSpace(string(detail))
		if resp.StatusCode == http.StatusTooManyRequests {
			return Response{}, &model.RateLimitedError{
				RetryAfter: retryAfterOf(resp),
				Err:        model.Errf(model.KindRateLimited, "provider %d: %s", resp.StatusCode, msg),
			}
		}
		return Response{}, model.Errf(model.KindForStatus(resp.StatusCode), "provider %d: %s", resp.StatusCode, msg)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Response{}, model.WrapErr(model.KindTransient, err, "decode provider response")
	}
	if len(parsed.Choices) == 0 {
		return Response{}, model.Errf(model.KindTransient, "provider returned no choices")
	}
	return Response{
		Content:          parsed.Choices[0].Message.Content,
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
	}, nil
}

func retryAfterOf(resp *http.Response) time.Duration {
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return 0
	}
	if d, err := time.ParseDuration(header + "s"); err == nil && d > 0 {
		return d
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
