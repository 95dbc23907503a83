// Package openrouter implements the completion client against an
// OpenRouter-compatible chat-completions endpoint.
package openrouter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/qbitdata/qbit/internal/agent"
	"github.com/qbitdata/qbit/internal/retry"
	"github.com/qbitdata/qbit/pkg/models"
)

// Client talks to OpenRouter through the OpenAI-compatible API surface.
type Client struct {
	api    *openai.Client
	logger *slog.Logger
	retry  retry.Config
}

// New builds a Client for the given endpoint. baseURL may be empty for the
// upstream default.
func New(apiKey, baseURL string, logger *slog.Logger) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openrouter api key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	return &Client{
		api:    openai.NewClientWithConfig(cfg),
		logger: logger.With("component", "openrouter"),
		retry:  retry.DefaultConfig(),
	}, nil
}

// Complete implements agent.CompletionClient with bounded retry on rate
// limits and transient failures.
func (c *Client) Complete(ctx context.Context, req agent.CompletionRequest) (*agent.Completion, error) {
	chatReq := c.buildRequest(req, false)

	completion, res := retry.DoWithValue(ctx, c.retry, func() (*agent.Completion, error) {
		resp, err := c.api.CreateChatCompletion(ctx, chatReq)
		if err != nil {
			err = classify(err)
			if !retryable(err) {
				return nil, retry.Permanent(err)
			}
			c.logger.Warn("completion attempt failed", "error", err)
			return nil, err
		}
		if len(resp.Choices) == 0 {
			return nil, retry.Permanent(fmt.Errorf("completion returned no choices"))
		}
		return convertCompletion(resp.Choices[0].Message), nil
	})
	if res.Err != nil {
		var pe *retry.PermanentError
		if errors.As(res.Err, &pe) {
			return nil, pe.Err
		}
		return nil, res.Err
	}
	if res.Attempts > 1 {
		c.logger.Info("completion succeeded after retry", "attempts", res.Attempts)
	}
	return completion, nil
}

// Stream implements agent.CompletionClient. Retries are left to the caller,
// which owns the backoff and the user-visible rate-limit events.
func (c *Client) Stream(ctx context.Context, req agent.CompletionRequest) (<-chan agent.Delta, error) {
	stream, err := c.api.CreateChatCompletionStream(ctx, c.buildRequest(req, true))
	if err != nil {
		return nil, classify(err)
	}

	deltas := make(chan agent.Delta, 16)
	go func() {
		defer close(deltas)
		defer stream.Close()
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				deltas <- agent.Delta{Err: classify(err)}
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			d := resp.Choices[0].Delta
			out := agent.Delta{
				Content:   d.Content,
				Reasoning: d.ReasoningContent,
			}
			for _, tc := range d.ToolCalls {
				out.ToolCalls = append(out.ToolCalls, agent.ToolCallDelta{
					Index:     tc.Index,
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				})
			}
			if out.Content == "" && out.Reasoning == "" && len(out.ToolCalls) == 0 {
				continue
			}
			select {
			case deltas <- out:
			case <-ctx.Done():
				return
			}
		}
	}()
	return deltas, nil
}

func (c *Client) buildRequest(req agent.CompletionRequest, stream bool) openai.ChatCompletionRequest {
	out := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    convertTurns(req.Turns),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  json.RawMessage(tool.Parameters),
			},
		})
	}
	if len(out.Tools) > 0 {
		out.ToolChoice = "auto"
	}
	return out
}

func convertTurns(turns []models.Turn) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(turns))
	for _, turn := range turns {
		msg := openai.ChatCompletionMessage{
			Role:       string(turn.Role),
			Content:    turn.Content,
			ToolCallID: turn.ToolCallID,
			Name:       turn.Name,
		}
		for _, call := range turn.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   call.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      call.Name,
					Arguments: string(call.Input),
				},
			})
		}
		out = append(out, msg)
	}
	return out
}

func convertCompletion(msg openai.ChatCompletionMessage) *agent.Completion {
	out := &agent.Completion{Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out
}

// classify maps backend failures onto the agent's error taxonomy so the
// loop can tell a rate limit from a dead request.
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return classifyStatus(reqErr.HTTPStatusCode, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &agent.TransientError{Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &agent.TransientError{Err: err}
	}
	return err
}

func classifyStatus(status int, err error) error {
	switch {
	case status == 429:
		return &agent.RateLimitError{RetryAfter: 2 * time.Second}
	case status >= 500:
		return &agent.TransientError{Err: err}
	default:
		return err
	}
}

func retryable(err error) bool {
	var rle *agent.RateLimitError
	if errors.As(err, &rle) {
		return true
	}
	var te *agent.TransientError
	return errors.As(err, &te)
}
