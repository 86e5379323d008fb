// Package gemini generates replies with Gemini through its OpenAI-compatible
// chat completions endpoint.
package gemini

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/khetsense/khetsense/internal/composer"
	"github.com/khetsense/khetsense/internal/dialogue"
)

const (
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai"
	DefaultModel   = "gemini-2.0-flash"
)

// Client implements dialogue.Generator.
type Client struct {
	api   *openai.Client
	model string
}

var _ dialogue.Generator = (*Client)(nil)

// New creates a Client. An empty baseURL or model uses the defaults.
func New(apiKey, baseURL, model string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if model == "" {
		model = DefaultModel
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = strings.TrimRight(baseURL, "/")
	cfg.HTTPClient = &http.Client{}
	return &Client{api: openai.NewClientWithConfig(cfg), model: model}
}

// Model returns the generation model name.
func (c *Client) Model() string { return c.model }

// Generate sends blocks as one multi-turn request and returns the first
// choice's text.
func (c *Client) Generate(ctx context.Context, blocks []composer.Block) (string, error) {
	msgs, err := toMessages(blocks)
	if err != nil {
		return "", err
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: msgs,
	})
	if err != nil {
		return "", classify(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return "", &dialogue.BackendError{Message: "response has no choices"}
	}
	return resp.Choices[0].Message.Content, nil
}

// toMessages converts blocks to chat messages. The model role is called
// "assistant" on this endpoint.
func toMessages(blocks []composer.Block) ([]openai.ChatCompletionMessage, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(blocks))
	for i, b := range blocks {
		var role string
		switch b.Role {
		case composer.BlockUser:
			role = openai.ChatMessageRoleUser
		case composer.BlockModel:
			role = openai.ChatMessageRoleAssistant
		default:
			return nil, fmt.Errorf("block %d: unknown role %q", i, b.Role)
		}

		if len(b.Parts) == 1 && b.Parts[0].Data == nil {
			msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: b.Parts[0].Text})
			continue
		}

		parts := make([]openai.ChatMessagePart, 0, len(b.Parts))
		for _, p := range b.Parts {
			if p.Data == nil {
				parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: p.Text})
				continue
			}
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL: "data:" + p.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(p.Data),
				},
			})
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, MultiContent: parts})
	}
	return msgs, nil
}

// classify maps client errors to the dialogue error types.
func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", dialogue.ErrBackendTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return statusError(apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		msg := reqErr.Error()
		if len(reqErr.Body) > 0 {
			msg = strings.TrimSpace(string(reqErr.Body))
		}
		return statusError(reqErr.HTTPStatusCode, msg)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", dialogue.ErrBackendTimeout, err)
	}
	return fmt.Errorf("%w: %v", dialogue.ErrBackendUnavailable, err)
}

func statusError(code int, msg string) error {
	switch code {
	case http.StatusServiceUnavailable, http.StatusBadGateway:
		return fmt.Errorf("%w: HTTP %d: %s", dialogue.ErrBackendUnavailable, code, msg)
	case http.StatusGatewayTimeout:
		return fmt.Errorf("%w: HTTP %d: %s", dialogue.ErrBackendTimeout, code, msg)
	}
	return &dialogue.BackendError{StatusCode: code, Message: msg}
}
