package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/stream-chat/internal/provider"
	"github.com/tmaxmax/go-sse"
)

// Anthropic is a provider.Backend for the Anthropic Messages API. Responses are streamed as
// server-sent events and parsed with go-sse.
type Anthropic struct {
	apiKey       string
	baseURL      string
	systemPrompt string
	maxTokens    int

	client *http.Client

	logger *slog.Logger
}

type anthropicChatRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicStreamResponse struct {
	Type  string `json:"type"`
	Delta struct {
		Text string `json:"text"`
	} `json:"delta"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

type anthropicError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

const (
	anthropicAPIEndpoint = "https://api.anthropic.com/v1"
	anthropicVersion     = "2023-06-01"
)

// NewAnthropic creates an Anthropic backend. An empty baseURL selects the public endpoint.
func NewAnthropic(apiKey, baseURL, systemPrompt string, maxTokens int, logger *slog.Logger) Anthropic {
	if baseURL == "" {
		baseURL = anthropicAPIEndpoint
	}
	return Anthropic{
		apiKey:       apiKey,
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		systemPrompt: systemPrompt,
		maxTokens:    maxTokens,
		client:       &http.Client{},
		logger:       logger.With(slog.String("module", "anthropic")),
	}
}

// Stream yields the text deltas of a streamed reply to prompt.
func (a Anthropic) Stream(ctx context.Context, model, prompt string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		resp, err := a.doRequest(ctx, model, prompt, true)
		if err != nil {
			yield("", err)
			return
		}
		defer resp.Body.Close()

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				yield("", fmt.Errorf("error reading response: %w", err))
				return
			}
			switch ev.Type {
			case "error":
				var e anthropicError
				if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
					yield("", fmt.Errorf("error unmarshaling error: %w", err))
					return
				}
				yield("", anthropicStatusError(http.StatusOK, e))
				return
			case "message_stop":
				return
			case "content_block_delta":
				var res anthropicStreamResponse
				if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
					yield("", fmt.Errorf("error unmarshaling response: %w", err))
					return
				}
				if !yield(res.Delta.Text, nil) {
					return
				}
			default:
				continue
			}
		}
	}
}

// Generate returns a complete reply to prompt.
func (a Anthropic) Generate(ctx context.Context, model, prompt string) (string, error) {
	resp, err := a.doRequest(ctx, model, prompt, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var res anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("error decoding response: %w", err)
	}

	var sb strings.Builder
	for _, c := range res.Content {
		if c.Type == "text" {
			sb.WriteString(c.Text)
		}
	}
	return sb.String(), nil
}

func (a Anthropic) doRequest(ctx context.Context, model, prompt string, stream bool) (*http.Response, error) {
	reqBody := anthropicChatRequest{
		Model: model,
		Messages: []anthropicMessage{
			{Role: "user", Content: prompt},
		},
		System:    a.systemPrompt,
		MaxTokens: a.maxTokens,
		Stream:    stream,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/messages", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := a.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)

		var e anthropicError
		if err := json.Unmarshal(body, &e); err != nil || e.Error.Message == "" {
			return nil, &provider.StatusError{Code: resp.StatusCode, Message: string(body)}
		}
		a.logger.Debug("Anthropic error response", slog.String("body", string(body)))
		return nil, anthropicStatusError(resp.StatusCode, e)
	}

	return resp, nil
}

// anthropicStatusError maps an Anthropic error payload to a StatusError. Errors sent inside an
// otherwise successful stream carry no HTTP code, so the error type decides it.
func anthropicStatusError(code int, e anthropicError) *provider.StatusError {
	switch e.Error.Type {
	case "authentication_error":
		code = http.StatusUnauthorized
	case "permission_error":
		code = http.StatusForbidden
	case "rate_limit_error":
		code = http.StatusTooManyRequests
	case "overloaded_error":
		code = http.StatusServiceUnavailable
	}
	return &provider.StatusError{Code: code, Status: e.Error.Type, Message: e.Error.Message}
}
