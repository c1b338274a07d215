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

// OpenRouter is a provider.Backend for OpenRouter's OpenAI-style chat completions API.
type OpenRouter struct {
	apiKey       string
	baseURL      string
	systemPrompt string

	client *http.Client

	logger *slog.Logger
}

type openRouterChatRequest struct {
	Model    string              `json:"model"`
	Messages []openRouterMessage `json:"messages"`
	Stream   bool                `json:"stream"`
}

type openRouterMessage struct {
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`
}

type openRouterStreamingResponse struct {
	Choices []openRouterStreamingChoice `json:"choices"`
	Error   *openRouterError            `json:"error,omitempty"`
}

type openRouterStreamingChoice struct {
	Delta openRouterMessage `json:"delta"`
}

type openRouterResponse struct {
	Choices []openRouterChoice `json:"choices"`
}

type openRouterChoice struct {
	Message openRouterMessage `json:"message"`
}

type openRouterError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type openRouterErrorResponse struct {
	Error openRouterError `json:"error"`
}

const (
	openRouterAPIEndpoint = "https://openrouter.ai/api/v1"
)

// NewOpenRouter creates an OpenRouter backend. An empty baseURL selects the public endpoint.
func NewOpenRouter(apiKey, baseURL, systemPrompt string, logger *slog.Logger) OpenRouter {
	if baseURL == "" {
		baseURL = openRouterAPIEndpoint
	}
	return OpenRouter{
		apiKey:       apiKey,
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		systemPrompt: systemPrompt,
		client:       &http.Client{},
		logger:       logger.With(slog.String("module", "openrouter")),
	}
}

// Stream yields the text deltas of a streamed reply to prompt.
func (o OpenRouter) Stream(ctx context.Context, model, prompt string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		resp, err := o.doRequest(ctx, model, prompt, true)
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

			if ev.Data == "" {
				continue
			}
			if ev.Data == "[DONE]" {
				return
			}

			var res openRouterStreamingResponse
			if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
				yield("", fmt.Errorf("error unmarshaling response: %w", err))
				return
			}
			if res.Error != nil {
				yield("", &provider.StatusError{Code: res.Error.Code, Message: res.Error.Message})
				return
			}

			if len(res.Choices) == 0 {
				continue
			}
			if content := res.Choices[0].Delta.Content; content != "" {
				if !yield(content, nil) {
					return
				}
			}
		}
	}
}

// Generate returns a complete reply to prompt.
func (o OpenRouter) Generate(ctx context.Context, model, prompt string) (string, error) {
	resp, err := o.doRequest(ctx, model, prompt, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var res openRouterResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("error decoding response: %w", err)
	}

	if len(res.Choices) == 0 {
		return "", errors.New("no choices found")
	}

	return res.Choices[0].Message.Content, nil
}

func (o OpenRouter) doRequest(ctx context.Context, model, prompt string, stream bool) (*http.Response, error) {
	var msgs []openRouterMessage
	if o.systemPrompt != "" {
		msgs = append(msgs, openRouterMessage{Role: "system", Content: o.systemPrompt})
	}
	msgs = append(msgs, openRouterMessage{Role: "user", Content: prompt})

	reqBody := openRouterChatRequest{
		Model:    model,
		Messages: msgs,
		Stream:   stream,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	o.logger.Debug("Request Body", slog.String("body", string(jsonBody)))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.baseURL+"/chat/completions", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	req.Header.Set("HTTP-Referer", "https://github.com/MegaGrindStone/stream-chat/")
	req.Header.Set("X-Title", "Stream Chat")

	resp, err := o.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)

		msg := string(body)
		var e openRouterErrorResponse
		if err := json.Unmarshal(body, &e); err == nil && e.Error.Message != "" {
			msg = e.Error.Message
		}
		return nil, &provider.StatusError{Code: resp.StatusCode, Message: msg}
	}

	return resp, nil
}
