package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"

	"github.com/MegaGrindStone/stream-chat/internal/provider"
	goopenai "github.com/sashabaranov/go-openai"
)

// OpenAI is a provider.Backend for OpenAI's chat completions API.
type OpenAI struct {
	systemPrompt string

	params LLMParameters

	client *goopenai.Client

	logger *slog.Logger
}

// NewOpenAI creates an OpenAI backend. An empty baseURL selects the public endpoint.
func NewOpenAI(apiKey, baseURL, systemPrompt string, params LLMParameters, logger *slog.Logger) OpenAI {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return OpenAI{
		systemPrompt: systemPrompt,
		params:       params,
		client:       goopenai.NewClientWithConfig(cfg),
		logger:       logger.With(slog.String("module", "openai")),
	}
}

func (o OpenAI) messages(prompt string) []goopenai.ChatCompletionMessage {
	var msgs []goopenai.ChatCompletionMessage
	if o.systemPrompt != "" {
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: o.systemPrompt,
		})
	}
	return append(msgs, goopenai.ChatCompletionMessage{
		Role:    goopenai.ChatMessageRoleUser,
		Content: prompt,
	})
}

// Stream yields the text deltas of a streamed reply to prompt.
func (o OpenAI) Stream(ctx context.Context, model, prompt string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		req := o.chatRequest(model, o.messages(prompt), true)

		reqJSON, err := json.Marshal(req)
		if err == nil {
			o.logger.Debug("Request", slog.String("req", string(reqJSON)))
		}

		stream, err := o.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			yield("", openAIError(err))
			return
		}
		defer stream.Close()

		for {
			response, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				yield("", openAIError(err))
				return
			}

			if len(response.Choices) == 0 {
				continue
			}

			if content := response.Choices[0].Delta.Content; content != "" {
				if !yield(content, nil) {
					return
				}
			}
		}
	}
}

// Generate returns a complete reply to prompt.
func (o OpenAI) Generate(ctx context.Context, model, prompt string) (string, error) {
	req := o.chatRequest(model, o.messages(prompt), false)

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", openAIError(err)
	}

	if len(resp.Choices) == 0 {
		return "", errors.New("no choices found")
	}

	return resp.Choices[0].Message.Content, nil
}

func (o OpenAI) chatRequest(
	model string,
	messages []goopenai.ChatCompletionMessage,
	stream bool,
) goopenai.ChatCompletionRequest {
	req := goopenai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		Stream:   stream,
	}

	if o.params.Temperature != nil {
		req.Temperature = *o.params.Temperature
	}
	if o.params.TopP != nil {
		req.TopP = *o.params.TopP
	}
	if o.params.Stop != nil {
		req.Stop = o.params.Stop
	}
	if o.params.MaxTokens > 0 {
		req.MaxTokens = o.params.MaxTokens
	}

	return req
}

// openAIError converts go-openai's error types to a StatusError so the HTTP code survives
// classification.
func openAIError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}

	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return &provider.StatusError{
			Code:    apiErr.HTTPStatusCode,
			Status:  apiErr.Type,
			Message: apiErr.Message,
		}
	}

	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		msg := ""
		if reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return &provider.StatusError{Code: reqErr.HTTPStatusCode, Message: msg}
	}

	return fmt.Errorf("error sending request: %w", err)
}
