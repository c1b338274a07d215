package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"regexp"
	"strconv"

	"github.com/MegaGrindStone/stream-chat/internal/provider"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// Compat is a provider.Backend for any server speaking the OpenAI chat protocol, such as vLLM,
// LM Studio or llama.cpp, driven through langchaingo.
type Compat struct {
	systemPrompt string
	params       LLMParameters

	llm *openai.LLM

	logger *slog.Logger
}

// NewCompat creates a backend for an OpenAI-compatible server at baseURL.
func NewCompat(apiKey, baseURL, defaultModel, systemPrompt string, params LLMParameters, logger *slog.Logger) (Compat, error) {
	if baseURL == "" {
		return Compat{}, errors.New("compat provider requires a baseURL")
	}
	if apiKey == "" {
		// langchaingo refuses an empty token; most local servers ignore it.
		apiKey = "none"
	}

	llm, err := openai.New(
		openai.WithToken(apiKey),
		openai.WithBaseURL(baseURL),
		openai.WithModel(defaultModel),
	)
	if err != nil {
		return Compat{}, fmt.Errorf("failed to create compat client: %w", err)
	}

	return Compat{
		systemPrompt: systemPrompt,
		params:       params,
		llm:          llm,
		logger:       logger.With(slog.String("module", "compat")),
	}, nil
}

func (c Compat) messages(prompt string) []llms.MessageContent {
	var msgs []llms.MessageContent
	if c.systemPrompt != "" {
		msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeSystem, c.systemPrompt))
	}
	return append(msgs, llms.TextParts(llms.ChatMessageTypeHuman, prompt))
}

func (c Compat) options(model string) []llms.CallOption {
	opts := []llms.CallOption{llms.WithModel(model)}
	if c.params.Temperature != nil {
		opts = append(opts, llms.WithTemperature(float64(*c.params.Temperature)))
	}
	if c.params.TopP != nil {
		opts = append(opts, llms.WithTopP(float64(*c.params.TopP)))
	}
	if c.params.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(c.params.MaxTokens))
	}
	if len(c.params.Stop) > 0 {
		opts = append(opts, llms.WithStopWords(c.params.Stop))
	}
	return opts
}

var errStopped = errors.New("stream stopped by consumer")

// Stream yields the text deltas of a streamed reply to prompt.
func (c Compat) Stream(ctx context.Context, model, prompt string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		stopped := false
		opts := append(c.options(model), llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			if len(chunk) == 0 {
				return nil
			}
			if !yield(string(chunk), nil) {
				stopped = true
				return errStopped
			}
			return nil
		}))

		c.logger.Debug("Request", slog.String("model", model), slog.Int("promptLen", len(prompt)))
		_, err := c.llm.GenerateContent(ctx, c.messages(prompt), opts...)
		if err != nil && !stopped {
			yield("", compatError(err))
		}
	}
}

// Generate returns a complete reply to prompt.
func (c Compat) Generate(ctx context.Context, model, prompt string) (string, error) {
	c.logger.Debug("Request", slog.String("model", model), slog.Int("promptLen", len(prompt)))
	resp, err := c.llm.GenerateContent(ctx, c.messages(prompt), c.options(model)...)
	if err != nil {
		return "", compatError(err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no choices found")
	}
	return resp.Choices[0].Content, nil
}

// langchaingo only reports HTTP failures as text.
var compatStatusPattern = regexp.MustCompile(`unexpected status code: (\d{3})(?:: (.*))?`)

func compatError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if m := compatStatusPattern.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[1])
		return &provider.StatusError{Code: code, Message: m[2]}
	}
	return fmt.Errorf("error sending request: %w", err)
}
