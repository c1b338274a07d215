package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"github.com/MegaGrindStone/stream-chat/internal/provider"
	"google.golang.org/genai"
)

// Gemini is a provider.Backend for the Google Gemini API.
type Gemini struct {
	systemPrompt string
	params       LLMParameters

	client *genai.Client

	logger *slog.Logger
}

// NewGemini creates a Gemini backend. An empty baseURL selects the public endpoint.
func NewGemini(
	ctx context.Context,
	apiKey, baseURL, systemPrompt string,
	params LLMParameters,
	logger *slog.Logger,
) (Gemini, error) {
	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return Gemini{}, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return Gemini{
		systemPrompt: systemPrompt,
		params:       params,
		client:       client,
		logger:       logger.With(slog.String("module", "gemini")),
	}, nil
}

func (g Gemini) config() *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		Temperature:   g.params.Temperature,
		TopP:          g.params.TopP,
		StopSequences: g.params.Stop,
	}
	if g.params.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(g.params.MaxTokens)
	}
	if g.systemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(g.systemPrompt, genai.RoleUser)
	}
	return cfg
}

// Stream yields the text deltas of a streamed reply to prompt.
func (g Gemini) Stream(ctx context.Context, model, prompt string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for resp, err := range g.client.Models.GenerateContentStream(ctx, model, genai.Text(prompt), g.config()) {
			if err != nil {
				yield("", geminiError(err))
				return
			}
			text := resp.Text()
			if text == "" {
				continue
			}
			if !yield(text, nil) {
				return
			}
		}
	}
}

// Generate returns a complete reply to prompt.
func (g Gemini) Generate(ctx context.Context, model, prompt string) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, model, genai.Text(prompt), g.config())
	if err != nil {
		return "", geminiError(err)
	}
	return resp.Text(), nil
}

func geminiError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &provider.StatusError{
			Code:    apiErr.Code,
			Status:  apiErr.Status,
			Message: apiErr.Message,
		}
	}
	return fmt.Errorf("error sending request: %w", err)
}
