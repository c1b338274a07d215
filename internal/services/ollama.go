package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"

	"github.com/MegaGrindStone/stream-chat/internal/provider"
	"github.com/ollama/ollama/api"
)

// Ollama is a provider.Backend for a local or remote Ollama server.
type Ollama struct {
	host         string
	systemPrompt string

	client *api.Client
}

// NewOllama creates an Ollama backend. The host parameter should be a valid URL pointing to an
// Ollama server.
func NewOllama(host, systemPrompt string) (Ollama, error) {
	u, err := url.Parse(host)
	if err != nil {
		return Ollama{}, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}

	return Ollama{
		host:         host,
		systemPrompt: systemPrompt,
		client:       api.NewClient(u, &http.Client{}),
	}, nil
}

func (o Ollama) messages(prompt string) []api.Message {
	var msgs []api.Message
	if o.systemPrompt != "" {
		msgs = append(msgs, api.Message{Role: "system", Content: o.systemPrompt})
	}
	return append(msgs, api.Message{Role: "user", Content: prompt})
}

// Stream yields the text deltas of a streamed reply to prompt.
func (o Ollama) Stream(ctx context.Context, model, prompt string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		t := true
		req := api.ChatRequest{
			Model:    model,
			Messages: o.messages(prompt),
			Stream:   &t,
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stopped := false
		err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
			if stopped || res.Message.Content == "" {
				return nil
			}
			if !yield(res.Message.Content, nil) {
				stopped = true
				cancel()
			}
			return nil
		})
		if err != nil && !stopped {
			yield("", ollamaError(err))
		}
	}
}

// Generate returns a complete reply to prompt.
func (o Ollama) Generate(ctx context.Context, model, prompt string) (string, error) {
	f := false
	req := api.ChatRequest{
		Model:    model,
		Messages: o.messages(prompt),
		Stream:   &f,
	}

	var reply string
	if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
		reply += res.Message.Content
		return nil
	}); err != nil {
		return "", ollamaError(err)
	}

	return reply, nil
}

func ollamaError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		return &provider.StatusError{
			Code:    statusErr.StatusCode,
			Status:  statusErr.Status,
			Message: statusErr.ErrorMessage,
		}
	}
	return fmt.Errorf("error sending request: %w", err)
}
