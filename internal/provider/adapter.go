// Package provider puts the upstream model API behind one generate/stream contract.
//
// An Adapter owns a Backend and an ordered list of model identifiers. Each request tries the
// primary model first and moves to the next one on failure, unless the request was cancelled.
// Once a model has produced text it owns the request: later failures are reported, not retried.
package provider

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
)

// Backend is one upstream API. Stream yields text deltas; the Adapter turns them into
// cumulative text.
type Backend interface {
	Stream(ctx context.Context, model, prompt string) iter.Seq2[string, error]
	Generate(ctx context.Context, model, prompt string) (string, error)
}

// Handler receives the outcome of GenerateStreaming. OnChunk gets the cumulative text so far.
// Exactly one of OnComplete and OnError is called, after the last OnChunk.
type Handler struct {
	OnChunk    func(text string)
	OnComplete func(text string)
	OnError    func(err error)
}

// Adapter is the Provider Adapter. It is safe for concurrent use, though only one stream is
// tracked for CancelStream at a time.
type Adapter struct {
	backend Backend
	models  []string

	mu     sync.Mutex
	cancel context.CancelFunc
	token  uint64

	logger *slog.Logger
}

const errLoggerKey = "err"

// NewAdapter creates an Adapter. models[0] is the primary model, the rest are fallbacks in
// order. A nil backend yields an adapter reporting Configured() == false.
func NewAdapter(backend Backend, models []string, logger *slog.Logger) *Adapter {
	var ms []string
	for _, m := range models {
		if m = strings.TrimSpace(m); m != "" {
			ms = append(ms, m)
		}
	}
	return &Adapter{
		backend: backend,
		models:  ms,
		logger:  logger.With(slog.String("module", "provider")),
	}
}

// Configured reports whether the adapter can serve requests.
func (a *Adapter) Configured() bool {
	return a.backend != nil && len(a.models) > 0
}

// Models returns the model identifiers in the order they are tried.
func (a *Adapter) Models() []string {
	return append([]string(nil), a.models...)
}

// GenerateStreaming streams a reply to prompt into h and returns when the request is over.
// A request aborted by CancelStream or ctx reports an *Error of KindCanceled.
func (a *Adapter) GenerateStreaming(ctx context.Context, prompt string, h Handler) {
	if !a.Configured() {
		h.fail(&Error{Kind: KindConfigurationMissing, Err: ErrNotConfigured})
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	token := a.track(cancel)
	defer a.untrack(token)

	var lastErr error
	for i, model := range a.models {
		text, started, err := a.streamModel(ctx, model, prompt, h)
		if err == nil {
			h.complete(text)
			return
		}
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			h.fail(&Error{Kind: KindCanceled, Model: model, Err: ErrCanceled})
			return
		}
		if started {
			a.logger.Error("Stream failed after producing text",
				slog.String("model", model),
				slog.String(errLoggerKey, err.Error()))
			h.fail(&Error{Kind: Classify(err), Model: model, Err: err})
			return
		}

		lastErr = err
		if i < len(a.models)-1 {
			a.logger.Warn("Model failed, trying fallback",
				slog.String("model", model),
				slog.String("fallback", a.models[i+1]),
				slog.String(errLoggerKey, err.Error()))
		}
	}

	h.fail(a.exhausted(lastErr))
}

func (a *Adapter) streamModel(ctx context.Context, model, prompt string, h Handler) (string, bool, error) {
	var sb strings.Builder
	started := false

	for delta, err := range a.backend.Stream(ctx, model, prompt) {
		if err != nil {
			return sb.String(), started, err
		}
		if ctx.Err() != nil {
			return sb.String(), started, ctx.Err()
		}
		if delta == "" {
			continue
		}
		sb.WriteString(delta)
		started = true
		h.chunk(sb.String())
	}
	if ctx.Err() != nil {
		return sb.String(), started, ctx.Err()
	}
	if !started {
		return "", false, ErrEmptyResponse
	}
	return sb.String(), true, nil
}

// GenerateOnce returns a complete reply to prompt without streaming. It walks the same model
// chain as GenerateStreaming but is only cancelled through ctx.
func (a *Adapter) GenerateOnce(ctx context.Context, prompt string) (string, error) {
	if !a.Configured() {
		return "", &Error{Kind: KindConfigurationMissing, Err: ErrNotConfigured}
	}

	var lastErr error
	for i, model := range a.models {
		text, err := a.backend.Generate(ctx, model, prompt)
		if err == nil && strings.TrimSpace(text) == "" {
			err = ErrEmptyResponse
		}
		if err == nil {
			return text, nil
		}
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return "", &Error{Kind: KindCanceled, Model: model, Err: ErrCanceled}
		}

		lastErr = err
		if i < len(a.models)-1 {
			a.logger.Warn("Model failed, trying fallback",
				slog.String("model", model),
				slog.String("fallback", a.models[i+1]),
				slog.String(errLoggerKey, err.Error()))
		}
	}
	return "", a.exhausted(lastErr)
}

func (a *Adapter) exhausted(lastErr error) *Error {
	a.logger.Error("All models failed", slog.String(errLoggerKey, lastErr.Error()))
	return &Error{
		Kind: Classify(lastErr),
		Err:  fmt.Errorf("%w: %w", ErrAllModelsFailed, lastErr),
	}
}

// CancelStream aborts the stream in flight, if any. It is safe to call at any time and any
// number of times.
func (a *Adapter) CancelStream() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
}

func (a *Adapter) track(cancel context.CancelFunc) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.token++
	a.cancel = cancel
	return a.token
}

func (a *Adapter) untrack(token uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token == token {
		a.cancel = nil
	}
}

func (h Handler) chunk(text string) {
	if h.OnChunk != nil {
		h.OnChunk(text)
	}
}

func (h Handler) complete(text string) {
	if h.OnComplete != nil {
		h.OnComplete(text)
	}
}

func (h Handler) fail(err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}
