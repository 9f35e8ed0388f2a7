package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/bdobrica/Hisho/internal/hisho/observability"
)

// RouterConfig controls provider and model selection.
type RouterConfig struct {
	// Model is the primary provider's full model.
	Model string
	// LightModel is used for simple messages when DynamicModel is on.
	LightModel string
	// DynamicModel enables picking LightModel for simple messages.
	DynamicModel bool
	// UseFallbackForSimple sends simple, tool-free requests to the fallback
	// provider when it is reachable.
	UseFallbackForSimple bool
	MaxTokens            int
	Temperature          float32
}

// GenerateRequest is one routed inference call.
type GenerateRequest struct {
	Messages     []Message
	SystemPrompt string
	Tools        []ToolDefinition
	Hint         Complexity
}

// Observer receives one call per provider attempt.
type Observer interface {
	ObserveProvider(provider, outcome string, elapsed time.Duration)
}

// Router chooses between a primary and an optional fallback provider.
type Router struct {
	primary  Provider
	fallback Provider
	cfg      RouterConfig
	observer Observer
}

// RouterOption customizes a Router.
type RouterOption func(*Router)

// WithObserver reports provider attempts to o.
func WithObserver(o Observer) RouterOption {
	return func(r *Router) { r.observer = o }
}

// NewRouter returns a Router. fallback may be nil.
func NewRouter(primary, fallback Provider, cfg RouterConfig, opts ...RouterOption) *Router {
	r := &Router{primary: primary, fallback: fallback, cfg: cfg}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Generate runs req on the selected provider.
//
// A simple, tool-free request goes to the fallback when configured for it
// and reachable. If the primary fails and a reachable fallback exists, the
// request is retried once on the fallback without tools. When every attempt
// fails the error wraps ErrProviderUnavailable.
func (r *Router) Generate(ctx context.Context, req GenerateRequest) (*CompletionResponse, error) {
	log := observability.WithTrace(ctx)

	creq := CompletionRequest{
		Messages:    r.messages(req),
		Tools:       req.Tools,
		MaxTokens:   r.cfg.MaxTokens,
		Temperature: r.cfg.Temperature,
	}

	if r.useFallbackFirst(ctx, req) {
		log.Info("routing simple request to fallback provider", "provider", r.fallback.Name())
		resp, err := r.call(ctx, r.fallback, creq)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
		}
		return resp, nil
	}

	creq.Model = r.primaryModel(req.Hint)
	log.Info("routing request to primary provider", "provider", r.primary.Name(), "model", creq.Model, "hint", req.Hint)
	resp, err := r.call(ctx, r.primary, creq)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}

	if r.fallback == nil || !available(ctx, r.fallback) {
		log.Error("primary provider failed, no fallback", "err", err)
		return nil, fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}

	log.Warn("primary provider failed, retrying on fallback", "err", err, "provider", r.fallback.Name())
	creq.Model = ""
	creq.Tools = nil
	resp, ferr := r.call(ctx, r.fallback, creq)
	if ferr != nil {
		return nil, fmt.Errorf("%w: primary: %w; fallback: %w", ErrProviderUnavailable, err, ferr)
	}
	return resp, nil
}

func (r *Router) useFallbackFirst(ctx context.Context, req GenerateRequest) bool {
	return r.fallback != nil &&
		r.cfg.UseFallbackForSimple &&
		req.Hint == ComplexitySimple &&
		len(req.Tools) == 0 &&
		available(ctx, r.fallback)
}

func (r *Router) primaryModel(hint Complexity) string {
	if r.cfg.DynamicModel && r.cfg.LightModel != "" && hint == ComplexitySimple {
		return r.cfg.LightModel
	}
	return r.cfg.Model
}

func (r *Router) messages(req GenerateRequest) []Message {
	if req.SystemPrompt == "" {
		return req.Messages
	}
	out := make([]Message, 0, len(req.Messages)+1)
	out = append(out, Message{Role: RoleSystem, Content: req.SystemPrompt})
	return append(out, req.Messages...)
}

func (r *Router) call(ctx context.Context, p Provider, req CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()
	resp, err := p.Complete(ctx, req)
	if r.observer != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		r.observer.ObserveProvider(p.Name(), outcome, time.Since(start))
	}
	if err != nil {
		return nil, err
	}
	if resp.Provider == "" {
		resp.Provider = p.Name()
	}
	return resp, nil
}

func available(ctx context.Context, p Provider) bool {
	if a, ok := p.(Availability); ok {
		return a.Available(ctx)
	}
	return true
}
