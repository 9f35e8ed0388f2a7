// Package intent turns a model completion into either a plain reply or a
// structured action intent.
package intent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdobrica/Hisho/internal/hisho/action"
	"github.com/bdobrica/Hisho/internal/hisho/llm"
	"github.com/bdobrica/Hisho/internal/hisho/observability"
)

// Reply reasons, recorded as the usage kind for non-action turns.
const (
	ReasonGeneral = "general"
	ReasonNoTools = "no_tools"
	ReasonUnknown = "unknown"
)

// Fallback texts for completions that carry nothing usable.
const (
	TextNoAction   = "I couldn't determine the action."
	TextUnexpected = "Sorry, I couldn't make sense of that. Could you rephrase?"
)

// Reply is a plain text answer with no side effect.
type Reply struct {
	Text string
	// Reason is ReasonGeneral for a normal answer, otherwise why the
	// completion was downgraded to a fallback reply.
	Reason string
}

// Outcome is exactly one of Reply or Intent.
type Outcome struct {
	Reply  *Reply
	Intent *action.Intent
}

// IsAction reports whether the outcome carries an action intent.
func (o Outcome) IsAction() bool { return o.Intent != nil }

// Kind returns the action kind, or the reply reason for plain replies.
func (o Outcome) Kind() string {
	if o.Intent != nil {
		return o.Intent.Kind
	}
	if o.Reply != nil {
		return o.Reply.Reason
	}
	return ReasonUnknown
}

func reply(text, reason string) Outcome {
	return Outcome{Reply: &Reply{Text: text, Reason: reason}}
}

// FromCompletion maps a completion to an Outcome. It never fails: anything
// unusable becomes a fallback reply. Only the first tool call is honoured.
func FromCompletion(resp *llm.CompletionResponse) Outcome {
	return fromCompletion(slog.Default(), resp)
}

func fromCompletion(log *slog.Logger, resp *llm.CompletionResponse) Outcome {
	if resp == nil {
		return reply(TextUnexpected, ReasonUnknown)
	}

	switch resp.FinishReason {
	case llm.FinishStop:
		if resp.Message.Content == "" {
			log.Warn("model stopped with empty content")
			return reply(TextUnexpected, ReasonUnknown)
		}
		return reply(resp.Message.Content, ReasonGeneral)

	case llm.FinishToolCalls:
		calls := resp.Message.ToolCalls
		if len(calls) == 0 {
			return reply(TextNoAction, ReasonNoTools)
		}
		if len(calls) > 1 {
			dropped := make([]string, 0, len(calls)-1)
			for _, c := range calls[1:] {
				dropped = append(dropped, c.Function.Name)
			}
			log.Info("model requested several tools, using the first", "kind", calls[0].Function.Name, "dropped", dropped)
		}
		call := calls[0]
		if call.Function.Name == "" {
			return reply(TextNoAction, ReasonNoTools)
		}
		params, err := action.ParseParams([]byte(call.Function.Arguments))
		if err != nil {
			log.Warn("undecodable tool arguments", "kind", call.Function.Name, "err", err)
			return reply(TextUnexpected, ReasonUnknown)
		}
		return Outcome{Intent: &action.Intent{Kind: call.Function.Name, Params: params}}

	default:
		log.Warn("unexpected finish reason", "finish_reason", resp.FinishReason)
		return reply(TextUnexpected, ReasonUnknown)
	}
}

// Generator produces completions; *llm.Router implements it.
type Generator interface {
	Generate(ctx context.Context, req llm.GenerateRequest) (*llm.CompletionResponse, error)
}

// Extraction is the result of one extraction turn.
type Extraction struct {
	Outcome  Outcome
	Usage    llm.TokenUsage
	Hint     llm.Complexity
	Provider string
}

// Extractor runs one model turn over the conversation and maps the result
// to an Outcome.
type Extractor struct {
	gen        Generator
	catalog    *action.Catalog
	classifier llm.Classifier
	now        func() time.Time
	loc        *time.Location
}

// Option customizes an Extractor.
type Option func(*Extractor)

// WithClock overrides the time source used for the system prompt.
func WithClock(now func() time.Time) Option {
	return func(e *Extractor) { e.now = now }
}

// WithLocation renders the system prompt date in loc.
func WithLocation(loc *time.Location) Option {
	return func(e *Extractor) { e.loc = loc }
}

// NewExtractor returns an Extractor. A nil classifier treats every message
// as complex.
func NewExtractor(gen Generator, catalog *action.Catalog, classifier llm.Classifier, opts ...Option) *Extractor {
	if classifier == nil {
		classifier = llm.ClassifierFunc(func(string) llm.Complexity { return llm.ComplexityComplex })
	}
	e := &Extractor{
		gen:        gen,
		catalog:    catalog,
		classifier: classifier,
		now:        time.Now,
		loc:        time.Local,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract asks the model about message given the prior history and returns
// the resulting Outcome. Provider failures are returned as errors wrapping
// llm.ErrProviderUnavailable.
func (e *Extractor) Extract(ctx context.Context, history []llm.Message, message string) (*Extraction, error) {
	log := observability.WithTrace(ctx)

	req := llm.GenerateRequest{
		Messages: append(append(make([]llm.Message, 0, len(history)+1), history...), llm.Message{Role: llm.RoleUser, Content: message}),
		Hint:     e.classifier.Classify(message),
	}
	if e.catalog != nil {
		prompt, err := e.catalog.SystemPrompt(e.now().In(e.loc))
		if err != nil {
			return nil, fmt.Errorf("build system prompt: %w", err)
		}
		req.SystemPrompt = prompt
		req.Tools = e.catalog.ToolDefinitions()
	}

	resp, err := e.gen.Generate(ctx, req)
	if err != nil {
		return nil, err
	}

	out := fromCompletion(log, resp)
	log.Info("extracted intent", "kind", out.Kind(), "hint", req.Hint, "provider", resp.Provider, "tokens", resp.Usage.TotalTokens)
	return &Extraction{
		Outcome:  out,
		Usage:    resp.Usage,
		Hint:     req.Hint,
		Provider: resp.Provider,
	}, nil
}
