package llm

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/sync/singleflight"
)

// OpenAIConfig configures an OpenAI-compatible chat completion backend.
type OpenAIConfig struct {
	// Name identifies the provider in logs and metrics. Defaults to "openai".
	Name string
	// APIKey is the bearer token for the API.
	APIKey string
	// BaseURL overrides the API endpoint. Empty means the OpenAI default.
	BaseURL string
	// Model is used when CompletionRequest.Model is empty.
	Model string
	// MaxTokens is used when CompletionRequest.MaxTokens is zero.
	MaxTokens int
	// Timeout bounds each request. Defaults to 120s.
	Timeout time.Duration
	// HealthTTL is how long an availability probe result is reused.
	// Defaults to 30s.
	HealthTTL time.Duration
	// HTTPClient overrides the transport; tests point it at httptest.
	HTTPClient *http.Client
}

// OpenAIProvider implements Provider with the go-openai client. Any server
// speaking the OpenAI chat completions protocol works, including Ollama's
// /v1 endpoint.
type OpenAIProvider struct {
	cfg    OpenAIConfig
	client *openai.Client

	probes    singleflight.Group
	mu        sync.Mutex
	checkedAt time.Time
	available bool
}

// probeTimeout bounds one model listing.
const probeTimeout = 5 * time.Second

var (
	_ Provider     = (*OpenAIProvider)(nil)
	_ Availability = (*OpenAIProvider)(nil)
)

// NewOpenAI returns a provider backed by the OpenAI (or compatible) API.
func NewOpenAI(cfg OpenAIConfig) *OpenAIProvider {
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.HealthTTL == 0 {
		cfg.HealthTTL = 30 * time.Second
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	if cfg.HTTPClient != nil {
		clientConfig.HTTPClient = cfg.HTTPClient
	}
	return &OpenAIProvider{
		cfg:    cfg,
		client: openai.NewClientWithConfig(clientConfig),
	}
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string { return p.cfg.Name }

// Complete sends a chat completion request.
func (p *OpenAIProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.cfg.MaxTokens
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    toOpenAIMessages(req.Messages),
		Tools:       toOpenAITools(req.Tools),
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("%s chat completion: %w", p.cfg.Name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s chat completion: no choices in response", p.cfg.Name)
	}

	choice := resp.Choices[0]
	msg := Message{
		Role:    Role(choice.Message.Role),
		Content: choice.Message.Content,
	}
	for _, tc := range choice.Message.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			ID:   tc.ID,
			Type: string(tc.Type),
			Function: FunctionCall{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}

	return &CompletionResponse{
		Message:      msg,
		FinishReason: string(choice.FinishReason),
		Usage: TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		Provider: p.cfg.Name,
		Model:    model,
	}, nil
}

// Available reports whether the backend answers a model listing. The result
// is cached for HealthTTL so routing decisions do not probe on every message.
// Concurrent callers share one probe; a caller whose ctx ends first gets the
// previous verdict.
func (p *OpenAIProvider) Available(ctx context.Context) bool {
	p.mu.Lock()
	fresh := !p.checkedAt.IsZero() && time.Since(p.checkedAt) < p.cfg.HealthTTL
	last := p.available
	p.mu.Unlock()
	if fresh {
		return last
	}

	ch := p.probes.DoChan("models", func() (any, error) {
		probeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), probeTimeout)
		defer cancel()
		_, err := p.client.ListModels(probeCtx)

		p.mu.Lock()
		defer p.mu.Unlock()
		p.available = err == nil
		p.checkedAt = time.Now()
		return p.available, nil
	})
	select {
	case res := <-ch:
		return res.Val.(bool)
	case <-ctx.Done():
		return last
	}
}

func toOpenAIMessages(in []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(in))
	for _, m := range in {
		om := openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		out = append(out, om)
	}
	return out
}

func toOpenAITools(in []ToolDefinition) []openai.Tool {
	if len(in) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(in))
	for _, t := range in {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			},
		})
	}
	return out
}
