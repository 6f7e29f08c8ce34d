// Package llm provides an ordered-fallback chat completion client over an
// OpenAI-compatible endpoint.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/parley/internal/observability"
)

const (
	// DefaultBaseURL is the Groq OpenAI-compatible endpoint.
	DefaultBaseURL = "https://api.groq.com/openai/v1"
	// DefaultTimeout bounds each model attempt.
	DefaultTimeout = 15 * time.Second
	// DefaultTemperature is the sampling temperature.
	DefaultTemperature = 0.7
	// DefaultFallback is returned by Complete when nothing succeeded.
	DefaultFallback = "AI is unavailable right now. Please try again later."
)

// DefaultModels are tried in order.
var DefaultModels = []string{
	"llama-3.1-8b-instant",
	"mixtral-8x7b-32768",
	"llama-3.1-70b-versatile",
}

// Config configures the gateway.
type Config struct {
	BaseURL      string        `yaml:"base_url"`
	APIKey       string        `yaml:"api_key"`
	Models       []string      `yaml:"models"`
	Timeout      time.Duration `yaml:"timeout"`
	Temperature  float32       `yaml:"temperature"`
	MaxTokens    int           `yaml:"max_tokens"`
	SystemPrompt string        `yaml:"system_prompt"`
	Fallback     string        `yaml:"fallback"`
}

// DefaultConfig returns the Groq defaults without an API key.
func DefaultConfig() Config {
	return Config{
		BaseURL:     DefaultBaseURL,
		Models:      append([]string(nil), DefaultModels...),
		Timeout:     DefaultTimeout,
		Temperature: DefaultTemperature,
		Fallback:    DefaultFallback,
	}
}

// Completion is a successful answer and the model that produced it.
type Completion struct {
	Text  string
	Model string
}

// Gateway tries each configured model in order until one answers.
// It is safe for concurrent use.
type Gateway struct {
	cfg     Config
	client  *openai.Client
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// Option configures a Gateway.
type Option func(*gatewayOptions)

type gatewayOptions struct {
	logger     *slog.Logger
	metrics    *observability.Metrics
	tracer     *observability.Tracer
	httpClient *http.Client
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *gatewayOptions) { o.logger = logger }
}

// WithMetrics records per-model attempt counts and latency.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(o *gatewayOptions) { o.metrics = metrics }
}

// WithTracer wraps each attempt in a span.
func WithTracer(tracer *observability.Tracer) Option {
	return func(o *gatewayOptions) { o.tracer = tracer }
}

// WithHTTPClient overrides the HTTP client used for requests.
func WithHTTPClient(client *http.Client) Option {
	return func(o *gatewayOptions) { o.httpClient = client }
}

// NewGateway creates a gateway. Zero-valued fields fall back to DefaultConfig,
// except APIKey: without one the gateway reports ErrNotConfigured.
func NewGateway(cfg Config, opts ...Option) *Gateway {
	defaults := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaults.BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.Fallback == "" {
		cfg.Fallback = defaults.Fallback
	}
	if cfg.Models == nil {
		cfg.Models = defaults.Models
	}
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)

	o := gatewayOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	g := &Gateway{
		cfg:     cfg,
		logger:  o.logger.With("component", "llm"),
		metrics: o.metrics,
		tracer:  o.tracer,
	}

	if cfg.APIKey != "" {
		clientConfig := openai.DefaultConfig(cfg.APIKey)
		clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
		if o.httpClient != nil {
			clientConfig.HTTPClient = o.httpClient
		}
		g.client = openai.NewClientWithConfig(clientConfig)
	}
	return g
}

// Configured reports whether a key and at least one model are set.
func (g *Gateway) Configured() bool {
	return g.client != nil && len(g.cfg.Models) > 0
}

// Models returns the model order.
func (g *Gateway) Models() []string {
	return append([]string(nil), g.cfg.Models...)
}

// Fallback returns the text Complete uses when nothing succeeded.
func (g *Gateway) Fallback() string {
	return g.cfg.Fallback
}

// Generate returns the first successful completion. It fails with
// ErrNotConfigured when no key is set, or with ErrUnavailable joined with
// every attempt error when all models fail.
func (g *Gateway) Generate(ctx context.Context, prompt string) (Completion, error) {
	if !g.Configured() {
		return Completion{}, ErrNotConfigured
	}

	errs := []error{ErrUnavailable}
	for _, model := range g.cfg.Models {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		text, err := g.attempt(ctx, model, prompt)
		if err == nil {
			return Completion{Text: text, Model: model}, nil
		}
		attemptErr := newAttemptError(model, err)
		g.logger.Warn("model attempt failed",
			"model", model,
			"reason", attemptErr.Reason,
			"status", attemptErr.Status,
			"error", err,
		)
		errs = append(errs, attemptErr)
	}
	return Completion{}, errors.Join(errs...)
}

// Complete returns the first successful completion or the fallback text.
func (g *Gateway) Complete(ctx context.Context, prompt string) string {
	completion, err := g.Generate(ctx, prompt)
	if err != nil {
		if errors.Is(err, ErrNotConfigured) {
			g.logger.Error("ai gateway has no api key or models")
		}
		return g.cfg.Fallback
	}
	return completion.Text
}

// attempt runs one model with its own timeout.
func (g *Gateway) attempt(ctx context.Context, model, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	ctx, span := g.tracer.Start(ctx, "llm.complete", attribute.String("llm.model", model))
	defer span.End()

	start := time.Now()
	text, err := g.request(ctx, model, prompt)
	status := "success"
	if err != nil {
		status = "error"
		observability.RecordError(span, err)
	}
	g.metrics.RecordAIRequest(model, status, time.Since(start).Seconds())
	return text, err
}

func (g *Gateway) request(ctx context.Context, model, prompt string) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if g.cfg.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: g.cfg.SystemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: g.cfg.Temperature,
		MaxTokens:   g.cfg.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices", ErrEmptyCompletion)
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("%w: blank content", ErrEmptyCompletion)
	}
	return text, nil
}
