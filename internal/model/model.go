// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package model invokes the AI backends used for extraction and
// aggregation. Backends are selected by a "provider:model" spec and are
// wrapped with a request-rate limiter and a transient-failure retrier.
package model

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/pdiddy/evidence-engine/internal/metrics"
	"github.com/pdiddy/evidence-engine/pkg/types"
)

// Provider names a model backend.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderGoogle    Provider = "google"
	ProviderBedrock   Provider = "bedrock"
)

// Request is one model call.
type Request struct {
	System string
	Prompt string

	// Schema is the JSON Schema the response must follow. Backends with a
	// native structured-output mode pass it through; the rest receive it
	// in the system prompt.
	Schema     json.RawMessage
	SchemaName string

	MaxTokens      int
	ThinkingBudget int
}

// Response is the text the model produced, excluding any reasoning.
type Response struct {
	Text string
}

// Invoker calls an AI model.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}

// Budget is a token allowance for one stage.
type Budget struct {
	MaxTokens      int
	ThinkingBudget int
}

var (
	// ExtractionBudget applies to per-paper extraction.
	ExtractionBudget = Budget{MaxTokens: 30000, ThinkingBudget: 10000}
	// AggregationBudget applies to variant-level aggregation.
	AggregationBudget = Budget{MaxTokens: 60000, ThinkingBudget: 20000}
)

// Spec is a parsed "provider:model" string.
type Spec struct {
	Provider Provider
	Model    string
}

func (s Spec) String() string { return string(s.Provider) + ":" + s.Model }

// ParseSpec parses a model spec. "google-gla" is accepted as an alias for
// "google".
func ParseSpec(spec string) (Spec, error) {
	prefix, name, ok := strings.Cut(strings.TrimSpace(spec), ":")
	if !ok || name == "" {
		return Spec{}, fmt.Errorf("model spec %q: want provider:model", spec)
	}
	switch prefix {
	case "anthropic":
		return Spec{ProviderAnthropic, name}, nil
	case "openai":
		return Spec{ProviderOpenAI, name}, nil
	case "google", "google-gla":
		return Spec{ProviderGoogle, name}, nil
	case "bedrock":
		return Spec{ProviderBedrock, name}, nil
	}
	return Spec{}, fmt.Errorf("model spec %q: unknown provider %q", spec, prefix)
}

// Option configures New.
type Option func(*options)

type options struct {
	logger  *zap.Logger
	metrics *metrics.Collectors
	client  *http.Client
}

// WithLogger sets the logger used for retry reporting.
func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

// WithMetrics records model calls on c.
func WithMetrics(c *metrics.Collectors) Option { return func(o *options) { o.metrics = c } }

// WithHTTPClient sets the HTTP client used by SDK backends.
func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.client = c } }

// New builds the invoker described by cfg: the provider backend behind a
// rate limiter and a retrier.
func New(ctx context.Context, cfg types.ModelConfig, opts ...Option) (Invoker, error) {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	spec, err := ParseSpec(cfg.Spec)
	if err != nil {
		return nil, err
	}

	var backend Invoker
	switch spec.Provider {
	case ProviderAnthropic:
		backend = NewAnthropic(spec.Model, cfg.APIKey, cfg.BaseURL, o.client)
	case ProviderOpenAI:
		backend = NewOpenAI(spec.Model, cfg.APIKey, cfg.BaseURL, o.client)
	case ProviderGoogle:
		backend, err = NewGoogle(ctx, spec.Model, cfg.APIKey, o.client)
	case ProviderBedrock:
		backend, err = NewBedrock(ctx, spec.Model)
	}
	if err != nil {
		return nil, fmt.Errorf("creating %s backend: %w", spec.Provider, err)
	}

	if cfg.RequestsPerMinute > 0 {
		backend = NewLimited(backend, cfg.RequestsPerMinute)
	}
	return &Retrying{
		Next:       backend,
		Provider:   string(spec.Provider),
		MaxRetries: cfg.MaxRetries,
		Logger:     o.logger,
		Metrics:    o.metrics,
	}, nil
}

// systemWithSchema appends the response schema to the system prompt for
// backends without a native structured-output mode.
func systemWithSchema(req Request) string {
	if len(req.Schema) == 0 {
		return req.System
	}
	var b strings.Builder
	b.WriteString(req.System)
	if req.System != "" {
		b.WriteString("\n\n")
	}
	b.WriteString("Respond with a single JSON object that conforms to this JSON Schema. Do not wrap it in prose.\n")
	b.Write(req.Schema)
	return b.String()
}
