package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/starry/internal/catalog"
	"github.com/basket/starry/internal/config"
	otelx "github.com/basket/starry/internal/otel"
	"github.com/basket/starry/internal/pricing"
	"github.com/basket/starry/internal/shared"
	"github.com/basket/starry/internal/tokenutil"
	"github.com/basket/starry/internal/transcript"
)

// Request is one model call: a system prompt plus the full message log.
type Request struct {
	System   string
	Messages []transcript.Message
}

// Response is the assembled reply of a streamed call.
type Response struct {
	Text  string
	Usage pricing.Usage
}

// Provider streams a model reply. onChunk receives text deltas in order; a
// non-nil error from onChunk stops the stream and is returned.
type Provider interface {
	Stream(ctx context.Context, req Request, onChunk func(string) error) (Response, error)
	// Model is the catalog id used for pricing lookups.
	Model() string
}

// ProviderFactory builds a Provider from a settings snapshot.
type ProviderFactory func(ctx context.Context, s config.ProviderSettings) (Provider, error)

// Default model ids when the settings leave the model empty.
const (
	DefaultAnthropicModel    = "claude-3-5-sonnet-20241022"
	DefaultOpenRouterModel   = "anthropic/claude-3.5-sonnet:beta"
	DefaultGeminiModel       = "gemini-2.0-flash"
	DefaultOpenAINativeModel = "gpt-4o"

	openRouterBaseURL = "https://openrouter.ai/api/v1"
)

// GenkitProvider is the Genkit-backed Provider. One instance serves one
// settings snapshot; a settings change builds a new instance.
type GenkitProvider struct {
	g         *genkit.Genkit
	provider  string
	model     string
	modelName string
	tracer    trace.Tracer
	metrics   *otelx.Metrics
}

// GenkitOption configures a GenkitProvider.
type GenkitOption func(*GenkitProvider)

// WithProviderTelemetry records provider spans and call metrics.
func WithProviderTelemetry(tracer trace.Tracer, m *otelx.Metrics) GenkitOption {
	return func(p *GenkitProvider) {
		if tracer != nil {
			p.tracer = tracer
		}
		if m != nil {
			p.metrics = m
		}
	}
}

// NewGenkitProvider validates s and initializes Genkit with the plugin for the
// selected provider. Validation runs before any network call.
func NewGenkitProvider(ctx context.Context, s config.ProviderSettings, opts ...GenkitOption) (*GenkitProvider, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	provider := s.Provider()
	model := strings.TrimSpace(s.ModelID())
	if model == "" {
		model = defaultModelForProvider(provider)
	}
	if model == "" {
		return nil, fmt.Errorf("%w: %s requires a model id", shared.ErrInvalidConfiguration, provider)
	}

	var g *genkit.Genkit
	switch provider {
	case config.ProviderAnthropic:
		g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
			APIKey:  s.APIKey,
			BaseURL: s.AnthropicBaseURL,
		}))
	case config.ProviderOpenRouter:
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openrouter",
			APIKey:   s.OpenRouterAPIKey,
			BaseURL:  openRouterBaseURL,
		}))
	case config.ProviderOpenAINative:
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai",
			APIKey:   s.OpenAINativeAPIKey,
		}))
	case config.ProviderOpenAI:
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "compat",
			APIKey:   s.OpenAIAPIKey,
			BaseURL:  s.OpenAIBaseURL,
		}))
	case config.ProviderOllama:
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "ollama",
			APIKey:   "ollama",
			BaseURL:  localBaseURL(s.OllamaBaseURL, catalog.DefaultOllamaURL),
		}))
	case config.ProviderLMStudio:
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "lmstudio",
			APIKey:   "lmstudio",
			BaseURL:  localBaseURL(s.LMStudioBaseURL, catalog.DefaultLMStudioURL),
		}))
	case config.ProviderGemini:
		// The googlegenai plugin reads its key from the environment.
		_ = os.Setenv("GEMINI_API_KEY", s.GeminiAPIKey)
		g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", shared.ErrInvalidConfiguration, provider)
	}

	p := &GenkitProvider{
		g:         g,
		provider:  provider,
		model:     model,
		modelName: modelNameForProvider(provider, model),
		tracer:    nooptrace.NewTracerProvider().Tracer(otelx.TracerName),
		metrics:   otelx.Discard(),
	}
	for _, opt := range opts {
		opt(p)
	}
	slog.Info("model provider initialized", "provider", provider, "model", p.modelName)
	return p, nil
}

// GenkitFactory adapts NewGenkitProvider to ProviderFactory.
func GenkitFactory(tracer trace.Tracer, m *otelx.Metrics) ProviderFactory {
	return func(ctx context.Context, s config.ProviderSettings) (Provider, error) {
		return NewGenkitProvider(ctx, s, WithProviderTelemetry(tracer, m))
	}
}

func defaultModelForProvider(provider string) string {
	switch provider {
	case config.ProviderAnthropic:
		return DefaultAnthropicModel
	case config.ProviderOpenRouter:
		return DefaultOpenRouterModel
	case config.ProviderGemini:
		return DefaultGeminiModel
	case config.ProviderOpenAINative:
		return DefaultOpenAINativeModel
	default:
		return ""
	}
}

// modelNameForProvider maps a model id to the Genkit registry name. The
// compat_oai plugin registers models under its Provider prefix.
func modelNameForProvider(provider, model string) string {
	switch provider {
	case config.ProviderAnthropic:
		return "anthropic/" + model
	case config.ProviderOpenRouter:
		return "openrouter/" + model
	case config.ProviderOpenAINative:
		return "openai/" + model
	case config.ProviderOpenAI:
		return "compat/" + model
	case config.ProviderOllama:
		return "ollama/" + model
	case config.ProviderLMStudio:
		return "lmstudio/" + model
	default:
		return "googleai/" + model
	}
}

func localBaseURL(configured, fallback string) string {
	base := strings.TrimRight(strings.TrimSpace(configured), "/")
	if base == "" {
		base = fallback
	}
	return base + "/v1"
}

// Model returns the catalog id of the configured model.
func (p *GenkitProvider) Model() string { return p.model }

// Stream sends req through Genkit and forwards text chunks to onChunk.
func (p *GenkitProvider) Stream(ctx context.Context, req Request, onChunk func(string) error) (Response, error) {
	ctx, span := otelx.StartClientSpan(ctx, p.tracer, "provider.stream",
		otelx.AttrProvider.String(p.provider),
		otelx.AttrModel.String(p.model),
		otelx.AttrTaskID.String(shared.TaskID(ctx)),
	)
	defer span.End()
	start := time.Now()
	defer func() {
		p.metrics.LLMCallDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(otelx.AttrProvider.String(p.provider)))
	}()

	// Genkit treats the system prompt as a template; escape literal percents.
	system := strings.ReplaceAll(req.System, "%", "%%")
	stream := genkit.GenerateStream(ctx, p.g,
		ai.WithModelName(p.modelName),
		ai.WithSystem(system),
		ai.WithMessages(toGenkitMessages(req.Messages)...),
	)

	var full strings.Builder
	var doneText string
	var usage pricing.Usage
	for v, err := range stream {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "stream failed")
			return Response{Text: full.String()}, errProviderUnavailable(fmt.Errorf("stream error: %w", err))
		}
		if v.Chunk != nil {
			for _, part := range v.Chunk.Content {
				if part.Kind == ai.PartText && part.Text != "" {
					if err := onChunk(part.Text); err != nil {
						return Response{Text: full.String()}, err
					}
					full.WriteString(part.Text)
				}
			}
		}
		if v.Done && v.Response != nil {
			doneText = v.Response.Text()
			if u := v.Response.Usage; u != nil {
				usage.TokensIn = u.InputTokens
				usage.TokensOut = u.OutputTokens
			}
		}
	}

	text := full.String()
	if text == "" {
		text = doneText
		if text != "" {
			if err := onChunk(text); err != nil {
				return Response{Text: text}, err
			}
		}
	}
	if usage.TokensIn == 0 && usage.TokensOut == 0 {
		usage = estimateUsage(req, text)
	}
	p.metrics.TokensUsed.Add(ctx, int64(usage.TokensIn+usage.TokensOut),
		metric.WithAttributes(otelx.AttrProvider.String(p.provider)))
	span.SetAttributes(
		otelx.AttrTokensInput.Int(usage.TokensIn),
		otelx.AttrTokensOutput.Int(usage.TokensOut),
	)
	return Response{Text: text, Usage: usage}, nil
}

// estimateUsage is the fallback when a provider reports no token counts.
func estimateUsage(req Request, reply string) pricing.Usage {
	in := tokenutil.EstimateTokens(req.System)
	for _, m := range req.Messages {
		images := 0
		for _, b := range m.Content {
			if b.Type == transcript.BlockImage {
				images++
			}
		}
		in += tokenutil.EstimateWithImages(m.Text(), images)
	}
	return pricing.Usage{
		TokensIn:  in,
		TokensOut: tokenutil.EstimateTokens(reply),
	}
}

// toGenkitMessages converts the message log into Genkit messages. Tool blocks
// are flattened to text since tool use travels as tags in the reply.
func toGenkitMessages(msgs []transcript.Message) []*ai.Message {
	out := make([]*ai.Message, 0, len(msgs))
	for _, m := range msgs {
		var role ai.Role
		switch m.Role {
		case transcript.RoleUser:
			role = ai.RoleUser
		case transcript.RoleAssistant:
			role = ai.RoleModel
		default:
			continue
		}
		var parts []*ai.Part
		for _, b := range m.Content {
			switch b.Type {
			case transcript.BlockText:
				parts = append(parts, ai.NewTextPart(b.Text))
			case transcript.BlockToolResult:
				parts = append(parts, ai.NewTextPart(b.Content))
			case transcript.BlockImage:
				if b.Source != nil {
					parts = append(parts, ai.NewMediaPart(b.Source.MediaType,
						"data:"+b.Source.MediaType+";base64,"+b.Source.Data))
				}
			}
		}
		if len(parts) == 0 {
			continue
		}
		out = append(out, &ai.Message{Role: role, Content: parts})
	}
	return out
}

// errProviderUnavailable wraps transport failures so ClassifyError reports them
// as network errors.
func errProviderUnavailable(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}
	if ClassifyError(err) == ErrorClassNetwork {
		return fmt.Errorf("%w: %w", shared.ErrNetworkUnavailable, err)
	}
	return err
}
