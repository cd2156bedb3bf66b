package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/firebase/genkit/go/ai"

	"github.com/basket/starry/internal/config"
	"github.com/basket/starry/internal/shared"
	"github.com/basket/starry/internal/tokenutil"
	"github.com/basket/starry/internal/transcript"
)

func TestNewGenkitProvider_InvalidSettings(t *testing.T) {
	tests := []struct {
		name string
		s    config.ProviderSettings
	}{
		{"openrouter without key", config.ProviderSettings{}},
		{"anthropic without key", config.ProviderSettings{APIProvider: config.ProviderAnthropic}},
		{"openai without base url", config.ProviderSettings{APIProvider: config.ProviderOpenAI, OpenAIAPIKey: "k", OpenAIModelID: "m"}},
		{"bedrock unsupported", config.ProviderSettings{APIProvider: config.ProviderBedrock}},
		{"bad base url", config.ProviderSettings{APIProvider: config.ProviderOllama, OllamaModelID: "llama3", OllamaBaseURL: "not a url"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGenkitProvider(context.Background(), tt.s)
			if !errors.Is(err, shared.ErrInvalidConfiguration) {
				t.Fatalf("expected ErrInvalidConfiguration, got %v", err)
			}
		})
	}
}

func TestModelNameForProvider(t *testing.T) {
	tests := []struct {
		provider, model, want string
	}{
		{config.ProviderAnthropic, "claude-3-5-sonnet-20241022", "anthropic/claude-3-5-sonnet-20241022"},
		{config.ProviderOpenRouter, "anthropic/claude-3.5-sonnet:beta", "openrouter/anthropic/claude-3.5-sonnet:beta"},
		{config.ProviderOpenAI, "my-model", "compat/my-model"},
		{config.ProviderOllama, "llama3", "ollama/llama3"},
		{config.ProviderGemini, "gemini-2.0-flash", "googleai/gemini-2.0-flash"},
	}
	for _, tt := range tests {
		if got := modelNameForProvider(tt.provider, tt.model); got != tt.want {
			t.Errorf("modelNameForProvider(%s, %s) = %q, want %q", tt.provider, tt.model, got, tt.want)
		}
	}
}

func TestDefaultModelForProvider(t *testing.T) {
	if got := defaultModelForProvider(config.ProviderAnthropic); got != DefaultAnthropicModel {
		t.Fatalf("anthropic default = %q", got)
	}
	if got := defaultModelForProvider(config.ProviderOllama); got != "" {
		t.Fatalf("local providers have no default, got %q", got)
	}
}

func TestLocalBaseURL(t *testing.T) {
	if got := localBaseURL("", "http://localhost:11434"); got != "http://localhost:11434/v1" {
		t.Fatalf("fallback = %q", got)
	}
	if got := localBaseURL(" http://gpu:1234/ ", "http://localhost:1234"); got != "http://gpu:1234/v1" {
		t.Fatalf("configured = %q", got)
	}
}

func TestToGenkitMessages(t *testing.T) {
	msgs := []transcript.Message{
		transcript.TextMessage(transcript.RoleUser, "<task>\nhi\n</task>", []transcript.ContentBlock{{
			Type:   transcript.BlockImage,
			Source: &transcript.ImageSource{Type: "base64", MediaType: "image/png", Data: "AAAA"},
		}}),
		transcript.TextMessage(transcript.RoleAssistant, "hello", nil),
		{Role: transcript.RoleUser},
	}
	out := toGenkitMessages(msgs)
	if len(out) != 2 {
		t.Fatalf("expected empty message to be skipped, got %d", len(out))
	}
	if out[0].Role != ai.RoleUser || out[1].Role != ai.RoleModel {
		t.Fatalf("roles = %s, %s", out[0].Role, out[1].Role)
	}
	var sawMedia bool
	for _, p := range out[0].Content {
		if p.IsMedia() {
			sawMedia = true
			if !strings.HasPrefix(p.Text, "data:image/png;base64,") {
				t.Fatalf("media url = %q", p.Text)
			}
		}
	}
	if !sawMedia {
		t.Fatal("image block not converted")
	}
}

func TestEstimateUsage(t *testing.T) {
	req := Request{System: "system prompt", Messages: []transcript.Message{transcript.TextMessage(transcript.RoleUser, "hello there", nil)}}
	u := estimateUsage(req, "a reply of some length")
	if u.TokensIn <= 0 || u.TokensOut <= 0 {
		t.Fatalf("expected positive estimates, got %+v", u)
	}

	img := transcript.ContentBlock{Type: transcript.BlockImage, Source: &transcript.ImageSource{Type: "base64", MediaType: "image/png", Data: "aGk="}}
	req.Messages = append(req.Messages, transcript.TextMessage(transcript.RoleUser, "", []transcript.ContentBlock{img}))
	withImage := estimateUsage(req, "a reply of some length")
	if withImage.TokensIn != u.TokensIn+tokenutil.ImageTokens {
		t.Fatalf("image not charged: %d vs %d", withImage.TokensIn, u.TokensIn)
	}
}

func TestBuildSystemPrompt(t *testing.T) {
	p := buildSystemPrompt("/work/repo", "")
	if !strings.Contains(p, "Current Working Directory: /work/repo") {
		t.Fatal("cwd missing from prompt")
	}
	if strings.Contains(p, "USER'S CUSTOM INSTRUCTIONS") {
		t.Fatal("custom instructions section should be omitted when empty")
	}
	p = buildSystemPrompt("/work/repo", "  Prefer tabs.  ")
	if !strings.HasSuffix(p, "Prefer tabs.") {
		t.Fatalf("custom instructions not appended: %q", p[len(p)-40:])
	}
}
