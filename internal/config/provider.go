package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/basket/starry/internal/shared"
	"github.com/go-viper/mapstructure/v2"
)

// Provider names accepted in apiProvider.
const (
	ProviderAnthropic    = "anthropic"
	ProviderOpenRouter   = "openrouter"
	ProviderBedrock      = "bedrock"
	ProviderVertex       = "vertex"
	ProviderOpenAI       = "openai"
	ProviderOllama       = "ollama"
	ProviderLMStudio     = "lmstudio"
	ProviderGemini       = "gemini"
	ProviderOpenAINative = "openai-native"
)

// ProviderSettings is the per-provider configuration object. It is opaque to the
// task layer beyond Validate; each field is persisted under its JSON name.
type ProviderSettings struct {
	APIProvider string `json:"apiProvider,omitempty"`
	APIModelID  string `json:"apiModelId,omitempty"`

	APIKey           string `json:"apiKey,omitempty"`
	AnthropicBaseURL string `json:"anthropicBaseUrl,omitempty"`

	OpenRouterAPIKey    string         `json:"openRouterApiKey,omitempty"`
	OpenRouterModelID   string         `json:"openRouterModelId,omitempty"`
	OpenRouterModelInfo map[string]any `json:"openRouterModelInfo,omitempty"`

	AWSAccessKey               string `json:"awsAccessKey,omitempty"`
	AWSSecretKey               string `json:"awsSecretKey,omitempty"`
	AWSSessionToken            string `json:"awsSessionToken,omitempty"`
	AWSRegion                  string `json:"awsRegion,omitempty"`
	AWSUseCrossRegionInference bool   `json:"awsUseCrossRegionInference,omitempty"`

	VertexProjectID string `json:"vertexProjectId,omitempty"`
	VertexRegion    string `json:"vertexRegion,omitempty"`

	OpenAIBaseURL   string `json:"openAiBaseUrl,omitempty"`
	OpenAIAPIKey    string `json:"openAiApiKey,omitempty"`
	OpenAIModelID   string `json:"openAiModelId,omitempty"`
	AzureAPIVersion string `json:"azureApiVersion,omitempty"`

	OllamaModelID   string `json:"ollamaModelId,omitempty"`
	OllamaBaseURL   string `json:"ollamaBaseUrl,omitempty"`
	LMStudioModelID string `json:"lmStudioModelId,omitempty"`
	LMStudioBaseURL string `json:"lmStudioBaseUrl,omitempty"`

	GeminiAPIKey       string `json:"geminiApiKey,omitempty"`
	OpenAINativeAPIKey string `json:"openAiNativeApiKey,omitempty"`
}

// SecretKeys live in the secrets partition; everything else in the global partition.
var SecretKeys = []string{
	"apiKey",
	"openRouterApiKey",
	"awsAccessKey",
	"awsSecretKey",
	"awsSessionToken",
	"openAiApiKey",
	"geminiApiKey",
	"openAiNativeApiKey",
}

// GlobalKeys are the non-secret provider fields stored in the global partition.
var GlobalKeys = []string{
	"apiProvider",
	"apiModelId",
	"anthropicBaseUrl",
	"openRouterModelId",
	"openRouterModelInfo",
	"awsRegion",
	"awsUseCrossRegionInference",
	"vertexProjectId",
	"vertexRegion",
	"openAiBaseUrl",
	"openAiModelId",
	"azureApiVersion",
	"ollamaModelId",
	"ollamaBaseUrl",
	"lmStudioModelId",
	"lmStudioBaseUrl",
}

// IsSecretKey reports whether key belongs to the secrets partition.
func IsSecretKey(key string) bool {
	for _, k := range SecretKeys {
		if k == key {
			return true
		}
	}
	return false
}

// DecodeSettings builds ProviderSettings from a loosely typed field map such as
// an update-configuration payload. Unknown keys are ignored.
func DecodeSettings(fields map[string]any) (ProviderSettings, error) {
	var out ProviderSettings
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           &out,
	})
	if err != nil {
		return out, fmt.Errorf("build settings decoder: %w", err)
	}
	if err := dec.Decode(fields); err != nil {
		return out, fmt.Errorf("decode settings: %w: %w", shared.ErrInvalidConfiguration, err)
	}
	return out, nil
}

// MergeSettings applies an update-configuration payload onto base. Only the
// provider fields present in fields change; an empty string or null clears a
// field. Anything else, such as the "<key>Set" flags of a redacted snapshot,
// is ignored.
func MergeSettings(base ProviderSettings, fields map[string]any) (ProviderSettings, error) {
	merged, err := base.Values()
	if err != nil {
		return base, err
	}
	for key, v := range fields {
		if !IsSecretKey(key) && !isGlobalKey(key) {
			continue
		}
		if v == nil || v == "" {
			delete(merged, key)
			continue
		}
		merged[key] = v
	}
	return DecodeSettings(merged)
}

func isGlobalKey(key string) bool {
	for _, k := range GlobalKeys {
		if k == key {
			return true
		}
	}
	return false
}

// Values flattens the settings into field name -> value, omitting empty fields.
func (s ProviderSettings) Values() (map[string]any, error) {
	out := map[string]any{}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "json",
		Result:  &out,
	})
	if err != nil {
		return nil, fmt.Errorf("build settings encoder: %w", err)
	}
	if err := dec.Decode(s); err != nil {
		return nil, fmt.Errorf("encode settings: %w", err)
	}
	for k, v := range out {
		switch tv := v.(type) {
		case string:
			if tv == "" {
				delete(out, k)
			}
		case bool:
			if !tv {
				delete(out, k)
			}
		case map[string]any:
			if len(tv) == 0 {
				delete(out, k)
			}
		case nil:
			delete(out, k)
		}
	}
	return out, nil
}

// Provider returns the effective provider. Without an explicit choice it is
// anthropic when an anthropic key exists, else openrouter.
func (s ProviderSettings) Provider() string {
	if p := strings.TrimSpace(s.APIProvider); p != "" {
		return p
	}
	if s.APIKey != "" {
		return ProviderAnthropic
	}
	return ProviderOpenRouter
}

// ModelID returns the model selected for the effective provider.
func (s ProviderSettings) ModelID() string {
	switch s.Provider() {
	case ProviderOpenRouter:
		return s.OpenRouterModelID
	case ProviderOpenAI:
		return s.OpenAIModelID
	case ProviderOllama:
		return s.OllamaModelID
	case ProviderLMStudio:
		return s.LMStudioModelID
	default:
		return s.APIModelID
	}
}

// Validate checks the fields the selected provider cannot work without. It runs
// before any network call is attempted.
func (s ProviderSettings) Validate() error {
	missing := func(field string) error {
		return fmt.Errorf("%w: %s requires %s", shared.ErrInvalidConfiguration, s.Provider(), field)
	}
	switch s.Provider() {
	case ProviderAnthropic:
		if s.APIKey == "" {
			return missing("apiKey")
		}
	case ProviderOpenRouter:
		if s.OpenRouterAPIKey == "" {
			return missing("openRouterApiKey")
		}
	case ProviderGemini:
		if s.GeminiAPIKey == "" {
			return missing("geminiApiKey")
		}
	case ProviderOpenAINative:
		if s.OpenAINativeAPIKey == "" {
			return missing("openAiNativeApiKey")
		}
	case ProviderOpenAI:
		if s.OpenAIBaseURL == "" {
			return missing("openAiBaseUrl")
		}
		if s.OpenAIAPIKey == "" {
			return missing("openAiApiKey")
		}
		if s.OpenAIModelID == "" {
			return missing("openAiModelId")
		}
	case ProviderOllama:
		if s.OllamaModelID == "" {
			return missing("ollamaModelId")
		}
	case ProviderLMStudio:
		if s.LMStudioModelID == "" {
			return missing("lmStudioModelId")
		}
	case ProviderBedrock, ProviderVertex:
		return fmt.Errorf("%w: provider %q is not supported by this daemon", shared.ErrInvalidConfiguration, s.Provider())
	default:
		return fmt.Errorf("%w: unknown provider %q", shared.ErrInvalidConfiguration, s.Provider())
	}
	for _, raw := range []string{s.AnthropicBaseURL, s.OpenAIBaseURL, s.OllamaBaseURL, s.LMStudioBaseURL} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%w: invalid base url %q", shared.ErrInvalidConfiguration, raw)
		}
	}
	return nil
}

// Redacted returns the settings as a field map safe to push to the UI: secret
// values are dropped and replaced by "<key>Set" presence flags.
func (s ProviderSettings) Redacted() map[string]any {
	values, err := s.Values()
	if err != nil {
		values = map[string]any{}
	}
	for _, key := range SecretKeys {
		v, _ := values[key].(string)
		present := v != ""
		delete(values, key)
		values[key+"Set"] = present
	}
	values["apiProvider"] = s.Provider()
	return values
}
