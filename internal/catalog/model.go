// Package catalog caches the remote model catalog. Each refresh normalizes
// pricing to price-per-million-tokens, applies the override table and
// replaces the cached mapping as a whole.
package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// ModelDescriptor is one catalog entry. Prices are per million tokens; a nil
// price is unknown, not free.
type ModelDescriptor struct {
	ID                  string   `json:"id,omitempty"`
	MaxTokens           int      `json:"maxTokens,omitempty"`
	ContextWindow       int      `json:"contextWindow,omitempty"`
	SupportsImages      bool     `json:"supportsImages"`
	SupportsComputerUse bool     `json:"supportsComputerUse,omitempty"`
	SupportsPromptCache bool     `json:"supportsPromptCache"`
	InputPrice          *float64 `json:"inputPrice,omitempty"`
	OutputPrice         *float64 `json:"outputPrice,omitempty"`
	CacheWritesPrice    *float64 `json:"cacheWritesPrice,omitempty"`
	CacheReadsPrice     *float64 `json:"cacheReadsPrice,omitempty"`
	Description         string   `json:"description,omitempty"`
}

// Models maps model id to descriptor.
type Models map[string]ModelDescriptor

// rawModel mirrors one entry of the upstream {"data":[...]} response.
type rawModel struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Description   string `json:"description"`
	ContextLength int    `json:"context_length"`
	Architecture  struct {
		Modality string `json:"modality"`
	} `json:"architecture"`
	Pricing struct {
		Prompt          rawPrice `json:"prompt"`
		Completion      rawPrice `json:"completion"`
		InputCacheWrite rawPrice `json:"input_cache_write"`
		InputCacheRead  rawPrice `json:"input_cache_read"`
	} `json:"pricing"`
	TopProvider struct {
		MaxCompletionTokens int `json:"max_completion_tokens"`
	} `json:"top_provider"`
}

// rawPrice is a per-token decimal price. Upstream sends strings, but bare
// numbers are accepted too.
type rawPrice string

func (p *rawPrice) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*p = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*p = rawPrice(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("price: %w", err)
	}
	*p = rawPrice(n.String())
	return nil
}

var million = big.NewRat(1_000_000, 1)

// perMillion converts a per-token decimal price to price per million tokens.
// Absent or unparseable prices are unknown and return nil. The decimal is
// scaled exactly before conversion, so "0.000003" yields exactly 3.
func perMillion(p rawPrice) *float64 {
	s := strings.TrimSpace(string(p))
	if s == "" {
		return nil
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil
	}
	f, _ := r.Mul(r, million).Float64()
	return &f
}

// normalize turns an upstream entry into a descriptor before overrides.
func normalize(raw rawModel) ModelDescriptor {
	return ModelDescriptor{
		ID:               raw.ID,
		MaxTokens:        raw.TopProvider.MaxCompletionTokens,
		ContextWindow:    raw.ContextLength,
		SupportsImages:   strings.Contains(raw.Architecture.Modality, "image"),
		InputPrice:       perMillion(raw.Pricing.Prompt),
		OutputPrice:      perMillion(raw.Pricing.Completion),
		CacheWritesPrice: perMillion(raw.Pricing.InputCacheWrite),
		CacheReadsPrice:  perMillion(raw.Pricing.InputCacheRead),
		Description:      raw.Description,
	}
}

// Float returns a pointer to v, for building descriptors by hand.
func Float(v float64) *float64 { return &v }
