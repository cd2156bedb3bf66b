// Package pricing estimates the USD cost of a provider call from per-million
// token rates.
package pricing

import "github.com/basket/starry/internal/catalog"

// Rates holds per-million-token prices in USD. A nil rate is unknown and
// contributes nothing to the estimate.
type Rates struct {
	Input       *float64
	Output      *float64
	CacheWrites *float64
	CacheReads  *float64
}

// Usage is the token count of one provider call.
type Usage struct {
	TokensIn    int
	TokensOut   int
	CacheWrites int
	CacheReads  int
}

// Add accumulates u into the receiver.
func (u *Usage) Add(o Usage) {
	u.TokensIn += o.TokensIn
	u.TokensOut += o.TokensOut
	u.CacheWrites += o.CacheWrites
	u.CacheReads += o.CacheReads
}

// FromDescriptor takes the rates of a catalog entry.
func FromDescriptor(d catalog.ModelDescriptor) Rates {
	return Rates{
		Input:       d.InputPrice,
		Output:      d.OutputPrice,
		CacheWrites: d.CacheWritesPrice,
		CacheReads:  d.CacheReadsPrice,
	}
}

func rate(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

// Cost returns the estimated USD cost of u at rates r.
func Cost(r Rates, u Usage) float64 {
	return (float64(u.TokensIn)/1_000_000)*rate(r.Input) +
		(float64(u.TokensOut)/1_000_000)*rate(r.Output) +
		(float64(u.CacheWrites)/1_000_000)*rate(r.CacheWrites) +
		(float64(u.CacheReads)/1_000_000)*rate(r.CacheReads)
}

func f(v float64) *float64 { return &v }

// Rates for direct providers whose models are not listed in the remote
// catalog. Add new models as needed.
var knownModels = map[string]Rates{
	// Anthropic
	"claude-3-5-sonnet-20241022": {f(3.00), f(15.00), f(3.75), f(0.30)},
	"claude-3-5-haiku-20241022":  {f(1.00), f(5.00), f(1.25), f(0.10)},
	"claude-3-opus-20240229":     {f(15.00), f(75.00), f(18.75), f(1.50)},
	"claude-3-haiku-20240307":    {f(0.25), f(1.25), f(0.30), f(0.03)},
	// OpenAI
	"gpt-4o":      {Input: f(2.50), Output: f(10.00)},
	"gpt-4o-mini": {Input: f(0.15), Output: f(0.60)},
	// Gemini
	"gemini-1.5-pro-002":   {Input: f(1.25), Output: f(5.00)},
	"gemini-2.0-flash":     {Input: f(0.10), Output: f(0.40)},
	"gemini-2.0-flash-exp": {Input: f(0), Output: f(0)},
}

// Known returns built-in rates for a direct-provider model id.
func Known(model string) (Rates, bool) {
	r, ok := knownModels[model]
	return r, ok
}
