package catalog

// Override forces capability and cache pricing for one exact model id.
// Applying an override always enables prompt caching.
type Override struct {
	SupportsComputerUse bool
	CacheWritesPrice    float64
	CacheReadsPrice     float64
}

// Overrides is keyed by exact model id.
type Overrides map[string]Override

// Apply returns d with the matching override, if any, laid over it.
func (o Overrides) Apply(d ModelDescriptor) ModelDescriptor {
	ov, ok := o[d.ID]
	if !ok {
		return d
	}
	d.SupportsPromptCache = true
	if ov.SupportsComputerUse {
		d.SupportsComputerUse = true
	}
	d.CacheWritesPrice = Float(ov.CacheWritesPrice)
	d.CacheReadsPrice = Float(ov.CacheReadsPrice)
	return d
}

// DefaultOverrides is the hand-maintained table for Anthropic models served
// through OpenRouter, whose listing omits prompt caching.
func DefaultOverrides() Overrides {
	sonnet := Override{SupportsComputerUse: true, CacheWritesPrice: 3.75, CacheReadsPrice: 0.3}
	sonnetJune := Override{CacheWritesPrice: 3.75, CacheReadsPrice: 0.3}
	haiku35 := Override{CacheWritesPrice: 1.25, CacheReadsPrice: 0.1}
	opus := Override{CacheWritesPrice: 18.75, CacheReadsPrice: 1.5}
	haiku3 := Override{CacheWritesPrice: 0.3, CacheReadsPrice: 0.03}

	o := Overrides{}
	o.withBeta("anthropic/claude-3.5-sonnet", sonnet)
	o.withBeta("anthropic/claude-3.5-sonnet-20240620", sonnetJune)
	for _, id := range []string{
		"anthropic/claude-3-5-haiku",
		"anthropic/claude-3-5-haiku-20241022",
		"anthropic/claude-3.5-haiku",
		"anthropic/claude-3.5-haiku-20241022",
	} {
		o.withBeta(id, haiku35)
	}
	o.withBeta("anthropic/claude-3-opus", opus)
	o.withBeta("anthropic/claude-3-haiku", haiku3)
	return o
}

func (o Overrides) withBeta(id string, ov Override) {
	o[id] = ov
	o[id+":beta"] = ov
}
