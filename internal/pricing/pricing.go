// Package pricing holds a fixed model to price-per-token table used to
// estimate the cost of a usage event. The accounting endpoint stays the
// authoritative source; these numbers only fill cost_usd on the wire.
package pricing

import "strings"

// Price is USD per single token.
type Price struct {
	Input      float64
	Output     float64
	CacheRead  float64
	CacheWrite float64
}

type Table struct {
	models    map[string]map[string]Price
	providers map[string]Price
}

func perMillion(input, output, cacheRead, cacheWrite float64) Price {
	return Price{
		Input:      input / 1e6,
		Output:     output / 1e6,
		CacheRead:  cacheRead / 1e6,
		CacheWrite: cacheWrite / 1e6,
	}
}

// Default returns the built-in table.
func Default() *Table {
	return &Table{
		models: map[string]map[string]Price{
			"openai": {
				"gpt-4o":        perMillion(2.50, 10.00, 1.25, 0),
				"gpt-4o-mini":   perMillion(0.15, 0.60, 0.075, 0),
				"gpt-4-turbo":   perMillion(10.00, 30.00, 0, 0),
				"gpt-4":         perMillion(30.00, 60.00, 0, 0),
				"gpt-3.5-turbo": perMillion(0.50, 1.50, 0, 0),
				"gpt-4.1":       perMillion(2.00, 8.00, 0.50, 0),
				"gpt-4.1-mini":  perMillion(0.40, 1.60, 0.10, 0),
				"o1":            perMillion(15.00, 60.00, 7.50, 0),
				"o3-mini":       perMillion(1.10, 4.40, 0.55, 0),
			},
			"anthropic": {
				"claude-3-5-sonnet": perMillion(3.00, 15.00, 0.30, 3.75),
				"claude-3-5-haiku":  perMillion(0.80, 4.00, 0.08, 1.00),
				"claude-3-opus":     perMillion(15.00, 75.00, 1.50, 18.75),
				"claude-3-sonnet":   perMillion(3.00, 15.00, 0.30, 3.75),
				"claude-3-haiku":    perMillion(0.25, 1.25, 0.03, 0.30),
				"claude-sonnet-4":   perMillion(3.00, 15.00, 0.30, 3.75),
				"claude-opus-4":     perMillion(15.00, 75.00, 1.50, 18.75),
			},
			"google": {
				"gemini-1.5-pro":   perMillion(1.25, 5.00, 0.3125, 0),
				"gemini-1.5-flash": perMillion(0.075, 0.30, 0.01875, 0),
				"gemini-2.0-flash": perMillion(0.10, 0.40, 0.025, 0),
			},
		},
		providers: map[string]Price{
			"openai":    perMillion(0.15, 0.60, 0.075, 0),
			"anthropic": perMillion(0.80, 4.00, 0.08, 1.00),
			"google":    perMillion(0.075, 0.30, 0.01875, 0),
		},
	}
}

// Set adds or replaces the price of a model.
func (t *Table) Set(provider, model string, p Price) {
	if t.models[provider] == nil {
		t.models[provider] = make(map[string]Price)
	}
	t.models[provider][model] = p
}

// Lookup matches the exact model, then the longest known model prefix
// (dated snapshots like gpt-4o-2024-08-06), then the provider default.
func (t *Table) Lookup(provider, model string) (Price, bool) {
	models := t.models[provider]
	if p, ok := models[model]; ok {
		return p, true
	}

	best := ""
	for name := range models {
		if strings.HasPrefix(model, name) && len(name) > len(best) {
			best = name
		}
	}
	if best != "" {
		return models[best], true
	}

	p, ok := t.providers[provider]
	return p, ok
}

// Cost prices each token category separately. Unknown providers cost 0.
func (t *Table) Cost(provider, model string, input, output, cacheRead, cacheWrite int) float64 {
	p, ok := t.Lookup(provider, model)
	if !ok {
		return 0
	}
	cacheReadRate := p.CacheRead
	if cacheReadRate == 0 {
		cacheReadRate = p.Input
	}
	cacheWriteRate := p.CacheWrite
	if cacheWriteRate == 0 {
		cacheWriteRate = p.Input
	}
	return float64(input)*p.Input +
		float64(output)*p.Output +
		float64(cacheRead)*cacheReadRate +
		float64(cacheWrite)*cacheWriteRate
}
