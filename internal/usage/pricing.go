package usage

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Price is per thousand tokens.
type Price struct {
	InputPer1K  float64 `yaml:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k"`
}

// Pricing is keyed by "provider/model"; "provider/*" applies to any model
// of that provider.
type Pricing map[string]Price

func (p Pricing) Lookup(provider, model string) (Price, bool) {
	if price, ok := p[provider+"/"+model]; ok {
		return price, true
	}
	price, ok := p[provider+"/*"]
	return price, ok
}

func (p Pricing) Cost(provider, model string, inputTokens, outputTokens int64) float64 {
	price, ok := p.Lookup(provider, model)
	if !ok {
		return 0
	}
	return float64(inputTokens)/1000*price.InputPer1K + float64(outputTokens)/1000*price.OutputPer1K
}

func ParsePricing(data []byte) (Pricing, error) {
	var doc struct {
		Prices Pricing `yaml:"prices"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("usage: parse pricing: %w", err)
	}
	for key, price := range doc.Prices {
		if price.InputPer1K < 0 || price.OutputPer1K < 0 {
			return nil, fmt.Errorf("usage: price for %s must not be negative", key)
		}
	}
	return doc.Prices, nil
}

func LoadPricing(path string) (Pricing, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("usage: read pricing %s: %w", path, err)
	}
	return ParsePricing(data)
}
