package models

// UsageRecord accumulates consumption for one provider/model pair.
type UsageRecord struct {
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Calls        int64   `json:"calls"`
	Cost         float64 `json:"cost"`
}

func (r UsageRecord) TotalTokens() int64 {
	return r.InputTokens + r.OutputTokens
}
