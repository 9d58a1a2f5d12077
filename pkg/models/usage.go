package models

// Usage holds provider-reported token totals for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns input plus output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// UsageSummary aggregates provider calls grouped by provider and model.
type UsageSummary struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	CallCount    int    `json:"call_count"`
	SuccessCount int    `json:"success_count"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}
