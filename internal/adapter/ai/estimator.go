package ai

import (
	"github.com/cloudsketch/diagen/internal/adapter/ai/tokencount"
)

// Estimator predicts a job's token footprint before any call is made. The
// global token window is charged with this estimate at admission and at
// dispatch, then reconciled against measured usage.
type Estimator struct {
	counter      *tokencount.Counter
	model        string
	maxCompleted int
}

// NewEstimator constructs an Estimator for the configured model.
// maxCompletion is the completion-size cap passed to the provider.
func NewEstimator(model string, maxCompletion int) *Estimator {
	return &Estimator{counter: tokencount.NewCounter(), model: model, maxCompleted: maxCompletion}
}

// EstimateTokens returns the estimated total footprint of one generation
// call: counted prompt tokens plus the full completion allowance.
func (e *Estimator) EstimateTokens(systemPrompt, userPrompt string) int64 {
	prompt, err := e.counter.CountChatTokens(systemPrompt, userPrompt, e.model)
	if err != nil {
		prompt = (len(systemPrompt) + len(userPrompt)) / 4
	}
	return int64(prompt + e.maxCompleted)
}
