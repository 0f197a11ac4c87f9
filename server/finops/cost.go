// Package finops tracks what generation actually costs, so quota decisions
// and pricing can be checked against real spend.
package finops

import (
	"github.com/gaplens/gaplens/store"
)

// Pricing is the provider's list price in USD micros per 1K tokens.
type Pricing struct {
	InPer1K  int64
	OutPer1K int64
}

// Provider list prices per model. Unknown models fall back to the default
// model's pricing rather than silently costing zero.
var modelPricing = map[string]Pricing{
	"gpt-4o-mini": {InPer1K: 150, OutPer1K: 600},
	"gpt-4o":      {InPer1K: 2500, OutPer1K: 10000},
}

const defaultModel = "gpt-4o-mini"

// Estimator prices generation turns for a fixed model.
type Estimator struct {
	pricing Pricing
}

// NewEstimator creates an estimator for the given model.
func NewEstimator(model string) *Estimator {
	pricing, ok := modelPricing[model]
	if !ok {
		pricing = modelPricing[defaultModel]
	}
	return &Estimator{pricing: pricing}
}

// CostMicros returns the estimated cost of one turn in USD micros.
func (e *Estimator) CostMicros(tokensIn, tokensOut int32) int64 {
	return int64(tokensIn)*e.pricing.InPer1K/1000 + int64(tokensOut)*e.pricing.OutPer1K/1000
}

// Summary aggregates a user's usage events.
type Summary struct {
	Questions     int   `json:"questions"`
	CachedAnswers int   `json:"cachedAnswers"`
	TokensIn      int64 `json:"tokensIn"`
	TokensOut     int64 `json:"tokensOut"`
	// CostMicros is the total estimated generation spend in USD micros.
	// Cached answers cost nothing; their tokens are still counted.
	CostMicros int64 `json:"costMicros"`
}

// Summarize folds usage events into a spend summary.
func Summarize(events []*store.UsageEvent) *Summary {
	s := &Summary{}
	for _, event := range events {
		s.Questions++
		if event.Cached {
			s.CachedAnswers++
		}
		s.TokensIn += int64(event.TokensIn)
		s.TokensOut += int64(event.TokensOut)
		s.CostMicros += event.CostMicros
	}
	return s
}
