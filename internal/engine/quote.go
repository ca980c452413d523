package engine

import "context"

// Quote is a market's current Up/Down token prices and token identifiers,
// the latter needed to submit a live order against the chosen side.
type Quote struct {
	YesTokenID string
	YesPrice   float64
	NoTokenID  string
	NoPrice    float64
}

// QuoteSource is the market-pricing boundary the decision gate consults for
// the Up/Down token prices of a tracked market, every evaluation tick
// (4.G step 1-4: marketPriceYes/marketPriceNo are recorded on every
// EvaluationRecord regardless of decision).
type QuoteSource interface {
	Quote(ctx context.Context, conditionID string) (Quote, error)
}
