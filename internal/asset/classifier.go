// Package asset implements the volatility-regime classifier (4.A): a pure
// per-asset cutoff table mapping a 5-minute volatility sample to low/mid/high.
package asset

import "github.com/updown15m/engine/internal/domain"

type cutoffs struct {
	low  float64
	high float64
}

var table = map[domain.Asset]cutoffs{
	domain.BTC: {low: 0.0005, high: 0.0015},
	domain.ETH: {low: 0.0007, high: 0.0020},
	domain.SOL: {low: 0.0015, high: 0.0040},
	domain.XRP: {low: 0.0010, high: 0.0030},
}

var defaultCutoffs = cutoffs{low: 0.001, high: 0.003}

// Classify maps a 5-minute volatility sample to a regime bucket using the
// cutoffs for symbol, or the default table for an unrecognized symbol.
// Boundary rule is inclusive at both ends: vol <= low is low, vol >= high is
// high, otherwise mid.
func Classify(vol5m float64, symbol domain.Asset) domain.RegimeBucket {
	c, ok := table[symbol]
	if !ok {
		c = defaultCutoffs
	}
	switch {
	case vol5m <= c.low:
		return domain.RegimeLow
	case vol5m >= c.high:
		return domain.RegimeHigh
	default:
		return domain.RegimeMid
	}
}
