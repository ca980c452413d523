// Package registry discovers and tracks per-window markets (4.F): a
// predictive scan that enumerates upcoming slugs from a deterministic
// schedule, a reactive scan that queries for already-active markets, a
// cleanup sweep that retires expired trackers, and price-tick routing to
// each tracker's feature engine.
package registry

import (
	"context"
	"time"

	"github.com/updown15m/engine/internal/domain"
)

// MarketQuery is one discovered market, whether found via a predictive slug
// lookup or a reactive active-markets query.
type MarketQuery struct {
	ConditionID string
	Slug        string
	Asset       domain.Asset
	WindowStart time.Time
	EndTime     time.Time
	Active      bool
	Closed      bool
}

// Source is the external market-data boundary the registry scans against.
// An implementation typically wraps a Gamma-style market API client.
type Source interface {
	// MarketBySlug looks up a single market by its predictive slug. A nil
	// result with a nil error means no such market exists yet.
	MarketBySlug(ctx context.Context, slug string) (*MarketQuery, error)
	// ActiveMarkets returns every currently active 15-minute market.
	ActiveMarkets(ctx context.Context) ([]MarketQuery, error)
}
