package domain

import "time"

// TradeRecord is a single entry order and the feature state that produced it.
// Immutable after insert except through the TradeOutcome applied by
// updateOutcome (4.E).
type TradeRecord struct {
	ID                int64
	ConditionID       string
	Slug              string
	Symbol            Asset
	Side              Side
	EntryPrice        float64
	PositionSize      float64
	SignalTimestamp   time.Time
	Probability       float64
	LinearCombination float64
	ImputedCount      int
	Features          FeatureVector
	StateMinute       int
	HourOfDay         int
	DayOfWeek         int
	VolatilityRegime  RegimeBucket
	Volatility5m      float64
	WindowOpenPrice   float64
}

// TradeOutcome is the resolution applied exactly once to a TradeRecord via
// updateOutcome.
type TradeOutcome struct {
	Outcome               Outcome
	IsWin                 bool
	PnL                   float64
	ResolutionTimestamp   time.Time
	WindowClosePrice      float64
	MaxFavorableExcursion float64
	MaxAdverseExcursion   float64
	TimeToUpThreshold     *int
	TimeToDownThreshold   *int
}

// MinutePrice is one minute-boundary price sample tied to a trade. Unique per
// (TradeID, MinuteOffset); later writes win (upsert).
type MinutePrice struct {
	TradeID     int64
	MinuteOffset int
	Price       float64
	Timestamp   time.Time
}

// EvaluationRecord is recorded for every (market, stateMinute) evaluation
// regardless of whether a trade was emitted (4.G).
type EvaluationRecord struct {
	ID                int64
	ConditionID       string
	Slug              string
	Symbol            Asset
	Timestamp         time.Time
	StateMinute       int
	ModelProbability  float64
	LinearCombination float64
	ImputedCount      int
	MarketPriceYes    float64
	MarketPriceNo     float64
	Decision          Decision
	Reason            string
	FeaturesJSON       string
}

// PaperPosition mirrors TradeRecord for dry-run mode, held in memory only.
type PaperPosition struct {
	TradeRecord
}

// PaperSettlement mirrors TradeOutcome for dry-run mode. Applying a
// settlement removes the corresponding PaperPosition and updates cumulative
// P&L (4.G / paper tracking).
type PaperSettlement struct {
	TradeOutcome
	ConditionID string
}
