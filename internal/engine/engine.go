// Package engine implements the decision and execution gate (4.G): per-tick
// evaluation against the per-asset logistic model, entry-price-capped
// decisions, always-on evaluation recording, and dispatch to either a live
// order sink or the in-memory paper tracker.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/updown15m/engine/internal/asset"
	"github.com/updown15m/engine/internal/config"
	"github.com/updown15m/engine/internal/domain"
	"github.com/updown15m/engine/internal/events"
	"github.com/updown15m/engine/internal/execution"
	"github.com/updown15m/engine/internal/feed"
	"github.com/updown15m/engine/internal/model"
	"github.com/updown15m/engine/internal/paper"
	"github.com/updown15m/engine/internal/registry"
	"github.com/updown15m/engine/internal/store"
)

// tickTimeout bounds a single quote lookup during evaluation; a timed-out
// quote surfaces an error and the tick is not retried (4.G / 5).
const tickTimeout = 5 * time.Second

// Engine is the wired decision/execution gate: registry + models + store +
// quotes + (live sink or paper tracker), driven by a price feed client.
type Engine struct {
	cfg    config.EngineConfig
	dryRun bool

	feedClient *feed.Client
	registry   *registry.Registry
	models     map[domain.Asset]model.Model
	quotes     QuoteSource
	store      *store.Store
	sink       execution.Sink
	execTrack  *execution.Tracker
	paperTrack *paper.Tracker

	emitter *events.Emitter[Event]
	logger  *slog.Logger

	// tradeIDs maps a conditionId to the store-minted trade id once a trade
	// has been recorded, so later minute-boundary ticks in the same window
	// can attach MinutePrice samples to it (4.E). Confined to the engine's
	// single event-loop goroutine; no locking needed (§5).
	tradeIDs map[string]int64
}

// Deps bundles the Engine's collaborators, assembled by whatever process
// entrypoint embeds this module (command-line wiring is out of scope here).
type Deps struct {
	FeedClient   *feed.Client
	Registry     *registry.Registry
	Models       map[domain.Asset]model.Model
	Quotes       QuoteSource
	Store        *store.Store
	Sink         execution.Sink // may be nil in dry-run mode
	ExecTracker  *execution.Tracker
	PaperTracker *paper.Tracker
	Logger       *slog.Logger
}

// New validates cfg (fail-fast, 4.G) and wires an Engine.
func New(cfg config.EngineConfig, dryRun bool, deps Deps) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: invalid configuration: %w", err)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:        cfg,
		dryRun:     dryRun,
		feedClient: deps.FeedClient,
		registry:   deps.Registry,
		models:     deps.Models,
		quotes:     deps.Quotes,
		store:      deps.Store,
		sink:       deps.Sink,
		execTrack:  deps.ExecTracker,
		paperTrack: deps.PaperTracker,
		emitter:    events.New[Event](64),
		logger:     logger,
		tradeIDs:   make(map[string]int64),
	}, nil
}

// On registers a handler for one of the EventKind constants.
func (e *Engine) On(name EventKind, handler func(Event)) {
	e.emitter.On(string(name), handler)
}

// Errors surfaces panics recovered from event handlers.
func (e *Engine) Errors() <-chan error {
	return e.emitter.Errors()
}

func (e *Engine) emit(ev Event) {
	e.emitter.Emit(string(ev.Kind), ev)
}

func stateMinuteAllowed(allowed []int, m int) bool {
	for _, v := range allowed {
		if v == m {
			return true
		}
	}
	return false
}

// windowOpenPrice recovers the window's open price from the tick price that
// produced returnSinceOpen (ret = price/openPrice - 1), since the feature
// vector itself carries only the derived return, not the raw open.
func windowOpenPrice(price, returnSinceOpen float64) float64 {
	denom := 1 + returnSinceOpen
	if denom == 0 {
		return 0
	}
	return price / denom
}

// volatilityRegimeFor classifies vol5m per 4.A, or the zero value when vol5m
// is not yet available (insufficient ring history).
func volatilityRegimeFor(vol5m float64, a domain.Asset) domain.RegimeBucket {
	if math.IsNaN(vol5m) {
		return ""
	}
	return asset.Classify(vol5m, a)
}

// Evaluate runs the per-tick gate (4.G steps 1-6a) for one tracker at the
// FeatureVector just produced by its feature engine, given the raw price
// that produced it. Resolution (step 6) is handled separately by
// ResolveMarket.
func (e *Engine) Evaluate(ctx context.Context, tracker domain.MarketTracker, fv domain.FeatureVector, price float64) {
	if tracker.Traded || !stateMinuteAllowed(e.cfg.StateMinutes, fv.StateMinute) {
		return
	}

	m, ok := e.models[tracker.Asset]
	if !ok {
		e.emit(Event{Kind: EventError, Err: fmt.Errorf("engine: no model loaded for asset %s", tracker.Asset)})
		return
	}
	prediction, err := m.Predict(fv.ToMap())
	if err != nil {
		e.emit(Event{Kind: EventError, Err: fmt.Errorf("engine: predict for %s: %w", tracker.ConditionID, err)})
		return
	}

	queryCtx, cancel := context.WithTimeout(ctx, tickTimeout)
	quote, err := e.quotes.Quote(queryCtx, tracker.ConditionID)
	cancel()
	if err != nil {
		e.emit(Event{Kind: EventError, Err: fmt.Errorf("engine: quote for %s: %w", tracker.ConditionID, err)})
		return
	}

	decision, side, entryPrice, tokenID, reason := e.decide(prediction.Probability, quote)

	if err := e.recordEvaluation(tracker, fv, prediction, quote, decision, reason); err != nil {
		e.emit(Event{Kind: EventError, Err: fmt.Errorf("engine: record evaluation for %s: %w", tracker.ConditionID, err)})
	}

	if decision == domain.DecisionSkip {
		return
	}

	e.registry.MarkTraded(tracker.ConditionID)

	signal := Signal{
		SignalID:          newSignalID(),
		ConditionID:       tracker.ConditionID,
		Slug:              tracker.Slug,
		Asset:             tracker.Asset,
		Side:              side,
		TokenID:           tokenID,
		Size:              e.cfg.PositionSizeUSD,
		Probability:       prediction.Probability,
		LinearCombination: prediction.LinearCombination,
		StateMinute:       fv.StateMinute,
		Features:          fv,
		EntryPrice:        entryPrice,
		Timestamp:         time.Now().UTC(),
		WindowOpenPrice:   windowOpenPrice(price, fv.ReturnSinceOpen),
		VolatilityRegime:  volatilityRegimeFor(fv.Volatility5m, tracker.Asset),
	}
	e.emit(Event{Kind: EventSignal, Signal: &signal})

	if !e.dryRun {
		e.dispatchLive(ctx, signal)
		return
	}
	e.dispatchPaper(signal)
}

func (e *Engine) decide(probability float64, quote Quote) (decision domain.Decision, side domain.Side, entryPrice float64, tokenID string, reason string) {
	switch {
	case probability >= e.cfg.YesThreshold:
		decision, side, entryPrice, tokenID, reason = domain.DecisionYes, domain.SideYes, quote.YesPrice, quote.YesTokenID, "probability >= YES threshold"
	case probability <= e.cfg.NoThreshold:
		decision, side, entryPrice, tokenID, reason = domain.DecisionNo, domain.SideNo, quote.NoPrice, quote.NoTokenID, "probability <= NO threshold"
	default:
		return domain.DecisionSkip, "", 0, "", "in uncertain range"
	}

	if entryPrice > e.cfg.EntryPriceCap {
		return domain.DecisionSkip, "", 0, "", fmt.Sprintf("entry price > cap (%.4f > %.4f)", entryPrice, e.cfg.EntryPriceCap)
	}
	return decision, side, entryPrice, tokenID, reason
}

func (e *Engine) recordEvaluation(tracker domain.MarketTracker, fv domain.FeatureVector, prediction model.Prediction, quote Quote, decision domain.Decision, reason string) error {
	if e.store == nil {
		return nil
	}
	featuresJSON, err := json.Marshal(fv)
	if err != nil {
		return err
	}
	_, err = e.store.RecordEvaluation(domain.EvaluationRecord{
		ConditionID:       tracker.ConditionID,
		Slug:              tracker.Slug,
		Symbol:            tracker.Asset,
		Timestamp:         time.Now().UTC(),
		StateMinute:       fv.StateMinute,
		ModelProbability:  prediction.Probability,
		LinearCombination: prediction.LinearCombination,
		ImputedCount:      prediction.ImputedCount,
		MarketPriceYes:    quote.YesPrice,
		MarketPriceNo:     quote.NoPrice,
		Decision:          decision,
		Reason:            reason,
		FeaturesJSON:      string(featuresJSON),
	})
	return err
}

func (e *Engine) dispatchLive(ctx context.Context, signal Signal) {
	if e.sink == nil {
		e.emit(Event{Kind: EventError, Err: fmt.Errorf("engine: live dispatch requested with no sink configured")})
		return
	}
	req := execution.OrderRequest{TokenID: signal.TokenID, Side: "BUY", Amount: signal.Size, OrderType: "FOK"}
	result, err := e.sink.CreateMarketOrder(ctx, req)
	if e.execTrack != nil {
		e.execTrack.RegisterOrder(signal.ConditionID, result, req, signal.Asset, signal.Side)
	}
	if err != nil {
		e.emit(Event{Kind: EventError, Err: fmt.Errorf("engine: order submission for %s: %w", signal.ConditionID, err)})
		return
	}
	e.emit(Event{Kind: EventExecution, Signal: &signal, Success: result.Success, OrderID: result.OrderID})

	if result.Success {
		e.persistTrade(signal)
	}
}

func (e *Engine) dispatchPaper(signal Signal) {
	position := domain.PaperPosition{TradeRecord: tradeRecordFromSignal(signal)}
	if e.paperTrack != nil {
		if err := e.paperTrack.Open(position); err != nil {
			e.emit(Event{Kind: EventError, Err: fmt.Errorf("engine: open paper position for %s: %w", signal.ConditionID, err)})
			return
		}
	}
	e.emit(Event{Kind: EventPaperPosition, Signal: &signal, Position: &position})
	e.persistTrade(signal)
}

func tradeRecordFromSignal(signal Signal) domain.TradeRecord {
	return domain.TradeRecord{
		ConditionID:       signal.ConditionID,
		Slug:              signal.Slug,
		Symbol:            signal.Asset,
		Side:              signal.Side,
		EntryPrice:        signal.EntryPrice,
		PositionSize:      signal.Size,
		SignalTimestamp:   signal.Timestamp,
		Probability:       signal.Probability,
		LinearCombination: signal.LinearCombination,
		Features:          signal.Features,
		StateMinute:       signal.StateMinute,
		HourOfDay:         signal.Features.HourOfDay,
		DayOfWeek:         signal.Features.DayOfWeek,
		VolatilityRegime:  signal.VolatilityRegime,
		Volatility5m:      signal.Features.Volatility5m,
		WindowOpenPrice:   signal.WindowOpenPrice,
	}
}

// persistTrade inserts the TradeRecord and, on success, remembers its
// store-minted id so later minute-boundary ticks can attach MinutePrice
// samples via recordMinutePrice.
func (e *Engine) persistTrade(signal Signal) {
	if e.store == nil {
		return
	}
	id, err := e.store.RecordTrade(tradeRecordFromSignal(signal))
	if err != nil {
		e.emit(Event{Kind: EventError, Err: fmt.Errorf("engine: persist trade for %s: %w", signal.ConditionID, err)})
		return
	}
	if id != 0 {
		e.tradeIDs[signal.ConditionID] = id
	}
}

// recordMinutePrice attaches a per-minute price sample to the trade recorded
// for conditionID, if one exists yet (4.E minute_prices). Markets that were
// never traded never accumulate minute prices, consistent with the table's
// trade_id foreign key.
func (e *Engine) recordMinutePrice(conditionID string, fv domain.FeatureVector, price float64) {
	if e.store == nil {
		return
	}
	tradeID, ok := e.tradeIDs[conditionID]
	if !ok {
		return
	}
	err := e.store.RecordMinutePrice(tradeID, domain.MinutePrice{
		TradeID:      tradeID,
		MinuteOffset: fv.StateMinute,
		Price:        price,
		Timestamp:    time.UnixMilli(fv.Timestamp),
	})
	if err != nil {
		e.emit(Event{Kind: EventError, Err: fmt.Errorf("engine: record minute price for %s: %w", conditionID, err)})
	}
}

// ResolveMarket handles a dry-run resolution event (4.G step 6): settles the
// paper position, folds P&L, and persists the TradeOutcome.
func (e *Engine) ResolveMarket(conditionID string, outcome domain.Outcome, resolutionTimestamp time.Time) {
	if e.paperTrack == nil {
		return
	}
	settlement, err := e.paperTrack.Settle(conditionID, outcome, resolutionTimestamp)
	if err != nil {
		e.logger.Warn("resolution for unknown position dropped", "marketId", conditionID)
		return
	}
	e.emit(Event{Kind: EventPaperSettlement, Settlement: &settlement})

	if e.store == nil {
		return
	}
	if err := e.store.UpdateOutcome(conditionID, settlement.TradeOutcome); errors.Is(err, store.ErrUnknownTrade) {
		e.logger.Warn("resolution for unknown trade dropped", "marketId", conditionID)
	} else if err != nil {
		e.emit(Event{Kind: EventError, Err: fmt.Errorf("engine: update outcome for %s: %w", conditionID, err)})
	}
}

// Run drives the central event loop: registry discovery/cleanup, price feed
// ticks routed through the registry to feature engines, and evaluation of
// every resulting FeatureVector. It blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.emit(Event{Kind: EventStarted})
	defer e.emit(Event{Kind: EventStopped})

	registryDone := make(chan error, 1)
	go func() { registryDone <- e.registry.Run(ctx) }()

	feedDone := make(chan error, 1)
	go func() { feedDone <- e.feedClient.Run(ctx) }()

	priceEvents := make(chan feed.Event, 256)
	e.feedClient.On(feed.EventPrice, func(ev feed.Event) { priceEvents <- ev })
	removedMarkets := make(chan string, 64)
	e.registry.On(registry.EventMarketRemoved, func(rev registry.Event) {
		if rev.Tracker == nil {
			return
		}
		select {
		case removedMarkets <- rev.Tracker.ConditionID:
		case <-ctx.Done():
		}
	})

	for {
		select {
		case <-ctx.Done():
			<-registryDone
			<-feedDone
			return ctx.Err()
		case conditionID := <-removedMarkets:
			delete(e.tradeIDs, conditionID)
		case ev := <-priceEvents:
			sym, ok := domain.AssetFromExchangeSymbol(ev.Symbol)
			if !ok {
				continue
			}
			fvs := e.registry.Tick(sym, ev.Price, ev.Timestamp)
			for conditionID, fv := range fvs {
				tracker, ok := e.registry.Tracker(conditionID)
				if !ok {
					continue
				}
				e.Evaluate(ctx, tracker, *fv, ev.Price)
				e.recordMinutePrice(conditionID, *fv, ev.Price)
			}
		}
	}
}
