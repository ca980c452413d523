package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/updown15m/engine/internal/config"
	"github.com/updown15m/engine/internal/domain"
	"github.com/updown15m/engine/internal/events"
	"github.com/updown15m/engine/internal/feature"
)

// ScanKind distinguishes how a tracker was discovered, carried on the
// marketAdded event payload.
type ScanKind string

const (
	ScanPredictive ScanKind = "predictive"
	ScanReactive   ScanKind = "reactive"
)

// Event is the payload emitted for marketAdded, marketRemoved, and error.
type Event struct {
	Kind    string
	Tracker *domain.MarketTracker
	Scan    ScanKind
	Err     error
}

const (
	EventMarketAdded   = "marketAdded"
	EventMarketRemoved = "marketRemoved"
	EventError         = "error"
)

// scanTimeout bounds a single predictive or reactive lookup attempt; a
// timed-out query surfaces an error and is retried on the next tick.
const scanTimeout = 5 * time.Second

// Registry owns the live set of per-market trackers: discovery via
// predictive/reactive scans, expiry via cleanup, and price-tick routing to
// each tracker's own feature engine (4.F/§3: each tracker owns its
// feature-engine state; the registry never shares one engine across
// trackers, even trackers of the same asset, since their ring/window state
// must evolve independently).
type Registry struct {
	cfg          config.RegistryConfig
	symbols      []domain.Asset
	source       Source
	thresholdBps map[domain.Asset]float64
	emitter      *events.Emitter[Event]
	logger       *slog.Logger

	mu       sync.Mutex
	trackers map[string]*domain.MarketTracker
	engines  map[string]*feature.Engine // conditionId -> this tracker's own engine
}

// New builds a Registry for the configured symbols against source. logger
// may be nil, in which case log/slog's default logger is used.
func New(cfg config.RegistryConfig, symbols []domain.Asset, source Source, thresholdBps map[domain.Asset]float64, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:          cfg,
		symbols:      symbols,
		source:       source,
		thresholdBps: thresholdBps,
		emitter:      events.New[Event](32),
		logger:       logger,
		trackers:     make(map[string]*domain.MarketTracker),
		engines:      make(map[string]*feature.Engine),
	}
}

// On registers a handler for one of EventMarketAdded/EventMarketRemoved/EventError.
func (r *Registry) On(name string, handler func(Event)) {
	r.emitter.On(name, handler)
}

// Errors surfaces panics recovered from event handlers.
func (r *Registry) Errors() <-chan error {
	return r.emitter.Errors()
}

// Tracker returns the tracker for conditionID, if any.
func (r *Registry) Tracker(conditionID string) (domain.MarketTracker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trackers[conditionID]
	if !ok {
		return domain.MarketTracker{}, false
	}
	return *t, true
}

// MarkTraded flips the traded bit for conditionID, returning false if no
// such tracker exists.
func (r *Registry) MarkTraded(conditionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trackers[conditionID]
	if !ok {
		return false
	}
	t.Traded = true
	return true
}

// TrackerCount returns the number of live trackers.
func (r *Registry) TrackerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.trackers)
}

func (r *Registry) addTracker(q MarketQuery, scan ScanKind) {
	r.mu.Lock()
	if _, exists := r.trackers[q.ConditionID]; exists {
		r.mu.Unlock()
		return
	}
	tracker := &domain.MarketTracker{
		Market: domain.Market{
			ConditionID: q.ConditionID,
			Slug:        q.Slug,
			Asset:       q.Asset,
			WindowStart: q.WindowStart,
			EndTime:     q.EndTime,
		},
	}
	r.trackers[q.ConditionID] = tracker
	r.engines[q.ConditionID] = feature.New(q.Asset, r.thresholdBps[q.Asset])
	r.mu.Unlock()

	r.emitter.Emit(EventMarketAdded, Event{Kind: EventMarketAdded, Tracker: tracker, Scan: scan})
}

// PredictiveScan enumerates the upcoming slug schedule for every configured
// symbol and attaches a tracker for each newly-discovered market.
func (r *Registry) PredictiveScan(ctx context.Context) {
	now := time.Now().UTC()
	nextSlot := nextPredictiveSlot(now.Unix())
	slotCount := r.cfg.LookaheadMinutes/15 + 1

	type slot struct {
		asset domain.Asset
		slug  string
		unix  int64
	}
	var slots []slot
	for i := 0; i < slotCount; i++ {
		unix := nextSlot + int64(i*900)
		for _, asset := range r.symbols {
			slots = append(slots, slot{asset: asset, slug: buildSlug(asset, unix), unix: unix})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	results := make([]*MarketQuery, len(slots))
	for i, s := range slots {
		i, s := i, s
		g.Go(func() error {
			queryCtx, cancel := context.WithTimeout(gctx, scanTimeout)
			defer cancel()
			q, err := r.source.MarketBySlug(queryCtx, s.slug)
			if err != nil {
				r.emitter.Emit(EventError, Event{Kind: EventError, Err: fmt.Errorf("predictive scan %s: %w", s.slug, err)})
				return nil
			}
			if q == nil {
				return nil
			}
			if q.Asset == "" {
				q.Asset = s.asset
			}
			results[i] = q
			return nil
		})
	}
	_ = g.Wait()

	for _, q := range results {
		if q == nil || !q.Active || q.Closed {
			continue
		}
		r.addTracker(*q, ScanPredictive)
	}
}

// ReactiveScan queries the active-markets source for windows within the
// configured minutes-until-end band and attaches trackers for any not
// already tracked.
func (r *Registry) ReactiveScan(ctx context.Context) {
	queryCtx, cancel := context.WithTimeout(ctx, scanTimeout)
	defer cancel()

	markets, err := r.source.ActiveMarkets(queryCtx)
	if err != nil {
		r.emitter.Emit(EventError, Event{Kind: EventError, Err: fmt.Errorf("reactive scan: %w", err)})
		return
	}

	now := time.Now().UTC()
	for _, q := range markets {
		if !q.Active || q.Closed {
			continue
		}
		minutesUntilEnd := int(q.EndTime.Sub(now).Minutes())
		if minutesUntilEnd < r.cfg.ReactiveMinMinutesEnd || minutesUntilEnd > r.cfg.ReactiveMaxMinutesEnd {
			continue
		}
		r.addTracker(q, ScanReactive)
	}
}

// Cleanup removes trackers whose window has ended, emitting marketRemoved
// for each.
func (r *Registry) Cleanup() {
	now := time.Now().UTC()

	r.mu.Lock()
	var expired []*domain.MarketTracker
	for id, t := range r.trackers {
		if !t.EndTime.After(now) {
			expired = append(expired, t)
			delete(r.trackers, id)
			delete(r.engines, id)
		}
	}
	r.mu.Unlock()

	for _, t := range expired {
		r.emitter.Emit(EventMarketRemoved, Event{Kind: EventMarketRemoved, Tracker: t})
	}
}

// Tick routes a price observation to every tracker whose asset matches,
// feeding each tracker's own feature engine independently, and returning,
// per conditionId, the FeatureVector computed at a new minute boundary (nil
// when that tracker's tick did not cross one).
func (r *Registry) Tick(asset domain.Asset, price float64, timestampMS int64) map[string]*domain.FeatureVector {
	r.mu.Lock()
	type matched struct {
		conditionID string
		engine      *feature.Engine
	}
	matching := make([]matched, 0)
	for id, t := range r.trackers {
		if t.Asset == asset {
			matching = append(matching, matched{conditionID: id, engine: r.engines[id]})
		}
	}
	r.mu.Unlock()

	out := make(map[string]*domain.FeatureVector)
	for _, m := range matching {
		if m.engine == nil {
			continue
		}
		fv, err := m.engine.IngestPrice(price, timestampMS)
		if err != nil {
			r.emitter.Emit(EventError, Event{Kind: EventError, Err: err})
			continue
		}
		if fv != nil {
			out[m.conditionID] = fv
		}
	}
	return out
}

// Run drives the predictive, reactive, and cleanup periodic tasks until ctx
// is cancelled. PredictiveScan runs immediately on start, then every
// PredictiveScanInterval.
func (r *Registry) Run(ctx context.Context) error {
	r.PredictiveScan(ctx)

	predictive := time.NewTicker(r.cfg.PredictiveScanInterval)
	reactive := time.NewTicker(r.cfg.ReactiveScanInterval)
	cleanup := time.NewTicker(r.cfg.CleanupInterval)
	defer predictive.Stop()
	defer reactive.Stop()
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-predictive.C:
			r.PredictiveScan(ctx)
		case <-reactive.C:
			r.ReactiveScan(ctx)
		case <-cleanup.C:
			r.Cleanup()
		}
	}
}
