package engine

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/updown15m/engine/internal/config"
	"github.com/updown15m/engine/internal/domain"
	"github.com/updown15m/engine/internal/execution"
	"github.com/updown15m/engine/internal/model"
	"github.com/updown15m/engine/internal/paper"
	"github.com/updown15m/engine/internal/registry"
	"github.com/updown15m/engine/internal/store"
)

type fakeRegistrySource struct {
	active []registry.MarketQuery
}

func (f *fakeRegistrySource) MarketBySlug(_ context.Context, _ string) (*registry.MarketQuery, error) {
	return nil, nil
}

func (f *fakeRegistrySource) ActiveMarkets(_ context.Context) ([]registry.MarketQuery, error) {
	return f.active, nil
}

type fakeQuotes struct {
	quote Quote
	err   error
}

func (f *fakeQuotes) Quote(_ context.Context, _ string) (Quote, error) {
	return f.quote, f.err
}

type fakeSink struct {
	result execution.OrderResult
	err    error
	calls  int
}

func (f *fakeSink) CreateMarketOrder(_ context.Context, _ execution.OrderRequest) (execution.OrderResult, error) {
	f.calls++
	return f.result, f.err
}

func constantModel(probability float64) model.Model {
	return model.Model{
		Asset:          domain.BTC,
		FeatureColumns: []string{"stateMinute"},
		Coefficients:   []float64{0},
		Intercept:      logit(probability),
		FeatureMedians: map[string]float64{"stateMinute": 0},
	}
}

func logit(p float64) float64 {
	// z such that sigmoid(z) == p, for p strictly between 0 and 1.
	return math.Log(p / (1 - p))
}

func testEngine(t *testing.T, cfg config.EngineConfig, probability float64, quote Quote, sink execution.Sink, dryRun bool) (*Engine, *registry.Registry, *paper.Tracker, *execution.Tracker) {
	t.Helper()
	now := time.Now().UTC()
	src := &fakeRegistrySource{active: []registry.MarketQuery{
		{ConditionID: "cond-1", Slug: "btc-updown-15m-1", Asset: domain.BTC, Active: true, WindowStart: now, EndTime: now.Add(15 * time.Minute)},
	}}
	reg := registry.New(config.RegistryConfig{
		PredictiveScanInterval: time.Hour, ReactiveScanInterval: time.Hour, CleanupInterval: time.Hour,
		LookaheadMinutes: 15, ReactiveMinMinutesEnd: 0, ReactiveMaxMinutesEnd: 60,
	}, []domain.Asset{domain.BTC}, src, map[domain.Asset]float64{domain.BTC: 10}, nil)
	reg.ReactiveScan(context.Background())

	st, err := store.Open(config.StoreConfig{Enabled: false})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}

	paperTrack := paper.NewTracker()
	execTrack := execution.NewTracker()

	e, err := New(cfg, dryRun, Deps{
		Registry:     reg,
		Models:       map[domain.Asset]model.Model{domain.BTC: constantModel(probability)},
		Quotes:       &fakeQuotes{quote: quote},
		Store:        st,
		Sink:         sink,
		ExecTracker:  execTrack,
		PaperTracker: paperTrack,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e, reg, paperTrack, execTrack
}

func baseEngineCfg() config.EngineConfig {
	return config.EngineConfig{
		PositionSizeUSD: 100,
		NoThreshold:     0.3,
		YesThreshold:    0.7,
		EntryPriceCap:   0.9,
		Symbols:         []string{"BTC"},
		ThresholdBps:    map[string]float64{"BTC": 10},
		StateMinutes:    []int{0, 1, 2},
		HorizonMinutes:  15,
	}
}

func TestEvaluateSkipsAlreadyTradedTracker(t *testing.T) {
	e, reg, _, _ := testEngine(t, baseEngineCfg(), 0.9, Quote{YesPrice: 0.5, NoPrice: 0.5}, nil, true)
	reg.MarkTraded("cond-1")
	tracker, _ := reg.Tracker("cond-1")

	var signals []Event
	e.On(EventSignal, func(ev Event) { signals = append(signals, ev) })

	e.Evaluate(context.Background(), tracker, domain.FeatureVector{StateMinute: 0}, 100)
	if len(signals) != 0 {
		t.Fatalf("expected no signal for already-traded tracker, got %d", len(signals))
	}
}

func TestEvaluateSkipsOutOfBandStateMinute(t *testing.T) {
	e, _, _, _ := testEngine(t, baseEngineCfg(), 0.9, Quote{YesPrice: 0.5}, nil, true)
	tracker := domain.MarketTracker{Market: domain.Market{ConditionID: "cond-1", Asset: domain.BTC}}

	var signals []Event
	e.On(EventSignal, func(ev Event) { signals = append(signals, ev) })
	e.Evaluate(context.Background(), tracker, domain.FeatureVector{StateMinute: 10}, 100)

	if len(signals) != 0 {
		t.Fatalf("expected no signal for out-of-band state minute, got %d", len(signals))
	}
}

func TestEvaluateYesDecisionDryRunOpensPaperPosition(t *testing.T) {
	e, _, paperTrack, _ := testEngine(t, baseEngineCfg(), 0.9, Quote{YesPrice: 0.5, NoPrice: 0.5, YesTokenID: "tok-yes"}, nil, true)
	tracker := domain.MarketTracker{Market: domain.Market{ConditionID: "cond-1", Asset: domain.BTC, Slug: "slug-1"}}

	var signals []Event
	var positions []Event
	e.On(EventSignal, func(ev Event) { signals = append(signals, ev) })
	e.On(EventPaperPosition, func(ev Event) { positions = append(positions, ev) })

	e.Evaluate(context.Background(), tracker, domain.FeatureVector{StateMinute: 0}, 100)

	if len(signals) != 1 || signals[0].Signal.Side != domain.SideYes {
		t.Fatalf("expected one YES signal, got %+v", signals)
	}
	if len(positions) != 1 {
		t.Fatalf("expected one paperPosition event, got %d", len(positions))
	}
	if _, ok := paperTrack.Position("cond-1"); !ok {
		t.Fatal("expected an open paper position for cond-1")
	}
}

func TestEvaluateEntryPriceCapForcesSkip(t *testing.T) {
	cfg := baseEngineCfg()
	cfg.EntryPriceCap = 0.4
	e, _, paperTrack, _ := testEngine(t, cfg, 0.9, Quote{YesPrice: 0.8}, nil, true)
	tracker := domain.MarketTracker{Market: domain.Market{ConditionID: "cond-1", Asset: domain.BTC}}

	var signals []Event
	e.On(EventSignal, func(ev Event) { signals = append(signals, ev) })
	e.Evaluate(context.Background(), tracker, domain.FeatureVector{StateMinute: 0}, 100)

	if len(signals) != 0 {
		t.Fatalf("expected entry price cap to force SKIP, got %d signals", len(signals))
	}
	if _, ok := paperTrack.Position("cond-1"); ok {
		t.Fatal("expected no paper position opened when capped")
	}
}

func TestDecideEntryPriceCapReasonContainsRequiredSubstring(t *testing.T) {
	cfg := baseEngineCfg()
	cfg.EntryPriceCap = 0.4
	e, _, _, _ := testEngine(t, cfg, 0.9, Quote{YesPrice: 0.8}, nil, true)

	decision, _, _, _, reason := e.decide(0.9, Quote{YesPrice: 0.8})
	if decision != domain.DecisionSkip {
		t.Fatalf("expected SKIP when entry price exceeds cap, got %v", decision)
	}
	if !strings.Contains(reason, "entry price > cap") {
		t.Fatalf("expected reason to contain %q, got %q", "entry price > cap", reason)
	}
}

func TestEvaluateUncertainRangeSkips(t *testing.T) {
	e, _, _, _ := testEngine(t, baseEngineCfg(), 0.5, Quote{YesPrice: 0.5, NoPrice: 0.5}, nil, true)
	tracker := domain.MarketTracker{Market: domain.Market{ConditionID: "cond-1", Asset: domain.BTC}}

	var signals []Event
	e.On(EventSignal, func(ev Event) { signals = append(signals, ev) })
	e.Evaluate(context.Background(), tracker, domain.FeatureVector{StateMinute: 0}, 100)

	if len(signals) != 0 {
		t.Fatalf("expected SKIP in uncertain range, got %d signals", len(signals))
	}
}

func TestEvaluateLiveDispatchSubmitsOrder(t *testing.T) {
	sink := &fakeSink{result: execution.OrderResult{Success: true, OrderID: "ord-1"}}
	e, _, _, execTrack := testEngine(t, baseEngineCfg(), 0.9, Quote{YesPrice: 0.5, YesTokenID: "tok-yes"}, sink, false)
	tracker := domain.MarketTracker{Market: domain.Market{ConditionID: "cond-1", Asset: domain.BTC}}

	var executions []Event
	e.On(EventExecution, func(ev Event) { executions = append(executions, ev) })
	e.Evaluate(context.Background(), tracker, domain.FeatureVector{StateMinute: 0}, 100)

	if sink.calls != 1 {
		t.Fatalf("expected sink to be called once, got %d", sink.calls)
	}
	if len(executions) != 1 || !executions[0].Success {
		t.Fatalf("expected a successful execution event, got %+v", executions)
	}
	if _, ok := execTrack.Order("cond-1"); !ok {
		t.Fatal("expected order to be recorded in the execution tracker")
	}
}

func TestResolveMarketSettlesPaperPositionAndUpdatesStore(t *testing.T) {
	e, _, paperTrack, _ := testEngine(t, baseEngineCfg(), 0.9, Quote{YesPrice: 0.5}, nil, true)
	tracker := domain.MarketTracker{Market: domain.Market{ConditionID: "cond-1", Asset: domain.BTC}}
	e.Evaluate(context.Background(), tracker, domain.FeatureVector{StateMinute: 0}, 100)

	var settlements []Event
	e.On(EventPaperSettlement, func(ev Event) { settlements = append(settlements, ev) })

	e.ResolveMarket("cond-1", domain.OutcomeUp, time.Now())

	if len(settlements) != 1 {
		t.Fatalf("expected one paperSettlement event, got %d", len(settlements))
	}
	if _, ok := paperTrack.Position("cond-1"); ok {
		t.Fatal("expected position to be closed after resolution")
	}
}

func TestResolveMarketUnknownConditionIsDropped(t *testing.T) {
	e, _, _, _ := testEngine(t, baseEngineCfg(), 0.9, Quote{}, nil, true)

	var settlements []Event
	e.On(EventPaperSettlement, func(ev Event) { settlements = append(settlements, ev) })
	e.ResolveMarket("never-traded", domain.OutcomeUp, time.Now())

	if len(settlements) != 0 {
		t.Fatalf("expected no settlement for unknown conditionId, got %d", len(settlements))
	}
}

func TestEvaluateRecoversWindowOpenPriceAndRegime(t *testing.T) {
	e, _, _, _ := testEngine(t, baseEngineCfg(), 0.9, Quote{YesPrice: 0.5, NoPrice: 0.5}, nil, true)
	tracker := domain.MarketTracker{Market: domain.Market{ConditionID: "cond-1", Asset: domain.BTC}}

	var signals []Event
	e.On(EventSignal, func(ev Event) { signals = append(signals, ev) })

	// price=101, returnSinceOpen=0.01 => windowOpenPrice should recover to 100.
	e.Evaluate(context.Background(), tracker, domain.FeatureVector{StateMinute: 0, ReturnSinceOpen: 0.01, Volatility5m: 0.0001}, 101)

	if len(signals) != 1 {
		t.Fatalf("expected one signal, got %d", len(signals))
	}
	got := signals[0].Signal.WindowOpenPrice
	if math.Abs(got-100) > 1e-9 {
		t.Fatalf("expected recovered windowOpenPrice ~100, got %v", got)
	}
	if signals[0].Signal.VolatilityRegime != domain.RegimeLow {
		t.Fatalf("expected low volatility regime for BTC at vol5m=0.0001, got %v", signals[0].Signal.VolatilityRegime)
	}
}

func TestEvaluateLeavesVolatilityRegimeEmptyWhenVolatilityUnknown(t *testing.T) {
	e, _, _, _ := testEngine(t, baseEngineCfg(), 0.9, Quote{YesPrice: 0.5}, nil, true)
	tracker := domain.MarketTracker{Market: domain.Market{ConditionID: "cond-1", Asset: domain.BTC}}

	var signals []Event
	e.On(EventSignal, func(ev Event) { signals = append(signals, ev) })
	e.Evaluate(context.Background(), tracker, domain.FeatureVector{StateMinute: 0, Volatility5m: math.NaN()}, 100)

	if len(signals) != 1 {
		t.Fatalf("expected one signal, got %d", len(signals))
	}
	if signals[0].Signal.VolatilityRegime != "" {
		t.Fatalf("expected empty regime when volatility5m is NaN, got %q", signals[0].Signal.VolatilityRegime)
	}
}

func TestRecordMinutePriceSkipsUntrackedConditionAndAppliesAfterTrade(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })

	st, err := store.Open(config.StoreConfig{Enabled: true, DBPath: filepath.Join("test-data", "engine.db"), SyncMode: "sync"})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	reg := registry.New(config.RegistryConfig{
		PredictiveScanInterval: time.Hour, ReactiveScanInterval: time.Hour, CleanupInterval: time.Hour,
		LookaheadMinutes: 15, ReactiveMinMinutesEnd: 0, ReactiveMaxMinutesEnd: 60,
	}, []domain.Asset{domain.BTC}, &fakeRegistrySource{}, map[domain.Asset]float64{domain.BTC: 10}, nil)

	e, err := New(baseEngineCfg(), true, Deps{
		Registry:     reg,
		Models:       map[domain.Asset]model.Model{domain.BTC: constantModel(0.9)},
		Quotes:       &fakeQuotes{quote: Quote{YesPrice: 0.5, NoPrice: 0.5}},
		Store:        st,
		PaperTracker: paper.NewTracker(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// no trade id recorded yet: must be a silent no-op, not a panic.
	e.recordMinutePrice("cond-1", domain.FeatureVector{StateMinute: 1}, 100)

	tracker := domain.MarketTracker{Market: domain.Market{ConditionID: "cond-1", Asset: domain.BTC}}
	e.Evaluate(context.Background(), tracker, domain.FeatureVector{StateMinute: 0}, 100)

	tradeID, ok := e.tradeIDs["cond-1"]
	if !ok || tradeID == 0 {
		t.Fatalf("expected a nonzero trade id recorded for cond-1 after a signal fires, got %v ok=%v", tradeID, ok)
	}

	e.recordMinutePrice("cond-1", domain.FeatureVector{StateMinute: 1, Timestamp: time.Now().UnixMilli()}, 101)

	row, err := st.TradeByConditionID("cond-1")
	if err != nil {
		t.Fatalf("TradeByConditionID: %v", err)
	}
	if row == nil {
		t.Fatal("expected a persisted trade row for cond-1")
	}
}
