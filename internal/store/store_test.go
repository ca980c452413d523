package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/updown15m/engine/internal/config"
	"github.com/updown15m/engine/internal/domain"
)

// openTestStore chdirs into a fresh temp directory so a relative
// "test-data/..." path satisfies the allow-listed root check, and returns a
// store whose file is cleaned up with the test.
func openTestStore(t *testing.T, syncMode string) *Store {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })

	s, err := Open(config.StoreConfig{
		Enabled:  true,
		DBPath:   filepath.Join("test-data", "engine.db"),
		SyncMode: syncMode,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleTrade(conditionID string, symbol domain.Asset, probability float64, ts time.Time) domain.TradeRecord {
	return domain.TradeRecord{
		ConditionID:       conditionID,
		Slug:              "btc-up-or-down-" + ts.Format("1504"),
		Symbol:            symbol,
		Side:              domain.SideYes,
		EntryPrice:        0.55,
		PositionSize:      100,
		SignalTimestamp:   ts,
		Probability:       probability,
		LinearCombination: 0.2,
		ImputedCount:      0,
		Features:          domain.FeatureVector{StateMinute: 3},
		StateMinute:       3,
		HourOfDay:         ts.UTC().Hour(),
		DayOfWeek:         int(ts.UTC().Weekday()),
		VolatilityRegime:  domain.RegimeMid,
		Volatility5m:      0.002,
		WindowOpenPrice:   60000,
	}
}

func TestOpenDisabledStoreIsNoop(t *testing.T) {
	s, err := Open(config.StoreConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.RecordTrade(sampleTrade("c1", domain.BTC, 0.6, time.Now())); err != nil {
		t.Fatalf("RecordTrade on disabled store: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestNotInitializedBeforeOpen(t *testing.T) {
	var s Store
	if _, err := s.RecordTrade(domain.TradeRecord{}); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestValidatePathRejectsOutsideAllowedRoots(t *testing.T) {
	cases := []string{
		"/etc/passwd",
		"../escape.db",
		"somewhere/else.db",
	}
	for _, p := range cases {
		if err := validatePath(p); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("validatePath(%q): expected ErrInvalidPath, got %v", p, err)
		}
	}
	if err := validatePath("data/engine.db"); err != nil {
		t.Errorf("validatePath(data/engine.db): unexpected error %v", err)
	}
	if err := validatePath("test-data/engine.db"); err != nil {
		t.Errorf("validatePath(test-data/engine.db): unexpected error %v", err)
	}
}

func TestRecordTradeDuplicateConditionID(t *testing.T) {
	s := openTestStore(t, "sync")
	tr := sampleTrade("dup-1", domain.BTC, 0.6, time.Now())

	if _, err := s.RecordTrade(tr); err != nil {
		t.Fatalf("first RecordTrade: %v", err)
	}
	if _, err := s.RecordTrade(tr); !errors.Is(err, ErrDuplicateTrade) {
		t.Fatalf("expected ErrDuplicateTrade, got %v", err)
	}
}

func TestUpdateOutcomeUnknownConditionID(t *testing.T) {
	s := openTestStore(t, "sync")
	err := s.UpdateOutcome("never-recorded", domain.TradeOutcome{Outcome: domain.OutcomeUp, IsWin: true})
	if !errors.Is(err, ErrUnknownTrade) {
		t.Fatalf("expected ErrUnknownTrade, got %v", err)
	}
}

func TestUpdateOutcomeResolvesTrade(t *testing.T) {
	s := openTestStore(t, "sync")
	tr := sampleTrade("resolve-1", domain.BTC, 0.7, time.Now())
	if _, err := s.RecordTrade(tr); err != nil {
		t.Fatalf("RecordTrade: %v", err)
	}

	outcome := domain.TradeOutcome{
		Outcome:             domain.OutcomeUp,
		IsWin:               true,
		PnL:                 45,
		ResolutionTimestamp: tr.SignalTimestamp.Add(15 * time.Minute),
		WindowClosePrice:    60100,
	}
	if err := s.UpdateOutcome(tr.ConditionID, outcome); err != nil {
		t.Fatalf("UpdateOutcome: %v", err)
	}

	row, err := s.TradeByConditionID(tr.ConditionID)
	if err != nil {
		t.Fatalf("TradeByConditionID: %v", err)
	}
	if row == nil || row.Outcome == nil {
		t.Fatalf("expected resolved trade, got %+v", row)
	}
	if !row.Outcome.IsWin || row.Outcome.Outcome != domain.OutcomeUp {
		t.Fatalf("unexpected outcome: %+v", row.Outcome)
	}
}

func TestAsyncModeReadYourWritesViaPendingOverlay(t *testing.T) {
	s := openTestStore(t, "async")
	tr := sampleTrade("async-1", domain.ETH, 0.62, time.Now())
	if _, err := s.RecordTrade(tr); err != nil {
		t.Fatalf("RecordTrade: %v", err)
	}

	row, err := s.TradeByConditionID(tr.ConditionID)
	if err != nil {
		t.Fatalf("TradeByConditionID: %v", err)
	}
	if row == nil {
		t.Fatalf("expected trade visible via pending overlay immediately after RecordTrade")
	}
	if row.Symbol != domain.ETH {
		t.Fatalf("unexpected symbol %v", row.Symbol)
	}
}

func TestRecordMinutePricesUpsert(t *testing.T) {
	s := openTestStore(t, "sync")
	tr := sampleTrade("mp-1", domain.SOL, 0.5, time.Now())
	id, err := s.RecordTrade(tr)
	if err != nil {
		t.Fatalf("RecordTrade: %v", err)
	}

	prices := []domain.MinutePrice{
		{TradeID: id, MinuteOffset: 0, Price: 100, Timestamp: tr.SignalTimestamp},
		{TradeID: id, MinuteOffset: 1, Price: 101, Timestamp: tr.SignalTimestamp.Add(time.Minute)},
	}
	if err := s.RecordMinutePrices(id, prices); err != nil {
		t.Fatalf("RecordMinutePrices: %v", err)
	}

	// upsert: same (trade_id, minute_offset) replaces the price.
	if err := s.RecordMinutePrice(id, domain.MinutePrice{TradeID: id, MinuteOffset: 0, Price: 999, Timestamp: tr.SignalTimestamp}); err != nil {
		t.Fatalf("RecordMinutePrice: %v", err)
	}

	if err := s.RecordMinutePrices(id, nil); err != nil {
		t.Fatalf("RecordMinutePrices empty batch: %v", err)
	}
}

func TestRecordEvaluationsEmptyBatchNoop(t *testing.T) {
	s := openTestStore(t, "sync")
	ids, err := s.RecordEvaluations(nil)
	if err != nil {
		t.Fatalf("RecordEvaluations: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected empty id slice, got %v", ids)
	}
}

func TestRecordEvaluationsBatchMintsSequentialIDs(t *testing.T) {
	s := openTestStore(t, "sync")
	evs := []domain.EvaluationRecord{
		{ConditionID: "c1", Slug: "s1", Symbol: domain.BTC, Timestamp: time.Now(), StateMinute: 1, Decision: domain.DecisionSkip, FeaturesJSON: "{}"},
		{ConditionID: "c2", Slug: "s2", Symbol: domain.BTC, Timestamp: time.Now(), StateMinute: 2, Decision: domain.DecisionYes, FeaturesJSON: "{}"},
	}
	ids, err := s.RecordEvaluations(evs)
	if err != nil {
		t.Fatalf("RecordEvaluations: %v", err)
	}
	if len(ids) != 2 || ids[1] != ids[0]+1 {
		t.Fatalf("expected sequential ids, got %v", ids)
	}
}

func TestGetStatsReflectsPendingAndResolved(t *testing.T) {
	s := openTestStore(t, "sync")
	now := time.Now()
	t1 := sampleTrade("gs-1", domain.BTC, 0.6, now)
	t2 := sampleTrade("gs-2", domain.BTC, 0.6, now.Add(time.Minute))
	if _, err := s.RecordTrade(t1); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RecordTrade(t2); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateOutcome(t1.ConditionID, domain.TradeOutcome{Outcome: domain.OutcomeUp, IsWin: true, ResolutionTimestamp: now}); err != nil {
		t.Fatal(err)
	}

	stats, err := s.GetStats()
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.TotalTrades != 2 || stats.PendingTrades != 1 || stats.ResolvedTrades != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.DBSizeHuman == "" {
		t.Fatalf("expected non-empty human size")
	}
}

func TestVacuumRunsWithoutError(t *testing.T) {
	s := openTestStore(t, "sync")
	if err := s.Vacuum(); err != nil {
		t.Fatalf("Vacuum: %v", err)
	}
}

func TestPendingTradesExcludesResolved(t *testing.T) {
	s := openTestStore(t, "sync")
	now := time.Now()
	a := sampleTrade("pend-a", domain.BTC, 0.6, now)
	b := sampleTrade("pend-b", domain.BTC, 0.6, now.Add(time.Minute))
	if _, err := s.RecordTrade(a); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RecordTrade(b); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateOutcome(a.ConditionID, domain.TradeOutcome{Outcome: domain.OutcomeUp, IsWin: true, ResolutionTimestamp: now}); err != nil {
		t.Fatal(err)
	}

	pending, err := s.PendingTrades()
	if err != nil {
		t.Fatalf("PendingTrades: %v", err)
	}
	if len(pending) != 1 || pending[0].ConditionID != "pend-b" {
		t.Fatalf("unexpected pending set: %+v", pending)
	}
}

func TestTradesByRangeIsAscendingAndExclusiveEnd(t *testing.T) {
	s := openTestStore(t, "sync")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		tr := sampleTrade("range-"+string(rune('a'+i)), domain.BTC, 0.6, base.Add(time.Duration(i)*time.Minute))
		if _, err := s.RecordTrade(tr); err != nil {
			t.Fatal(err)
		}
	}

	rows, err := s.TradesByRange(base, base.Add(2*time.Minute), 0, 0)
	if err != nil {
		t.Fatalf("TradesByRange: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows within exclusive end, got %d", len(rows))
	}
	if rows[0].SignalTimestamp.After(rows[1].SignalTimestamp) {
		t.Fatalf("expected ascending order, got %+v", rows)
	}
}

func TestSymbolStatsAggregatesResolvedOnly(t *testing.T) {
	s := openTestStore(t, "sync")
	now := time.Now()
	win := sampleTrade("sym-win", domain.BTC, 0.7, now)
	loss := sampleTrade("sym-loss", domain.BTC, 0.7, now.Add(time.Minute))
	unresolved := sampleTrade("sym-pending", domain.BTC, 0.7, now.Add(2*time.Minute))
	for _, tr := range []domain.TradeRecord{win, loss, unresolved} {
		if _, err := s.RecordTrade(tr); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.UpdateOutcome(win.ConditionID, domain.TradeOutcome{Outcome: domain.OutcomeUp, IsWin: true, PnL: 50, ResolutionTimestamp: now}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateOutcome(loss.ConditionID, domain.TradeOutcome{Outcome: domain.OutcomeDown, IsWin: false, PnL: -50, ResolutionTimestamp: now}); err != nil {
		t.Fatal(err)
	}

	stats, err := s.SymbolStats()
	if err != nil {
		t.Fatalf("SymbolStats: %v", err)
	}
	btc := stats[domain.BTC]
	if btc.TotalTrades != 2 || btc.Wins != 1 || btc.Losses != 1 {
		t.Fatalf("unexpected BTC stat: %+v", btc)
	}
	if btc.WinRate != 0.5 {
		t.Fatalf("expected win rate 0.5, got %v", btc.WinRate)
	}
	if btc.TotalPnL != 0 {
		t.Fatalf("expected net pnl 0, got %v", btc.TotalPnL)
	}
}

func TestTradesBySymbolFiltersAndOrdersBySignalTime(t *testing.T) {
	s := openTestStore(t, "sync")
	now := time.Now()
	btcLater := sampleTrade("sym-btc-later", domain.BTC, 0.6, now.Add(time.Minute))
	btcEarlier := sampleTrade("sym-btc-earlier", domain.BTC, 0.6, now)
	eth := sampleTrade("sym-eth", domain.ETH, 0.6, now)
	for _, tr := range []domain.TradeRecord{btcLater, btcEarlier, eth} {
		if _, err := s.RecordTrade(tr); err != nil {
			t.Fatal(err)
		}
	}

	rows, err := s.TradesBySymbol(domain.BTC)
	if err != nil {
		t.Fatalf("TradesBySymbol: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 BTC rows, got %d", len(rows))
	}
	if rows[0].ConditionID != "sym-btc-earlier" || rows[1].ConditionID != "sym-btc-later" {
		t.Fatalf("expected ascending signal-time order, got %+v", rows)
	}
}

func TestRegimeStatsAggregatesResolvedOnly(t *testing.T) {
	s := openTestStore(t, "sync")
	now := time.Now()
	win := sampleTrade("regime-win", domain.BTC, 0.7, now)
	loss := sampleTrade("regime-loss", domain.BTC, 0.7, now.Add(time.Minute))
	unresolved := sampleTrade("regime-pending", domain.BTC, 0.7, now.Add(2*time.Minute))
	for _, tr := range []domain.TradeRecord{win, loss, unresolved} {
		if _, err := s.RecordTrade(tr); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.UpdateOutcome(win.ConditionID, domain.TradeOutcome{Outcome: domain.OutcomeUp, IsWin: true, PnL: 50, ResolutionTimestamp: now}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateOutcome(loss.ConditionID, domain.TradeOutcome{Outcome: domain.OutcomeDown, IsWin: false, PnL: -50, ResolutionTimestamp: now}); err != nil {
		t.Fatal(err)
	}

	stats, err := s.RegimeStats()
	if err != nil {
		t.Fatalf("RegimeStats: %v", err)
	}
	mid := stats[domain.RegimeMid]
	if mid.TotalTrades != 2 || mid.Wins != 1 {
		t.Fatalf("unexpected mid-regime stat (unresolved trade must be excluded): %+v", mid)
	}
	if mid.WinRate != 0.5 {
		t.Fatalf("expected win rate 0.5, got %v", mid.WinRate)
	}
}

func TestCalibrationBucketsHasSixteenBucketsWithTerminal(t *testing.T) {
	s := openTestStore(t, "sync")
	now := time.Now()
	high := sampleTrade("cal-1", domain.BTC, 0.81, now)
	if _, err := s.RecordTrade(high); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateOutcome(high.ConditionID, domain.TradeOutcome{Outcome: domain.OutcomeUp, IsWin: true, ResolutionTimestamp: now}); err != nil {
		t.Fatal(err)
	}

	buckets, err := s.CalibrationBuckets()
	if err != nil {
		t.Fatalf("CalibrationBuckets: %v", err)
	}
	if len(buckets) != 16 {
		t.Fatalf("expected 16 buckets, got %d", len(buckets))
	}
	terminal := buckets[len(buckets)-1]
	if terminal.Label != "0.75+" {
		t.Fatalf("expected terminal label 0.75+, got %q", terminal.Label)
	}
	if terminal.TotalTrades != 1 || terminal.Wins != 1 {
		t.Fatalf("expected probability 0.81 to land in terminal bucket, got %+v", terminal)
	}
}

func TestProbabilityDistributionRejectsOutOfRangeBucketSize(t *testing.T) {
	s := openTestStore(t, "sync")
	if _, err := s.ProbabilityDistribution(0); err == nil {
		t.Fatal("expected error for bucketSize=0")
	}
	if _, err := s.ProbabilityDistribution(1); err == nil {
		t.Fatal("expected error for bucketSize=1")
	}
}

func TestDecisionBreakdownCountsPerSymbol(t *testing.T) {
	s := openTestStore(t, "sync")
	evs := []domain.EvaluationRecord{
		{ConditionID: "d1", Slug: "s1", Symbol: domain.BTC, Timestamp: time.Now(), Decision: domain.DecisionYes, FeaturesJSON: "{}"},
		{ConditionID: "d2", Slug: "s2", Symbol: domain.BTC, Timestamp: time.Now(), Decision: domain.DecisionSkip, FeaturesJSON: "{}"},
		{ConditionID: "d3", Slug: "s3", Symbol: domain.ETH, Timestamp: time.Now(), Decision: domain.DecisionNo, FeaturesJSON: "{}"},
	}
	if _, err := s.RecordEvaluations(evs); err != nil {
		t.Fatalf("RecordEvaluations: %v", err)
	}

	breakdown, err := s.DecisionBreakdown()
	if err != nil {
		t.Fatalf("DecisionBreakdown: %v", err)
	}
	if breakdown[domain.BTC][domain.DecisionYes] != 1 || breakdown[domain.BTC][domain.DecisionSkip] != 1 {
		t.Fatalf("unexpected BTC breakdown: %+v", breakdown[domain.BTC])
	}
	if breakdown[domain.ETH][domain.DecisionNo] != 1 {
		t.Fatalf("unexpected ETH breakdown: %+v", breakdown[domain.ETH])
	}
}

func TestPearsonCorrelationZeroBelowTwoSamples(t *testing.T) {
	s := openTestStore(t, "sync")
	ev := domain.EvaluationRecord{ConditionID: "p1", Slug: "s1", Symbol: domain.BTC, Timestamp: time.Now(), Decision: domain.DecisionSkip, MarketPriceYes: 0.5, ModelProbability: 0.6, FeaturesJSON: "{}"}
	if _, err := s.RecordEvaluation(ev); err != nil {
		t.Fatalf("RecordEvaluation: %v", err)
	}
	corr, err := s.PearsonCorrelation(domain.BTC)
	if err != nil {
		t.Fatalf("PearsonCorrelation: %v", err)
	}
	if corr != 0 {
		t.Fatalf("expected 0 correlation with n=1, got %v", corr)
	}
}

func TestThresholdCounterfactualCountsTradesThatWouldBeTaken(t *testing.T) {
	s := openTestStore(t, "sync")
	now := time.Now()
	strong := sampleTrade("tc-strong", domain.BTC, 0.9, now)
	weak := sampleTrade("tc-weak", domain.BTC, 0.55, now.Add(time.Minute))
	for _, tr := range []domain.TradeRecord{strong, weak} {
		if _, err := s.RecordTrade(tr); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.UpdateOutcome(strong.ConditionID, domain.TradeOutcome{Outcome: domain.OutcomeUp, IsWin: true, PnL: 10, ResolutionTimestamp: now}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateOutcome(weak.ConditionID, domain.TradeOutcome{Outcome: domain.OutcomeDown, IsWin: false, PnL: -10, ResolutionTimestamp: now}); err != nil {
		t.Fatal(err)
	}

	result, err := s.ThresholdCounterfactual(0.8, 0.2)
	if err != nil {
		t.Fatalf("ThresholdCounterfactual: %v", err)
	}
	if result.TradesWouldTake != 1 || result.Wins != 1 {
		t.Fatalf("unexpected counterfactual: %+v", result)
	}
}
