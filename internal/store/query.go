package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/updown15m/engine/internal/domain"
)

const selectTradeColumns = `
	t.id, t.condition_id, t.slug, t.symbol, t.side, t.entry_price, t.position_size,
	t.signal_ts, t.probability, t.linear_combination, t.imputed_count,
	t.state_minute, t.hour_of_day, t.day_of_week, t.volatility_regime,
	t.volatility_5m, t.window_open_price,
	t.outcome, t.is_win, t.pnl, t.resolution_ts, t.window_close_price,
	t.max_favorable, t.max_adverse, t.time_to_up, t.time_to_down,
	f.feature_json
`

const tradeFromClause = `FROM trades t LEFT JOIN trade_features f ON f.trade_id = t.id`

func scanTradeRow(rows *sql.Rows) (TradeRow, error) {
	var row TradeRow
	var symbol, side string
	var volatilityRegime sql.NullString
	var signalTS int64
	var outcome sql.NullString
	var isWin sql.NullInt64
	var pnl, windowClose, maxFav, maxAdv sql.NullFloat64
	var resolutionTS, timeToUp, timeToDown sql.NullInt64
	var featureJSON sql.NullString

	if err := rows.Scan(
		&row.ID, &row.ConditionID, &row.Slug, &symbol, &side, &row.EntryPrice, &row.PositionSize,
		&signalTS, &row.Probability, &row.LinearCombination, &row.ImputedCount,
		&row.StateMinute, &row.HourOfDay, &row.DayOfWeek, &volatilityRegime,
		&row.Volatility5m, &row.WindowOpenPrice,
		&outcome, &isWin, &pnl, &resolutionTS, &windowClose,
		&maxFav, &maxAdv, &timeToUp, &timeToDown,
		&featureJSON,
	); err != nil {
		return TradeRow{}, err
	}

	row.Symbol = domain.Asset(symbol)
	row.Side = domain.Side(side)
	row.SignalTimestamp = time.UnixMilli(signalTS).UTC()
	if volatilityRegime.Valid {
		row.VolatilityRegime = domain.RegimeBucket(volatilityRegime.String)
	}
	if featureJSON.Valid {
		_ = json.Unmarshal([]byte(featureJSON.String), &row.Features)
	}

	if outcome.Valid {
		o := &domain.TradeOutcome{
			Outcome:               domain.Outcome(outcome.String),
			IsWin:                 isWin.Int64 != 0,
			PnL:                   pnl.Float64,
			WindowClosePrice:      windowClose.Float64,
			MaxFavorableExcursion: maxFav.Float64,
			MaxAdverseExcursion:   maxAdv.Float64,
		}
		if resolutionTS.Valid {
			o.ResolutionTimestamp = time.UnixMilli(resolutionTS.Int64).UTC()
		}
		if timeToUp.Valid {
			v := int(timeToUp.Int64)
			o.TimeToUpThreshold = &v
		}
		if timeToDown.Valid {
			v := int(timeToDown.Int64)
			o.TimeToDownThreshold = &v
		}
		row.Outcome = o
	}
	return row, nil
}

// TradesByRange returns trades with signal_ts in [start, end), ascending,
// with optional limit/offset (0 limit means unbounded).
func (s *Store) TradesByRange(start, end time.Time, limit, offset int) ([]TradeRow, error) {
	if err := s.requireInitialized(); err != nil {
		return nil, err
	}
	if !s.enabled {
		return []TradeRow{}, nil
	}

	query := fmt.Sprintf(`SELECT %s %s WHERE t.signal_ts >= ? AND t.signal_ts < ? ORDER BY t.signal_ts ASC`, selectTradeColumns, tradeFromClause)
	args := []any{start.UnixMilli(), end.UnixMilli()}
	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTrades(rows)
}

// TradesBySymbol returns all trades for symbol, ascending by signal time.
func (s *Store) TradesBySymbol(symbol domain.Asset) ([]TradeRow, error) {
	if err := s.requireInitialized(); err != nil {
		return nil, err
	}
	if !s.enabled {
		return []TradeRow{}, nil
	}
	query := fmt.Sprintf(`SELECT %s %s WHERE t.symbol = ? ORDER BY t.signal_ts ASC`, selectTradeColumns, tradeFromClause)
	rows, err := s.db.Query(query, string(symbol))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTrades(rows)
}

// TradeByConditionID returns the trade for conditionId, consulting the
// in-memory pending overlay first so a caller sees its own just-issued
// async write.
func (s *Store) TradeByConditionID(conditionID string) (*TradeRow, error) {
	if err := s.requireInitialized(); err != nil {
		return nil, err
	}
	if !s.enabled {
		return nil, nil
	}

	s.mu.Lock()
	pending, ok := s.pending[conditionID]
	s.mu.Unlock()
	if ok {
		row := pending.row
		return &row, nil
	}

	query := fmt.Sprintf(`SELECT %s %s WHERE t.condition_id = ?`, selectTradeColumns, tradeFromClause)
	rows, err := s.db.Query(query, conditionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	trades, err := collectTrades(rows)
	if err != nil {
		return nil, err
	}
	if len(trades) == 0 {
		return nil, nil
	}
	return &trades[0], nil
}

// PendingTrades returns trades with no recorded outcome yet.
func (s *Store) PendingTrades() ([]TradeRow, error) {
	if err := s.requireInitialized(); err != nil {
		return nil, err
	}
	if !s.enabled {
		return []TradeRow{}, nil
	}
	query := fmt.Sprintf(`SELECT %s %s WHERE t.outcome IS NULL ORDER BY t.signal_ts ASC`, selectTradeColumns, tradeFromClause)
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTrades(rows)
}

func collectTrades(rows *sql.Rows) ([]TradeRow, error) {
	out := []TradeRow{}
	for rows.Next() {
		row, err := scanTradeRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// SymbolStat is one row of the per-symbol analytics breakdown.
type SymbolStat struct {
	Symbol        domain.Asset
	TotalTrades   int
	Wins          int
	Losses        int
	WinRate       float64
	TotalPnL      float64
}

// SymbolStats aggregates resolved-trade performance per symbol.
func (s *Store) SymbolStats() (map[domain.Asset]SymbolStat, error) {
	if err := s.requireInitialized(); err != nil {
		return nil, err
	}
	out := map[domain.Asset]SymbolStat{}
	if !s.enabled {
		return out, nil
	}
	rows, err := s.db.Query(`
		SELECT symbol, COUNT(*),
		       SUM(CASE WHEN is_win = 1 THEN 1 ELSE 0 END),
		       SUM(CASE WHEN is_win = 0 THEN 1 ELSE 0 END),
		       COALESCE(SUM(pnl), 0)
		  FROM trades
		 WHERE outcome IS NOT NULL
		 GROUP BY symbol
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var symbol string
		var stat SymbolStat
		if err := rows.Scan(&symbol, &stat.TotalTrades, &stat.Wins, &stat.Losses, &stat.TotalPnL); err != nil {
			return nil, err
		}
		stat.Symbol = domain.Asset(symbol)
		if stat.TotalTrades > 0 {
			stat.WinRate = float64(stat.Wins) / float64(stat.TotalTrades)
		}
		out[stat.Symbol] = stat
	}
	return out, rows.Err()
}

// RegimeStat is one row of the per-regime analytics breakdown.
type RegimeStat struct {
	Regime      domain.RegimeBucket
	TotalTrades int
	Wins        int
	WinRate     float64
}

// RegimeStats aggregates resolved-trade performance per volatility regime.
func (s *Store) RegimeStats() (map[domain.RegimeBucket]RegimeStat, error) {
	if err := s.requireInitialized(); err != nil {
		return nil, err
	}
	out := map[domain.RegimeBucket]RegimeStat{}
	if !s.enabled {
		return out, nil
	}
	rows, err := s.db.Query(`
		SELECT volatility_regime, COUNT(*),
		       SUM(CASE WHEN is_win = 1 THEN 1 ELSE 0 END)
		  FROM trades
		 WHERE outcome IS NOT NULL AND volatility_regime IS NOT NULL
		 GROUP BY volatility_regime
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var regime string
		var stat RegimeStat
		if err := rows.Scan(&regime, &stat.TotalTrades, &stat.Wins); err != nil {
			return nil, err
		}
		stat.Regime = domain.RegimeBucket(regime)
		if stat.TotalTrades > 0 {
			stat.WinRate = float64(stat.Wins) / float64(stat.TotalTrades)
		}
		out[stat.Regime] = stat
	}
	return out, rows.Err()
}

// CalibrationBucket is one fixed-width probability bucket of the
// calibration report, with a terminal 0.75+ bucket.
type CalibrationBucket struct {
	Label       string
	TotalTrades int
	Wins        int
	WinRate     float64
}

const calibrationBucketWidth = 0.05
const calibrationTerminalStart = 0.75

// CalibrationBuckets reports observed win rate against predicted
// probability in fixed 0.05-wide buckets, with a terminal "0.75+" bucket.
func (s *Store) CalibrationBuckets() ([]CalibrationBucket, error) {
	if err := s.requireInitialized(); err != nil {
		return nil, err
	}
	buckets := newCalibrationBuckets()
	if !s.enabled {
		return buckets, nil
	}
	rows, err := s.db.Query(`SELECT probability, is_win FROM trades WHERE outcome IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var prob float64
		var isWin int
		if err := rows.Scan(&prob, &isWin); err != nil {
			return nil, err
		}
		idx := calibrationBucketIndex(prob)
		buckets[idx].TotalTrades++
		if isWin != 0 {
			buckets[idx].Wins++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range buckets {
		if buckets[i].TotalTrades > 0 {
			buckets[i].WinRate = float64(buckets[i].Wins) / float64(buckets[i].TotalTrades)
		}
	}
	return buckets, nil
}

func newCalibrationBuckets() []CalibrationBucket {
	n := int(calibrationTerminalStart/calibrationBucketWidth) + 1
	buckets := make([]CalibrationBucket, n)
	for i := 0; i < n-1; i++ {
		lo := float64(i) * calibrationBucketWidth
		hi := lo + calibrationBucketWidth
		buckets[i].Label = fmt.Sprintf("[%.2f,%.2f)", lo, hi)
	}
	buckets[n-1].Label = "0.75+"
	return buckets
}

func calibrationBucketIndex(prob float64) int {
	if prob >= calibrationTerminalStart {
		return int(calibrationTerminalStart/calibrationBucketWidth) + 1 - 1
	}
	idx := int(prob / calibrationBucketWidth)
	maxIdx := int(calibrationTerminalStart/calibrationBucketWidth) - 1
	if idx > maxIdx {
		idx = maxIdx
	}
	if idx < 0 {
		idx = 0
	}
	return idx
}

// ProbabilityBucket is one row of a configurable-width probability
// distribution histogram.
type ProbabilityBucket struct {
	Label string
	Count int
}

// ProbabilityDistribution buckets every recorded trade's model probability
// into fixed-width bins, bucketSize in (0,1).
func (s *Store) ProbabilityDistribution(bucketSize float64) ([]ProbabilityBucket, error) {
	if err := s.requireInitialized(); err != nil {
		return nil, err
	}
	if bucketSize <= 0 || bucketSize >= 1 {
		return nil, fmt.Errorf("store: probability distribution bucketSize must be in (0,1), got %v", bucketSize)
	}
	n := int(math.Ceil(1.0 / bucketSize))
	buckets := make([]ProbabilityBucket, n)
	for i := 0; i < n; i++ {
		lo := float64(i) * bucketSize
		hi := math.Min(lo+bucketSize, 1.0)
		buckets[i].Label = fmt.Sprintf("[%.4f,%.4f)", lo, hi)
	}
	if !s.enabled {
		return buckets, nil
	}

	rows, err := s.db.Query(`SELECT probability FROM trades`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var prob float64
		if err := rows.Scan(&prob); err != nil {
			return nil, err
		}
		idx := int(prob / bucketSize)
		if idx >= n {
			idx = n - 1
		}
		if idx < 0 {
			idx = 0
		}
		buckets[idx].Count++
	}
	return buckets, rows.Err()
}

// DecisionBreakdown returns, per symbol, the count of each evaluation
// decision emitted.
func (s *Store) DecisionBreakdown() (map[domain.Asset]map[domain.Decision]int, error) {
	if err := s.requireInitialized(); err != nil {
		return nil, err
	}
	out := map[domain.Asset]map[domain.Decision]int{}
	if !s.enabled {
		return out, nil
	}
	rows, err := s.db.Query(`SELECT symbol, decision, COUNT(*) FROM evaluations GROUP BY symbol, decision`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var symbol, decision string
		var count int
		if err := rows.Scan(&symbol, &decision, &count); err != nil {
			return nil, err
		}
		asset := domain.Asset(symbol)
		if out[asset] == nil {
			out[asset] = map[domain.Decision]int{}
		}
		out[asset][domain.Decision(decision)] = count
	}
	return out, rows.Err()
}

// CounterfactualResult is the outcome of re-running the decision gate
// against alternate thresholds over already-resolved trades.
type CounterfactualResult struct {
	TradesWouldTake int
	Wins            int
	Losses          int
	TotalPnL        float64
}

// ThresholdCounterfactual re-evaluates every resolved trade's recorded
// probability against alternate yes/no thresholds, reporting how the
// outcome distribution would have shifted. It does not recompute pnl for
// trades that would not have been taken under the new thresholds.
func (s *Store) ThresholdCounterfactual(yesThreshold, noThreshold float64) (CounterfactualResult, error) {
	if err := s.requireInitialized(); err != nil {
		return CounterfactualResult{}, err
	}
	var result CounterfactualResult
	if !s.enabled {
		return result, nil
	}
	rows, err := s.db.Query(`SELECT probability, is_win, pnl FROM trades WHERE outcome IS NOT NULL`)
	if err != nil {
		return CounterfactualResult{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var prob, pnl float64
		var isWin int
		if err := rows.Scan(&prob, &isWin, &pnl); err != nil {
			return CounterfactualResult{}, err
		}
		if prob >= yesThreshold || prob <= noThreshold {
			result.TradesWouldTake++
			result.TotalPnL += pnl
			if isWin != 0 {
				result.Wins++
			} else {
				result.Losses++
			}
		}
	}
	return result, rows.Err()
}

// PearsonCorrelation returns the Pearson correlation of model probability
// versus market YES price for symbol's evaluations. Returns 0 when n<2.
func (s *Store) PearsonCorrelation(symbol domain.Asset) (float64, error) {
	if err := s.requireInitialized(); err != nil {
		return 0, err
	}
	if !s.enabled {
		return 0, nil
	}
	rows, err := s.db.Query(`SELECT model_probability, market_price_yes FROM evaluations WHERE symbol = ?`, string(symbol))
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var xs, ys []float64
	for rows.Next() {
		var x, y float64
		if err := rows.Scan(&x, &y); err != nil {
			return 0, err
		}
		xs = append(xs, x)
		ys = append(ys, y)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	return pearson(xs, ys), nil
}

func pearson(xs, ys []float64) float64 {
	n := len(xs)
	if n < 2 {
		return 0
	}
	var sumX, sumY float64
	for i := 0; i < n; i++ {
		sumX += xs[i]
		sumY += ys[i]
	}
	meanX := sumX / float64(n)
	meanY := sumY / float64(n)

	var cov, varX, varY float64
	for i := 0; i < n; i++ {
		dx := xs[i] - meanX
		dy := ys[i] - meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	if varX == 0 || varY == 0 {
		return 0
	}
	return cov / math.Sqrt(varX*varY)
}
