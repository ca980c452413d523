package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/updown15m/engine/internal/domain"
)

// TradeRow is a trade joined with its outcome, if resolved.
type TradeRow struct {
	domain.TradeRecord
	Outcome *domain.TradeOutcome
}

func (s *Store) enqueueOrRun(job func(*sql.DB) error) error {
	if s.isAsync() {
		s.writeCh <- job
		return nil
	}
	return job(s.db)
}

func (s *Store) clearPending(conditionID string) {
	s.mu.Lock()
	delete(s.pending, conditionID)
	s.mu.Unlock()
}

// RecordTrade inserts a trade row and its feature vector. A duplicate
// conditionId returns ErrDuplicateTrade without writing. In async mode the
// id is minted synchronously and returned before the insert completes.
func (s *Store) RecordTrade(tr domain.TradeRecord) (int64, error) {
	if err := s.requireInitialized(); err != nil {
		return 0, err
	}
	if !s.enabled {
		return 0, nil
	}

	s.mu.Lock()
	if _, exists := s.pending[tr.ConditionID]; exists {
		s.mu.Unlock()
		return 0, ErrDuplicateTrade
	}
	s.mu.Unlock()

	exists, err := s.conditionIDExistsInDB(tr.ConditionID)
	if err != nil {
		return 0, err
	}
	if exists {
		return 0, ErrDuplicateTrade
	}

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	tr.ID = id
	s.pending[tr.ConditionID] = &pendingTrade{row: TradeRow{TradeRecord: tr}}
	s.mu.Unlock()

	if err := s.enqueueOrRun(func(db *sql.DB) error {
		defer s.clearPending(tr.ConditionID)
		return insertTrade(db, tr)
	}); err != nil {
		s.clearPending(tr.ConditionID)
		return 0, err
	}
	return id, nil
}

func (s *Store) conditionIDExistsInDB(conditionID string) (bool, error) {
	var id int64
	err := s.db.QueryRow(`SELECT id FROM trades WHERE condition_id = ?`, conditionID).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func insertTrade(db *sql.DB, tr domain.TradeRecord) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	_, err = tx.Exec(`
		INSERT INTO trades (
			id, condition_id, slug, symbol, side, entry_price, position_size,
			signal_ts, probability, linear_combination, imputed_count,
			state_minute, hour_of_day, day_of_week, volatility_regime,
			volatility_5m, window_open_price, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		tr.ID, tr.ConditionID, tr.Slug, string(tr.Symbol), string(tr.Side), tr.EntryPrice, tr.PositionSize,
		tr.SignalTimestamp.UnixMilli(), tr.Probability, tr.LinearCombination, tr.ImputedCount,
		tr.StateMinute, tr.HourOfDay, tr.DayOfWeek, nullableString(string(tr.VolatilityRegime)),
		tr.Volatility5m, tr.WindowOpenPrice, now,
	)
	if err != nil {
		return err
	}

	featureJSON, err := json.Marshal(tr.Features)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT INTO trade_features (trade_id, feature_json) VALUES (?, ?)`, tr.ID, string(featureJSON)); err != nil {
		return err
	}

	return tx.Commit()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// UpdateOutcome resolves a previously recorded trade exactly once. An
// unknown conditionId returns ErrUnknownTrade.
func (s *Store) UpdateOutcome(conditionID string, outcome domain.TradeOutcome) error {
	if err := s.requireInitialized(); err != nil {
		return err
	}
	if !s.enabled {
		return nil
	}

	s.mu.Lock()
	_, isPending := s.pending[conditionID]
	s.mu.Unlock()

	if !isPending {
		exists, err := s.conditionIDExistsInDB(conditionID)
		if err != nil {
			return err
		}
		if !exists {
			return ErrUnknownTrade
		}
	}

	return s.enqueueOrRun(func(db *sql.DB) error {
		return applyOutcome(db, conditionID, outcome)
	})
}

func applyOutcome(db *sql.DB, conditionID string, o domain.TradeOutcome) error {
	res, err := db.Exec(`
		UPDATE trades SET
			outcome = ?, is_win = ?, pnl = ?, resolution_ts = ?, window_close_price = ?,
			max_favorable = ?, max_adverse = ?, time_to_up = ?, time_to_down = ?, updated_at = ?
		WHERE condition_id = ?
	`,
		string(o.Outcome), boolToInt(o.IsWin), o.PnL, o.ResolutionTimestamp.UnixMilli(), o.WindowClosePrice,
		o.MaxFavorableExcursion, o.MaxAdverseExcursion, nullableIntPtr(o.TimeToUpThreshold), nullableIntPtr(o.TimeToDownThreshold),
		time.Now().UnixMilli(), conditionID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("store: condition_id %q vanished before async outcome apply: %w", conditionID, ErrUnknownTrade)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableIntPtr(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

// RecordMinutePrice upserts a single minute-boundary price sample.
func (s *Store) RecordMinutePrice(tradeID int64, mp domain.MinutePrice) error {
	if err := s.requireInitialized(); err != nil {
		return err
	}
	if !s.enabled {
		return nil
	}
	return s.enqueueOrRun(func(db *sql.DB) error {
		return upsertMinutePrice(db, tradeID, mp)
	})
}

func upsertMinutePrice(db *sql.DB, tradeID int64, mp domain.MinutePrice) error {
	_, err := db.Exec(`
		INSERT INTO minute_prices (trade_id, minute_offset, price, ts)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(trade_id, minute_offset) DO UPDATE SET
			price = excluded.price,
			ts = excluded.ts
	`, tradeID, mp.MinuteOffset, mp.Price, mp.Timestamp.UnixMilli())
	return err
}

// RecordMinutePrices upserts a batch transactionally: all or nothing.
func (s *Store) RecordMinutePrices(tradeID int64, prices []domain.MinutePrice) error {
	if err := s.requireInitialized(); err != nil {
		return err
	}
	if !s.enabled || len(prices) == 0 {
		return nil
	}
	return s.enqueueOrRun(func(db *sql.DB) error {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		stmt, err := tx.Prepare(`
			INSERT INTO minute_prices (trade_id, minute_offset, price, ts)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(trade_id, minute_offset) DO UPDATE SET
				price = excluded.price,
				ts = excluded.ts
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, mp := range prices {
			if _, err := stmt.Exec(tradeID, mp.MinuteOffset, mp.Price, mp.Timestamp.UnixMilli()); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// RecordEvaluation inserts a single evaluation row and returns its id.
func (s *Store) RecordEvaluation(ev domain.EvaluationRecord) (int64, error) {
	if err := s.requireInitialized(); err != nil {
		return 0, err
	}
	if !s.enabled {
		return 0, nil
	}

	s.mu.Lock()
	s.nextEvalID++
	id := s.nextEvalID
	s.mu.Unlock()
	ev.ID = id

	if err := s.enqueueOrRun(func(db *sql.DB) error {
		return insertEvaluation(db, ev)
	}); err != nil {
		return 0, err
	}
	return id, nil
}

func insertEvaluation(db *sql.DB, ev domain.EvaluationRecord) error {
	_, err := db.Exec(`
		INSERT INTO evaluations (
			id, condition_id, slug, symbol, ts, state_minute, model_probability,
			linear_combination, imputed_count, market_price_yes, market_price_no,
			decision, reason, features_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ev.ID, ev.ConditionID, ev.Slug, string(ev.Symbol), ev.Timestamp.UnixMilli(), ev.StateMinute, ev.ModelProbability,
		ev.LinearCombination, ev.ImputedCount, ev.MarketPriceYes, ev.MarketPriceNo,
		string(ev.Decision), ev.Reason, ev.FeaturesJSON,
	)
	return err
}

// RecordEvaluations inserts a batch transactionally and returns the minted
// ids in order; an empty batch returns an empty slice without touching the
// database.
func (s *Store) RecordEvaluations(evs []domain.EvaluationRecord) ([]int64, error) {
	if err := s.requireInitialized(); err != nil {
		return nil, err
	}
	if !s.enabled || len(evs) == 0 {
		return []int64{}, nil
	}

	ids := make([]int64, len(evs))
	s.mu.Lock()
	for i := range evs {
		s.nextEvalID++
		ids[i] = s.nextEvalID
		evs[i].ID = ids[i]
	}
	s.mu.Unlock()

	err := s.enqueueOrRun(func(db *sql.DB) error {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		stmt, err := tx.Prepare(`
			INSERT INTO evaluations (
				id, condition_id, slug, symbol, ts, state_minute, model_probability,
				linear_combination, imputed_count, market_price_yes, market_price_no,
				decision, reason, features_json
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, ev := range evs {
			if _, err := stmt.Exec(
				ev.ID, ev.ConditionID, ev.Slug, string(ev.Symbol), ev.Timestamp.UnixMilli(), ev.StateMinute, ev.ModelProbability,
				ev.LinearCombination, ev.ImputedCount, ev.MarketPriceYes, ev.MarketPriceNo,
				string(ev.Decision), ev.Reason, ev.FeaturesJSON,
			); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}
