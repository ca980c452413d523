// Package paper tracks dry-run positions and cumulative P&L (4.G step 6):
// every non-live signal opens a PaperPosition, held until a matching
// resolution event settles it.
package paper

import (
	"errors"
	"sync"
	"time"

	"github.com/updown15m/engine/internal/domain"
)

// ErrUnknownPosition is returned by Settle for a conditionId with no open
// paper position.
var ErrUnknownPosition = errors.New("paper: unknown conditionId")

// ErrDuplicatePosition is returned by Open for a conditionId already open.
var ErrDuplicatePosition = errors.New("paper: position already open")

// Snapshot is the tracker's point-in-time summary.
type Snapshot struct {
	OpenPositions    int
	TotalSettlements int
	CumulativePnL    float64
}

// Tracker holds every open PaperPosition and the running P&L across
// settlements, in memory only (never persisted directly; the engine
// persists a TradeRecord/TradeOutcome through the store alongside it).
type Tracker struct {
	mu               sync.Mutex
	positions        map[string]domain.PaperPosition
	totalSettlements int
	cumulativePnL    float64
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{positions: make(map[string]domain.PaperPosition)}
}

// Open records a new paper position. A conditionId already open is a
// defect in the caller (the traded bit should have prevented it) and
// returns ErrDuplicatePosition.
func (t *Tracker) Open(pos domain.PaperPosition) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.positions[pos.ConditionID]; exists {
		return ErrDuplicatePosition
	}
	t.positions[pos.ConditionID] = pos
	return nil
}

// Position returns the open position for conditionID, if any.
func (t *Tracker) Position(conditionID string) (domain.PaperPosition, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.positions[conditionID]
	return p, ok
}

// Settle resolves conditionID against outcome, computing pnl per 4.G step 6
// (won = (side==YES && outcome==UP) || (side==NO && outcome==DOWN); pnl =
// won ? (1-entryPrice)*size : (-entryPrice)*size), removes the position, and
// folds the result into cumulative P&L.
func (t *Tracker) Settle(conditionID string, outcome domain.Outcome, resolutionTimestamp time.Time) (domain.PaperSettlement, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pos, ok := t.positions[conditionID]
	if !ok {
		return domain.PaperSettlement{}, ErrUnknownPosition
	}

	won := (pos.Side == domain.SideYes && outcome == domain.OutcomeUp) ||
		(pos.Side == domain.SideNo && outcome == domain.OutcomeDown)

	var pnl float64
	if won {
		pnl = (1 - pos.EntryPrice) * pos.PositionSize
	} else {
		pnl = -pos.EntryPrice * pos.PositionSize
	}

	settlement := domain.PaperSettlement{
		ConditionID: conditionID,
		TradeOutcome: domain.TradeOutcome{
			Outcome:             outcome,
			IsWin:               won,
			PnL:                 pnl,
			ResolutionTimestamp: resolutionTimestamp,
		},
	}

	delete(t.positions, conditionID)
	t.totalSettlements++
	t.cumulativePnL += pnl

	return settlement, nil
}

// Snapshot returns the tracker's current summary.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		OpenPositions:    len(t.positions),
		TotalSettlements: t.totalSettlements,
		CumulativePnL:    t.cumulativePnL,
	}
}
