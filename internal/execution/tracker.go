package execution

import (
	"sync"
	"time"

	"github.com/updown15m/engine/internal/domain"
)

// OrderState is a live order's bookkeeping record, keyed by conditionId
// since at most one signal is ever emitted per market (4.G, the traded
// bit).
type OrderState struct {
	ConditionID string
	OrderID     string
	TokenID     string
	Asset       domain.Asset
	Side        domain.Side
	Size        float64
	Status      string
	CreatedAt   time.Time
}

// Tracker records every live order submitted through a Sink, for status
// reporting (trackerCount/remainingCount style log fields) independent of
// the Sink implementation.
type Tracker struct {
	mu     sync.RWMutex
	orders map[string]*OrderState // conditionId -> order
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{orders: make(map[string]*OrderState)}
}

// RegisterOrder records a submitted order's outcome against its market.
func (t *Tracker) RegisterOrder(conditionID string, result OrderResult, req OrderRequest, asset domain.Asset, side domain.Side) {
	status := "FAILED"
	if result.Success {
		status = "FILLED"
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.orders[conditionID] = &OrderState{
		ConditionID: conditionID,
		OrderID:     result.OrderID,
		TokenID:     req.TokenID,
		Asset:       asset,
		Side:        side,
		Size:        req.Amount,
		Status:      status,
		CreatedAt:   time.Now().UTC(),
	}
}

// Order returns the recorded order for conditionID, if any.
func (t *Tracker) Order(conditionID string) (OrderState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	o, ok := t.orders[conditionID]
	if !ok {
		return OrderState{}, false
	}
	return *o, true
}

// Count returns the total number of recorded orders.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.orders)
}

// FilledCount returns the number of orders recorded as filled.
func (t *Tracker) FilledCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, o := range t.orders {
		if o.Status == "FILLED" {
			n++
		}
	}
	return n
}
