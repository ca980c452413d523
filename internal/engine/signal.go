package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/updown15m/engine/internal/domain"
)

// Signal is the gate's non-SKIP output (4.G step 5): intent to take a side
// on a market, before either live submission or paper bookkeeping.
type Signal struct {
	SignalID          string
	ConditionID       string
	Slug              string
	Asset             domain.Asset
	Side              domain.Side
	TokenID           string
	Size              float64
	Probability       float64
	LinearCombination float64
	StateMinute       int
	Features          domain.FeatureVector
	EntryPrice        float64
	Timestamp         time.Time
	WindowOpenPrice   float64
	VolatilityRegime  domain.RegimeBucket
}

// newSignalID mints a correlation id for one signal, carried across its
// emitted events (signal/execution/paperPosition) for log correlation ahead
// of the store's own integer trade id.
func newSignalID() string {
	return uuid.NewString()
}

// EventKind names the observable side effects emitted by the engine (4.G).
type EventKind string

const (
	EventStarted         EventKind = "started"
	EventStopped         EventKind = "stopped"
	EventSignal          EventKind = "signal"
	EventExecution       EventKind = "execution"
	EventPaperPosition   EventKind = "paperPosition"
	EventPaperSettlement EventKind = "paperSettlement"
	EventError           EventKind = "error"
)

// Event is the payload carried by every engine-emitted event.
type Event struct {
	Kind       EventKind
	Signal     *Signal
	OrderID    string
	Success    bool
	Position   *domain.PaperPosition
	Settlement *domain.PaperSettlement
	Err        error
}
