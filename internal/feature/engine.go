// Package feature implements the per-asset feature engine (4.C): a
// fixed-capacity ring of minute closes plus per-window running stats,
// ingested one price tick at a time and emitted once per elapsed minute.
package feature

import (
	"fmt"
	"math"

	"github.com/updown15m/engine/internal/domain"
)

const (
	windowMS = 15 * 60 * 1000
	minuteMS = 60 * 1000
	hourMS   = 60 * 60 * 1000
	dayMS    = 24 * 60 * 60 * 1000
)

type windowState struct {
	open                bool
	openPrice           float64
	windowStart         int64
	maxRunUp            float64
	maxRunDown          float64
	firstUpHitMinute    float64
	firstDownHitMinute  float64
}

// Engine holds the running state for one tracker's asset. It is not safe for
// concurrent use; the registry owns one Engine per tracker and calls it only
// from Registry.Tick.
type Engine struct {
	asset          domain.Asset
	hitThresholdBps float64
	ring           *priceRing
	win            windowState
	lastComputedMinute int64
	haveLastComputed   bool
}

// New constructs a feature engine for asset, whose directional-hit threshold
// (in basis points) gates firstUpHitMinute/firstDownHitMinute.
func New(asset domain.Asset, hitThresholdBps float64) *Engine {
	return &Engine{
		asset:           asset,
		hitThresholdBps: hitThresholdBps,
		ring:            newPriceRing(),
	}
}

// IngestPrice feeds one price tick. It returns a non-nil FeatureVector only
// when the tick crosses a new minute boundary relative to the last one that
// produced a vector; sub-minute ticks update running state silently.
func (e *Engine) IngestPrice(price float64, timestampMS int64) (*domain.FeatureVector, error) {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return nil, fmt.Errorf("feature engine %s: non-positive or non-finite price %v", e.asset, price)
	}
	if timestampMS <= 0 {
		return nil, fmt.Errorf("feature engine %s: non-finite timestamp %d", e.asset, timestampMS)
	}

	windowStart := floorDiv(timestampMS, windowMS) * windowMS

	if !e.win.open || windowStart != e.win.windowStart {
		e.win = windowState{
			open:               true,
			openPrice:          price,
			windowStart:        windowStart,
			maxRunUp:           0,
			maxRunDown:         0,
			firstUpHitMinute:   math.NaN(),
			firstDownHitMinute: math.NaN(),
		}
	}

	stateMinute := int((timestampMS - windowStart) / minuteMS)
	ret := price/e.win.openPrice - 1
	if ret > e.win.maxRunUp {
		e.win.maxRunUp = ret
	}
	if ret < e.win.maxRunDown {
		e.win.maxRunDown = ret
	}
	thresholdFrac := e.hitThresholdBps / 10000
	if ret >= thresholdFrac && math.IsNaN(e.win.firstUpHitMinute) {
		e.win.firstUpHitMinute = float64(stateMinute)
	}
	if ret <= -thresholdFrac && math.IsNaN(e.win.firstDownHitMinute) {
		e.win.firstDownHitMinute = float64(stateMinute)
	}

	flooredMinute := floorDiv(timestampMS, minuteMS)
	if e.haveLastComputed && flooredMinute == e.lastComputedMinute {
		return nil, nil
	}
	e.ring.push(timestampMS, price)
	e.lastComputedMinute = flooredMinute
	e.haveLastComputed = true

	hourOfDay := int(mod(timestampMS, dayMS) / hourMS)
	dayOfWeek := int(mod(floorDiv(timestampMS, dayMS)+4, 7))

	clamped := clampStateMinute(stateMinute)
	fv := &domain.FeatureVector{
		StateMinute:        clamped,
		MinutesRemaining:   15 - clamped,
		HourOfDay:          hourOfDay,
		DayOfWeek:          dayOfWeek,
		ReturnSinceOpen:    ret,
		MaxRunUp:           e.win.maxRunUp,
		MaxRunDown:         e.win.maxRunDown,
		Return1m:           e.returnNm(1),
		Return3m:           e.returnNm(3),
		Return5m:           e.returnNm(5),
		Volatility5m:       e.volatility5m(),
		HasUpHit:           !math.IsNaN(e.win.firstUpHitMinute),
		HasDownHit:         !math.IsNaN(e.win.firstDownHitMinute),
		FirstUpHitMinute:   e.win.firstUpHitMinute,
		FirstDownHitMinute: e.win.firstDownHitMinute,
		Asset:              e.asset,
		Timestamp:          timestampMS,
	}
	return fv, nil
}

func clampStateMinute(m int) int {
	if m < 0 {
		return 0
	}
	if m > 14 {
		return 14
	}
	return m
}

// returnNm computes closes[-1]/closes[-1-n] - 1 from the ring, or NaN if the
// ring does not yet hold n+1 samples.
func (e *Engine) returnNm(n int) float64 {
	latest, ok := e.ring.at(0)
	if !ok {
		return math.NaN()
	}
	prior, ok := e.ring.at(n)
	if !ok {
		return math.NaN()
	}
	if prior == 0 {
		return math.NaN()
	}
	return latest/prior - 1
}

// volatility5m is the sample standard deviation (n-1) of the last up-to-5
// one-minute returns computed from the last up-to-6 ring entries.
func (e *Engine) volatility5m() float64 {
	var returns []float64
	for i := 0; i < 5; i++ {
		latest, ok1 := e.ring.at(i)
		prior, ok2 := e.ring.at(i + 1)
		if !ok1 || !ok2 || prior == 0 {
			break
		}
		returns = append(returns, latest/prior-1)
	}
	if len(returns) < 2 {
		return math.NaN()
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	variance := 0.0
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns) - 1)
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance)
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func mod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}
