package domain

import (
	"encoding/json"
	"math"
)

// FeatureVector is the 17-field feature set computed by the feature engine
// (4.C) at a minute boundary. Missing numerics are NaN; the model (4.B)
// performs imputation. NaN is intentional signal, not an error: it must
// round-trip through storage faithfully (see MarshalJSON/UnmarshalJSON).
type FeatureVector struct {
	StateMinute       int     `json:"stateMinute"`
	MinutesRemaining  int     `json:"minutesRemaining"`
	HourOfDay         int     `json:"hourOfDay"`
	DayOfWeek         int     `json:"dayOfWeek"`
	ReturnSinceOpen   float64 `json:"returnSinceOpen"`
	MaxRunUp          float64 `json:"maxRunUp"`
	MaxRunDown        float64 `json:"maxRunDown"`
	Return1m          float64 `json:"return1m"`
	Return3m          float64 `json:"return3m"`
	Return5m          float64 `json:"return5m"`
	Volatility5m      float64 `json:"volatility5m"`
	HasUpHit          bool    `json:"hasUpHit"`
	HasDownHit        bool    `json:"hasDownHit"`
	FirstUpHitMinute  float64 `json:"firstUpHitMinute"`
	FirstDownHitMinute float64 `json:"firstDownHitMinute"`
	Asset             Asset   `json:"asset"`
	Timestamp         int64   `json:"timestamp"`
}

// featureVectorWire mirrors FeatureVector but with the NaN-sensitive float64
// fields swapped for a sentinel-capable type, since encoding/json rejects
// NaN outright.
type featureVectorWire struct {
	StateMinute        int          `json:"stateMinute"`
	MinutesRemaining   int          `json:"minutesRemaining"`
	HourOfDay          int          `json:"hourOfDay"`
	DayOfWeek          int          `json:"dayOfWeek"`
	ReturnSinceOpen    nullableNum  `json:"returnSinceOpen"`
	MaxRunUp           nullableNum  `json:"maxRunUp"`
	MaxRunDown         nullableNum  `json:"maxRunDown"`
	Return1m           nullableNum  `json:"return1m"`
	Return3m           nullableNum  `json:"return3m"`
	Return5m           nullableNum  `json:"return5m"`
	Volatility5m       nullableNum  `json:"volatility5m"`
	HasUpHit           bool         `json:"hasUpHit"`
	HasDownHit         bool         `json:"hasDownHit"`
	FirstUpHitMinute   nullableNum  `json:"firstUpHitMinute"`
	FirstDownHitMinute nullableNum  `json:"firstDownHitMinute"`
	Asset              Asset        `json:"asset"`
	Timestamp          int64        `json:"timestamp"`
}

// nullableNum round-trips a float64 through JSON, representing NaN with the
// literal string "NaN" (encoding/json has no native NaN token).
type nullableNum float64

const nanSentinel = "NaN"

func (n nullableNum) MarshalJSON() ([]byte, error) {
	if math.IsNaN(float64(n)) {
		return json.Marshal(nanSentinel)
	}
	return json.Marshal(float64(n))
}

func (n *nullableNum) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s == nanSentinel {
			*n = nullableNum(math.NaN())
			return nil
		}
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*n = nullableNum(f)
	return nil
}

// MarshalJSON implements the NaN-preserving wire format used by the
// persistence store's feature_json column.
func (f FeatureVector) MarshalJSON() ([]byte, error) {
	w := featureVectorWire{
		StateMinute:        f.StateMinute,
		MinutesRemaining:   f.MinutesRemaining,
		HourOfDay:          f.HourOfDay,
		DayOfWeek:          f.DayOfWeek,
		ReturnSinceOpen:    nullableNum(f.ReturnSinceOpen),
		MaxRunUp:           nullableNum(f.MaxRunUp),
		MaxRunDown:         nullableNum(f.MaxRunDown),
		Return1m:           nullableNum(f.Return1m),
		Return3m:           nullableNum(f.Return3m),
		Return5m:           nullableNum(f.Return5m),
		Volatility5m:       nullableNum(f.Volatility5m),
		HasUpHit:           f.HasUpHit,
		HasDownHit:         f.HasDownHit,
		FirstUpHitMinute:   nullableNum(f.FirstUpHitMinute),
		FirstDownHitMinute: nullableNum(f.FirstDownHitMinute),
		Asset:              f.Asset,
		Timestamp:          f.Timestamp,
	}
	return json.Marshal(w)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (f *FeatureVector) UnmarshalJSON(data []byte) error {
	var w featureVectorWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*f = FeatureVector{
		StateMinute:        w.StateMinute,
		MinutesRemaining:   w.MinutesRemaining,
		HourOfDay:          w.HourOfDay,
		DayOfWeek:          w.DayOfWeek,
		ReturnSinceOpen:    float64(w.ReturnSinceOpen),
		MaxRunUp:           float64(w.MaxRunUp),
		MaxRunDown:         float64(w.MaxRunDown),
		Return1m:           float64(w.Return1m),
		Return3m:           float64(w.Return3m),
		Return5m:           float64(w.Return5m),
		Volatility5m:       float64(w.Volatility5m),
		HasUpHit:           w.HasUpHit,
		HasDownHit:         w.HasDownHit,
		FirstUpHitMinute:   float64(w.FirstUpHitMinute),
		FirstDownHitMinute: float64(w.FirstDownHitMinute),
		Asset:              w.Asset,
		Timestamp:          w.Timestamp,
	}
	return nil
}

// ToMap flattens the numeric/boolean fields into a name->value map for model
// evaluation (4.B). Booleans map true->1, false->0 as required there.
func (f FeatureVector) ToMap() map[string]float64 {
	m := map[string]float64{
		"stateMinute":      float64(f.StateMinute),
		"minutesRemaining": float64(f.MinutesRemaining),
		"hourOfDay":        float64(f.HourOfDay),
		"dayOfWeek":        float64(f.DayOfWeek),
		"returnSinceOpen":  f.ReturnSinceOpen,
		"maxRunUp":         f.MaxRunUp,
		"maxRunDown":       f.MaxRunDown,
		"return1m":         f.Return1m,
		"return3m":         f.Return3m,
		"return5m":         f.Return5m,
		"volatility5m":     f.Volatility5m,
		"firstUpHitMinute": f.FirstUpHitMinute,
		"firstDownHitMinute": f.FirstDownHitMinute,
	}
	if f.HasUpHit {
		m["hasUpHit"] = 1
	} else {
		m["hasUpHit"] = 0
	}
	if f.HasDownHit {
		m["hasDownHit"] = 1
	} else {
		m["hasDownHit"] = 0
	}
	return m
}
