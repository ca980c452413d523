// Package model loads and evaluates the per-asset logistic model (4.B): a
// linear combination of named features passed through a sigmoid, with
// median imputation for missing inputs.
package model

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/shopspring/decimal"

	"github.com/updown15m/engine/internal/domain"
)

// Model is a single asset's fitted logistic regression: featureColumns[i]
// pairs with coefficients[i].
type Model struct {
	Version         string
	Asset           domain.Asset
	FeatureColumns  []string
	Coefficients    []float64
	Intercept       float64
	FeatureMedians  map[string]float64
}

// Prediction is the result of evaluating a Model against a feature map.
type Prediction struct {
	Probability       float64
	ImputedCount      int
	LinearCombination float64
}

// modelFileSymbol mirrors one entry of the model artifact's "symbols" array.
type modelFileSymbol struct {
	Symbol         string            `json:"symbol"`
	Coefficients   []json.Number     `json:"coefficients"`
	Intercept      json.Number       `json:"intercept"`
	FeatureColumns []string          `json:"feature_columns"`
}

type modelFile struct {
	Version string            `json:"version"`
	Symbols []modelFileSymbol `json:"symbols"`
}

type imputationsFile map[string]map[string]json.Number

// LoadModels reads the model artifact at modelPath and the imputations
// artifact at imputationsPath, validates both, and returns one Model per
// symbol keyed by asset. An imputation entry missing for any symbol present
// in the model file is fatal.
func LoadModels(modelPath, imputationsPath string) (map[domain.Asset]Model, error) {
	rawModel, err := os.ReadFile(modelPath)
	if err != nil {
		return nil, fmt.Errorf("read model file: %w", err)
	}
	var mf modelFile
	if err := json.Unmarshal(rawModel, &mf); err != nil {
		return nil, fmt.Errorf("parse model file: %w", err)
	}
	if len(mf.Symbols) == 0 {
		return nil, fmt.Errorf("model file: symbols must not be empty")
	}
	version := mf.Version
	if version == "" {
		version = "1.0.0"
	}

	rawImp, err := os.ReadFile(imputationsPath)
	if err != nil {
		return nil, fmt.Errorf("read imputations file: %w", err)
	}
	var impFile imputationsFile
	if err := json.Unmarshal(rawImp, &impFile); err != nil {
		return nil, fmt.Errorf("parse imputations file: %w", err)
	}
	if len(impFile) == 0 {
		return nil, fmt.Errorf("imputations file: must not be empty")
	}

	out := make(map[domain.Asset]Model, len(mf.Symbols))
	for _, sym := range mf.Symbols {
		if sym.Symbol == "" {
			return nil, fmt.Errorf("model file: symbol entry with empty name")
		}
		if len(sym.Coefficients) != len(sym.FeatureColumns) {
			return nil, fmt.Errorf("model file: symbol %q coefficients/feature_columns length mismatch", sym.Symbol)
		}
		intercept, err := finiteNumber(sym.Intercept)
		if err != nil {
			return nil, fmt.Errorf("model file: symbol %q intercept: %w", sym.Symbol, err)
		}
		coefs := make([]float64, len(sym.Coefficients))
		for i, c := range sym.Coefficients {
			v, err := finiteNumber(c)
			if err != nil {
				return nil, fmt.Errorf("model file: symbol %q coefficient[%d]: %w", sym.Symbol, i, err)
			}
			coefs[i] = v
		}

		rawMedians, ok := impFile[sym.Symbol]
		if !ok {
			return nil, fmt.Errorf("imputations file: missing entry for symbol %q", sym.Symbol)
		}
		medians := make(map[string]float64, len(rawMedians))
		for name, n := range rawMedians {
			v, err := finiteNumber(n)
			if err != nil {
				return nil, fmt.Errorf("imputations file: symbol %q feature %q: %w", sym.Symbol, name, err)
			}
			medians[name] = v
		}

		out[domain.Asset(sym.Symbol)] = Model{
			Version:        version,
			Asset:          domain.Asset(sym.Symbol),
			FeatureColumns: append([]string(nil), sym.FeatureColumns...),
			Coefficients:   coefs,
			Intercept:      intercept,
			FeatureMedians: medians,
		}
	}
	return out, nil
}

// finiteNumber decodes a JSON number with decimal precision and rejects
// non-finite results before narrowing to float64.
func finiteNumber(n json.Number) (float64, error) {
	if n == "" {
		return 0, fmt.Errorf("missing numeric value")
	}
	d, err := decimal.NewFromString(string(n))
	if err != nil {
		return 0, fmt.Errorf("invalid numeric value %q: %w", n, err)
	}
	f, _ := d.Float64()
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("non-finite numeric value %q", n)
	}
	return f, nil
}

// Clone returns a deep copy; Model is treated as immutable configuration
// once loaded, so any derived view must start from a copy.
func (m Model) Clone() Model {
	cols := append([]string(nil), m.FeatureColumns...)
	coefs := append([]float64(nil), m.Coefficients...)
	medians := make(map[string]float64, len(m.FeatureMedians))
	for k, v := range m.FeatureMedians {
		medians[k] = v
	}
	return Model{
		Version:        m.Version,
		Asset:          m.Asset,
		FeatureColumns: cols,
		Coefficients:   coefs,
		Intercept:      m.Intercept,
		FeatureMedians: medians,
	}
}

// Predict evaluates the model against features, imputing any missing or NaN
// value from FeatureMedians. Absence of a required median during imputation
// is fatal: it indicates a malformed model/imputation pairing. LoadModels
// does not check that every feature column has a median, so the gap is
// reported here.
func (m Model) Predict(features map[string]float64) (Prediction, error) {
	z := m.Intercept
	imputed := 0
	for i, name := range m.FeatureColumns {
		v, present := features[name]
		if !present || math.IsNaN(v) {
			median, ok := m.FeatureMedians[name]
			if !ok {
				return Prediction{}, fmt.Errorf("model %s: no median available to impute feature %q", m.Asset, name)
			}
			v = median
			imputed++
		}
		z += m.Coefficients[i] * v
	}
	return Prediction{
		Probability:       sigmoid(z),
		ImputedCount:       imputed,
		LinearCombination:  z,
	}, nil
}

func sigmoid(z float64) float64 {
	switch {
	case z > 20:
		return 1.0
	case z < -20:
		return 0.0
	default:
		return 1 / (1 + math.Exp(-z))
	}
}
