// Package regime derives market aggregates and a closed-set regime
// classification from an indicator snapshot.
package regime

import (
	"math"

	"github.com/derivwatch/derivwatch/internal/market"
)

// Thresholds configure the classifier boundaries.
type Thresholds struct {
	TrendStrength  float64 `yaml:"trend_strength"`  // ADX-normalized trend gate
	HighVolatility float64 `yaml:"high_volatility"` // normalized volatility gate
	CrisisStress   float64 `yaml:"crisis_stress"`   // stress level that flags CRISIS
	Crowding       float64 `yaml:"crowding"`        // crowding gate for ACCUMULATION
}

// DefaultThresholds returns the steady-state classifier configuration.
func DefaultThresholds() Thresholds {
	return Thresholds{
		TrendStrength:  0.5,
		HighVolatility: 0.6,
		CrisisStress:   0.75,
		Crowding:       0.7,
	}
}

// Classifier maps indicator snapshots to aggregates and a regime.
type Classifier struct {
	thresholds Thresholds
}

// NewClassifier creates a classifier with the given thresholds.
func NewClassifier(t Thresholds) *Classifier {
	return &Classifier{thresholds: t}
}

// requiredIDs are the indicators the classifier cannot work without.
var requiredIDs = []string{"adx_14", "atr_pct", "rsi_14"}

func normalized(ind map[string]market.IndicatorValue, id string) (float64, bool) {
	v, ok := ind[id]
	if !ok || v.Normalized == nil {
		return 0, false
	}
	return *v.Normalized, true
}

func normalizedOr(ind map[string]market.IndicatorValue, id string, fallback float64) float64 {
	if v, ok := normalized(ind, id); ok {
		return v
	}
	return fallback
}

// Aggregates computes market-wide scores from the indicator snapshot.
// Missing components fall back to neutral midpoints so the aggregate stays
// defined whenever any inputs exist.
func (c *Classifier) Aggregates(ind map[string]market.IndicatorValue, cascade market.CascadeState) market.Aggregates {
	vol := normalizedOr(ind, "atr_pct", 0.3)
	bbw := normalizedOr(ind, "bb_width", vol)
	volatility := clamp01(0.6*vol + 0.4*bbw)

	// Signed order-book pressure in [-1, 1].
	imb := normalizedOr(ind, "book_imbalance", 0.5)*2 - 1
	bp := normalizedOr(ind, "book_pressure", 0.5)*2 - 1
	pressure := clampSigned(0.5*imb + 0.5*bp)

	crowding := clamp01(
		0.4*normalizedOr(ind, "funding_extremity", 0.2) +
			0.3*normalizedOr(ind, "oi_usd", 0.3) +
			0.3*math.Abs(normalizedOr(ind, "oi_delta", 0.5)*2-1))

	spread := normalizedOr(ind, "spread_bps", 0.2)
	liq := normalizedOr(ind, "liq_intensity", 0.1)
	stress := clamp01(0.35*volatility + 0.25*spread + 0.25*liq + 0.15*crowding)
	if cascade.Active {
		stress = clamp01(stress + 0.2*cascade.Intensity)
	}

	return market.Aggregates{
		Stress:     stress,
		Pressure:   pressure,
		Crowding:   crowding,
		Volatility: volatility,
	}
}

// Classify maps aggregates plus trend inputs to a regime. When required
// indicators are missing the result is NEUTRAL with confidence 0.5.
func (c *Classifier) Classify(ind map[string]market.IndicatorValue, agg market.Aggregates, cascade market.CascadeState) market.Regime {
	for _, id := range requiredIDs {
		if _, ok := ind[id]; !ok {
			return market.Regime{Type: market.RegimeNeutral, Confidence: 0.5}
		}
	}

	trend := normalizedOr(ind, "adx_14", 0)
	rsi := normalizedOr(ind, "rsi_14", 0.5)
	direction := rsi*2 - 1 // <0 bearish, >0 bullish

	t := c.thresholds

	switch {
	case cascade.Active || agg.Stress >= t.CrisisStress:
		margin := math.Max(agg.Stress-t.CrisisStress, cascade.Intensity)
		return market.Regime{Type: market.RegimeCrisis, Confidence: confidence(margin, 0.25)}

	case agg.Volatility >= t.HighVolatility && trend < t.TrendStrength:
		return market.Regime{Type: market.RegimeChaotic, Confidence: confidence(agg.Volatility-t.HighVolatility, 0.4)}

	case trend >= t.TrendStrength && direction > 0.1:
		return market.Regime{Type: market.RegimeTrendingUp, Confidence: confidence(trend-t.TrendStrength, 0.5)}

	case trend >= t.TrendStrength && direction < -0.1:
		return market.Regime{Type: market.RegimeTrendingDown, Confidence: confidence(trend-t.TrendStrength, 0.5)}

	case trend >= t.TrendStrength:
		// Strong trend reading without directional agreement.
		return market.Regime{Type: market.RegimeTransition, Confidence: confidence(trend-t.TrendStrength, 0.5)}

	case agg.Crowding >= t.Crowding && agg.Volatility < t.HighVolatility*0.5:
		return market.Regime{Type: market.RegimeAccumulation, Confidence: confidence(agg.Crowding-t.Crowding, 0.3)}

	default:
		// Low trend, moderate volatility: range-bound. Confidence grows as
		// trend falls further below the gate.
		return market.Regime{Type: market.RegimeRange, Confidence: confidence(t.TrendStrength-trend, 0.5)}
	}
}

// confidence converts a boundary margin into [0.3, 0.95]; wider margins from
// the dominant-category boundary yield higher confidence.
func confidence(margin, scale float64) float64 {
	if scale <= 0 {
		scale = 1
	}
	c := 0.3 + 0.65*clamp01(margin/scale)
	return math.Min(0.95, math.Max(0.3, c))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func clampSigned(v float64) float64 {
	return math.Max(-1, math.Min(1, v))
}
