// Package perf computes trade performance windows and the promotion and
// rollback decisions derived from them.
package perf

import (
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/derivwatch/derivwatch/internal/model"
)

// StandardWindows are the rolling window sizes in days.
var StandardWindows = []int{7, 14, 30, 60, 90, 180, 365}

// Window is the computed performance summary over one window.
type Window struct {
	Horizon       model.Horizon `json:"horizon"`
	Symbol        string        `json:"symbol,omitempty"`
	Days          int           `json:"days"`
	Samples       int           `json:"samples"`
	Wins          int           `json:"wins"`
	Losses        int           `json:"losses"`
	Neutrals      int           `json:"neutrals"`
	WinRate       float64       `json:"win_rate"`
	MeanReturn    float64       `json:"mean_return"`
	StdReturn     float64       `json:"std_return"`
	SharpeLike    float64       `json:"sharpe_like"`
	FinalEquity   float64       `json:"final_equity"`
	MaxDrawdown   float64       `json:"max_drawdown"`
	LongestLosing int           `json:"longest_losing"`
	Stability     float64       `json:"stability"`
}

// Compute builds a window from trade outcomes at a reference time. Outcomes
// outside the window or for other symbols are ignored; the symbol filter is
// skipped when empty.
func Compute(outcomes []model.TradeOutcome, horizon model.Horizon, symbol string, days int, at time.Time) Window {
	w := Window{Horizon: horizon, Symbol: symbol, Days: days}
	cutoff := at.AddDate(0, 0, -days)

	var selected []model.TradeOutcome
	for _, o := range outcomes {
		if o.Horizon != horizon {
			continue
		}
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		if o.Timestamp.Before(cutoff) || o.Timestamp.After(at) {
			continue
		}
		selected = append(selected, o)
	}
	// Chronological order matters for equity and streaks.
	sort.Slice(selected, func(i, j int) bool { return selected[i].Timestamp.Before(selected[j].Timestamp) })

	w.Samples = len(selected)
	if w.Samples == 0 {
		w.FinalEquity = 1.0
		return w
	}

	returns := make([]float64, 0, len(selected))
	equity := 1.0
	peak := 1.0
	losing := 0
	for _, o := range selected {
		switch o.Result {
		case model.ResultWin:
			w.Wins++
			losing = 0
		case model.ResultLoss:
			w.Losses++
			losing++
			if losing > w.LongestLosing {
				w.LongestLosing = losing
			}
		default:
			w.Neutrals++
		}
		returns = append(returns, o.ReturnPct)
		equity *= 1 + o.ReturnPct
		if equity > peak {
			peak = equity
		}
		if dd := (peak - equity) / peak; dd > w.MaxDrawdown {
			w.MaxDrawdown = dd
		}
	}
	w.FinalEquity = equity

	if w.Wins+w.Losses > 0 {
		w.WinRate = float64(w.Wins) / float64(w.Wins+w.Losses)
	}
	w.MeanReturn, w.StdReturn = stat.MeanStdDev(returns, nil)
	if math.IsNaN(w.StdReturn) {
		w.StdReturn = 0
	}
	if w.StdReturn > 0 {
		w.SharpeLike = w.MeanReturn / w.StdReturn
	}
	w.Stability = stability(w.MeanReturn, w.StdReturn, w.MaxDrawdown)
	return w
}

// Rolling computes windows for every standard size.
func Rolling(outcomes []model.TradeOutcome, horizon model.Horizon, symbol string, at time.Time) map[int]Window {
	out := make(map[int]Window, len(StandardWindows))
	for _, days := range StandardWindows {
		out[days] = Compute(outcomes, horizon, symbol, days, at)
	}
	return out
}

// stability combines return volatility and drawdown into [0, 1].
func stability(mean, std, maxDD float64) float64 {
	var s float64
	if std <= 0 {
		s = 1 - maxDD
	} else if mean != 0 {
		s = 1 / (1 + std/math.Abs(mean)) * (1 - maxDD)
	}
	return math.Max(0, math.Min(1, s))
}

// Confidence grades a comparison verdict.
type Confidence string

const (
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceNone   Confidence = "NONE"
)

// Deltas are shadow-minus-active metric differences.
type Deltas struct {
	WinRate     float64 `json:"win_rate"`
	SharpeLike  float64 `json:"sharpe_like"`
	MaxDrawdown float64 `json:"max_drawdown"`
	Stability   float64 `json:"stability"`
}

// Comparison is the active-versus-shadow verdict.
type Comparison struct {
	Active       Window     `json:"active"`
	Shadow       Window     `json:"shadow"`
	Deltas       Deltas     `json:"deltas"`
	ShadowBetter bool       `json:"shadow_better"`
	Confidence   Confidence `json:"confidence"`
	Reason       string     `json:"reason"`
}

// MinShadowSamples is the default evidence floor for comparisons.
const MinShadowSamples = 30

// Compare decides whether the shadow window beats the active one.
func Compare(active, shadow Window, minSamples int) Comparison {
	if minSamples <= 0 {
		minSamples = MinShadowSamples
	}
	c := Comparison{
		Active: active,
		Shadow: shadow,
		Deltas: Deltas{
			WinRate:     shadow.WinRate - active.WinRate,
			SharpeLike:  shadow.SharpeLike - active.SharpeLike,
			MaxDrawdown: shadow.MaxDrawdown - active.MaxDrawdown,
			Stability:   shadow.Stability - active.Stability,
		},
		Confidence: ConfidenceNone,
	}

	switch {
	case shadow.Samples < minSamples:
		c.Reason = fmt.Sprintf("SAMPLES_LOW: shadow has %d samples, need %d", shadow.Samples, minSamples)

	case c.Deltas.WinRate >= 0.02 && c.Deltas.MaxDrawdown <= 0:
		c.ShadowBetter = true
		c.Confidence = ConfidenceMedium
		if c.Deltas.WinRate >= 0.05 {
			c.Confidence = ConfidenceHigh
		}
		c.Reason = fmt.Sprintf("win rate lift %+.3f with no extra drawdown", c.Deltas.WinRate)

	case c.Deltas.SharpeLike >= 0.1 && c.Deltas.Stability >= 0:
		c.ShadowBetter = true
		c.Confidence = ConfidenceMedium
		if c.Deltas.SharpeLike >= 0.2 {
			c.Confidence = ConfidenceHigh
		}
		c.Reason = fmt.Sprintf("sharpe lift %+.3f with stability held", c.Deltas.SharpeLike)

	default:
		c.Reason = "no significant lift"
	}
	return c
}

// Severity ranks a rollback verdict.
type Severity string

const (
	SeverityNone     Severity = "NONE"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// RollbackRules are the thresholds a window is judged against.
type RollbackRules struct {
	MinSamples           int     `yaml:"min_samples"`
	WinRateFloor         float64 `yaml:"win_rate_floor"`
	MaxDrawdownCeil      float64 `yaml:"max_drawdown_ceil"`
	MinStability         float64 `yaml:"min_stability"`
	MaxConsecutiveLosses int     `yaml:"max_consecutive_losses"`
}

// DefaultRollbackRules returns the production thresholds.
func DefaultRollbackRules() RollbackRules {
	return RollbackRules{
		MinSamples:           30,
		WinRateFloor:         0.40,
		MaxDrawdownCeil:      0.15,
		MinStability:         0.30,
		MaxConsecutiveLosses: 6,
	}
}

// RollbackDecision is the verdict from CheckRollback.
type RollbackDecision struct {
	Needed   bool     `json:"needed"`
	Severity Severity `json:"severity"`
	Reason   string   `json:"reason"`
}

// CheckRollback decides whether a window demands a rollback.
func CheckRollback(w Window, rules RollbackRules) RollbackDecision {
	if w.Samples < rules.MinSamples {
		return RollbackDecision{Severity: SeverityNone,
			Reason: fmt.Sprintf("INSUFFICIENT_SAMPLES: %d of %d", w.Samples, rules.MinSamples)}
	}

	ddBad := w.MaxDrawdown > rules.MaxDrawdownCeil
	wrBad := w.WinRate < rules.WinRateFloor
	stBad := w.Stability < rules.MinStability
	streakBad := w.LongestLosing >= rules.MaxConsecutiveLosses

	if streakBad && (ddBad || wrBad) {
		return RollbackDecision{Needed: true, Severity: SeverityCritical,
			Reason: fmt.Sprintf("STREAK_KILLER: %d consecutive losses with drawdown %.3f win rate %.3f",
				w.LongestLosing, w.MaxDrawdown, w.WinRate)}
	}
	if ddBad && stBad && wrBad {
		return RollbackDecision{Needed: true, Severity: SeverityCritical,
			Reason: fmt.Sprintf("CAPITAL_INSTABILITY: drawdown %.3f stability %.3f win rate %.3f",
				w.MaxDrawdown, w.Stability, w.WinRate)}
	}
	if ddBad || wrBad || stBad || streakBad {
		return RollbackDecision{Severity: SeverityWarning, Reason: "single indicator degraded"}
	}
	return RollbackDecision{Severity: SeverityNone, Reason: "healthy"}
}

// PromotionRules add hard safety floors on top of the comparison.
type PromotionRules struct {
	MinSamples     int     `yaml:"min_samples"`
	MaxDDForPromo  float64 `yaml:"max_dd_for_promo"`
	MinStability   float64 `yaml:"min_stability"`
	MinWinRateLift float64 `yaml:"min_win_rate_lift"`
	MinSharpeLift  float64 `yaml:"min_sharpe_lift"`
}

// DefaultPromotionRules returns the production thresholds.
func DefaultPromotionRules() PromotionRules {
	return PromotionRules{
		MinSamples:     30,
		MaxDDForPromo:  0.20,
		MinStability:   0.40,
		MinWinRateLift: 0.02,
		MinSharpeLift:  0.10,
	}
}

// PromotionDecision is the verdict from CheckPromotion.
type PromotionDecision struct {
	Ready  bool   `json:"ready"`
	Reason string `json:"reason"`
}

// CheckPromotion requires a better shadow plus the hard safety floors.
func CheckPromotion(c Comparison, rules PromotionRules) PromotionDecision {
	if !c.ShadowBetter {
		return PromotionDecision{Reason: c.Reason}
	}
	if c.Shadow.MaxDrawdown > rules.MaxDDForPromo {
		return PromotionDecision{Reason: fmt.Sprintf("shadow drawdown %.3f exceeds promo ceiling %.3f",
			c.Shadow.MaxDrawdown, rules.MaxDDForPromo)}
	}
	if c.Shadow.Stability < rules.MinStability {
		return PromotionDecision{Reason: fmt.Sprintf("shadow stability %.3f below floor %.3f",
			c.Shadow.Stability, rules.MinStability)}
	}
	if c.Deltas.WinRate < rules.MinWinRateLift && c.Deltas.SharpeLike < rules.MinSharpeLift {
		return PromotionDecision{Reason: "lift below promotion thresholds"}
	}
	return PromotionDecision{Ready: true, Reason: c.Reason}
}
