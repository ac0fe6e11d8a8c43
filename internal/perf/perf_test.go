package perf

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/derivwatch/derivwatch/internal/model"
)

var refTime = time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

// outcomeSeq builds one outcome per day ending at refTime, newest last.
func outcomeSeq(returns []float64) []model.TradeOutcome {
	out := make([]model.TradeOutcome, 0, len(returns))
	for i, r := range returns {
		res := model.ResultNeutral
		if r > 0 {
			res = model.ResultWin
		} else if r < 0 {
			res = model.ResultLoss
		}
		out = append(out, model.TradeOutcome{
			Timestamp: refTime.AddDate(0, 0, -(len(returns) - 1 - i)),
			Horizon:   model.Horizon1D,
			Symbol:    "BTCUSDT",
			Direction: model.DirectionLong,
			ReturnPct: r,
			Result:    res,
		})
	}
	return out
}

func TestCompute_EquityDrawdownAndStreak(t *testing.T) {
	returns := []float64{0.02, -0.01, -0.02, -0.01, 0.03, 0.0, 0.01}
	w := Compute(outcomeSeq(returns), model.Horizon1D, "BTCUSDT", 30, refTime)

	assert.Equal(t, 7, w.Samples)
	assert.Equal(t, 3, w.Wins)
	assert.Equal(t, 3, w.Losses)
	assert.Equal(t, 1, w.Neutrals)
	assert.Equal(t, 0.5, w.WinRate, "neutrals are excluded from the win rate denominator")
	assert.Equal(t, 3, w.LongestLosing)

	equity := 1.0
	for _, r := range returns {
		equity *= 1 + r
	}
	assert.InDelta(t, equity, w.FinalEquity, 1e-12)

	assert.GreaterOrEqual(t, w.MaxDrawdown, 0.0)
	assert.LessOrEqual(t, w.MaxDrawdown, 1.0)
	// Peak after the first win, trough after three losses in a row.
	trough := 1.02 * 0.99 * 0.98 * 0.99
	assert.InDelta(t, (1.02-trough)/1.02, w.MaxDrawdown, 1e-12)

	assert.GreaterOrEqual(t, w.Stability, 0.0)
	assert.LessOrEqual(t, w.Stability, 1.0)
}

func TestCompute_FiltersWindowSymbolAndHorizon(t *testing.T) {
	outcomes := outcomeSeq([]float64{0.01, 0.01, 0.01})
	outcomes = append(outcomes, model.TradeOutcome{
		Timestamp: refTime.AddDate(0, 0, -40), Horizon: model.Horizon1D,
		Symbol: "BTCUSDT", ReturnPct: -0.5, Result: model.ResultLoss,
	})
	outcomes = append(outcomes, model.TradeOutcome{
		Timestamp: refTime, Horizon: model.Horizon7D,
		Symbol: "BTCUSDT", ReturnPct: -0.5, Result: model.ResultLoss,
	})
	outcomes = append(outcomes, model.TradeOutcome{
		Timestamp: refTime, Horizon: model.Horizon1D,
		Symbol: "ETHUSDT", ReturnPct: -0.5, Result: model.ResultLoss,
	})

	w := Compute(outcomes, model.Horizon1D, "BTCUSDT", 30, refTime)
	assert.Equal(t, 3, w.Samples)
	assert.Equal(t, 0, w.Losses)

	all := Compute(outcomes, model.Horizon1D, "", 30, refTime)
	assert.Equal(t, 4, all.Samples, "empty symbol matches every symbol in range")
}

func TestCompute_Empty(t *testing.T) {
	w := Compute(nil, model.Horizon1D, "BTCUSDT", 7, refTime)
	assert.Equal(t, 0, w.Samples)
	assert.Equal(t, 1.0, w.FinalEquity)
	assert.Equal(t, 0.0, w.WinRate)
}

func TestRolling_AllStandardWindows(t *testing.T) {
	windows := Rolling(outcomeSeq([]float64{0.01, -0.01, 0.02}), model.Horizon1D, "BTCUSDT", refTime)
	require.Len(t, windows, len(StandardWindows))
	for _, days := range StandardWindows {
		w, ok := windows[days]
		require.True(t, ok)
		assert.Equal(t, days, w.Days)
		assert.Equal(t, 3, w.Samples)
	}
}

func TestStability_Bounds(t *testing.T) {
	assert.Equal(t, 1.0, stability(0.01, 0, 0), "zero variance with no drawdown is perfectly stable")
	assert.InDelta(t, 0.8, stability(0.01, 0, 0.2), 1e-12)
	assert.Equal(t, 0.0, stability(0, 0.05, 0.1), "zero mean return carries no stability signal")
	s := stability(0.01, 0.02, 0.1)
	assert.Greater(t, s, 0.0)
	assert.Less(t, s, 1.0)
}

func TestCompare_WinRateLift(t *testing.T) {
	active := Window{Samples: 500, WinRate: 0.50, MaxDrawdown: 0.20, SharpeLike: 0.8, Stability: 0.6}
	shadow := Window{Samples: 200, WinRate: 0.56, MaxDrawdown: 0.18, SharpeLike: 0.9, Stability: 0.7}

	c := Compare(active, shadow, 30)
	assert.True(t, c.ShadowBetter)
	assert.Equal(t, ConfidenceHigh, c.Confidence, "win rate lift of +0.06 clears the high bar")
	assert.InDelta(t, 0.06, c.Deltas.WinRate, 1e-12)
	assert.InDelta(t, -0.02, c.Deltas.MaxDrawdown, 1e-12)
	assert.Contains(t, c.Reason, "win rate lift")

	shadow.WinRate = 0.53
	c = Compare(active, shadow, 30)
	assert.True(t, c.ShadowBetter)
	assert.Equal(t, ConfidenceMedium, c.Confidence)
}

func TestCompare_SharpeFallback(t *testing.T) {
	active := Window{Samples: 100, WinRate: 0.50, MaxDrawdown: 0.08, SharpeLike: 0.30, Stability: 0.50}
	// Win rate lift present but drawdown worsened: the first rule must not fire.
	shadow := Window{Samples: 60, WinRate: 0.55, MaxDrawdown: 0.12, SharpeLike: 0.55, Stability: 0.50}

	c := Compare(active, shadow, 30)
	assert.True(t, c.ShadowBetter)
	assert.Equal(t, ConfidenceHigh, c.Confidence, "sharpe lift of +0.25 clears the high bar")
	assert.Contains(t, c.Reason, "sharpe")
}

func TestCompare_SamplesLowAndNoLift(t *testing.T) {
	active := Window{Samples: 100, WinRate: 0.50}
	low := Window{Samples: 10, WinRate: 0.90}
	c := Compare(active, low, 30)
	assert.False(t, c.ShadowBetter)
	assert.Equal(t, ConfidenceNone, c.Confidence)
	assert.Contains(t, c.Reason, "SAMPLES_LOW")

	flat := Window{Samples: 60, WinRate: 0.505, SharpeLike: 0.02}
	c = Compare(active, flat, 30)
	assert.False(t, c.ShadowBetter)
	assert.Contains(t, c.Reason, "no significant lift")
}

func TestCheckRollback_StreakKiller(t *testing.T) {
	w := Window{
		Samples:       50,
		WinRate:       0.42,
		MaxDrawdown:   0.18,
		Stability:     0.45,
		LongestLosing: 8,
	}
	d := CheckRollback(w, DefaultRollbackRules())
	assert.True(t, d.Needed)
	assert.Equal(t, SeverityCritical, d.Severity)
	assert.Contains(t, d.Reason, "STREAK_KILLER")
}

func TestCheckRollback_CapitalInstability(t *testing.T) {
	w := Window{
		Samples:       50,
		WinRate:       0.35,
		MaxDrawdown:   0.20,
		Stability:     0.10,
		LongestLosing: 3,
	}
	d := CheckRollback(w, DefaultRollbackRules())
	assert.True(t, d.Needed)
	assert.Equal(t, SeverityCritical, d.Severity)
	assert.Contains(t, d.Reason, "CAPITAL_INSTABILITY")
}

func TestCheckRollback_WarningAndHealthy(t *testing.T) {
	rules := DefaultRollbackRules()

	warn := Window{Samples: 50, WinRate: 0.38, MaxDrawdown: 0.05, Stability: 0.6}
	d := CheckRollback(warn, rules)
	assert.False(t, d.Needed)
	assert.Equal(t, SeverityWarning, d.Severity)

	healthy := Window{Samples: 50, WinRate: 0.55, MaxDrawdown: 0.05, Stability: 0.6, LongestLosing: 2}
	d = CheckRollback(healthy, rules)
	assert.False(t, d.Needed)
	assert.Equal(t, SeverityNone, d.Severity)
}

func TestCheckRollback_InsufficientSamples(t *testing.T) {
	bad := Window{Samples: 5, WinRate: 0.0, MaxDrawdown: 0.9, Stability: 0.0, LongestLosing: 5}
	d := CheckRollback(bad, DefaultRollbackRules())
	assert.False(t, d.Needed, "never roll back on thin evidence")
	assert.Equal(t, SeverityNone, d.Severity)
	assert.Contains(t, d.Reason, "INSUFFICIENT_SAMPLES")
}

func TestCheckPromotion_HardFloors(t *testing.T) {
	rules := DefaultPromotionRules()
	active := Window{Samples: 100, WinRate: 0.50, MaxDrawdown: 0.10, Stability: 0.50}
	shadow := Window{Samples: 60, WinRate: 0.56, MaxDrawdown: 0.08, Stability: 0.55}

	d := CheckPromotion(Compare(active, shadow, 30), rules)
	assert.True(t, d.Ready)

	risky := shadow
	risky.MaxDrawdown = 0.10
	risky.Stability = 0.30
	d = CheckPromotion(Compare(active, risky, 30), rules)
	assert.False(t, d.Ready, "stability floor blocks promotion even when shadow wins")
	assert.Contains(t, d.Reason, "stability")

	d = CheckPromotion(Compare(active, Window{Samples: 60, WinRate: 0.50}, 30), rules)
	assert.False(t, d.Ready)
}

func TestCompute_AllLossesDrawdownStaysBounded(t *testing.T) {
	returns := make([]float64, 20)
	for i := range returns {
		returns[i] = -0.05
	}
	w := Compute(outcomeSeq(returns), model.Horizon1D, "BTCUSDT", 30, refTime)
	assert.Equal(t, 0.0, w.WinRate)
	assert.Equal(t, 20, w.LongestLosing)
	assert.Greater(t, w.MaxDrawdown, 0.6)
	assert.Less(t, w.MaxDrawdown, 1.0)
	assert.InDelta(t, math.Pow(0.95, 20), w.FinalEquity, 1e-12)
}
