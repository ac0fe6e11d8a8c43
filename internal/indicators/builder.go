package indicators

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/derivwatch/derivwatch/internal/market"
)

// LowCompletenessThreshold marks the level below which a snapshot is logged
// as degraded.
const LowCompletenessThreshold = 0.5

// Builder runs the registered calculator catalog over an input and produces
// an indicator snapshot with completeness meta. Calculators are registered
// once at startup; the builder itself never fails.
type Builder struct {
	mu          sync.RWMutex
	calculators []Calculator
}

// NewBuilder creates a builder over the fixed catalog.
func NewBuilder() *Builder {
	return &Builder{calculators: Catalog()}
}

// NewBuilderWith creates a builder over an explicit calculator set; used by
// backfill for the reduced OHLCV-only catalog and by tests.
func NewBuilderWith(calculators []Calculator) *Builder {
	return &Builder{calculators: calculators}
}

// Expected returns the catalog size this builder reports completeness over.
func (b *Builder) Expected() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.calculators)
}

// Build evaluates every calculator in isolation. A panicking calculator or a
// non-finite value records the indicator as missing; the snapshot is always
// returned.
func (b *Builder) Build(in Input, source market.IndicatorSource) (map[string]market.IndicatorValue, market.IndicatorsMeta) {
	b.mu.RLock()
	calculators := b.calculators
	b.mu.RUnlock()

	values := make(map[string]market.IndicatorValue, len(calculators))
	var missing []string

	for _, c := range calculators {
		v, n, err := runIsolated(c, in)
		if err != nil {
			missing = append(missing, c.ID)
			continue
		}
		values[c.ID] = market.IndicatorValue{Value: v, Category: c.Category, Normalized: n}
	}
	sort.Strings(missing)

	expected := len(calculators)
	meta := market.IndicatorsMeta{
		Count:   len(values),
		Missing: missing,
		Source:  source,
	}
	if expected > 0 {
		meta.Completeness = float64(len(values)) / float64(expected)
	}

	if meta.Completeness == 0 {
		log.Error().Str("symbol", in.Symbol).Msg("indicator snapshot empty")
	} else if meta.Completeness < LowCompletenessThreshold {
		log.Warn().Str("symbol", in.Symbol).Float64("completeness", meta.Completeness).
			Strs("missing", missing).Msg("indicator snapshot degraded")
	}

	return values, meta
}

// runIsolated shields the pipeline from a misbehaving calculator.
func runIsolated(c Calculator, in Input) (v float64, n *float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("calculator %s panicked: %v", c.ID, r)
		}
	}()
	v, n, err = c.Compute(in)
	if err != nil {
		return 0, nil, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, nil, fmt.Errorf("calculator %s produced non-finite value", c.ID)
	}
	if n != nil && (math.IsNaN(*n) || math.IsInf(*n, 0)) {
		n = nil
	}
	return v, n, nil
}

// OHLCVCatalog filters the catalog down to calculators computable from
// candles alone; backfilled observations use this reduced set.
func OHLCVCatalog() []Calculator {
	ohlcvIDs := map[string]bool{
		"ema20_dist": true, "sma50_dist": true, "bb_width": true, "atr_pct": true,
		"rsi_14": true, "macd_hist": true, "adx_14": true, "roc_10": true,
		"willr_14": true, "cci_20": true, "mom_10": true,
		"volume_change": true, "obv_slope": true, "volume_zscore": true,
	}
	var out []Calculator
	for _, c := range Catalog() {
		if ohlcvIDs[c.ID] {
			out = append(out, c)
		}
	}
	return out
}
