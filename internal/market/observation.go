package market

import "time"

// DataMode tags where an observation's inputs came from.
type DataMode string

const (
	DataModeLive     DataMode = "LIVE"
	DataModeBackfill DataMode = "BACKFILL"
)

// IndicatorSource tags how an indicator snapshot was produced.
type IndicatorSource string

const (
	SourcePolling  IndicatorSource = "polling"
	SourceReplay   IndicatorSource = "replay"
	SourceBackfill IndicatorSource = "backfill"
	SourceManual   IndicatorSource = "manual"
)

// IndicatorCategory is the closed set of indicator groupings.
type IndicatorCategory string

const (
	CategoryPriceStructure   IndicatorCategory = "price-structure"
	CategoryMomentum         IndicatorCategory = "momentum"
	CategoryVolume           IndicatorCategory = "volume"
	CategoryOrderBook        IndicatorCategory = "order-book"
	CategoryPositioning      IndicatorCategory = "positioning"
	CategoryWhalePositioning IndicatorCategory = "whale-positioning"
)

// IndicatorValue is one computed indicator.
type IndicatorValue struct {
	Value      float64           `json:"value"`
	Category   IndicatorCategory `json:"category"`
	Normalized *float64          `json:"normalized,omitempty"`
}

// IndicatorsMeta describes the quality of an indicator snapshot.
type IndicatorsMeta struct {
	Completeness float64         `json:"completeness"` // present / expected
	Count        int             `json:"count"`
	Missing      []string        `json:"missing,omitempty"`
	Source       IndicatorSource `json:"source"`
}

// RegimeType is the closed set of market regime classifications.
type RegimeType string

const (
	RegimeTrendingUp   RegimeType = "TRENDING_UP"
	RegimeTrendingDown RegimeType = "TRENDING_DOWN"
	RegimeRange        RegimeType = "RANGE"
	RegimeChaotic      RegimeType = "CHAOTIC"
	RegimeTransition   RegimeType = "TRANSITION"
	RegimeCrisis       RegimeType = "CRISIS"
	RegimeAccumulation RegimeType = "ACCUMULATION"
	RegimeNeutral      RegimeType = "NEUTRAL"
)

// Regime is a classification with confidence in [0,1].
type Regime struct {
	Type       RegimeType `json:"type"`
	Confidence float64    `json:"confidence"`
}

// Aggregates are market-wide scores derived from the indicator snapshot.
// All values are normalized; Pressure is signed in [-1,1], the rest in [0,1].
type Aggregates struct {
	Stress     float64 `json:"stress"`
	Pressure   float64 `json:"pressure"`
	Crowding   float64 `json:"crowding"`
	Volatility float64 `json:"volatility"`
}

// CascadeState describes liquidation cascade status at observation time.
type CascadeState struct {
	Active    bool    `json:"active"`
	Intensity float64 `json:"intensity"`
}

// SourceMeta records data provenance for an observation.
type SourceMeta struct {
	DataMode  DataMode `json:"data_mode"`
	Providers []string `json:"providers,omitempty"`
	Missing   []string `json:"missing,omitempty"`
}

// OHLCV is the price block of an observation.
type OHLCV struct {
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// Observation is the persisted, time-indexed record for one
// (symbol, timeframe, timestamp).
type Observation struct {
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	Timestamp time.Time `json:"timestamp"`

	Price      OHLCV                     `json:"price"`
	Indicators map[string]IndicatorValue `json:"indicators"`
	Meta       IndicatorsMeta            `json:"indicators_meta"`
	Regime     Regime                    `json:"regime"`
	Aggregates Aggregates                `json:"aggregates"`
	Cascade    CascadeState              `json:"cascade"`
	Patterns   []string                  `json:"patterns,omitempty"`
	Source     SourceMeta                `json:"source_meta"`
}

// Indicator returns the stored value for an indicator id.
func (o *Observation) Indicator(id string) (IndicatorValue, bool) {
	v, ok := o.Indicators[id]
	return v, ok
}
