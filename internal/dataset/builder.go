package dataset

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/derivwatch/derivwatch/internal/market"
	"github.com/derivwatch/derivwatch/internal/model"
	"github.com/derivwatch/derivwatch/internal/store"
)

// DefaultMinFeatures excludes rows whose indicator snapshot is too sparse to
// train on.
const DefaultMinFeatures = 10

// BuilderConfig tunes dataset generation.
type BuilderConfig struct {
	Timeframe    market.Timeframe `yaml:"timeframe"`
	MinFeatures  int              `yaml:"min_features"`
	LabelEpsilon float64          `yaml:"label_epsilon"`
}

// Builder emits ML rows from resolved observation pairs.
type Builder struct {
	obs  store.ObservationStore
	rows store.MLRowStore
	cfg  BuilderConfig
}

// NewBuilder creates a dataset builder over the stores.
func NewBuilder(obs store.ObservationStore, rows store.MLRowStore, cfg BuilderConfig) *Builder {
	if cfg.Timeframe == "" {
		cfg.Timeframe = market.Timeframe5m
	}
	if cfg.MinFeatures <= 0 {
		cfg.MinFeatures = DefaultMinFeatures
	}
	if cfg.LabelEpsilon <= 0 {
		cfg.LabelEpsilon = DefaultLabelEpsilon
	}
	return &Builder{obs: obs, rows: rows, cfg: cfg}
}

// BuildResult summarizes one dataset build.
type BuildResult struct {
	Emitted  int `json:"emitted"`
	Pending  int `json:"pending"`
	Sparse   int `json:"sparse"`
	Resolved int `json:"resolved"`
}

// Build walks a symbol's observations in the range, resolves each against
// the horizon and appends causal rows. Rows whose forward observation does
// not exist yet are skipped, not guessed.
func (b *Builder) Build(ctx context.Context, symbol string, horizon model.Horizon, tr store.TimeRange) (BuildResult, error) {
	var res BuildResult

	observations, err := b.obs.List(ctx, b.cfg.Timeframe, store.ObservationQuery{
		Symbol: symbol,
		Range:  tr,
	})
	if err != nil {
		return res, err
	}

	span := horizon.Duration()
	bar := b.cfg.Timeframe.Duration()
	horizonBars := int(span / bar)

	var batch []model.MLRow
	for i := range observations {
		t0 := &observations[i]
		if len(t0.Indicators) < b.cfg.MinFeatures {
			res.Sparse++
			continue
		}

		t1, err := b.obs.FirstAtOrAfter(ctx, symbol, b.cfg.Timeframe, t0.Timestamp.Add(span))
		if err != nil {
			return res, err
		}
		if t1 == nil {
			res.Pending++
			continue
		}
		res.Resolved++

		ret := directionReturn(t0.Price.Close, t1.Price.Close, model.DirectionLong)
		batch = append(batch, model.MLRow{
			Symbol:      symbol,
			Horizon:     horizon,
			T0:          t0.Timestamp,
			T1:          t1.Timestamp,
			HorizonBars: horizonBars,
			Features:    features(t0),
			Label:       b.label(ret),
			DataMode:    string(t0.Source.DataMode),
		})
	}

	if err := b.rows.AppendBatch(ctx, batch); err != nil {
		return res, err
	}
	res.Emitted = len(batch)

	log.Info().
		Str("symbol", symbol).
		Str("horizon", string(horizon)).
		Int("emitted", res.Emitted).
		Int("pending", res.Pending).
		Int("sparse", res.Sparse).
		Msg("dataset build complete")
	return res, nil
}

// Load returns the horizon's rows ordered by T0 for the trainer.
func (b *Builder) Load(ctx context.Context, horizon model.Horizon, tr store.TimeRange) ([]model.MLRow, error) {
	return b.rows.ListByHorizon(ctx, horizon, tr, 0)
}

func (b *Builder) label(ret float64) int {
	switch {
	case ret > b.cfg.LabelEpsilon:
		return model.ClassWin
	case ret < -b.cfg.LabelEpsilon:
		return model.ClassLoss
	default:
		return model.ClassNeutral
	}
}

// features flattens the t0 indicator snapshot; values after t0 never enter
// the row.
func features(obs *market.Observation) map[string]float64 {
	out := make(map[string]float64, len(obs.Indicators)+4)
	for id, v := range obs.Indicators {
		if v.Normalized != nil {
			out[id] = *v.Normalized
		} else {
			out[id] = v.Value
		}
	}
	out["agg_stress"] = obs.Aggregates.Stress
	out["agg_pressure"] = obs.Aggregates.Pressure
	out["agg_crowding"] = obs.Aggregates.Crowding
	out["agg_volatility"] = obs.Aggregates.Volatility
	return out
}
