// Package backfill synthesizes historical observations and training rows
// from venue candle history.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/derivwatch/derivwatch/internal/indicators"
	"github.com/derivwatch/derivwatch/internal/market"
	"github.com/derivwatch/derivwatch/internal/model"
	"github.com/derivwatch/derivwatch/internal/provider"
	"github.com/derivwatch/derivwatch/internal/regime"
	"github.com/derivwatch/derivwatch/internal/store"
)

const (
	// WarmupBars precede the first synthesized observation so window
	// indicators have history.
	WarmupBars = 50
	// ChunkSize bounds one candle page.
	ChunkSize = 500
	// RateLimitPause is the minimum wait after a throttled fetch.
	RateLimitPause = 5 * time.Second
	// LabelEpsilon separates WIN/LOSS from NEUTRAL on realized returns.
	LabelEpsilon = 0.005
)

// State is the run progress state machine.
type State string

const (
	StateQueued    State = "QUEUED"
	StateRunning   State = "RUNNING"
	StatePaused    State = "PAUSED"
	StateDone      State = "DONE"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
)

// Request defines one backfill run.
type Request struct {
	Symbols     []string         `json:"symbols"`
	Days        int              `json:"days"`
	Timeframe   market.Timeframe `json:"timeframe"`
	Provider    string           `json:"provider,omitempty"` // empty selects per symbol via the resolver
	HorizonBars int              `json:"horizon_bars"`
	DryRun      bool             `json:"dry_run"`
}

// Validate enforces the request bounds.
func (r Request) Validate() error {
	if len(r.Symbols) == 0 {
		return errors.New("backfill requires at least one symbol")
	}
	if r.Days < 1 || r.Days > 30 {
		return fmt.Errorf("backfill days must be in [1, 30], got %d", r.Days)
	}
	switch r.Timeframe {
	case market.Timeframe1m, market.Timeframe5m, market.Timeframe15m:
	default:
		return fmt.Errorf("unsupported backfill timeframe %q", r.Timeframe)
	}
	if r.HorizonBars < 1 {
		return errors.New("horizon bars must be positive")
	}
	return nil
}

// Progress is the externally visible run status.
type Progress struct {
	RunID         string    `json:"run_id"`
	State         State     `json:"state"`
	SymbolsDone   int       `json:"symbols_done"`
	SymbolsTotal  int       `json:"symbols_total"`
	BarsFetched   int       `json:"bars_fetched"`
	Observations  int       `json:"observations"`
	MLRows        int       `json:"ml_rows"`
	Errors        int       `json:"errors"`
	LastTimestamp time.Time `json:"last_timestamp"`
	ETA           time.Time `json:"eta"`
	Message       string    `json:"message,omitempty"`
}

// MaxRetainedRuns bounds the in-memory run history.
const MaxRetainedRuns = 64

// Engine executes backfill runs sequentially.
type Engine struct {
	resolver *provider.Resolver
	obs      store.ObservationStore
	rows     store.MLRowStore

	mu       sync.Mutex
	progress Progress
	runs     map[string]Progress
	order    []string
	cancel   context.CancelFunc
	logger   zerolog.Logger
}

// NewEngine creates a backfill engine over the pipeline stores.
func NewEngine(resolver *provider.Resolver, obs store.ObservationStore, rows store.MLRowStore) *Engine {
	return &Engine{
		resolver: resolver,
		obs:      obs,
		rows:     rows,
		runs:     make(map[string]Progress),
		logger:   log.With().Str("component", "backfill").Logger(),
	}
}

// Progress returns a copy of the current run status.
func (e *Engine) Progress() Progress {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.progress
}

// RunStatus returns the status of a run by id.
func (e *Engine) RunStatus(id string) (Progress, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.runs[id]
	return p, ok
}

// Runs lists retained runs, most recent first.
func (e *Engine) Runs() []Progress {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Progress, 0, len(e.order))
	for i := len(e.order) - 1; i >= 0; i-- {
		out = append(out, e.runs[e.order[i]])
	}
	return out
}

// Cancel stops an in-flight run.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
}

// CancelRun cancels the run with the given id. It reports whether the id is
// known; cancelling an already finished run is a no-op.
func (e *Engine) CancelRun(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.runs[id]; !ok {
		return false
	}
	if e.progress.RunID == id && e.cancel != nil {
		e.cancel()
	}
	return true
}

// Run executes the request to completion, returning the final progress.
func (e *Engine) Run(ctx context.Context, req Request) (Progress, error) {
	if err := req.Validate(); err != nil {
		return Progress{State: StateFailed, Message: err.Error()}, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runID := uuid.NewString()
	start := time.Now()
	e.setProgress(Progress{
		RunID:        runID,
		State:        StateRunning,
		SymbolsTotal: len(req.Symbols),
	})
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	e.logger.Info().
		Str("run_id", runID).
		Strs("symbols", req.Symbols).
		Int("days", req.Days).
		Str("timeframe", string(req.Timeframe)).
		Bool("dry_run", req.DryRun).
		Msg("backfill run started")

	builder := indicators.NewBuilderWith(indicators.OHLCVCatalog())
	classifier := regime.NewClassifier(regime.DefaultThresholds())

	for i, symbol := range req.Symbols {
		if err := ctx.Err(); err != nil {
			e.finish(StateCancelled, "run cancelled")
			return e.Progress(), err
		}
		if err := e.backfillSymbol(ctx, req, symbol, builder, classifier); err != nil {
			if errors.Is(err, context.Canceled) {
				e.finish(StateCancelled, "run cancelled")
				return e.Progress(), err
			}
			e.mu.Lock()
			e.progress.Errors++
			e.syncRunLocked()
			e.mu.Unlock()
			e.logger.Error().Err(err).Str("symbol", symbol).Msg("symbol backfill failed")
		}
		e.mu.Lock()
		e.progress.SymbolsDone = i + 1
		elapsed := time.Since(start)
		remaining := len(req.Symbols) - (i + 1)
		if i+1 > 0 && remaining > 0 {
			e.progress.ETA = time.Now().Add(elapsed / time.Duration(i+1) * time.Duration(remaining))
		}
		e.syncRunLocked()
		e.mu.Unlock()
	}

	e.finish(StateDone, "")
	p := e.Progress()
	e.logger.Info().
		Str("run_id", runID).
		Int("observations", p.Observations).
		Int("ml_rows", p.MLRows).
		Int("errors", p.Errors).
		Dur("elapsed", time.Since(start)).
		Msg("backfill run complete")
	return p, nil
}

func (e *Engine) backfillSymbol(ctx context.Context, req Request, symbol string, builder *indicators.Builder, classifier *regime.Classifier) error {
	src, providerID, err := e.candleSource(ctx, req, symbol)
	if err != nil {
		return err
	}

	bar := req.Timeframe.Duration()
	from := time.Now().Add(-time.Duration(req.Days) * 24 * time.Hour).Truncate(bar)

	candles, err := e.fetchAll(ctx, src, symbol, req.Timeframe, from)
	if err != nil {
		return err
	}
	if len(candles) <= WarmupBars {
		return fmt.Errorf("only %d bars for %s, need more than the %d-bar warmup", len(candles), symbol, WarmupBars)
	}

	var obsBatch []market.Observation
	var rowBatch []model.MLRow
	for i := WarmupBars; i < len(candles); i++ {
		window := candles[:i+1]
		c := candles[i]

		values, meta := builder.Build(indicators.Input{Symbol: symbol, Candles: window}, market.SourceBackfill)
		agg := classifier.Aggregates(values, market.CascadeState{})
		reg := classifier.Classify(values, agg, market.CascadeState{})

		obsBatch = append(obsBatch, market.Observation{
			Symbol:     symbol,
			Timeframe:  req.Timeframe,
			Timestamp:  c.OpenTime,
			Price:      market.OHLCV{Open: c.Open, High: c.High, Low: c.Low, Close: c.Close, Volume: c.Volume},
			Indicators: values,
			Meta:       meta,
			Regime:     reg,
			Aggregates: agg,
			Source: market.SourceMeta{
				DataMode:  market.DataModeBackfill,
				Providers: []string{providerID},
			},
		})

		// Coarse outcome: pair with the bar at +horizon when it exists.
		if j := i + req.HorizonBars; j < len(candles) && c.Close > 0 {
			future := candles[j]
			ret := (future.Close - c.Close) / c.Close
			rowBatch = append(rowBatch, model.MLRow{
				Symbol:      symbol,
				Horizon:     horizonForBars(req.HorizonBars, bar),
				T0:          c.OpenTime,
				T1:          future.OpenTime,
				HorizonBars: req.HorizonBars,
				Features:    featureVector(values),
				Label:       labelReturn(ret),
				DataMode:    string(market.DataModeBackfill),
			})
		}
	}

	e.mu.Lock()
	e.progress.BarsFetched += len(candles)
	e.progress.LastTimestamp = candles[len(candles)-1].OpenTime
	e.syncRunLocked()
	e.mu.Unlock()

	if req.DryRun {
		e.logger.Info().Str("symbol", symbol).
			Int("observations", len(obsBatch)).Int("ml_rows", len(rowBatch)).
			Msg("dry run, nothing written")
		return nil
	}

	if err := e.obs.InsertBatch(ctx, obsBatch); err != nil {
		return fmt.Errorf("store observations for %s: %w", symbol, err)
	}
	if err := e.rows.AppendBatch(ctx, rowBatch); err != nil {
		return fmt.Errorf("store ml rows for %s: %w", symbol, err)
	}
	e.mu.Lock()
	e.progress.Observations += len(obsBatch)
	e.progress.MLRows += len(rowBatch)
	e.syncRunLocked()
	e.mu.Unlock()
	return nil
}

// candleSource picks the provider and requires historical paging support.
func (e *Engine) candleSource(ctx context.Context, req Request, symbol string) (provider.HistoricalCandles, string, error) {
	var p provider.Provider
	if req.Provider != "" {
		entry, err := e.resolver.Registry().Get(req.Provider)
		if err != nil {
			return nil, "", fmt.Errorf("unknown provider %q", req.Provider)
		}
		p = entry.Provider
	} else {
		p = e.resolver.Resolve(ctx, symbol)
	}
	src, ok := p.(provider.HistoricalCandles)
	if !ok {
		return nil, "", fmt.Errorf("provider %s cannot serve historical candles", p.ID())
	}
	return src, p.ID(), nil
}

// fetchAll pages candles forward in chunks; throttled fetches pause at least
// RateLimitPause before retrying the same chunk.
func (e *Engine) fetchAll(ctx context.Context, src provider.HistoricalCandles, symbol string, tf market.Timeframe, from time.Time) ([]market.Candle, error) {
	bar := tf.Duration()
	var all []market.Candle
	cursor := from
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chunk, err := src.GetCandlesSince(ctx, symbol, tf, cursor, ChunkSize)
		if err != nil {
			var perr *provider.Error
			if errors.As(err, &perr) && perr.RateLimited {
				e.setState(StatePaused, "rate limited, pausing")
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(RateLimitPause):
				}
				e.setState(StateRunning, "")
				continue
			}
			return nil, fmt.Errorf("fetch candles for %s: %w", symbol, err)
		}
		if len(chunk) == 0 {
			break
		}
		all = append(all, chunk...)
		last := chunk[len(chunk)-1].OpenTime
		cursor = last.Add(bar)
		if len(chunk) < ChunkSize || !cursor.Before(time.Now().Truncate(bar)) {
			break
		}
	}
	return all, nil
}

func (e *Engine) setProgress(p Progress) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.progress = p
	e.syncRunLocked()
}

func (e *Engine) setState(s State, msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.progress.State = s
	e.progress.Message = msg
	e.syncRunLocked()
}

func (e *Engine) finish(s State, msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.progress.State = s
	e.progress.Message = msg
	e.cancel = nil
	e.syncRunLocked()
}

// syncRunLocked mirrors the current progress into the run history, evicting
// the oldest entry past MaxRetainedRuns. Caller holds e.mu.
func (e *Engine) syncRunLocked() {
	id := e.progress.RunID
	if id == "" {
		return
	}
	if _, ok := e.runs[id]; !ok {
		e.order = append(e.order, id)
		if len(e.order) > MaxRetainedRuns {
			delete(e.runs, e.order[0])
			e.order = e.order[1:]
		}
	}
	e.runs[id] = e.progress
}

// featureVector flattens the indicator snapshot into the row feature map,
// preferring normalized values when present.
func featureVector(values map[string]market.IndicatorValue) map[string]float64 {
	out := make(map[string]float64, len(values))
	for id, v := range values {
		if v.Normalized != nil {
			out[id] = *v.Normalized
		} else {
			out[id] = v.Value
		}
	}
	return out
}

// labelReturn maps a realized return onto the class labels.
func labelReturn(ret float64) int {
	switch {
	case ret > LabelEpsilon:
		return model.ClassWin
	case ret < -LabelEpsilon:
		return model.ClassLoss
	default:
		return model.ClassNeutral
	}
}

// horizonForBars maps a bar count to the nearest named horizon.
func horizonForBars(bars int, bar time.Duration) model.Horizon {
	span := time.Duration(bars) * bar
	best := model.Horizon1D
	bestDiff := math.MaxFloat64
	for _, h := range model.Horizons {
		diff := math.Abs(h.Duration().Hours() - span.Hours())
		if diff < bestDiff {
			bestDiff = diff
			best = h
		}
	}
	return best
}
