// Package train fits models over the dataset rows and persists the result.
package train

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/stat"

	"github.com/derivwatch/derivwatch/internal/metrics"
	"github.com/derivwatch/derivwatch/internal/model"
	"github.com/derivwatch/derivwatch/internal/store"
)

// FeatureVersion tags the feature extraction scheme baked into rows.
const FeatureVersion = 1

// MinRows is the smallest dataset worth fitting.
const MinRows = 50

// Config tunes one training invocation.
type Config struct {
	Algorithm  model.Algorithm `yaml:"algorithm"`
	TrainRatio float64         `yaml:"train_ratio"`
	ValRatio   float64         `yaml:"val_ratio"`
	Logistic   LogisticConfig  `yaml:"logistic"`
	Thresholds model.Thresholds `yaml:"thresholds"`
}

// DefaultConfig returns the 70/15/15 logistic setup.
func DefaultConfig() Config {
	return Config{
		Algorithm:  model.AlgoLogisticRegression,
		TrainRatio: 0.70,
		ValRatio:   0.15,
		Logistic:   DefaultLogisticConfig(),
		Thresholds: model.DefaultThresholds(),
	}
}

// Trainer runs training jobs against the store.
type Trainer struct {
	rows   store.MLRowStore
	models store.ModelStore
	events store.EventStore
	logger zerolog.Logger
}

// New creates a trainer over the persistence layer.
func New(rows store.MLRowStore, models store.ModelStore, events store.EventStore) *Trainer {
	return &Trainer{
		rows:   rows,
		models: models,
		events: events,
		logger: log.With().Str("component", "trainer").Logger(),
	}
}

// Train executes the full run state machine for one horizon and returns the
// completed run. The run document is persisted at every transition so
// observers can poll progress.
func (t *Trainer) Train(ctx context.Context, horizon model.Horizon, tr store.TimeRange, cfg Config) (*model.TrainingRun, error) {
	run := model.TrainingRun{
		ID:        uuid.NewString(),
		Horizon:   horizon,
		Algorithm: cfg.Algorithm,
		State:     model.RunQueued,
		StartedAt: time.Now().UTC(),
	}
	if err := t.models.SaveRun(ctx, run); err != nil {
		return nil, err
	}

	finish := func(state model.RunState, trainErr error) (*model.TrainingRun, error) {
		now := time.Now().UTC()
		run.State = state
		run.FinishedAt = &now
		if trainErr != nil {
			run.Error = trainErr.Error()
		}
		if err := t.models.SaveRun(ctx, run); err != nil {
			t.logger.Error().Err(err).Str("run_id", run.ID).Msg("persist run state failed")
		}
		metrics.RecordTrainingRun(string(horizon), string(state))
		return &run, trainErr
	}

	if cfg.Algorithm != model.AlgoLogisticRegression {
		return finish(model.RunFailed, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, cfg.Algorithm))
	}

	run.State = model.RunRunning
	t.phase(ctx, &run, model.PhaseLoading, 5, "loading dataset")

	rows, err := t.rows.ListByHorizon(ctx, horizon, tr, 0)
	if err != nil {
		return finish(model.RunFailed, err)
	}
	if len(rows) < MinRows {
		return finish(model.RunFailed, fmt.Errorf("dataset too small: %d rows, need %d", len(rows), MinRows))
	}
	if err := ctx.Err(); err != nil {
		return finish(model.RunCancelled, err)
	}

	t.phase(ctx, &run, model.PhaseSplitting, 15, "temporal split")
	featureIDs := featureUnion(rows)
	trainRows, valRows, testRows := temporalSplit(rows, cfg.TrainRatio, cfg.ValRatio)

	norms := fitNorms(trainRows, featureIDs)
	trainX, trainY := vectorize(trainRows, featureIDs, norms)
	valX, valY := vectorize(valRows, featureIDs, norms)
	testX, testY := vectorize(testRows, featureIDs, norms)

	t.phase(ctx, &run, model.PhaseTraining, 25, fmt.Sprintf("fitting %d rows", len(trainRows)))
	clf := newLogistic(len(featureIDs))
	err = clf.fit(ctx, trainX, trainY, valX, valY, cfg.Logistic, func(epoch int, valLoss float64) {
		pct := 25 + 55*float64(epoch+1)/float64(cfg.Logistic.Epochs)
		run.Progress = model.Progress{Phase: model.PhaseTraining, Percent: pct,
			Message: fmt.Sprintf("epoch %d val_loss %.4f", epoch, valLoss)}
	})
	if err != nil {
		return finish(model.RunCancelled, err)
	}

	t.phase(ctx, &run, model.PhaseEvaluating, 85, "evaluating")
	valMetrics := evaluate(predictAll(clf, valX), valY)
	testMetrics := evaluate(predictAll(clf, testX), testY)

	t.phase(ctx, &run, model.PhaseSaving, 95, "saving model")
	version, err := t.models.NextVersion(ctx, horizon)
	if err != nil {
		return finish(model.RunFailed, err)
	}

	m := model.Model{
		ID:        fmt.Sprintf("%s-v%d-%s", horizon, version, run.ID[:8]),
		Horizon:   horizon,
		Version:   version,
		Algorithm: cfg.Algorithm,
		Status:    model.StatusReady,
		RunID:     run.ID,
		Stats: model.DatasetStats{
			Rows:       len(rows),
			TrainRows:  len(trainRows),
			ValRows:    len(valRows),
			TestRows:   len(testRows),
			ClassCount: classCounts(rows),
			From:       rows[0].T0,
			To:         rows[len(rows)-1].T0,
		},
		Validation: valMetrics,
		Test:       testMetrics,
		Artifact:   clf.artifact(),
		Thresholds: cfg.Thresholds,
		Features: model.FeatureConfig{
			Version:  FeatureVersion,
			Features: featureIDs,
			Norms:    norms,
		},
		TrainedAt: time.Now().UTC(),
	}
	if err := t.models.SaveModel(ctx, m); err != nil {
		return finish(model.RunFailed, err)
	}
	run.ModelID = m.ID
	run.Progress = model.Progress{Phase: model.PhaseSaving, Percent: 100}

	if err := t.events.Append(ctx, model.Event{
		Type:      model.EventTrainingDone,
		Horizon:   horizon,
		ToModelID: m.ID,
		Meta: map[string]any{
			"version":  version,
			"rows":     len(rows),
			"accuracy": testMetrics.Accuracy,
		},
	}); err != nil {
		t.logger.Warn().Err(err).Msg("training event append failed")
	}

	t.logger.Info().
		Str("run_id", run.ID).
		Str("model_id", m.ID).
		Int("version", version).
		Float64("test_accuracy", testMetrics.Accuracy).
		Float64("test_brier", testMetrics.Brier).
		Msg("training complete")
	return finish(model.RunCompleted, nil)
}

// Predict scores a feature map with a stored model, replaying its feature
// config exactly.
func Predict(m *model.Model, features map[string]float64) ([]float64, error) {
	clf, err := logisticFromArtifact(m.Artifact)
	if err != nil {
		return nil, err
	}
	x := make([]float64, len(m.Features.Features))
	for i, id := range m.Features.Features {
		v := features[id] // absent features read as 0 before normalization
		n := m.Features.Norms[id]
		if n.Std > 0 {
			v = (v - n.Mean) / n.Std
		}
		x[i] = v
	}
	return clf.predict(x), nil
}

func (t *Trainer) phase(ctx context.Context, run *model.TrainingRun, phase model.Phase, pct float64, msg string) {
	run.Progress = model.Progress{Phase: phase, Percent: pct, Message: msg}
	if err := t.models.SaveRun(ctx, *run); err != nil {
		t.logger.Warn().Err(err).Str("run_id", run.ID).Msg("persist progress failed")
	}
}

// temporalSplit slices rows (already ordered by T0) so train precedes
// validation precedes test; no shuffling across the boundary.
func temporalSplit(rows []model.MLRow, trainRatio, valRatio float64) (train, val, test []model.MLRow) {
	n := len(rows)
	trainEnd := int(float64(n) * trainRatio)
	valEnd := trainEnd + int(float64(n)*valRatio)
	if trainEnd < 1 {
		trainEnd = 1
	}
	if valEnd <= trainEnd {
		valEnd = trainEnd + 1
	}
	if valEnd >= n {
		valEnd = n - 1
	}
	return rows[:trainEnd], rows[trainEnd:valEnd], rows[valEnd:]
}

// featureUnion returns the sorted union of feature ids across rows so the
// vector layout is stable regardless of per-row sparsity.
func featureUnion(rows []model.MLRow) []string {
	seen := make(map[string]bool)
	for _, r := range rows {
		for id := range r.Features {
			seen[id] = true
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// fitNorms computes per-feature standardization on the training split only.
func fitNorms(trainRows []model.MLRow, featureIDs []string) map[string]model.FeatureNorm {
	norms := make(map[string]model.FeatureNorm, len(featureIDs))
	values := make([]float64, 0, len(trainRows))
	for _, id := range featureIDs {
		values = values[:0]
		for _, r := range trainRows {
			values = append(values, r.Features[id])
		}
		mean, std := stat.MeanStdDev(values, nil)
		if std != std || std == 0 { // NaN guard for constant features
			std = 0
		}
		norms[id] = model.FeatureNorm{Mean: mean, Std: std}
	}
	return norms
}

func vectorize(rows []model.MLRow, featureIDs []string, norms map[string]model.FeatureNorm) ([][]float64, []int) {
	X := make([][]float64, len(rows))
	y := make([]int, len(rows))
	for i, r := range rows {
		x := make([]float64, len(featureIDs))
		for j, id := range featureIDs {
			v := r.Features[id]
			n := norms[id]
			if n.Std > 0 {
				v = (v - n.Mean) / n.Std
			}
			x[j] = v
		}
		X[i] = x
		y[i] = r.Label
	}
	return X, y
}

func predictAll(clf *logistic, X [][]float64) [][]float64 {
	out := make([][]float64, len(X))
	for i, x := range X {
		out[i] = clf.predict(x)
	}
	return out
}

func classCounts(rows []model.MLRow) [model.NumClasses]int {
	var counts [model.NumClasses]int
	for _, r := range rows {
		if r.Label >= 0 && r.Label < model.NumClasses {
			counts[r.Label]++
		}
	}
	return counts
}
