package train

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/derivwatch/derivwatch/internal/model"
	"github.com/derivwatch/derivwatch/internal/store"
	"github.com/derivwatch/derivwatch/internal/store/memory"
)

// syntheticRows builds a separable dataset: the "signal" feature decides the
// label, "noise" carries a deterministic wave.
func syntheticRows(n int) []model.MLRow {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := make([]model.MLRow, 0, n)
	for i := 0; i < n; i++ {
		signal := math.Sin(float64(i) / 3)
		label := model.ClassNeutral
		if signal > 0.3 {
			label = model.ClassWin
		} else if signal < -0.3 {
			label = model.ClassLoss
		}
		rows = append(rows, model.MLRow{
			Symbol:      "BTCUSDT",
			Horizon:     model.Horizon1D,
			T0:          base.Add(time.Duration(i) * time.Hour),
			T1:          base.Add(time.Duration(i+24) * time.Hour),
			HorizonBars: 24,
			Features: map[string]float64{
				"signal": signal,
				"noise":  math.Cos(float64(i) / 7),
			},
			Label:    label,
			DataMode: string("LIVE"),
		})
	}
	return rows
}

func seedTrainer(t *testing.T, n int) (*Trainer, *memory.EventStore, store.TimeRange) {
	t.Helper()
	rows := memory.NewMLRowStore()
	require.NoError(t, rows.AppendBatch(context.Background(), syntheticRows(n)))
	events := memory.NewEventStore()
	return New(rows, memory.NewModelStore(), events), events, store.TimeRange{
		From: time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestTrain_CompletesAndLearns(t *testing.T) {
	trainer, events, tr := seedTrainer(t, 400)

	run, err := trainer.Train(context.Background(), model.Horizon1D, tr, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, run.State)
	require.NotEmpty(t, run.ModelID)
	require.NotNil(t, run.FinishedAt)

	m, err := trainer.models.GetModel(context.Background(), run.ModelID)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, model.StatusReady, m.Status)
	assert.Equal(t, 1, m.Version)
	assert.Equal(t, 400, m.Stats.Rows)
	assert.Greater(t, m.Test.Accuracy, 0.70, "separable dataset should be learned")
	assert.Less(t, m.Test.Brier, 0.5)
	require.NotNil(t, m.Test.AUC)
	assert.Greater(t, *m.Test.AUC, 0.7)
	assert.Equal(t, []string{"noise", "signal"}, m.Features.Features)

	ev, err := events.LastOfType(context.Background(), model.EventTrainingDone, model.Horizon1D)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, m.ID, ev.ToModelID)
}

func TestTrain_Deterministic(t *testing.T) {
	trainer1, _, tr := seedTrainer(t, 300)
	trainer2, _, _ := seedTrainer(t, 300)

	run1, err := trainer1.Train(context.Background(), model.Horizon1D, tr, DefaultConfig())
	require.NoError(t, err)
	run2, err := trainer2.Train(context.Background(), model.Horizon1D, tr, DefaultConfig())
	require.NoError(t, err)

	m1, err := trainer1.models.GetModel(context.Background(), run1.ModelID)
	require.NoError(t, err)
	m2, err := trainer2.models.GetModel(context.Background(), run2.ModelID)
	require.NoError(t, err)

	b1, err := msgpack.Marshal(m1.Artifact)
	require.NoError(t, err)
	b2, err := msgpack.Marshal(m2.Artifact)
	require.NoError(t, err)
	assert.Equal(t, b1, b2, "same dataset, config and seed must produce identical artifact bytes")
}

func TestTrain_SeedChangesArtifact(t *testing.T) {
	trainer1, _, tr := seedTrainer(t, 300)
	trainer2, _, _ := seedTrainer(t, 300)

	cfg2 := DefaultConfig()
	cfg2.Logistic.Seed = 7

	run1, err := trainer1.Train(context.Background(), model.Horizon1D, tr, DefaultConfig())
	require.NoError(t, err)
	run2, err := trainer2.Train(context.Background(), model.Horizon1D, tr, cfg2)
	require.NoError(t, err)

	m1, _ := trainer1.models.GetModel(context.Background(), run1.ModelID)
	m2, _ := trainer2.models.GetModel(context.Background(), run2.ModelID)
	assert.NotEqual(t, m1.Artifact.Weights, m2.Artifact.Weights)
}

func TestTrain_UnsupportedAlgorithmFails(t *testing.T) {
	trainer, _, tr := seedTrainer(t, 300)

	cfg := DefaultConfig()
	cfg.Algorithm = model.AlgoRandomForest
	run, err := trainer.Train(context.Background(), model.Horizon1D, tr, cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
	assert.Equal(t, model.RunFailed, run.State)
	assert.Contains(t, run.Error, "UNSUPPORTED_ALGORITHM")
}

func TestTrain_TooFewRowsFails(t *testing.T) {
	trainer, _, tr := seedTrainer(t, 10)

	run, err := trainer.Train(context.Background(), model.Horizon1D, tr, DefaultConfig())
	require.Error(t, err)
	assert.Equal(t, model.RunFailed, run.State)
}

func TestTemporalSplit_Ordering(t *testing.T) {
	rows := syntheticRows(100)
	train, val, test := temporalSplit(rows, 0.7, 0.15)

	assert.Len(t, train, 70)
	assert.Len(t, val, 15)
	assert.Len(t, test, 15)
	assert.True(t, train[len(train)-1].T0.Before(val[0].T0))
	assert.True(t, val[len(val)-1].T0.Before(test[0].T0))
}

func TestPredict_ReplaysFeatureConfig(t *testing.T) {
	trainer, _, tr := seedTrainer(t, 300)
	run, err := trainer.Train(context.Background(), model.Horizon1D, tr, DefaultConfig())
	require.NoError(t, err)
	m, err := trainer.models.GetModel(context.Background(), run.ModelID)
	require.NoError(t, err)

	probs, err := Predict(m, map[string]float64{"signal": 0.9, "noise": 0.1})
	require.NoError(t, err)
	require.Len(t, probs, model.NumClasses)
	var sum float64
	for _, p := range probs {
		sum += p
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
	assert.Equal(t, model.ClassWin, argmax(probs), "high signal should predict WIN")

	down, err := Predict(m, map[string]float64{"signal": -0.9})
	require.NoError(t, err)
	assert.Equal(t, model.ClassLoss, argmax(down))
}

func TestEvaluate_PerfectPredictions(t *testing.T) {
	probs := [][]float64{
		{0.9, 0.05, 0.05},
		{0.05, 0.9, 0.05},
		{0.05, 0.05, 0.9},
		{0.8, 0.1, 0.1},
	}
	y := []int{model.ClassLoss, model.ClassWin, model.ClassNeutral, model.ClassLoss}
	m := evaluate(probs, y)

	assert.Equal(t, 1.0, m.Accuracy)
	assert.Equal(t, 4, m.Samples)
	assert.Equal(t, 2, m.Confusion[model.ClassLoss][model.ClassLoss])
	assert.Equal(t, 1.0, m.PerClass[model.ClassWin].Precision)
	assert.Equal(t, 1.0, m.PerClass[model.ClassWin].Recall)
	assert.Less(t, m.Brier, 0.1)
	require.NotNil(t, m.AUC)
	assert.Equal(t, 1.0, *m.AUC)
}

func TestWinAUC_UndefinedWithoutBothClasses(t *testing.T) {
	probs := [][]float64{{0.1, 0.8, 0.1}, {0.2, 0.7, 0.1}}
	_, ok := winAUC(probs, []int{model.ClassWin, model.ClassWin})
	assert.False(t, ok)
}

func TestFit_CancelledBetweenEpochs(t *testing.T) {
	X := [][]float64{{1, 0}, {0, 1}, {1, 1}, {0, 0}}
	y := []int{model.ClassWin, model.ClassLoss, model.ClassWin, model.ClassNeutral}

	ctx, cancel := context.WithCancel(context.Background())
	clf := newLogistic(2)
	var epochs int
	err := clf.fit(ctx, X, y, X, y, DefaultLogisticConfig(), func(epoch int, _ float64) {
		epochs++
		if epoch == 1 {
			cancel()
		}
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, epochs, "no epoch runs after cancellation")
}

func TestTrain_CancelledRunWritesNoModel(t *testing.T) {
	trainer, _, tr := seedTrainer(t, 400)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := trainer.Train(ctx, model.Horizon1D, tr, DefaultConfig())
	require.Error(t, err)
	require.NotNil(t, run)
	assert.Equal(t, model.RunCancelled, run.State)
	assert.Empty(t, run.ModelID, "a cancelled run leaves no artifact behind")
}
