package modelreg

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/derivwatch/derivwatch/internal/model"
	"github.com/derivwatch/derivwatch/internal/store"
	"github.com/derivwatch/derivwatch/internal/store/memory"
)

func testModel(id string, h model.Horizon, version int, accuracy float64) model.Model {
	return model.Model{
		ID: id, Horizon: h, Version: version,
		Algorithm: model.AlgoLogisticRegression,
		Status:    model.StatusReady,
		Test:      model.Metrics{Accuracy: accuracy},
		Artifact: model.Artifact{
			Algorithm: model.AlgoLogisticRegression,
			Weights:   [][]float64{{1}, {2}, {3}},
			Bias:      []float64{0, 0, 0},
		},
		TrainedAt: time.Now(),
	}
}

func newRegistry(t *testing.T) (*Registry, *memory.ModelStore, *memory.EventStore) {
	t.Helper()
	models := memory.NewModelStore()
	events := memory.NewEventStore()
	return New(memory.NewRegistryStore(), models, events), models, events
}

func TestPromote_FirstAndSecond(t *testing.T) {
	ctx := context.Background()
	reg, models, events := newRegistry(t)

	require.NoError(t, models.SaveModel(ctx, testModel("m-1", model.Horizon1D, 1, 0.6)))
	require.NoError(t, models.SaveModel(ctx, testModel("m-2", model.Horizon1D, 2, 0.65)))

	require.NoError(t, reg.Promote(ctx, model.Horizon1D, "m-1"))
	st, err := reg.State(ctx, model.Horizon1D)
	require.NoError(t, err)
	assert.Equal(t, "m-1", st.ActiveModelID)
	assert.Empty(t, st.PrevModelID, "first promotion has no predecessor")
	assert.Equal(t, 1, st.Promotions)

	require.NoError(t, reg.Promote(ctx, model.Horizon1D, "m-2"))
	st, err = reg.State(ctx, model.Horizon1D)
	require.NoError(t, err)
	assert.Equal(t, "m-2", st.ActiveModelID)
	assert.Equal(t, 2, st.ActiveVersion)
	assert.Equal(t, "m-1", st.PrevModelID)
	assert.Equal(t, 1, st.PrevVersion)
	assert.Equal(t, 2, st.Promotions)

	retired, err := models.GetModel(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRetired, retired.Status)
	require.NotNil(t, retired.RetiredAt)

	active, err := models.GetModel(ctx, "m-2")
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, active.Status)

	evs, err := events.List(ctx, store.EventQuery{Type: model.EventPromoted, Horizon: model.Horizon1D})
	require.NoError(t, err)
	assert.Len(t, evs, 2)
	assert.Equal(t, "m-1", evs[0].FromModelID)
	assert.Equal(t, "m-2", evs[0].ToModelID)
}

func TestPromote_Errors(t *testing.T) {
	ctx := context.Background()
	reg, models, _ := newRegistry(t)
	require.NoError(t, models.SaveModel(ctx, testModel("m-1", model.Horizon1D, 1, 0.6)))
	require.NoError(t, models.SaveModel(ctx, testModel("m-7d", model.Horizon7D, 1, 0.6)))

	assert.Error(t, reg.Promote(ctx, model.Horizon1D, "absent"))
	assert.Error(t, reg.Promote(ctx, model.Horizon1D, "m-7d"), "horizon mismatch")

	require.NoError(t, reg.Promote(ctx, model.Horizon1D, "m-1"))
	assert.ErrorIs(t, reg.Promote(ctx, model.Horizon1D, "m-1"), ErrAlreadyActive)
}

func TestRollback_SwapsActiveAndPrev(t *testing.T) {
	ctx := context.Background()
	reg, models, events := newRegistry(t)

	require.NoError(t, models.SaveModel(ctx, testModel("m-1", model.Horizon1D, 1, 0.61)))
	require.NoError(t, models.SaveModel(ctx, testModel("m-2", model.Horizon1D, 2, 0.55)))
	require.NoError(t, reg.Promote(ctx, model.Horizon1D, "m-1"))
	require.NoError(t, reg.Promote(ctx, model.Horizon1D, "m-2"))

	require.NoError(t, reg.Rollback(ctx, model.Horizon1D, "STREAK_KILLER: 8 consecutive losses"))

	st, err := reg.State(ctx, model.Horizon1D)
	require.NoError(t, err)
	assert.Equal(t, "m-1", st.ActiveModelID)
	assert.Equal(t, 1, st.ActiveVersion, "restored model keeps its stored version")
	assert.Equal(t, "m-2", st.PrevModelID, "retired model id equals the model active just prior")
	assert.Equal(t, 1, st.Rollbacks)

	restored, err := reg.Active(ctx, model.Horizon1D)
	require.NoError(t, err)
	assert.Equal(t, 0.61, restored.Test.Accuracy, "restored metrics are the stored ones")
	assert.Equal(t, model.StatusActive, restored.Status)

	demoted, err := models.GetModel(ctx, "m-2")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRetired, demoted.Status)

	ev, err := events.LastOfType(ctx, model.EventRolledBack, model.Horizon1D)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Contains(t, ev.Reason, "STREAK_KILLER")
}

func TestRollback_RequiresPrev(t *testing.T) {
	ctx := context.Background()
	reg, models, _ := newRegistry(t)
	require.NoError(t, models.SaveModel(ctx, testModel("m-1", model.Horizon1D, 1, 0.6)))
	require.NoError(t, reg.Promote(ctx, model.Horizon1D, "m-1"))

	assert.ErrorIs(t, reg.Rollback(ctx, model.Horizon1D, "why not"), ErrNoPrev)
}

func TestShadow_SetAndClear(t *testing.T) {
	ctx := context.Background()
	reg, models, events := newRegistry(t)
	require.NoError(t, models.SaveModel(ctx, testModel("m-1", model.Horizon1D, 1, 0.6)))
	require.NoError(t, models.SaveModel(ctx, testModel("m-2", model.Horizon1D, 2, 0.62)))
	require.NoError(t, reg.Promote(ctx, model.Horizon1D, "m-1"))

	assert.Error(t, reg.SetShadow(ctx, model.Horizon1D, "m-1"), "active cannot shadow itself")
	require.NoError(t, reg.SetShadow(ctx, model.Horizon1D, "m-2"))

	shadow, err := reg.Shadow(ctx, model.Horizon1D)
	require.NoError(t, err)
	assert.Equal(t, "m-2", shadow.ID)
	assert.Equal(t, model.StatusShadow, shadow.Status)

	// Setting the same shadow again must not emit a second event.
	require.NoError(t, reg.SetShadow(ctx, model.Horizon1D, "m-2"))
	evs, err := events.List(ctx, store.EventQuery{Type: model.EventShadowSet, Horizon: model.Horizon1D})
	require.NoError(t, err)
	assert.Len(t, evs, 1)

	require.NoError(t, reg.ClearShadow(ctx, model.Horizon1D))
	shadow, err = reg.Shadow(ctx, model.Horizon1D)
	require.NoError(t, err)
	assert.Nil(t, shadow)

	// Clearing an empty slot is silent.
	require.NoError(t, reg.ClearShadow(ctx, model.Horizon1D))
	cleared, err := events.List(ctx, store.EventQuery{Type: model.EventShadowCleared, Horizon: model.Horizon1D})
	require.NoError(t, err)
	assert.Len(t, cleared, 1)
}

func TestPromote_ShadowPromotionClearsShadowSlot(t *testing.T) {
	ctx := context.Background()
	reg, models, _ := newRegistry(t)
	require.NoError(t, models.SaveModel(ctx, testModel("m-1", model.Horizon1D, 1, 0.6)))
	require.NoError(t, models.SaveModel(ctx, testModel("m-2", model.Horizon1D, 2, 0.62)))
	require.NoError(t, reg.Promote(ctx, model.Horizon1D, "m-1"))
	require.NoError(t, reg.SetShadow(ctx, model.Horizon1D, "m-2"))

	require.NoError(t, reg.Promote(ctx, model.Horizon1D, "m-2"))
	st, err := reg.State(ctx, model.Horizon1D)
	require.NoError(t, err)
	assert.Equal(t, "m-2", st.ActiveModelID)
	assert.Empty(t, st.ShadowModelID)
}

func TestPromote_ConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	reg, models, events := newRegistry(t)
	require.NoError(t, models.SaveModel(ctx, testModel("m-1", model.Horizon1D, 1, 0.6)))
	require.NoError(t, models.SaveModel(ctx, testModel("m-2", model.Horizon1D, 2, 0.62)))
	require.NoError(t, reg.Promote(ctx, model.Horizon1D, "m-1"))

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = reg.Promote(ctx, model.Horizon1D, "m-2")
		}(i)
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
		} else {
			require.ErrorIs(t, err, ErrAlreadyActive, fmt.Sprintf("unexpected error: %v", err))
		}
	}
	assert.Equal(t, 1, ok, "exactly one concurrent promote may succeed")

	st, err := reg.State(ctx, model.Horizon1D)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Promotions)

	evs, err := events.List(ctx, store.EventQuery{Type: model.EventPromoted, Horizon: model.Horizon1D})
	require.NoError(t, err)
	assert.Len(t, evs, 2, "one initial promotion plus exactly one concurrent winner")
}
