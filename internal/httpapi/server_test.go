package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/derivwatch/derivwatch/internal/backfill"
	"github.com/derivwatch/derivwatch/internal/lifecycle"
	"github.com/derivwatch/derivwatch/internal/market"
	"github.com/derivwatch/derivwatch/internal/model"
	"github.com/derivwatch/derivwatch/internal/modelreg"
	"github.com/derivwatch/derivwatch/internal/provider"
	"github.com/derivwatch/derivwatch/internal/store/memory"
)

func testServer(t *testing.T) (*Server, *memory.ModelStore, *lifecycle.Guardrails) {
	t.Helper()
	st := memory.NewStore()
	models := st.Models.(*memory.ModelStore)
	guards := lifecycle.NewGuardrails(lifecycle.DefaultGuardrailConfig(), st.Events)
	registry := modelreg.New(st.Registry, st.Models, st.Events)
	return New(DefaultConfig(), Deps{
		Store:    st,
		Registry: registry,
		Guards:   guards,
	}), models, guards
}

func seedObservation(t *testing.T, s *Server, symbol string, ts time.Time) {
	t.Helper()
	require.NoError(t, s.deps.Store.Observations.Insert(context.Background(), market.Observation{
		Symbol:    symbol,
		Timeframe: market.Timeframe5m,
		Timestamp: ts,
		Price:     market.OHLCV{Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 1200},
		Indicators: map[string]market.IndicatorValue{
			"rsi_14": {Value: 55, Category: market.CategoryMomentum},
			"adx_14": {Value: 30, Category: market.CategoryPriceStructure},
		},
		Meta:   market.IndicatorsMeta{Completeness: 0.9, Count: 2, Source: market.SourcePolling},
		Regime: market.Regime{Type: market.RegimeRange, Confidence: 0.6},
	}))
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestObservations_LatestAndList(t *testing.T) {
	s, _, _ := testServer(t)
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		seedObservation(t, s, "BTCUSDT", base.Add(time.Duration(i)*5*time.Minute))
	}

	rec := do(t, s, "GET", "/api/v1/observations/latest?symbol=btcusdt", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var obs market.Observation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &obs))
	assert.Equal(t, "BTCUSDT", obs.Symbol, "symbol is normalized")
	assert.Equal(t, base.Add(10*time.Minute), obs.Timestamp.UTC())

	rec = do(t, s, "GET", "/api/v1/observations/latest?symbol=NOPE", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, "GET", "/api/v1/observations/latest", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	from := base.UnixMilli()
	to := base.Add(6 * time.Minute).UnixMilli()
	rec = do(t, s, "GET",
		fmt.Sprintf("/api/v1/observations?symbol=BTCUSDT&from=%d&to=%d", from, to), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var listResp struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listResp))
	assert.Equal(t, 2, listResp.Count)
}

func TestIndicators_SnapshotSingleAndBatch(t *testing.T) {
	s, _, _ := testServer(t)
	seedObservation(t, s, "BTCUSDT", time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))

	rec := do(t, s, "GET", "/api/v1/indicators/BTCUSDT", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap indicatorSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Len(t, snap.Indicators, 2)

	rec = do(t, s, "GET", "/api/v1/indicators/BTCUSDT?category=momentum", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var filtered indicatorSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &filtered))
	assert.Len(t, filtered.Indicators, 1)
	assert.Contains(t, filtered.Indicators, "rsi_14")

	rec = do(t, s, "GET", "/api/v1/indicators/BTCUSDT/rsi_14", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, s, "GET", "/api/v1/indicators/BTCUSDT/nope_99", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, "POST", "/api/v1/indicators/batch", `{"symbols":["BTCUSDT","ETHUSDT"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var batch struct {
		Snapshots map[string]json.RawMessage `json:"snapshots"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &batch))
	assert.Len(t, batch.Snapshots, 2)
	assert.Equal(t, "null", string(batch.Snapshots["ETHUSDT"]), "missing symbols degrade to null")

	eleven := `{"symbols":["A","B","C","D","E","F","G","H","I","J","K"]}`
	rec = do(t, s, "POST", "/api/v1/indicators/batch", eleven)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func registryModel(id string, version int) model.Model {
	return model.Model{
		ID: id, Horizon: model.Horizon1D, Version: version,
		Algorithm: model.AlgoLogisticRegression,
		Status:    model.StatusReady,
		Artifact: model.Artifact{
			Algorithm: model.AlgoLogisticRegression,
			Weights:   [][]float64{{1}, {1}, {1}},
			Bias:      []float64{0, 0, 0},
		},
		TrainedAt: time.Now(),
	}
}

func TestRegistry_PromoteRollbackShadowOverHTTP(t *testing.T) {
	s, models, _ := testServer(t)
	ctx := context.Background()
	require.NoError(t, models.SaveModel(ctx, registryModel("m-1", 1)))
	require.NoError(t, models.SaveModel(ctx, registryModel("m-2", 2)))

	rec := do(t, s, "POST", "/api/v1/registry/1D/promote", `{"model_id":"m-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, "POST", "/api/v1/registry/1D/promote", `{"model_id":"m-1"}`)
	assert.Equal(t, http.StatusConflict, rec.Code, "repeat promotion conflicts")

	rec = do(t, s, "POST", "/api/v1/registry/1D/shadow", `{"model_id":"m-2"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var st model.RegistryState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "m-2", st.ShadowModelID)

	rec = do(t, s, "DELETE", "/api/v1/registry/1D/shadow", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, "POST", "/api/v1/registry/1D/rollback", `{"reason":"manual"}`)
	assert.Equal(t, http.StatusConflict, rec.Code, "no previous model yet")

	rec = do(t, s, "POST", "/api/v1/registry/1D/promote", `{"model_id":"m-2"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, s, "POST", "/api/v1/registry/1D/rollback", `{"reason":"manual check"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "m-1", st.ActiveModelID)

	rec = do(t, s, "GET", "/api/v1/registry/99D", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegistry_KillSwitchBlocksControlEndpoints(t *testing.T) {
	s, models, guards := testServer(t)
	ctx := context.Background()
	require.NoError(t, models.SaveModel(ctx, registryModel("m-1", 1)))
	require.NoError(t, guards.SetKillSwitch(ctx, true, "incident"))

	rec := do(t, s, "POST", "/api/v1/registry/1D/promote", `{"model_id":"m-1"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "kill switch")
}

func TestEvents_ListAndStats(t *testing.T) {
	s, models, _ := testServer(t)
	ctx := context.Background()
	require.NoError(t, models.SaveModel(ctx, registryModel("m-1", 1)))
	rec := do(t, s, "POST", "/api/v1/registry/1D/promote", `{"model_id":"m-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, "GET", "/api/v1/events?type=PROMOTED", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var events struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	assert.Equal(t, 1, events.Count)

	rec = do(t, s, "GET", "/api/v1/events/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "recent_promotions")
}

func TestGuardrails_ConfigEndpoints(t *testing.T) {
	s, _, _ := testServer(t)

	rec := do(t, s, "GET", "/api/v1/lifecycle/guardrails", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "max_daily_retrains")

	rec = do(t, s, "PATCH", "/api/v1/lifecycle/guardrails", `{"max_daily_retrains":8}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var cfg lifecycle.GuardrailConfig
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	assert.Equal(t, 8, cfg.MaxDailyRetrains)

	rec = do(t, s, "PATCH", "/api/v1/lifecycle/guardrails", `{"max_daily_retrains":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLifecycle_DriftStateEndpoint(t *testing.T) {
	s, _, guards := testServer(t)

	rec := do(t, s, "POST", "/api/v1/lifecycle/drift/1D", `{"state":"WARNING"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, lifecycle.DriftWarning, guards.DriftStateFor(model.Horizon1D))

	rec = do(t, s, "GET", "/api/v1/lifecycle/guardrails", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Drift map[string]lifecycle.DriftState `json:"drift"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, lifecycle.DriftWarning, resp.Drift["1D"])
	assert.Equal(t, lifecycle.DriftNormal, resp.Drift["7D"])

	rec = do(t, s, "POST", "/api/v1/lifecycle/drift/1D", `{"state":"ELEVATED"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "NORMAL, WARNING, CRITICAL")

	rec = do(t, s, "POST", "/api/v1/lifecycle/drift/99D", `{"state":"WARNING"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBackfill_RunEndpoints(t *testing.T) {
	st := memory.NewStore()
	engine := backfill.NewEngine(provider.NewResolver(provider.NewRegistry()), st.Observations, st.MLRows)
	s := New(DefaultConfig(), Deps{Backfill: engine})

	p, err := engine.Run(context.Background(), backfill.Request{
		Symbols:     []string{"BTCUSDT"},
		Days:        1,
		Timeframe:   market.Timeframe5m,
		HorizonBars: 12,
		DryRun:      true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, p.RunID)

	rec := do(t, s, "GET", "/api/v1/backfill/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Count int                 `json:"count"`
		Runs  []backfill.Progress `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, p.RunID, list.Runs[0].RunID)

	rec = do(t, s, "GET", "/api/v1/backfill/runs/"+p.RunID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got backfill.Progress
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, backfill.StateDone, got.State)

	rec = do(t, s, "GET", "/api/v1/backfill/runs/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, "POST", "/api/v1/backfill/runs/"+p.RunID+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"cancelled":true`)

	rec = do(t, s, "POST", "/api/v1/backfill/runs/nope/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDisabledDependenciesReturn503(t *testing.T) {
	s := New(DefaultConfig(), Deps{})
	rec := do(t, s, "GET", "/api/v1/observations/latest?symbol=BTCUSDT", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	rec = do(t, s, "GET", "/api/v1/backfill/status", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	rec = do(t, s, "POST", "/api/v1/lifecycle/promotion-pass", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
