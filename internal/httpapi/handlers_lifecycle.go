package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/derivwatch/derivwatch/internal/backfill"
	"github.com/derivwatch/derivwatch/internal/lifecycle"
	"github.com/derivwatch/derivwatch/internal/model"
	"github.com/derivwatch/derivwatch/internal/modelreg"
	"github.com/derivwatch/derivwatch/internal/store"
)

func parseHorizon(r *http.Request) (model.Horizon, bool) {
	h := model.Horizon(mux.Vars(r)["horizon"])
	return h, h.Valid()
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "store not configured")
		return
	}
	horizon := model.Horizon(r.URL.Query().Get("horizon"))
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	models, err := s.deps.Store.Models.ListModels(r.Context(), horizon, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models, "count": len(models)})
}

func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "store not configured")
		return
	}
	id := mux.Vars(r)["id"]
	m, err := s.deps.Store.Models.GetModel(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if m == nil {
		writeError(w, http.StatusNotFound, "model "+id+" not found")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "store not configured")
		return
	}
	horizon := model.Horizon(r.URL.Query().Get("horizon"))
	runs, err := s.deps.Store.Models.ListRuns(r.Context(), horizon, 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

func (s *Server) handleRegistryState(w http.ResponseWriter, r *http.Request) {
	if s.deps.Registry == nil {
		writeError(w, http.StatusServiceUnavailable, "registry not configured")
		return
	}
	h, ok := parseHorizon(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid horizon")
		return
	}
	st, err := s.deps.Registry.State(r.Context(), h)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	if s.deps.Registry == nil {
		writeError(w, http.StatusServiceUnavailable, "registry not configured")
		return
	}
	if s.deps.Guards != nil && s.deps.Guards.IsKillSwitchActive() {
		writeError(w, http.StatusConflict, "skipped: kill switch active")
		return
	}
	if s.deps.Guards != nil && s.deps.Guards.IsPromotionLocked() {
		writeError(w, http.StatusConflict, "skipped: promotion lock active")
		return
	}
	h, ok := parseHorizon(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid horizon")
		return
	}
	var req struct {
		ModelID string `json:"model_id"`
	}
	if err := decodeBody(r, &req); err != nil || req.ModelID == "" {
		writeError(w, http.StatusBadRequest, "model_id is required")
		return
	}
	if err := s.deps.Registry.Promote(r.Context(), h, req.ModelID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, modelreg.ErrAlreadyActive) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	st, _ := s.deps.Registry.State(r.Context(), h)
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	if s.deps.Registry == nil {
		writeError(w, http.StatusServiceUnavailable, "registry not configured")
		return
	}
	if s.deps.Guards != nil && s.deps.Guards.IsKillSwitchActive() {
		writeError(w, http.StatusConflict, "skipped: kill switch active")
		return
	}
	h, ok := parseHorizon(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid horizon")
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &req); err != nil || req.Reason == "" {
		writeError(w, http.StatusBadRequest, "reason is required")
		return
	}
	if err := s.deps.Registry.Rollback(r.Context(), h, req.Reason); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, modelreg.ErrNoPrev) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	st, _ := s.deps.Registry.State(r.Context(), h)
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSetShadow(w http.ResponseWriter, r *http.Request) {
	if s.deps.Registry == nil {
		writeError(w, http.StatusServiceUnavailable, "registry not configured")
		return
	}
	h, ok := parseHorizon(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid horizon")
		return
	}
	var req struct {
		ModelID string `json:"model_id"`
	}
	if err := decodeBody(r, &req); err != nil || req.ModelID == "" {
		writeError(w, http.StatusBadRequest, "model_id is required")
		return
	}
	if err := s.deps.Registry.SetShadow(r.Context(), h, req.ModelID); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	st, _ := s.deps.Registry.State(r.Context(), h)
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleClearShadow(w http.ResponseWriter, r *http.Request) {
	if s.deps.Registry == nil {
		writeError(w, http.StatusServiceUnavailable, "registry not configured")
		return
	}
	h, ok := parseHorizon(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid horizon")
		return
	}
	if err := s.deps.Registry.ClearShadow(r.Context(), h); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	st, _ := s.deps.Registry.State(r.Context(), h)
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "store not configured")
		return
	}
	q := store.EventQuery{Limit: 100}
	if v := r.URL.Query().Get("type"); v != "" {
		q.Type = model.EventType(v)
	}
	if v := r.URL.Query().Get("horizon"); v != "" {
		q.Horizon = model.Horizon(v)
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		q.Limit = n
	}
	events, err := s.deps.Store.Events.List(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (s *Server) handleEventStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "store not configured")
		return
	}
	stats, err := s.deps.Store.Events.Stats(r.Context(), 7*24*time.Hour)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleBackfillStart(w http.ResponseWriter, r *http.Request) {
	if s.deps.Backfill == nil {
		writeError(w, http.StatusServiceUnavailable, "backfill not configured")
		return
	}
	var req backfill.Request
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.deps.Backfill.Progress().State == backfill.StateRunning {
		writeError(w, http.StatusConflict, "a backfill run is already in progress")
		return
	}

	// The run detaches from the request; poll /backfill/status for progress.
	go func() {
		if _, err := s.deps.Backfill.Run(context.Background(), req); err != nil {
			s.logger.Error().Err(err).Msg("backfill run failed")
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"started": true})
}

func (s *Server) handleBackfillStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Backfill == nil {
		writeError(w, http.StatusServiceUnavailable, "backfill not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Backfill.Progress())
}

func (s *Server) handleBackfillCancel(w http.ResponseWriter, r *http.Request) {
	if s.deps.Backfill == nil {
		writeError(w, http.StatusServiceUnavailable, "backfill not configured")
		return
	}
	s.deps.Backfill.Cancel()
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}

func (s *Server) handleBackfillRuns(w http.ResponseWriter, r *http.Request) {
	if s.deps.Backfill == nil {
		writeError(w, http.StatusServiceUnavailable, "backfill not configured")
		return
	}
	runs := s.deps.Backfill.Runs()
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

func (s *Server) handleBackfillRunStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Backfill == nil {
		writeError(w, http.StatusServiceUnavailable, "backfill not configured")
		return
	}
	id := mux.Vars(r)["id"]
	p, ok := s.deps.Backfill.RunStatus(id)
	if !ok {
		writeError(w, http.StatusNotFound, "no backfill run "+id)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleBackfillRunCancel(w http.ResponseWriter, r *http.Request) {
	if s.deps.Backfill == nil {
		writeError(w, http.StatusServiceUnavailable, "backfill not configured")
		return
	}
	id := mux.Vars(r)["id"]
	if !s.deps.Backfill.CancelRun(id) {
		writeError(w, http.StatusNotFound, "no backfill run "+id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": id, "cancelled": true})
}

func (s *Server) handlePromotionPass(w http.ResponseWriter, r *http.Request) {
	if s.deps.Controller == nil {
		writeError(w, http.StatusServiceUnavailable, "lifecycle not configured")
		return
	}
	res, err := s.deps.Controller.PromotionPass(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRollbackPass(w http.ResponseWriter, r *http.Request) {
	if s.deps.Controller == nil {
		writeError(w, http.StatusServiceUnavailable, "lifecycle not configured")
		return
	}
	res, err := s.deps.Controller.RollbackPass(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	if s.deps.Guards == nil {
		writeError(w, http.StatusServiceUnavailable, "guardrails not configured")
		return
	}
	var req struct {
		On     bool   `json:"on"`
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if err := s.deps.Guards.SetKillSwitch(r.Context(), req.On, req.Reason); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"kill_switch": req.On})
}

func (s *Server) handlePromotionLock(w http.ResponseWriter, r *http.Request) {
	if s.deps.Guards == nil {
		writeError(w, http.StatusServiceUnavailable, "guardrails not configured")
		return
	}
	var req struct {
		On     bool   `json:"on"`
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if err := s.deps.Guards.SetPromotionLock(r.Context(), req.On, req.Reason); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"promotion_lock": req.On})
}

func (s *Server) handleDriftState(w http.ResponseWriter, r *http.Request) {
	if s.deps.Guards == nil {
		writeError(w, http.StatusServiceUnavailable, "guardrails not configured")
		return
	}
	h, ok := parseHorizon(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid horizon")
		return
	}
	var req struct {
		State lifecycle.DriftState `json:"state"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if !req.State.Valid() {
		writeError(w, http.StatusBadRequest, "state must be one of NORMAL, WARNING, CRITICAL")
		return
	}
	if err := s.deps.Guards.SetDriftState(r.Context(), h, req.State); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"horizon": h, "drift": req.State})
}

func (s *Server) handleGuardrailConfig(w http.ResponseWriter, r *http.Request) {
	if s.deps.Guards == nil {
		writeError(w, http.StatusServiceUnavailable, "guardrails not configured")
		return
	}
	drift := make(map[string]lifecycle.DriftState, len(model.Horizons))
	for _, h := range model.Horizons {
		drift[string(h)] = s.deps.Guards.DriftStateFor(h)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"config":         s.deps.Guards.Config(),
		"kill_switch":    s.deps.Guards.IsKillSwitchActive(),
		"promotion_lock": s.deps.Guards.IsPromotionLocked(),
		"drift":          drift,
	})
}

func (s *Server) handleGuardrailPatch(w http.ResponseWriter, r *http.Request) {
	if s.deps.Guards == nil {
		writeError(w, http.StatusServiceUnavailable, "guardrails not configured")
		return
	}
	var patch lifecycle.ConfigPatch
	if err := decodeBody(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if err := s.deps.Guards.UpdateConfig(r.Context(), patch); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Guards.Config())
}
