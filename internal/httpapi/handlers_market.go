package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/derivwatch/derivwatch/internal/market"
	"github.com/derivwatch/derivwatch/internal/provider"
	"github.com/derivwatch/derivwatch/internal/store"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	type processHealth struct {
		CPUPercent float64 `json:"cpu_percent"`
		MemPercent float64 `json:"mem_percent"`
		MemUsedMB  uint64  `json:"mem_used_mb"`
	}
	body := struct {
		Status    string                             `json:"status"`
		Time      time.Time                          `json:"time"`
		Providers map[string]provider.HealthSnapshot `json:"providers,omitempty"`
		Process   processHealth                      `json:"process"`
	}{
		Status: "ok",
		Time:   time.Now().UTC(),
	}

	if s.deps.Resolver != nil {
		body.Providers = s.deps.Resolver.Registry().Health()
	}
	// Short sample so the endpoint stays fast for pollers.
	if pcts, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(pcts) > 0 {
		body.Process.CPUPercent = pcts[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		body.Process.MemPercent = vm.UsedPercent
		body.Process.MemUsedMB = vm.Used / (1 << 20)
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) timeframe(r *http.Request) market.Timeframe {
	if tf := r.URL.Query().Get("timeframe"); tf != "" {
		return market.Timeframe(tf)
	}
	return market.Timeframe5m
}

func (s *Server) handleLatestObservation(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "store not configured")
		return
	}
	symbol := market.NormalizeSymbol(r.URL.Query().Get("symbol"))
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}
	obs, err := s.deps.Store.Observations.Latest(r.Context(), symbol, s.timeframe(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if obs == nil {
		writeError(w, http.StatusNotFound, "no observation for "+symbol)
		return
	}
	writeJSON(w, http.StatusOK, obs)
}

func (s *Server) handleListObservations(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "store not configured")
		return
	}
	q := r.URL.Query()
	symbol := market.NormalizeSymbol(q.Get("symbol"))
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}

	query := store.ObservationQuery{
		Symbol: symbol,
		Range:  store.TimeRange{From: time.Unix(0, 0), To: time.Now().UTC()},
		Limit:  500,
	}
	if v := q.Get("from"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "from must be unix milliseconds")
			return
		}
		query.Range.From = time.UnixMilli(ms)
	}
	if v := q.Get("to"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "to must be unix milliseconds")
			return
		}
		query.Range.To = time.UnixMilli(ms)
	}
	if v := q.Get("min_completeness"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 1 {
			writeError(w, http.StatusBadRequest, "min_completeness must be in [0,1]")
			return
		}
		query.MinCompleteness = f
	}
	if v := q.Get("regime"); v != "" {
		query.Regime = market.RegimeType(v)
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		query.Limit = n
	}

	obs, err := s.deps.Store.Observations.List(r.Context(), s.timeframe(r), query)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"observations": obs, "count": len(obs)})
}

// indicatorSnapshot is the indicator slice of an observation.
type indicatorSnapshot struct {
	Symbol     string                           `json:"symbol"`
	Timestamp  time.Time                        `json:"timestamp"`
	Indicators map[string]market.IndicatorValue `json:"indicators"`
	Meta       market.IndicatorsMeta            `json:"meta"`
	Regime     market.Regime                    `json:"regime"`
	Aggregates market.Aggregates                `json:"aggregates"`
}

func snapshotOf(obs *market.Observation) indicatorSnapshot {
	return indicatorSnapshot{
		Symbol:     obs.Symbol,
		Timestamp:  obs.Timestamp,
		Indicators: obs.Indicators,
		Meta:       obs.Meta,
		Regime:     obs.Regime,
		Aggregates: obs.Aggregates,
	}
}

func (s *Server) latestFor(r *http.Request, symbol string) (*market.Observation, error) {
	return s.deps.Store.Observations.Latest(r.Context(), symbol, s.timeframe(r))
}

func (s *Server) handleIndicators(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "store not configured")
		return
	}
	symbol := market.NormalizeSymbol(mux.Vars(r)["symbol"])
	obs, err := s.latestFor(r, symbol)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if obs == nil {
		writeError(w, http.StatusNotFound, "no snapshot for "+symbol)
		return
	}

	snap := snapshotOf(obs)
	if cat := r.URL.Query().Get("category"); cat != "" {
		filtered := make(map[string]market.IndicatorValue)
		for id, v := range snap.Indicators {
			if string(v.Category) == cat {
				filtered[id] = v
			}
		}
		snap.Indicators = filtered
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleIndicator(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "store not configured")
		return
	}
	vars := mux.Vars(r)
	symbol := market.NormalizeSymbol(vars["symbol"])
	obs, err := s.latestFor(r, symbol)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if obs == nil {
		writeError(w, http.StatusNotFound, "no snapshot for "+symbol)
		return
	}
	v, ok := obs.Indicator(vars["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "indicator "+vars["id"]+" not present")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol":    symbol,
		"id":        vars["id"],
		"timestamp": obs.Timestamp,
		"indicator": v,
	})
}

func (s *Server) handleIndicatorBatch(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "store not configured")
		return
	}
	var req struct {
		Symbols []string `json:"symbols"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if len(req.Symbols) == 0 || len(req.Symbols) > BatchLimit {
		writeError(w, http.StatusBadRequest,
			"symbols must contain between 1 and "+strconv.Itoa(BatchLimit)+" entries")
		return
	}

	snaps := make(map[string]any, len(req.Symbols))
	for _, raw := range req.Symbols {
		symbol := market.NormalizeSymbol(raw)
		obs, err := s.latestFor(r, symbol)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if obs == nil {
			snaps[symbol] = nil // degrade, not fail
			continue
		}
		snaps[symbol] = snapshotOf(obs)
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": snaps})
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	if s.deps.Resolver == nil {
		writeError(w, http.StatusServiceUnavailable, "resolver not configured")
		return
	}
	type providerView struct {
		ID           string                  `json:"id"`
		Enabled      bool                    `json:"enabled"`
		Priority     int                     `json:"priority"`
		Capabilities provider.Capabilities   `json:"capabilities"`
		Health       provider.HealthSnapshot `json:"health"`
	}
	var out []providerView
	for _, e := range s.deps.Resolver.Registry().All() {
		out = append(out, providerView{
			ID:           e.Provider.ID(),
			Enabled:      e.Config.Enabled,
			Priority:     e.Config.Priority,
			Capabilities: e.Provider.Capabilities(),
			Health:       e.Provider.Health(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": out})
}

func (s *Server) handleProviderEnable(enable bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Resolver == nil {
			writeError(w, http.StatusServiceUnavailable, "resolver not configured")
			return
		}
		id := mux.Vars(r)["id"]
		if err := s.deps.Resolver.Registry().SetEnabled(id, enable); err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "enabled": enable})
	}
}

func (s *Server) handleProviderReset(w http.ResponseWriter, r *http.Request) {
	if s.deps.Resolver == nil {
		writeError(w, http.StatusServiceUnavailable, "resolver not configured")
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.deps.Resolver.Registry().ResetHealth(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "health": "reset"})
}

func (s *Server) handleProviderPriority(w http.ResponseWriter, r *http.Request) {
	if s.deps.Resolver == nil {
		writeError(w, http.StatusServiceUnavailable, "resolver not configured")
		return
	}
	var req struct {
		Priority int `json:"priority"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.deps.Resolver.Registry().SetPriority(id, req.Priority); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "priority": req.Priority})
}

func (s *Server) handleClearSymbolCache(w http.ResponseWriter, r *http.Request) {
	if s.deps.Resolver == nil {
		writeError(w, http.StatusServiceUnavailable, "resolver not configured")
		return
	}
	s.deps.Resolver.ClearCache()
	writeJSON(w, http.StatusOK, map[string]any{"cleared": true})
}

func (s *Server) handleCollectorStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Collector == nil {
		writeError(w, http.StatusServiceUnavailable, "collector not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Collector.Stats())
}
