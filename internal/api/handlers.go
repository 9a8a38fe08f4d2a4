package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"routeopt/internal/buildinfo"
	"routeopt/internal/metrics"
	"routeopt/internal/model"
	"routeopt/internal/opt"
	"routeopt/internal/store"
)

// ShipmentsHandler handles POST/GET /v1/shipments
func (s *Server) ShipmentsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req struct {
			Shipments []model.Shipment `json:"shipments"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if err := validateOptimizeRequest(&model.OptimizeRequest{Shipments: req.Shipments}); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid shipments", err.Error(), r.URL.Path)
			return
		}
		created, skipped, err := s.Store.CreateShipments(r.Context(), req.Shipments)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Create shipments failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"created": created, "skipped": skipped})
	case http.MethodGet:
		cursor := r.URL.Query().Get("cursor")
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			fmt.Sscanf(v, "%d", &limit)
		}
		items, next, err := s.Store.ListShipments(r.Context(), cursor, limit)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "List shipments failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// ShipmentByIDHandler handles GET/DELETE /v1/shipments/{id}
func (s *Server) ShipmentByIDHandler(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/shipments/")
	if id == "" || strings.Contains(id, "/") {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	switch r.Method {
	case http.MethodGet:
		sh, err := s.Store.GetShipment(r.Context(), id)
		if err != nil {
			writeStoreErr(w, err, r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, sh)
	case http.MethodDelete:
		p := s.getPrincipal(r)
		if !p.CanPlan() {
			writeProblem(w, http.StatusForbidden, "Forbidden", "planner or admin required", r.URL.Path)
			return
		}
		if err := s.Store.DeleteShipment(r.Context(), id); err != nil {
			writeStoreErr(w, err, r.URL.Path)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// OptimizeHandler handles POST /v1/optimize
func (s *Server) OptimizeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p := s.getPrincipal(r)
	if !p.CanPlan() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "planner or admin required", r.URL.Path)
		return
	}
	if !s.limiter.Allow() {
		writeProblem(w, http.StatusTooManyRequests, "Rate limited", "optimize admission rate exceeded", r.URL.Path)
		return
	}
	var req model.OptimizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if err := validateOptimizeRequest(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid optimize request", err.Error(), r.URL.Path)
		return
	}

	shipments := req.Shipments
	if len(shipments) == 0 {
		var err error
		shipments, err = s.loadAllShipments(r.Context())
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Load shipments failed", err.Error(), r.URL.Path)
			return
		}
	}
	if len(shipments) == 0 {
		writeProblem(w, http.StatusBadRequest, "No shipments", "request body and store are both empty", r.URL.Path)
		return
	}

	if !s.acquire(2 * time.Second) {
		writeProblem(w, http.StatusServiceUnavailable, "Busy", "all solver slots are in use", r.URL.Path)
		return
	}
	defer s.release()

	resolved, err := s.Geo.EnsureCoordinates(r.Context(), shipments)
	if err != nil {
		metrics.GeocodeLookups.WithLabelValues("error").Inc()
		writeProblem(w, http.StatusFailedDependency, "Geocoding failed", err.Error(), r.URL.Path)
		return
	}

	mc, err := s.effectiveConfig(r.Context(), req.Config)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Config merge failed", err.Error(), r.URL.Path)
		return
	}
	cfg := opt.ConfigFromModel(mc)

	runID := uuid.NewString()
	run := model.Run{ID: runID, CreatedAt: time.Now().UTC(), State: opt.StateConstructing.String()}
	_ = s.Store.SaveRun(r.Context(), run)
	s.Broker.Publish(runID, RunEvent{Type: "run.started", Data: map[string]any{"runId": runID, "shipments": len(resolved)}})

	eng := opt.NewEngine(cfg)
	eng.Progress = func(st opt.State, iter int, best float64) {
		s.Broker.Publish(runID, RunEvent{Type: "run.progress", Data: map[string]any{
			"runId": runID, "state": st.String(), "iteration": iter, "bestCost": best,
		}})
	}

	start := time.Now()
	sol, em, err := eng.Solve(r.Context(), resolved)
	dur := time.Since(start)
	mm := metricsMap(em)

	if err != nil {
		run.State = opt.StateFailed.String()
		run.Error = err.Error()
		run.Metrics = mm
		_ = s.Store.SaveRun(r.Context(), run)
		s.Broker.Publish(runID, RunEvent{Type: "run.failed", Data: map[string]any{"runId": runID, "error": err.Error()}})
		metrics.OptimizeRuns.WithLabelValues("failed").Inc()
		metrics.OptimizeDuration.WithLabelValues("failed").Observe(dur.Seconds())
		writeOptError(w, err, r.URL.Path)
		return
	}

	run.State = em.State
	run.Metrics = mm
	run.Solution = &sol
	_ = s.Store.SaveRun(r.Context(), run)
	s.Broker.Publish(runID, RunEvent{Type: "run.completed", Data: map[string]any{
		"runId": runID, "solutionId": sol.ID, "routes": len(sol.Routes), "unassigned": len(sol.Unassigned),
	}})
	metrics.OptimizeRuns.WithLabelValues(em.State).Inc()
	metrics.OptimizeDuration.WithLabelValues(em.State).Observe(dur.Seconds())
	metrics.OptimizeUnassigned.Observe(float64(len(sol.Unassigned)))

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := s.Notify.Emit(ctx, "run.completed", map[string]any{
			"runId": runID, "solutionId": sol.ID, "totalCost": sol.TotalCost, "unassigned": len(sol.Unassigned),
		}); err != nil {
			log.Printf("webhook delivery failed for run %s: %v", runID, err)
		}
	}()

	writeJSON(w, http.StatusOK, model.OptimizeResponse{RunID: runID, Solution: sol, Metrics: mm})
}

// ValidateHandler handles POST /v1/solutions/validate
func (s *Server) ValidateHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req model.ValidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	cfg := opt.ConfigFromModel(req.Config)
	if err := cfg.Validate(); err != nil {
		writeOptError(w, err, r.URL.Path)
		return
	}
	ok, msg := opt.ValidateSolution(req.Solution, req.Shipments, cfg)
	writeJSON(w, http.StatusOK, model.ValidateResult{Valid: ok, Error: msg})
}

// RunsHandler handles GET /v1/runs
func (s *Server) RunsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cursor := r.URL.Query().Get("cursor")
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}
	items, next, err := s.Store.ListRuns(r.Context(), cursor, limit)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List runs failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}

// RunByIDHandler handles GET /v1/runs/{id} and GET /v1/runs/{id}/events/stream
func (s *Server) RunByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/runs/")
	if strings.HasSuffix(rest, "/events/stream") {
		s.runEventsSSE(w, r, strings.TrimSuffix(rest, "/events/stream"))
		return
	}
	if r.Method != http.MethodGet || rest == "" || strings.Contains(rest, "/") {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	run, err := s.Store.GetRun(r.Context(), rest)
	if err != nil {
		writeStoreErr(w, err, r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// runEventsSSE streams run events until the client disconnects.
func (s *Server) runEventsSSE(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodGet || runID == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	fl, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "Streaming unsupported", "", r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	fl.Flush()

	ch := s.Broker.Subscribe(runID)
	defer s.Broker.Unsubscribe(runID, ch)
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			fl.Flush()
		case evt, open := <-ch:
			if !open {
				return
			}
			data, _ := json.Marshal(evt.Data)
			fmt.Fprintf(w, "event: %s\n", evt.Type)
			fmt.Fprintf(w, "data: %s\n\n", data)
			fl.Flush()
		}
	}
}

// SolutionByIDHandler handles GET /v1/solutions/{id}
func (s *Server) SolutionByIDHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/solutions/")
	if id == "" || strings.Contains(id, "/") {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	sol, err := s.Store.GetSolution(r.Context(), id)
	if err != nil {
		writeStoreErr(w, err, r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, sol)
}

// OptimizerConfigHandler returns effective optimizer defaults
func (s *Server) OptimizerConfigHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/optimizer/config" || r.Method != http.MethodGet {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	d := opt.DefaultConfig()
	defaults := map[string]any{
		"maxVehicles":            d.MaxVehicles,
		"vehicleCapacityPallets": d.VehicleCapacity,
		"maxRouteDistance":       d.MaxRouteDistance,
		"maxRouteTimeMin":        d.MaxRouteTime,
		"maxShipments":           d.MaxShipments,
		"timeBudgetSec":          int(d.TimeBudget.Seconds()),
		"serviceTimeMin":         d.ServiceTime,
		"waitingSlackMin":        d.WaitingSlack,
		"speedMph":               d.SpeedMph,
		"costPerMile":            d.CostPerMile,
		"capacity":               map[string]any{"enabled": d.Capacity.Enabled, "weight": d.Capacity.Weight, "penalty": d.Capacity.Penalty},
		"lifoPrecedence":         map[string]any{"enabled": d.Lifo.Enabled, "weight": d.Lifo.Weight, "penalty": d.Lifo.Penalty},
		"timeWindows":            map[string]any{"enabled": d.TimeWindows.Enabled, "weight": d.TimeWindows.Weight, "penalty": d.TimeWindows.Penalty},
	}
	if cfg, _ := s.Store.GetOptimizerConfig(r.Context()); cfg != nil {
		for k, v := range cfg {
			defaults[k] = v
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"defaults": defaults})
}

// AdminOptimizerConfigHandler gets/sets the stored optimizer overrides
func (s *Server) AdminOptimizerConfigHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/admin/optimizer/config" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "admin required", r.URL.Path)
		return
	}
	switch r.Method {
	case http.MethodGet:
		cfg, _ := s.Store.GetOptimizerConfig(r.Context())
		if cfg == nil {
			cfg = map[string]any{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"config": cfg})
	case http.MethodPut:
		var body struct {
			Config map[string]any `json:"config"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if body.Config == nil {
			writeProblem(w, http.StatusBadRequest, "Missing config", "", r.URL.Path)
			return
		}
		// reject overrides that would not produce a solvable config
		mc, err := overlayConfig(body.Config, nil)
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid config", err.Error(), r.URL.Path)
			return
		}
		cfg := opt.ConfigFromModel(mc)
		if err := cfg.Validate(); err != nil {
			writeOptError(w, err, r.URL.Path)
			return
		}
		if err := s.Store.SaveOptimizerConfig(r.Context(), body.Config); err != nil {
			writeProblem(w, http.StatusInternalServerError, "Save failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// AdminRunStatsHandler aggregates stored run metrics: counts by terminal
// state and per-run solution averages.
func (s *Server) AdminRunStatsHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/admin/runs/stats" || r.Method != http.MethodGet {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "admin required", r.URL.Path)
		return
	}
	total, solved := 0, 0
	byState := map[string]int{}
	var dist, cost, routes, unassigned float64
	cursor := ""
	for {
		page, next, err := s.Store.ListRuns(r.Context(), cursor, 500)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Stats failed", err.Error(), r.URL.Path)
			return
		}
		for _, run := range page {
			total++
			byState[run.State]++
			if run.Solution == nil {
				continue
			}
			solved++
			dist += run.Solution.TotalDistance
			cost += run.Solution.TotalCost
			routes += float64(len(run.Solution.Routes))
			unassigned += float64(len(run.Solution.Unassigned))
		}
		if next == "" {
			break
		}
		cursor = next
	}
	out := map[string]any{"runs": total, "solved": solved, "byState": byState}
	if solved > 0 {
		n := float64(solved)
		out["avgTotalDistance"] = dist / n
		out["avgTotalCost"] = cost / n
		out["avgRoutes"] = routes / n
		out["avgUnassigned"] = unassigned / n
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "build": buildinfo.Info()})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	if _, _, err := s.Store.ListShipments(r.Context(), "", 1); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Store unavailable", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeStoreErr(w http.ResponseWriter, err error, instance string) {
	if errors.Is(err, store.ErrNotFound) {
		writeProblem(w, http.StatusNotFound, "Not Found", "", instance)
		return
	}
	writeProblem(w, http.StatusInternalServerError, "Store error", err.Error(), instance)
}

func (s *Server) loadAllShipments(ctx context.Context) ([]model.Shipment, error) {
	var out []model.Shipment
	cursor := ""
	for {
		page, next, err := s.Store.ListShipments(ctx, cursor, 500)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if next == "" {
			return out, nil
		}
		cursor = next
	}
}

// effectiveConfig layers the stored overrides under the request config.
func (s *Server) effectiveConfig(ctx context.Context, reqCfg *model.OptimizeConfig) (*model.OptimizeConfig, error) {
	stored, err := s.Store.GetOptimizerConfig(ctx)
	if err != nil {
		return nil, err
	}
	return overlayConfig(stored, reqCfg)
}

func overlayConfig(stored map[string]any, reqCfg *model.OptimizeConfig) (*model.OptimizeConfig, error) {
	merged := map[string]any{}
	for k, v := range stored {
		merged[k] = v
	}
	if reqCfg != nil {
		b, err := json.Marshal(reqCfg)
		if err != nil {
			return nil, err
		}
		var m map[string]any
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, err
		}
		for k, v := range m {
			merged[k] = v
		}
	}
	if len(merged) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	var out model.OptimizeConfig
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func metricsMap(m opt.Metrics) map[string]any {
	b, _ := json.Marshal(m)
	out := map[string]any{}
	_ = json.Unmarshal(b, &out)
	return out
}
