package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"routeopt/internal/config"
	"routeopt/internal/model"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := NewServer(config.Config{
		Geocoder:          config.Geocoder{Disabled: true},
		OptimizeRPS:       100,
		MaxConcurrentRuns: 2,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return s
}

func shipmentJSON(id string, pallets int, lat1, lng1, lat2, lng2 float64) string {
	return fmt.Sprintf(`{"id":%q,"palletCount":%d,
		"origin":{"city":"a","state":"AA","lat":%f,"lng":%f},
		"destination":{"city":"b","state":"BB","lat":%f,"lng":%f}}`,
		id, pallets, lat1, lng1, lat2, lng2)
}

func TestHealthReady(t *testing.T) {
	s := newTestServer(t)
	rr := httptest.NewRecorder()
	s.HealthHandler(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != 200 {
		t.Fatalf("health: got %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	s.ReadyHandler(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != 200 {
		t.Fatalf("ready: got %d", rr.Code)
	}
}

func TestShipmentsCreateListDelete(t *testing.T) {
	s := newTestServer(t)
	body := []byte(`{"shipments":[` + shipmentJSON("S1", 5, 40, -75, 40.2, -75) + `]}`)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/shipments", bytes.NewReader(body))
	s.ShipmentsHandler(rr, req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("create: got %d: %s", rr.Code, rr.Body)
	}

	rr = httptest.NewRecorder()
	s.ShipmentsHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/shipments?limit=5", nil))
	if rr.Code != 200 {
		t.Fatalf("list: got %d", rr.Code)
	}
	var listed struct {
		Items []model.Shipment `json:"items"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &listed)
	if len(listed.Items) != 1 || listed.Items[0].ID != "S1" {
		t.Fatalf("items: %+v", listed.Items)
	}

	rr = httptest.NewRecorder()
	s.ShipmentByIDHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/shipments/S1", nil))
	if rr.Code != 200 {
		t.Fatalf("get: got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	s.ShipmentByIDHandler(rr, httptest.NewRequest(http.MethodDelete, "/v1/shipments/S1", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete: got %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	s.ShipmentByIDHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/shipments/S1", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("get after delete: got %d", rr.Code)
	}
}

func TestShipmentsRejectBadPalletCount(t *testing.T) {
	s := newTestServer(t)
	body := []byte(`{"shipments":[` + shipmentJSON("S1", 30, 40, -75, 40.2, -75) + `]}`)
	rr := httptest.NewRecorder()
	s.ShipmentsHandler(rr, httptest.NewRequest(http.MethodPost, "/v1/shipments", bytes.NewReader(body)))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("got %d, want 400", rr.Code)
	}
}

func TestOptimizeEndToEnd(t *testing.T) {
	s := newTestServer(t)
	body := []byte(`{
		"shipments":[` + shipmentJSON("S1", 5, 40, -75, 40.2, -75) + `,` + shipmentJSON("S2", 8, 40.3, -75, 40.5, -75) + `],
		"config":{"timeBudgetSec":-1,"seed":7}
	}`)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/optimize", bytes.NewReader(body))
	s.OptimizeHandler(rr, req)
	if rr.Code != 200 {
		t.Fatalf("optimize: %d: %s", rr.Code, rr.Body)
	}
	var resp model.OptimizeResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.RunID == "" || len(resp.Solution.Routes) == 0 {
		t.Fatalf("response: %+v", resp)
	}
	if resp.Metrics["state"] != "done" {
		t.Fatalf("metrics state: %v", resp.Metrics["state"])
	}

	// the run was persisted and its solution is retrievable
	rr = httptest.NewRecorder()
	s.RunByIDHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/runs/"+resp.RunID, nil))
	if rr.Code != 200 {
		t.Fatalf("get run: %d", rr.Code)
	}
	var run model.Run
	_ = json.Unmarshal(rr.Body.Bytes(), &run)
	if run.State != "done" || run.Solution == nil {
		t.Fatalf("run: %+v", run)
	}

	rr = httptest.NewRecorder()
	s.SolutionByIDHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/solutions/"+resp.Solution.ID, nil))
	if rr.Code != 200 {
		t.Fatalf("get solution: %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	s.RunsHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/runs", nil))
	if rr.Code != 200 {
		t.Fatalf("list runs: %d", rr.Code)
	}
}

func TestOptimizeUsesStoredShipments(t *testing.T) {
	s := newTestServer(t)
	body := []byte(`{"shipments":[` + shipmentJSON("S1", 5, 40, -75, 40.2, -75) + `]}`)
	rr := httptest.NewRecorder()
	s.ShipmentsHandler(rr, httptest.NewRequest(http.MethodPost, "/v1/shipments", bytes.NewReader(body)))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("seed: %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/optimize", bytes.NewReader([]byte(`{"config":{"timeBudgetSec":-1}}`)))
	s.OptimizeHandler(rr, req)
	if rr.Code != 200 {
		t.Fatalf("optimize from store: %d: %s", rr.Code, rr.Body)
	}
}

func TestOptimizeShipmentLimitIsUnprocessable(t *testing.T) {
	s := newTestServer(t)
	body := []byte(`{
		"shipments":[` + shipmentJSON("S1", 5, 40, -75, 40.2, -75) + `,` + shipmentJSON("S2", 5, 40, -75, 40.2, -75) + `],
		"config":{"maxShipments":1,"timeBudgetSec":-1}
	}`)
	rr := httptest.NewRecorder()
	s.OptimizeHandler(rr, httptest.NewRequest(http.MethodPost, "/v1/optimize", bytes.NewReader(body)))
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("got %d, want 422: %s", rr.Code, rr.Body)
	}
	var p Problem
	_ = json.Unmarshal(rr.Body.Bytes(), &p)
	if p.Title != "Resource limit exceeded" {
		t.Fatalf("problem: %+v", p)
	}
}

func TestOptimizeUnresolvedWithoutGeocoder(t *testing.T) {
	s := newTestServer(t)
	body := []byte(`{"shipments":[{"id":"S1","palletCount":3,
		"origin":{"city":"Trenton","state":"NJ"},
		"destination":{"city":"Camden","state":"NJ"}}],
		"config":{"timeBudgetSec":-1}}`)
	rr := httptest.NewRecorder()
	s.OptimizeHandler(rr, httptest.NewRequest(http.MethodPost, "/v1/optimize", bytes.NewReader(body)))
	if rr.Code != http.StatusFailedDependency {
		t.Fatalf("got %d, want 424: %s", rr.Code, rr.Body)
	}
}

func TestOptimizeForbiddenForViewer(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/optimize", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("X-Role", "viewer")
	rr := httptest.NewRecorder()
	s.OptimizeHandler(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("got %d, want 403", rr.Code)
	}
}

func TestValidateEndpoint(t *testing.T) {
	s := newTestServer(t)
	good := `{
		"solution":{"routes":[{"id":"r1","vehicleId":"veh-1","stops":[
			{"type":"pickup","shipmentId":"S1"},{"type":"delivery","shipmentId":"S1"}
		]}],"unassignedShipments":[]},
		"shipments":[` + shipmentJSON("S1", 5, 40, -75, 40.2, -75) + `],
		"config":{"timeWindows":{"enabled":false}}
	}`
	rr := httptest.NewRecorder()
	s.ValidateHandler(rr, httptest.NewRequest(http.MethodPost, "/v1/solutions/validate", bytes.NewReader([]byte(good))))
	if rr.Code != 200 {
		t.Fatalf("validate: %d: %s", rr.Code, rr.Body)
	}
	var res model.ValidateResult
	_ = json.Unmarshal(rr.Body.Bytes(), &res)
	if !res.Valid {
		t.Fatalf("want valid, got: %s", res.Error)
	}

	bad := `{
		"solution":{"routes":[{"id":"r1","vehicleId":"veh-1","stops":[
			{"type":"pickup","shipmentId":"S1"},{"type":"pickup","shipmentId":"S2"},
			{"type":"delivery","shipmentId":"S1"},{"type":"delivery","shipmentId":"S2"}
		]}],"unassignedShipments":[]},
		"shipments":[` + shipmentJSON("S1", 5, 40, -75, 40.2, -75) + `,` + shipmentJSON("S2", 5, 40, -75, 40.2, -75) + `],
		"config":{"timeWindows":{"enabled":false}}
	}`
	rr = httptest.NewRecorder()
	s.ValidateHandler(rr, httptest.NewRequest(http.MethodPost, "/v1/solutions/validate", bytes.NewReader([]byte(bad))))
	var res2 model.ValidateResult
	_ = json.Unmarshal(rr.Body.Bytes(), &res2)
	if res2.Valid {
		t.Fatal("stack-order violation should be invalid")
	}
}

func TestOptimizerConfigEndpoints(t *testing.T) {
	s := newTestServer(t)
	rr := httptest.NewRecorder()
	s.OptimizerConfigHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/optimizer/config", nil))
	if rr.Code != 200 {
		t.Fatalf("defaults: %d", rr.Code)
	}
	var out struct {
		Defaults map[string]any `json:"defaults"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &out)
	if out.Defaults["maxVehicles"] != float64(10) || out.Defaults["vehicleCapacityPallets"] != float64(20) {
		t.Fatalf("defaults: %+v", out.Defaults)
	}

	// admin override
	put := httptest.NewRequest(http.MethodPut, "/v1/admin/optimizer/config",
		bytes.NewReader([]byte(`{"config":{"maxVehicles":4}}`)))
	rr = httptest.NewRecorder()
	s.AdminOptimizerConfigHandler(rr, put)
	if rr.Code != 200 {
		t.Fatalf("put config: %d: %s", rr.Code, rr.Body)
	}

	rr = httptest.NewRecorder()
	s.OptimizerConfigHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/optimizer/config", nil))
	_ = json.Unmarshal(rr.Body.Bytes(), &out)
	if out.Defaults["maxVehicles"] != float64(4) {
		t.Fatalf("override not merged: %+v", out.Defaults["maxVehicles"])
	}

	// non-admin rejected
	put = httptest.NewRequest(http.MethodPut, "/v1/admin/optimizer/config",
		bytes.NewReader([]byte(`{"config":{"maxVehicles":2}}`)))
	put.Header.Set("X-Role", "planner")
	rr = httptest.NewRecorder()
	s.AdminOptimizerConfigHandler(rr, put)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("planner put: %d, want 403", rr.Code)
	}

	// invalid override rejected
	put = httptest.NewRequest(http.MethodPut, "/v1/admin/optimizer/config",
		bytes.NewReader([]byte(`{"config":{"capacity":{"enabled":true,"weight":-1}}}`)))
	rr = httptest.NewRecorder()
	s.AdminOptimizerConfigHandler(rr, put)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("invalid config put: %d, want 400: %s", rr.Code, rr.Body)
	}
}

func TestAdminRunStats(t *testing.T) {
	s := newTestServer(t)
	for i := 0; i < 2; i++ {
		body := `{"shipments":[` + shipmentJSON(fmt.Sprintf("S%d", i), 5, 40, -75, 40.2, -75) + `],"config":{"timeBudgetSec":-1}}`
		rr := httptest.NewRecorder()
		s.OptimizeHandler(rr, httptest.NewRequest(http.MethodPost, "/v1/optimize", bytes.NewReader([]byte(body))))
		if rr.Code != 200 {
			t.Fatalf("optimize %d: %d: %s", i, rr.Code, rr.Body)
		}
	}

	rr := httptest.NewRecorder()
	s.AdminRunStatsHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/admin/runs/stats", nil))
	if rr.Code != 200 {
		t.Fatalf("stats: %d: %s", rr.Code, rr.Body)
	}
	var stats struct {
		Runs        int            `json:"runs"`
		Solved      int            `json:"solved"`
		ByState     map[string]int `json:"byState"`
		AvgDistance float64        `json:"avgTotalDistance"`
		AvgCost     float64        `json:"avgTotalCost"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.Runs != 2 || stats.Solved != 2 || stats.ByState["done"] != 2 {
		t.Fatalf("stats: %+v", stats)
	}
	if stats.AvgDistance <= 0 || stats.AvgCost <= 0 {
		t.Fatalf("averages missing: %+v", stats)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/runs/stats", nil)
	req.Header.Set("X-Role", "planner")
	rr = httptest.NewRecorder()
	s.AdminRunStatsHandler(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("planner stats: %d, want 403", rr.Code)
	}
}

func TestOptimizeRateLimited(t *testing.T) {
	s, err := NewServer(config.Config{
		Geocoder:          config.Geocoder{Disabled: true},
		OptimizeRPS:       1,
		MaxConcurrentRuns: 2,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	body := `{"shipments":[` + shipmentJSON("S1", 5, 40, -75, 40.2, -75) + `],"config":{"timeBudgetSec":-1}}`

	rr := httptest.NewRecorder()
	s.OptimizeHandler(rr, httptest.NewRequest(http.MethodPost, "/v1/optimize", bytes.NewReader([]byte(body))))
	if rr.Code != 200 {
		t.Fatalf("first call: %d: %s", rr.Code, rr.Body)
	}
	rr = httptest.NewRecorder()
	s.OptimizeHandler(rr, httptest.NewRequest(http.MethodPost, "/v1/optimize", bytes.NewReader([]byte(body))))
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second call: %d, want 429", rr.Code)
	}
}

func TestValidateRequestChecks(t *testing.T) {
	bad := []model.OptimizeRequest{
		{Shipments: []model.Shipment{{ID: "", PalletCount: 3}}},
		{Shipments: []model.Shipment{{ID: "a", PalletCount: 0}}},
		{Shipments: []model.Shipment{{ID: "a", PalletCount: 27}}},
		{Shipments: []model.Shipment{
			{ID: "a", PalletCount: 3, Origin: model.Location{City: "x", State: "XX"}, Destination: model.Location{City: "y", State: "YY"}},
			{ID: "a", PalletCount: 3, Origin: model.Location{City: "x", State: "XX"}, Destination: model.Location{City: "y", State: "YY"}},
		}},
	}
	for i, req := range bad {
		if err := validateOptimizeRequest(&req); err == nil {
			t.Fatalf("case %d should fail", i)
		}
	}
}
