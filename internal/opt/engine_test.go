package opt

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"routeopt/internal/model"
)

func loc(lat, lng float64) model.Location {
	return model.Location{City: "x", State: "XX", Lat: &lat, Lng: &lng}
}

func ship(id string, pallets int, from, to model.Location) model.Shipment {
	return model.Shipment{ID: id, Origin: from, Destination: to, PalletCount: pallets}
}

// testConfig disables time windows and the improvement phase so runs are
// fully deterministic.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.TimeBudget = 0
	cfg.TimeWindows.Enabled = false
	cfg.Seed = 1
	return cfg
}

func TestSolveSingleShipmentSingleRoute(t *testing.T) {
	cfg := testConfig()
	cfg.MaxVehicles = 1
	cfg.VehicleCapacity = 10
	sh := []model.Shipment{ship("S1", 5, loc(40.0, -75.0), loc(40.2, -75.0))}

	sol, m, err := NewEngine(cfg).Solve(context.Background(), sh)
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	if len(sol.Routes) != 1 {
		t.Fatalf("want 1 route, got %d", len(sol.Routes))
	}
	want := []model.Stop{
		{Type: model.StopPickup, ShipmentID: "S1"},
		{Type: model.StopDelivery, ShipmentID: "S1"},
	}
	if !reflect.DeepEqual(sol.Routes[0].Stops, want) {
		t.Fatalf("stops = %+v, want %+v", sol.Routes[0].Stops, want)
	}
	if len(sol.Unassigned) != 0 {
		t.Fatalf("unexpected unassigned: %+v", sol.Unassigned)
	}
	if m.State != "done" {
		t.Fatalf("state = %s, want done", m.State)
	}
	if sol.Routes[0].TotalPallets != 5 {
		t.Fatalf("peak pallets = %d, want 5", sol.Routes[0].TotalPallets)
	}
}

func TestSolveDistanceCapLeavesShipmentUnassigned(t *testing.T) {
	cfg := testConfig()
	cfg.MaxVehicles = 1
	cfg.VehicleCapacity = 26
	cfg.MaxRouteDistance = 50
	// The two legs are ~14 mi each but the pairs sit ~90 mi apart, so one
	// vehicle cannot serve both under the cap.
	sh := []model.Shipment{
		ship("A", 20, loc(40.0, -75.0), loc(40.2, -75.0)),
		ship("B", 20, loc(41.5, -75.0), loc(41.7, -75.0)),
	}

	sol, _, err := NewEngine(cfg).Solve(context.Background(), sh)
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	if len(sol.Unassigned) == 0 {
		t.Fatalf("want at least one unassigned shipment, got none (routes=%+v)", sol.Routes)
	}
	if ok, msg := ValidateSolution(sol, sh, cfg); !ok {
		t.Fatalf("solution invalid: %s", msg)
	}
}

func TestSolveImpossibleHardWindowUnassigned(t *testing.T) {
	cfg := testConfig()
	cfg.MaxVehicles = 1
	cfg.TimeWindows = ConstraintConfig{Enabled: true, Weight: 1, Penalty: 500}
	t0 := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	s := ship("S1", 5, loc(40.0, -75.0), loc(40.2, -75.0))
	s.PickupWindow = &model.TimeWindow{Start: t0, End: t0.Add(10 * time.Minute)}
	// Delivery closes before service plus travel can possibly finish.
	s.DeliveryWindow = &model.TimeWindow{Start: t0.Add(5 * time.Minute), End: t0.Add(8 * time.Minute)}

	sol, _, err := NewEngine(cfg).Solve(context.Background(), []model.Shipment{s})
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	if len(sol.Routes) != 0 || len(sol.Unassigned) != 1 {
		t.Fatalf("want all-unassigned outcome, got routes=%d unassigned=%d", len(sol.Routes), len(sol.Unassigned))
	}
}

func TestSolveSoftWindowRoutesWithLateness(t *testing.T) {
	cfg := testConfig()
	cfg.MaxVehicles = 1
	cfg.TimeWindows = ConstraintConfig{Enabled: true, Weight: 1, Penalty: 500}
	cfg.SoftTimeWindows = true
	t0 := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	s := ship("S1", 5, loc(40.0, -75.0), loc(40.2, -75.0))
	s.PickupWindow = &model.TimeWindow{Start: t0, End: t0.Add(10 * time.Minute)}
	s.DeliveryWindow = &model.TimeWindow{Start: t0.Add(5 * time.Minute), End: t0.Add(8 * time.Minute)}

	sol, _, err := NewEngine(cfg).Solve(context.Background(), []model.Shipment{s})
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	if len(sol.Routes) != 1 || len(sol.Unassigned) != 0 {
		t.Fatalf("soft windows should route the shipment, got routes=%d unassigned=%d", len(sol.Routes), len(sol.Unassigned))
	}
}

// Windows opening at different absolute times must share one minute-zero
// anchor between the engine and the validator. A route whose windows all
// open after the global earliest start used to be re-anchored by the
// validator and declared late.
func TestSolveHardWindowsValidateAcrossRoutes(t *testing.T) {
	cfg := testConfig()
	cfg.MaxVehicles = 2
	cfg.MaxRouteDistance = 50
	cfg.TimeWindows = ConstraintConfig{Enabled: true, Weight: 1, Penalty: 500}
	t0 := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	a := ship("A", 5, loc(41.0, -75.0), loc(41.05, -75.0))
	a.PickupWindow = &model.TimeWindow{Start: t0, End: t0.Add(10 * time.Minute)}
	// B's only window opens 20 minutes after the global horizon and its
	// pickup is unwindowed; the clusters sit too far apart to share a route.
	b := ship("B", 5, loc(40.0, -75.0), loc(40.05, -75.0))
	b.DeliveryWindow = &model.TimeWindow{Start: t0.Add(20 * time.Minute), End: t0.Add(26 * time.Minute)}
	sh := []model.Shipment{a, b}

	sol, _, err := NewEngine(cfg).Solve(context.Background(), sh)
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	if len(sol.Unassigned) != 0 {
		t.Fatalf("unassigned: %+v", sol.Unassigned)
	}
	if len(sol.Routes) != 2 {
		t.Fatalf("want 2 routes, got %d", len(sol.Routes))
	}
	if ok, msg := ValidateSolution(sol, sh, cfg); !ok {
		t.Fatalf("validator rejected the engine's own output: %s", msg)
	}
}

func TestShipmentLimitRejectedBeforeMatrixWork(t *testing.T) {
	cfg := testConfig()
	cfg.MaxShipments = 2
	// The third shipment has no coordinates; the limit check must fire
	// before the coordinate pass or any matrix construction would.
	sh := []model.Shipment{
		ship("A", 1, loc(40, -75), loc(40.1, -75)),
		ship("B", 1, loc(40, -75), loc(40.1, -75)),
		{ID: "C", Origin: model.Location{City: "nowhere", State: "ZZ"}, Destination: model.Location{City: "nowhere", State: "ZZ"}, PalletCount: 1},
	}

	_, m, err := NewEngine(cfg).Solve(context.Background(), sh)
	var re *ResourceExhaustedError
	if !errors.As(err, &re) {
		t.Fatalf("want ResourceExhaustedError, got %v", err)
	}
	if re.Resource != "shipments" || re.Limit != 2 || re.Actual != 3 {
		t.Fatalf("unexpected error detail: %+v", re)
	}
	if m.State != "failed" {
		t.Fatalf("state = %s, want failed", m.State)
	}
}

func TestUnresolvedCoordinatesRejected(t *testing.T) {
	cfg := testConfig()
	sh := []model.Shipment{
		{ID: "A", Origin: model.Location{City: "springfield", State: "IL"}, Destination: loc(40, -75), PalletCount: 1},
	}
	_, _, err := NewEngine(cfg).Solve(context.Background(), sh)
	var ge *GeocodingDependencyError
	if !errors.As(err, &ge) {
		t.Fatalf("want GeocodingDependencyError, got %v", err)
	}
	if ge.ShipmentID != "A" {
		t.Fatalf("unexpected shipment id %q", ge.ShipmentID)
	}
}

func TestConfigValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative weight", func(c *Config) { c.Capacity.Weight = -1 }},
		{"negative penalty", func(c *Config) { c.Lifo.Penalty = -5 }},
		{"enabled without weight or penalty", func(c *Config) { c.TimeWindows = ConstraintConfig{Enabled: true} }},
		{"soft without enabled", func(c *Config) { c.TimeWindows.Enabled = false; c.SoftTimeWindows = true }},
		{"zero vehicles", func(c *Config) { c.MaxVehicles = 0 }},
		{"zero capacity", func(c *Config) { c.VehicleCapacity = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			var ce *ConstraintConfigurationError
			if !errors.As(err, &ce) {
				t.Fatalf("want ConstraintConfigurationError, got %v", err)
			}
		})
	}
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

// Ten shipments across two clusters: every invariant the validator checks
// must hold on the engine's own output.
func TestSolveInvariantsHold(t *testing.T) {
	cfg := testConfig()
	cfg.MaxVehicles = 3
	cfg.VehicleCapacity = 20
	var sh []model.Shipment
	for i := 0; i < 10; i++ {
		base := 40.0 + float64(i%2)*1.0
		sh = append(sh, ship(
			fmt.Sprintf("S%d", i),
			1+(i%5)*3,
			loc(base+float64(i)*0.01, -75.0),
			loc(base+float64(i)*0.01+0.1, -75.2),
		))
	}

	sol, m, err := NewEngine(cfg).Solve(context.Background(), sh)
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	if ok, msg := ValidateSolution(sol, sh, cfg); !ok {
		t.Fatalf("invariant violated: %s", msg)
	}
	routed := 0
	for _, rt := range sol.Routes {
		routed += len(rt.Stops) / 2
	}
	if routed+len(sol.Unassigned) != len(sh) {
		t.Fatalf("completeness: routed=%d unassigned=%d total=%d", routed, len(sol.Unassigned), len(sh))
	}
	if m.BestCost <= 0 {
		t.Fatalf("best cost = %f", m.BestCost)
	}
}

func TestSolveDeterministicWithSeed(t *testing.T) {
	cfg := testConfig()
	cfg.MaxVehicles = 2
	var sh []model.Shipment
	for i := 0; i < 6; i++ {
		sh = append(sh, ship(
			fmt.Sprintf("S%d", i), 2+i,
			loc(40.0+float64(i)*0.05, -75.0),
			loc(40.0+float64(i)*0.05, -75.3),
		))
	}
	a, _, err := NewEngine(cfg).Solve(context.Background(), sh)
	if err != nil {
		t.Fatalf("solve a: %v", err)
	}
	b, _, err := NewEngine(cfg).Solve(context.Background(), sh)
	if err != nil {
		t.Fatalf("solve b: %v", err)
	}
	if len(a.Routes) != len(b.Routes) {
		t.Fatalf("route counts differ: %d vs %d", len(a.Routes), len(b.Routes))
	}
	for i := range a.Routes {
		if !reflect.DeepEqual(a.Routes[i].Stops, b.Routes[i].Stops) {
			t.Fatalf("route %d stop order differs:\n%+v\n%+v", i, a.Routes[i].Stops, b.Routes[i].Stops)
		}
		if a.Routes[i].VehicleID != b.Routes[i].VehicleID {
			t.Fatalf("route %d vehicle differs", i)
		}
	}
	if a.TotalDistance != b.TotalDistance {
		t.Fatalf("total distance differs: %f vs %f", a.TotalDistance, b.TotalDistance)
	}
}

func TestSolveImprovementRespectsBudget(t *testing.T) {
	cfg := testConfig()
	cfg.TimeBudget = 50 * time.Millisecond
	cfg.MaxVehicles = 2
	var sh []model.Shipment
	for i := 0; i < 8; i++ {
		sh = append(sh, ship(
			fmt.Sprintf("S%d", i), 3,
			loc(40.0+float64(i)*0.07, -75.0),
			loc(40.0+float64(i)*0.07, -75.4),
		))
	}
	start := time.Now()
	sol, m, err := NewEngine(cfg).Solve(context.Background(), sh)
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("solve ran %v, far past the budget", elapsed)
	}
	if m.BestCost > m.InitialCost {
		t.Fatalf("improvement made the solution worse: %f > %f", m.BestCost, m.InitialCost)
	}
	if ok, msg := ValidateSolution(sol, sh, cfg); !ok {
		t.Fatalf("invariant violated after improvement: %s", msg)
	}
}

func TestProgressReportsStates(t *testing.T) {
	cfg := testConfig()
	eng := NewEngine(cfg)
	var states []State
	eng.Progress = func(s State, _ int, _ float64) { states = append(states, s) }

	_, _, err := eng.Solve(context.Background(), []model.Shipment{ship("S1", 5, loc(40, -75), loc(40.1, -75))})
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	if len(states) < 2 || states[0] != StateConstructing || states[len(states)-1] != StateDone {
		t.Fatalf("state sequence = %v", states)
	}
}

func TestValidateSolutionRejectsLifoViolation(t *testing.T) {
	sh := []model.Shipment{
		ship("A", 3, loc(40, -75), loc(40.1, -75)),
		ship("B", 3, loc(40, -75), loc(40.1, -75)),
	}
	// pickup A, pickup B, deliver A, deliver B: valid precedence, broken
	// stack discipline.
	sol := model.Solution{Routes: []model.Route{{
		ID: "r1", VehicleID: "veh-1",
		Stops: []model.Stop{
			{Type: model.StopPickup, ShipmentID: "A"},
			{Type: model.StopPickup, ShipmentID: "B"},
			{Type: model.StopDelivery, ShipmentID: "A"},
			{Type: model.StopDelivery, ShipmentID: "B"},
		},
	}}}

	cfg := testConfig()
	if ok, _ := ValidateSolution(sol, sh, cfg); ok {
		t.Fatal("strict LIFO should reject deliver-A-before-B after pickup order A,B")
	}
	cfg.Lifo.Enabled = false
	if ok, msg := ValidateSolution(sol, sh, cfg); !ok {
		t.Fatalf("precedence-only config should accept it: %s", msg)
	}
}

func TestValidateSolutionRejectsCapacityAndPartialPlacement(t *testing.T) {
	sh := []model.Shipment{
		ship("A", 15, loc(40, -75), loc(40.1, -75)),
		ship("B", 15, loc(40, -75), loc(40.1, -75)),
	}
	cfg := testConfig()
	cfg.VehicleCapacity = 20

	over := model.Solution{Routes: []model.Route{{
		ID: "r1", VehicleID: "veh-1",
		Stops: []model.Stop{
			{Type: model.StopPickup, ShipmentID: "A"},
			{Type: model.StopPickup, ShipmentID: "B"},
			{Type: model.StopDelivery, ShipmentID: "B"},
			{Type: model.StopDelivery, ShipmentID: "A"},
		},
	}}}
	if ok, _ := ValidateSolution(over, sh, cfg); ok {
		t.Fatal("30 pallets aboard a 20-pallet vehicle should fail")
	}

	partial := model.Solution{Routes: []model.Route{{
		ID: "r1", VehicleID: "veh-1",
		Stops: []model.Stop{{Type: model.StopPickup, ShipmentID: "A"}},
	}}}
	if ok, _ := ValidateSolution(partial, sh, cfg); ok {
		t.Fatal("pickup without delivery should fail")
	}

	missing := model.Solution{}
	if ok, _ := ValidateSolution(missing, sh, cfg); ok {
		t.Fatal("shipments neither routed nor unassigned should fail")
	}
}
