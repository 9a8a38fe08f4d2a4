package opt

import (
	"fmt"
	"time"

	"routeopt/internal/model"
)

// The three constraint dimensions. Capacity is a cumulative pallet sum
// bounded by [0, vehicle capacity] at every prefix. LIFO is strict stack
// discipline: the next delivery must be for the most recently picked-up
// shipment still aboard, which is stronger than pickup-before-delivery
// precedence. Time is a cumulative minutes metric with per-node windows,
// fixed service time, bounded waiting slack and a route duration cap.

// routeEval is the result of simulating one route's node sequence.
type routeEval struct {
	feasible bool
	dist     float64 // miles, including depot arcs
	duration float64 // minutes
	lateness float64 // soft time-window lateness, minutes
	lateStop int     // count of stops served past their window
}

// evalRoute simulates seq (node indices, no depot) against all enabled
// dimensions and returns its metrics. Infeasible sequences report which
// totals were accumulated up to the violation, but feasible=false.
func (p *Problem) evalRoute(seq []int) routeEval {
	ev := routeEval{feasible: true}
	if len(seq) == 0 {
		return ev
	}
	cfg := p.cfg
	load := 0
	stack := make([]int, 0, len(seq)/2)
	onboard := make(map[int]bool, len(seq)/2)
	prev := p.Depot
	t := 0.0
	for _, ni := range seq {
		nd := p.Nodes[ni]

		// Precedence and LIFO stack discipline.
		switch nd.Kind {
		case KindPickup:
			stack = append(stack, nd.Shipment)
			onboard[nd.Shipment] = true
		case KindDelivery:
			if !onboard[nd.Shipment] {
				ev.feasible = false
				return ev
			}
			if cfg.Lifo.Enabled {
				if len(stack) == 0 || stack[len(stack)-1] != nd.Shipment {
					ev.feasible = false
					return ev
				}
				stack = stack[:len(stack)-1]
			} else {
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == nd.Shipment {
						stack = append(stack[:i], stack[i+1:]...)
						break
					}
				}
			}
			delete(onboard, nd.Shipment)
		}

		// Capacity prefix bound.
		load += nd.Demand
		if cfg.Capacity.Enabled && (load < 0 || load > cfg.VehicleCapacity) {
			ev.feasible = false
			return ev
		}

		// Distance cap.
		ev.dist += p.Dist.At(prev, ni)
		if cfg.MaxRouteDistance > 0 && ev.dist > cfg.MaxRouteDistance {
			ev.feasible = false
			return ev
		}

		// Time metric.
		if cfg.TimeWindows.Enabled {
			t += p.Time.At(prev, ni)
			if nd.Window != nil {
				if t < nd.Window.Start {
					wait := nd.Window.Start - t
					if float64(cfg.WaitingSlack) > 0 && wait > float64(cfg.WaitingSlack) {
						ev.feasible = false
						return ev
					}
					t = nd.Window.Start
				}
				if t > nd.Window.End {
					if !cfg.SoftTimeWindows {
						ev.feasible = false
						return ev
					}
					ev.lateness += t - nd.Window.End
					ev.lateStop++
				}
			}
			t += float64(cfg.ServiceTime)
			if cfg.MaxRouteTime > 0 && t > float64(cfg.MaxRouteTime) {
				ev.feasible = false
				return ev
			}
		}
		prev = ni
	}
	ev.dist += p.Dist.At(prev, p.Depot)
	if cfg.MaxRouteDistance > 0 && ev.dist > cfg.MaxRouteDistance {
		ev.feasible = false
		return ev
	}
	if cfg.TimeWindows.Enabled {
		t += p.Time.At(prev, p.Depot)
		if cfg.MaxRouteTime > 0 && t > float64(cfg.MaxRouteTime) {
			ev.feasible = false
			return ev
		}
	}
	ev.duration = t
	// A route may not end with shipments still aboard.
	if len(onboard) != 0 {
		ev.feasible = false
	}
	return ev
}

// ValidateSolution independently re-checks the completeness, capacity,
// LIFO and (when enabled) time-window invariants against a materialized
// Solution. It is a post-hoc gate, not a construction-time filter.
func ValidateSolution(sol model.Solution, shipments []model.Shipment, cfg Config) (bool, string) {
	byID := make(map[string]model.Shipment, len(shipments))
	for _, s := range shipments {
		byID[s.ID] = s
	}
	// Same minute-zero anchor the engine uses: the earliest window start
	// across the whole shipment set, not per route.
	horizon := horizonStart(shipments)
	placed := map[string]int{} // shipment id -> stops seen across all routes

	for _, rt := range sol.Routes {
		load := 0
		stack := []string{}
		onboard := map[string]bool{}
		seen := map[string]int{}
		for _, st := range rt.Stops {
			s, ok := byID[st.ShipmentID]
			if !ok {
				return false, fmt.Sprintf("route %s references unknown shipment %s", rt.ID, st.ShipmentID)
			}
			switch st.Type {
			case model.StopPickup:
				load += s.PalletCount
				stack = append(stack, s.ID)
				onboard[s.ID] = true
			case model.StopDelivery:
				if !onboard[s.ID] {
					return false, fmt.Sprintf("route %s: delivery of %s before its pickup", rt.ID, s.ID)
				}
				if cfg.Lifo.Enabled {
					if len(stack) == 0 || stack[len(stack)-1] != s.ID {
						return false, fmt.Sprintf("route %s: LIFO violation at shipment %s", rt.ID, s.ID)
					}
					stack = stack[:len(stack)-1]
				}
				load -= s.PalletCount
				delete(onboard, s.ID)
			default:
				return false, fmt.Sprintf("route %s: unknown stop type %q", rt.ID, st.Type)
			}
			if cfg.Capacity.Enabled && (load < 0 || load > cfg.VehicleCapacity) {
				return false, fmt.Sprintf("route %s: pallet load %d outside [0,%d] at shipment %s", rt.ID, load, cfg.VehicleCapacity, s.ID)
			}
			seen[s.ID]++
			placed[s.ID]++
		}
		if len(onboard) != 0 {
			return false, fmt.Sprintf("route %s ends with undelivered shipments", rt.ID)
		}
		for id, n := range seen {
			if n != 2 {
				return false, fmt.Sprintf("route %s: shipment %s has %d stops, want 2", rt.ID, id, n)
			}
		}
		if cfg.TimeWindows.Enabled && !cfg.SoftTimeWindows {
			if ok, msg := validateRouteSchedule(rt, byID, cfg, horizon); !ok {
				return false, msg
			}
		}
	}

	// Completeness: each shipment is fully routed or unassigned, never both.
	unassigned := map[string]bool{}
	for _, s := range sol.Unassigned {
		unassigned[s.ID] = true
	}
	for _, s := range shipments {
		n := placed[s.ID]
		switch {
		case n == 2 && !unassigned[s.ID]:
		case n == 0 && unassigned[s.ID]:
		default:
			return false, fmt.Sprintf("shipment %s: partial placement (stops=%d, unassigned=%v)", s.ID, n, unassigned[s.ID])
		}
	}
	return true, ""
}

// validateRouteSchedule replays travel times over a route's stops and
// checks every hard window against the shared horizon. Stops with
// unresolved coordinates cannot be scheduled and fail validation.
func validateRouteSchedule(rt model.Route, byID map[string]model.Shipment, cfg Config, horizon time.Time) (bool, string) {
	speed := cfg.SpeedMph
	if speed <= 0 {
		speed = 45
	}
	dist := cfg.Distance
	if dist == nil {
		dist = HaversineMiles
	}
	var prevLat, prevLng float64
	havePrev := false
	t := 0.0
	for _, st := range rt.Stops {
		s := byID[st.ShipmentID]
		loc := s.Origin
		tw := s.PickupWindow
		if st.Type == model.StopDelivery {
			loc = s.Destination
			tw = s.DeliveryWindow
		}
		if !loc.Resolved() {
			return false, fmt.Sprintf("route %s: stop at %s has no coordinates", rt.ID, loc.Key())
		}
		if havePrev {
			t += dist(prevLat, prevLng, *loc.Lat, *loc.Lng) / speed * 60
		}
		if tw != nil {
			start := tw.Start.Sub(horizon).Minutes()
			end := tw.End.Sub(horizon).Minutes()
			if t < start {
				if wait := start - t; cfg.WaitingSlack > 0 && wait > float64(cfg.WaitingSlack) {
					return false, fmt.Sprintf("route %s: wait %.0f min at shipment %s exceeds slack", rt.ID, wait, s.ID)
				}
				t = start
			}
			if t > end {
				return false, fmt.Sprintf("route %s: shipment %s %s arrives %.0f min late", rt.ID, s.ID, st.Type, t-end)
			}
		}
		t += float64(cfg.ServiceTime)
		if cfg.MaxRouteTime > 0 && t > float64(cfg.MaxRouteTime) {
			return false, fmt.Sprintf("route %s exceeds max route time", rt.ID)
		}
		prevLat, prevLng = *loc.Lat, *loc.Lng
		havePrev = true
	}
	return true, ""
}

