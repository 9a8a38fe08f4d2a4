package opt

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"routeopt/internal/model"
)

// extractSolution materializes a working plan into the wire-level
// Solution: per-route stop lists, distance and pallet aggregates, and
// the unassigned shipment set. Empty vehicles are omitted.
func extractSolution(p *Problem, pl plan) model.Solution {
	sol := model.Solution{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Routes:    []model.Route{},
	}
	for v := range pl.routes {
		rt := &pl.routes[v]
		if len(rt.seq) == 0 {
			continue
		}
		route := model.Route{
			ID:            uuid.NewString(),
			VehicleID:     fmt.Sprintf("veh-%d", v+1),
			Stops:         make([]model.Stop, 0, len(rt.seq)),
			TotalDistance: rt.eval.dist,
			TotalPallets:  peakLoad(p, rt.seq),
		}
		for _, ni := range rt.seq {
			nd := p.Nodes[ni]
			st := model.Stop{ShipmentID: p.Shipments[nd.Shipment].ID}
			if nd.Kind == KindPickup {
				st.Type = model.StopPickup
			} else {
				st.Type = model.StopDelivery
			}
			route.Stops = append(route.Stops, st)
		}
		sol.Routes = append(sol.Routes, route)
		sol.TotalDistance += route.TotalDistance
		sol.TotalCost += p.routeCost(rt.eval)
	}
	sol.Unassigned = make([]model.Shipment, 0, len(pl.skip))
	for _, k := range pl.skip {
		sol.Unassigned = append(sol.Unassigned, p.Shipments[k])
	}
	return sol
}
