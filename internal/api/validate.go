package api

import (
	"fmt"

	"routeopt/internal/model"
)

// Structural request checks. Constraint-dimension validation happens in
// the engine; this catches malformed shipments before any work starts.
func validateOptimizeRequest(req *model.OptimizeRequest) error {
	seen := map[string]struct{}{}
	for i, s := range req.Shipments {
		if s.ID == "" {
			return fmt.Errorf("shipment[%d]: id is required", i)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("shipment %s: duplicate id", s.ID)
		}
		seen[s.ID] = struct{}{}
		if s.PalletCount < 1 || s.PalletCount > 26 {
			return fmt.Errorf("shipment %s: palletCount %d outside 1..26", s.ID, s.PalletCount)
		}
		if err := checkLocation(s.ID, "origin", s.Origin); err != nil {
			return err
		}
		if err := checkLocation(s.ID, "destination", s.Destination); err != nil {
			return err
		}
		for _, tw := range []*model.TimeWindow{s.PickupWindow, s.DeliveryWindow} {
			if tw != nil && !tw.Start.Before(tw.End) {
				return fmt.Errorf("shipment %s: time window start must precede end", s.ID)
			}
		}
		if s.PickupWindow != nil && s.DeliveryWindow != nil &&
			!s.PickupWindow.Start.Before(s.DeliveryWindow.End) {
			return fmt.Errorf("shipment %s: pickup window opens after delivery window closes", s.ID)
		}
	}
	if c := req.Config; c != nil {
		// negative timeBudgetSec is allowed: it skips the improvement phase
		if c.MaxVehicles < 0 || c.MaxShipments < 0 || c.VehicleCapacity < 0 {
			return fmt.Errorf("limits must be >= 0")
		}
		if c.MaxRouteDistance < 0 || c.MaxRouteTime < 0 || c.SpeedMph < 0 || c.CostPerMile < 0 {
			return fmt.Errorf("route parameters must be >= 0")
		}
	}
	return nil
}

func checkLocation(shipID, field string, l model.Location) error {
	if l.Resolved() {
		if *l.Lat < -90 || *l.Lat > 90 || *l.Lng < -180 || *l.Lng > 180 {
			return fmt.Errorf("shipment %s: %s coordinates out of range", shipID, field)
		}
		return nil
	}
	if l.City == "" || l.State == "" {
		return fmt.Errorf("shipment %s: %s needs coordinates or city/state", shipID, field)
	}
	return nil
}
