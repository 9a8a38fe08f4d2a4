package model

import "time"

// Core domain types exchanged between the API, the store and the optimizer.

// Location is a city/state place, optionally geocoded. Coordinates are
// pointers so "not yet resolved" is distinguishable from (0,0).
type Location struct {
	City  string   `json:"city"`
	State string   `json:"state"`
	Lat   *float64 `json:"lat,omitempty"`
	Lng   *float64 `json:"lng,omitempty"`
}

// Resolved reports whether both coordinates are present.
func (l Location) Resolved() bool { return l.Lat != nil && l.Lng != nil }

// Key returns the normalized cache key for geocoding lookups.
func (l Location) Key() string { return l.City + "," + l.State }

// TimeWindow is an allowed arrival interval at a stop.
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Shipment is a pickup/delivery pair with a pallet demand and optional
// time windows. PalletCount is domain-bounded to 1..26. When both windows
// are present the pickup window must open before the delivery window
// closes.
type Shipment struct {
	ID             string      `json:"id"`
	Origin         Location    `json:"origin"`
	Destination    Location    `json:"destination"`
	PalletCount    int         `json:"palletCount"`
	Volume         float64     `json:"volume,omitempty"`
	Weight         float64     `json:"weight,omitempty"`
	PickupWindow   *TimeWindow `json:"pickupWindow,omitempty"`
	DeliveryWindow *TimeWindow `json:"deliveryWindow,omitempty"`
}

// Stop is one entry in a route's ordered stop sequence.
type Stop struct {
	Type       string `json:"type"` // pickup | delivery
	ShipmentID string `json:"shipmentId"`
}

const (
	StopPickup   = "pickup"
	StopDelivery = "delivery"
)

// Route is one vehicle's ordered stop sequence with aggregated metrics.
type Route struct {
	ID            string  `json:"id"`
	VehicleID     string  `json:"vehicleId"`
	Stops         []Stop  `json:"stops"`
	TotalDistance float64 `json:"totalDistance"`
	TotalPallets  int     `json:"totalPallets"`
}

// Solution is the result of one optimize call. Every input shipment is
// either fully routed (both stops on one route) or listed in Unassigned.
type Solution struct {
	ID            string     `json:"id"`
	CreatedAt     string     `json:"createdAt,omitempty"`
	Routes        []Route    `json:"routes"`
	TotalDistance float64    `json:"totalDistance"`
	TotalCost     float64    `json:"totalCost"`
	Unassigned    []Shipment `json:"unassignedShipments"`
}

// ConstraintConfig toggles one constraint dimension and sets its weight in
// multi-objective tie-breaking and its soft-relaxation penalty.
type ConstraintConfig struct {
	Enabled bool    `json:"enabled"`
	Weight  float64 `json:"weight"`
	Penalty float64 `json:"penalty"`
}

// OptimizeConfig carries all tunables for one optimize call. Zero values
// mean "use server default". A negative TimeBudgetSec skips the
// improvement phase and returns the constructed solution directly.
type OptimizeConfig struct {
	MaxVehicles      int               `json:"maxVehicles,omitempty"`
	VehicleCapacity  int               `json:"vehicleCapacityPallets,omitempty"`
	MaxRouteDistance float64           `json:"maxRouteDistance,omitempty"` // miles
	MaxRouteTime     int               `json:"maxRouteTimeMin,omitempty"`  // minutes
	MaxShipments     int               `json:"maxShipments,omitempty"`
	TimeBudgetSec    int               `json:"timeBudgetSec,omitempty"`
	ServiceTimeMin   int               `json:"serviceTimeMin,omitempty"`
	WaitingSlackMin  int               `json:"waitingSlackMin,omitempty"`
	SpeedMph         float64           `json:"speedMph,omitempty"`
	CostPerMile      float64           `json:"costPerMile,omitempty"`
	Seed             int64             `json:"seed,omitempty"`
	Capacity         *ConstraintConfig `json:"capacity,omitempty"`
	LifoPrecedence   *ConstraintConfig `json:"lifoPrecedence,omitempty"`
	TimeWindows      *ConstraintConfig `json:"timeWindows,omitempty"`
	SoftTimeWindows  bool              `json:"softTimeWindows,omitempty"`
}

// OptimizeRequest is the POST /v1/optimize body. Shipments may be inline
// or, when empty, loaded from the store.
type OptimizeRequest struct {
	Shipments []Shipment      `json:"shipments,omitempty"`
	Config    *OptimizeConfig `json:"config,omitempty"`
	Persist   bool            `json:"persist,omitempty"`
}

// OptimizeResponse wraps a Solution with its run id and engine metrics.
type OptimizeResponse struct {
	RunID    string         `json:"runId"`
	Solution Solution       `json:"solution"`
	Metrics  map[string]any `json:"metrics,omitempty"`
}

// Run is one optimize invocation tracked by the store: its engine state,
// final metrics and, once done, the solution.
type Run struct {
	ID        string         `json:"id"`
	CreatedAt time.Time      `json:"createdAt"`
	State     string         `json:"state"`
	Error     string         `json:"error,omitempty"`
	Metrics   map[string]any `json:"metrics,omitempty"`
	Solution  *Solution      `json:"solution,omitempty"`
}

// ValidateRequest is the POST /v1/solutions/validate body. Shipments
// supply pallet counts and windows for stops referenced by id.
type ValidateRequest struct {
	Solution  Solution        `json:"solution"`
	Shipments []Shipment      `json:"shipments"`
	Config    *OptimizeConfig `json:"config,omitempty"`
}

// ValidateResult reports the outcome of an independent invariant re-check.
type ValidateResult struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}
