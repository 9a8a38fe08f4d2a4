package opt

import (
	"time"

	"routeopt/internal/model"
)

// Node kinds. Shipment k expands to pickup node 2k and delivery node
// 2k+1; the depot is appended last with demand 0 and an open window.
const (
	KindPickup = iota
	KindDelivery
	KindDepot
)

// Node is one vertex of the routing graph.
type Node struct {
	Index    int
	Kind     int
	Shipment int // index into Problem.Shipments, -1 for depot
	Lat, Lng float64
	Demand   int // +pallets on pickup, -pallets on delivery
	Window   *Window
}

// Window is an arrival interval in minutes from the planning horizon start.
type Window struct {
	Start float64
	End   float64
}

// ConstraintConfig toggles one dimension and carries its weight and
// soft-relaxation penalty.
type ConstraintConfig struct {
	Enabled bool
	Weight  float64
	Penalty float64
}

// DistanceFunc computes travel distance in miles between two resolved
// locations. The default is great-circle; callers may substitute an
// asymmetric road-network function without changing the engine.
type DistanceFunc func(fromLat, fromLng, toLat, toLng float64) float64

// CostFunc converts total route distance into monetary cost.
type CostFunc func(distanceMiles float64) float64

// Config carries all tunables for one solve.
type Config struct {
	MaxVehicles      int
	VehicleCapacity  int     // pallets
	MaxRouteDistance float64 // miles
	// MaxRouteTime caps route duration in minutes. It rides on the time
	// matrix, so it only binds while the time-window dimension is enabled.
	MaxRouteTime int
	MaxShipments int
	TimeBudget   time.Duration // improvement budget; 0 = construction only
	ServiceTime  int           // minutes per stop
	// WaitingSlack bounds early-arrival waiting in minutes. 0 leaves
	// waiting unbounded; the server defaults never pass 0.
	WaitingSlack int
	SpeedMph     float64
	CostPerMile      float64
	Seed             int64
	Depot            *model.Location

	Capacity    ConstraintConfig
	Lifo        ConstraintConfig
	TimeWindows ConstraintConfig
	// SoftTimeWindows relaxes windows into lateness penalties instead of
	// hard infeasibility.
	SoftTimeWindows bool

	Distance DistanceFunc
	Cost     CostFunc
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxVehicles:      10,
		VehicleCapacity:  20,
		MaxRouteDistance: 500,
		MaxRouteTime:     600,
		MaxShipments:     1000,
		TimeBudget:       300 * time.Second,
		ServiceTime:      15,
		WaitingSlack:     30,
		SpeedMph:         45,
		CostPerMile:      2.50,
		Capacity:         ConstraintConfig{Enabled: true, Weight: 3, Penalty: 2000},
		Lifo:             ConstraintConfig{Enabled: true, Weight: 2, Penalty: 1000},
		TimeWindows:      ConstraintConfig{Enabled: true, Weight: 1, Penalty: 500},
	}
}

// ConfigFromModel overlays request overrides onto the defaults.
func ConfigFromModel(mc *model.OptimizeConfig) Config {
	cfg := DefaultConfig()
	if mc == nil {
		return cfg
	}
	if mc.MaxVehicles > 0 {
		cfg.MaxVehicles = mc.MaxVehicles
	}
	if mc.VehicleCapacity > 0 {
		cfg.VehicleCapacity = mc.VehicleCapacity
	}
	if mc.MaxRouteDistance > 0 {
		cfg.MaxRouteDistance = mc.MaxRouteDistance
	}
	if mc.MaxRouteTime > 0 {
		cfg.MaxRouteTime = mc.MaxRouteTime
	}
	if mc.MaxShipments > 0 {
		cfg.MaxShipments = mc.MaxShipments
	}
	// negative budget disables the improvement phase entirely
	if mc.TimeBudgetSec > 0 {
		cfg.TimeBudget = time.Duration(mc.TimeBudgetSec) * time.Second
	} else if mc.TimeBudgetSec < 0 {
		cfg.TimeBudget = 0
	}
	if mc.ServiceTimeMin > 0 {
		cfg.ServiceTime = mc.ServiceTimeMin
	}
	if mc.WaitingSlackMin > 0 {
		cfg.WaitingSlack = mc.WaitingSlackMin
	}
	if mc.SpeedMph > 0 {
		cfg.SpeedMph = mc.SpeedMph
	}
	if mc.CostPerMile > 0 {
		cfg.CostPerMile = mc.CostPerMile
	}
	if mc.Seed != 0 {
		cfg.Seed = mc.Seed
	}
	if mc.Capacity != nil {
		cfg.Capacity = ConstraintConfig{Enabled: mc.Capacity.Enabled, Weight: mc.Capacity.Weight, Penalty: mc.Capacity.Penalty}
	}
	if mc.LifoPrecedence != nil {
		cfg.Lifo = ConstraintConfig{Enabled: mc.LifoPrecedence.Enabled, Weight: mc.LifoPrecedence.Weight, Penalty: mc.LifoPrecedence.Penalty}
	}
	if mc.TimeWindows != nil {
		cfg.TimeWindows = ConstraintConfig{Enabled: mc.TimeWindows.Enabled, Weight: mc.TimeWindows.Weight, Penalty: mc.TimeWindows.Penalty}
	}
	cfg.SoftTimeWindows = mc.SoftTimeWindows
	return cfg
}

// Validate rejects invalid dimension configs before any search work.
func (c *Config) Validate() error {
	for _, d := range []struct {
		name string
		cc   ConstraintConfig
	}{
		{"capacity", c.Capacity},
		{"lifo", c.Lifo},
		{"time_windows", c.TimeWindows},
	} {
		if d.cc.Weight < 0 {
			return &ConstraintConfigurationError{Dimension: d.name, Reason: "weight must be >= 0"}
		}
		if d.cc.Penalty < 0 {
			return &ConstraintConfigurationError{Dimension: d.name, Reason: "penalty must be >= 0"}
		}
		if d.cc.Enabled && d.cc.Weight == 0 && d.cc.Penalty == 0 {
			return &ConstraintConfigurationError{Dimension: d.name, Reason: "enabled dimension needs a weight or penalty"}
		}
	}
	if c.SoftTimeWindows && !c.TimeWindows.Enabled {
		return &ConstraintConfigurationError{Dimension: "time_windows", Reason: "soft mode requires the dimension enabled"}
	}
	if c.MaxVehicles <= 0 {
		return &ConstraintConfigurationError{Dimension: "vehicles", Reason: "max vehicles must be > 0"}
	}
	if c.VehicleCapacity <= 0 {
		return &ConstraintConfigurationError{Dimension: "capacity", Reason: "vehicle capacity must be > 0"}
	}
	return nil
}

// Problem is the routing graph for one solve: nodes, precedence pairs,
// demands and the distance/time matrices. Read-only once built.
type Problem struct {
	Shipments []model.Shipment
	Nodes     []Node
	Pairs     [][2]int // (pickup index, delivery index) per shipment
	Depot     int      // node index of the depot
	Dist      Matrix   // miles
	Time      Matrix   // minutes; nil when time windows disabled
	Horizon   time.Time

	cfg Config
}

// BuildProblem expands shipments into the node model and builds the
// matrices. Limit and coordinate checks run before matrix construction
// so a rejected input has no side effects.
func BuildProblem(shipments []model.Shipment, cfg Config) (*Problem, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxShipments > 0 && len(shipments) > cfg.MaxShipments {
		return nil, &ResourceExhaustedError{Resource: "shipments", Limit: cfg.MaxShipments, Actual: len(shipments)}
	}
	for _, s := range shipments {
		if !s.Origin.Resolved() {
			return nil, &GeocodingDependencyError{ShipmentID: s.ID, Location: s.Origin.Key()}
		}
		if !s.Destination.Resolved() {
			return nil, &GeocodingDependencyError{ShipmentID: s.ID, Location: s.Destination.Key()}
		}
	}
	if cfg.Depot != nil && !cfg.Depot.Resolved() {
		return nil, &GeocodingDependencyError{ShipmentID: "depot", Location: cfg.Depot.Key()}
	}
	if cfg.Distance == nil {
		cfg.Distance = HaversineMiles
	}
	if cfg.Cost == nil {
		rate := cfg.CostPerMile
		cfg.Cost = func(miles float64) float64 { return miles * rate }
	}

	p := &Problem{
		Shipments: shipments,
		Nodes:     make([]Node, 0, 2*len(shipments)+1),
		Pairs:     make([][2]int, 0, len(shipments)),
		Horizon:   horizonStart(shipments),
		cfg:       cfg,
	}
	for k, s := range shipments {
		pu := Node{
			Index:    2 * k,
			Kind:     KindPickup,
			Shipment: k,
			Lat:      *s.Origin.Lat,
			Lng:      *s.Origin.Lng,
			Demand:   s.PalletCount,
			Window:   p.window(s.PickupWindow),
		}
		dl := Node{
			Index:    2*k + 1,
			Kind:     KindDelivery,
			Shipment: k,
			Lat:      *s.Destination.Lat,
			Lng:      *s.Destination.Lng,
			Demand:   -s.PalletCount,
			Window:   p.window(s.DeliveryWindow),
		}
		p.Nodes = append(p.Nodes, pu, dl)
		p.Pairs = append(p.Pairs, [2]int{pu.Index, dl.Index})
	}
	depot := Node{Index: len(p.Nodes), Kind: KindDepot, Shipment: -1}
	if cfg.Depot != nil {
		depot.Lat, depot.Lng = *cfg.Depot.Lat, *cfg.Depot.Lng
	}
	p.Depot = depot.Index
	p.Nodes = append(p.Nodes, depot)

	p.Dist = BuildDistanceMatrix(p.Nodes, cfg.Distance, cfg.Depot == nil)
	if cfg.TimeWindows.Enabled {
		p.Time = BuildTimeMatrix(p.Dist, cfg.SpeedMph)
	}
	return p, nil
}

// window converts an absolute time window to minutes from the horizon.
func (p *Problem) window(tw *model.TimeWindow) *Window {
	if tw == nil {
		return nil
	}
	return &Window{
		Start: tw.Start.Sub(p.Horizon).Minutes(),
		End:   tw.End.Sub(p.Horizon).Minutes(),
	}
}

// horizonStart picks the earliest window bound as minute zero, so all
// window offsets stay non-negative.
func horizonStart(shipments []model.Shipment) time.Time {
	var h time.Time
	for _, s := range shipments {
		for _, tw := range []*model.TimeWindow{s.PickupWindow, s.DeliveryWindow} {
			if tw == nil {
				continue
			}
			if h.IsZero() || tw.Start.Before(h) {
				h = tw.Start
			}
		}
	}
	return h
}
