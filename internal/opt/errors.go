package opt

import "fmt"

// Typed error kinds surfaced by the engine. Validation-class errors
// (resource limits, configuration, missing coordinates) are raised before
// any search work begins; OptimizationError aborts a call mid-search.

// ResourceExhaustedError reports an input that exceeds configured limits.
type ResourceExhaustedError struct {
	Resource string
	Limit    int
	Actual   int
}

func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("resource exhausted: %s %d exceeds limit %d", e.Resource, e.Actual, e.Limit)
}

// ConstraintConfigurationError reports an invalid per-dimension config.
type ConstraintConfigurationError struct {
	Dimension string
	Reason    string
}

func (e *ConstraintConfigurationError) Error() string {
	return fmt.Sprintf("constraint config %s: %s", e.Dimension, e.Reason)
}

// GeocodingDependencyError reports a shipment that reached the engine
// without resolved coordinates. The engine never geocodes; coordinates
// are the geocoding collaborator's job.
type GeocodingDependencyError struct {
	ShipmentID string
	Location   string
}

func (e *GeocodingDependencyError) Error() string {
	return fmt.Sprintf("shipment %s: location %q has no coordinates", e.ShipmentID, e.Location)
}

// OptimizationError wraps an unexpected internal failure during
// construction or improvement.
type OptimizationError struct {
	Stage string
	Err   error
}

func (e *OptimizationError) Error() string {
	return fmt.Sprintf("optimization failed during %s: %v", e.Stage, e.Err)
}

func (e *OptimizationError) Unwrap() error { return e.Err }
