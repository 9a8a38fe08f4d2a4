package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"routeopt/internal/opt"
)

// Problem represents an RFC7807 problem details response body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, title, detail, instance string) {
	writeJSON(w, status, Problem{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
	})
}

// writeOptError maps the engine's typed errors onto problem responses.
func writeOptError(w http.ResponseWriter, err error, instance string) {
	var re *opt.ResourceExhaustedError
	var ce *opt.ConstraintConfigurationError
	var ge *opt.GeocodingDependencyError
	var oe *opt.OptimizationError
	switch {
	case errors.As(err, &re):
		writeProblem(w, http.StatusUnprocessableEntity, "Resource limit exceeded", re.Error(), instance)
	case errors.As(err, &ce):
		writeProblem(w, http.StatusBadRequest, "Invalid constraint configuration", ce.Error(), instance)
	case errors.As(err, &ge):
		writeProblem(w, http.StatusFailedDependency, "Geocoding dependency unmet", ge.Error(), instance)
	case errors.As(err, &oe):
		writeProblem(w, http.StatusInternalServerError, "Optimization failed", oe.Error(), instance)
	default:
		writeProblem(w, http.StatusInternalServerError, "Optimize failed", err.Error(), instance)
	}
}
