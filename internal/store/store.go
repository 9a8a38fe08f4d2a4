package store

import (
	"context"
	"errors"

	"routeopt/internal/model"
)

// Store is the persistence interface used by the API server.
type Store interface {
	// Shipments
	CreateShipments(ctx context.Context, shipments []model.Shipment) (created, skipped int, err error)
	ListShipments(ctx context.Context, cursor string, limit int) (items []model.Shipment, nextCursor string, err error)
	GetShipment(ctx context.Context, id string) (model.Shipment, error)
	UpdateShipmentCoords(ctx context.Context, id string, origin, destination model.Location) error
	DeleteShipment(ctx context.Context, id string) error

	// Optimization runs
	SaveRun(ctx context.Context, run model.Run) error
	GetRun(ctx context.Context, id string) (model.Run, error)
	ListRuns(ctx context.Context, cursor string, limit int) ([]model.Run, string, error)
	GetSolution(ctx context.Context, solutionID string) (model.Solution, error)

	// Optimizer config overrides, one document per deployment
	GetOptimizerConfig(ctx context.Context) (map[string]any, error)
	SaveOptimizerConfig(ctx context.Context, cfg map[string]any) error
}

var ErrNotFound = errors.New("not found")
