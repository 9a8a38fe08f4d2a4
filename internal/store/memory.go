package store

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"routeopt/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
	mu        sync.Mutex
	shipments map[string]model.Shipment // id -> shipment
	shipOrder []string                  // insertion order
	runs      map[string]model.Run      // id -> run
	runOrder  []string
	optCfg    map[string]any
}

func NewMemory() *Memory {
	return &Memory{
		shipments: map[string]model.Shipment{},
		runs:      map[string]model.Run{},
	}
}

func (m *Memory) CreateShipments(ctx context.Context, shipments []model.Shipment) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	created, skipped := 0, 0
	for _, s := range shipments {
		if s.ID == "" {
			s.ID = uuid.NewString()
		}
		if _, exists := m.shipments[s.ID]; exists {
			skipped++
			continue
		}
		m.shipments[s.ID] = s
		m.shipOrder = append(m.shipOrder, s.ID)
		created++
	}
	return created, skipped, nil
}

func (m *Memory) ListShipments(ctx context.Context, cursor string, limit int) ([]model.Shipment, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	start := 0
	if cursor != "" {
		for i, id := range m.shipOrder {
			if id == cursor {
				start = i + 1
				break
			}
		}
	}
	out := []model.Shipment{}
	var next string
	for i := start; i < len(m.shipOrder) && len(out) < limit; i++ {
		out = append(out, m.shipments[m.shipOrder[i]])
		next = m.shipOrder[i]
	}
	if start+len(out) >= len(m.shipOrder) {
		next = ""
	}
	return out, next, nil
}

func (m *Memory) GetShipment(ctx context.Context, id string) (model.Shipment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shipments[id]
	if !ok {
		return model.Shipment{}, ErrNotFound
	}
	return s, nil
}

func (m *Memory) UpdateShipmentCoords(ctx context.Context, id string, origin, destination model.Location) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shipments[id]
	if !ok {
		return ErrNotFound
	}
	s.Origin = origin
	s.Destination = destination
	m.shipments[id] = s
	return nil
}

func (m *Memory) DeleteShipment(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.shipments[id]; !ok {
		return ErrNotFound
	}
	delete(m.shipments, id)
	for i, sid := range m.shipOrder {
		if sid == id {
			m.shipOrder = append(m.shipOrder[:i], m.shipOrder[i+1:]...)
			break
		}
	}
	return nil
}

func (m *Memory) SaveRun(ctx context.Context, run model.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.ID]; !exists {
		m.runOrder = append(m.runOrder, run.ID)
	}
	m.runs[run.ID] = run
	return nil
}

func (m *Memory) GetRun(ctx context.Context, id string) (model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return model.Run{}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) ListRuns(ctx context.Context, cursor string, limit int) ([]model.Run, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	start := 0
	if cursor != "" {
		for i, id := range m.runOrder {
			if id == cursor {
				start = i + 1
				break
			}
		}
	}
	out := []model.Run{}
	var next string
	for i := start; i < len(m.runOrder) && len(out) < limit; i++ {
		out = append(out, m.runs[m.runOrder[i]])
		next = m.runOrder[i]
	}
	if start+len(out) >= len(m.runOrder) {
		next = ""
	}
	return out, next, nil
}

func (m *Memory) GetSolution(ctx context.Context, solutionID string) (model.Solution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.Solution != nil && r.Solution.ID == solutionID {
			return *r.Solution, nil
		}
	}
	return model.Solution{}, ErrNotFound
}

func (m *Memory) GetOptimizerConfig(ctx context.Context) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.optCfg == nil {
		return map[string]any{}, nil
	}
	cp := make(map[string]any, len(m.optCfg))
	for k, v := range m.optCfg {
		cp[k] = v
	}
	return cp, nil
}

func (m *Memory) SaveOptimizerConfig(ctx context.Context, cfg map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.optCfg = cfg
	return nil
}
