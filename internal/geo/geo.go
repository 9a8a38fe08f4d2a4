package geo

import (
	"context"
	"fmt"

	"routeopt/internal/metrics"
	"routeopt/internal/model"
)

// Resolver turns a city/state location into coordinates.
type Resolver interface {
	Resolve(ctx context.Context, loc model.Location) (lat, lng float64, err error)
}

// Cache stores resolved coordinates by location key. Entries expire after
// CacheTTL; a miss is (ok=false, err=nil).
type Cache interface {
	Get(ctx context.Context, key string) (lat, lng float64, ok bool, err error)
	Put(ctx context.Context, key string, lat, lng float64) error
}

// Service resolves shipment locations through a cache-fronted resolver.
type Service struct {
	Resolver Resolver
	Cache    Cache
}

// EnsureCoordinates fills in missing coordinates on every shipment,
// mutating copies and returning them. Already-resolved locations are
// left untouched. Within one call each distinct location is resolved at
// most once.
func (s *Service) EnsureCoordinates(ctx context.Context, shipments []model.Shipment) ([]model.Shipment, error) {
	out := make([]model.Shipment, len(shipments))
	copy(out, shipments)
	local := map[string][2]float64{}
	for i := range out {
		for _, lp := range []*model.Location{&out[i].Origin, &out[i].Destination} {
			if lp.Resolved() {
				continue
			}
			lat, lng, err := s.resolveOne(ctx, *lp, local)
			if err != nil {
				return nil, fmt.Errorf("shipment %s: %w", out[i].ID, err)
			}
			lp.Lat, lp.Lng = &lat, &lng
		}
	}
	return out, nil
}

func (s *Service) resolveOne(ctx context.Context, loc model.Location, local map[string][2]float64) (float64, float64, error) {
	key := loc.Key()
	if c, ok := local[key]; ok {
		return c[0], c[1], nil
	}
	if s.Cache != nil {
		lat, lng, ok, err := s.Cache.Get(ctx, key)
		if err == nil && ok {
			metrics.GeocodeLookups.WithLabelValues("hit").Inc()
			local[key] = [2]float64{lat, lng}
			return lat, lng, nil
		}
		// cache errors degrade to a live lookup
	}
	if s.Resolver == nil {
		return 0, 0, fmt.Errorf("no resolver configured for %q", key)
	}
	lat, lng, err := s.Resolver.Resolve(ctx, loc)
	if err != nil {
		metrics.GeocodeLookups.WithLabelValues("error").Inc()
		return 0, 0, err
	}
	metrics.GeocodeLookups.WithLabelValues("miss").Inc()
	local[key] = [2]float64{lat, lng}
	if s.Cache != nil {
		_ = s.Cache.Put(ctx, key, lat, lng)
	}
	return lat, lng, nil
}
