package api

import (
	"context"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"routeopt/internal/auth"
	"routeopt/internal/config"
	"routeopt/internal/geo"
	"routeopt/internal/notify"
	"routeopt/internal/store"
)

type Server struct {
	Store  store.Store
	Geo    *geo.Service
	Notify *notify.Notifier
	Auth   *auth.Verifier
	Broker EventBroker
	Config config.Config

	// limiter gates optimize admissions; sem bounds concurrent solves.
	limiter *rate.Limiter
	sem     chan struct{}
}

// NewServer wires the server from config. If DATABASE_URL is unset, uses
// the in-memory store.
func NewServer(cfg config.Config) (*Server, error) {
	var s store.Store
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		s = store.NewMemory()
	} else {
		sp, err := store.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if os.Getenv("DB_MIGRATE") != "false" {
			if err := sp.Migrate(context.Background()); err != nil {
				return nil, err
			}
		}
		s = sp
	}

	var broker EventBroker
	var geoCache geo.Cache = geo.NewMemoryCache()
	if cfg.RedisURL != "" {
		if rb, err := NewRedisBroker(); err == nil {
			broker = rb
			geoCache = geo.NewRedisCache(rb.Client())
		} else {
			broker = NewBroker()
		}
	} else {
		broker = NewBroker()
	}

	geoSvc := &geo.Service{Cache: geoCache}
	if !cfg.Geocoder.Disabled {
		geoSvc.Resolver = geo.NewNominatim(cfg.Geocoder.BaseURL, cfg.Geocoder.UserAgent)
	}

	rps := cfg.OptimizeRPS
	if rps <= 0 {
		rps = 1
	}
	conc := cfg.MaxConcurrentRuns
	if conc <= 0 {
		conc = 4
	}
	return &Server{
		Store:   s,
		Geo:     geoSvc,
		Notify:  notify.NewNotifierFromEnv(),
		Auth:    auth.NewVerifierFromEnv(),
		Broker:  broker,
		Config:  cfg,
		limiter: rate.NewLimiter(rate.Limit(rps), burstFor(rps)),
		sem:     make(chan struct{}, conc),
	}, nil
}

func burstFor(rps float64) int {
	b := int(rps)
	if b < 1 {
		b = 1
	}
	return b
}

// acquire reserves a solver slot, waiting up to the given duration.
func (s *Server) acquire(timeout time.Duration) bool {
	select {
	case s.sem <- struct{}{}:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (s *Server) release() { <-s.sem }
