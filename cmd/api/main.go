package main

import (
	"log"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"routeopt/internal/api"
	"routeopt/internal/buildinfo"
	"routeopt/internal/config"
	"routeopt/internal/metrics"
)

func main() {
	// .env is a dev convenience; absence is not an error
	_ = godotenv.Load()

	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	metrics.RegisterDefault()

	srvDeps, err := api.NewServer(cfg)
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	mux := http.NewServeMux()

	// Shipments
	mux.HandleFunc("/v1/shipments", srvDeps.ShipmentsHandler)
	mux.HandleFunc("/v1/shipments/", srvDeps.ShipmentByIDHandler)

	// Optimization
	mux.HandleFunc("/v1/optimize", srvDeps.OptimizeHandler)
	mux.HandleFunc("/v1/optimizer/config", srvDeps.OptimizerConfigHandler)
	mux.HandleFunc("/v1/admin/optimizer/config", srvDeps.AdminOptimizerConfigHandler)

	// Runs & solutions
	mux.HandleFunc("/v1/runs", srvDeps.RunsHandler)
	mux.HandleFunc("/v1/admin/runs/stats", srvDeps.AdminRunStatsHandler)
	mux.HandleFunc("/v1/runs/ws", srvDeps.RunEventsWSHandler)
	mux.HandleFunc("/v1/runs/", srvDeps.RunByIDHandler) // includes /events/stream
	mux.HandleFunc("/v1/solutions/validate", srvDeps.ValidateHandler)
	mux.HandleFunc("/v1/solutions/", srvDeps.SolutionByIDHandler)

	// Health & observability
	mux.HandleFunc("/healthz", srvDeps.HealthHandler)
	mux.HandleFunc("/readyz", srvDeps.ReadyHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	addr := ":" + cfg.Port

	srv := &http.Server{
		Addr:              addr,
		Handler:           logMiddleware(api.MetricsMiddleware(mux)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Printf("routeopt API %s listening on %s", buildinfo.Version, addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		dur := time.Since(start)
		log.Printf("%s %s %s %v", r.RemoteAddr, r.Method, r.URL.Path, dur)
	})
}
