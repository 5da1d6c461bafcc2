// Package adminapi exposes the host-local operational surface (spec
// SPEC_FULL.md §7): liveness, Prometheus metrics, and a read-only registry
// dump, bound to localhost only. Grounded on techsavvyash-aetherium's
// cmd/api-gateway/main.go router/CORS/graceful-shutdown conventions.
package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/vm0core/runtime/pkg/execctx"
	"github.com/vm0core/runtime/pkg/logging"
	"github.com/vm0core/runtime/pkg/registry"
)

// Config configures the admin HTTP server.
type Config struct {
	ListenAddr      string // must be a loopback address; never exposed beyond the host
	FirecrackerPath string
	RedisClient     *redis.Client
}

// Server is the admin/metrics HTTP surface.
type Server struct {
	cfg      Config
	registry *registry.Registry
	log      logging.Logger
	http     *http.Server
}

// New builds the chi router and wraps it in an http.Server, matching the
// teacher's middleware stack (RequestID, RealIP, Logger, Recoverer,
// Timeout) plus a permissive-but-local CORS policy since nothing outside
// this host is ever meant to reach it.
func New(cfg Config, reg *registry.Registry, log logging.Logger) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*"},
		AllowedMethods: []string{"GET"},
		MaxAge:         300,
	}))

	s := &Server{cfg: cfg, registry: reg, log: log}

	r.Get("/healthz", s.handleHealthz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/debug/registry", s.handleDebugRegistry)

	s.http = &http.Server{Addr: cfg.ListenAddr, Handler: r}
	return s
}

// ListenAndServe blocks serving until ctx is cancelled, then shuts down
// gracefully with a 10s deadline, mirroring the teacher's main.go signal
// handling.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.http.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

type healthzResponse struct {
	FirecrackerBinary bool `json:"firecrackerBinary"`
	KVMAccessible     bool `json:"kvmAccessible"`
	RedisReachable    bool `json:"redisReachable"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthzResponse{}

	if _, err := os.Stat(s.cfg.FirecrackerPath); err == nil {
		resp.FirecrackerBinary = true
	}
	if _, err := os.Stat("/dev/kvm"); err == nil {
		resp.KVMAccessible = true
	}
	if s.cfg.RedisClient != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		resp.RedisReachable = s.cfg.RedisClient.Ping(ctx).Err() == nil
	}

	status := http.StatusOK
	if !resp.FirecrackerBinary || !resp.KVMAccessible {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// debugRegistryEntry is the redacted view of a registry.Entry served over
// /debug/registry: everything except SandboxToken, which is an opaque
// platform bearer credential and must never leave the host even on a
// loopback-only, unauthenticated endpoint (spec §3.2's "never secrets"
// invariant).
type debugRegistryEntry struct {
	VMID      string                  `json:"vmId"`
	RunID     string                  `json:"runId"`
	Firewall  *execctx.FirewallPolicy `json:"firewall"`
	CreatedAt time.Time               `json:"createdAt"`
}

// handleDebugRegistry dumps the VM Registry's entries with secrets
// stripped: identifiers and firewall policy only, never the SandboxToken
// each entry carries for internal Redis/snapshot mirroring.
func (s *Server) handleDebugRegistry(w http.ResponseWriter, r *http.Request) {
	all := s.registry.All()
	out := make(map[string]debugRegistryEntry, len(all))
	for ip, e := range all {
		out[ip] = debugRegistryEntry{
			VMID:      e.VMID,
			RunID:     e.RunID,
			Firewall:  e.Firewall,
			CreatedAt: e.CreatedAt,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}
