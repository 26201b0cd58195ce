package rpc

import (
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"exodus/native/migration"
	"exodus/observability/metrics"
)

const maxRequestBody = 1 << 20 // 1 MiB

// Server is the HTTP front-end for the migration engine.
type Server struct {
	engine      *migration.Engine
	logger      *slog.Logger
	metrics     *metrics.MigrationMetrics
	maxProofLen int
	publicLimit rate.Limit
	publicBurst int
	mu          sync.Mutex
	visitors    map[string]*rate.Limiter
}

// Options tune the public surface of the server.
type Options struct {
	// MaxProofLength bounds the snapshot proofs accepted over the wire;
	// the verifier itself is unbounded.
	MaxProofLength int
	// PublicRequestsPerMinute and PublicRequestBurst shape the per-client
	// rate limit applied to migrate and claim.
	PublicRequestsPerMinute float64
	PublicRequestBurst      int
}

// NewServer wires the engine behind the HTTP API.
func NewServer(engine *migration.Engine, logger *slog.Logger, opts Options) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxProofLength <= 0 {
		opts.MaxProofLength = 64
	}
	if opts.PublicRequestsPerMinute <= 0 {
		opts.PublicRequestsPerMinute = 120
	}
	if opts.PublicRequestBurst <= 0 {
		opts.PublicRequestBurst = 20
	}
	return &Server{
		engine:      engine,
		logger:      logger,
		metrics:     metrics.Migration(),
		maxProofLen: opts.MaxProofLength,
		publicLimit: rate.Limit(opts.PublicRequestsPerMinute / 60.0),
		publicBurst: opts.PublicRequestBurst,
		visitors:    make(map[string]*rate.Limiter),
	}
}

// Router assembles the chi routing table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/migration", func(r chi.Router) {
		r.Post("/init", s.handleInitialize)
		r.Post("/lock", s.handleLockLiquidity)
		r.Post("/finalize", s.handleFinalize)
		r.Group(func(r chi.Router) {
			r.Use(s.rateLimit)
			r.Post("/migrate", s.handleMigrate)
			r.Post("/claim", s.handleClaim)
		})
		r.Get("/{id}", s.handleStatus)
		r.Get("/{id}/ledger/{participant}", s.handleLedger)
	})
	return r
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !s.limiterFor(host).Allow() {
			s.logger.Warn("rate limit exceeded", "client", host, "path", r.URL.Path)
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limiterFor(host string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	limiter, ok := s.visitors[host]
	if !ok {
		limiter = rate.NewLimiter(s.publicLimit, s.publicBurst)
		s.visitors[host] = limiter
	}
	return limiter
}
