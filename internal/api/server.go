package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/moltbunker/bondoracle/internal/config"
	"github.com/moltbunker/bondoracle/internal/host"
	"github.com/moltbunker/bondoracle/internal/logging"
	"github.com/moltbunker/bondoracle/internal/metrics"
	"github.com/moltbunker/bondoracle/internal/util"
)

// Version is reported by /health and /v1/status
var Version = "dev"

// Server is the oracle HTTP API server
type Server struct {
	config     config.APIConfig
	host       *host.Host
	httpServer *http.Server
	listener   net.Listener
	mu         sync.RWMutex
	running    bool

	// Wallet authentication (EIP-191 signed headers)
	walletAuth *WalletAuth

	// Event stream hub
	hub *EventHub

	metrics *metrics.PrometheusCollector

	// Per-IP rate limiters
	rateLimiters sync.Map

	cancel  context.CancelFunc
	workers []<-chan struct{}
}

// rateLimiterEntry holds a rate limiter and the last time it was used
type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64 // unix nanos
}

// NewServer creates an API server in front of h. pc may be nil, in which
// case a private collector is created.
func NewServer(cfg config.APIConfig, h *host.Host, pc *metrics.PrometheusCollector) *Server {
	if pc == nil {
		pc = metrics.NewPrometheusCollector(metrics.NewCollector())
	}
	s := &Server{
		config:     cfg,
		host:       h,
		metrics:    pc,
		walletAuth: NewWalletAuth(time.Duration(cfg.AuthMaxSkewSecs) * time.Second),
	}
	s.hub = NewEventHub(h.Bus(), cfg.MaxSubscribers, cfg.EventBuffer, pc)
	return s
}

// Start binds the listen address and serves in the background
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("server already running")
	}

	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}
	s.listener = ln

	ctx, s.cancel = context.WithCancel(ctx)
	s.workers = append(s.workers, s.hub.Start(ctx))
	if s.config.RateLimitRequests > 0 {
		s.workers = append(s.workers, util.GoWithDone("rate-limiter-cleanup", func() { s.rateLimiterCleanup(ctx) }))
	}

	// ReadHeaderTimeout rather than ReadTimeout so long-lived websocket
	// connections are not cut off. The upgrader clears the write deadline.
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: time.Duration(s.config.ReadTimeoutSecs) * time.Second,
		WriteTimeout:      time.Duration(s.config.WriteTimeoutSecs) * time.Second,
		IdleTimeout:       time.Duration(s.config.IdleTimeoutSecs) * time.Second,
	}

	srv := s.httpServer
	s.workers = append(s.workers, util.GoWithDone("http-server", func() {
		logging.Info("HTTP API server starting",
			"addr", ln.Addr().String(),
			logging.Component("api"))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("HTTP server error",
				logging.Err(err),
				logging.Component("api"))
		}
	}))

	s.running = true
	return nil
}

// Addr returns the bound listen address, or nil before Start
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts the server down and waits for its goroutines
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.walletAuth.Close()
		return nil
	}
	s.running = false
	srv := s.httpServer
	workers := s.workers
	s.workers = nil
	s.mu.Unlock()

	var errs []error
	if err := srv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP server shutdown: %w", err))
	}
	s.cancel()
	s.walletAuth.Close()
	for _, done := range workers {
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}

	logging.Info("API server stopped", logging.Component("api"))
	return errors.Join(errs...)
}

// Handler builds the HTTP router with all handlers
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealthCheck)

	mux.HandleFunc("POST /v1/reports", s.withMiddleware("create", s.handleCreateReport))
	mux.HandleFunc("GET /v1/reports/{id}", s.withMiddleware("get_report", s.handleGetReport))
	mux.HandleFunc("POST /v1/reports/{id}/initial", s.withMiddleware("initial_report", s.handleInitialReport))
	mux.HandleFunc("POST /v1/reports/{id}/dispute", s.withMiddleware("dispute", s.handleDispute))
	mux.HandleFunc("GET /v1/reports/{id}/quote", s.withMiddleware("quote", s.handleQuote))
	mux.HandleFunc("POST /v1/reports/{id}/settle", s.withMiddleware("settle", s.handleSettle))
	mux.HandleFunc("GET /v1/reports/{id}/history", s.withMiddleware("history", s.handleHistory))
	mux.HandleFunc("GET /v1/ledger/{addr}", s.withMiddleware("ledger", s.handleLedger))
	mux.HandleFunc("POST /v1/ledger/withdraw", s.withMiddleware("withdraw", s.handleWithdraw))
	mux.HandleFunc("GET /v1/status", s.withMiddleware("status", s.handleStatus))
	mux.HandleFunc("GET /v1/events/ws", s.withMiddleware("events", s.hub.ServeHTTP))

	if s.config.EnableDevnetRoutes {
		mux.HandleFunc("POST /v1/devnet/advance", s.withMiddleware("devnet_advance", s.handleAdvance))
		mux.HandleFunc("POST /v1/devnet/mint", s.withMiddleware("devnet_mint", s.handleMint))
	}

	if s.config.MetricsEnabled {
		mux.Handle("GET /metrics", s.metrics.PrometheusHandler())
		mux.HandleFunc("GET /v1/metrics", s.handleMetricsJSON)
	}
	return mux
}

// withMiddleware wraps a handler with rate limiting, a body size cap and
// request metrics. Authentication is per handler since reads are public.
func (s *Server) withMiddleware(route string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		s.metrics.RecordRequest(route)
		defer func() { s.metrics.RecordLatency(route, time.Since(start)) }()

		if s.config.RateLimitRequests > 0 {
			ip := extractClientIP(r)
			if !s.getRateLimiter(ip).Allow() {
				logging.Warn("rate limit exceeded",
					"ip", ip,
					"path", r.URL.Path,
					"method", r.Method,
					logging.Component("api"))
				retry := fmt.Sprintf("%d", s.config.RateLimitWindowSecs)
				w.Header().Set("Retry-After", retry)
				s.writeJSON(w, http.StatusTooManyRequests, ErrorResponse{
					Error: "rate limit exceeded",
					Code:  "rate_limited",
				})
				return
			}
		}

		if s.config.MaxRequestSize > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, int64(s.config.MaxRequestSize))
		}
		handler(w, r)
	}
}

// getRateLimiter returns the rate limiter for the given IP address.
// It creates a new limiter if one does not already exist.
func (s *Server) getRateLimiter(ip string) *rate.Limiter {
	now := time.Now().UnixNano()

	if val, ok := s.rateLimiters.Load(ip); ok {
		entry := val.(*rateLimiterEntry)
		entry.lastSeen.Store(now)
		return entry.limiter
	}

	window := s.config.RateLimitWindowSecs
	if window <= 0 {
		window = 60
	}
	burst := s.config.RateLimitBurst
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Limit(float64(s.config.RateLimitRequests) / float64(window))

	entry := &rateLimiterEntry{limiter: rate.NewLimiter(limit, burst)}
	entry.lastSeen.Store(now)
	actual, _ := s.rateLimiters.LoadOrStore(ip, entry)
	return actual.(*rateLimiterEntry).limiter
}

// extractClientIP uses the TCP remote address; proxy headers are not trusted
func extractClientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func (s *Server) rateLimiterCleanup(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanupRateLimiters(time.Now().Add(-10 * time.Minute))
		}
	}
}

// cleanupRateLimiters removes rate limiter entries not seen since cutoff
func (s *Server) cleanupRateLimiters(cutoff time.Time) int {
	var cleaned int
	s.rateLimiters.Range(func(key, value any) bool {
		entry := value.(*rateLimiterEntry)
		if entry.lastSeen.Load() < cutoff.UnixNano() {
			s.rateLimiters.Delete(key)
			cleaned++
		}
		return true
	})
	if cleaned > 0 {
		logging.Debug("cleaned up stale rate limiters",
			"count", cleaned,
			logging.Component("api"))
	}
	return cleaned
}
