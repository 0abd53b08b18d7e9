// Package admin exposes the control API: the sole external surface for
// managing definitions, instance lifecycle, health history, and policy
// counters.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/getfleetd/fleetd/pkg/health"
	"github.com/getfleetd/fleetd/pkg/logging"
	"github.com/getfleetd/fleetd/pkg/metrics"
	"github.com/getfleetd/fleetd/pkg/policy"
	"github.com/getfleetd/fleetd/pkg/registry"
	"github.com/getfleetd/fleetd/pkg/supervisor"
)

// DefaultPort is the control API's default listen port.
const DefaultPort = 4790

// AdminAPI serves the control API over HTTP.
type AdminAPI struct {
	registry *registry.Registry
	sup      *supervisor.Supervisor
	policy   *policy.Engine
	monitor  *health.Monitor

	httpServer      *http.Server
	host            string
	port            int
	log             *slog.Logger
	version         string
	startTime       time.Time
	apiKeyConfig    APIKeyConfig
	apiKeyAuth      *apiKeyAuth
	rateLimiter     *RateLimiter
	metricsRegistry *metrics.Registry
	dataDir         string
}

// Option customizes an AdminAPI.
type Option func(*AdminAPI)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(a *AdminAPI) { a.log = log }
}

// WithHost sets the listen host. Default is loopback only.
func WithHost(host string) Option {
	return func(a *AdminAPI) { a.host = host }
}

// WithRegistry attaches the definition registry.
func WithRegistry(reg *registry.Registry) Option {
	return func(a *AdminAPI) { a.registry = reg }
}

// WithSupervisor attaches the process supervisor.
func WithSupervisor(sup *supervisor.Supervisor) Option {
	return func(a *AdminAPI) { a.sup = sup }
}

// WithPolicyEngine attaches the policy engine.
func WithPolicyEngine(eng *policy.Engine) Option {
	return func(a *AdminAPI) { a.policy = eng }
}

// WithHealthMonitor attaches the health monitor.
func WithHealthMonitor(mon *health.Monitor) Option {
	return func(a *AdminAPI) { a.monitor = mon }
}

// WithAPIKeyConfig overrides authentication settings.
func WithAPIKeyConfig(cfg APIKeyConfig) Option {
	return func(a *AdminAPI) { a.apiKeyConfig = cfg }
}

// WithRateLimiter overrides the per-IP rate limiter.
func WithRateLimiter(rl *RateLimiter) Option {
	return func(a *AdminAPI) { a.rateLimiter = rl }
}

// WithVersion sets the version reported by /version.
func WithVersion(v string) Option {
	return func(a *AdminAPI) { a.version = v }
}

// WithDataDir sets where the generated API key is stored.
func WithDataDir(dir string) Option {
	return func(a *AdminAPI) { a.dataDir = dir }
}

// NewAdminAPI creates the control API listening on the given port.
func NewAdminAPI(port int, opts ...Option) (*AdminAPI, error) {
	if port <= 0 {
		port = DefaultPort
	}
	a := &AdminAPI{
		host:            "127.0.0.1",
		port:            port,
		log:             logging.Nop(),
		version:         "dev",
		startTime:       time.Now(),
		apiKeyConfig:    DefaultAPIKeyConfig(),
		metricsRegistry: metrics.Init(),
	}
	for _, opt := range opts {
		opt(a)
	}

	auth, err := newAPIKeyAuth(a.apiKeyConfig, a.dataDir, func(msg string, args ...any) {
		a.log.Info(msg, args...)
	})
	if err != nil {
		return nil, err
	}
	a.apiKeyAuth = auth

	if a.rateLimiter == nil {
		a.rateLimiter = NewRateLimiter(DefaultRateLimit, DefaultBurstSize)
	}

	mux := http.NewServeMux()
	a.registerRoutes(mux)

	a.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", a.host, a.port),
		Handler:      a.withMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return a, nil
}

// withMiddleware builds the chain: logging, security headers, API key auth,
// then per-IP rate limiting, outermost first.
func (a *AdminAPI) withMiddleware(handler http.Handler) http.Handler {
	h := a.rateLimiter.Middleware(handler)
	h = a.apiKeyAuth.middleware(h)
	h = securityHeadersMiddleware(h)
	return a.loggingMiddleware(h)
}

// Handler returns the full middleware-wrapped handler, for tests.
func (a *AdminAPI) Handler() http.Handler {
	return a.httpServer.Handler
}

// Addr returns the configured listen address.
func (a *AdminAPI) Addr() string {
	return a.httpServer.Addr
}

// Start serves until the listener fails or Shutdown is called.
func (a *AdminAPI) Start() error {
	a.log.Info("control API listening", "addr", a.httpServer.Addr)
	if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (a *AdminAPI) Shutdown(ctx context.Context) error {
	a.rateLimiter.Stop()
	return a.httpServer.Shutdown(ctx)
}
