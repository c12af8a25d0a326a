package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/arcflow/apexgate/internal/circuitbreaker"
	"github.com/arcflow/apexgate/internal/config"
	"github.com/arcflow/apexgate/internal/errors"
	"github.com/arcflow/apexgate/internal/health"
	"github.com/arcflow/apexgate/internal/hooks"
	"github.com/arcflow/apexgate/internal/loadbalancer"
	"github.com/arcflow/apexgate/internal/logging"
	"github.com/arcflow/apexgate/internal/middleware"
	"github.com/arcflow/apexgate/internal/middleware/auth"
	"github.com/arcflow/apexgate/internal/middleware/cors"
	"github.com/arcflow/apexgate/internal/middleware/ratelimit"
	"github.com/arcflow/apexgate/internal/middleware/securityheaders"
	"github.com/arcflow/apexgate/internal/proxy"
	"github.com/arcflow/apexgate/internal/router"
	"github.com/arcflow/apexgate/variables"
	"go.uber.org/zap"
)

// zapFields turns a loosely-typed key/value list into zap fields, so the
// logging-backed default hook set can stay free of a zap dependency in its
// own signature.
func zapFields(kv ...any) []zap.Field {
	fields := make([]zap.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, _ := kv[i].(string)
		fields = append(fields, zap.Any(key, kv[i+1]))
	}
	return fields
}

// Gateway wires the router, load balancers, health checker, circuit
// breakers, policy middleware, proxy forwarder, and lifecycle hooks into a
// single http.Handler.
type Gateway struct {
	config *config.Config

	router        *router.Router
	proxy         *proxy.Proxy
	healthChecker *health.Checker

	apiKeyAuth *auth.APIKeyAuth
	jwtAuth    *auth.JWTAuth

	rateLimiters    *ratelimit.RateLimitByRoute
	circuitBreakers *circuitbreaker.BreakerByRoute
	corsHandlers    *cors.CORSByRoute
	securityHeaders *securityheaders.SecurityHeadersByRoute

	hooks *hooks.Hooks

	mu                 sync.RWMutex
	routeProxies       map[string]*proxy.RouteProxy
	routeChains        map[string]http.Handler
	balancersByBackend map[string][]loadbalancer.Balancer
	sessionStores      []*loadbalancer.SessionStore
}

// statusRecorder wraps http.ResponseWriter to capture the final status
// code, so the circuit breaker and hooks can observe the outcome of a
// proxied call.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}

// New builds a Gateway from a fully loaded and validated configuration.
func New(cfg *config.Config) (*Gateway, error) {
	g := &Gateway{
		config:             cfg,
		router:             router.New(),
		rateLimiters:       ratelimit.NewRateLimitByRoute(),
		circuitBreakers:    circuitbreaker.NewBreakerByRoute(),
		corsHandlers:       cors.NewCORSByRoute(),
		securityHeaders:    securityheaders.NewSecurityHeadersByRoute(),
		routeProxies:       make(map[string]*proxy.RouteProxy),
		routeChains:        make(map[string]http.Handler),
		balancersByBackend: make(map[string][]loadbalancer.Balancer),
	}

	g.healthChecker = health.NewChecker(health.Config{
		OnChange: g.onBackendHealthChange,
	})

	transportCfg := proxy.MergeTransportConfigs(proxy.TransportConfig{}, cfg.Transport).
		WithSSRFProtection(&cfg.SSRFProtection)
	pool := proxy.NewTransportPoolWithDefault(transportCfg)

	g.proxy = proxy.New(proxy.Config{
		TransportPool: pool,
		HealthChecker: g.healthChecker,
	})

	g.hooks = hooks.NewLoggingHooks(func(msg string, kv ...any) {
		logging.Debug(msg, zapFields(kv...)...)
	})

	if cfg.Authentication.APIKey.Enabled {
		g.apiKeyAuth = auth.NewAPIKeyAuth(cfg.Authentication.APIKey)
	}
	if cfg.Authentication.JWT.Enabled {
		jwtAuth, err := auth.NewJWTAuth(cfg.Authentication.JWT)
		if err != nil {
			return nil, fmt.Errorf("jwt auth: %w", err)
		}
		g.jwtAuth = jwtAuth
	}

	for _, routeCfg := range cfg.Routes {
		if err := g.addRoute(routeCfg); err != nil {
			return nil, fmt.Errorf("route %q: %w", routeCfg.ID, err)
		}
	}

	g.healthChecker.Start()

	return g, nil
}

// addRoute registers a route's backends, balancer, health checks, circuit
// breaker, rate limiter, CORS and security-header policy, and builds the
// fixed policy middleware chain that terminates in the circuit-breaker
// guarded proxy call.
func (g *Gateway) addRoute(routeCfg config.RouteConfig) error {
	if err := g.router.AddRoute(routeCfg); err != nil {
		return err
	}
	route := g.router.GetRoute(routeCfg.ID)
	if route == nil {
		return fmt.Errorf("route not registered")
	}

	backends := make([]*loadbalancer.Backend, 0, len(route.Backends))
	for _, b := range route.Backends {
		// Weight is passed through as configured, including zero: the
		// weighted strategies treat a zero-weight backend as excluded from
		// selection rather than defaulting it to 1.
		backend := &loadbalancer.Backend{URL: b.URL, Weight: b.Weight, Healthy: true}
		backend.InitParsedURL()
		backends = append(backends, backend)
	}

	bal := newBalancer(routeCfg.LoadBalancer, backends)

	if routeCfg.LoadBalancer.StickySession.Enabled {
		secure := anyListenerTLS(g.config.Listeners)
		store := loadbalancer.NewSessionStore(routeCfg.LoadBalancer.StickySession.CookieName, routeCfg.LoadBalancer.StickySession.TTL, secure)
		g.sessionStores = append(g.sessionStores, store)
		bal = loadbalancer.NewStickyBalancer(bal, store)
	}

	if routeCfg.LoadBalancer.HealthCheck.Enabled {
		lo, hi, err := config.ParseStatusRange(routeCfg.LoadBalancer.HealthCheck.ExpectedStatus)
		if err != nil {
			return fmt.Errorf("health_check: %w", err)
		}
		for _, b := range backends {
			g.healthChecker.AddBackend(health.Backend{
				URL:            b.URL,
				HealthPath:     routeCfg.LoadBalancer.HealthCheck.Path,
				Method:         routeCfg.LoadBalancer.HealthCheck.Method,
				Timeout:        routeCfg.LoadBalancer.HealthCheck.Timeout,
				Interval:       routeCfg.LoadBalancer.HealthCheck.Interval,
				HealthyAfter:   routeCfg.LoadBalancer.HealthCheck.HealthyAfter,
				UnhealthyAfter: routeCfg.LoadBalancer.HealthCheck.UnhealthyAfter,
				ExpectedStatus: []health.StatusRange{{Lo: lo, Hi: hi}},
			})
			g.mu.Lock()
			g.balancersByBackend[b.URL] = append(g.balancersByBackend[b.URL], bal)
			g.mu.Unlock()
		}
	}

	var breaker *circuitbreaker.Breaker
	if routeCfg.CircuitBreaker.Enabled {
		g.circuitBreakers.AddRoute(route.ID, routeCfg.CircuitBreaker)
		breaker = g.circuitBreakers.GetBreaker(route.ID)
	}

	if routeCfg.RateLimit.Enabled {
		windowMs := routeCfg.RateLimit.WindowMs
		if windowMs <= 0 {
			windowMs = 60000
		}
		g.rateLimiters.AddRouteFixedWindow(route.ID, ratelimit.Config{
			Rate:   routeCfg.RateLimit.Max,
			Period: time.Duration(windowMs) * time.Millisecond,
			PerIP:  routeCfg.RateLimit.KeyGenerator == "" || routeCfg.RateLimit.KeyGenerator == "ip",
			Key:    routeCfg.RateLimit.KeyGenerator,
		})
	}

	if routeCfg.CORS.Enabled {
		if err := g.corsHandlers.AddRoute(route.ID, routeCfg.CORS); err != nil {
			return fmt.Errorf("cors: %w", err)
		}
	}

	g.securityHeaders.AddRoute(route.ID, routeCfg.SecurityHeaders)

	routeProxy := proxy.NewRouteProxyWithBalancer(g.proxy, route, bal)

	g.mu.Lock()
	g.routeProxies[route.ID] = routeProxy
	g.mu.Unlock()

	chain := g.buildPolicyChain(route)

	g.mu.Lock()
	g.routeChains[route.ID] = chain.Then(g.terminalHandler(route, routeProxy, breaker))
	g.mu.Unlock()

	return nil
}

// newBalancer constructs the Balancer implementation named by cfg.Strategy.
// An unrecognized or empty strategy falls back to round-robin.
func newBalancer(cfg config.LoadBalancerConfig, backends []*loadbalancer.Backend) loadbalancer.Balancer {
	switch cfg.Strategy {
	case "random":
		return loadbalancer.NewRandom(backends)
	case "weighted":
		return loadbalancer.NewWeightedRoundRobin(backends)
	case "least-connections":
		return loadbalancer.NewLeastConnections(backends)
	case "weighted-least-connections":
		return loadbalancer.NewWeightedLeastConnections(backends)
	case "ip-hash":
		hashKey := cfg.HashKey
		if hashKey == "" {
			hashKey = "ip"
		}
		return loadbalancer.NewConsistentHash(backends, hashKey, 160)
	case "p2c":
		return loadbalancer.NewPowerOfTwoChoices(backends)
	case "latency":
		return loadbalancer.NewLeastResponseTime(backends)
	default:
		return loadbalancer.NewRoundRobin(backends)
	}
}

// anyListenerTLS reports whether any configured listener terminates TLS,
// used to decide the Secure attribute of sticky-session cookies.
func anyListenerTLS(listeners []config.ListenerConfig) bool {
	for _, l := range listeners {
		if l.TLS.Enabled {
			return true
		}
	}
	return false
}

// onBackendHealthChange is the health checker's single global callback: it
// marks every balancer that registered this backend URL healthy or
// unhealthy.
func (g *Gateway) onBackendHealthChange(url string, status health.Status) {
	g.mu.RLock()
	balancers := g.balancersByBackend[url]
	g.mu.RUnlock()

	for _, b := range balancers {
		if status == health.StatusHealthy {
			b.MarkHealthy(url)
		} else {
			b.MarkUnhealthy(url)
		}
	}
}

// buildPolicyChain builds the fixed policy chain for a route: CORS, auth,
// rate limiting, request size/structure validation, and security headers,
// in that order. Upgrade (WebSocket) requests get no bypass: they run
// through the same chain. The first-registered middleware is outermost.
func (g *Gateway) buildPolicyChain(route *router.Route) *middleware.Chain {
	b := middleware.NewBuilder()

	if route.CORS.Enabled {
		if h := g.corsHandlers.GetHandler(route.ID); h != nil {
			b.Use(corsMW(h))
		}
	}

	b.UseIf(route.Auth.Required || route.Auth.Optional, authMW(route, g.apiKeyAuth, g.jwtAuth))

	if route.RateLimit.Enabled {
		if mw := g.rateLimiters.GetMiddleware(route.ID); mw != nil {
			b.Use(mw)
		}
	}

	b.Use(validationMW(route.Validation))
	b.Use(securityHeadersMW(g.securityHeaders.GetHeaders(route.ID)))

	return b.Build()
}

// terminalHandler is the end of the policy chain: it runs the route's
// circuit breaker (if configured) around the proxy call and fires the
// lifecycle hooks at the prescribed points. TargetSelected fires after the
// proxy call returns, since backend selection happens inside the proxy's
// own handler closure and is reported back only through the request's
// variable context (UpstreamAddr).
func (g *Gateway) terminalHandler(route *router.Route, rp *proxy.RouteProxy, breaker *circuitbreaker.Breaker) http.Handler {
	routeID := route.ID

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.hooks.FireBeforeRequest(r, routeID)

		if breaker == nil {
			start := time.Now()
			rec := newStatusRecorder(w)
			rp.ServeHTTP(rec, r)
			g.reportTargetSelected(r, routeID)

			if rec.statusCode >= http.StatusInternalServerError {
				g.hooks.FireOnError(r, routeID, fmt.Errorf("upstream returned status %d", rec.statusCode))
			} else {
				g.hooks.FireAfterResponse(r, routeID, rec.statusCode, time.Since(start))
			}
			return
		}

		g.hooks.FireBeforeCircuitBreakerExecution(r, routeID)

		done, err := breaker.Allow()
		if err != nil {
			g.hooks.FireAfterCircuitBreakerExecution(r, routeID, hooks.CircuitBreakerOutcome{
				State: breaker.Snapshot().State, Success: false, Error: err,
			})
			g.hooks.FireOnError(r, routeID, err)
			errors.ErrCircuitOpen.WithDetails("circuit breaker is open").WriteJSON(w)
			return
		}

		start := time.Now()
		rec := newStatusRecorder(w)
		rp.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		g.reportTargetSelected(r, routeID)

		var callErr error
		if rec.statusCode >= http.StatusInternalServerError {
			callErr = fmt.Errorf("upstream returned status %d", rec.statusCode)
		}
		done(callErr)

		g.hooks.FireAfterCircuitBreakerExecution(r, routeID, hooks.CircuitBreakerOutcome{
			State:         breaker.Snapshot().State,
			Success:       callErr == nil,
			ExecutionTime: elapsed,
			Error:         callErr,
		})

		if callErr != nil {
			g.hooks.FireOnError(r, routeID, callErr)
		} else {
			g.hooks.FireAfterResponse(r, routeID, rec.statusCode, elapsed)
		}
	})
}

// reportTargetSelected fires TargetSelected using the backend address the
// proxy forwarder recorded on the request's variable context.
func (g *Gateway) reportTargetSelected(r *http.Request, routeID string) {
	if varCtx := variables.GetFromRequest(r); varCtx != nil && varCtx.UpstreamAddr != "" {
		g.hooks.FireTargetSelected(r, routeID, varCtx.UpstreamAddr)
	}
}

// Handler returns the gateway's top-level http.Handler: recovery, request
// ID assignment, and access logging wrap route dispatch.
func (g *Gateway) Handler() http.Handler {
	return middleware.NewBuilder().
		Use(middleware.Recovery()).
		Use(middleware.RequestID()).
		Use(middleware.LoggingWithConfig(middleware.DefaultLoggingConfig)).
		Build().
		Handler(http.HandlerFunc(g.serveHTTP))
}

// serveHTTP resolves the route for r and dispatches into its built policy
// chain, or responds 404/405 when no route or no allowed method matches.
func (g *Gateway) serveHTTP(w http.ResponseWriter, r *http.Request) {
	match := g.router.Match(r)
	if match == nil {
		g.router.NotFoundHandler().ServeHTTP(w, r)
		return
	}

	if !methodAllowed(match.Route, r.Method) {
		errors.ErrMethodNotAllowed.WriteJSON(w)
		return
	}

	varCtx := variables.GetFromRequest(r)
	varCtx.RouteID = match.Route.ID
	if len(match.PathParams) > 0 {
		varCtx.PathParams = match.PathParams
	}
	r = r.WithContext(context.WithValue(r.Context(), variables.RequestContextKey{}, varCtx))

	g.mu.RLock()
	handler, ok := g.routeChains[match.Route.ID]
	g.mu.RUnlock()
	if !ok {
		errors.ErrInternalServer.WithDetails("route has no built handler").WriteJSON(w)
		return
	}

	handler.ServeHTTP(w, r)
}

func methodAllowed(route *router.Route, method string) bool {
	if len(route.Methods) == 0 {
		return true
	}
	return route.Methods[method]
}

// GetRouter returns the route table, used by the admin API.
func (g *Gateway) GetRouter() *router.Router { return g.router }

// GetHealthChecker returns the health checker, used by the admin API.
func (g *Gateway) GetHealthChecker() *health.Checker { return g.healthChecker }

// GetCircuitBreakers returns the per-route circuit breakers, used by the
// admin API.
func (g *Gateway) GetCircuitBreakers() *circuitbreaker.BreakerByRoute { return g.circuitBreakers }

// GetAPIKeyAuth returns the API key authenticator, if configured, so the
// admin API can expose key management.
func (g *Gateway) GetAPIKeyAuth() *auth.APIKeyAuth { return g.apiKeyAuth }

// SetHooks installs an additional lifecycle hook set, fired alongside the
// default logging hooks via hooks.Chain. Callers that need to observe
// request lifecycle events (admin integrations, tests) add their own set
// rather than replacing the default one.
func (g *Gateway) SetHooks(h *hooks.Hooks) {
	g.hooks = hooks.Chain(g.hooks, h)
}

// Stats is a point-in-time summary of the gateway's route table.
type Stats struct {
	Routes        int            `json:"routes"`
	HealthyRoutes int            `json:"healthy_routes"`
	Backends      map[string]int `json:"backends"`
}

// GetStats returns a point-in-time summary of routes and backend health.
func (g *Gateway) GetStats() *Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	stats := &Stats{Routes: len(g.routeProxies), Backends: make(map[string]int)}

	for routeID, rp := range g.routeProxies {
		backends := rp.GetBalancer().GetBackends()
		stats.Backends[routeID] = len(backends)

		healthy := 0
		for _, b := range backends {
			if b.Healthy {
				healthy++
			}
		}
		if healthy > 0 {
			stats.HealthyRoutes++
		}
	}
	return stats
}

// Close stops background goroutines: the health checker and any
// sticky-session stores.
func (g *Gateway) Close() error {
	if g.healthChecker != nil {
		g.healthChecker.Stop()
	}
	for _, s := range g.sessionStores {
		s.Stop()
	}
	return nil
}
