package config

import (
	"errors"
	"fmt"
	"regexp"
)

// Validate checks a fully-loaded configuration for errors, joining every
// problem found rather than stopping at the first one so an operator sees
// the whole list in a single pass.
func Validate(cfg *Config) error {
	var errs []error

	if len(cfg.Listeners) == 0 {
		errs = append(errs, errors.New("at least one listener is required"))
	}

	seenListener := make(map[string]bool)
	for _, l := range cfg.Listeners {
		if l.Address == "" {
			errs = append(errs, fmt.Errorf("listener %q: address is required", l.ID))
		}
		if seenListener[l.ID] {
			errs = append(errs, fmt.Errorf("duplicate listener id %q", l.ID))
		}
		seenListener[l.ID] = true
	}

	if jwt := cfg.Authentication.JWT; jwt.Secret != "" && (jwt.PublicKey != "" || jwt.JWKSUrl != "") {
		errs = append(errs, errors.New("authentication.jwt: secret and public_key/jwks_url are mutually exclusive"))
	}

	seenRoute := make(map[string]bool)
	for _, route := range cfg.Routes {
		if err := validateRoute(route); err != nil {
			errs = append(errs, fmt.Errorf("route %q: %w", route.ID, err))
		}
		if route.ID != "" {
			if seenRoute[route.ID] {
				errs = append(errs, fmt.Errorf("duplicate route id %q", route.ID))
			}
			seenRoute[route.ID] = true
		}
	}

	return errors.Join(errs...)
}

func validateRoute(route RouteConfig) error {
	var errs []error

	if route.Path == "" {
		errs = append(errs, errors.New("path is required"))
	}
	for _, m := range route.Methods {
		if !validHTTPMethods[m] {
			errs = append(errs, fmt.Errorf("invalid method %q", m))
		}
	}

	if err := validateAuth(route.Auth); err != nil {
		errs = append(errs, err)
	}
	if err := validateLoadBalancer(route.LoadBalancer, route.Backends); err != nil {
		errs = append(errs, err)
	}
	if err := validateCircuitBreaker(route.CircuitBreaker); err != nil {
		errs = append(errs, err)
	}
	if err := validateValidation(route.Validation); err != nil {
		errs = append(errs, err)
	}
	if err := validateRateLimit(route.RateLimit); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func validateAuth(auth RouteAuthConfig) error {
	for _, m := range auth.Methods {
		if m != "jwt" && m != "api_key" {
			return fmt.Errorf("auth: unknown method %q", m)
		}
	}
	return nil
}

// validateLoadBalancer implements the weight=0 open-question resolution:
// weight=0 excludes a backend from weighted selection; all backends at
// weight=0 is a config error since nothing would ever be selected.
func validateLoadBalancer(lb LoadBalancerConfig, backends []BackendConfig) error {
	switch lb.Strategy {
	case "", "round-robin", "random", "weighted", "least-connections",
		"weighted-least-connections", "ip-hash", "p2c", "latency":
	default:
		return fmt.Errorf("load_balancer: unknown strategy %q", lb.Strategy)
	}

	if lb.Strategy == "weighted" || lb.Strategy == "weighted-least-connections" {
		allZero := len(backends) > 0
		for _, b := range backends {
			if b.Weight != 0 {
				allZero = false
				break
			}
		}
		if allZero {
			return errors.New("load_balancer: all backends have weight=0, nothing could ever be selected")
		}
	}

	if lb.HealthCheck.Enabled {
		if _, _, err := ParseStatusRange(lb.HealthCheck.ExpectedStatus); err != nil {
			return fmt.Errorf("load_balancer.health_check: %w", err)
		}
	}
	return nil
}

func validateCircuitBreaker(cb CircuitBreakerConfig) error {
	if !cb.Enabled {
		return nil
	}
	if cb.FailureThreshold < 0 || cb.SuccessThreshold < 0 || cb.MaxRequests < 0 {
		return errors.New("circuit_breaker: thresholds must be non-negative")
	}
	return nil
}

func validateValidation(v ValidationConfig) error {
	if v.BlockedPath == "" {
		return nil
	}
	if _, err := regexp.Compile(v.BlockedPath); err != nil {
		return fmt.Errorf("validation.blocked_path: %w", err)
	}
	return nil
}

func validateRateLimit(rl RateLimitConfig) error {
	if !rl.Enabled {
		return nil
	}
	if rl.Max <= 0 {
		return errors.New("rate_limit: max must be positive")
	}
	if rl.WindowMs <= 0 {
		return errors.New("rate_limit: window_ms must be positive")
	}
	return nil
}

// ParseStatusRange parses a health-check expected-status spec: "200",
// "2xx", or "200-299". An empty spec defaults to exactly 200.
func ParseStatusRange(s string) (lo, hi int, err error) {
	if s == "" {
		return 200, 200, nil
	}
	var class int
	if n, e := fmt.Sscanf(s, "%dxx", &class); e == nil && n == 1 {
		return class * 100, class*100 + 99, nil
	}
	var single int
	if n, e := fmt.Sscanf(s, "%d", &single); e == nil && n == 1 {
		var dash string
		var hiVal int
		if n2, e2 := fmt.Sscanf(s, "%d%1s%d", &single, &dash, &hiVal); e2 == nil && n2 == 3 && dash == "-" {
			return single, hiVal, nil
		}
		return single, single, nil
	}
	return 0, 0, fmt.Errorf("invalid status range %q", s)
}
