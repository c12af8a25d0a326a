package config

import "time"

// Config represents the complete gateway configuration.
type Config struct {
	Listeners      []ListenerConfig     `yaml:"listeners"`
	Authentication AuthenticationConfig `yaml:"authentication"`
	Routes         []RouteConfig        `yaml:"routes"`
	Logging        LoggingConfig        `yaml:"logging"`
	Admin          AdminConfig          `yaml:"admin"`
	Shutdown       ShutdownConfig       `yaml:"shutdown"`
	TrustedProxies TrustedProxiesConfig `yaml:"trusted_proxies"`
	Transport      TransportConfig      `yaml:"transport"`
	SSRFProtection SSRFProtectionConfig `yaml:"ssrf_protection"`
}

// TransportConfig defines upstream HTTP transport (connection pool) settings.
type TransportConfig struct {
	MaxIdleConns          int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost       int           `yaml:"max_conns_per_host"`
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout"`
	DialTimeout           time.Duration `yaml:"dial_timeout"`
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout"`
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"`
	ExpectContinueTimeout time.Duration `yaml:"expect_continue_timeout"`
	DisableKeepAlives     bool          `yaml:"disable_keep_alives"`
	InsecureSkipVerify    bool          `yaml:"insecure_skip_verify"`
	CAFile                string        `yaml:"ca_file"`
	CertFile              string        `yaml:"cert_file"`
	KeyFile               string        `yaml:"key_file"`
	ForceHTTP2            *bool         `yaml:"force_http2"`
}

// SSRFProtectionConfig defines SSRF protection for outbound proxy connections.
type SSRFProtectionConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowCIDRs     []string `yaml:"allow_cidrs"`     // exempt specific private CIDRs
	BlockLinkLocal *bool    `yaml:"block_link_local"` // default true
}

// ListenerConfig defines a single HTTP listener.
type ListenerConfig struct {
	ID                string        `yaml:"id"`
	Address           string        `yaml:"address"` // e.g. ":8080"
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`
	TLS               TLSConfig     `yaml:"tls"`
}

// TLSConfig indicates whether a listener is served over TLS. Certificate
// loading and HTTPS termination themselves are out of scope; this flag
// only affects behavior that depends on the scheme the request arrived
// over (the Secure attribute of the sticky-session cookie, the
// Strict-Transport-Security security header).
type TLSConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ShutdownConfig controls graceful-shutdown behavior.
type ShutdownConfig struct {
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// TrustedProxiesConfig configures trusted-proxy-aware client IP extraction.
type TrustedProxiesConfig struct {
	CIDRs   []string `yaml:"cidrs"`
	Headers []string `yaml:"headers"`
	MaxHops int      `yaml:"max_hops"`
}

// AuthenticationConfig defines the gateway-wide auth settings referenced
// by routes that opt into authentication.
type AuthenticationConfig struct {
	APIKey APIKeyConfig `yaml:"api_key"`
	JWT    JWTConfig    `yaml:"jwt"`
}

// APIKeyConfig defines API key authentication settings.
type APIKeyConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Header     string        `yaml:"header"`
	QueryParam string        `yaml:"query_param"`
	Keys       []APIKeyEntry `yaml:"keys"`
}

// APIKeyEntry represents a single configured API key.
type APIKeyEntry struct {
	Key       string   `yaml:"key"`
	ClientID  string   `yaml:"client_id"`
	Name      string   `yaml:"name"`
	Roles     []string `yaml:"roles"`
	ExpiresAt string   `yaml:"expires_at"` // RFC3339, empty = never
}

// JWTConfig defines bearer-token authentication settings. Exactly one of
// Secret (symmetric) or JWKSUrl/PublicKey (asymmetric, remote key set)
// should be set; both being set is a config-validation error.
type JWTConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Secret    string        `yaml:"secret"`
	PublicKey string        `yaml:"public_key"`
	JWKSUrl   string        `yaml:"jwks_url"`
	JWKSRefresh time.Duration `yaml:"jwks_refresh"`
	Issuer    string        `yaml:"issuer"`
	Audience  []string      `yaml:"audience"`
	Algorithm string        `yaml:"algorithm"` // HS256, HS384, HS512, RS256, RS384, RS512
}

// RouteConfig defines a single route: pattern, method set, upstream
// specification, and the policy/proxy/hook configuration attached to it.
type RouteConfig struct {
	ID          string          `yaml:"id"`
	Path        string          `yaml:"path"`
	PathPrefix  bool            `yaml:"path_prefix"`
	Methods     []string        `yaml:"methods"`
	Backends    []BackendConfig `yaml:"backends"`
	Handler     string          `yaml:"handler"` // name of a registered inline handler, optional

	Auth           RouteAuthConfig      `yaml:"auth"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CORS           CORSConfig           `yaml:"cors"`
	SecurityHeaders SecurityHeadersConfig `yaml:"security_headers"`
	Validation     ValidationConfig     `yaml:"validation"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	LoadBalancer   LoadBalancerConfig   `yaml:"load_balancer"`
	Proxy          ProxyConfig          `yaml:"proxy"`
	RequestBody    BodyTransformConfig  `yaml:"request_body"`
	ResponseBody   BodyTransformConfig  `yaml:"response_body"`
	Match          MatchConfig          `yaml:"match"`

	Timeout     time.Duration `yaml:"timeout"`
	StripPrefix bool          `yaml:"strip_prefix"`
	Retry       RetryConfig   `yaml:"retry"`

	Meta map[string]string `yaml:"meta"`
}

// MatchConfig defines additional domain/header/query/cookie/body criteria a
// request must satisfy for a route to be selected, beyond its path and
// methods. Multiple routes can share a path; the router picks the most
// specific match among them.
type MatchConfig struct {
	Domains          []string            `yaml:"domains"`
	Headers          []HeaderMatchConfig `yaml:"headers"`
	Query            []QueryMatchConfig  `yaml:"query"`
	Cookies          []CookieMatchConfig `yaml:"cookies"`
	Body             []BodyMatchConfig   `yaml:"body"`
	MaxMatchBodySize int64               `yaml:"max_match_body_size"`
}

// HeaderMatchConfig defines a single header match criterion.
type HeaderMatchConfig struct {
	Name    string `yaml:"name"`
	Value   string `yaml:"value"`
	Present *bool  `yaml:"present"`
	Regex   string `yaml:"regex"`
}

// QueryMatchConfig defines a single query parameter match criterion.
type QueryMatchConfig struct {
	Name    string `yaml:"name"`
	Value   string `yaml:"value"`
	Present *bool  `yaml:"present"`
	Regex   string `yaml:"regex"`
}

// CookieMatchConfig defines a single cookie match criterion.
type CookieMatchConfig struct {
	Name    string `yaml:"name"`
	Value   string `yaml:"value"`
	Present *bool  `yaml:"present"`
	Regex   string `yaml:"regex"`
}

// BodyMatchConfig defines a single request body field match criterion using a gjson path.
type BodyMatchConfig struct {
	Name    string `yaml:"name"`    // gjson path
	Value   string `yaml:"value"`   // exact match
	Present *bool  `yaml:"present"` // field existence check
	Regex   string `yaml:"regex"`   // regex match on string value
}

// BackendConfig defines a static backend participating in a route's pool.
type BackendConfig struct {
	URL    string `yaml:"url"`
	Weight int    `yaml:"weight"`
}

// RouteAuthConfig defines authentication requirements for a route.
type RouteAuthConfig struct {
	Required     bool     `yaml:"required"`
	Optional     bool     `yaml:"optional"`
	Methods      []string `yaml:"methods"` // jwt, api_key — tried in order, first success wins
	ExcludePaths []string `yaml:"exclude_paths"`
}

// RateLimitConfig defines fixed-window rate limiting settings for a route.
type RateLimitConfig struct {
	Enabled       bool     `yaml:"enabled"`
	WindowMs      int64    `yaml:"window_ms"`
	Max           int      `yaml:"max"`
	KeyGenerator  string   `yaml:"key_generator"` // ip, header:X, cookie:X, jwt_claim:X
	ExcludePaths  []string `yaml:"exclude_paths"`
	Distributed   bool     `yaml:"distributed"`   // use the Redis-backed store instead of process-local
	RedisPrefix   string   `yaml:"redis_prefix"`
}

// CORSConfig defines CORS policy for a route.
type CORSConfig struct {
	Enabled             bool     `yaml:"enabled"`
	AllowOrigins        []string `yaml:"allow_origins"`
	AllowOriginPatterns []string `yaml:"allow_origin_patterns"`
	AllowMethods        []string `yaml:"allow_methods"`
	AllowHeaders        []string `yaml:"allow_headers"`
	ExposeHeaders       []string `yaml:"expose_headers"`
	AllowCredentials    bool     `yaml:"allow_credentials"`
	AllowPrivateNetwork bool     `yaml:"allow_private_network"`
	MaxAge              int      `yaml:"max_age"`
}

// SecurityHeadersConfig defines response security headers for a route,
// merged over the gateway-wide default set.
type SecurityHeadersConfig struct {
	StrictTransportSecurity string            `yaml:"strict_transport_security"`
	ContentSecurityPolicy   string            `yaml:"content_security_policy"`
	XFrameOptions           string            `yaml:"x_frame_options"`
	XContentTypeOptions     string            `yaml:"x_content_type_options"`
	ReferrerPolicy          string            `yaml:"referrer_policy"`
	PermissionsPolicy       string            `yaml:"permissions_policy"`
	CustomHeaders           map[string]string `yaml:"custom_headers"`
}

// ValidationConfig defines the size/structural request limits enforced
// before any handler or middleware downstream of it runs.
type ValidationConfig struct {
	MaxBodySize   int64  `yaml:"max_body_size"`
	MaxURLLength  int    `yaml:"max_url_length"`
	MaxHeaders    int    `yaml:"max_headers"`
	MaxHeaderSize int    `yaml:"max_header_size"`
	MaxQueryParams int   `yaml:"max_query_params"`
	BlockedPath   string `yaml:"blocked_path"` // regex
}

// CircuitBreakerConfig defines per-route circuit breaker settings.
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
	PerCallTimeout   time.Duration `yaml:"per_call_timeout"`
	MaxRequests      int           `yaml:"max_requests"`
}

// RetryConfig defines retry policy settings for a route.
type RetryConfig struct {
	MaxRetries        int           `yaml:"max_retries"`
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	RetryableStatuses []int         `yaml:"retryable_statuses"`
	RetryableMethods  []string      `yaml:"retryable_methods"`
	PerTryTimeout     time.Duration `yaml:"per_try_timeout"`
	Budget            BudgetConfig  `yaml:"budget"`
	Hedging           HedgingConfig `yaml:"hedging"`
}

// BudgetConfig bounds the fraction of requests that may be retried over a
// sliding window, preventing a struggling backend from being hit by a
// retry storm on top of its existing load.
type BudgetConfig struct {
	Ratio      float64       `yaml:"ratio"`       // max ratio of retries to total requests (0.0-1.0)
	MinRetries int           `yaml:"min_retries"` // always allow at least N retries/sec regardless of ratio
	Window     time.Duration `yaml:"window"`      // sliding window duration, default 10s
}

// HedgingConfig defines speculative-request hedging settings.
type HedgingConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxRequests int           `yaml:"max_requests"` // total concurrent requests (original + hedges), default 2
	Delay       time.Duration `yaml:"delay"`        // wait before firing a hedge
}

// LoadBalancerConfig defines target selection, health checking, and
// sticky-session settings for a route's backend pool.
type LoadBalancerConfig struct {
	Strategy      string              `yaml:"strategy"` // round-robin, random, weighted, least-connections, weighted-least-connections, ip-hash, p2c, latency
	HealthCheck   HealthCheckConfig   `yaml:"health_check"`
	StickySession StickySessionConfig `yaml:"sticky_session"`
	HashKey       string              `yaml:"hash_key"` // extractor source for ip-hash, e.g. "ip", "header:X-Client-Id"
}

// HealthCheckConfig defines active health probing for a route's backends.
type HealthCheckConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Interval       time.Duration `yaml:"interval"`
	Timeout        time.Duration `yaml:"timeout"`
	Path           string        `yaml:"path"`
	Method         string        `yaml:"method"`
	ExpectedStatus string        `yaml:"expected_status"` // "200", "2xx", "200-299"
	ExpectedBody   string        `yaml:"expected_body"`
	HealthyAfter   int           `yaml:"healthy_after"`
	UnhealthyAfter int           `yaml:"unhealthy_after"`
}

// StickySessionConfig defines server-side sticky-session binding.
type StickySessionConfig struct {
	Enabled    bool          `yaml:"enabled"`
	CookieName string        `yaml:"cookie_name"`
	TTL        time.Duration `yaml:"ttl"`
}

// ProxyConfig defines request/response forwarding options for a route.
type ProxyConfig struct {
	Headers         map[string]string `yaml:"headers"`
	Timeout         time.Duration     `yaml:"timeout"`
	IdleTimeout     time.Duration     `yaml:"idle_timeout"` // max gap between successive response body reads
	FollowRedirects bool              `yaml:"follow_redirects"`
	MaxRedirects    int               `yaml:"max_redirects"`
	PathRewrite     PathRewriteConfig `yaml:"path_rewrite"`
	QueryString     map[string]string `yaml:"query_string"`
	RequestHeaders  HeaderTransform   `yaml:"request_headers"`
	ResponseHeaders HeaderTransform   `yaml:"response_headers"`
}

// HeaderTransform defines add/set/remove header rules. Add and Set values
// may reference the variable-interpolation syntax (e.g. "${request_id}").
type HeaderTransform struct {
	Add    map[string]string `yaml:"add"`
	Set    map[string]string `yaml:"set"`
	Remove []string          `yaml:"remove"`
}

// BodyTransformConfig defines JSON request/response body rewriting rules,
// applied in the fixed order: allow/deny filter, set_fields, add_fields,
// remove_fields, rename_fields, template.
type BodyTransformConfig struct {
	AllowFields  []string          `yaml:"allow_fields"`
	DenyFields   []string          `yaml:"deny_fields"`
	SetFields    map[string]string `yaml:"set_fields"`
	AddFields    map[string]string `yaml:"add_fields"`
	RemoveFields []string          `yaml:"remove_fields"`
	RenameFields map[string]string `yaml:"rename_fields"`
	Template     string            `yaml:"template"`
}

// PathRewriteConfig defines the ordered regex replacement rules, or a
// simple prefix rewrite, applied to derive the upstream path.
type PathRewriteConfig struct {
	StripPrefix string            `yaml:"strip_prefix"`
	AddPrefix   string            `yaml:"add_prefix"`
	Regex       map[string]string `yaml:"regex"` // pattern -> replacement, applied in map iteration order is NOT guaranteed; see RegexRules
	RegexRules  []RegexRule       `yaml:"regex_rules"`
}

// RegexRule is one ordered pattern->replacement rewrite rule.
type RegexRule struct {
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

// LoggingConfig defines structured logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Output     string `yaml:"output"` // stdout, stderr, or a file path
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

// AdminConfig defines the admin/introspection API.
type AdminConfig struct {
	Enabled bool `yaml:"enabled"`
	Address string `yaml:"address"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Listeners: []ListenerConfig{
			{ID: "default", Address: ":8080", ReadTimeout: 30 * time.Second, WriteTimeout: 30 * time.Second, IdleTimeout: 60 * time.Second},
		},
		Authentication: AuthenticationConfig{
			APIKey: APIKeyConfig{Header: "X-API-Key"},
			JWT:    JWTConfig{Algorithm: "HS256"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
		},
		Admin: AdminConfig{
			Enabled: true,
			Address: ":8081",
		},
		Shutdown: ShutdownConfig{
			DrainTimeout: 15 * time.Second,
		},
	}
}
