package gateway

import (
	"fmt"
	"net/http"
	"regexp"

	"github.com/arcflow/apexgate/internal/config"
	"github.com/arcflow/apexgate/internal/errors"
	"github.com/arcflow/apexgate/internal/middleware"
	"github.com/arcflow/apexgate/internal/middleware/auth"
	"github.com/arcflow/apexgate/internal/middleware/cors"
	"github.com/arcflow/apexgate/internal/middleware/securityheaders"
	"github.com/arcflow/apexgate/internal/router"
	"github.com/arcflow/apexgate/variables"
)

// corsMW applies CORS: it answers preflight requests directly and, for
// everything else, sets the response headers before calling next.
func corsMW(h *cors.Handler) middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !h.IsEnabled() {
				next.ServeHTTP(w, r)
				return
			}
			if h.IsPreflight(r) {
				h.HandlePreflight(w, r)
				return
			}
			h.ApplyHeaders(w, r)
			next.ServeHTTP(w, r)
		})
	}
}

// authMW authenticates a request using the route's configured methods. A
// path under ExcludePaths bypasses authentication entirely. When no
// identity is established, a required route rejects with 401 while an
// optional route simply passes the request through unauthenticated.
func authMW(route *router.Route, apiKeyAuth *auth.APIKeyAuth, jwtAuth *auth.JWTAuth) middleware.Middleware {
	cfg := route.Auth
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, excluded := range cfg.ExcludePaths {
				if r.URL.Path == excluded {
					next.ServeHTTP(w, r)
					return
				}
			}

			identity, err := authenticate(r, cfg.Methods, apiKeyAuth, jwtAuth)
			if err != nil {
				if !cfg.Required {
					next.ServeHTTP(w, r)
					return
				}
				w.Header().Set("WWW-Authenticate", `Bearer realm="api", API-Key`)
				errors.ErrUnauthorized.WriteJSON(w)
				return
			}

			if varCtx := variables.GetFromRequest(r); varCtx != nil {
				varCtx.Identity = identity
			}
			next.ServeHTTP(w, r)
		})
	}
}

// authenticate tries each configured auth method in order and returns the
// first identity established, or the last error seen if none succeed. An
// empty methods list tries every configured provider.
func authenticate(r *http.Request, methods []string, apiKeyAuth *auth.APIKeyAuth, jwtAuth *auth.JWTAuth) (*variables.Identity, error) {
	if len(methods) == 0 {
		methods = []string{"jwt", "api_key"}
	}

	var lastErr error = errors.ErrUnauthorized
	for _, method := range methods {
		switch method {
		case "jwt":
			if jwtAuth != nil && jwtAuth.IsEnabled() {
				if identity, err := jwtAuth.Authenticate(r); err == nil {
					return identity, nil
				} else {
					lastErr = err
				}
			}
		case "api_key":
			if apiKeyAuth != nil && apiKeyAuth.IsEnabled() {
				if identity, err := apiKeyAuth.Authenticate(r); err == nil {
					return identity, nil
				} else {
					lastErr = err
				}
			}
		}
	}
	return nil, lastErr
}

// validationMW enforces the route's size and structural request limits
// before any downstream middleware or the proxy runs.
func validationMW(cfg config.ValidationConfig) middleware.Middleware {
	var blockedPath *regexp.Regexp
	if cfg.BlockedPath != "" {
		blockedPath = regexp.MustCompile(cfg.BlockedPath)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.MaxBodySize > 0 {
				if r.ContentLength > cfg.MaxBodySize {
					errors.ErrPayloadTooLarge.WithDetails(
						fmt.Sprintf("request body exceeds maximum size of %d bytes", cfg.MaxBodySize),
					).WriteJSON(w)
					return
				}
				r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxBodySize)
			}

			if cfg.MaxURLLength > 0 && len(r.URL.RequestURI()) > cfg.MaxURLLength {
				errors.ErrURITooLong.WriteJSON(w)
				return
			}

			if cfg.MaxHeaders > 0 && len(r.Header) > cfg.MaxHeaders {
				errors.ErrHeadersTooLarge.WithDetails("too many request headers").WriteJSON(w)
				return
			}
			if cfg.MaxHeaderSize > 0 {
				total := 0
				for k, vv := range r.Header {
					for _, v := range vv {
						total += len(k) + len(v)
					}
				}
				if total > cfg.MaxHeaderSize {
					errors.ErrHeadersTooLarge.WithDetails("request headers exceed maximum size").WriteJSON(w)
					return
				}
			}

			if cfg.MaxQueryParams > 0 && len(r.URL.Query()) > cfg.MaxQueryParams {
				errors.ErrValidationBlocked.WithDetails("too many query parameters").WriteJSON(w)
				return
			}

			if blockedPath != nil && blockedPath.MatchString(r.URL.Path) {
				errors.ErrValidationBlocked.WithDetails("path is blocked").WriteJSON(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// securityHeadersMW applies the route's compiled security headers. The
// Strict-Transport-Security header is dropped on plaintext connections,
// since advertising HSTS over HTTP is both useless and misleading.
func securityHeadersMW(headers *securityheaders.CompiledSecurityHeaders) middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if headers != nil {
				headers.Apply(w.Header())
				if r.TLS == nil {
					w.Header().Del("Strict-Transport-Security")
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
