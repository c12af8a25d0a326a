package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/arcflow/apexgate/internal/config"
	"github.com/arcflow/apexgate/internal/middleware/auth"
	"github.com/arcflow/apexgate/internal/middleware/cors"
	"github.com/arcflow/apexgate/internal/middleware/securityheaders"
	"github.com/arcflow/apexgate/internal/router"
	"github.com/arcflow/apexgate/variables"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMWRequiredRejectsMissingKey(t *testing.T) {
	route := &router.Route{Auth: router.RouteAuth{Required: true}}
	apiKeyAuth := auth.NewAPIKeyAuth(config.APIKeyConfig{
		Enabled: true,
		Keys:    []config.APIKeyEntry{{Key: "secret", ClientID: "c1"}},
	})

	handler := authMW(route, apiKeyAuth, nil)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestAuthMWRequiredAcceptsValidKeyAndSetsIdentity(t *testing.T) {
	route := &router.Route{Auth: router.RouteAuth{Required: true}}
	apiKeyAuth := auth.NewAPIKeyAuth(config.APIKeyConfig{
		Enabled: true,
		Keys:    []config.APIKeyEntry{{Key: "secret", ClientID: "c1"}},
	})

	var gotIdentity *variables.Identity
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if varCtx := variables.GetFromRequest(r); varCtx != nil {
			gotIdentity = varCtx.Identity
		}
		w.WriteHeader(http.StatusOK)
	})

	handler := authMW(route, apiKeyAuth, nil)(inner)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-API-Key", "secret")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if gotIdentity == nil {
		t.Fatal("expected an identity to be set on the request's variable context")
	}
}

func TestAuthMWOptionalPassesThroughWithoutIdentity(t *testing.T) {
	route := &router.Route{Auth: router.RouteAuth{Optional: true}}
	apiKeyAuth := auth.NewAPIKeyAuth(config.APIKeyConfig{Enabled: true})

	handler := authMW(route, apiKeyAuth, nil)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected an optional route with no credentials to pass through, got %d", rr.Code)
	}
}

func TestAuthMWExcludedPathBypassesAuth(t *testing.T) {
	route := &router.Route{Auth: router.RouteAuth{Required: true, ExcludePaths: []string{"/health"}}}
	apiKeyAuth := auth.NewAPIKeyAuth(config.APIKeyConfig{Enabled: true})

	handler := authMW(route, apiKeyAuth, nil)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected excluded path to bypass auth, got %d", rr.Code)
	}
}

func TestValidationMWRejectsOversizedBody(t *testing.T) {
	cfg := config.ValidationConfig{MaxBodySize: 10}
	handler := validationMW(cfg)(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("this body is far too long"))
	req.ContentLength = int64(len("this body is far too long"))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rr.Code)
	}
}

func TestValidationMWRejectsBlockedPath(t *testing.T) {
	cfg := config.ValidationConfig{BlockedPath: "^/admin"}
	handler := validationMW(cfg)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/admin/secrets", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code == http.StatusOK {
		t.Fatal("expected a blocked path to be rejected")
	}
}

func TestValidationMWAllowsWithinLimits(t *testing.T) {
	cfg := config.ValidationConfig{MaxBodySize: 1024, MaxURLLength: 2048}
	handler := validationMW(cfg)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/fine", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestSecurityHeadersMWAppliesHeadersAndDropsHSTSOverPlaintext(t *testing.T) {
	byRoute := securityheaders.NewSecurityHeadersByRoute()
	byRoute.AddRoute("r1", config.SecurityHeadersConfig{
		StrictTransportSecurity: "max-age=63072000",
		XFrameOptions:           "DENY",
	})
	headers := byRoute.GetHeaders("r1")

	handler := securityHeadersMW(headers)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Header().Get("X-Frame-Options") != "DENY" {
		t.Fatalf("expected X-Frame-Options to be set, got %q", rr.Header().Get("X-Frame-Options"))
	}
	if rr.Header().Get("Strict-Transport-Security") != "" {
		t.Fatal("expected HSTS header to be dropped on a plaintext request")
	}
}

func TestCorsMWHandlesPreflight(t *testing.T) {
	byRoute := cors.NewCORSByRoute()
	byRoute.AddRoute("r1", config.CORSConfig{Enabled: true, AllowOrigins: []string{"*"}, AllowMethods: []string{"GET"}})
	h := byRoute.GetHandler("r1")

	handler := corsMW(h)(okHandler())

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code == http.StatusOK && rr.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Fatal("expected a preflight response to carry CORS headers")
	}
}
