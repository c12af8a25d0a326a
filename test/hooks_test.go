package test

import (
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/arcflow/apexgate/internal/config"
	"github.com/arcflow/apexgate/internal/hooks"
)

// TestHookOrderingOnUpstreamFailure drives one request against an upstream
// that answers 500 through a circuit-breaker-guarded route and records the
// lifecycle hook firing order: beforeRequest, beforeCircuitBreakerExecution,
// targetSelected, afterCircuitBreakerExecution(success=false), onError. afterResponse must never fire alongside onError.
func TestHookOrderingOnUpstreamFailure(t *testing.T) {
	upstream := fixedStatusBackend(t, http.StatusInternalServerError, "boom")

	cfg := &config.Config{
		Routes: []config.RouteConfig{
			{
				ID:         "hooked",
				Path:       "/svc",
				PathPrefix: true,
				Backends:   []config.BackendConfig{{URL: upstream.URL, Weight: 1}},
				CircuitBreaker: config.CircuitBreakerConfig{
					Enabled:          true,
					FailureThreshold: 10,
					SuccessThreshold: 1,
					ResetTimeout:     time.Second,
				},
			},
		},
	}
	gw, ts := newTestGateway(t, cfg)

	var mu sync.Mutex
	var order []string
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	var outcomeSuccess bool
	var afterResponseFired bool
	gw.SetHooks(&hooks.Hooks{
		BeforeRequest:                 func(r *http.Request, routeID string) { record("beforeRequest") },
		TargetSelected:                func(r *http.Request, routeID, backendURL string) { record("targetSelected") },
		BeforeCircuitBreakerExecution: func(r *http.Request, routeID string) { record("beforeCircuitBreakerExecution") },
		AfterCircuitBreakerExecution: func(r *http.Request, routeID string, outcome hooks.CircuitBreakerOutcome) {
			outcomeSuccess = outcome.Success
			record("afterCircuitBreakerExecution")
		},
		AfterResponse: func(r *http.Request, routeID string, statusCode int, duration time.Duration) {
			afterResponseFired = true
			record("afterResponse")
		},
		OnError: func(r *http.Request, routeID string, err error) { record("onError") },
	})

	resp, err := http.Get(ts.URL + "/svc/x")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	want := []string{
		"beforeRequest",
		"beforeCircuitBreakerExecution",
		"targetSelected",
		"afterCircuitBreakerExecution",
		"onError",
	}
	mu.Lock()
	got := append([]string(nil), order...)
	mu.Unlock()

	if len(got) != len(want) {
		t.Fatalf("hook sequence length mismatch: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("hook sequence mismatch at %d: got %v, want %v", i, got, want)
		}
	}
	if afterResponseFired {
		t.Error("afterResponse must not fire when onError fires")
	}
	if outcomeSuccess {
		t.Error("expected a failed circuit breaker outcome for a 500 upstream response")
	}
}
