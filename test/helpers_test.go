// Package test holds whole-gateway-instance scenario tests: each spins up
// one or more httptest backends, builds a real config.Config, and drives
// it through gateway.New(cfg).Handler() the way a client would.
package test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/arcflow/apexgate/internal/config"
	"github.com/arcflow/apexgate/internal/gateway"
)

// newTestGateway builds a Gateway from cfg and returns it alongside an
// httptest.Server fronting its handler, closed automatically at test end.
func newTestGateway(t *testing.T, cfg *config.Config) (*gateway.Gateway, *httptest.Server) {
	t.Helper()
	gw, err := gateway.New(cfg)
	if err != nil {
		t.Fatalf("gateway.New: %v", err)
	}
	ts := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		ts.Close()
		gw.Close()
	})
	return gw, ts
}

// fixedStatusBackend returns a backend that always answers status with body.
func fixedStatusBackend(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	return fixedStatusBackendFunc(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(body))
	})
}

// fixedStatusBackendFunc returns a backend driven by an arbitrary handler,
// for scenarios that need to vary behavior across calls.
func fixedStatusBackendFunc(t *testing.T, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}
