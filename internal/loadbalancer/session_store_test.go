package loadbalancer

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSessionStoreBindAndLookup(t *testing.T) {
	s := NewSessionStore("lb-session", time.Hour, false)
	defer s.Stop()

	id := s.Bind("http://backend-a:8080")
	if id == "" {
		t.Fatal("expected non-empty session id")
	}

	got, ok := s.Lookup(id)
	if !ok || got != "http://backend-a:8080" {
		t.Fatalf("expected backend-a, got %q ok=%v", got, ok)
	}
}

func TestSessionStoreLookupUnknown(t *testing.T) {
	s := NewSessionStore("lb-session", time.Hour, false)
	defer s.Stop()

	if _, ok := s.Lookup("does-not-exist"); ok {
		t.Fatal("expected lookup miss for unknown session id")
	}
	if _, ok := s.Lookup(""); ok {
		t.Fatal("expected lookup miss for empty session id")
	}
}

func TestSessionStoreRebindIssuesNewID(t *testing.T) {
	s := NewSessionStore("lb-session", 50*time.Millisecond, false)
	defer s.Stop()

	id := s.Bind("http://backend-a:8080")

	time.Sleep(20 * time.Millisecond)
	if _, ok := s.Lookup(id); !ok {
		t.Fatal("expected binding to still be live before TTL elapses")
	}

	// A fresh Bind for the same backend gets a new id with a full TTL; the
	// original binding's expiry is untouched by this second call.
	id2 := s.Bind("http://backend-a:8080")
	if id2 == id {
		t.Fatal("expected a distinct session id per Bind call")
	}
}

func TestSessionStoreTTLExpiry(t *testing.T) {
	s := NewSessionStore("lb-session", 20*time.Millisecond, false)
	defer s.Stop()

	id := s.Bind("http://backend-a:8080")

	time.Sleep(40 * time.Millisecond)

	if _, ok := s.Lookup(id); ok {
		t.Fatal("expected binding to be evicted after TTL elapses")
	}
}

func TestSessionStoreSweepEvictsExpired(t *testing.T) {
	s := NewSessionStore("lb-session", 10*time.Millisecond, false)
	defer s.Stop()

	id := s.Bind("http://backend-a:8080")
	time.Sleep(20 * time.Millisecond)

	s.sweep()

	s.mu.RLock()
	_, present := s.entries[id]
	s.mu.RUnlock()
	if present {
		t.Fatal("expected sweep to remove the expired entry from the map")
	}
}

func TestSessionStoreMakeCookie(t *testing.T) {
	s := NewSessionStore("lb-session", time.Hour, true)
	defer s.Stop()

	cookie := s.MakeCookie("abc123")
	if cookie.Name != "lb-session" || cookie.Value != "abc123" {
		t.Fatalf("unexpected cookie %+v", cookie)
	}
	if !cookie.Secure || !cookie.HttpOnly {
		t.Fatalf("expected Secure and HttpOnly cookie, got %+v", cookie)
	}
}

func TestSessionStoreDefaults(t *testing.T) {
	s := NewSessionStore("", 0, false)
	defer s.Stop()

	if s.CookieName() != "lb-session" {
		t.Errorf("expected default cookie name, got %q", s.CookieName())
	}
	if s.ttl != time.Hour {
		t.Errorf("expected default ttl 1h, got %v", s.ttl)
	}
}

func newHealthyBackend(url string) *Backend {
	b := &Backend{URL: url, Weight: 1, Healthy: true}
	b.InitParsedURL()
	return b
}

func TestStickyBalancerReturnsBoundBackend(t *testing.T) {
	store := NewSessionStore("lb-session", time.Hour, false)
	defer store.Stop()

	a := newHealthyBackend("http://a:8080")
	b := newHealthyBackend("http://b:8080")
	inner := NewRoundRobin([]*Backend{a, b})
	sb := NewStickyBalancer(inner, store)

	cookie := sb.Bind(a)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)

	for i := 0; i < 10; i++ {
		got, _ := sb.NextForHTTPRequest(req)
		if got == nil || got.URL != a.URL {
			t.Fatalf("expected every request to stick to a, got %v", got)
		}
	}
}

func TestStickyBalancerIgnoresBindingWhenBackendUnhealthy(t *testing.T) {
	store := NewSessionStore("lb-session", time.Hour, false)
	defer store.Stop()

	a := newHealthyBackend("http://a:8080")
	b := newHealthyBackend("http://b:8080")
	inner := NewRoundRobin([]*Backend{a, b})
	sb := NewStickyBalancer(inner, store)

	cookie := sb.Bind(a)
	inner.MarkUnhealthy(a.URL)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)

	got, _ := sb.NextForHTTPRequest(req)
	if got == nil || got.URL != b.URL {
		t.Fatalf("expected fallthrough to the only healthy backend b, got %v", got)
	}
}

func TestStickyBalancerFallsThroughWithoutCookie(t *testing.T) {
	store := NewSessionStore("lb-session", time.Hour, false)
	defer store.Stop()

	a := newHealthyBackend("http://a:8080")
	inner := NewRoundRobin([]*Backend{a})
	sb := NewStickyBalancer(inner, store)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	got, _ := sb.NextForHTTPRequest(req)
	if got == nil || got.URL != a.URL {
		t.Fatalf("expected fallthrough to inner balancer, got %v", got)
	}
}
