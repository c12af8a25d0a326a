package loadbalancer

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// maxSessionEntries bounds how many sticky-session bindings a single store
// holds in memory. Once exceeded, the least-recently-touched binding is
// evicted immediately rather than waiting for the next sweep tick.
const maxSessionEntries = 100_000

// sessionEntry binds an opaque session id to a backend URL for a bounded
// time window.
type sessionEntry struct {
	backendURL string
	expiresAt  time.Time
}

// SessionStore holds server-side sticky-session bindings: session-id to
// {target URL, expiry}. Unlike a client-decodable affinity cookie, the
// client only ever sees the opaque session id; the mapping to a backend
// lives entirely on the gateway. Entries are evicted lazily on lookup
// after expiry and swept periodically in the background.
type SessionStore struct {
	mu         sync.RWMutex
	entries    map[string]sessionEntry
	ttl        time.Duration
	cookieName string
	path       string
	secure     bool
	sameSite   http.SameSite

	// recents tracks binding recency and bounds entries to maxSessionEntries.
	// It never decides expiry on its own — expiresAt on sessionEntry still
	// governs that — it only hints which binding to drop first when the
	// store grows past its cap, and is kept in sync with entries under mu.
	recents *lru.Cache[string, struct{}]

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewSessionStore creates a session store with the given cookie name, TTL,
// and cookie attributes, and starts its periodic sweep goroutine. Callers
// must call Stop when the store is no longer needed.
func NewSessionStore(cookieName string, ttl time.Duration, secure bool) *SessionStore {
	if cookieName == "" {
		cookieName = "lb-session"
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	s := &SessionStore{
		entries:    make(map[string]sessionEntry),
		ttl:        ttl,
		cookieName: cookieName,
		path:       "/",
		secure:     secure,
		sameSite:   http.SameSiteStrictMode,
		stopCh:     make(chan struct{}),
	}
	// onEvict runs synchronously from within recents.Add, always called
	// with s.mu already held by the caller (Bind).
	s.recents, _ = lru.NewWithEvict[string, struct{}](maxSessionEntries, func(id string, _ struct{}) {
		delete(s.entries, id)
	})
	go s.sweepLoop()
	return s
}

// sweepLoop evicts expired entries every 5 minutes until Stop is called.
func (s *SessionStore) sweepLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

func (s *SessionStore) sweep() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, id)
			s.recents.Remove(id)
		}
	}
}

// Stop terminates the background sweep goroutine.
func (s *SessionStore) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Lookup returns the backend URL bound to sessionID, if any and not
// expired. An expired entry found at lookup time is evicted immediately
// rather than waiting for the next sweep.
func (s *SessionStore) Lookup(sessionID string) (string, bool) {
	if sessionID == "" {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[sessionID]
	if !ok {
		return "", false
	}
	if time.Now().After(e.expiresAt) {
		delete(s.entries, sessionID)
		s.recents.Remove(sessionID)
		return "", false
	}
	s.recents.Get(sessionID) // touch: keeps active sessions ahead of idle ones in eviction order
	return e.backendURL, true
}

// Bind creates a new session id bound to backendURL and returns it. The id
// is 128 bits from crypto/rand, hex-encoded to 32 characters.
func (s *SessionStore) Bind(backendURL string) string {
	var raw [16]byte
	rand.Read(raw[:])
	id := hex.EncodeToString(raw[:])
	s.mu.Lock()
	s.entries[id] = sessionEntry{backendURL: backendURL, expiresAt: time.Now().Add(s.ttl)}
	s.recents.Add(id, struct{}{}) // may synchronously evict the LRU entry via onEvict
	s.mu.Unlock()
	return id
}

// MakeCookie builds the sticky-session cookie for a bound session id.
// Secure is set whenever the store was configured for TLS listeners.
func (s *SessionStore) MakeCookie(sessionID string) *http.Cookie {
	return &http.Cookie{
		Name:     s.cookieName,
		Value:    sessionID,
		Path:     s.path,
		MaxAge:   int(s.ttl.Seconds()),
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: s.sameSite,
	}
}

// CookieName returns the configured sticky-session cookie name.
func (s *SessionStore) CookieName() string {
	return s.cookieName
}

// StickyBalancer wraps an inner Balancer with server-side sticky-session
// binding. On a request carrying a valid, unexpired session cookie that
// still maps to a healthy backend, it returns that backend. Otherwise it
// falls through to the inner balancer and binds a new session.
type StickyBalancer struct {
	inner Balancer
	store *SessionStore
}

// NewStickyBalancer wraps inner with server-side sticky-session binding.
func NewStickyBalancer(inner Balancer, store *SessionStore) *StickyBalancer {
	return &StickyBalancer{inner: inner, store: store}
}

func (s *StickyBalancer) Next() *Backend { return s.inner.Next() }

func (s *StickyBalancer) UpdateBackends(backends []*Backend) { s.inner.UpdateBackends(backends) }

func (s *StickyBalancer) MarkHealthy(url string) { s.inner.MarkHealthy(url) }

func (s *StickyBalancer) MarkUnhealthy(url string) { s.inner.MarkUnhealthy(url) }

func (s *StickyBalancer) GetBackends() []*Backend { return s.inner.GetBackends() }

func (s *StickyBalancer) HealthyCount() int { return s.inner.HealthyCount() }

func (s *StickyBalancer) GetBackendByURL(url string) *Backend { return s.inner.GetBackendByURL(url) }

// NextForHTTPRequest implements RequestAwareBalancer. It looks up the
// sticky cookie, the session id it carries, and the backend that session
// is bound to; a miss at any step falls through to the inner balancer and
// a fresh binding is expected to be made by the caller via Bind.
func (s *StickyBalancer) NextForHTTPRequest(r *http.Request) (*Backend, string) {
	if cookie, err := r.Cookie(s.store.CookieName()); err == nil && cookie.Value != "" {
		if backendURL, ok := s.store.Lookup(cookie.Value); ok {
			if b := s.inner.GetBackendByURL(backendURL); b != nil && b.Healthy {
				return b, ""
			}
			// Bound target missing or unhealthy: the binding is ignored,
			// not deleted, until it is naturally swept or overwritten.
		}
	}
	if rab, ok := s.inner.(RequestAwareBalancer); ok {
		return rab.NextForHTTPRequest(r)
	}
	return s.inner.Next(), ""
}

// Bind creates a new session id for backend.URL and returns the cookie to
// set on the response.
func (s *StickyBalancer) Bind(backend *Backend) *http.Cookie {
	id := s.store.Bind(backend.URL)
	return s.store.MakeCookie(id)
}

// CookieName returns the sticky-session cookie name the caller should look
// for on incoming requests and set on responses that establish a binding.
func (s *StickyBalancer) CookieName() string {
	return s.store.CookieName()
}

// NeedsBinding reports whether r lacks a sticky cookie that currently
// resolves to a healthy backend — i.e. whether NextForHTTPRequest just fell
// through to the inner balancer and the caller should establish a fresh
// binding via Bind.
func (s *StickyBalancer) NeedsBinding(r *http.Request) bool {
	cookie, err := r.Cookie(s.store.CookieName())
	if err != nil || cookie.Value == "" {
		return true
	}
	backendURL, ok := s.store.Lookup(cookie.Value)
	if !ok {
		return true
	}
	b := s.inner.GetBackendByURL(backendURL)
	return b == nil || !b.Healthy
}

var _ Balancer = (*StickyBalancer)(nil)
var _ RequestAwareBalancer = (*StickyBalancer)(nil)
