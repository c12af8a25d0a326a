package loadbalancer

import (
	"encoding/binary"
	"net"
	"net/http"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/arcflow/apexgate/internal/extract"
	"github.com/arcflow/apexgate/internal/middleware/realip"
)

// ConsistentHash implements a consistent hash (ketama-style) load balancer.
// Requests whose hash key is equal always land on the same backend, and
// removing a backend only redistributes the keys that hashed onto it.
type ConsistentHash struct {
	baseBalancer
	hashKey  string
	extract  extract.Func
	ring     []ringEntry
	ringMu   sync.RWMutex
	replicas int
}

type ringEntry struct {
	hash    uint64
	backend *Backend
}

// NewConsistentHash creates a new consistent hash balancer. hashKey selects
// the request attribute hashed into the ring: "ip", "path", or any source
// string understood by the extract package (header:X, cookie:X, query:X,
// jwt_claim:X). An empty hashKey defaults to "ip". replicas <= 0 defaults
// to 150 virtual nodes per backend.
func NewConsistentHash(backends []*Backend, hashKey string, replicas int) *ConsistentHash {
	if replicas <= 0 {
		replicas = 150
	}
	if hashKey == "" {
		hashKey = "ip"
	}
	ch := &ConsistentHash{
		hashKey:  hashKey,
		replicas: replicas,
	}
	if hashKey != "ip" && hashKey != "path" {
		ch.extract = extract.Build(hashKey)
	}
	for _, b := range backends {
		if b.Weight == 0 {
			b.Weight = 1
		}
	}
	ch.backends = backends
	ch.buildIndex()
	ch.rebuildRing()
	return ch
}

// rebuildRing rebuilds the hash ring from the currently healthy backends.
func (ch *ConsistentHash) rebuildRing() {
	ch.mu.RLock()
	healthy := ch.healthyBackends()
	ch.mu.RUnlock()

	var ring []ringEntry
	for _, b := range healthy {
		vnodes := ch.replicas * b.Weight
		for i := 0; i < vnodes; i++ {
			ring = append(ring, ringEntry{hash: vnodeHash(b.URL, i), backend: b})
		}
	}

	sort.Slice(ring, func(i, j int) bool {
		return ring[i].hash < ring[j].hash
	})

	ch.ringMu.Lock()
	ch.ring = ring
	ch.ringMu.Unlock()
}

// vnodeHash hashes a backend URL and virtual node index onto the ring.
func vnodeHash(key string, idx int) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[:4], uint32(idx))
	h := xxhash.New()
	h.WriteString(key)
	h.Write(buf[:4])
	return h.Sum64()
}

func hashKey(key string) uint64 {
	return xxhash.Sum64String(key)
}

// Next returns a backend using the first ring entry. It ignores the
// configured hash key since no request is available; callers that select
// backends per-request should use NextForHTTPRequest instead.
func (ch *ConsistentHash) Next() *Backend {
	ch.ringMu.RLock()
	defer ch.ringMu.RUnlock()

	if len(ch.ring) == 0 {
		return nil
	}
	return ch.ring[0].backend
}

// NextForHTTPRequest selects a backend by hashing the configured request
// attribute and locating the first ring entry whose hash is >= it.
func (ch *ConsistentHash) NextForHTTPRequest(r *http.Request) (*Backend, string) {
	h := hashKey(ch.extractKey(r))

	ch.ringMu.RLock()
	ring := ch.ring
	ch.ringMu.RUnlock()

	if len(ring) == 0 {
		return nil, ""
	}

	idx := sort.Search(len(ring), func(i int) bool {
		return ring[i].hash >= h
	})
	if idx >= len(ring) {
		idx = 0
	}

	return ring[idx].backend, ""
}

// extractKey extracts the hash key from the request based on configuration.
func (ch *ConsistentHash) extractKey(r *http.Request) string {
	switch ch.hashKey {
	case "ip":
		return clientIPFromRequest(r)
	case "path":
		return r.URL.Path
	default:
		return ch.extract(r)
	}
}

// clientIPFromRequest returns the trusted-proxy-aware client IP stored in
// the request context by the realip middleware when present, otherwise the
// host part of the connection's RemoteAddr. Forwarding headers are not read
// directly.
func clientIPFromRequest(r *http.Request) string {
	if ip := realip.FromContext(r.Context()); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// UpdateBackends updates backends and rebuilds the ring.
func (ch *ConsistentHash) UpdateBackends(backends []*Backend) {
	ch.baseBalancer.UpdateBackends(backends)
	ch.rebuildRing()
}

// MarkHealthy marks a backend healthy and rebuilds the ring.
func (ch *ConsistentHash) MarkHealthy(url string) {
	ch.baseBalancer.MarkHealthy(url)
	ch.rebuildRing()
}

// MarkUnhealthy marks a backend unhealthy and rebuilds the ring.
func (ch *ConsistentHash) MarkUnhealthy(url string) {
	ch.baseBalancer.MarkUnhealthy(url)
	ch.rebuildRing()
}
