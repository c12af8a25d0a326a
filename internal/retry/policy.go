package retry

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/arcflow/apexgate/internal/config"
)

// DefaultRetryableStatuses are HTTP status codes that trigger a retry
var DefaultRetryableStatuses = []int{502, 503, 504}

// DefaultRetryableMethods are HTTP methods safe to retry
var DefaultRetryableMethods = []string{"GET", "HEAD", "OPTIONS"}

// Policy implements retry logic with exponential backoff
type Policy struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	RetryableStatuses map[int]bool
	RetryableMethods  map[string]bool
	PerTryTimeout     time.Duration
	Metrics           *RouteRetryMetrics

	// Budget, if set, caps the fraction of requests that may be retried
	// over a sliding window. A nil Budget means retries are unbounded.
	Budget *Budget

	// Hedging, if set, fires speculative duplicate requests instead of
	// retrying sequentially after a failure. It is driven separately from
	// the Execute retry loop by callers that select backends per attempt.
	Hedging *HedgingExecutor
}

// RouteRetryMetrics tracks retry statistics for a route
type RouteRetryMetrics struct {
	Requests        atomic.Int64
	Retries         atomic.Int64
	Successes       atomic.Int64
	Failures        atomic.Int64
	BudgetExhausted atomic.Int64
	HedgedRequests  atomic.Int64
	HedgedWins      atomic.Int64
}

// Snapshot returns a point-in-time copy of the metrics
func (m *RouteRetryMetrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Requests:        m.Requests.Load(),
		Retries:         m.Retries.Load(),
		Successes:       m.Successes.Load(),
		Failures:        m.Failures.Load(),
		BudgetExhausted: m.BudgetExhausted.Load(),
		HedgedRequests:  m.HedgedRequests.Load(),
		HedgedWins:      m.HedgedWins.Load(),
	}
}

// MetricsSnapshot is a point-in-time copy of retry metrics
type MetricsSnapshot struct {
	Requests        int64 `json:"requests"`
	Retries         int64 `json:"retries"`
	Successes       int64 `json:"successes"`
	Failures        int64 `json:"failures"`
	BudgetExhausted int64 `json:"budget_exhausted"`
	HedgedRequests  int64 `json:"hedged_requests"`
	HedgedWins      int64 `json:"hedged_wins"`
}

// NewPolicy creates a retry policy from config
func NewPolicy(cfg config.RetryConfig) *Policy {
	p := &Policy{
		MaxRetries:        cfg.MaxRetries,
		InitialBackoff:    cfg.InitialBackoff,
		MaxBackoff:        cfg.MaxBackoff,
		BackoffMultiplier: cfg.BackoffMultiplier,
		PerTryTimeout:     cfg.PerTryTimeout,
		Metrics:           &RouteRetryMetrics{},
	}

	// Apply defaults
	if p.InitialBackoff == 0 {
		p.InitialBackoff = 100 * time.Millisecond
	}
	if p.MaxBackoff == 0 {
		p.MaxBackoff = 10 * time.Second
	}
	if p.BackoffMultiplier == 0 {
		p.BackoffMultiplier = 2.0
	}

	// Build retryable statuses map
	statuses := cfg.RetryableStatuses
	if len(statuses) == 0 {
		statuses = DefaultRetryableStatuses
	}
	p.RetryableStatuses = make(map[int]bool, len(statuses))
	for _, s := range statuses {
		p.RetryableStatuses[s] = true
	}

	// Build retryable methods map
	methods := cfg.RetryableMethods
	if len(methods) == 0 {
		methods = DefaultRetryableMethods
	}
	p.RetryableMethods = make(map[string]bool, len(methods))
	for _, m := range methods {
		p.RetryableMethods[m] = true
	}

	if cfg.Budget.Ratio > 0 || cfg.Budget.MinRetries > 0 || cfg.Budget.Window > 0 {
		p.Budget = NewBudget(cfg.Budget.Ratio, cfg.Budget.MinRetries, cfg.Budget.Window)
	}

	if cfg.Hedging.Enabled {
		p.Hedging = NewHedgingExecutor(cfg.Hedging, p.Metrics)
	}

	return p
}

// NewPolicyFromLegacy creates a retry policy from legacy Retries/Timeout fields
func NewPolicyFromLegacy(retries int, timeout time.Duration) *Policy {
	cfg := config.RetryConfig{
		MaxRetries:     retries,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
	}
	if timeout > 0 {
		cfg.PerTryTimeout = timeout
	}
	return NewPolicy(cfg)
}

// Execute runs the request with retry logic
func (p *Policy) Execute(ctx context.Context, transport http.RoundTripper, req *http.Request) (*http.Response, error) {
	p.Metrics.Requests.Add(1)
	if p.Budget != nil {
		p.Budget.RecordRequest()
	}

	if p.MaxRetries <= 0 {
		resp, err := p.doRoundTrip(ctx, transport, req)
		if err != nil {
			p.Metrics.Failures.Add(1)
			return nil, err
		}
		p.Metrics.Successes.Add(1)
		return resp, nil
	}

	var lastResp *http.Response
	var lastErr error
	bo := p.newBackOff()

	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			if p.Budget != nil && !p.Budget.AllowRetry() {
				p.Metrics.BudgetExhausted.Add(1)
				break
			}

			p.Metrics.Retries.Add(1)
			if p.Budget != nil {
				p.Budget.RecordRetry()
			}

			// Wait with backoff
			wait := bo.NextBackOff()
			select {
			case <-ctx.Done():
				if lastResp != nil {
					lastResp.Body.Close()
				}
				p.Metrics.Failures.Add(1)
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		resp, err := p.doRoundTrip(ctx, transport, req)
		if err != nil {
			lastErr = err
			lastResp = nil
			continue
		}

		if !p.IsRetryable(req.Method, resp.StatusCode) {
			p.Metrics.Successes.Add(1)
			return resp, nil
		}

		// Close the body before retrying
		if lastResp != nil {
			lastResp.Body.Close()
		}
		lastResp = resp
		lastErr = nil
	}

	// All retries exhausted
	p.Metrics.Failures.Add(1)
	if lastResp != nil {
		return lastResp, nil
	}
	return nil, lastErr
}

// SetBudget replaces the retry budget used to gate retries (e.g. a budget
// pool shared across several routes).
func (p *Policy) SetBudget(b *Budget) {
	p.Budget = b
}

func (p *Policy) doRoundTrip(ctx context.Context, transport http.RoundTripper, req *http.Request) (*http.Response, error) {
	if p.PerTryTimeout > 0 {
		tryCtx, cancel := context.WithTimeout(ctx, p.PerTryTimeout)
		defer cancel()
		return transport.RoundTrip(req.WithContext(tryCtx))
	}
	return transport.RoundTrip(req)
}

// IsRetryable returns true if the method+status combination should be retried
func (p *Policy) IsRetryable(method string, statusCode int) bool {
	if !p.RetryableMethods[method] {
		return false
	}
	return p.RetryableStatuses[statusCode]
}

// newBackOff builds a fresh exponential backoff generator for one Execute
// call. A new instance per call keeps attempt counting independent across
// concurrent requests sharing the same Policy.
func (p *Policy) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialBackoff
	bo.MaxInterval = p.MaxBackoff
	bo.Multiplier = p.BackoffMultiplier
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0 // the retry loop itself bounds attempts via MaxRetries
	bo.Reset()
	return bo
}
