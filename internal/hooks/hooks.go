// Package hooks implements the gateway's deterministic request lifecycle
// hooks: a fixed sequence of callbacks fired around target selection, the
// circuit-breaker-guarded upstream call, and the final response or error,
// in that order, for every proxied request. Hook sets are nil-safe: a
// *Hooks value of nil, or any individual field left unset, is simply
// skipped, so callers only wire the stages they care about.
package hooks

import (
	"net/http"
	"time"
)

// CircuitBreakerOutcome describes the result of one breaker-guarded upstream
// call, reported to AfterCircuitBreakerExecution.
type CircuitBreakerOutcome struct {
	State         string
	Success       bool
	ExecutionTime time.Duration
	Error         error
}

// Hooks is an ordered set of lifecycle callbacks. The gateway fires them in
// this sequence for every request that reaches a route's terminal handler:
//
//  1. BeforeRequest                 — request accepted, route resolved
//  2. BeforeCircuitBreakerExecution — about to call through the breaker
//  3. (upstream call happens)
//  4. TargetSelected                — reports the backend the call went to
//  5. AfterCircuitBreakerExecution  — breaker has recorded the outcome
//  6. AfterResponse or OnError      — exactly one of these fires, never both
//
// Steps 2 and 5 fire only on routes with a circuit breaker. When the
// breaker rejects the call, steps 3 and 4 are skipped.
type Hooks struct {
	BeforeRequest                 func(r *http.Request, routeID string)
	TargetSelected                func(r *http.Request, routeID, backendURL string)
	BeforeCircuitBreakerExecution func(r *http.Request, routeID string)
	AfterCircuitBreakerExecution  func(r *http.Request, routeID string, outcome CircuitBreakerOutcome)
	AfterResponse                 func(r *http.Request, routeID string, statusCode int, duration time.Duration)
	OnError                       func(r *http.Request, routeID string, err error)
}

// Chain combines multiple hook sets into one that fires every set's
// callback for a given stage, in registration order. Nil entries in sets
// are skipped.
func Chain(sets ...*Hooks) *Hooks {
	live := make([]*Hooks, 0, len(sets))
	for _, s := range sets {
		if s != nil {
			live = append(live, s)
		}
	}
	if len(live) == 0 {
		return &Hooks{}
	}
	if len(live) == 1 {
		return live[0]
	}
	return &Hooks{
		BeforeRequest: func(r *http.Request, routeID string) {
			for _, h := range live {
				h.FireBeforeRequest(r, routeID)
			}
		},
		TargetSelected: func(r *http.Request, routeID, backendURL string) {
			for _, h := range live {
				h.FireTargetSelected(r, routeID, backendURL)
			}
		},
		BeforeCircuitBreakerExecution: func(r *http.Request, routeID string) {
			for _, h := range live {
				h.FireBeforeCircuitBreakerExecution(r, routeID)
			}
		},
		AfterCircuitBreakerExecution: func(r *http.Request, routeID string, outcome CircuitBreakerOutcome) {
			for _, h := range live {
				h.FireAfterCircuitBreakerExecution(r, routeID, outcome)
			}
		},
		AfterResponse: func(r *http.Request, routeID string, statusCode int, duration time.Duration) {
			for _, h := range live {
				h.FireAfterResponse(r, routeID, statusCode, duration)
			}
		},
		OnError: func(r *http.Request, routeID string, err error) {
			for _, h := range live {
				h.FireOnError(r, routeID, err)
			}
		},
	}
}

// FireBeforeRequest invokes the BeforeRequest callback, if any. Safe to call
// on a nil *Hooks.
func (h *Hooks) FireBeforeRequest(r *http.Request, routeID string) {
	if h != nil && h.BeforeRequest != nil {
		h.BeforeRequest(r, routeID)
	}
}

// FireTargetSelected invokes the TargetSelected callback, if any.
func (h *Hooks) FireTargetSelected(r *http.Request, routeID, backendURL string) {
	if h != nil && h.TargetSelected != nil {
		h.TargetSelected(r, routeID, backendURL)
	}
}

// FireBeforeCircuitBreakerExecution invokes the pre-call callback, if any.
func (h *Hooks) FireBeforeCircuitBreakerExecution(r *http.Request, routeID string) {
	if h != nil && h.BeforeCircuitBreakerExecution != nil {
		h.BeforeCircuitBreakerExecution(r, routeID)
	}
}

// FireAfterCircuitBreakerExecution invokes the post-call callback, if any.
func (h *Hooks) FireAfterCircuitBreakerExecution(r *http.Request, routeID string, outcome CircuitBreakerOutcome) {
	if h != nil && h.AfterCircuitBreakerExecution != nil {
		h.AfterCircuitBreakerExecution(r, routeID, outcome)
	}
}

// FireAfterResponse invokes the success callback, if any.
func (h *Hooks) FireAfterResponse(r *http.Request, routeID string, statusCode int, duration time.Duration) {
	if h != nil && h.AfterResponse != nil {
		h.AfterResponse(r, routeID, statusCode, duration)
	}
}

// FireOnError invokes the failure callback, if any.
func (h *Hooks) FireOnError(r *http.Request, routeID string, err error) {
	if h != nil && h.OnError != nil {
		h.OnError(r, routeID, err)
	}
}

// NewLoggingHooks returns a Hooks set that logs every stage through log, in
// the same structured style the rest of the gateway uses. It is meant to be
// the default hook set when no application-specific one is configured.
func NewLoggingHooks(log func(msg string, fields ...any)) *Hooks {
	if log == nil {
		return &Hooks{}
	}
	return &Hooks{
		BeforeRequest: func(r *http.Request, routeID string) {
			log("hook: before_request", "route", routeID, "method", r.Method, "path", r.URL.Path)
		},
		TargetSelected: func(r *http.Request, routeID, backendURL string) {
			log("hook: target_selected", "route", routeID, "backend", backendURL)
		},
		BeforeCircuitBreakerExecution: func(r *http.Request, routeID string) {
			log("hook: before_circuit_breaker_execution", "route", routeID)
		},
		AfterCircuitBreakerExecution: func(r *http.Request, routeID string, outcome CircuitBreakerOutcome) {
			log("hook: after_circuit_breaker_execution", "route", routeID, "success", outcome.Success, "duration", outcome.ExecutionTime)
		},
		AfterResponse: func(r *http.Request, routeID string, statusCode int, duration time.Duration) {
			log("hook: after_response", "route", routeID, "status", statusCode, "duration", duration)
		},
		OnError: func(r *http.Request, routeID string, err error) {
			log("hook: on_error", "route", routeID, "error", err)
		},
	}
}
