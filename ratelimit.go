package gridcredit

import (
	"context"
	"fmt"
	"math"
	"time"
)

// RateRule is the limit applied to one route.
type RateRule struct {
	Window time.Duration
	Max    int
}

// RateDecision is the outcome of one rate-limit check.
type RateDecision struct {
	Allowed    bool
	Count      int64
	Limit      int
	ResetAt    time.Time
	RetryAfter int // seconds, set when not allowed
}

// RateLimiter is a fixed-window limiter keyed by caller and route.
type RateLimiter struct {
	store  Store
	rule   RateRule
	routes map[string]RateRule
	now    func() time.Time
}

// RateOption configures a RateLimiter.
type RateOption func(*RateLimiter)

// WithRouteRule adds a second, usually stricter, rule for one route.
func WithRouteRule(route string, rule RateRule) RateOption {
	return func(r *RateLimiter) { r.routes[route] = rule }
}

// WithRateClock overrides the time source used for retry-after hints.
func WithRateClock(now func() time.Time) RateOption {
	return func(r *RateLimiter) { r.now = now }
}

// NewRateLimiter creates a limiter applying rule to every route.
func NewRateLimiter(store Store, rule RateRule, opts ...RateOption) *RateLimiter {
	r := &RateLimiter{
		store:  store,
		rule:   rule,
		routes: make(map[string]RateRule),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RouteRule returns the override configured for route, if any.
func (r *RateLimiter) RouteRule(route string) (RateRule, bool) {
	rule, ok := r.routes[route]
	return rule, ok
}

// Allow counts one request from callerKey on route against the default rule
// and, when route has an override, against that too. The first window that
// is exceeded decides.
func (r *RateLimiter) Allow(ctx context.Context, callerKey, route string) (RateDecision, error) {
	d, err := r.count(ctx, "rate:"+route+":"+callerKey, r.rule)
	if err != nil || !d.Allowed {
		return d, err
	}
	rule, ok := r.routes[route]
	if !ok {
		return d, nil
	}
	return r.count(ctx, "rate:"+route+":"+callerKey+":route", rule)
}

// AllowRule counts one request under an explicit rule only.
func (r *RateLimiter) AllowRule(ctx context.Context, callerKey, route string, rule RateRule) (RateDecision, error) {
	return r.count(ctx, "rate:"+route+":"+callerKey, rule)
}

func (r *RateLimiter) count(ctx context.Context, key string, rule RateRule) (RateDecision, error) {
	count, resetAt, err := r.store.IncrWindow(ctx, key, rule.Window)
	if err != nil {
		return RateDecision{}, fmt.Errorf("gridcredit: rate limit: %w", err)
	}
	d := RateDecision{
		Allowed: count <= int64(rule.Max),
		Count:   count,
		Limit:   rule.Max,
		ResetAt: resetAt,
	}
	if !d.Allowed {
		d.RetryAfter = max(1, int(math.Ceil(resetAt.Sub(r.now()).Seconds())))
	}
	return d, nil
}
