package models

import "time"

// EndpointClass groups public endpoints that share one limit.
type EndpointClass string

const (
	// ClassRedeem covers disclosure token redemption.
	ClassRedeem EndpointClass = "redeem"
	// ClassVerify covers envelope verification.
	ClassVerify EndpointClass = "verify"
)

// Rule is a sliding-window limit: at most Limit requests per Window.
type Rule struct {
	Limit  int
	Window time.Duration
}

// Enabled reports whether the rule limits anything.
func (r Rule) Enabled() bool {
	return r.Limit > 0 && r.Window > 0
}

// RateLimitResult is the outcome of one check against a bucket.
type RateLimitResult struct {
	Allowed    bool      `json:"allowed"`
	Limit      int       `json:"limit"`
	Remaining  int       `json:"remaining"`
	ResetAt    time.Time `json:"reset_at"`
	RetryAfter int       `json:"retry_after,omitempty"` // seconds, only set when not allowed
}

// BucketKey scopes a client identifier to an endpoint class.
func BucketKey(class EndpointClass, client string) string {
	return "ratelimit:" + string(class) + ":" + client
}
