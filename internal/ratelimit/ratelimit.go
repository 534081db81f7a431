// Package ratelimit provides per-key request limiters for mutating API
// actions. A Redis-backed fixed window serves multi-process deployments and
// an in-process sliding window serves single-binary and test setups.
package ratelimit

// Limiter reports whether a keyed action is within quota.
type Limiter interface {
	Allow(key string) bool
}
