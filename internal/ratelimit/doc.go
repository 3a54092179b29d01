// Package ratelimit decides whether a notification of a given type may be
// sent to a given scope (a user id or "global").
//
// Two strategies share one Limiter interface: a per-process token bucket and
// a sliding window kept in the shared store so every instance sees the same
// counts. The strategy is chosen once when the Service is built.
package ratelimit
