// Package storage is the shared TTL key/value store behind session tracking
// and the distributed rate limiter.
//
// Drivers:
//   - "memory": single process, used in tests and single-instance deployments
//   - "redis": shared across instances (go-redis); atomic ops via Lua
//   - "sqlite": shared across processes on one host (modernc.org/sqlite)
package storage
