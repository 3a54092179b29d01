// Package dispatch fans notifications out to live connections.
//
// Dispatcher methods run in the caller's goroutine and block only on socket
// writes and rate-limit store round trips. The ...Sync variants hand the same
// call to a Bridge, a persistent worker pool, and give up after a bounded
// timeout with ErrDispatchTimeout.
//
// Errors:
//   - ErrRateLimitExceeded: the notification was denied and nothing was sent.
//   - ErrDispatchTimeout: a Sync call did not finish in time; delivery may or
//     may not have happened.
//
// A user with no live connections is not an error: the count is 0.
package dispatch
