// Package logx configures notifyhub's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Hot-path warnings throttled per key so a notification storm cannot flood the sinks
package logx
