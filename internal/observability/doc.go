// Package observability builds the zap logger used across the service and
// carries the per-request id through contexts so log lines from one request
// can be correlated.
package observability
