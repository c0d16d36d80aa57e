// Package observability exports hub telemetry to Prometheus and sets up the process logger for
// the command line tools.
package observability
