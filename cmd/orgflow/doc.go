/*
Package main is the orgflow server executable.

Subcommands: serve (start the control plane), version, health. The serve
command loads configuration (defaults, YAML file, ORGFLOW_* env vars),
builds the organization engine with the in-process collaborators from
internal/runtime, and exposes the control-plane API on one port and
Prometheus metrics on another.

Middleware chain, outermost first: Recovery, RequestID, SecurityHeaders,
RequestLogger, MetricsMiddleware, OTelTracing, RateLimiter (per client
IP), and JWTAuth when auth is enabled.

Version, BuildTime, and GitCommit are injected through -ldflags.
*/
package main
