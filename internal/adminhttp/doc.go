// Package adminhttp exposes a read-only JSON diagnostics surface for
// fepd: per-route pool and circuit breaker status, duplicate detector
// cache occupancy, and correlator in-flight count. Every route under
// /api/v1 requires a valid HS256 Bearer token; /healthz does not.
package adminhttp
