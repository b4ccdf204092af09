// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/sites for site submission (with optional schema map discovery).
//   - GET /v1/sites/... for per-site crawl status and dead letters.
package api
