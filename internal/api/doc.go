// Package api hosts the HTTP server, middleware, and REST handlers for the
// page store. Routes:
//   - POST /api/pages records one crawler observation.
//   - GET /api/pages returns the recent-pages feed.
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
package api
