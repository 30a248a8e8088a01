// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for probes, GET /metrics for Prometheus scraping.
//   - POST /v1/scan and /v1/sync to trigger runs out of schedule.
//   - GET /v1/tasks... for the task history log.
//   - /v1/profiles, /v1/settings and /v1/titles/{title_id}/releases for the
//     tracked titles and their acquisition state.
package api
