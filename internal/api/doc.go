// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - /v1/tasks for listing, launching, cancelling, and streaming tasks; the
//     events route is a text/event-stream that replays the task log and then
//     follows it live.
//   - POST /v1/resolve for one-shot synchronous link resolution.
//   - GET /v1/history for archived task runs via the TaskRepository interface.
package api
