// Package api hosts the HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/jobs for job submission.
//   - GET /v1/jobs and /v1/jobs/{id} for job status, plus /records and /raw
//     for downloading job output.
package api
