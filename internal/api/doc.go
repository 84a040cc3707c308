// Package api hosts the operations HTTP server. Routes:
//   - GET /healthz and /readyz for Kubernetes probes; readyz fails until every
//     consumer is consuming.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/consumers for the state of each consumer.
package api
