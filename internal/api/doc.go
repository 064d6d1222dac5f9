// Package api hosts the optional status server that runs alongside a crawl.
// Routes:
//   - GET /healthz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/queue for job counts per queue state.
//   - GET /v1/runs/{run_id}/outcomes for ledger rows, when a ledger is configured.
package api
