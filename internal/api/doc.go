// Package api hosts the HTTP server, middleware, and read-only REST handlers
// over the bookings snapshot. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/bookings, /v1/bookings/{location} and /v1/slots/available.
//   - GET /v1/runs when a refresh history is configured.
//   - GET /v1/locations, /v1/locations/{location} and /v1/locations/nearest?lat=&lng=
//     when a centre catalogue is configured.
package api
