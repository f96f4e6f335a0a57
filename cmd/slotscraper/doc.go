// Package main hosts the slotscraper service entrypoint.
//
// Architecture overview:
//   - Partitioning: the configured test centres are shuffled and dealt round-robin into at most
//     scrape.parallel_browsers groups, one per proxy. Surplus proxies stay idle for that run.
//   - Sessions: internal/worker launches one headless Chrome per group through internal/browser/headless, pinned to
//     its proxy. A 403 (or any scrape.block_status_codes entry) on the login page marks the proxy blocked and the
//     whole group is dropped for the run.
//   - Navigation: internal/navigation logs in, picks the new or existing booking branch and, for each centre,
//     selects it, reads the page's timeslot data and returns to the selector. A failed centre is skipped after one
//     recovery click; the session carries on with the rest.
//   - Coordination: internal/coordinator runs every group concurrently under errgroup, recovers worker panics and
//     merges results as they arrive. A run never fails; the caller compares requested and returned centres.
//   - Refresh & persistence: internal/refresh repeats the scrape on refresh.interval, retrying missing centres up to
//     refresh.retries times on the next window of proxies, skipping any already blocked. Whatever was collected replaces the snapshot,
//     which internal/snapshot hashes and persists to the configured BlobStore (local/memory/GCS).
//   - Surface: internal/api serves the snapshot over chi with ETags, plus the internal/locations centre catalogue and
//     nearest-centre ranking; Prometheus metrics are exported on /metrics;
//     blocked proxies and exhausted retries are posted to a Discord-style webhook by internal/notify.
//   - Audit & events: with history.dsn set, internal/history writes one Postgres row per refresh and the API lists
//     them on /v1/runs. With events.topic set, internal/publisher/pubsub announces every snapshot change.
//     telemetry.tracing wraps refresh, scrape and worker in OpenTelemetry spans exported over OTLP.
//
// Quick checklist:
//   - Configure credentials: SLOTSCRAPER_SCRAPE_USERNAME / SLOTSCRAPER_SCRAPE_PASSWORD, or ${VAR} references in the
//     config file.
//   - Provide proxies (scrape.proxies or scrape.proxy_file) and centres (scrape.locations or scrape.locations_file).
//   - One-off run: go run ./cmd/slotscraper scrape --config config.yaml
//   - Long-running: go run ./cmd/slotscraper serve --config config.yaml; SIGINT/SIGTERM drains cleanly.
package main
