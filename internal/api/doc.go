// Package api serves the read side of the telemetry store over HTTP.
//
// Routes:
//
//	GET /api/v1/health   service and dependency health
//	GET /api/v1/series   series keys seen in the last N hours
//	GET /api/v1/data     samples for a set of keys in a time window
//	GET /api/v1/ws       live feed; subscribe to the "telemetry" channel
//	GET /metrics         Prometheus exposition (when metrics are wired)
//
// The server follows the same lifecycle pattern as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// The server keeps answering while storage is down: /health reports the
// outage and the query routes return 503.
package api
