// Package api serves the bridge's HTTP health and status endpoints.
//
// Routes:
//
//	GET /healthz  liveness: 503 once the Evok client has given up reconnecting
//	GET /readyz   readiness: 200 only while both MQTT and Evok are connected
//	GET /status   JSON snapshot of connectivity, client statistics and bridge counters
//	GET /audit    paginated command audit log (503 when the audit store is disabled)
//
// The server follows the same lifecycle as the other components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
package api
