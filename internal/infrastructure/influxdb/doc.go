// Package influxdb records circuit telemetry in InfluxDB v2.
//
// It wraps the official influxdb-client-go v2 library with connection
// management, batched non-blocking writes and health monitoring.
//
// Two measurements are written:
//   - evok_circuit: every published circuit state (tags device, dev, circuit, name)
//   - evok_command: every command sent to Evok with its outcome and latency
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // telemetry off
//	}
//	defer client.Close()
//
//	client.WriteCircuitState(influxdb.CircuitPoint{Device: "unipi", Kind: "relay", Circuit: "1_01", Value: 1})
//
// # Error Handling
//
// Writes never block and never return errors; failures are delivered to the
// SetOnError callback wrapped in ErrWriteFailed. Connection and health check
// errors are returned directly.
package influxdb
