// Package evok implements the Evok websocket to MQTT bridge.
//
// Evok is the websocket API exposed by Unipi-style digital I/O controllers.
// Every physical circuit the mapping table names becomes an MQTT entity,
// announced to Home Assistant through retained discovery config.
//
// # Architecture
//
//	┌─────────────────┐          ┌─────────────────┐
//	│ Home Assistant  │   MQTT   │   Evok Bridge   │  websocket
//	│  (or any hub)   │◄────────►│   (this pkg)    │◄──────────► Evok
//	└─────────────────┘          └─────────────────┘
//
// # Key Responsibilities
//
//   - Load the circuit mapping table (Table)
//   - Format and parse MQTT topics (Scheme)
//   - Keep one persistent websocket to Evok, with backoff reconnect (Client)
//   - Publish state for every mapped circuit event (Bridge.handleEvent)
//   - Turn MQTT set commands into Evok commands with an optimistic state echo
//   - Announce discovery and availability on every broker (re)connect and
//     whenever Home Assistant publishes its birth message
//   - Publish periodic bridge health (HealthReporter)
//
// # Topics
//
// Two addressing variants are supported:
//
//	homeassistant/{hass_type}/{name}/{dev}_{circuit}/{config|set|state|availability}
//	{name}/{dev}/{circuit}/{set|state|availability}
//
// The device-rooted variant only accepts commands for relay and output circuits.
// Discovery config always goes under the Home Assistant discovery prefix.
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines.
package evok
