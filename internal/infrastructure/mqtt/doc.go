// Package mqtt provides the broker session used by evok2mqtt.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with topic and QoS validation
//   - Topic subscriptions, restored after every reconnect
//   - Last Will and Testament on the bridge availability topic
//   - Connection health checks
//
// One Client is created at startup and shared by the Evok bridge, the
// health reporter and the HTTP API. Publish and Subscribe are safe for
// concurrent use; paho serialises writes on the single network connection.
//
// # Delivery
//
// Unordered delivery is enabled, so every message handler runs in its own
// goroutine and may publish (the command handler echoes state this way).
//
// # Availability
//
// The Status passed to Connect names a retained topic. The online payload
// is published on every connect, the offline payload on Close and by the
// broker as the Last Will when the bridge disappears.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT, mqtt.Status{
//	    Topic:   cfg.StatusTopic(),
//	    Online:  cfg.Bridge.PayloadOnline,
//	    Offline: cfg.Bridge.PayloadOffline,
//	})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe("homeassistant/start", 0,
//	    func(topic string, payload []byte) error {
//	        return bridge.Announce()
//	    })
package mqtt
