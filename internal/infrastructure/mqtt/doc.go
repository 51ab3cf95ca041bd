// Package mqtt provides MQTT client connectivity for the NBE bridge.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) on nbe/system/status
//
// # Architecture
//
// The bridge publishes the controller's registers and accepts write commands
// over MQTT, so home automation systems never speak the controller protocol:
//
//	NBE controller ↔ nbe-bridge ↔ MQTT Broker ↔ consumers
//
// # Security Considerations
//
//   - Enable TLS when the broker is not on the local host (cfg.Broker.TLS=true)
//   - Anyone who can publish to nbe/+/command can operate the boiler; restrict
//     it with a broker ACL
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	topic := mqtt.Topics{}.DeviceState("123456", "operating_data/boiler_temp")
//	client.PublishRetained(topic, []byte("65.2"))
package mqtt
