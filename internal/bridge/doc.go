// Package bridge connects the register cache and the controller to MQTT.
//
// It publishes the controller's registers and accepts write commands, so
// home automation systems never speak the controller protocol:
//
//	NBE controller ↔ nbe.Client ↔ registers.Cache ↔ bridge ↔ MQTT broker
//
// # Topics
//
//	nbe/{serial}/state/{path}   raw register value (retained)
//	nbe/{serial}/snapshot       every register as JSON (retained)
//	nbe/{serial}/command        write commands (subscribed)
//	nbe/{serial}/ack            command acknowledgements
//	nbe/{serial}/health         bridge and controller health (retained)
//
// Only registers that changed are republished. A register that disappears
// from the controller's answer gets an empty retained message, which clears
// it on the broker.
//
// # Commands
//
// Every command is acknowledged with one of the audit outcomes: accepted
// (the controller confirmed), unconfirmed (sent, not confirmed; it may have
// been applied), failed (not sent) or rejected (refused before contacting
// the controller). A refresh is requested after every write attempt.
//
// # Recorder
//
// Recorder is the second cache consumer and does not need MQTT. It writes
// every changed snapshot to InfluxDB and the Redis mirror and records the
// controller in the devices table. Polls that succeed without a change
// extend the mirror's expiry.
package bridge
