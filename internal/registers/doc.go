// Package registers holds the latest known controller register values.
//
// The cache is single-writer, many-reader: the poller replaces register
// groups as it reads them from the controller, while sensors, the API and
// the MQTT bridge read concurrently. Each update publishes a new immutable
// Snapshot; readers only ever load a pointer.
//
// Values are kept exactly as the controller reported them. Interpreting
// them (numbers, booleans, "not fitted" markers) is left to the consumer.
package registers
