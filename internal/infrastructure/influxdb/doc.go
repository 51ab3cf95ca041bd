// Package influxdb provides InfluxDB connectivity for the NBE bridge.
//
// It wraps the official influxdb-client-go v2 library for connection
// management, register telemetry and health monitoring.
//
// Each published register snapshot becomes one nbe_registers point tagged
// with the controller serial, holding one float field per numeric register.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.WriteRegisters(serial, snapshot.Values(), snapshot.UpdatedAt())
//
// # Error Handling
//
// Write operations are non-blocking and batch errors are delivered via the
// SetOnError callback. Connection and health check errors are returned directly.
package influxdb
