// Package nbe implements the client for NBE pellet-boiler controllers (the
// V7/V13 family, sold under several brands).
//
// The controller listens on TCP port 8483 and answers one plain-text request
// frame at a time. Every request carries the controller password; there is
// no login and no session state beyond the TCP connection.
//
// # Architecture
//
//	┌──────────────┐  Get/Set   ┌──────────┐  frames  ┌─────────┐  TCP   ┌────────────┐
//	│ poller / API │───────────►│  Client  │─────────►│ session │───────►│ controller │
//	└──────────────┘            └──────────┘          └─────────┘        └────────────┘
//	                                 │ encode/decode
//	                                 ▼
//	                             ┌────────┐
//	                             │ Codec  │
//	                             └────────┘
//
// # Register Paths
//
// Registers are addressed by hierarchical paths:
//
//	operating_data/boiler_temp   live measurement
//	consumption_data/counter     pellet consumption counter
//	settings/boiler/temp         writable setting (category "boiler", key "temp")
//	info/version                 controller information
//
// A path ending in "/" is a group: the controller answers it with every
// register of the group in one response.
//
// Example:
//
//	client, err := nbe.New(nbe.Config{Host: "192.168.1.50", Password: "1234567890"})
//	if err != nil {
//	    return err
//	}
//	values, ok := client.Get(ctx, "operating_data/")
//	if !ok {
//	    // controller unreachable this cycle; keep the previous snapshot
//	}
//	fmt.Println(values["operating_data/boiler_temp"])
//
// # Failure Model
//
// Get reports absent rather than failing; Set returns a SetResult whose
// soft error must be inspected. Connect reports setup-time failures
// (unreachable controller, wrong password) once so they can be shown to the
// user. A rejected password stops all further requests.
//
// # Thread Safety
//
// Client is safe for concurrent use. Requests are serialized: the controller
// cannot interleave frames on one connection.
package nbe
