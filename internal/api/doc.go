// Package api implements the HTTP REST API of the NBE bridge.
//
// This package provides:
//   - Register endpoints: the cached snapshot, one register, raw writes
//   - Control endpoints: interpreted control states and commands
//   - A refresh endpoint that schedules an out-of-cycle poll
//   - The command audit log
//   - Health, system statistics and Prometheus metrics
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Routes
//
//	GET  /api/v1/health
//	GET  /api/v1/system
//	GET  /api/v1/registers
//	GET  /api/v1/registers/{path...}
//	PUT  /api/v1/registers/{path...}   {"value": "65"}
//	GET  /api/v1/controls
//	GET  /api/v1/controls/{id}
//	POST /api/v1/controls/{id}         {"action": "set", "value": 65}
//	POST /api/v1/refresh
//	GET  /api/v1/commands
//	GET  /metrics
//
// # Writes
//
// Reads are served from the register cache and never touch the controller.
// Writes go to the controller and answer with the write outcome:
//
//	200 accepted     the controller confirmed the write
//	202 unconfirmed  sent but not confirmed; it may have been applied
//	503 failed       the controller could not be reached
//	400 rejected     refused before contacting the controller
//
// A refresh is requested after every write attempt.
package api
