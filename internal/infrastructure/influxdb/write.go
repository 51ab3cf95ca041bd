package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// RegistersMeasurement is the measurement holding controller register values.
const RegistersMeasurement = "nbe_registers"

// WriteRegisters records one snapshot of controller registers.
//
// Every register whose value parses as a number becomes a float field named
// after its path. Non-numeric registers are skipped. Nothing is written if no
// register is numeric. The write is non-blocking; data is batched and sent
// asynchronously.
//
// Parameters:
//   - serial: Controller serial, written as the "serial" tag
//   - values: Register path to raw value
//   - at: Time of the snapshot
//
// Returns:
//   - int: Number of fields written
//
// Example:
//
//	client.WriteRegisters("123456", map[string]string{
//	    "operating_data/boiler_temp": "65.2",
//	}, time.Now())
func (c *Client) WriteRegisters(serial string, values map[string]string, at time.Time) int {
	if !c.IsConnected() {
		return 0
	}

	point, n := registerPoint(serial, values, at)
	if point == nil {
		return 0
	}
	c.writeAPI.WritePoint(point)
	c.points.Add(1)
	return n
}

// registerPoint builds the nbe_registers point for a snapshot, or nil if it
// has no numeric registers.
func registerPoint(serial string, values map[string]string, at time.Time) (*write.Point, int) {
	fields := make(map[string]interface{}, len(values))
	for path, raw := range values {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			continue
		}
		fields[path] = f
	}
	if len(fields) == 0 {
		return nil, 0
	}

	return write.NewPoint(
		RegistersMeasurement,
		map[string]string{"serial": serial},
		fields,
		at,
	), len(fields)
}
