package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/nbe-bridge/internal/bridges/nbe"
	"github.com/nerrad567/nbe-bridge/internal/infrastructure/mqtt"
)

// SystemMetrics represents the complete system statistics response.
type SystemMetrics struct {
	Timestamp     string           `json:"timestamp"`
	Version       string           `json:"version"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Runtime       RuntimeMetrics   `json:"runtime"`
	Controller    ControllerStats  `json:"controller"`
	Cache         CacheMetrics     `json:"cache"`
	MQTT          *mqtt.Stats      `json:"mqtt,omitempty"`
	Database      *DatabaseMetrics `json:"database,omitempty"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// ControllerStats contains the controller client statistics.
type ControllerStats struct {
	Address      string    `json:"address"`
	Serial       string    `json:"serial"`
	State        string    `json:"state"`
	Requests     uint64    `json:"requests"`
	Timeouts     uint64    `json:"timeouts"`
	Errors       uint64    `json:"errors"`
	SoftWrites   uint64    `json:"soft_writes"`
	Connects     uint64    `json:"connects"`
	AuthRejected bool      `json:"auth_rejected"`
	LastActivity time.Time `json:"last_activity,omitzero"`
}

// CacheMetrics contains register cache statistics.
type CacheMetrics struct {
	Registers int       `json:"registers"`
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// DatabaseMetrics contains database connection pool statistics.
type DatabaseMetrics struct {
	OpenConnections int    `json:"open_connections"`
	InUse           int    `json:"in_use"`
	Idle            int    `json:"idle"`
	WaitCount       int64  `json:"wait_count"`
	SchemaVersion   string `json:"schema_version,omitempty"`
}

func newControllerStats(address string, st nbe.Stats) ControllerStats {
	return ControllerStats{
		Address:      address,
		Serial:       st.Serial,
		State:        st.State.String(),
		Requests:     st.Requests,
		Timeouts:     st.Timeouts,
		Errors:       st.Errors,
		SoftWrites:   st.SoftWrites,
		Connects:     st.Connects,
		AuthRejected: st.AuthRejected,
		LastActivity: st.LastActivity,
	}
}

// handleSystem returns runtime, controller and storage statistics.
func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	snap := s.cache.Snapshot()
	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		Controller: newControllerStats(s.device.Address(), s.device.Stats()),
		Cache: CacheMetrics{
			Registers: snap.Len(),
			Version:   snap.Version(),
			UpdatedAt: snap.UpdatedAt(),
		},
	}

	if s.mqtt != nil {
		st := s.mqtt.Stats()
		metrics.MQTT = &st
	}

	if s.db != nil {
		dbStats := s.db.Stats()
		metrics.Database = &DatabaseMetrics{
			OpenConnections: dbStats.OpenConnections,
			InUse:           dbStats.InUse,
			Idle:            dbStats.Idle,
			WaitCount:       dbStats.WaitCount,
		}
		if version, err := s.db.SchemaVersion(r.Context()); err == nil {
			metrics.Database.SchemaVersion = version
		} else {
			s.logger.Warn("reading schema version failed", "error", err)
		}
	}

	writeJSON(w, http.StatusOK, metrics)
}
