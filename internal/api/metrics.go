package api

import (
	"runtime"
	"time"

	"github.com/nerrad567/skyguard-core/internal/monitor"
	"github.com/nerrad567/skyguard-core/internal/process"
)

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	Timestamp     time.Time              `json:"timestamp"`
	Version       string                 `json:"version"`
	UptimeSeconds int64                  `json:"uptime_seconds"`
	Monitor       monitor.Snapshot       `json:"monitor"`
	Scheduler     monitor.SchedulerStats `json:"scheduler"`
	Host          *process.Stats         `json:"host,omitempty"`
	Runtime       RuntimeMetrics         `json:"runtime"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// bytesPerMB converts byte counts for RuntimeMetrics.
const bytesPerMB = 1024 * 1024

func collectRuntime() RuntimeMetrics {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return RuntimeMetrics{
		Goroutines:    runtime.NumGoroutine(),
		MemoryAllocMB: float64(mem.Alloc) / bytesPerMB,
		NumGC:         mem.NumGC,
	}
}

func (s *Server) status() StatusResponse {
	resp := StatusResponse{
		Timestamp:     time.Now().UTC(),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Monitor:       s.monitor.Snapshot(),
		Scheduler:     s.scheduler.Stats(),
		Runtime:       collectRuntime(),
	}
	if s.host != nil {
		stats := s.host.Stats()
		resp.Host = &stats
	}
	return resp
}
