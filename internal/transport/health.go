package transport

import (
	"encoding/json"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

type healthReport struct {
	Status      string  `json:"status"`
	UptimeSec   float64 `json:"uptime_sec"`
	Connections int     `json:"connections"`
	Goroutines  int     `json:"goroutines"`
	MemoryMB    float64 `json:"memory_mb"`
	Graph       any     `json:"graph"`
	RateLimiter any     `json:"rate_limiter"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := healthReport{
		Status:      "ok",
		UptimeSec:   time.Since(s.startTime).Seconds(),
		Connections: s.connectionCount(),
		Goroutines:  runtime.NumGoroutine(),
		Graph:       s.engine.Graph().Stats(),
		RateLimiter: s.limiter.Stats(),
	}
	if s.shuttingDown.Load() {
		report.Status = "shutting_down"
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if memInfo, err := proc.MemoryInfo(); err == nil {
			report.MemoryMB = float64(memInfo.RSS) / 1024 / 1024
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if report.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(report)
}

func (s *Server) connectionCount() int {
	n := 0
	s.conns.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
