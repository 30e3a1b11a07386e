package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"taskbridge/internal/correlation"
)

type SystemStats struct {
	NumGoroutine int    `json:"num_goroutine"`
	Alloc        uint64 `json:"alloc_bytes"`
	Sys          uint64 `json:"sys_bytes"`
	NumGC        uint32 `json:"num_gc"`

	TotalRAM        uint64  `json:"total_ram"`
	AvailableRAM    uint64  `json:"available_ram"`
	UsedRAMPercent  float64 `json:"used_ram_percent"`
	TotalCPUCores   int     `json:"total_cpu_cores"`
	CPUUsagePercent float64 `json:"cpu_usage_percent"`
}

type MetricsResponse struct {
	Timestamp time.Time         `json:"timestamp"`
	Broker    string            `json:"broker"`
	Tasks     correlation.Stats `json:"tasks"`
	System    SystemStats       `json:"system"`
}

func MetricsHandler(b BrokerState, table Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, MetricsResponse{
			Timestamp: time.Now(),
			Broker:    b.State().String(),
			Tasks:     table.Stats(),
			System:    systemStats(),
		})
	}
}

// systemStats samples the process and the host. Host figures stay zero when
// gopsutil cannot read them.
func systemStats() SystemStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	s := SystemStats{
		NumGoroutine:  runtime.NumGoroutine(),
		Alloc:         ms.Alloc,
		Sys:           ms.Sys,
		NumGC:         ms.NumGC,
		TotalCPUCores: runtime.NumCPU(),
	}
	if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
		s.TotalRAM = vm.Total
		s.AvailableRAM = vm.Available
		s.UsedRAMPercent = vm.UsedPercent
	}
	// Interval 0 compares against the previous call.
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		s.CPUUsagePercent = pct[0]
	}
	return s
}
