package server

import (
	"expvar"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// Process-wide counters published on /metrics.
var (
	connectionsActive   = expvar.NewInt("venti_connections_active")
	connectionsTotal    = expvar.NewInt("venti_connections_total")
	connectionsRejected = expvar.NewInt("venti_connections_rejected_total")
	requestsTotal       = expvar.NewMap("venti_requests_total")

	cpuUsagePercent  = expvar.NewFloat("system_cpu_usage_percent")
	memUsagePercent  = expvar.NewFloat("system_mem_usage_percent")
	diskUsagePercent = expvar.NewFloat("system_disk_usage_percent")
)

// SystemCollector periodically samples CPU, memory and the usage of the
// disk holding the arenas, and publishes them via expvar.
type SystemCollector struct {
	diskPath string
	interval time.Duration
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// NewSystemCollector creates a new collector.
// diskPath should be the arena directory.
func NewSystemCollector(diskPath string, interval time.Duration, logger *slog.Logger) *SystemCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &SystemCollector{
		diskPath: diskPath,
		interval: interval,
		stopChan: make(chan struct{}),
		logger:   logger.With("component", "SystemCollector"),
	}
}

// Start begins the background collection loop.
func (sc *SystemCollector) Start() {
	sc.logger.Info("Starting system metrics collector", "interval", sc.interval)
	sc.wg.Add(1)
	go sc.collectLoop()
}

// Stop signals the collection loop to terminate and waits for it to finish.
func (sc *SystemCollector) Stop() {
	sc.stopOnce.Do(func() {
		sc.logger.Info("Stopping system metrics collector")
		close(sc.stopChan)
	})
	sc.wg.Wait()
}

func (sc *SystemCollector) collectLoop() {
	defer sc.wg.Done()
	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sc.collect()
		case <-sc.stopChan:
			return
		}
	}
}

func (sc *SystemCollector) collect() {
	// A zero interval compares against the previous call instead of blocking.
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		cpuUsagePercent.Set(pct[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		memUsagePercent.Set(vm.UsedPercent)
	}
	if du, err := disk.Usage(sc.diskPath); err == nil {
		diskUsagePercent.Set(du.UsedPercent)
	} else {
		sc.logger.Debug("Disk usage unavailable", "path", sc.diskPath, "error", err)
	}
}
