package monitor

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/alantheprice/devosd/pkg/logging"
)

// ProcessInfo is one cached process sample.
type ProcessInfo struct {
	PID           int32   `json:"pid"`
	Name          string  `json:"name"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float32 `json:"memory_percent"`
}

// ProcessMonitor samples running processes on an interval and serves the
// latest snapshot from cache.
type ProcessMonitor struct {
	mu sync.Mutex

	interval time.Duration
	cache    []ProcessInfo
	logger   *logging.Logger
	done     chan struct{}
}

// NewProcessMonitor creates a monitor sampling every intervalSecs.
func NewProcessMonitor(intervalSecs int, logger *logging.Logger) *ProcessMonitor {
	if intervalSecs <= 0 {
		intervalSecs = 30
	}
	return &ProcessMonitor{
		interval: time.Duration(intervalSecs) * time.Second,
		logger:   logger,
	}
}

// Start launches the sampling loop.
func (m *ProcessMonitor) Start() {
	m.done = make(chan struct{})
	m.refresh()

	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.done:
				return
			case <-ticker.C:
				m.refresh()
			}
		}
	}()
	m.logger.Info("Process monitor started")
}

// Stop ends the sampling loop.
func (m *ProcessMonitor) Stop() {
	if m.done != nil {
		close(m.done)
	}
}

func (m *ProcessMonitor) refresh() {
	procs, err := process.Processes()
	if err != nil {
		m.logger.Warn("Failed to list processes: %v", err)
		return
	}

	samples := make([]ProcessInfo, 0, len(procs))
	for _, p := range procs {
		name, err := p.Name()
		if err != nil {
			continue
		}
		cpuPct, _ := p.CPUPercent()
		memPct, _ := p.MemoryPercent()
		samples = append(samples, ProcessInfo{
			PID:           p.Pid,
			Name:          name,
			CPUPercent:    cpuPct,
			MemoryPercent: memPct,
		})
	}

	sort.Slice(samples, func(i, j int) bool {
		return samples[i].CPUPercent > samples[j].CPUPercent
	})

	m.mu.Lock()
	m.cache = samples
	m.mu.Unlock()
}

// Top returns up to limit processes ordered by CPU usage.
func (m *ProcessMonitor) Top(limit int) []ProcessInfo {
	m.mu.Lock()
	empty := len(m.cache) == 0
	m.mu.Unlock()

	if empty {
		m.refresh()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	top := m.cache
	if len(top) > limit {
		top = top[:limit]
	}
	return append([]ProcessInfo(nil), top...)
}

// Summary renders the process cache as a context map.
func (m *ProcessMonitor) Summary(limit int) map[string]any {
	top := m.Top(limit)

	running := make([]string, 0, len(top))
	for _, proc := range top {
		running = append(running, fmt.Sprintf("%s (%.1f%% CPU)", proc.Name, proc.CPUPercent))
	}

	m.mu.Lock()
	total := len(m.cache)
	m.mu.Unlock()

	return map[string]any{
		"running_processes": running,
		"top_processes":     top,
		"total_processes":   total,
	}
}

// SystemStats reports host-level CPU and memory figures.
func (m *ProcessMonitor) SystemStats() map[string]any {
	stats := map[string]any{}

	if count, err := cpu.Counts(true); err == nil {
		stats["cpu_count"] = count
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		stats["cpu_percent"] = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		stats["memory_total"] = vm.Total
		stats["memory_used"] = vm.Used
		stats["memory_percent"] = vm.UsedPercent
	}

	return stats
}
