package monitor

import (
	"os"
	"time"

	"github.com/alantheprice/devosd/pkg/types"
)

// snapshotEnvVars are the variables copied into a context snapshot. The
// prompt assembler filters again before anything leaves the machine.
var snapshotEnvVars = []string{"PATH", "HOME", "USER", "SHELL", "LANG", "PWD"}

const maxListedFiles = 20

// Collector aggregates the monitors into context snapshots.
type Collector struct {
	files     *FileMonitor
	processes *ProcessMonitor
	git       *GitMonitor
}

// NewCollector wires the monitors together.
func NewCollector(files *FileMonitor, processes *ProcessMonitor, git *GitMonitor) *Collector {
	return &Collector{files: files, processes: processes, git: git}
}

// Snapshot captures current system state for a job. A failing collector
// contributes an error map rather than failing the snapshot.
func (c *Collector) Snapshot(userID string) *types.ContextSnapshot {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "unknown"
	}

	processes := c.processes.Summary(5)
	processes["system"] = c.processes.SystemStats()

	snapshot := &types.ContextSnapshot{
		Cwd:         cwd,
		UserID:      userID,
		Timestamp:   time.Now().UTC(),
		Files:       c.fileContext(cwd),
		Processes:   processes,
		Git:         c.git.Status(cwd),
		Environment: map[string]string{},
	}

	for _, key := range snapshotEnvVars {
		if value := os.Getenv(key); value != "" {
			snapshot.Environment[key] = value
		}
	}

	return snapshot
}

func (c *Collector) fileContext(cwd string) map[string]any {
	entries, err := os.ReadDir(cwd)
	if err != nil {
		return map[string]any{"error": err.Error()}
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
		if len(names) == maxListedFiles {
			break
		}
	}

	fileCtx := c.files.Summary(5)
	fileCtx["current_files"] = names
	return fileCtx
}
