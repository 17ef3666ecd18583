package sandbox

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/procfs"
)

// procTable samples procfs for processes running inside a sandbox directory
// and derives CPU percent from the CPU-time delta between samples.
type procTable struct {
	procRoot string

	mu   sync.Mutex
	last map[string]cpuMark
}

type cpuMark struct {
	seconds float64
	at      time.Time
}

func newProcTable() *procTable {
	return &procTable{procRoot: procfs.DefaultMountPoint, last: make(map[string]cpuMark)}
}

func (p *procTable) sample(id, root string) (*Stats, error) {
	fs, err := procfs.NewFS(p.procRoot)
	if err != nil {
		return nil, fmt.Errorf("opening procfs: %w", err)
	}
	procs, err := fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("listing processes: %w", err)
	}

	var cpu float64
	var rssBytes int
	stats := &Stats{}
	for _, proc := range procs {
		cwd, err := proc.Cwd()
		if err != nil || !within(root, cwd) {
			continue
		}
		// The process may exit between listing and reading.
		st, err := proc.Stat()
		if err != nil {
			continue
		}
		stats.Processes++
		cpu += st.CPUTime()
		rssBytes += st.ResidentMemory()
	}
	stats.MemoryMB = float64(rssBytes) / (1024 * 1024)

	now := time.Now()
	p.mu.Lock()
	prev, ok := p.last[id]
	p.last[id] = cpuMark{seconds: cpu, at: now}
	p.mu.Unlock()

	if ok && cpu > prev.seconds {
		elapsed := now.Sub(prev.at).Seconds()
		if elapsed > 0 {
			stats.CPUPercent = (cpu - prev.seconds) / elapsed * 100
		}
	}
	return stats, nil
}

func (p *procTable) forget(id string) {
	p.mu.Lock()
	delete(p.last, id)
	p.mu.Unlock()
}

func within(root, path string) bool {
	return path == root || strings.HasPrefix(path, root+string(filepath.Separator))
}
