package proc

import (
	"context"

	"github.com/shirou/gopsutil/v3/process"
)

// Stats is a point-in-time resource sample of a process.
type Stats struct {
	PID        int     `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
	RSS        uint64  `json:"rss"`
}

// Sample reads CPU and resident memory for pid.
func Sample(ctx context.Context, pid int) (Stats, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return Stats{}, err
	}
	st := Stats{PID: pid}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		st.CPUPercent = cpu
	}
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return st, err
	}
	st.RSS = mem.RSS
	return st, nil
}
