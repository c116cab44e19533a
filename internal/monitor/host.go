package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"
)

// NetworkIO is the traffic since the previous sample.
type NetworkIO struct {
	BytesSent uint64 `json:"bytes_sent"`
	BytesRecv uint64 `json:"bytes_recv"`
}

// HostInfo is one sample of machine-wide telemetry.
type HostInfo struct {
	CPUUsage     float64   `json:"cpu_usage"`
	MemoryUsage  float64   `json:"memory_usage"`
	MemoryTotal  uint64    `json:"memory_total"`
	MemoryUsed   uint64    `json:"memory_used"`
	NetworkIO    NetworkIO `json:"network_io"`
	CPUFrequency float64   `json:"cpu_frequency"`
}

// HostSampler reads host telemetry. Network counters are reported as the
// delta since the previous call.
type HostSampler interface {
	Sample(ctx context.Context) HostInfo
}

// SystemSampler samples the local machine with gopsutil.
type SystemSampler struct {
	cpuInterval time.Duration

	mu       sync.Mutex
	prevSent uint64
	prevRecv uint64
	primed   bool
}

// NewSystemSampler measures CPU usage over cpuInterval on each sample.
func NewSystemSampler(cpuInterval time.Duration) *SystemSampler {
	s := &SystemSampler{cpuInterval: cpuInterval}
	if sent, recv, ok := netTotals(context.Background()); ok {
		s.prevSent, s.prevRecv, s.primed = sent, recv, true
	}
	return s
}

func (s *SystemSampler) Sample(ctx context.Context) HostInfo {
	var info HostInfo

	if pct, err := cpu.PercentWithContext(ctx, s.cpuInterval, false); err == nil && len(pct) > 0 {
		info.CPUUsage = pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.MemoryUsage = vm.UsedPercent
		info.MemoryTotal = vm.Total
		info.MemoryUsed = vm.Used
	}
	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		info.CPUFrequency = infos[0].Mhz
	}

	if sent, recv, ok := netTotals(ctx); ok {
		s.mu.Lock()
		if s.primed {
			info.NetworkIO = NetworkIO{
				BytesSent: counterDelta(sent, s.prevSent),
				BytesRecv: counterDelta(recv, s.prevRecv),
			}
		}
		s.prevSent, s.prevRecv, s.primed = sent, recv, true
		s.mu.Unlock()
	}
	return info
}

func netTotals(ctx context.Context) (sent, recv uint64, ok bool) {
	counters, err := psnet.IOCountersWithContext(ctx, false)
	if err != nil || len(counters) == 0 {
		return 0, 0, false
	}
	return counters[0].BytesSent, counters[0].BytesRecv, true
}

// counterDelta treats a counter that went backwards (interface reset) as
// zero traffic.
func counterDelta(cur, prev uint64) uint64 {
	if cur < prev {
		return 0
	}
	return cur - prev
}
