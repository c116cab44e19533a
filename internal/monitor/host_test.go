package monitor

import (
	"context"
	"testing"
	"time"
)

func TestCounterDelta(t *testing.T) {
	if got := counterDelta(150, 100); got != 50 {
		t.Errorf("counterDelta(150, 100) = %d, want 50", got)
	}
	if got := counterDelta(10, 100); got != 0 {
		t.Errorf("counter reset should report 0, got %d", got)
	}
}

func TestSystemSamplerReadsMemory(t *testing.T) {
	s := NewSystemSampler(10 * time.Millisecond)
	info := s.Sample(context.Background())
	if info.MemoryTotal == 0 {
		t.Skip("memory statistics unavailable on this platform")
	}
	if info.MemoryUsed > info.MemoryTotal {
		t.Errorf("used %d > total %d", info.MemoryUsed, info.MemoryTotal)
	}
}
