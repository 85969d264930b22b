package httpapi

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	domain "github.com/R3E-Network/raffle_layer/internal/app/domain/raffle"
	"github.com/R3E-Network/raffle_layer/internal/app/services/raffle"
)

type healthReport struct {
	Status         string       `json:"status"`
	State          domain.State `json:"state"`
	Participants   int          `json:"participants"`
	Uptime         string       `json:"uptime"`
	Goroutines     int          `json:"goroutines"`
	CPUPercent     float64      `json:"cpu_percent"`
	MemoryUsedPct  float64      `json:"memory_used_percent"`
	MemoryUsedMB   uint64       `json:"memory_used_mb"`
	HostSampleFail string       `json:"host_sample_error,omitempty"`
}

// healthProbe reports process and host load next to the round state.
type healthProbe struct {
	raffle  *raffle.Service
	started time.Time
}

func newHealthProbe(svc *raffle.Service) *healthProbe {
	return &healthProbe{raffle: svc, started: time.Now()}
}

func (p *healthProbe) report(ctx context.Context) healthReport {
	out := healthReport{
		Status:       "ok",
		State:        p.raffle.State(),
		Participants: p.raffle.NumberOfParticipants(),
		Uptime:       time.Since(p.started).Truncate(time.Second).String(),
		Goroutines:   runtime.NumGoroutine(),
	}

	// interval 0 compares against the previous call instead of sleeping
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		out.HostSampleFail = err.Error()
	} else if len(pct) > 0 {
		out.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		out.HostSampleFail = err.Error()
	} else {
		out.MemoryUsedPct = vm.UsedPercent
		out.MemoryUsedMB = vm.Used / 1024 / 1024
	}
	return out
}
