package internal_resource

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// Sample is one observation of the resources capture depends on.
// BatteryRatio is -1 when no battery information is available.
type Sample struct {
	MemoryUsedRatio float64
	DiskFreeRatio   float64
	BatteryRatio    float64
}

// Sampler produces resource samples. The system implementation uses
// gopsutil; tests inject fakes.
type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

// BatteryProbe reports the battery charge ratio in [0,1]. ok=false means the
// platform exposes no battery (desktop, CI). There is no portable Go battery
// API, so the platform layer injects one.
type BatteryProbe func() (ratio float64, ok bool)

type systemSampler struct {
	diskPath string
	battery  BatteryProbe
}

// NewSystemSampler samples real memory and free space of the filesystem
// holding diskPath (the segment directory — that is the disk that matters).
// battery may be nil.
func NewSystemSampler(diskPath string, battery BatteryProbe) Sampler {
	return &systemSampler{diskPath: diskPath, battery: battery}
}

func (s *systemSampler) Sample(ctx context.Context) (Sample, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("sample memory: %w", err)
	}
	du, err := disk.UsageWithContext(ctx, s.diskPath)
	if err != nil {
		return Sample{}, fmt.Errorf("sample disk: %w", err)
	}

	sample := Sample{
		MemoryUsedRatio: vm.UsedPercent / 100,
		DiskFreeRatio:   1 - du.UsedPercent/100,
		BatteryRatio:    -1,
	}
	if s.battery != nil {
		if ratio, ok := s.battery(); ok {
			sample.BatteryRatio = ratio
		}
	}
	return sample, nil
}
