// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package health

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// Resources is one sample of host utilization, in percent.
type Resources struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
	DiskPath      string  `json:"disk_path"`
}

// Sampler measures host resources.
type Sampler interface {
	Sample(ctx context.Context) (Resources, error)
}

// HostSampler samples the local host with gopsutil. Disk usage is that of
// the volume holding Path.
type HostSampler struct {
	Path string
	// CPUWindow is how long CPU usage is measured over.
	CPUWindow time.Duration
}

// Sample implements Sampler.
func (s *HostSampler) Sample(ctx context.Context) (Resources, error) {
	window := s.CPUWindow
	if window <= 0 {
		window = time.Second
	}
	path := s.Path
	if path == "" {
		path = "/"
	}

	cpuPercent, err := cpu.PercentWithContext(ctx, window, false)
	if err != nil {
		return Resources{}, fmt.Errorf("get cpu percent: %w", err)
	}

	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Resources{}, fmt.Errorf("get memory usage: %w", err)
	}

	diskInfo, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return Resources{}, fmt.Errorf("get disk usage: %w", err)
	}

	res := Resources{
		MemoryPercent: memInfo.UsedPercent,
		DiskPercent:   diskInfo.UsedPercent,
		DiskPath:      path,
	}
	if len(cpuPercent) > 0 {
		res.CPUPercent = cpuPercent[0]
	}
	return res, nil
}
