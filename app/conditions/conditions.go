// Package conditions checks system state before heavy sync runs, based on
// cpu, memory, load average and disk free thresholds from the source spec.
package conditions

import (
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/contentsync/syncd/app/sources"
)

// Checker verifies source run conditions against live system metrics.
type Checker struct {
	DefaultDiskPath string // used when the spec doesn't name a mount point
}

// Check verifies all configured conditions, returns false with a reason
// on the first unmet one.
func (c Checker) Check(cond sources.Conditions) (bool, string) {
	if cond.CPUBelow != nil {
		if ok, reason := c.checkCPU(*cond.CPUBelow); !ok {
			return false, reason
		}
	}
	if cond.MemoryBelow != nil {
		if ok, reason := c.checkMemory(*cond.MemoryBelow); !ok {
			return false, reason
		}
	}
	if cond.LoadAvgBelow != nil {
		if ok, reason := c.checkLoadAvg(*cond.LoadAvgBelow); !ok {
			return false, reason
		}
	}
	if cond.DiskFreeAbove != nil {
		path := cond.DiskFreePath
		if path == "" {
			path = c.DefaultDiskPath
		}
		if path == "" {
			path = "/"
		}
		if ok, reason := c.checkDiskFree(*cond.DiskFreeAbove, path); !ok {
			return false, reason
		}
	}
	return true, ""
}

func (c Checker) checkCPU(threshold int) (bool, string) {
	pct, err := cpu.Percent(time.Second, false)
	if err != nil {
		return false, fmt.Sprintf("failed to get CPU: %v", err)
	}
	if len(pct) == 0 {
		return false, "no CPU data available"
	}
	if current := int(pct[0]); current >= threshold {
		return false, fmt.Sprintf("CPU at %d%%, threshold %d%%", current, threshold)
	}
	return true, ""
}

func (c Checker) checkMemory(threshold int) (bool, string) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return false, fmt.Sprintf("failed to get memory: %v", err)
	}
	if current := int(v.UsedPercent); current >= threshold {
		return false, fmt.Sprintf("memory at %d%%, threshold %d%%", current, threshold)
	}
	return true, ""
}

func (c Checker) checkLoadAvg(threshold float64) (bool, string) {
	avg, err := load.Avg()
	if err != nil {
		return false, fmt.Sprintf("failed to get load average: %v", err)
	}
	if avg.Load1 >= threshold {
		return false, fmt.Sprintf("load average %.2f, threshold %.2f", avg.Load1, threshold)
	}
	return true, ""
}

func (c Checker) checkDiskFree(threshold int, path string) (bool, string) {
	usage, err := disk.Usage(path)
	if err != nil {
		return false, fmt.Sprintf("failed to get disk usage for %s: %v", path, err)
	}
	free := 100 - int(usage.UsedPercent)
	if free <= threshold {
		return false, fmt.Sprintf("disk free %d%% at %s, threshold %d%%", free, path, threshold)
	}
	return true, ""
}
