package health

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
)

// diskThresholdPct is the used-space percentage beyond which the
// download volume is reported unhealthy
const diskThresholdPct = 90.0

// DiskChecker reports whether the download volume has headroom left
type DiskChecker struct {
	stats     func() (*disk.UsageStat, error)
	threshold float64
}

// NewDiskChecker creates a disk health checker backed by the given
// usage source (the artifacts manager in production)
func NewDiskChecker(stats func() (*disk.UsageStat, error)) *DiskChecker {
	return &DiskChecker{stats: stats, threshold: diskThresholdPct}
}

// Check reads the volume usage
func (d *DiskChecker) Check(ctx context.Context) Result {
	start := time.Now()
	usage, err := d.stats()
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("failed to stat download volume: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	return Result{
		Healthy:   usage.UsedPercent < d.threshold,
		Message:   fmt.Sprintf("%.1f%% used, %s free", usage.UsedPercent, formatBytes(usage.Free)),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Name returns the dependency name
func (d *DiskChecker) Name() string {
	return "disk"
}

func formatBytes(n uint64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GB", float64(n)/float64(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/float64(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/float64(1<<10))
	}
	return fmt.Sprintf("%d B", n)
}
