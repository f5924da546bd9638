//go:build !windows

package filesystem

import (
	"fmt"
	"syscall"

	"github.com/vertextoedge/samu-panel/internal/port"
)

var _ port.DiskReporter = (*Manager)(nil)

// GetDiskUsage returns usage of the volume holding the download dir
func (m *Manager) GetDiskUsage() (*port.DiskUsage, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(m.rootDir, &stat); err != nil {
		return nil, fmt.Errorf("failed to get disk stats: %w", err)
	}

	bsize := uint64(stat.Bsize)
	total := stat.Blocks * bsize
	free := stat.Bavail * bsize
	usage := &port.DiskUsage{Total: total, Free: free}
	if total > free {
		usage.Used = total - free
	}
	if total > 0 {
		usage.UsedPct = float64(usage.Used) / float64(total) * 100
	}
	return usage, nil
}
