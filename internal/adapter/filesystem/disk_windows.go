//go:build windows

package filesystem

import (
	"errors"

	"github.com/vertextoedge/samu-panel/internal/port"
)

// GetDiskUsage is not available on windows; the status page hides the panel
func (m *Manager) GetDiskUsage() (*port.DiskUsage, error) {
	return nil, errors.New("disk usage is not supported on windows")
}
