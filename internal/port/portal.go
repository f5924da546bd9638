package port

import (
	"context"
	"time"
)

// DateRange is an inclusive range of calendar days
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Portal drives the external SAMU portal
type Portal interface {
	// Download logs in, requests the occurrence export for r and returns
	// the path of the downloaded raw file.
	Download(ctx context.Context, r DateRange) (string, error)
}

// CacheInvalidator is notified when the converted spreadsheet changes
type CacheInvalidator interface {
	Invalidate()
}
