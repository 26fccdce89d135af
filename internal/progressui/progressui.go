// Package progressui renders a progress.Progress to the terminal using
// progressbar/v3: a thin, swappable UI layer over the library-free
// progress contract.
package progressui

import (
	"context"
	"io"
	"time"

	"github.com/partitool/diskpart/internal/progress"
	"github.com/schollz/progressbar/v3"
)

// Watch polls p every interval and renders it to w until the operation
// completes, fails, or ctx is cancelled. It does not itself request
// cancellation; callers wire keypress handling to p.RequestCancel.
func Watch(ctx context.Context, w io.Writer, p *progress.Progress, description string) {
	bar := progressbar.NewOptions64(100,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)

	ticker := time.NewTicker(150 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := p.Snapshot()
			_ = bar.Set(snap.PercentFinished)
			if snap.StatusMessage != "" {
				bar.Describe(description + ": " + snap.StatusMessage)
			}
			if snap.Complete || snap.Error || snap.Cancelled {
				_ = bar.Finish()
				return
			}
		}
	}
}
