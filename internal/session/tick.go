package session

import (
	"context"
	"time"
)

// runTicks calls tick on a fixed period until ctx is cancelled. A tick that
// overruns its period delays the next one; missed ticks are dropped rather
// than queued.
func runTicks(ctx context.Context, period time.Duration, tick func()) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			tick()
		case <-ctx.Done():
			return
		}
	}
}
