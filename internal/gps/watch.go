package gps

import (
	"context"
	"time"
)

// watchFixes polls latest every interval and delivers each fix that is newer
// than the previous one. The channel is closed when ctx ends.
func watchFixes(ctx context.Context, interval time.Duration, latest func() (Sample, bool)) <-chan Sample {
	ch := make(chan Sample, 1)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var lastTS int64 = -1
		deliver := func() bool {
			s, ok := latest()
			if !ok || s.TimestampMs == lastTS {
				return true
			}
			select {
			case ch <- s:
				lastTS = s.TimestampMs
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !deliver() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !deliver() {
					return
				}
			}
		}
	}()
	return ch
}
