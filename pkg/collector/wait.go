package collector

import (
	"context"
	"errors"
	"os"
	"time"
)

// DefaultPollInterval is the WaitReady polling period.
const DefaultPollInterval = time.Second

// WaitReady blocks until the file at markerPath exists or ctx ends. It
// returns ctx.Err() on timeout or cancellation.
func WaitReady(ctx context.Context, markerPath string, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		_, err := os.Stat(markerPath)
		if err == nil {
			return nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
