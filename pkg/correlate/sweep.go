package correlate

import (
	"context"
	"time"

	"github.com/getmockd/imgtrace/pkg/metrics"
)

// SweepResult reports how many entries a sweep dropped.
type SweepResult struct {
	Requests  int
	Responses int
}

// Sweep drops pending requests and responses observed at least PendingTTL
// before now. It is a no-op when PendingTTL is zero.
func (e *Engine) Sweep(now time.Time) SweepResult {
	var res SweepResult
	if e.ttl <= 0 {
		return res
	}
	cutoff := now.Add(-e.ttl)

	e.mu.Lock()
	defer e.mu.Unlock()

	for id, r := range e.requests {
		if !r.ObservedAt.After(cutoff) {
			delete(e.requests, id)
			res.Requests++
		}
	}
	for id, r := range e.responses {
		if !r.ObservedAt.After(cutoff) {
			delete(e.responses, id)
			res.Responses++
		}
	}

	if res.Requests == 0 && res.Responses == 0 {
		return res
	}
	e.stats.EvictedRequests += res.Requests
	e.stats.EvictedResponses += res.Responses
	e.metrics.EvictedFrom(metrics.TableRequests, res.Requests)
	e.metrics.EvictedFrom(metrics.TableResponses, res.Responses)
	e.publishPendingLocked()
	e.logger.Debug("evicted stale pending entries",
		"requests", res.Requests, "responses", res.Responses,
		"remainingRequests", len(e.requests), "remainingResponses", len(e.responses))
	return res
}

// Start runs Sweep every SweepInterval until ctx is cancelled. It blocks
// and returns nil on cancellation.
func (e *Engine) Start(ctx context.Context) error {
	if e.ttl <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.Sweep(e.now())
		}
	}
}
