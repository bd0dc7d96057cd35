// Package monitoring gathers engine health metrics and raises webhook alerts
// when thresholds are breached.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/cardvault/revalue/internal/model"
	"github.com/cardvault/revalue/internal/resilience"
	"github.com/cardvault/revalue/internal/store"
)

// MetricsSnapshot holds a point-in-time view of engine health.
type MetricsSnapshot struct {
	// Execution metrics (within lookback window).
	ExecutionsTotal   int     `json:"executions_total"`
	ExecutionsDone    int     `json:"executions_done"`
	ExecutionsFailed  int     `json:"executions_failed"`
	ExecutionsRunning int     `json:"executions_running"`
	FailureRate       float64 `json:"failure_rate"`
	AvgDurationSecs   float64 `json:"avg_duration_secs"`

	// Dead-letter queue.
	DLQDepth     int `json:"dlq_depth"`
	DLQTransient int `json:"dlq_transient"`
	DLQPermanent int `json:"dlq_permanent"`

	// Price source circuits currently not closed.
	OpenBreakers []string `json:"open_breakers,omitempty"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers metrics from the store and the source breakers.
type Collector struct {
	store    store.Store
	breakers *resilience.SourceBreakers
}

// NewCollector creates a new metrics collector. breakers may be nil when no
// live engine is attached.
func NewCollector(st store.Store, breakers *resilience.SourceBreakers) *Collector {
	return &Collector{store: st, breakers: breakers}
}

// Collect gathers a snapshot of engine metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
	}

	cutoff := time.Now().UTC().Add(-time.Duration(lookbackHours) * time.Hour)

	execs, err := c.store.ListExecutions(ctx, store.ExecutionFilter{Limit: 10000})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list executions")
	}

	var totalDur time.Duration
	var durCount int
	for _, e := range execs {
		if e.StartedAt.Before(cutoff) {
			continue
		}
		snap.ExecutionsTotal++
		switch e.Status {
		case model.ExecutionDone:
			snap.ExecutionsDone++
			if e.FinishedAt != nil {
				totalDur += e.FinishedAt.Sub(e.StartedAt)
				durCount++
			}
		case model.ExecutionFailed:
			snap.ExecutionsFailed++
		case model.ExecutionRunning:
			snap.ExecutionsRunning++
		}
	}

	finished := snap.ExecutionsDone + snap.ExecutionsFailed
	if finished > 0 {
		snap.FailureRate = float64(snap.ExecutionsFailed) / float64(finished)
	}
	if durCount > 0 {
		snap.AvgDurationSecs = totalDur.Seconds() / float64(durCount)
	}

	letters, err := c.store.ListDeadLetters(ctx, model.DeadLetterFilter{Limit: 10000})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list dead letters")
	}
	for _, l := range letters {
		if l.CreatedAt.Before(cutoff) {
			continue
		}
		switch l.ErrorType {
		case "transient":
			snap.DLQTransient++
		case "permanent":
			snap.DLQPermanent++
		}
	}

	depth, err := c.store.CountDeadLetters(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count dead letters")
	}
	snap.DLQDepth = depth

	if c.breakers != nil {
		for name, s := range c.breakers.Stats() {
			if s.State != resilience.CircuitClosed {
				snap.OpenBreakers = append(snap.OpenBreakers, name)
			}
		}
	}

	return snap, nil
}
