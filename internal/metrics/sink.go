// Package metrics defines the boundary to the metrics sink and stats
// aggregator this module treats as external collaborators: a durable,
// queryable routing-history store. The core only ever writes to this
// boundary, asynchronously, and never blocks a response on it —
// matching the reference proxy's detached-goroutine log write pattern.
// The in-memory implementation here is a default opaque queue good
// enough to back GET /stats locally; a real deployment is expected to
// swap in a durable implementation behind the same Sink interface.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/clawroute/clawroute/pkg/models"
)

// Sink receives one MetricsRecord per completed request. The core
// treats it as an opaque queue: Record must never block the caller for
// long, and must be safe for concurrent use.
type Sink interface {
	Record(ctx context.Context, rec models.MetricsRecord)
}

// Aggregator answers GET /stats with an aggregated, read-only view.
// Real deployments back this with the durable store; this package's
// default implementation only aggregates what it has observed since
// process start.
type Aggregator interface {
	Snapshot() StatsSnapshot
}

// StatsSnapshot is the aggregated view served at GET /stats.
type StatsSnapshot struct {
	TotalRequests    int64   `json:"totalRequests"`
	TotalEscalations int64   `json:"totalEscalations"`
	TotalSavingsUsd  float64 `json:"totalSavingsUsd"`
	ByTier           map[string]int64 `json:"byTier"`
}

// MemorySink is the default in-process Sink + Aggregator. It is not a
// durable append-only log (that is the external collaborator's job) —
// it exists so the proxy has something to answer /stats with out of
// the box.
type MemorySink struct {
	mu        sync.Mutex
	snapshot  StatsSnapshot
	emitDelay time.Duration
}

func NewMemorySink() *MemorySink {
	return &MemorySink{snapshot: StatsSnapshot{ByTier: make(map[string]int64)}}
}

// Record asynchronously folds rec into the running snapshot. The
// caller's goroutine returns immediately; the actual update happens in a
// detached goroutine bounded by a short timeout context, exactly like
// the reference proxy's SaveRequestLog, so a slow or wedged sink can
// never hold up the client response.
func (m *MemorySink) Record(ctx context.Context, rec models.MetricsRecord) {
	go func() {
		recordCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		done := make(chan struct{})
		go func() {
			defer close(done)
			m.mu.Lock()
			defer m.mu.Unlock()
			m.snapshot.TotalRequests++
			if rec.Escalated {
				m.snapshot.TotalEscalations++
			}
			m.snapshot.TotalSavingsUsd += rec.SavingsUsd
			m.snapshot.ByTier[rec.Tier.String()]++
		}()

		select {
		case <-done:
		case <-recordCtx.Done():
			log.Warn().Msg("metrics sink record timed out")
		}
	}()
}

func (m *MemorySink) Snapshot() StatsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	byTier := make(map[string]int64, len(m.snapshot.ByTier))
	for k, v := range m.snapshot.ByTier {
		byTier[k] = v
	}
	return StatsSnapshot{
		TotalRequests:    m.snapshot.TotalRequests,
		TotalEscalations: m.snapshot.TotalEscalations,
		TotalSavingsUsd:  m.snapshot.TotalSavingsUsd,
		ByTier:           byTier,
	}
}
