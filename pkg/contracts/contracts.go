// Package contracts re-exports, as public type aliases, the interfaces of
// ClawRoute's metrics sink and stats aggregator, so code outside this
// module can name them. It defines no interface for the admin surface,
// and the HTTP handlers use internal/metrics directly, not this package.
package contracts

import (
	"github.com/clawroute/clawroute/internal/metrics"
)

// MetricsSink is a type alias for the internal metrics Sink interface.
type MetricsSink = metrics.Sink

// StatsAggregator is a type alias for the internal metrics Aggregator
// interface, consumed by GET /stats.
type StatsAggregator = metrics.Aggregator
