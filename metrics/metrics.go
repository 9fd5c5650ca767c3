// Package metrics holds the Prometheus collectors and the OpenTelemetry
// tracer shared by the storage engine.
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// operationDuration tracks engine operation latency.
	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "split_operation_duration_seconds",
		Help:    "Engine operation duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
	}, []string{"op"})

	// operationsTotal counts engine operations by result.
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "split_operations_total",
		Help: "Total engine operations by operation and result",
	}, []string{"op", "result"})

	// CASConflicts counts course index swings that lost a race.
	CASConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "split_cas_conflicts_total",
		Help: "Course index compare-and-swap conflicts",
	})

	// Commits counts successful bulk commits by kind (course, library).
	Commits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "split_commits_total",
		Help: "Committed bulk operations by course kind",
	}, []string{"kind"})

	// StructuresWritten counts new structure documents persisted.
	StructuresWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "split_structures_written_total",
		Help: "Structure documents persisted",
	})

	// CacheRequests counts cache lookups by cache and result.
	CacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "split_cache_requests_total",
		Help: "Cache lookups by cache name and result (hit, miss, remote_hit)",
	}, []string{"cache", "result"})
)

var tracer = otel.Tracer("splitstore")

// Start opens a span for op and returns a finisher that records duration,
// result and error status. Pass the address of the operation's named error
// return.
func Start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(*error)) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "split."+op, trace.WithAttributes(attrs...))
	return ctx, func(errp *error) {
		var err error
		if errp != nil {
			err = *errp
		}
		operationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		result := "ok"
		if err != nil {
			result = "error"
			if errors.Is(err, context.Canceled) {
				result = "canceled"
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		operationsTotal.WithLabelValues(op, result).Inc()
		span.End()
	}
}

// CacheHit records a cache lookup outcome.
func CacheHit(cache, result string) {
	CacheRequests.WithLabelValues(cache, result).Inc()
}
