package repo

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "oplog.repo"

var (
	tracer = otel.Tracer(instrumentationName)
	meter  = otel.Meter(instrumentationName)
)

var (
	commitTotal    metric.Int64Counter
	retryTotal     metric.Int64Counter
	commitDuration metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics creates the metric instruments. Safe to call repeatedly.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error
		commitTotal, err = meter.Int64Counter(
			"oplog_transaction_commit_total",
			metric.WithDescription("Transaction commits by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}
		retryTotal, err = meter.Int64Counter(
			"oplog_transaction_retry_total",
			metric.WithDescription("Commit attempts that lost the head race and merged"),
		)
		if err != nil {
			metricsErr = err
			return
		}
		commitDuration, err = meter.Float64Histogram(
			"oplog_transaction_duration_seconds",
			metric.WithDescription("Duration of transaction commits in seconds"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
		}
	})
	return metricsErr
}

func recordCommit(ctx context.Context, outcome string, merged bool, start time.Time) {
	if metricsErr != nil || commitTotal == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.Bool("merged", merged),
	)
	commitTotal.Add(ctx, 1, attrs)
	commitDuration.Record(ctx, time.Since(start).Seconds(), attrs)
}

func recordRetry(ctx context.Context) {
	if metricsErr != nil || retryTotal == nil {
		return
	}
	retryTotal.Add(ctx, 1)
}

// endSpan records err on span, if any, and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
