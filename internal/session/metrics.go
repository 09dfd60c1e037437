package session

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/claudette-home/session"

// stageBuckets are in seconds and cover the default six second budget.
var stageBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 4, 6, 8}

type instruments struct {
	tracer      trace.Tracer
	stage       metric.Float64Histogram
	total       metric.Float64Histogram
	outcomes    metric.Int64Counter
	wakeIgnored metric.Int64Counter
	activeGauge metric.Int64UpDownCounter
}

func newInstruments() (*instruments, error) {
	m := otel.Meter(instrumentationName)
	ins := &instruments{tracer: otel.Tracer(instrumentationName)}
	var err error
	if ins.stage, err = m.Float64Histogram("claudette.session.stage.duration",
		metric.WithDescription("Time spent in each session stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(stageBuckets...),
	); err != nil {
		return nil, err
	}
	if ins.total, err = m.Float64Histogram("claudette.session.response.latency",
		metric.WithDescription("End of capture to final spoken response."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(stageBuckets...),
	); err != nil {
		return nil, err
	}
	if ins.outcomes, err = m.Int64Counter("claudette.session.outcomes",
		metric.WithDescription("Completed sessions by outcome."),
	); err != nil {
		return nil, err
	}
	if ins.wakeIgnored, err = m.Int64Counter("claudette.wake.ignored",
		metric.WithDescription("Wake events dropped because the device already had a session."),
	); err != nil {
		return nil, err
	}
	if ins.activeGauge, err = m.Int64UpDownCounter("claudette.session.active",
		metric.WithDescription("Sessions currently in flight."),
	); err != nil {
		return nil, err
	}
	return ins, nil
}
