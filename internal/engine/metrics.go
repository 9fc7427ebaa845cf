package engine

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	generations       metric.Int64Counter
	staleEvents       metric.Int64Counter
	errors            metric.Int64Counter
	reconnects        metric.Int64Counter
	synthesisDuration metric.Float64Histogram
}

func newMetrics() (*metrics, error) {
	meter := otel.Meter(instrumentationName)
	var (
		m   metrics
		err error
	)
	if m.generations, err = meter.Int64Counter("kitten.engine.generations",
		metric.WithDescription("Generation requests dispatched to the backend")); err != nil {
		return nil, err
	}
	if m.staleEvents, err = meter.Int64Counter("kitten.engine.stale_events",
		metric.WithDescription("Completions and playback callbacks dropped for a stale token")); err != nil {
		return nil, err
	}
	if m.errors, err = meter.Int64Counter("kitten.engine.errors",
		metric.WithDescription("Transitions into the error state")); err != nil {
		return nil, err
	}
	if m.reconnects, err = meter.Int64Counter("kitten.audio.reconnects",
		metric.WithDescription("Audio graph connections")); err != nil {
		return nil, err
	}
	if m.synthesisDuration, err = meter.Float64Histogram("kitten.synthesis.duration",
		metric.WithDescription("Backend synthesis latency"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return &m, nil
}
