package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the conductor metric instruments.
type Metrics struct {
	ChainsStarted    metric.Int64Counter
	ChainsFinished   metric.Int64Counter // attribute: status
	ActiveChains     metric.Int64UpDownCounter
	Steps            metric.Int64Counter
	StepDuration     metric.Float64Histogram
	TokensUsed       metric.Int64Counter
	RetriesTriggered metric.Int64Counter
	RetriesSwapped   metric.Int64Counter
	Escalations      metric.Int64Counter
	Nudges           metric.Int64Counter // attribute: reason
	DriftScore       metric.Float64Histogram
	Violations       metric.Int64Counter // attribute: violation_type
	PersistFailures  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.ChainsStarted, err = meter.Int64Counter("conductor.chain.started",
		metric.WithDescription("Chains started")); err != nil {
		return nil, err
	}
	if m.ChainsFinished, err = meter.Int64Counter("conductor.chain.finished",
		metric.WithDescription("Chains that reached a terminal status")); err != nil {
		return nil, err
	}
	if m.ActiveChains, err = meter.Int64UpDownCounter("conductor.chain.active",
		metric.WithDescription("Chains currently in progress")); err != nil {
		return nil, err
	}
	if m.Steps, err = meter.Int64Counter("conductor.step.count",
		metric.WithDescription("Agent steps executed")); err != nil {
		return nil, err
	}
	if m.StepDuration, err = meter.Float64Histogram("conductor.step.duration",
		metric.WithDescription("Agent step duration in seconds, evaluators included"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.TokensUsed, err = meter.Int64Counter("conductor.step.tokens",
		metric.WithDescription("Tokens reported by the executor")); err != nil {
		return nil, err
	}
	if m.RetriesTriggered, err = meter.Int64Counter("conductor.retry.triggered",
		metric.WithDescription("Low-confidence retries attempted")); err != nil {
		return nil, err
	}
	if m.RetriesSwapped, err = meter.Int64Counter("conductor.retry.swapped",
		metric.WithDescription("Retries whose output replaced the original")); err != nil {
		return nil, err
	}
	if m.Escalations, err = meter.Int64Counter("conductor.escalation.created",
		metric.WithDescription("Escalation records created")); err != nil {
		return nil, err
	}
	if m.Nudges, err = meter.Int64Counter("conductor.nudge.created",
		metric.WithDescription("Nudge records created")); err != nil {
		return nil, err
	}
	if m.DriftScore, err = meter.Float64Histogram("conductor.drift.score",
		metric.WithDescription("Drift scores of evaluated outputs")); err != nil {
		return nil, err
	}
	if m.Violations, err = meter.Int64Counter("conductor.contract.violations",
		metric.WithDescription("Contract violations recorded")); err != nil {
		return nil, err
	}
	if m.PersistFailures, err = meter.Int64Counter("conductor.persist.failures",
		metric.WithDescription("Audit writes that failed an attempt")); err != nil {
		return nil, err
	}
	return m, nil
}

// GlobalMetrics builds instruments on the global meter provider.
func GlobalMetrics() (*Metrics, error) {
	return NewMetrics(otel.Meter(ScopeName))
}

// NoopMetrics returns instruments that record nothing. Never nil-checked
// by callers, so components default to it.
func NoopMetrics() *Metrics {
	m, err := NewMetrics(noop.NewMeterProvider().Meter(ScopeName))
	if err != nil {
		// The noop meter never fails.
		panic(err)
	}
	return m
}
