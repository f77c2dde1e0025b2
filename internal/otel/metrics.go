package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the pipeline's metric instruments.
type Metrics struct {
	AttemptDuration  metric.Float64Histogram
	ProviderDuration metric.Float64Histogram
	TokensUsed       metric.Int64Counter
	CostUSD          metric.Float64Counter
	AttemptsTotal    metric.Int64Counter
	AttemptFailures  metric.Int64Counter
	LeaseReclaims    metric.Int64Counter
	DeadLetters      metric.Int64Counter
	AgentRestarts    metric.Int64Counter
	QueueDepth       metric.Int64Gauge
	InFlight         metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.AttemptDuration, err = meter.Float64Histogram("foundry.attempt.duration",
		metric.WithDescription("Stage attempt duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ProviderDuration, err = meter.Float64Histogram("foundry.provider.duration",
		metric.WithDescription("Provider call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("foundry.provider.tokens",
		metric.WithDescription("Total tokens consumed"),
	)
	if err != nil {
		return nil, err
	}

	m.CostUSD, err = meter.Float64Counter("foundry.provider.cost_usd",
		metric.WithDescription("Estimated provider spend in USD"),
	)
	if err != nil {
		return nil, err
	}

	m.AttemptsTotal, err = meter.Int64Counter("foundry.attempts",
		metric.WithDescription("Total stage attempts started"),
	)
	if err != nil {
		return nil, err
	}

	m.AttemptFailures, err = meter.Int64Counter("foundry.attempt.failures",
		metric.WithDescription("Stage attempts that failed"),
	)
	if err != nil {
		return nil, err
	}

	m.LeaseReclaims, err = meter.Int64Counter("foundry.lease.reclaims",
		metric.WithDescription("Expired leases reclaimed"),
	)
	if err != nil {
		return nil, err
	}

	m.DeadLetters, err = meter.Int64Counter("foundry.dead_letters",
		metric.WithDescription("Items moved to the dead letter state"),
	)
	if err != nil {
		return nil, err
	}

	m.AgentRestarts, err = meter.Int64Counter("foundry.agent.restarts",
		metric.WithDescription("Worker agents restarted by the supervisor"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64Gauge("foundry.queue.depth",
		metric.WithDescription("Queued items per stage"),
	)
	if err != nil {
		return nil, err
	}

	m.InFlight, err = meter.Int64UpDownCounter("foundry.in_flight",
		metric.WithDescription("Items currently claimed"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
