package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/foundry/internal/bus"
)

// Recorder translates bus traffic into metric instrument updates, so the
// control loops and workers stay free of instrumentation code.
type Recorder struct {
	bus     *bus.Bus
	metrics *Metrics
}

func NewRecorder(b *bus.Bus, m *Metrics) *Recorder {
	return &Recorder{bus: b, metrics: m}
}

// Run consumes events until ctx is canceled.
func (r *Recorder) Run(ctx context.Context) {
	sub := r.bus.Subscribe("")
	defer r.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			r.record(ctx, ev)
		}
	}
}

func (r *Recorder) record(ctx context.Context, ev bus.Event) {
	switch ev.Topic {
	case bus.TopicItemClaimed:
		se, ok := ev.Payload.(bus.StageEvent)
		if !ok {
			return
		}
		attrs := metric.WithAttributes(attribute.String("stage", se.Stage))
		r.metrics.AttemptsTotal.Add(ctx, 1, attrs)
		r.metrics.InFlight.Add(ctx, 1, attrs)
	case bus.TopicItemAdvanced, bus.TopicItemDone:
		se, ok := ev.Payload.(bus.StageEvent)
		if !ok {
			return
		}
		r.metrics.InFlight.Add(ctx, -1, metric.WithAttributes(attribute.String("stage", se.Stage)))
	case bus.TopicItemRequeued:
		se, ok := ev.Payload.(bus.StageEvent)
		if !ok {
			return
		}
		attrs := metric.WithAttributes(
			attribute.String("stage", se.Stage),
			attribute.String("reason", se.Reason),
		)
		r.metrics.AttemptFailures.Add(ctx, 1, attrs)
		r.metrics.InFlight.Add(ctx, -1, metric.WithAttributes(attribute.String("stage", se.Stage)))
	case bus.TopicItemDeadLetter:
		se, ok := ev.Payload.(bus.StageEvent)
		if !ok {
			return
		}
		attrs := metric.WithAttributes(attribute.String("stage", se.Stage))
		r.metrics.AttemptFailures.Add(ctx, 1, attrs)
		r.metrics.DeadLetters.Add(ctx, 1, attrs)
		r.metrics.InFlight.Add(ctx, -1, attrs)
	case bus.TopicLeaseReclaimed:
		se, ok := ev.Payload.(bus.StageEvent)
		if !ok {
			return
		}
		attrs := metric.WithAttributes(attribute.String("stage", se.Stage))
		r.metrics.LeaseReclaims.Add(ctx, 1, attrs)
		r.metrics.InFlight.Add(ctx, -1, attrs)
	case bus.TopicAgentRestarted:
		ae, ok := ev.Payload.(bus.AgentEvent)
		if !ok {
			return
		}
		r.metrics.AgentRestarts.Add(ctx, 1, metric.WithAttributes(attribute.String("role", ae.Role)))
	case bus.TopicProviderUsage:
		ue, ok := ev.Payload.(bus.UsageEvent)
		if !ok {
			return
		}
		attrs := metric.WithAttributes(
			attribute.String("role", ue.Role),
			attribute.String("stage", ue.Stage),
		)
		if total := ue.InputTokens + ue.OutputTokens; total > 0 {
			r.metrics.TokensUsed.Add(ctx, int64(total), attrs)
		}
		if ue.CostUSD > 0 {
			r.metrics.CostUSD.Add(ctx, ue.CostUSD, attrs)
		}
		if ue.ProviderSeconds > 0 {
			r.metrics.ProviderDuration.Record(ctx, ue.ProviderSeconds, attrs)
		}
		if ue.AttemptSeconds > 0 {
			r.metrics.AttemptDuration.Record(ctx, ue.AttemptSeconds, attrs)
		}
	case bus.TopicMetricsSnapshot:
		type snapshot interface {
			QueueDepths() map[string]int
		}
		if snap, ok := ev.Payload.(snapshot); ok {
			for stage, depth := range snap.QueueDepths() {
				r.metrics.QueueDepth.Record(ctx, int64(depth),
					metric.WithAttributes(attribute.String("stage", stage)))
			}
		}
	}
}
