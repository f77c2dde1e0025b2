// Package orchestrator runs the background control loops that keep the
// pipeline healthy: reclaiming expired leases, supervising worker agents,
// publishing metrics snapshots, and sweeping retention.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/foundry/internal/bus"
	"github.com/basket/foundry/internal/store"
	"github.com/robfig/cron/v3"
)

// Options tunes the control loops.
type Options struct {
	ReclaimInterval   time.Duration
	MetricsInterval   time.Duration
	HeartbeatInterval time.Duration
	// MaxMissedHeartbeats is how many intervals an agent may go silent
	// before the supervisor declares it degraded and restarts it.
	MaxMissedHeartbeats int
	// MaintenanceSpec is a cron expression for the retention sweep.
	MaintenanceSpec    string
	EvidenceRetention  time.Duration
	EventRetention     time.Duration
}

// Restarter replaces a degraded agent with a fresh instance.
type Restarter interface {
	Restart(ctx context.Context, agentID, role string) error
}

// Orchestrator owns the background loops. Start launches them; Stop
// waits for them to drain.
type Orchestrator struct {
	opts   Options
	store  *store.Store
	bus    *bus.Bus
	logger *slog.Logger

	restarter Restarter
	cron      *cron.Cron
	wg        sync.WaitGroup
	cancel    context.CancelFunc
}

func New(opts Options, st *store.Store, b *bus.Bus, restarter Restarter, logger *slog.Logger) *Orchestrator {
	if opts.ReclaimInterval <= 0 {
		opts.ReclaimInterval = 5 * time.Second
	}
	if opts.MetricsInterval <= 0 {
		opts.MetricsInterval = 10 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 5 * time.Second
	}
	if opts.MaxMissedHeartbeats <= 0 {
		opts.MaxMissedHeartbeats = 3
	}
	if opts.EvidenceRetention == 0 {
		opts.EvidenceRetention = 90 * 24 * time.Hour
	}
	if opts.EventRetention == 0 {
		opts.EventRetention = 90 * 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		opts:      opts,
		store:     st,
		bus:       b,
		restarter: restarter,
		logger:    logger.With("component", "orchestrator"),
	}
}

// Start recovers orphaned claims, then launches the control loops.
func (o *Orchestrator) Start(ctx context.Context) error {
	recovered, err := o.store.RecoverInFlight(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		o.logger.Info("recovered in-flight items from previous run", "count", recovered)
	}

	ctx, o.cancel = context.WithCancel(ctx)

	o.wg.Add(3)
	go o.reclaimLoop(ctx)
	go o.superviseLoop(ctx)
	go o.metricsLoop(ctx)

	if o.opts.MaintenanceSpec != "" {
		o.cron = cron.New()
		_, err := o.cron.AddFunc(o.opts.MaintenanceSpec, func() {
			o.Sweep(context.Background())
		})
		if err != nil {
			o.logger.Error("invalid maintenance schedule", "spec", o.opts.MaintenanceSpec, "error", err)
		} else {
			o.cron.Start()
		}
	}
	return nil
}

// Stop cancels the loops and waits for them.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	if o.cron != nil {
		<-o.cron.Stop().Done()
	}
	o.wg.Wait()
}

func (o *Orchestrator) reclaimLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.opts.ReclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := o.store.ReclaimExpiredLeases(ctx)
		if err != nil {
			if ctx.Err() == nil {
				o.logger.Error("lease reclaim failed", "error", err)
			}
			continue
		}
		if n > 0 {
			o.logger.Warn("reclaimed expired leases", "count", n)
		}
	}
}

// superviseLoop restarts agents whose heartbeats went silent. The items
// such agents held are not touched here; their leases expire on their own
// and the reclaim loop requeues them.
func (o *Orchestrator) superviseLoop(ctx context.Context) {
	defer o.wg.Done()
	interval := o.opts.HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cutoff := time.Now().UTC().Add(-time.Duration(o.opts.MaxMissedHeartbeats) * interval)
		stale, err := o.store.StaleAgents(ctx, cutoff)
		if err != nil {
			if ctx.Err() == nil {
				o.logger.Error("stale agent query failed", "error", err)
			}
			continue
		}
		for _, agent := range stale {
			o.logger.Warn("agent went silent", "agent_id", agent.AgentID, "role", agent.Role,
				"last_heartbeat", agent.LastHeartbeat)
			if err := o.store.MarkDegraded(ctx, agent.AgentID); err != nil {
				o.logger.Error("mark degraded failed", "agent_id", agent.AgentID, "error", err)
				continue
			}
			if o.bus != nil {
				o.bus.Publish(bus.TopicAgentDegraded, bus.AgentEvent{
					AgentID: agent.AgentID, Role: agent.Role, Reason: "missed heartbeats",
				})
			}
			if o.restarter == nil {
				continue
			}
			count, err := o.store.IncrementRestart(ctx, agent.AgentID)
			if err != nil {
				o.logger.Error("restart bookkeeping failed", "agent_id", agent.AgentID, "error", err)
				continue
			}
			if err := o.restarter.Restart(ctx, agent.AgentID, agent.Role); err != nil {
				o.logger.Error("agent restart failed", "agent_id", agent.AgentID, "error", err)
				continue
			}
			o.logger.Info("agent restarted", "agent_id", agent.AgentID, "restart_count", count)
			if o.bus != nil {
				o.bus.Publish(bus.TopicAgentRestarted, bus.AgentEvent{
					AgentID: agent.AgentID, Role: agent.Role, RestartCount: count,
				})
			}
		}
	}
}

// Snapshot is the periodic metrics payload published on the bus and
// served by the gateway.
type Snapshot struct {
	Timestamp  time.Time           `json:"timestamp"`
	Queued     map[store.Stage]int `json:"queued"`
	InFlight   map[store.Stage]int `json:"in_flight"`
	Done       int                 `json:"done"`
	DeadLetter int                 `json:"dead_letter"`
	Agents     []store.AgentRecord `json:"agents"`
}

// QueueDepths flattens the queued counts for metric export.
func (s *Snapshot) QueueDepths() map[string]int {
	out := make(map[string]int, len(s.Queued))
	for stage, n := range s.Queued {
		out[string(stage)] = n
	}
	return out
}

// Collect builds a point-in-time snapshot.
func (o *Orchestrator) Collect(ctx context.Context) (*Snapshot, error) {
	counts, err := o.store.MetricsCounts(ctx)
	if err != nil {
		return nil, err
	}
	agents, err := o.store.Agents(ctx)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Timestamp:  time.Now().UTC(),
		Queued:     counts.Queued,
		InFlight:   counts.InFlight,
		Done:       counts.Done,
		DeadLetter: counts.DeadLetter,
		Agents:     agents,
	}, nil
}

func (o *Orchestrator) metricsLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.opts.MetricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		snap, err := o.Collect(ctx)
		if err != nil {
			if ctx.Err() == nil {
				o.logger.Error("metrics collection failed", "error", err)
			}
			continue
		}
		if o.bus != nil {
			o.bus.Publish(bus.TopicMetricsSnapshot, snap)
		}
	}
}

// Sweep applies the retention policy to evidence and stage events.
func (o *Orchestrator) Sweep(ctx context.Context) {
	evRows, err := o.store.PurgeEvidence(ctx, o.opts.EvidenceRetention)
	if err != nil {
		o.logger.Error("evidence sweep failed", "error", err)
	}
	evtRows, err := o.store.PurgeEvents(ctx, o.opts.EventRetention)
	if err != nil {
		o.logger.Error("event sweep failed", "error", err)
	}
	o.logger.Info("maintenance sweep finished", "evidence_purged", evRows, "events_purged", evtRows)
}
