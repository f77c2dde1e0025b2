package orchestrator_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/foundry/internal/bus"
	"github.com/basket/foundry/internal/orchestrator"
	"github.com/basket/foundry/internal/store"
)

func openTestStore(t *testing.T, opts store.Options) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "foundry.db"), bus.New(), opts)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type recordingRestarter struct {
	mu       sync.Mutex
	restarts []string
}

func (r *recordingRestarter) Restart(ctx context.Context, agentID, role string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.restarts = append(r.restarts, agentID+"/"+role)
	return nil
}

func (r *recordingRestarter) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.restarts...)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestStart_RecoversOrphanedClaims(t *testing.T) {
	s := openTestStore(t, store.Options{LeaseDuration: time.Hour})
	ctx := context.Background()

	if _, err := s.Put(ctx, "w1", "{}", store.StageDev); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := s.Claim(ctx, store.StageDev, "dead-agent"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	o := orchestrator.New(orchestrator.Options{
		ReclaimInterval: time.Hour,
		MetricsInterval: time.Hour,
	}, s, bus.New(), nil, nil)
	if err := o.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer o.Stop()

	item, err := s.Get(ctx, "w1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if item.Status != store.StatusQueued {
		t.Fatalf("expected orphan requeued on startup, got %s", item.Status)
	}
}

func TestReclaimLoop_RequeuesExpiredLeases(t *testing.T) {
	s := openTestStore(t, store.Options{LeaseDuration: 20 * time.Millisecond})
	ctx := context.Background()

	o := orchestrator.New(orchestrator.Options{
		ReclaimInterval: 15 * time.Millisecond,
		MetricsInterval: time.Hour,
	}, s, bus.New(), nil, nil)
	if err := o.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer o.Stop()

	if _, err := s.Put(ctx, "w1", "{}", store.StageDev); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := s.Claim(ctx, store.StageDev, "crashed-agent"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		item, err := s.Get(ctx, "w1")
		return err == nil && item.Status == store.StatusQueued
	})
}

func TestSupervisor_RestartsSilentAgent(t *testing.T) {
	s := openTestStore(t, store.Options{})
	ctx := context.Background()

	if err := s.UpsertAgent(ctx, "dev-1", "developer"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	// Backdate the heartbeat far past the missed-heartbeat cutoff.
	if _, err := s.DB().ExecContext(ctx, `
		UPDATE agents SET last_heartbeat = datetime('now', '-1 hour') WHERE agent_id = 'dev-1';
	`); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	restarter := &recordingRestarter{}
	b := bus.New()
	sub := b.Subscribe(bus.TopicAgentRestarted)
	defer b.Unsubscribe(sub)

	o := orchestrator.New(orchestrator.Options{
		ReclaimInterval:     time.Hour,
		MetricsInterval:     time.Hour,
		HeartbeatInterval:   15 * time.Millisecond,
		MaxMissedHeartbeats: 3,
	}, s, b, restarter, nil)
	if err := o.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer o.Stop()

	waitFor(t, 5*time.Second, func() bool {
		return len(restarter.list()) > 0
	})
	if restarter.list()[0] != "dev-1/developer" {
		t.Fatalf("unexpected restart target %v", restarter.list())
	}

	agents, err := s.Agents(ctx)
	if err != nil {
		t.Fatalf("agents: %v", err)
	}
	if agents[0].RestartCount < 1 {
		t.Fatalf("expected restart counted, got %+v", agents[0])
	}

	select {
	case ev := <-sub.Ch():
		if ev.Topic != bus.TopicAgentRestarted {
			t.Fatalf("unexpected topic %s", ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("expected restart event on bus")
	}
}

func TestSupervisor_RestartsAgentDegradedByReclaim(t *testing.T) {
	s := openTestStore(t, store.Options{LeaseDuration: 20 * time.Millisecond})
	ctx := context.Background()

	if err := s.UpsertAgent(ctx, "dev-1", "developer"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := s.Put(ctx, "w1", "{}", store.StageDev); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := s.Claim(ctx, store.StageDev, "dev-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// The worker goes silent holding its claim. The reclaimer takes the
	// lease back and flags the agent.
	time.Sleep(40 * time.Millisecond)
	if _, err := s.ReclaimExpiredLeases(ctx); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	agents, err := s.Agents(ctx)
	if err != nil {
		t.Fatalf("agents: %v", err)
	}
	if len(agents) != 1 || agents[0].Status != store.AgentDegraded {
		t.Fatalf("expected degraded lease owner, got %+v", agents)
	}
	if _, err := s.DB().ExecContext(ctx, `
		UPDATE agents SET last_heartbeat = datetime('now', '-1 hour') WHERE agent_id = 'dev-1';
	`); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	// The supervisor must still see the already-degraded agent and
	// replace it.
	restarter := &recordingRestarter{}
	o := orchestrator.New(orchestrator.Options{
		ReclaimInterval:     time.Hour,
		MetricsInterval:     time.Hour,
		HeartbeatInterval:   15 * time.Millisecond,
		MaxMissedHeartbeats: 3,
	}, s, bus.New(), restarter, nil)
	if err := o.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer o.Stop()

	waitFor(t, 5*time.Second, func() bool {
		return len(restarter.list()) > 0
	})
	if restarter.list()[0] != "dev-1/developer" {
		t.Fatalf("unexpected restart target %v", restarter.list())
	}
}

func TestSupervisor_FreshHeartbeatNotRestarted(t *testing.T) {
	s := openTestStore(t, store.Options{})
	ctx := context.Background()

	if err := s.UpsertAgent(ctx, "dev-1", "developer"); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	restarter := &recordingRestarter{}
	o := orchestrator.New(orchestrator.Options{
		ReclaimInterval:     time.Hour,
		MetricsInterval:     time.Hour,
		HeartbeatInterval:   10 * time.Millisecond,
		MaxMissedHeartbeats: 100,
	}, s, bus.New(), restarter, nil)
	if err := o.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer o.Stop()

	time.Sleep(100 * time.Millisecond)
	if n := len(restarter.list()); n != 0 {
		t.Fatalf("expected no restarts for a live agent, got %d", n)
	}
}

func TestCollect_SnapshotCountsStates(t *testing.T) {
	s := openTestStore(t, store.Options{})
	ctx := context.Background()

	for _, id := range []string{"w1", "w2"} {
		if _, err := s.Put(ctx, id, "{}", store.StageDev); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	if _, err := s.Claim(ctx, store.StageDev, "dev-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.UpsertAgent(ctx, "dev-1", "developer"); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	o := orchestrator.New(orchestrator.Options{}, s, bus.New(), nil, nil)
	snap, err := o.Collect(ctx)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if snap.Queued[store.StageDev] != 1 || snap.InFlight[store.StageDev] != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if len(snap.Agents) != 1 {
		t.Fatalf("expected 1 agent in snapshot, got %d", len(snap.Agents))
	}
}

func TestSweep_PurgesBeyondRetention(t *testing.T) {
	s := openTestStore(t, store.Options{})
	ctx := context.Background()

	if _, err := s.Put(ctx, "w1", "{}", store.StageDev); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.RecordEvidence(ctx, "w1", store.StageDev, 0, []store.Fact{{Key: "k", Value: "v"}}); err != nil {
		t.Fatalf("record: %v", err)
	}

	// A negative retention sweeps everything.
	o := orchestrator.New(orchestrator.Options{
		EvidenceRetention: -time.Hour,
		EventRetention:    -time.Hour,
	}, s, bus.New(), nil, nil)
	o.Sweep(ctx)

	facts, err := s.LatestEvidence(ctx, "w1", store.StageDev)
	if err != nil {
		t.Fatalf("evidence: %v", err)
	}
	if len(facts) != 0 {
		t.Fatalf("expected evidence purged, got %+v", facts)
	}
	events, err := s.Events(ctx, "w1")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected events purged, got %+v", events)
	}
}
