package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/basket/foundry/internal/store"
)

func TestAgents_LifecycleAndStaleness(t *testing.T) {
	s := openTestStore(t, store.Options{})
	ctx := context.Background()

	if err := s.UpsertAgent(ctx, "dev-1", "developer"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.Heartbeat(ctx, "dev-1", "w1"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	agents, err := s.Agents(ctx)
	if err != nil {
		t.Fatalf("agents: %v", err)
	}
	if len(agents) != 1 || agents[0].CurrentItemID != "w1" || agents[0].Status != store.AgentLive {
		t.Fatalf("unexpected agent record %+v", agents)
	}

	// A fresh heartbeat keeps the agent out of the stale set.
	stale, err := s.StaleAgents(ctx, time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("stale: %v", err)
	}
	if len(stale) != 0 {
		t.Fatalf("expected no stale agents, got %+v", stale)
	}

	// A cutoff in the future catches it.
	stale, err = s.StaleAgents(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("stale: %v", err)
	}
	if len(stale) != 1 {
		t.Fatalf("expected 1 stale agent, got %d", len(stale))
	}

	// Degrading an agent must not hide it from the supervisor: a worker
	// flagged by the lease reclaimer still needs a restart once its
	// heartbeats stop.
	if err := s.MarkDegraded(ctx, "dev-1"); err != nil {
		t.Fatalf("degrade: %v", err)
	}
	stale, err = s.StaleAgents(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("stale: %v", err)
	}
	if len(stale) != 1 || stale[0].Status != store.AgentDegraded {
		t.Fatalf("degraded agent must stay in the stale set, got %+v", stale)
	}

	// A stopped agent was shut down on purpose and does leave the set.
	if _, err := s.DB().ExecContext(ctx, `
		UPDATE agents SET status = ? WHERE agent_id = 'dev-1';
	`, store.AgentStopped); err != nil {
		t.Fatalf("stop agent: %v", err)
	}
	stale, err = s.StaleAgents(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("stale: %v", err)
	}
	if len(stale) != 0 {
		t.Fatalf("stopped agent must leave the stale set, got %+v", stale)
	}

	count, err := s.IncrementRestart(ctx, "dev-1")
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected restart count 1, got %d", count)
	}

	// Re-registration after restart keeps the counter.
	if err := s.UpsertAgent(ctx, "dev-1", "developer"); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	agents, err = s.Agents(ctx)
	if err != nil {
		t.Fatalf("agents: %v", err)
	}
	if agents[0].RestartCount != 1 {
		t.Fatalf("expected restart count preserved, got %d", agents[0].RestartCount)
	}
}

func TestHeartbeat_UnknownAgent(t *testing.T) {
	s := openTestStore(t, store.Options{})
	if err := s.Heartbeat(context.Background(), "ghost", ""); err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
