package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Runner is anything with a blocking Run loop; both Worker and Oracle
// satisfy it.
type Runner interface {
	Run(ctx context.Context) error
}

// Factory builds a fresh runner for an agent id and role. The pool calls
// it at startup and again on every supervisor restart, which is what
// makes agents stateless: a replacement shares nothing with its
// predecessor but the id.
type Factory func(id, role string) (Runner, error)

// Pool runs a fleet of role agents and replaces them on demand.
type Pool struct {
	factory Factory
	logger  *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func NewPool(factory Factory, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		factory: factory,
		logger:  logger.With("component", "pool"),
		cancels: map[string]context.CancelFunc{},
	}
}

// Start launches count agents per role entry, named role-1..role-n.
func (p *Pool) Start(ctx context.Context, roles map[string]int) error {
	p.mu.Lock()
	p.ctx = ctx
	p.mu.Unlock()

	for role, count := range roles {
		for i := 1; i <= count; i++ {
			id := fmt.Sprintf("%s-%d", role, i)
			if err := p.launch(ctx, id, role); err != nil {
				return err
			}
		}
	}
	return nil
}

// Restart replaces one agent with a fresh instance under the same id.
func (p *Pool) Restart(ctx context.Context, agentID, role string) error {
	p.mu.Lock()
	parent := p.ctx
	if cancel, ok := p.cancels[agentID]; ok {
		cancel()
		delete(p.cancels, agentID)
	}
	p.mu.Unlock()

	if parent == nil {
		return fmt.Errorf("pool not started")
	}
	if parent.Err() != nil {
		return parent.Err()
	}
	p.logger.Info("replacing agent", "agent_id", agentID, "role", role)
	return p.launch(parent, agentID, role)
}

// Wait blocks until every agent loop has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) launch(parent context.Context, id, role string) error {
	runner, err := p.factory(id, role)
	if err != nil {
		return fmt.Errorf("build agent %s: %w", id, err)
	}

	ctx, cancel := context.WithCancel(parent)
	p.mu.Lock()
	p.cancels[id] = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := runner.Run(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("agent exited unexpectedly", "agent_id", id, "error", err)
		}
	}()
	return nil
}
