// Package worker runs the stateless role loops that drain stage queues.
// A worker owns no state beyond its current claim; everything it knows
// about an item comes from the store, and everything it decides goes back
// into the store before the claim is released.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/foundry/internal/bus"
	"github.com/basket/foundry/internal/evidence"
	"github.com/basket/foundry/internal/provider"
	"github.com/basket/foundry/internal/store"
)

// Role names and their stage bindings.
const (
	RoleDeveloper  = "developer"
	RoleValidator  = "validator"
	RoleIntegrator = "integrator"
	RoleOracle     = "oracle"
)

// StageForRole maps a worker role to the queue it drains.
func StageForRole(role string) (store.Stage, error) {
	switch role {
	case RoleDeveloper:
		return store.StageDev, nil
	case RoleValidator:
		return store.StageValidation, nil
	case RoleIntegrator:
		return store.StageIntegration, nil
	}
	return "", fmt.Errorf("role %q has no stage queue", role)
}

// Options tunes one worker instance.
type Options struct {
	ID                string
	Role              string
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	AttemptTimeout    time.Duration
	// Rules are the stage acceptance predicates applied to evidence.
	Rules []evidence.Predicate
	// OracleTimeout bounds how long a blocked attempt waits for an answer.
	OracleTimeout time.Duration
	// Fallbacks maps a question kind to the answer applied on oracle
	// timeout; the "default" entry covers unlisted kinds.
	Fallbacks map[string]string
	// CostPer1K prices provider usage in USD per thousand tokens.
	CostPer1K float64
}

// kindEscalation is the question kind workers file with the oracle.
const kindEscalation = "escalation"

// Worker is one role-bound agent draining a single stage queue.
type Worker struct {
	opts     Options
	stage    store.Stage
	store    *store.Store
	bus      *bus.Bus
	provider provider.Provider
	logger   *slog.Logger
}

// New builds a worker. The provider is required for every role.
func New(opts Options, st *store.Store, b *bus.Bus, p provider.Provider, logger *slog.Logger) (*Worker, error) {
	stage, err := StageForRole(opts.Role)
	if err != nil {
		return nil, err
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 5 * time.Second
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 5 * time.Minute
	}
	if opts.OracleTimeout <= 0 {
		opts.OracleTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		opts:     opts,
		stage:    stage,
		store:    st,
		bus:      b,
		provider: p,
		logger:   logger.With("agent_id", opts.ID, "role", opts.Role),
	}, nil
}

// Run drains the worker's stage queue until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.store.UpsertAgent(ctx, w.opts.ID, w.opts.Role); err != nil {
		return fmt.Errorf("register agent: %w", err)
	}
	w.logger.Info("worker started", "stage", string(w.stage))

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopped")
			return ctx.Err()
		case <-ticker.C:
		}

		claim, err := w.store.Claim(ctx, w.stage, w.opts.ID)
		if errors.Is(err, store.ErrNotFound) {
			if hbErr := w.store.Heartbeat(ctx, w.opts.ID, ""); hbErr != nil && ctx.Err() == nil {
				w.logger.Warn("idle heartbeat failed", "error", hbErr)
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("claim failed", "error", err)
			continue
		}
		w.process(ctx, claim)
	}
}

// process runs one attempt end to end. Every outcome is written back
// under the claim's lease token; a stale token turns each write into a
// no-op conflict, which keeps a slow worker from corrupting a reclaimed
// item.
func (w *Worker) process(ctx context.Context, claim *store.Claim) {
	item := claim.Item
	logger := w.logger.With("item_id", item.ID, "stage", string(item.Stage), "attempt", item.Attempt)
	logger.Info("attempt started")

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go w.heartbeat(heartbeatCtx, claim)

	attemptCtx, cancel := context.WithTimeout(ctx, w.opts.AttemptTimeout)
	defer cancel()

	start := time.Now()
	var u usage
	verdict, facts, err := w.attempt(attemptCtx, &item, &u)
	if ctx.Err() == nil {
		w.publishUsage(&item, u, time.Since(start))
	}
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown mid-attempt: leave the lease to expire and the
			// reclaimer to requeue.
			logger.Info("attempt abandoned on shutdown")
			return
		}
		logger.Warn("attempt errored", "error", err)
		w.settleFailure(ctx, claim, store.ReasonProviderError, logger)
		return
	}

	if len(facts) > 0 {
		if err := w.store.RecordEvidence(ctx, item.ID, item.Stage, item.Attempt, facts); err != nil {
			logger.Error("record evidence failed", "error", err)
		}
	}

	if !verdict.Passed {
		logger.Info("evidence rejected", "shortfall", verdict.Reason())
		w.settleFailure(ctx, claim, store.ReasonEvidenceRejected, logger)
		return
	}

	next, ok := store.NextStage(item.Stage)
	if !ok {
		logger.Error("no next stage", "stage", string(item.Stage))
		return
	}
	var ackErr error
	if next == store.StageDone {
		ackErr = w.store.Complete(ctx, item.ID, claim.LeaseToken)
	} else {
		ackErr = w.store.Advance(ctx, item.ID, claim.LeaseToken, next)
	}
	if errors.Is(ackErr, store.ErrConflict) {
		logger.Info("ack discarded, lease was reclaimed")
		return
	}
	if ackErr != nil {
		logger.Error("ack failed", "error", ackErr)
		return
	}
	logger.Info("attempt passed", "next_stage", string(next))
}

func (w *Worker) settleFailure(ctx context.Context, claim *store.Claim, reason string, logger *slog.Logger) {
	decision, err := w.store.FailAttempt(ctx, claim.Item.ID, claim.LeaseToken, reason)
	if errors.Is(err, store.ErrConflict) {
		logger.Info("failure ack discarded, lease was reclaimed")
		return
	}
	if err != nil {
		logger.Error("failure ack failed", "error", err)
		return
	}
	if decision.Outcome == store.OutcomeDeadLetter {
		logger.Warn("item dead-lettered", "reason", reason, "attempt", decision.Attempt)
	} else {
		logger.Info("item requeued", "reason", reason, "attempt", decision.Attempt,
			"available_at", decision.AvailableAt)
	}
}

// usage accumulates provider spend across the round trips of one attempt.
type usage struct {
	inputTokens     int
	outputTokens    int
	providerSeconds float64
}

func (u *usage) add(resp *provider.Response) {
	if resp == nil {
		return
	}
	u.inputTokens += resp.InputTokens
	u.outputTokens += resp.OutputTokens
	u.providerSeconds += resp.Duration.Seconds()
}

// publishUsage reports one attempt's provider spend on the bus. Failed
// attempts report too; tokens burned on a rejection still cost money.
func (w *Worker) publishUsage(item *store.WorkItem, u usage, elapsed time.Duration) {
	if w.bus == nil {
		return
	}
	w.bus.Publish(bus.TopicProviderUsage, bus.UsageEvent{
		ItemID:          item.ID,
		AgentID:         w.opts.ID,
		Role:            w.opts.Role,
		Stage:           string(item.Stage),
		InputTokens:     u.inputTokens,
		OutputTokens:    u.outputTokens,
		CostUSD:         float64(u.inputTokens+u.outputTokens) / 1000 * w.opts.CostPer1K,
		ProviderSeconds: u.providerSeconds,
		AttemptSeconds:  elapsed.Seconds(),
	})
}

// attempt performs the provider round trips for one claim and returns the
// verdict plus the facts to record. A second round trip happens only when
// the backend escalates to the oracle.
func (w *Worker) attempt(ctx context.Context, item *store.WorkItem, u *usage) (evidence.Verdict, []store.Fact, error) {
	req := provider.Request{
		System: SystemPrompt(w.opts.Role, w.opts.Rules),
		Prompt: AttemptPrompt(item),
	}
	resp, err := w.provider.Generate(ctx, req)
	u.add(resp)
	if err != nil {
		return evidence.Verdict{}, nil, err
	}

	facts := evidence.Parse(resp.Text)
	idx := evidence.Index(facts)

	if question := idx["oracle_question"]; question != "" {
		answer, timedOut := w.askOracle(ctx, item.ID, question)
		if timedOut {
			facts = append(facts, store.Fact{Seq: len(facts), Key: "oracle_timeout", Value: "true"})
		}
		req.Prompt = ResumePrompt(item, question, answer)
		resp, err = w.provider.Generate(ctx, req)
		u.add(resp)
		if err != nil {
			return evidence.Verdict{}, facts, err
		}
		resumed := evidence.Parse(resp.Text)
		for _, f := range resumed {
			facts = append(facts, store.Fact{Seq: len(facts), Key: f.Key, Value: f.Value})
		}
		idx = evidence.Index(facts)
	}

	return evidence.Evaluate(w.opts.Rules, idx), facts, nil
}

// fallbackFor picks the configured fallback answer for a question kind,
// falling through to the "default" entry and then the built-in answer.
func (w *Worker) fallbackFor(kind string) string {
	if v := w.opts.Fallbacks[kind]; v != "" {
		return v
	}
	if v := w.opts.Fallbacks["default"]; v != "" {
		return v
	}
	return FallbackAnswer
}

// askOracle files a question and waits for an answer up to the oracle
// timeout. On timeout the question is expired and the configured
// fallback applies; a late answer stays unread.
func (w *Worker) askOracle(ctx context.Context, itemID, question string) (answer string, timedOut bool) {
	correlationID, err := w.store.CreateQuestion(ctx, w.opts.ID, kindEscalation, question)
	if err != nil {
		w.logger.Error("create question failed", "error", err, "item_id", itemID)
		return w.fallbackFor(kindEscalation), true
	}
	if w.bus != nil {
		w.bus.Publish(bus.TopicQuestionAsked, bus.StageEvent{ItemID: itemID, AgentID: w.opts.ID})
	}

	deadline := time.NewTimer(w.opts.OracleTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(200 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = w.store.ExpireQuestion(context.WithoutCancel(ctx), correlationID)
			return w.fallbackFor(kindEscalation), true
		case <-deadline.C:
			_ = w.store.ExpireQuestion(ctx, correlationID)
			w.logger.Warn("oracle timeout, applying fallback", "item_id", itemID, "correlation_id", correlationID)
			return w.fallbackFor(kindEscalation), true
		case <-poll.C:
			q, err := w.store.GetQuestion(ctx, correlationID)
			if err != nil {
				continue
			}
			if q.State == store.QuestionAnswered {
				return q.Answer, false
			}
		}
	}
}

// heartbeat extends the lease and refreshes the agent record until the
// claim settles.
func (w *Worker) heartbeat(ctx context.Context, claim *store.Claim) {
	ticker := time.NewTicker(w.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.store.ExtendLease(ctx, claim.Item.ID, claim.LeaseToken); err != nil {
				if !errors.Is(err, context.Canceled) {
					w.logger.Debug("lease extension refused", "item_id", claim.Item.ID, "error", err)
				}
				return
			}
			if err := w.store.Heartbeat(ctx, w.opts.ID, claim.Item.ID); err == nil && w.bus != nil {
				w.bus.Publish(bus.TopicAgentHeartbeat, bus.AgentEvent{AgentID: w.opts.ID, Role: w.opts.Role})
			}
		}
	}
}
