package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/foundry/internal/bus"
	"github.com/basket/foundry/internal/provider"
	"github.com/basket/foundry/internal/store"
)

const oracleSystemPrompt = "You answer clarification questions from pipeline workers. Be specific and decisive; a short concrete answer beats a thorough hedge. Answer in plain text."

// Oracle drains the pending question queue. It claims no work items; its
// only writes are answers, so a slow oracle degrades workers to their
// fallback behavior instead of blocking the pipeline.
type Oracle struct {
	ID           string
	PollInterval time.Duration
	// HeartbeatInterval paces liveness writes while a provider call is
	// in flight, so a long generation does not read as a crash.
	HeartbeatInterval time.Duration

	store    *store.Store
	bus      *bus.Bus
	provider provider.Provider
	logger   *slog.Logger
}

func NewOracle(id string, st *store.Store, b *bus.Bus, p provider.Provider, logger *slog.Logger) *Oracle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Oracle{
		ID:                id,
		PollInterval:      200 * time.Millisecond,
		HeartbeatInterval: 5 * time.Second,
		store:             st,
		bus:               b,
		provider:          p,
		logger:            logger.With("agent_id", id, "role", RoleOracle),
	}
}

// Run answers pending questions until ctx is canceled.
func (o *Oracle) Run(ctx context.Context) error {
	if err := o.store.UpsertAgent(ctx, o.ID, RoleOracle); err != nil {
		return fmt.Errorf("register oracle: %w", err)
	}
	o.logger.Info("oracle started")

	ticker := time.NewTicker(o.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("oracle stopped")
			return ctx.Err()
		case <-ticker.C:
		}

		q, err := o.store.NextPendingQuestion(ctx)
		if errors.Is(err, store.ErrNotFound) {
			if hbErr := o.store.Heartbeat(ctx, o.ID, ""); hbErr != nil && ctx.Err() == nil {
				o.logger.Warn("idle heartbeat failed", "error", hbErr)
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.logger.Error("poll questions failed", "error", err)
			continue
		}
		o.answer(ctx, q)
	}
}

func (o *Oracle) answer(ctx context.Context, q *store.Question) {
	logger := o.logger.With("correlation_id", q.CorrelationID, "asker", q.AskerID)

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go o.heartbeat(heartbeatCtx)

	resp, err := o.provider.Generate(ctx, provider.Request{
		System: oracleSystemPrompt,
		Prompt: q.Payload,
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.Warn("oracle generation failed", "error", err)
		// Leave the question pending; the asker's timeout bounds the wait.
		return
	}

	err = o.store.AnswerQuestion(ctx, q.CorrelationID, resp.Text)
	if errors.Is(err, store.ErrConflict) {
		// The asker already timed out and applied its fallback.
		logger.Info("answer arrived late, question expired")
		return
	}
	if err != nil {
		logger.Error("record answer failed", "error", err)
		return
	}
	if o.bus != nil {
		o.bus.Publish(bus.TopicQuestionAnswer, bus.StageEvent{AgentID: o.ID, Reason: q.CorrelationID})
	}
	logger.Info("question answered")
}

// heartbeat keeps the agent record fresh for the duration of one answer.
func (o *Oracle) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(o.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.store.Heartbeat(ctx, o.ID, ""); err != nil && ctx.Err() == nil {
				o.logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}
