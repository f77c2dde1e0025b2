package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/basket/foundry/internal/store"
)

func TestQuestions_AskAnswerRoundTrip(t *testing.T) {
	s := openTestStore(t, store.Options{})
	ctx := context.Background()

	id, err := s.CreateQuestion(ctx, "dev-1", "clarification", `{"question":"which schema?"}`)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	q, err := s.NextPendingQuestion(ctx)
	if err != nil {
		t.Fatalf("next pending: %v", err)
	}
	if q.CorrelationID != id || q.AskerID != "dev-1" {
		t.Fatalf("unexpected question %+v", q)
	}

	if err := s.AnswerQuestion(ctx, id, "use schema v2"); err != nil {
		t.Fatalf("answer: %v", err)
	}
	q, err = s.GetQuestion(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if q.State != store.QuestionAnswered || q.Answer != "use schema v2" {
		t.Fatalf("unexpected answered state %+v", q)
	}
	if q.AnsweredAt == nil {
		t.Fatal("expected answered_at set")
	}

	if _, err := s.NextPendingQuestion(ctx); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected empty pending set, got %v", err)
	}
}

func TestQuestions_LateAnswerAfterExpiryIsConflict(t *testing.T) {
	s := openTestStore(t, store.Options{})
	ctx := context.Background()

	id, err := s.CreateQuestion(ctx, "dev-1", "default", "{}")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// The asker timed out and applied its fallback.
	if err := s.ExpireQuestion(ctx, id); err != nil {
		t.Fatalf("expire: %v", err)
	}

	// The oracle's late answer must not resurrect the question.
	if err := s.AnswerQuestion(ctx, id, "too late"); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	q, err := s.GetQuestion(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if q.State != store.QuestionExpired || q.Answer != "" {
		t.Fatalf("expected expired unanswered question, got %+v", q)
	}
}

func TestQuestions_PendingFIFO(t *testing.T) {
	s := openTestStore(t, store.Options{})
	ctx := context.Background()

	first, err := s.CreateQuestion(ctx, "dev-1", "default", "a")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.CreateQuestion(ctx, "dev-2", "default", "b"); err != nil {
		t.Fatalf("create: %v", err)
	}

	q, err := s.NextPendingQuestion(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if q.CorrelationID != first {
		t.Fatalf("expected oldest question first, got %s", q.CorrelationID)
	}
}
