package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Question states.
const (
	QuestionPending  = "PENDING"
	QuestionAnswered = "ANSWERED"
	QuestionExpired  = "EXPIRED"
)

// Question is an escalation a worker raised for the oracle.
type Question struct {
	CorrelationID string     `json:"correlation_id"`
	AskerID       string     `json:"asker_id"`
	Kind          string     `json:"kind"`
	Payload       string     `json:"payload"`
	State         string     `json:"state"`
	Answer        string     `json:"answer,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	AnsweredAt    *time.Time `json:"answered_at,omitempty"`
}

// CreateQuestion persists a pending question and returns its correlation id.
func (s *Store) CreateQuestion(ctx context.Context, askerID, kind, payload string) (string, error) {
	id := uuid.NewString()
	if kind == "" {
		kind = "default"
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO questions (correlation_id, asker_id, kind, payload)
			VALUES (?, ?, ?, ?);
		`, id, askerID, kind, payload)
		if err != nil {
			return fmt.Errorf("insert question: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// NextPendingQuestion pops the oldest unanswered question, or ErrNotFound.
func (s *Store) NextPendingQuestion(ctx context.Context) (*Question, error) {
	var q Question
	err := s.scanQuestion(s.db.QueryRowContext(ctx, `
		SELECT correlation_id, asker_id, kind, payload, state, COALESCE(answer, ''), created_at, answered_at
		FROM questions WHERE state = ? ORDER BY rowid ASC LIMIT 1;
	`, QuestionPending), &q)
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// AnswerQuestion records the oracle's answer. ErrConflict when the question
// already moved out of PENDING, which happens when the asker timed out.
func (s *Store) AnswerQuestion(ctx context.Context, correlationID, answer string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE questions SET state = ?, answer = ?, answered_at = CURRENT_TIMESTAMP
			WHERE correlation_id = ? AND state = ?;
		`, QuestionAnswered, answer, correlationID, QuestionPending)
		if err != nil {
			return fmt.Errorf("answer question: %w", err)
		}
		n, _ := res.RowsAffected()
		if n != 1 {
			return ErrConflict
		}
		return nil
	})
}

// ExpireQuestion marks a pending question expired after the asker gave up
// and applied its fallback answer. An already-answered question stays
// answered; the late answer simply goes unread.
func (s *Store) ExpireQuestion(ctx context.Context, correlationID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE questions SET state = ? WHERE correlation_id = ? AND state = ?;
		`, QuestionExpired, correlationID, QuestionPending)
		if err != nil {
			return fmt.Errorf("expire question: %w", err)
		}
		return nil
	})
}

// GetQuestion fetches a question by correlation id.
func (s *Store) GetQuestion(ctx context.Context, correlationID string) (*Question, error) {
	var q Question
	err := s.scanQuestion(s.db.QueryRowContext(ctx, `
		SELECT correlation_id, asker_id, kind, payload, state, COALESCE(answer, ''), created_at, answered_at
		FROM questions WHERE correlation_id = ?;
	`, correlationID), &q)
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func (s *Store) scanQuestion(row *sql.Row, q *Question) error {
	var answeredAt sql.NullTime
	if err := row.Scan(&q.CorrelationID, &q.AskerID, &q.Kind, &q.Payload, &q.State, &q.Answer, &q.CreatedAt, &answeredAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("scan question: %w", err)
	}
	if answeredAt.Valid {
		t := answeredAt.Time
		q.AnsweredAt = &t
	}
	return nil
}
