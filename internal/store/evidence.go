package store

import (
	"context"
	"fmt"
	"time"
)

// Fact is one key/value evidence claim recorded for an attempt.
type Fact struct {
	Seq        int       `json:"seq"`
	Key        string    `json:"key"`
	Value      string    `json:"value"`
	RecordedAt time.Time `json:"recorded_at"`
}

// AttemptEvidence groups the facts recorded by one attempt at one stage.
type AttemptEvidence struct {
	Stage   Stage  `json:"stage"`
	Attempt int    `json:"attempt"`
	Facts   []Fact `json:"facts"`
}

// RecordEvidence persists the ordered facts of one attempt. Facts keep
// their input order via the seq column so later reads reproduce the
// evidence exactly as it was asserted.
func (s *Store) RecordEvidence(ctx context.Context, itemID string, stage Stage, attempt int, facts []Fact) error {
	if len(facts) == 0 {
		return nil
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin evidence tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for i, f := range facts {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO evidence (item_id, stage, attempt, seq, key, value)
				VALUES (?, ?, ?, ?, ?, ?);
			`, itemID, string(stage), attempt, i, f.Key, f.Value); err != nil {
				return fmt.Errorf("insert evidence fact: %w", err)
			}
		}
		return tx.Commit()
	})
}

// EvidenceHistory returns all recorded evidence for an item grouped by
// stage and attempt, oldest attempt first, facts in recorded order.
func (s *Store) EvidenceHistory(ctx context.Context, itemID string) ([]AttemptEvidence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stage, attempt, seq, key, value, recorded_at
		FROM evidence WHERE item_id = ?
		ORDER BY id ASC;
	`, itemID)
	if err != nil {
		return nil, fmt.Errorf("query evidence: %w", err)
	}
	defer rows.Close()

	var history []AttemptEvidence
	for rows.Next() {
		var (
			stage   string
			attempt int
			f       Fact
		)
		if err := rows.Scan(&stage, &attempt, &f.Seq, &f.Key, &f.Value, &f.RecordedAt); err != nil {
			return nil, err
		}
		n := len(history)
		if n == 0 || history[n-1].Stage != Stage(stage) || history[n-1].Attempt != attempt {
			history = append(history, AttemptEvidence{Stage: Stage(stage), Attempt: attempt})
			n++
		}
		history[n-1].Facts = append(history[n-1].Facts, f)
	}
	return history, rows.Err()
}

// LatestEvidence returns the facts of the most recent attempt at stage.
func (s *Store) LatestEvidence(ctx context.Context, itemID string, stage Stage) ([]Fact, error) {
	history, err := s.EvidenceHistory(ctx, itemID)
	if err != nil {
		return nil, err
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Stage == stage {
			return history[i].Facts, nil
		}
	}
	return nil, nil
}

// PurgeEvidence deletes evidence older than the retention horizon.
func (s *Store) PurgeEvidence(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, `DELETE FROM evidence WHERE recorded_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge evidence: %w", err)
	}
	return res.RowsAffected()
}
