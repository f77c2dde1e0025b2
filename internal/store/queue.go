package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/foundry/internal/bus"
	"github.com/google/uuid"
)

// Claim is the record a worker holds while processing an item. The lease
// token is the fencing value: every ack-style call must present it, and a
// mismatch means the lease was reclaimed and the attempt is void.
type Claim struct {
	Item       WorkItem
	LeaseToken string
	AgentID    string
	ExpiresAt  time.Time
}

// Outcome describes what FailAttempt decided for a failed item.
type Outcome string

const (
	OutcomeRetried    Outcome = "RETRIED"
	OutcomeDeadLetter Outcome = "DEAD_LETTER"
)

// Decision is the result of failing an attempt.
type Decision struct {
	Outcome     Outcome
	Attempt     int
	AvailableAt time.Time
}

// Put inserts a brand-new work item queued at its initial stage. The write
// and the enqueue are one transaction so an item is never visible outside
// a queue.
func (s *Store) Put(ctx context.Context, id, payload string, stage Stage) (*WorkItem, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if stage == "" {
		stage = StageDev
	}
	if stage.Terminal() {
		return nil, fmt.Errorf("cannot enqueue at terminal stage %s", stage)
	}
	maxAttempts := s.maxAttempts(stage)

	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin put tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			INSERT INTO work_items (id, payload, stage, status, attempt, max_attempts, enqueued_at)
			SELECT ?, ?, ?, ?, 0, ?, CURRENT_TIMESTAMP
			WHERE NOT EXISTS (SELECT 1 FROM work_items WHERE id = ?);
		`, id, payload, string(stage), string(StatusQueued), maxAttempts, id)
		if err != nil {
			return fmt.Errorf("insert work item: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrAlreadyExists
		}
		if err := s.appendEventTx(ctx, tx, id, "enqueued", "", stage, ""); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	s.publish(bus.TopicItemEnqueued, bus.StageEvent{ItemID: id, Stage: string(stage)})
	return s.Get(ctx, id)
}

// Get fetches a work item by id.
func (s *Store) Get(ctx context.Context, id string) (*WorkItem, error) {
	var item WorkItem
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM work_items WHERE id = ?;`, id)
	if err := scanItem(row.Scan, &item); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get work item: %w", err)
	}
	return &item, nil
}

// List returns items filtered by stage and/or status; empty filters match all.
func (s *Store) List(ctx context.Context, stage Stage, status Status, limit int) ([]WorkItem, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + itemColumns + ` FROM work_items WHERE 1=1`
	args := []any{}
	if stage != "" {
		query += ` AND stage = ?`
		args = append(args, string(stage))
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at ASC, id ASC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list work items: %w", err)
	}
	defer rows.Close()

	var items []WorkItem
	for rows.Next() {
		var item WorkItem
		if err := scanItem(rows.Scan, &item); err != nil {
			return nil, fmt.Errorf("scan work item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Claim atomically pops the head of a stage queue and leases it to agentID.
// Returns ErrNotFound when the queue has no item due yet. Two concurrent
// claims can never return the same item: the pop and the lease write happen
// in one transaction on a single-connection database.
func (s *Store) Claim(ctx context.Context, stage Stage, agentID string) (*Claim, error) {
	token := uuid.NewString()
	expires := time.Now().UTC().Add(s.opts.LeaseDuration)

	var claimed WorkItem
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, `
			SELECT `+itemColumns+` FROM work_items
			WHERE status = ? AND stage = ? AND available_at <= ?
			ORDER BY enqueued_at ASC, id ASC
			LIMIT 1;
		`, string(StatusQueued), string(stage), time.Now().UTC())
		if err := scanItem(row.Scan, &claimed); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("select queue head: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE work_items
			SET status = ?, lease_owner = ?, lease_agent = ?, lease_expires_at = ?,
			    updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, string(StatusClaimed), token, agentID, expires, claimed.ID, string(StatusQueued))
		if err != nil {
			return fmt.Errorf("lease work item: %w", err)
		}
		n, _ := res.RowsAffected()
		if n != 1 {
			return ErrConflict
		}
		if err := s.appendEventTx(ctx, tx, claimed.ID, "claimed", claimed.Stage, claimed.Stage, agentID); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	claimed.Status = StatusClaimed
	claimed.LeaseOwner = token
	claimed.LeaseAgent = agentID
	claimed.LeaseExpiresAt = &expires

	s.publish(bus.TopicItemClaimed, bus.StageEvent{
		ItemID: claimed.ID, Stage: string(claimed.Stage),
		Attempt: claimed.Attempt, AgentID: agentID,
	})
	return &Claim{Item: claimed, LeaseToken: token, AgentID: agentID, ExpiresAt: expires}, nil
}

// ExtendLease pushes the lease expiry forward for a live claim. Heartbeat
// path; returns ErrConflict when the lease was already reclaimed.
func (s *Store) ExtendLease(ctx context.Context, itemID, leaseToken string) (time.Time, error) {
	expires := time.Now().UTC().Add(s.opts.LeaseDuration)
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE work_items
			SET lease_expires_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ? AND lease_owner = ?;
		`, expires, itemID, string(StatusClaimed), leaseToken)
		if err != nil {
			return fmt.Errorf("extend lease: %w", err)
		}
		n, _ := res.RowsAffected()
		if n != 1 {
			return ErrConflict
		}
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	return expires, nil
}

// Advance acks a passing attempt: releases the lease and enqueues the item
// at next in one transaction. The attempt counter resets because attempts
// are counted per stage.
func (s *Store) Advance(ctx context.Context, itemID, leaseToken string, next Stage) error {
	if next.Terminal() {
		return fmt.Errorf("advance target %s is terminal, use Complete", next)
	}
	var from Stage
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin advance tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		item, err := s.getForUpdateTx(ctx, tx, itemID)
		if err != nil {
			return err
		}
		if item.Status != StatusClaimed || item.LeaseOwner != leaseToken {
			return ErrConflict
		}
		from = item.Stage

		res, err := tx.ExecContext(ctx, `
			UPDATE work_items
			SET stage = ?, status = ?, attempt = 0, max_attempts = ?,
			    available_at = CURRENT_TIMESTAMP, enqueued_at = CURRENT_TIMESTAMP,
			    lease_owner = NULL, lease_agent = NULL, lease_expires_at = NULL,
			    fail_reason = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ? AND lease_owner = ?;
		`, string(next), string(StatusQueued), s.maxAttempts(next),
			itemID, string(StatusClaimed), leaseToken)
		if err != nil {
			return fmt.Errorf("advance work item: %w", err)
		}
		n, _ := res.RowsAffected()
		if n != 1 {
			return ErrConflict
		}
		if err := s.appendEventTx(ctx, tx, itemID, "advanced", from, next, ""); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}

	s.publish(bus.TopicItemAdvanced, bus.StageEvent{
		ItemID: itemID, Stage: string(from), NextStage: string(next),
	})
	return nil
}

// Complete acks the final passing attempt and moves the item to DONE.
func (s *Store) Complete(ctx context.Context, itemID, leaseToken string) error {
	var from Stage
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin complete tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		item, err := s.getForUpdateTx(ctx, tx, itemID)
		if err != nil {
			return err
		}
		if item.Status != StatusClaimed || item.LeaseOwner != leaseToken {
			return ErrConflict
		}
		from = item.Stage

		res, err := tx.ExecContext(ctx, `
			UPDATE work_items
			SET stage = ?, status = ?,
			    lease_owner = NULL, lease_agent = NULL, lease_expires_at = NULL,
			    updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ? AND lease_owner = ?;
		`, string(StageDone), string(StatusDone), itemID, string(StatusClaimed), leaseToken)
		if err != nil {
			return fmt.Errorf("complete work item: %w", err)
		}
		n, _ := res.RowsAffected()
		if n != 1 {
			return ErrConflict
		}
		if err := s.appendEventTx(ctx, tx, itemID, "completed", from, StageDone, ""); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}

	s.publish(bus.TopicItemDone, bus.StageEvent{ItemID: itemID, Stage: string(from), NextStage: string(StageDone)})
	return nil
}

// FailAttempt acks a failing attempt. It increments the attempt counter
// and either requeues the item at the same stage with backoff or, when the
// stage's attempt bound is exhausted, moves it to FAILED. The terminal
// transition happens exactly once because it is guarded by the lease token.
func (s *Store) FailAttempt(ctx context.Context, itemID, leaseToken, reason string) (*Decision, error) {
	var decision Decision
	var from Stage
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin fail tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		item, err := s.getForUpdateTx(ctx, tx, itemID)
		if err != nil {
			return err
		}
		if item.Status != StatusClaimed || item.LeaseOwner != leaseToken {
			return ErrConflict
		}
		from = item.Stage
		attempt := item.Attempt + 1

		if attempt >= item.MaxAttempts {
			res, err := tx.ExecContext(ctx, `
				UPDATE work_items
				SET stage = ?, status = ?, attempt = ?,
				    lease_owner = NULL, lease_agent = NULL, lease_expires_at = NULL,
				    fail_reason = ?, updated_at = CURRENT_TIMESTAMP
				WHERE id = ? AND status = ? AND lease_owner = ?;
			`, string(StageFailed), string(StatusFailed), attempt,
				reason, itemID, string(StatusClaimed), leaseToken)
			if err != nil {
				return fmt.Errorf("dead-letter work item: %w", err)
			}
			n, _ := res.RowsAffected()
			if n != 1 {
				return ErrConflict
			}
			if err := s.appendEventTx(ctx, tx, itemID, "dead_letter", from, StageFailed, reason); err != nil {
				return err
			}
			decision = Decision{Outcome: OutcomeDeadLetter, Attempt: attempt}
			return tx.Commit()
		}

		delay := s.retryDelay(itemID, attempt)
		availableAt := time.Now().UTC().Add(delay)
		res, err := tx.ExecContext(ctx, `
			UPDATE work_items
			SET status = ?, attempt = ?, available_at = ?, enqueued_at = CURRENT_TIMESTAMP,
			    lease_owner = NULL, lease_agent = NULL, lease_expires_at = NULL,
			    fail_reason = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ? AND lease_owner = ?;
		`, string(StatusQueued), attempt, availableAt,
			reason, itemID, string(StatusClaimed), leaseToken)
		if err != nil {
			return fmt.Errorf("requeue work item: %w", err)
		}
		n, _ := res.RowsAffected()
		if n != 1 {
			return ErrConflict
		}
		if err := s.appendEventTx(ctx, tx, itemID, "requeued", from, from, reason); err != nil {
			return err
		}
		decision = Decision{Outcome: OutcomeRetried, Attempt: attempt, AvailableAt: availableAt}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	ev := bus.StageEvent{ItemID: itemID, Stage: string(from), Attempt: decision.Attempt, Reason: reason}
	if decision.Outcome == OutcomeDeadLetter {
		ev.NextStage = string(StageFailed)
		s.publish(bus.TopicItemDeadLetter, ev)
	} else {
		s.publish(bus.TopicItemRequeued, ev)
	}
	return &decision, nil
}

// UpdateStage is the compare-and-swap stage move for an item at rest. It
// succeeds only when the item is queued at exactly the expected stage;
// an in-flight item belongs to its lease holder and a stale expectation
// both come back as ErrConflict, so the caller can re-read and decide.
// The item requeues at the tail of next with a fresh attempt counter.
func (s *Store) UpdateStage(ctx context.Context, id string, expected, next Stage) error {
	if next.Terminal() {
		return fmt.Errorf("stage move target %s is terminal, use FailItem", next)
	}
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin stage move tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		item, err := s.getForUpdateTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if item.Status != StatusQueued || item.Stage != expected {
			return ErrConflict
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE work_items
			SET stage = ?, attempt = 0, max_attempts = ?,
			    available_at = CURRENT_TIMESTAMP, enqueued_at = CURRENT_TIMESTAMP,
			    fail_reason = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ? AND stage = ?;
		`, string(next), s.maxAttempts(next), id, string(StatusQueued), string(expected))
		if err != nil {
			return fmt.Errorf("move work item: %w", err)
		}
		n, _ := res.RowsAffected()
		if n != 1 {
			return ErrConflict
		}
		if err := s.appendEventTx(ctx, tx, id, "stage_moved", expected, next, ""); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}

	s.publish(bus.TopicItemAdvanced, bus.StageEvent{
		ItemID: id, Stage: string(expected), NextStage: string(next),
	})
	return nil
}

// FailItem moves a non-terminal item straight to FAILED, bypassing any
// remaining attempts. Operator path for abandoning stuck work. The
// terminal transition happens at most once; an item already settled
// returns ErrConflict.
func (s *Store) FailItem(ctx context.Context, id, reason string) error {
	var from Stage
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin fail item tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		item, err := s.getForUpdateTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if item.Status == StatusDone || item.Status == StatusFailed {
			return ErrConflict
		}
		from = item.Stage

		res, err := tx.ExecContext(ctx, `
			UPDATE work_items
			SET stage = ?, status = ?,
			    lease_owner = NULL, lease_agent = NULL, lease_expires_at = NULL,
			    fail_reason = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status NOT IN (?, ?);
		`, string(StageFailed), string(StatusFailed), reason,
			id, string(StatusDone), string(StatusFailed))
		if err != nil {
			return fmt.Errorf("fail work item: %w", err)
		}
		n, _ := res.RowsAffected()
		if n != 1 {
			return ErrConflict
		}
		if err := s.appendEventTx(ctx, tx, id, "dead_letter", from, StageFailed, reason); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}

	s.publish(bus.TopicItemDeadLetter, bus.StageEvent{
		ItemID: id, Stage: string(from), NextStage: string(StageFailed), Reason: reason,
	})
	return nil
}

// ReclaimExpiredLeases requeues every claimed item whose lease expired.
// The reclaimed attempt counts against the stage bound, the owning agent
// is marked degraded, and an item with no attempts left dead-letters.
func (s *Store) ReclaimExpiredLeases(ctx context.Context) (int, error) {
	return s.reclaim(ctx, `status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?`,
		ReasonLeaseExpired, true, time.Now().UTC())
}

// RecoverInFlight requeues every claimed item regardless of lease expiry.
// Startup path: after a crash no worker holds any lease, so every claimed
// row is orphaned. A process crash is not the item's fault, so recovery
// keeps the attempt counter untouched.
func (s *Store) RecoverInFlight(ctx context.Context) (int, error) {
	return s.reclaim(ctx, `status = ?`, ReasonStartupRecovery, false)
}

func (s *Store) reclaim(ctx context.Context, where, reason string, consumeAttempt bool, extra ...any) (int, error) {
	type reclaimed struct {
		id          string
		stage       Stage
		attempt     int
		maxAttempts int
		agentID     string
		deadLetter  bool
	}
	var items []reclaimed

	err := retryOnBusy(ctx, 5, func() error {
		items = items[:0]
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin reclaim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		args := append([]any{string(StatusClaimed)}, extra...)
		rows, err := tx.QueryContext(ctx, `
			SELECT id, stage, attempt, max_attempts, COALESCE(lease_agent, '')
			FROM work_items WHERE `+where+`;
		`, args...)
		if err != nil {
			return fmt.Errorf("select expired leases: %w", err)
		}
		for rows.Next() {
			var r reclaimed
			if err := rows.Scan(&r.id, &r.stage, &r.attempt, &r.maxAttempts, &r.agentID); err != nil {
				rows.Close()
				return fmt.Errorf("scan expired lease: %w", err)
			}
			items = append(items, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(items) == 0 {
			return tx.Commit()
		}

		for i := range items {
			r := &items[i]
			attempt := r.attempt
			if consumeAttempt {
				attempt++
			}
			if err := s.appendEventTx(ctx, tx, r.id, "lease_reclaimed", r.stage, r.stage, reason); err != nil {
				return err
			}
			if consumeAttempt && attempt >= r.maxAttempts {
				r.deadLetter = true
				if _, err := tx.ExecContext(ctx, `
					UPDATE work_items
					SET stage = ?, status = ?, attempt = ?,
					    lease_owner = NULL, lease_agent = NULL, lease_expires_at = NULL,
					    fail_reason = ?, updated_at = CURRENT_TIMESTAMP
					WHERE id = ? AND status = ?;
				`, string(StageFailed), string(StatusFailed), attempt,
					reason, r.id, string(StatusClaimed)); err != nil {
					return fmt.Errorf("dead-letter reclaimed item: %w", err)
				}
				if err := s.appendEventTx(ctx, tx, r.id, "dead_letter", r.stage, StageFailed, reason); err != nil {
					return err
				}
			} else {
				if _, err := tx.ExecContext(ctx, `
					UPDATE work_items
					SET status = ?, attempt = ?, enqueued_at = CURRENT_TIMESTAMP, available_at = CURRENT_TIMESTAMP,
					    lease_owner = NULL, lease_agent = NULL, lease_expires_at = NULL,
					    updated_at = CURRENT_TIMESTAMP
					WHERE id = ? AND status = ?;
				`, string(StatusQueued), attempt, r.id, string(StatusClaimed)); err != nil {
					return fmt.Errorf("requeue reclaimed item: %w", err)
				}
			}
			if consumeAttempt && r.agentID != "" {
				if _, err := tx.ExecContext(ctx, `
					UPDATE agents SET status = ?, updated_at = CURRENT_TIMESTAMP
					WHERE agent_id = ? AND status = ?;
				`, AgentDegraded, r.agentID, AgentLive); err != nil {
					return fmt.Errorf("degrade lease owner: %w", err)
				}
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}

	for _, r := range items {
		s.publish(bus.TopicLeaseReclaimed, bus.StageEvent{ItemID: r.id, Stage: string(r.stage), Reason: reason})
		if r.deadLetter {
			s.publish(bus.TopicItemDeadLetter, bus.StageEvent{
				ItemID: r.id, Stage: string(r.stage), NextStage: string(StageFailed), Reason: reason,
			})
		}
	}
	return len(items), nil
}

// QueueDepth counts queued items per stage.
func (s *Store) QueueDepth(ctx context.Context) (map[Stage]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stage, COUNT(*) FROM work_items WHERE status = ? GROUP BY stage;
	`, string(StatusQueued))
	if err != nil {
		return nil, fmt.Errorf("count queue depth: %w", err)
	}
	defer rows.Close()

	depth := map[Stage]int{}
	for rows.Next() {
		var stage string
		var n int
		if err := rows.Scan(&stage, &n); err != nil {
			return nil, err
		}
		depth[Stage(stage)] = n
	}
	return depth, rows.Err()
}

// Counts summarises item populations for the metrics snapshot.
type Counts struct {
	Queued     map[Stage]int `json:"queued"`
	InFlight   map[Stage]int `json:"in_flight"`
	Done       int           `json:"done"`
	DeadLetter int           `json:"dead_letter"`
}

// MetricsCounts aggregates item state for the periodic metrics snapshot.
func (s *Store) MetricsCounts(ctx context.Context) (*Counts, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stage, status, COUNT(*) FROM work_items GROUP BY stage, status;
	`)
	if err != nil {
		return nil, fmt.Errorf("count metrics: %w", err)
	}
	defer rows.Close()

	counts := &Counts{Queued: map[Stage]int{}, InFlight: map[Stage]int{}}
	for rows.Next() {
		var stage, status string
		var n int
		if err := rows.Scan(&stage, &status, &n); err != nil {
			return nil, err
		}
		switch Status(status) {
		case StatusQueued:
			counts.Queued[Stage(stage)] = n
		case StatusClaimed:
			counts.InFlight[Stage(stage)] = n
		case StatusDone:
			counts.Done += n
		case StatusFailed:
			counts.DeadLetter += n
		}
	}
	return counts, rows.Err()
}

// Events returns the audit trail for one item in append order.
func (s *Store) Events(ctx context.Context, itemID string) ([]StageEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, item_id, event_type, COALESCE(stage_from, ''), stage_to, COALESCE(reason, ''), created_at
		FROM stage_events WHERE item_id = ? ORDER BY event_id ASC;
	`, itemID)
	if err != nil {
		return nil, fmt.Errorf("query stage events: %w", err)
	}
	defer rows.Close()

	var events []StageEvent
	for rows.Next() {
		var ev StageEvent
		var from, to string
		if err := rows.Scan(&ev.EventID, &ev.ItemID, &ev.EventType, &from, &to, &ev.Reason, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.StageFrom = Stage(from)
		ev.StageTo = Stage(to)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// PurgeEvents deletes stage events older than the retention horizon.
func (s *Store) PurgeEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, `DELETE FROM stage_events WHERE created_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge stage events: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) getForUpdateTx(ctx context.Context, tx *sql.Tx, id string) (*WorkItem, error) {
	var item WorkItem
	row := tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM work_items WHERE id = ?;`, id)
	if err := scanItem(row.Scan, &item); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get work item for update: %w", err)
	}
	return &item, nil
}
