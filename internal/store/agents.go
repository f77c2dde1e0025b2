package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Agent status values tracked by the supervisor.
const (
	AgentLive     = "live"
	AgentDegraded = "degraded"
	AgentStopped  = "stopped"
)

// AgentRecord is the supervisor's view of one worker.
type AgentRecord struct {
	AgentID       string    `json:"agent_id"`
	Role          string    `json:"role"`
	Status        string    `json:"status"`
	CurrentItemID string    `json:"current_item_id,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	RestartCount  int       `json:"restart_count"`
}

// UpsertAgent registers a worker, resetting it to live on restart while
// keeping its restart count.
func (s *Store) UpsertAgent(ctx context.Context, agentID, role string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agents (agent_id, role, status, last_heartbeat)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(agent_id) DO UPDATE SET
				role = excluded.role,
				status = ?,
				current_item_id = NULL,
				last_heartbeat = CURRENT_TIMESTAMP,
				updated_at = CURRENT_TIMESTAMP;
		`, agentID, role, AgentLive, AgentLive)
		if err != nil {
			return fmt.Errorf("upsert agent: %w", err)
		}
		return nil
	})
}

// Heartbeat records liveness and the item the agent is working on, if any.
func (s *Store) Heartbeat(ctx context.Context, agentID, currentItemID string) error {
	return retryOnBusy(ctx, 5, func() error {
		var item any
		if currentItemID != "" {
			item = currentItemID
		}
		res, err := s.db.ExecContext(ctx, `
			UPDATE agents
			SET last_heartbeat = CURRENT_TIMESTAMP, current_item_id = ?, status = ?,
			    updated_at = CURRENT_TIMESTAMP
			WHERE agent_id = ?;
		`, item, AgentLive, agentID)
		if err != nil {
			return fmt.Errorf("heartbeat: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// MarkDegraded flags an agent whose heartbeats stopped arriving.
func (s *Store) MarkDegraded(ctx context.Context, agentID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE agents SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE agent_id = ?;
		`, AgentDegraded, agentID)
		if err != nil {
			return fmt.Errorf("mark agent degraded: %w", err)
		}
		return nil
	})
}

// IncrementRestart bumps the restart counter when the supervisor replaces
// an agent, and returns the new count.
func (s *Store) IncrementRestart(ctx context.Context, agentID string) (int, error) {
	var count int
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin restart tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			UPDATE agents SET restart_count = restart_count + 1, status = ?,
			    current_item_id = NULL, last_heartbeat = CURRENT_TIMESTAMP,
			    updated_at = CURRENT_TIMESTAMP
			WHERE agent_id = ?;
		`, AgentLive, agentID); err != nil {
			return fmt.Errorf("increment restart: %w", err)
		}
		row := tx.QueryRowContext(ctx, `SELECT restart_count FROM agents WHERE agent_id = ?;`, agentID)
		if err := row.Scan(&count); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		return tx.Commit()
	})
	return count, err
}

// StaleAgents returns live and degraded agents whose last heartbeat is
// older than cutoff. Degraded agents are included so a worker flagged by
// the lease reclaimer still gets replaced once its heartbeats stop;
// stopped agents were shut down on purpose and stay out.
func (s *Store) StaleAgents(ctx context.Context, cutoff time.Time) ([]AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, role, status, COALESCE(current_item_id, ''), last_heartbeat, restart_count
		FROM agents WHERE status IN (?, ?) AND last_heartbeat < ?;
	`, AgentLive, AgentDegraded, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query stale agents: %w", err)
	}
	defer rows.Close()
	return scanAgents(rows)
}

// Agents returns all registered agents.
func (s *Store) Agents(ctx context.Context) ([]AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, role, status, COALESCE(current_item_id, ''), last_heartbeat, restart_count
		FROM agents ORDER BY agent_id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()
	return scanAgents(rows)
}

func scanAgents(rows *sql.Rows) ([]AgentRecord, error) {
	var agents []AgentRecord
	for rows.Next() {
		var a AgentRecord
		if err := rows.Scan(&a.AgentID, &a.Role, &a.Status, &a.CurrentItemID, &a.LastHeartbeat, &a.RestartCount); err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}
