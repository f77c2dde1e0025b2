// Package store is the durable task store and stage-queue service. Work
// items, in-flight leases, evidence records, agent records, and oracle
// questions all live in one SQLite database; every mutation is a single
// per-item transaction so the coordination layer needs no cross-entity
// locks.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/basket/foundry/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionLatest  = 1
	schemaChecksumLatest = "foundry-v1-2026-08-pipeline-schema"

	defaultLeaseDuration = 30 * time.Second
	defaultMaxAttempts   = 3
	defaultRetryBase     = 1 * time.Second
	defaultRetryMax      = 30 * time.Second
)

// Deterministic reason codes for requeue and terminal transitions.
const (
	ReasonEvidenceRejected    = "EVIDENCE_REJECTED"
	ReasonProviderError       = "PROVIDER_ERROR"
	ReasonLeaseExpired        = "LEASE_EXPIRED"
	ReasonAgentCrashed        = "AGENT_CRASHED"
	ReasonStartupRecovery     = "STARTUP_RECOVERY"
	ReasonDeadLetterExhausted = "DEAD_LETTER_MAX_ATTEMPTS"
)

// Sentinel errors for store operations.
var (
	ErrAlreadyExists = errors.New("work item already exists")
	ErrNotFound      = errors.New("work item not found")
	// ErrConflict reports a compare-and-swap or lease mismatch. For acks it
	// is benign: the lease was reclaimed and the caller discards its result.
	ErrConflict = errors.New("conflicting state transition")
)

// Stage is a pipeline stage. DONE and FAILED are terminal.
type Stage string

const (
	StageDev         Stage = "DEV"
	StageValidation  Stage = "VALIDATION"
	StageIntegration Stage = "INTEGRATION"
	StageDone        Stage = "DONE"
	StageFailed      Stage = "FAILED"
)

// NextStage returns the stage an item advances to on a passing attempt.
func NextStage(s Stage) (Stage, bool) {
	switch s {
	case StageDev:
		return StageValidation, true
	case StageValidation:
		return StageIntegration, true
	case StageIntegration:
		return StageDone, true
	}
	return "", false
}

// Terminal reports whether a stage accepts no further transitions.
func (s Stage) Terminal() bool {
	return s == StageDone || s == StageFailed
}

// ParseStage validates a stage name.
func ParseStage(raw string) (Stage, error) {
	s := Stage(strings.ToUpper(strings.TrimSpace(raw)))
	switch s {
	case StageDev, StageValidation, StageIntegration, StageDone, StageFailed:
		return s, nil
	}
	return "", fmt.Errorf("unknown stage %q", raw)
}

// Status is the queue-membership state of a work item. Together with the
// stage column it places every item in exactly one of
// {queued-at-stage, in-flight-at-stage, terminal}.
type Status string

const (
	StatusQueued  Status = "QUEUED"
	StatusClaimed Status = "CLAIMED"
	StatusDone    Status = "DONE"
	StatusFailed  Status = "FAILED"
)

// WorkItem is one unit of work moving through the pipeline.
type WorkItem struct {
	ID             string     `json:"id"`
	Payload        string     `json:"payload"`
	Stage          Stage      `json:"stage"`
	Status         Status     `json:"status"`
	Attempt        int        `json:"attempt"`
	MaxAttempts    int        `json:"max_attempts"`
	AvailableAt    time.Time  `json:"available_at"`
	LeaseOwner     string     `json:"lease_owner,omitempty"`
	LeaseAgent     string     `json:"lease_agent,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	FailReason     string     `json:"fail_reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// InFlight reports whether the item currently holds a lease.
func (w *WorkItem) InFlight() bool {
	return w.Status == StatusClaimed
}

// StageEvent is one entry in the per-item audit trail.
type StageEvent struct {
	EventID   int64     `json:"event_id"`
	ItemID    string    `json:"item_id"`
	EventType string    `json:"event_type"`
	StageFrom Stage     `json:"stage_from,omitempty"`
	StageTo   Stage     `json:"stage_to"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RetryPolicy tunes the bounded-exponential backoff applied to requeues.
type RetryPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Options configures a Store at open time. Zero values fall back to
// operational defaults; none of these are correctness constraints.
type Options struct {
	LeaseDuration time.Duration
	Retry         RetryPolicy
	// MaxAttempts maps stage -> attempt bound; missing stages use 3.
	MaxAttempts map[Stage]int
}

// Store wraps the SQLite database holding all shared pipeline state.
type Store struct {
	db   *sql.DB
	bus  *bus.Bus // may be nil in tests
	opts Options
}

// DefaultDBPath returns the database location under the foundry home.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".foundry", "foundry.db")
}

// Open opens (creating if needed) the store at path.
func Open(path string, eventBus *bus.Bus, opts Options) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	if opts.LeaseDuration <= 0 {
		opts.LeaseDuration = defaultLeaseDuration
	}
	if opts.Retry.BaseDelay <= 0 {
		opts.Retry.BaseDelay = defaultRetryBase
	}
	if opts.Retry.MaxDelay <= 0 {
		opts.Retry.MaxDelay = defaultRetryMax
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, bus: eventBus, opts: opts}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle for tests and maintenance tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// LeaseDuration returns the configured lease timeout.
func (s *Store) LeaseDuration() time.Duration {
	return s.opts.LeaseDuration
}

// SetRetryPolicy swaps the backoff tuning; used by the config hot-reload path.
func (s *Store) SetRetryPolicy(p RetryPolicy) {
	if p.BaseDelay > 0 {
		s.opts.Retry.BaseDelay = p.BaseDelay
	}
	if p.MaxDelay > 0 {
		s.opts.Retry.MaxDelay = p.MaxDelay
	}
}

func (s *Store) maxAttempts(stage Stage) int {
	if n, ok := s.opts.MaxAttempts[stage]; ok && n > 0 {
		return n
	}
	return defaultMaxAttempts
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS work_items (
			id TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			stage TEXT NOT NULL,
			status TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			available_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			enqueued_at DATETIME,
			lease_owner TEXT,
			lease_agent TEXT,
			lease_expires_at DATETIME,
			fail_reason TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_work_items_queue
			ON work_items(status, stage, available_at, enqueued_at);`,
		`CREATE TABLE IF NOT EXISTS stage_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			item_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			stage_from TEXT,
			stage_to TEXT NOT NULL,
			reason TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_stage_events_item ON stage_events(item_id, event_id);`,
		`CREATE TABLE IF NOT EXISTS evidence (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			item_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			recorded_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_evidence_item ON evidence(item_id, stage, attempt, seq);`,
		`CREATE TABLE IF NOT EXISTS agents (
			agent_id TEXT PRIMARY KEY,
			role TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'live',
			current_item_id TEXT,
			last_heartbeat DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			restart_count INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS questions (
			correlation_id TEXT PRIMARY KEY,
			asker_id TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT 'default',
			payload TEXT NOT NULL,
			state TEXT NOT NULL DEFAULT 'PENDING',
			answer TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			answered_at DATETIME
		);`,
		`CREATE INDEX IF NOT EXISTS idx_questions_state ON questions(state, created_at);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter on top of the driver's
// busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func hashString(input string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(input))
	return strconv.FormatUint(h.Sum64(), 16)
}

// retryDelay computes the requeue backoff for an item: bounded exponential
// in the attempt number with deterministic jitter keyed by item id, so
// retry storms spread out without needing shared random state.
func (s *Store) retryDelay(itemID string, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := s.opts.Retry.BaseDelay
	for i := 1; i < attempt; i++ {
		base *= 2
		if base >= s.opts.Retry.MaxDelay {
			base = s.opts.Retry.MaxDelay
			break
		}
	}
	if base > s.opts.Retry.MaxDelay {
		base = s.opts.Retry.MaxDelay
	}
	jitterMax := base / 2
	if jitterMax <= 0 {
		jitterMax = time.Millisecond
	}
	jitterHash := hashString(itemID + ":" + strconv.Itoa(attempt))
	jitterSource, _ := strconv.ParseUint(jitterHash[:min(len(jitterHash), 8)], 16, 64)
	jitter := time.Duration(int64(jitterSource % uint64(jitterMax)))
	delay := base + jitter
	if delay > s.opts.Retry.MaxDelay {
		delay = s.opts.Retry.MaxDelay
	}
	return delay
}

// appendEventTx records a stage event inside the caller's transaction.
func (s *Store) appendEventTx(ctx context.Context, tx *sql.Tx, itemID, eventType string, from, to Stage, reason string) error {
	var stageFrom any
	if from != "" {
		stageFrom = string(from)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO stage_events (item_id, event_type, stage_from, stage_to, reason)
		VALUES (?, ?, ?, ?, ?);
	`, itemID, eventType, stageFrom, string(to), reason); err != nil {
		return fmt.Errorf("append stage event: %w", err)
	}
	return nil
}

func (s *Store) publish(topic string, ev bus.StageEvent) {
	if s.bus != nil {
		s.bus.Publish(topic, ev)
	}
}

func scanItem(scan func(dest ...any) error, item *WorkItem) error {
	var (
		leaseOwner sql.NullString
		leaseAgent sql.NullString
		leaseExp   sql.NullTime
		failReason sql.NullString
	)
	if err := scan(
		&item.ID,
		&item.Payload,
		&item.Stage,
		&item.Status,
		&item.Attempt,
		&item.MaxAttempts,
		&item.AvailableAt,
		&leaseOwner,
		&leaseAgent,
		&leaseExp,
		&failReason,
		&item.CreatedAt,
		&item.UpdatedAt,
	); err != nil {
		return err
	}
	item.LeaseOwner = leaseOwner.String
	item.LeaseAgent = leaseAgent.String
	if leaseExp.Valid {
		t := leaseExp.Time
		item.LeaseExpiresAt = &t
	}
	item.FailReason = failReason.String
	return nil
}

const itemColumns = `
	id, payload, stage, status, attempt, max_attempts, available_at,
	lease_owner, lease_agent, lease_expires_at, fail_reason, created_at, updated_at`
