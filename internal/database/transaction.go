package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/tradecore/tradecore/pkg/logger"
)

// TxState describes the lifecycle state of a managed transaction
type TxState string

const (
	TxPending    TxState = "pending"
	TxActive     TxState = "active"
	TxCommitted  TxState = "committed"
	TxRolledBack TxState = "rolled_back"
	TxFailed     TxState = "failed"
)

// Isolation levels accepted by the orchestrator
const (
	IsolationReadCommitted  = "read_committed"
	IsolationRepeatableRead = "repeatable_read"
	IsolationSerializable   = "serializable"
)

// metricsRetention is how long completed transaction metrics stay visible.
const metricsRetention = 60 * time.Second

var savepointName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ErrShuttingDown is returned when the manager has been closed.
var ErrShuttingDown = errors.New("transaction manager shutting down")

// TransactionMetrics records the outcome of a single managed transaction
type TransactionMetrics struct {
	ID             string     `json:"id"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	State          TxState    `json:"state"`
	OperationCount int        `json:"operation_count"`
	Error          string     `json:"error,omitempty"`
}

// Manager provides transactional scopes over the shared connection pool
type Manager struct {
	db  *DB
	log *logger.Logger

	mu      sync.Mutex
	metrics map[string]*TransactionMetrics
	closed  bool
}

// NewManager creates a transaction manager over a database pool
func NewManager(db *DB, log *logger.Logger) *Manager {
	return &Manager{
		db:      db,
		log:     log,
		metrics: make(map[string]*TransactionMetrics),
	}
}

// Txn is a transaction scope bound to a single pooled connection.
// It is not safe for concurrent use.
type Txn struct {
	conn       *sql.Conn
	metrics    *TransactionMetrics
	mu         *sync.Mutex // manager's lock; guards metrics fields
	savepoints map[string]bool
	done       bool
}

// countOp bumps the operation counter under the metrics lock so concurrent
// Metrics snapshots stay consistent
func (t *Txn) countOp() {
	t.mu.Lock()
	t.metrics.OperationCount++
	t.mu.Unlock()
}

// ExecContext executes a statement inside the transaction
func (t *Txn) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	t.countOp()
	return t.conn.ExecContext(ctx, query, args...)
}

// QueryContext runs a query inside the transaction
func (t *Txn) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	t.countOp()
	return t.conn.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a single-row query inside the transaction
func (t *Txn) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	t.countOp()
	return t.conn.QueryRowContext(ctx, query, args...)
}

// ID returns the transaction id for correlation
func (t *Txn) ID() string {
	return t.metrics.ID
}

// normalizeIsolation maps the API-level isolation name to its SQL form
func normalizeIsolation(isolation string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(isolation)) {
	case "", IsolationReadCommitted:
		return "READ COMMITTED", nil
	case IsolationRepeatableRead:
		return "REPEATABLE READ", nil
	case IsolationSerializable:
		return "SERIALIZABLE", nil
	default:
		return "", fmt.Errorf("unsupported isolation level: %q", isolation)
	}
}

// WithTransaction acquires a pooled connection, opens a transaction at the
// requested isolation level, and runs fn inside it. The transaction commits
// when fn returns nil and rolls back on error or panic; the connection is
// returned to the pool on every path.
func (m *Manager) WithTransaction(ctx context.Context, isolation string, fn func(*Txn) error) error {
	sqlLevel, err := normalizeIsolation(isolation)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrShuttingDown
	}
	metrics := &TransactionMetrics{
		ID:        uuid.New().String(),
		StartedAt: time.Now(),
		State:     TxPending,
	}
	m.metrics[metrics.ID] = metrics
	m.mu.Unlock()

	conn, err := m.db.Conn(ctx)
	if err != nil {
		m.finish(metrics, TxFailed, fmt.Errorf("failed to acquire connection: %w", err))
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Close()

	// Isolation is set on the session before the transaction opens so it
	// applies to the START TRANSACTION that follows.
	if _, err := conn.ExecContext(ctx, "SET SESSION CHARACTERISTICS AS TRANSACTION ISOLATION LEVEL "+sqlLevel); err != nil {
		m.finish(metrics, TxFailed, err)
		return fmt.Errorf("failed to set isolation level: %w", err)
	}

	if _, err := conn.ExecContext(ctx, "START TRANSACTION"); err != nil {
		m.finish(metrics, TxFailed, err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	m.mu.Lock()
	metrics.State = TxActive
	m.mu.Unlock()

	txn := &Txn{
		conn:       conn,
		metrics:    metrics,
		mu:         &m.mu,
		savepoints: make(map[string]bool),
	}

	defer func() {
		if r := recover(); r != nil {
			m.rollback(ctx, txn)
			m.finish(metrics, TxFailed, fmt.Errorf("panic in transaction: %v", r))
			panic(r)
		}
	}()

	if err := fn(txn); err != nil {
		m.rollback(ctx, txn)
		m.finish(metrics, TxRolledBack, err)
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		m.rollback(ctx, txn)
		m.finish(metrics, TxFailed, err)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	txn.done = true
	m.finish(metrics, TxCommitted, nil)
	return nil
}

// WithSavepoint creates a named savepoint inside an active transaction and
// runs fn under it. The savepoint is released when fn returns nil and rolled
// back to on error. Releasing never commits the outer transaction.
func (m *Manager) WithSavepoint(ctx context.Context, txn *Txn, name string, fn func() error) error {
	if txn == nil || txn.done {
		return fmt.Errorf("savepoint %q requires an active transaction", name)
	}
	if !savepointName.MatchString(name) {
		return fmt.Errorf("invalid savepoint name: %q", name)
	}
	if txn.savepoints[name] {
		return fmt.Errorf("savepoint %q already exists in this transaction", name)
	}
	txn.savepoints[name] = true

	if _, err := txn.conn.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("failed to create savepoint %q: %w", name, err)
	}

	if err := fn(); err != nil {
		if _, rbErr := txn.conn.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			m.log.Error("Failed to roll back to savepoint", "savepoint", name, "error", rbErr)
		}
		return err
	}

	if _, err := txn.conn.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("failed to release savepoint %q: %w", name, err)
	}
	return nil
}

// Operation is a parameterized statement executed inside a transaction
type Operation struct {
	Query string
	Args  []interface{}
}

// ExecuteInTransaction runs a sequence of operations on one connection inside
// one transaction, retrying the whole batch on deadlock with exponential
// backoff. Non-deadlock errors propagate immediately.
func (m *Manager) ExecuteInTransaction(ctx context.Context, ops []Operation, isolation string, maxRetries int) ([]sql.Result, error) {
	if maxRetries < 0 {
		maxRetries = 0
	}

	var results []sql.Result
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(float64(100*time.Millisecond) * float64(int(1)<<uint(attempt-1)))
			m.log.Warn("Retrying transaction after deadlock",
				"attempt", attempt, "backoff", backoff.String())
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		results = results[:0]
		err := m.WithTransaction(ctx, isolation, func(txn *Txn) error {
			for _, op := range ops {
				res, err := txn.ExecContext(ctx, op.Query, op.Args...)
				if err != nil {
					return err
				}
				results = append(results, res)
			}
			return nil
		})
		if err == nil {
			return results, nil
		}

		lastErr = err
		if !IsDeadlock(err) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("transaction failed after %d retries: %w", maxRetries, lastErr)
}

// IsDeadlock reports whether an error is a deadlock or serialization
// conflict that is safe to retry.
func IsDeadlock(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// 40P01 deadlock_detected, 40001 serialization_failure
		return pqErr.Code == "40P01" || pqErr.Code == "40001"
	}
	return strings.Contains(strings.ToLower(err.Error()), "deadlock")
}

// rollback rolls back the transaction, logging but not propagating failures
func (m *Manager) rollback(ctx context.Context, txn *Txn) {
	if txn.done {
		return
	}
	txn.done = true
	if _, err := txn.conn.ExecContext(ctx, "ROLLBACK"); err != nil {
		m.log.Error("Transaction rollback failed", "tx_id", txn.metrics.ID, "error", err)
	}
}

// finish records the terminal state of a transaction
func (m *Manager) finish(tm *TransactionMetrics, state TxState, err error) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	tm.State = state
	tm.EndedAt = &now
	if err != nil {
		tm.Error = err.Error()
	}
	m.pruneLocked(now)
}

// pruneLocked drops metrics for transactions completed past retention
func (m *Manager) pruneLocked(now time.Time) {
	for id, tm := range m.metrics {
		if tm.EndedAt != nil && now.Sub(*tm.EndedAt) > metricsRetention {
			delete(m.metrics, id)
		}
	}
}

// Metrics returns a snapshot of recent transaction metrics
func (m *Manager) Metrics() []TransactionMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneLocked(time.Now())

	out := make([]TransactionMetrics, 0, len(m.metrics))
	for _, tm := range m.metrics {
		out = append(out, *tm)
	}
	return out
}

// Close marks the manager as shutting down; in-flight transactions complete
// but new scopes are rejected. Idempotent.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		m.log.Warn("Transaction manager already closed")
		return
	}
	m.closed = true
}
