package database

import (
	"context"
	"database/sql"
	"sync"
)

// UnitOfWork collects operations and commits them atomically. Pending
// operations are cleared whether the commit succeeds or is rolled back.
type UnitOfWork struct {
	mgr       *Manager
	isolation string

	mu  sync.Mutex
	ops []Operation
}

// NewUnitOfWork creates an empty unit of work at the given isolation level
func (m *Manager) NewUnitOfWork(isolation string) *UnitOfWork {
	return &UnitOfWork{
		mgr:       m,
		isolation: isolation,
	}
}

// Register queues an operation for the next Commit
func (u *UnitOfWork) Register(op Operation) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.ops = append(u.ops, op)
}

// Pending returns the number of queued operations
func (u *UnitOfWork) Pending() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.ops)
}

// Commit executes all queued operations in one transaction with deadlock
// retry, then clears the queue regardless of outcome.
func (u *UnitOfWork) Commit(ctx context.Context, maxRetries int) ([]sql.Result, error) {
	u.mu.Lock()
	ops := u.ops
	u.ops = nil
	u.mu.Unlock()

	if len(ops) == 0 {
		return nil, nil
	}
	return u.mgr.ExecuteInTransaction(ctx, ops, u.isolation, maxRetries)
}

// Rollback discards all queued operations
func (u *UnitOfWork) Rollback() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.ops = nil
}
