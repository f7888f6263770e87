package domain

import "context"

// DataStore groups the repositories behind one handle. WithTx runs fn
// against a transaction-scoped view: every repository call inside fn
// commits or rolls back as a unit, which is how state transitions and
// their audit events stay atomic.
type DataStore interface {
	Tools() ToolRepository
	Runs() RunRepository
	Approvals() ApprovalRepository
	Audit() AuditRepository
	WithTx(ctx context.Context, fn func(DataStore) error) error
}
