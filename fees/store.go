/*
store.go - Persistence interfaces for the fee engine

PURPOSE:
  Defines the typed repository boundary between the engine and the
  database. The engine never sees SQL or driver handles; it sees one
  method per entity operation.

KEY INTERFACES:
  StudentStore:    students (reference data)
  DefinitionStore: fee definitions and exceptions (reference data)
  ObligationStore: per-student obligation state
  PaymentStore:    immutable payment rows
  CreditStore:     excess fees and credit usages
  AuditLog:        append-only audit trail
  Store:           all of the above
  TxStore:         Store + WithTx for atomic payment batches

CONCURRENCY CONTRACT:
  - UpdateObligationStatus and UpdateExcessFee are optimistic: they take the
    version the caller read and fail with ConcurrencyConflictError if the
    row moved. On success the stored version is expectedVersion+1.
  - LockUnusedExcessFees is called inside WithTx and must lock the rows it
    returns for the rest of the transaction where the backend supports it.

MISSING ROWS:
  Get* methods return a *NotFoundError. GetObligationStatus is the exception:
  obligation rows are created lazily, so absence is (nil, nil).

IMPLEMENTATIONS:
  - fees/store/memory.go: in-memory, for tests and demos
  - store/sqlite: SQLite
  - store/postgres: PostgreSQL via pgx
*/
package fees

import (
	"context"
	"time"
)

// =============================================================================
// REFERENCE DATA
// =============================================================================

type StudentStore interface {
	SaveStudent(ctx context.Context, s Student) error
	GetStudent(ctx context.Context, id StudentID) (*Student, error)
	ListStudents(ctx context.Context, filter StudentQuery) ([]Student, error)
}

// StudentQuery narrows ListStudents. Zero values mean "any".
type StudentQuery struct {
	IDs     []StudentID
	ClassID string
	GradeID string
}

type DefinitionStore interface {
	// SaveDefinition inserts or replaces a definition by ID.
	SaveDefinition(ctx context.Context, def FeeObligationDefinition) error
	GetDefinition(ctx context.Context, id DefinitionID) (*FeeObligationDefinition, error)

	// ListDefinitions returns active definitions for the year+term.
	ListDefinitions(ctx context.Context, year AcademicYearID, term TermID) ([]FeeObligationDefinition, error)

	SaveException(ctx context.Context, e FeeException) error

	// ActiveExceptions returns the student's exceptions whose window contains
	// at, ordered by CreatedAt then ID.
	ActiveExceptions(ctx context.Context, studentID StudentID, at time.Time) ([]FeeException, error)
}

// =============================================================================
// OBLIGATION STATE
// =============================================================================

type ObligationStore interface {
	// GetObligationStatus returns (nil, nil) when no row exists yet.
	GetObligationStatus(ctx context.Context, studentID StudentID, defID DefinitionID, year AcademicYearID, term TermID) (*ObligationStatus, error)
	ListObligationStatuses(ctx context.Context, studentID StudentID, year AcademicYearID, term TermID) ([]ObligationStatus, error)

	// ListOpenObligationStatuses returns every status that is not COMPLETED.
	ListOpenObligationStatuses(ctx context.Context) ([]ObligationStatus, error)

	InsertObligationStatus(ctx context.Context, s ObligationStatus) error
	UpdateObligationStatus(ctx context.Context, s ObligationStatus, expectedVersion int64) error
}

type PaymentStore interface {
	// InsertPayment is the only write. Payments are never updated.
	InsertPayment(ctx context.Context, p Payment) error
	ListPayments(ctx context.Context, studentID StudentID, year AcademicYearID, term TermID) ([]Payment, error)
}

type CreditStore interface {
	// ListUnusedExcessFees returns unused rows ordered by CreatedAt ascending.
	ListUnusedExcessFees(ctx context.Context, studentID StudentID, year AcademicYearID, term TermID) ([]ExcessFee, error)

	// LockUnusedExcessFees is ListUnusedExcessFees with row locks held until
	// the surrounding transaction ends.
	LockUnusedExcessFees(ctx context.Context, studentID StudentID, year AcademicYearID, term TermID) ([]ExcessFee, error)

	ListExcessFees(ctx context.Context, studentID StudentID, year AcademicYearID, term TermID) ([]ExcessFee, error)
	InsertExcessFee(ctx context.Context, e ExcessFee) error
	UpdateExcessFee(ctx context.Context, e ExcessFee, expectedVersion int64) error

	InsertCreditUsage(ctx context.Context, u CreditUsage) error
	ListCreditUsages(ctx context.Context, studentID StudentID) ([]CreditUsage, error)
}

// AuditLog stores audit entries. Append-only.
type AuditLog interface {
	AppendAudit(ctx context.Context, entry AuditLogEntry) error

	// QueryAudit returns matching entries newest first.
	QueryAudit(ctx context.Context, filter AuditFilter) ([]AuditLogEntry, error)
}

// =============================================================================
// STORE / TX STORE
// =============================================================================

type Store interface {
	StudentStore
	DefinitionStore
	ObligationStore
	PaymentStore
	CreditStore
	AuditLog
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// Resetter is implemented by stores that can wipe all data (demo scenarios).
type Resetter interface {
	Reset(ctx context.Context) error
}
