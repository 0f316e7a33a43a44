/*
Package fees provides the fee obligation and payment allocation engine.

PURPOSE:
  This package answers two questions for a school's finance office:
  "what does this student still owe?" and "where does this payment go?".
  It resolves which fee definitions apply to a student, applies
  discounts, tracks per-obligation payment state, keeps a ledger of
  over-payment credit, and allocates incoming money across obligations.

KEY CONCEPTS IN THIS FILE (types.go):
  - FeeObligationDefinition: a charge for an academic year + term
  - FeeException: a time-bounded discount for one student + definition
  - ObligationStatus: per-student payment state of one definition
  - Payment: immutable record of money applied to one obligation
  - ExcessFee / CreditUsage: credit created by over-payment and its draws
  - AuditLogEntry: append-only before/after record of every mutation

DESIGN PRINCIPLES:
  1. Precision: all money is decimal.Decimal, never float
  2. Immutability: Payments, CreditUsages and AuditLogEntries are never
     modified; corrections are new rows
  3. Monotonicity: ObligationStatus.PaidAmount only increases
  4. Explicitness: nothing is inferred from request shape

USAGE:
  engine := fees.NewEngine(store)
  result := engine.AllocatePayment(ctx, fees.PaymentRequest{
      StudentID:               "stu-1",
      Amount:                  decimal.NewFromInt(600),
      ObligationDefinitionIDs: []fees.DefinitionID{"tuition", "lunch"},
      AcademicYearID:          "2025",
      TermID:                  "T1",
      PaymentType:             fees.PaymentCash,
  })

SEE ALSO:
  - eligibility.go: which definitions apply to a student
  - exception.go: discount application
  - obligation.go: outstanding balance aggregation
  - credit.go: excess fee ledger
  - allocator.go: payment allocation
  - audit.go: audit recorder
*/
package fees

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

// MoneyScale is the number of decimal places money is rounded to whenever
// an operation can produce more (percentage discounts).
const MoneyScale int32 = 2

func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// floorZero clamps negative amounts to zero.
func floorZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

func minDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type StudentID string
type DefinitionID string
type ExceptionID string
type ObligationStatusID string
type PaymentID string
type ExcessFeeID string
type BatchID string
type AcademicYearID string
type TermID string

// NewID returns a random identifier with the given prefix.
func NewID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// =============================================================================
// STUDENT
// =============================================================================

type Student struct {
	ID                StudentID
	Name              string
	GradeID           string
	ClassID           string // empty = no active class assignment
	Categories        []string
	SpecialProgrammes []string
	Active            bool
	CreatedAt         time.Time
}

// HasActiveClass reports whether the student is assigned to a class.
func (s Student) HasActiveClass() bool {
	return s.ClassID != ""
}

// =============================================================================
// FEE OBLIGATION DEFINITION - A charge scoped to academic year + term
// =============================================================================

// FeeObligationDefinition is immutable once created except through
// Engine.UpdateDefinition, which bumps Version.
type FeeObligationDefinition struct {
	ID             DefinitionID
	FeeType        string
	AcademicYearID AcademicYearID
	TermID         TermID
	Amount         decimal.Decimal
	DueDate        *time.Time

	// Eligibility filter. Matching is any-of within a dimension.
	Categories        []string
	SpecialProgrammes []string
	Grades            []string
	Classes           []string // empty = all classes

	Version   int
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// FEE EXCEPTION - Time-bounded discount
// =============================================================================

type ExceptionType string

const (
	ExceptionPercentage  ExceptionType = "PERCENTAGE"
	ExceptionFixedAmount ExceptionType = "FIXED_AMOUNT"
)

func (t ExceptionType) Valid() bool {
	return t == ExceptionPercentage || t == ExceptionFixedAmount
}

type FeeException struct {
	ID           ExceptionID
	StudentID    StudentID
	DefinitionID DefinitionID
	Type         ExceptionType
	Value        decimal.Decimal
	StartDate    time.Time
	EndDate      *time.Time // nil = open ended
	Reason       string
	CreatedAt    time.Time
}

// ActiveAt returns true if the exception window contains at.
func (e FeeException) ActiveAt(at time.Time) bool {
	if at.Before(e.StartDate) {
		return false
	}
	if e.EndDate != nil && at.After(*e.EndDate) {
		return false
	}
	return true
}

// =============================================================================
// OBLIGATION STATUS - Per-student payment state of a definition
// =============================================================================

type ObligationState string

const (
	StatusPending   ObligationState = "PENDING"
	StatusPartial   ObligationState = "PARTIAL"
	StatusCompleted ObligationState = "COMPLETED"
	StatusOverdue   ObligationState = "OVERDUE"
)

type ObligationStatus struct {
	ID             ObligationStatusID
	StudentID      StudentID
	DefinitionID   DefinitionID
	AcademicYearID AcademicYearID
	TermID         TermID
	DueAmount      decimal.Decimal
	PaidAmount     decimal.Decimal
	Status         ObligationState
	LastPaymentAt  *time.Time
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Remaining returns max(DueAmount - PaidAmount, 0).
func (s ObligationStatus) Remaining() decimal.Decimal {
	return floorZero(s.DueAmount.Sub(s.PaidAmount))
}

// IsSettled reports PaidAmount >= DueAmount.
func (s ObligationStatus) IsSettled() bool {
	return s.PaidAmount.GreaterThanOrEqual(s.DueAmount)
}

// =============================================================================
// PAYMENT - Immutable record of money applied to one obligation
// =============================================================================

type PaymentType string

const (
	PaymentCash        PaymentType = "CASH"
	PaymentBank        PaymentType = "BANK"
	PaymentMobileMoney PaymentType = "MOBILE_MONEY"
	PaymentCheque      PaymentType = "CHEQUE"
	PaymentCard        PaymentType = "CARD"
)

func (t PaymentType) Valid() bool {
	switch t {
	case PaymentCash, PaymentBank, PaymentMobileMoney, PaymentCheque, PaymentCard:
		return true
	}
	return false
}

type Payment struct {
	ID                 PaymentID
	BatchID            BatchID
	ObligationStatusID ObligationStatusID
	StudentID          StudentID
	DefinitionID       DefinitionID
	AcademicYearID     AcademicYearID
	TermID             TermID
	Amount             decimal.Decimal // cash + credit applied to the obligation
	CreditAmount       decimal.Decimal // portion drawn from the credit ledger
	PaymentType        PaymentType
	Reference          string
	PerformedBy        string
	PaidAt             time.Time

	HasExcessFee         bool
	ExcessAmount         decimal.Decimal
	GeneratedExcessFeeID *ExcessFeeID
}

// =============================================================================
// CREDIT - Excess fees and their consumption
// =============================================================================

// ExcessFee is a unit of credit. Partial consumption reduces Amount in
// place; every draw is also recorded as a CreditUsage.
type ExcessFee struct {
	ID             ExcessFeeID
	StudentID      StudentID
	AcademicYearID AcademicYearID
	TermID         TermID
	OriginalAmount decimal.Decimal
	Amount         decimal.Decimal // remaining
	IsUsed         bool
	Description    string
	SourceBatchID  BatchID
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CreditUsage records one draw from an ExcessFee.
type CreditUsage struct {
	ID          string
	ExcessFeeID ExcessFeeID
	StudentID   StudentID
	BatchID     BatchID
	Amount      decimal.Decimal
	CreatedAt   time.Time
}

// =============================================================================
// AUDIT
// =============================================================================

type AuditEntityType string

const (
	EntityObligationStatus AuditEntityType = "obligation_status"
	EntityPayment          AuditEntityType = "payment"
	EntityExcessFee        AuditEntityType = "excess_fee"
	EntityDefinition       AuditEntityType = "fee_definition"
	EntityException        AuditEntityType = "fee_exception"
	EntityStudent          AuditEntityType = "student"
)

type AuditAction string

const (
	AuditObligationCreated AuditAction = "obligation_created"
	AuditObligationPaid    AuditAction = "obligation_paid"
	AuditObligationOverdue AuditAction = "obligation_overdue"
	AuditPaymentCreated    AuditAction = "payment_created"
	AuditCreditConsumed    AuditAction = "credit_consumed"
	AuditCreditCreated     AuditAction = "credit_created"
	AuditDefinitionCreated AuditAction = "definition_created"
	AuditDefinitionUpdated AuditAction = "definition_updated"
	AuditExceptionCreated  AuditAction = "exception_created"
	AuditStudentSaved      AuditAction = "student_saved"
)

// AuditLogEntry is append-only. Never updated, never deleted.
type AuditLogEntry struct {
	ID          string
	EntityType  AuditEntityType
	EntityID    string
	Action      AuditAction
	Changes     map[string]any
	OldValues   map[string]any
	NewValues   map[string]any
	PerformedBy string
	Timestamp   time.Time
}

type AuditFilter struct {
	EntityType *AuditEntityType
	EntityID   *string
	Actions    []AuditAction
	Limit      int
}
