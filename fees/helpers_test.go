package fees_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/fee-engine/fees"
	"github.com/warp/fee-engine/fees/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const (
	year fees.AcademicYearID = "2025"
	term fees.TermID         = "T1"
)

// tickingClock advances one second per call so rows created in sequence
// have distinct, ordered timestamps.
type tickingClock struct {
	t time.Time
}

func newClock() *tickingClock {
	return &tickingClock{t: time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *tickingClock) Now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestEngine(t *testing.T, opts ...fees.Option) (*fees.Engine, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	return newEngineOn(mem, opts...), mem
}

func newEngineOn(s fees.TxStore, opts ...fees.Option) *fees.Engine {
	all := append([]fees.Option{fees.WithClock(newClock().Now)}, opts...)
	return fees.NewEngine(s, all...)
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func date(y int, m time.Month, day int) *time.Time {
	t := time.Date(y, m, day, 0, 0, 0, 0, time.UTC)
	return &t
}

func assertMoney(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.Equal(t, d(want).StringFixed(2), got.StringFixed(2), msgAndArgs...)
}

func student(id fees.StudentID) fees.Student {
	return fees.Student{
		ID:      id,
		Name:    "Student " + string(id),
		GradeID: "G1",
		ClassID: "C1",
		Active:  true,
	}
}

func definition(id fees.DefinitionID, amount string, due *time.Time) fees.FeeObligationDefinition {
	return fees.FeeObligationDefinition{
		ID:             id,
		FeeType:        "Fee " + string(id),
		AcademicYearID: year,
		TermID:         term,
		Amount:         d(amount),
		DueDate:        due,
		Grades:         []string{"G1"},
		Version:        1,
		Active:         true,
	}
}

func seedStudent(t *testing.T, s fees.TxStore, st fees.Student) {
	t.Helper()
	require.NoError(t, s.SaveStudent(context.Background(), st))
}

func seedDefinitions(t *testing.T, s fees.TxStore, defs ...fees.FeeObligationDefinition) {
	t.Helper()
	for _, def := range defs {
		require.NoError(t, s.SaveDefinition(context.Background(), def))
	}
}

// seedCredit inserts an unused credit row created at the given time.
func seedCredit(t *testing.T, s fees.TxStore, id fees.ExcessFeeID, studentID fees.StudentID, amount string, createdAt time.Time) {
	t.Helper()
	require.NoError(t, s.InsertExcessFee(context.Background(), fees.ExcessFee{
		ID:             id,
		StudentID:      studentID,
		AcademicYearID: year,
		TermID:         term,
		OriginalAmount: d(amount),
		Amount:         d(amount),
		Version:        1,
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}))
}

func payment(studentID fees.StudentID, amount string, defs ...fees.DefinitionID) fees.PaymentRequest {
	return fees.PaymentRequest{
		StudentID:               studentID,
		Amount:                  d(amount),
		ObligationDefinitionIDs: defs,
		AcademicYearID:          year,
		TermID:                  term,
		PaymentType:             fees.PaymentCash,
		Reference:               "RCPT-" + amount,
		PerformedBy:             "bursar",
	}
}

func statusOf(t *testing.T, s fees.TxStore, studentID fees.StudentID, defID fees.DefinitionID) *fees.ObligationStatus {
	t.Helper()
	st, err := s.GetObligationStatus(context.Background(), studentID, defID, year, term)
	require.NoError(t, err)
	return st
}

func creditOf(t *testing.T, e *fees.Engine, studentID fees.StudentID) decimal.Decimal {
	t.Helper()
	bal, err := e.CreditBalance(context.Background(), studentID, year, term)
	require.NoError(t, err)
	return bal
}

func sumFeesPaid(r fees.PaymentResult) decimal.Decimal {
	total := decimal.Zero
	for _, f := range r.FeesPaid {
		total = total.Add(f.AmountPaid)
	}
	return total
}

// =============================================================================
// FAULT INJECTION
// =============================================================================

// faultyStore wraps the memory store and injects failures into the
// transactional view.
type faultyStore struct {
	*store.Memory
	failExcessUpdate bool
	failAudit        bool
	conflictsLeft    int
}

func (f *faultyStore) WithTx(ctx context.Context, fn func(fees.Store) error) error {
	return f.Memory.WithTx(ctx, func(tx fees.Store) error {
		return fn(&faultyTx{Store: tx, parent: f})
	})
}

type faultyTx struct {
	fees.Store
	parent *faultyStore
}

func (t *faultyTx) UpdateExcessFee(ctx context.Context, e fees.ExcessFee, expectedVersion int64) error {
	if t.parent.failExcessUpdate {
		return errors.New("disk I/O error")
	}
	return t.Store.UpdateExcessFee(ctx, e, expectedVersion)
}

func (t *faultyTx) AppendAudit(ctx context.Context, entry fees.AuditLogEntry) error {
	if t.parent.failAudit {
		return errors.New("audit table locked")
	}
	return t.Store.AppendAudit(ctx, entry)
}

func (t *faultyTx) UpdateObligationStatus(ctx context.Context, s fees.ObligationStatus, expectedVersion int64) error {
	if t.parent.conflictsLeft > 0 {
		t.parent.conflictsLeft--
		return &fees.ConcurrencyConflictError{Entity: "obligation status", ID: string(s.ID)}
	}
	return t.Store.UpdateObligationStatus(ctx, s, expectedVersion)
}

// recordingObserver captures engine events.
type recordingObserver struct {
	results       []fees.PaymentResult
	auditFailures int
}

func (o *recordingObserver) AllocationFinished(r fees.PaymentResult, _ time.Duration) {
	o.results = append(o.results, r)
}

func (o *recordingObserver) AuditFailed(fees.AuditEntityType, fees.AuditAction) {
	o.auditFailures++
}
