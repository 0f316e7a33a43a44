package fees_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/fee-engine/fees"
)

func TestSaveDefinition_CreatesVersionOne(t *testing.T) {
	ctx := context.Background()
	engine, mem := newTestEngine(t)
	def := definition("tuition", "500", nil)
	def.Version = 7
	def.Active = false

	saved, err := engine.SaveDefinition(ctx, def, "admin")

	require.NoError(t, err)
	assert.Equal(t, 1, saved.Version)
	assert.True(t, saved.Active)
	stored, err := mem.GetDefinition(ctx, "tuition")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Version)

	_, err = engine.SaveDefinition(ctx, def, "admin")
	assert.True(t, errors.Is(err, fees.ErrValidation), "duplicate id must be rejected")
}

func TestSaveDefinition_Validation(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	noTarget := definition("x", "100", nil)
	noTarget.Grades = nil
	_, err := engine.SaveDefinition(ctx, noTarget, "admin")
	assert.True(t, errors.Is(err, fees.ErrValidation))

	negative := definition("y", "-1", nil)
	_, err = engine.SaveDefinition(ctx, negative, "admin")
	assert.True(t, errors.Is(err, fees.ErrValidation))
}

func TestUpdateDefinition_BumpsVersionAndAudits(t *testing.T) {
	// GIVEN: A definition at version 1
	// WHEN: Raising its amount
	// THEN: Version 2, and the audit entry carries old and new amounts

	ctx := context.Background()
	engine, mem := newTestEngine(t)
	_, err := engine.SaveDefinition(ctx, definition("tuition", "500", nil), "admin")
	require.NoError(t, err)

	changed := definition("tuition", "550", nil)
	updated, err := engine.UpdateDefinition(ctx, changed, "admin")

	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)
	entityID := "tuition"
	entries, err := mem.QueryAudit(ctx, fees.AuditFilter{EntityID: &entityID, Actions: []fees.AuditAction{fees.AuditDefinitionUpdated}})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "500.00", entries[0].OldValues["amount"])
	assert.Equal(t, "550.00", entries[0].NewValues["amount"])

	_, err = engine.UpdateDefinition(ctx, definition("missing", "1", nil), "admin")
	assert.True(t, fees.IsNotFound(err))
}

func TestUpdateDefinition_ExistingObligationKeepsDueAmount(t *testing.T) {
	ctx := context.Background()
	engine, mem := newTestEngine(t)
	seedStudent(t, mem, student("stu-1"))
	_, err := engine.SaveDefinition(ctx, definition("tuition", "500", nil), "admin")
	require.NoError(t, err)
	require.True(t, engine.AllocatePayment(ctx, payment("stu-1", "100", "tuition")).Success)

	_, err = engine.UpdateDefinition(ctx, definition("tuition", "800", nil), "admin")
	require.NoError(t, err)

	st := statusOf(t, mem, "stu-1", "tuition")
	assertMoney(t, "500", st.DueAmount)
}

func TestSaveException_Validation(t *testing.T) {
	ctx := context.Background()
	engine, mem := newTestEngine(t)
	seedStudent(t, mem, student("stu-1"))
	seedDefinitions(t, mem, definition("tuition", "500", nil))
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	before := start.Add(-time.Hour)

	tests := []struct {
		name string
		exc  fees.FeeException
		want error
	}{
		{"bad type", fees.FeeException{StudentID: "stu-1", DefinitionID: "tuition", Type: "BOGUS", Value: d("1"), StartDate: start}, fees.ErrValidation},
		{"over 100 percent", fees.FeeException{StudentID: "stu-1", DefinitionID: "tuition", Type: fees.ExceptionPercentage, Value: d("101"), StartDate: start}, fees.ErrValidation},
		{"end before start", fees.FeeException{StudentID: "stu-1", DefinitionID: "tuition", Type: fees.ExceptionFixedAmount, Value: d("1"), StartDate: start, EndDate: &before}, fees.ErrValidation},
		{"unknown student", fees.FeeException{StudentID: "stu-x", DefinitionID: "tuition", Type: fees.ExceptionFixedAmount, Value: d("1"), StartDate: start}, fees.ErrNotFound},
		{"unknown definition", fees.FeeException{StudentID: "stu-1", DefinitionID: "nope", Type: fees.ExceptionFixedAmount, Value: d("1"), StartDate: start}, fees.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.SaveException(ctx, tt.exc, "admin")
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestMarkOverdue(t *testing.T) {
	// GIVEN: A settled fee due in January and a partly paid one due in June
	// WHEN: Sweeping in March, then twice in July
	// THEN: Only the June fee flips, once, and only after its due date

	ctx := context.Background()
	engine, mem := newTestEngine(t)
	seedStudent(t, mem, student("stu-1"))
	seedDefinitions(t, mem,
		definition("jan", "500", date(2025, time.January, 10)),
		definition("jun", "500", date(2025, time.June, 10)),
	)
	require.True(t, engine.AllocatePayment(ctx, payment("stu-1", "600", "jan", "jun")).Success)

	asOf := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
	marked, err := engine.MarkOverdue(ctx, asOf, "scheduler")
	require.NoError(t, err)
	assert.Equal(t, 0, marked, "jan is fully paid, jun is not yet due")

	require.True(t, engine.AllocatePayment(ctx, payment("stu-1", "100", "jun")).Success)
	marked, err = engine.MarkOverdue(ctx, time.Date(2025, time.July, 1, 0, 0, 0, 0, time.UTC), "scheduler")
	require.NoError(t, err)
	assert.Equal(t, 1, marked)
	assert.Equal(t, fees.StatusOverdue, statusOf(t, mem, "stu-1", "jun").Status)

	marked, err = engine.MarkOverdue(ctx, time.Date(2025, time.July, 1, 0, 0, 0, 0, time.UTC), "scheduler")
	require.NoError(t, err)
	assert.Equal(t, 0, marked)

	// A later payment moves the row on again.
	result := engine.AllocatePayment(ctx, payment("stu-1", "300", "jun"))
	require.True(t, result.Success)
	assert.Equal(t, fees.StatusCompleted, statusOf(t, mem, "stu-1", "jun").Status)
}

func TestStudentStatement(t *testing.T) {
	ctx := context.Background()
	engine, mem := newTestEngine(t)
	seedStudent(t, mem, student("stu-1"))
	seedDefinitions(t, mem, definition("tuition", "400", nil), definition("books", "100", nil))
	require.True(t, engine.AllocatePayment(ctx, payment("stu-1", "450", "tuition")).Success)

	req := payment("stu-1", "20", "books")
	req.UseCreditBalance = true
	require.True(t, engine.AllocatePayment(ctx, req).Success)

	stmt, err := engine.StudentStatement(ctx, "stu-1", year, term)

	require.NoError(t, err)
	assert.Len(t, stmt.Payments, 2)
	require.Len(t, stmt.ExcessFees, 1)
	assert.True(t, stmt.ExcessFees[0].IsUsed)
	assertMoney(t, "50", stmt.ExcessFees[0].OriginalAmount)
	require.Len(t, stmt.CreditUsages, 1)
	assertMoney(t, "50", stmt.CreditUsages[0].Amount)
	assertMoney(t, "500", stmt.Summary.TotalApplicable)
	assertMoney(t, "470", stmt.Summary.TotalPaid)
	assertMoney(t, "30", stmt.Summary.TotalRemaining)
	assertMoney(t, "0", stmt.Summary.AvailableCredit)
	assertMoney(t, "30", stmt.Summary.NetRemaining)
	assert.Len(t, stmt.Summary.Obligations, 2, "statement includes settled obligations")

	_, err = engine.StudentStatement(ctx, "stu-404", year, term)
	assert.True(t, fees.IsNotFound(err))
}
