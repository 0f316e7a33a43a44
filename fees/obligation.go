/*
obligation.go - Outstanding obligations per student

PURPOSE:
  Answers "what does this student still owe for this term?" by combining
  eligibility, discounts, recorded payments and available credit. This is
  the read path behind the unpaid-fees report; it never writes.

CALCULATION (per obligation):
  remaining = max(adjustedAmount - paidAmount, 0)

CALCULATION (per student):
  TotalApplicable = sum(adjustedAmount)
  TotalPaid       = sum(paidAmount)
  TotalRemaining  = sum(remaining)
  AvailableCredit = sum(unused ExcessFee.Amount) for student + year + term
  NetRemaining    = max(TotalRemaining - AvailableCredit, 0)

SEE ALSO:
  - eligibility.go, exception.go: inputs
  - credit.go: AvailableCredit
*/
package fees

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SUMMARY TYPES
// =============================================================================

type OutstandingObligation struct {
	DefinitionID   DefinitionID    `json:"definition_id"`
	FeeType        string          `json:"fee_type"`
	DueDate        *time.Time      `json:"due_date,omitempty"`
	BaseAmount     decimal.Decimal `json:"base_amount"`
	AdjustedAmount decimal.Decimal `json:"adjusted_amount"`
	PaidAmount     decimal.Decimal `json:"paid_amount"`
	Remaining      decimal.Decimal `json:"remaining"`
	Status         ObligationState `json:"status"`
	Adjustment     string          `json:"adjustment,omitempty"`
}

type StudentObligationSummary struct {
	StudentID       StudentID               `json:"student_id"`
	StudentName     string                  `json:"student_name"`
	GradeID         string                  `json:"grade_id"`
	ClassID         string                  `json:"class_id"`
	AcademicYearID  AcademicYearID          `json:"academic_year_id"`
	TermID          TermID                  `json:"term_id"`
	Obligations     []OutstandingObligation `json:"obligations"`
	TotalApplicable decimal.Decimal         `json:"total_applicable"`
	TotalPaid       decimal.Decimal         `json:"total_paid"`
	TotalRemaining  decimal.Decimal         `json:"total_remaining"`
	AvailableCredit decimal.Decimal         `json:"available_credit"`
	NetRemaining    decimal.Decimal         `json:"net_remaining"`
}

// StudentSetFilter selects the students of an unpaid-obligations report.
type StudentSetFilter struct {
	AcademicYearID AcademicYearID
	TermID         TermID
	StudentIDs     []StudentID
	ClassID        string
	GradeID        string

	// RequireClass makes the report class-scoped: a selected student with
	// no active class is a NotFoundError.
	RequireClass bool

	// IncludeSettled lists obligations with nothing remaining.
	IncludeSettled bool

	// OnlyOutstanding drops students whose TotalRemaining is zero.
	OnlyOutstanding bool

	// AsOf is the evaluation time for exception windows. Zero = now.
	AsOf time.Time
}

func (f StudentSetFilter) classScoped() bool {
	return f.RequireClass || f.ClassID != ""
}

// matches applies the grade and class filters to an explicitly requested
// student. A student without an active class passes so the class-scoped
// check can report it.
func (f StudentSetFilter) matches(s Student) bool {
	if f.GradeID != "" && s.GradeID != f.GradeID {
		return false
	}
	return f.ClassID == "" || !s.HasActiveClass() || s.ClassID == f.ClassID
}

// =============================================================================
// OBLIGATION AGGREGATOR - pure combination of already-loaded inputs
// =============================================================================

type ObligationAggregator struct {
	Adjuster ExceptionAdjuster
}

type AggregateInput struct {
	Student         Student
	Definitions     []FeeObligationDefinition
	Exceptions      []FeeException
	Statuses        []ObligationStatus
	AvailableCredit decimal.Decimal
	AcademicYearID  AcademicYearID
	TermID          TermID
	At              time.Time
	IncludeSettled  bool
}

func (a ObligationAggregator) Summarize(in AggregateInput) StudentObligationSummary {
	byDef := make(map[DefinitionID]ObligationStatus, len(in.Statuses))
	for _, s := range in.Statuses {
		byDef[s.DefinitionID] = s
	}

	summary := StudentObligationSummary{
		StudentID:       in.Student.ID,
		StudentName:     in.Student.Name,
		GradeID:         in.Student.GradeID,
		ClassID:         in.Student.ClassID,
		AcademicYearID:  in.AcademicYearID,
		TermID:          in.TermID,
		Obligations:     []OutstandingObligation{},
		TotalApplicable: decimal.Zero,
		TotalPaid:       decimal.Zero,
		TotalRemaining:  decimal.Zero,
		AvailableCredit: in.AvailableCredit,
	}

	eligible := ResolveEligible(in.Student, in.Definitions)
	for _, adj := range a.Adjuster.Adjust(eligible, in.Exceptions, in.At) {
		applicable := adj.AdjustedAmount
		paid := decimal.Zero
		state := StatusPending
		// Once a status row exists its DueAmount is what is owed; later
		// exceptions and definition edits only reach unstarted obligations.
		if st, ok := byDef[adj.Definition.ID]; ok {
			applicable = st.DueAmount
			paid = st.PaidAmount
			state = st.Status
		} else if due := adj.Definition.DueDate; due != nil && due.Before(in.At) {
			state = StatusOverdue
		}
		remaining := floorZero(applicable.Sub(paid))

		summary.TotalApplicable = summary.TotalApplicable.Add(applicable)
		summary.TotalPaid = summary.TotalPaid.Add(paid)
		summary.TotalRemaining = summary.TotalRemaining.Add(remaining)

		if !remaining.IsPositive() && !in.IncludeSettled {
			continue
		}
		summary.Obligations = append(summary.Obligations, OutstandingObligation{
			DefinitionID:   adj.Definition.ID,
			FeeType:        adj.Definition.FeeType,
			DueDate:        adj.Definition.DueDate,
			BaseAmount:     adj.BaseAmount,
			AdjustedAmount: applicable,
			PaidAmount:     paid,
			Remaining:      remaining,
			Status:         state,
			Adjustment:     adj.Description,
		})
	}
	summary.NetRemaining = floorZero(summary.TotalRemaining.Sub(summary.AvailableCredit))
	return summary
}

// =============================================================================
// ENGINE READ PATH
// =============================================================================

// GetUnpaidObligations summarises every selected student for the term.
func (e *Engine) GetUnpaidObligations(ctx context.Context, filter StudentSetFilter) ([]StudentObligationSummary, error) {
	if filter.AcademicYearID == "" || filter.TermID == "" {
		return nil, &ValidationError{Field: "academic_year_id/term_id", Message: "academic year and term are required"}
	}
	at := filter.AsOf
	if at.IsZero() {
		at = e.now()
	}

	students, err := e.selectStudents(ctx, filter)
	if err != nil {
		return nil, err
	}
	defs, err := e.store.ListDefinitions(ctx, filter.AcademicYearID, filter.TermID)
	if err != nil {
		return nil, err
	}

	summaries := make([]StudentObligationSummary, 0, len(students))
	for _, student := range students {
		if filter.classScoped() && !student.HasActiveClass() {
			return nil, &NotFoundError{Entity: "class assignment", ID: string(student.ID)}
		}
		summary, err := e.summarize(ctx, e.store, student, defs, filter.AcademicYearID, filter.TermID, at, filter.IncludeSettled)
		if err != nil {
			return nil, err
		}
		if filter.OnlyOutstanding && !summary.TotalRemaining.IsPositive() {
			continue
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

func (e *Engine) selectStudents(ctx context.Context, filter StudentSetFilter) ([]Student, error) {
	if len(filter.StudentIDs) > 0 {
		out := make([]Student, 0, len(filter.StudentIDs))
		for _, id := range filter.StudentIDs {
			s, err := e.store.GetStudent(ctx, id)
			if err != nil {
				return nil, err
			}
			if !s.Active || !filter.matches(*s) {
				continue
			}
			out = append(out, *s)
		}
		return out, nil
	}
	all, err := e.store.ListStudents(ctx, StudentQuery{ClassID: filter.ClassID, GradeID: filter.GradeID})
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, s := range all {
		if s.Active {
			out = append(out, s)
		}
	}
	return out, nil
}

func (e *Engine) summarize(ctx context.Context, store Store, student Student, defs []FeeObligationDefinition, year AcademicYearID, term TermID, at time.Time, includeSettled bool) (StudentObligationSummary, error) {
	exceptions, err := store.ActiveExceptions(ctx, student.ID, at)
	if err != nil {
		return StudentObligationSummary{}, err
	}
	statuses, err := store.ListObligationStatuses(ctx, student.ID, year, term)
	if err != nil {
		return StudentObligationSummary{}, err
	}
	credit, err := e.creditLedger(store, "").Available(ctx, student.ID, year, term)
	if err != nil {
		return StudentObligationSummary{}, err
	}
	return e.aggregator.Summarize(AggregateInput{
		Student:         student,
		Definitions:     defs,
		Exceptions:      exceptions,
		Statuses:        statuses,
		AvailableCredit: credit,
		AcademicYearID:  year,
		TermID:          term,
		At:              at,
		IncludeSettled:  includeSettled,
	}), nil
}

func joinIDs(ids []DefinitionID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, ",")
}
