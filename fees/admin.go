package fees

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// REFERENCE DATA - students, definitions, exceptions
// =============================================================================

// SaveStudent creates or replaces a student record.
func (e *Engine) SaveStudent(ctx context.Context, s Student, performedBy string) (*Student, error) {
	if s.ID == "" {
		return nil, &ValidationError{Field: "id", Message: "is required"}
	}
	if s.GradeID == "" {
		return nil, &ValidationError{Field: "grade_id", Message: "is required"}
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = e.now()
	}
	err := e.store.WithTx(ctx, func(tx Store) error {
		if err := tx.SaveStudent(ctx, s); err != nil {
			return err
		}
		e.audit.Record(ctx, tx, AuditRecord{
			EntityType: EntityStudent,
			EntityID:   string(s.ID),
			Action:     AuditStudentSaved,
			NewValues: map[string]any{
				"name":               s.Name,
				"grade_id":           s.GradeID,
				"class_id":           s.ClassID,
				"categories":         s.Categories,
				"special_programmes": s.SpecialProgrammes,
				"active":             s.Active,
			},
			PerformedBy: performedBy,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// SaveDefinition creates a new definition at version 1. An existing ID is a
// validation error; use UpdateDefinition instead.
func (e *Engine) SaveDefinition(ctx context.Context, def FeeObligationDefinition, performedBy string) (*FeeObligationDefinition, error) {
	if def.ID == "" {
		def.ID = DefinitionID(NewID("def"))
	}
	if err := ValidateDefinition(def); err != nil {
		return nil, err
	}
	now := e.now()
	def.Version = 1
	def.Active = true
	def.CreatedAt = now
	def.UpdatedAt = now

	err := e.store.WithTx(ctx, func(tx Store) error {
		if _, err := tx.GetDefinition(ctx, def.ID); err == nil {
			return &ValidationError{Field: "id", Message: "definition " + string(def.ID) + " already exists"}
		} else if !IsNotFound(err) {
			return err
		}
		if err := tx.SaveDefinition(ctx, def); err != nil {
			return err
		}
		e.audit.Record(ctx, tx, AuditRecord{
			EntityType:  EntityDefinition,
			EntityID:    string(def.ID),
			Action:      AuditDefinitionCreated,
			NewValues:   definitionValues(def),
			PerformedBy: performedBy,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &def, nil
}

// UpdateDefinition replaces the mutable fields of a definition and bumps
// its Version. Existing obligation rows keep the DueAmount they were
// created with.
func (e *Engine) UpdateDefinition(ctx context.Context, def FeeObligationDefinition, performedBy string) (*FeeObligationDefinition, error) {
	if err := ValidateDefinition(def); err != nil {
		return nil, err
	}
	var updated FeeObligationDefinition
	err := e.store.WithTx(ctx, func(tx Store) error {
		old, err := tx.GetDefinition(ctx, def.ID)
		if err != nil {
			return err
		}
		updated = def
		updated.CreatedAt = old.CreatedAt
		updated.UpdatedAt = e.now()
		updated.Version = old.Version + 1
		if err := tx.SaveDefinition(ctx, updated); err != nil {
			return err
		}
		e.audit.Record(ctx, tx, AuditRecord{
			EntityType:  EntityDefinition,
			EntityID:    string(def.ID),
			Action:      AuditDefinitionUpdated,
			Changes:     map[string]any{"version": updated.Version},
			OldValues:   definitionValues(*old),
			NewValues:   definitionValues(updated),
			PerformedBy: performedBy,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// ValidateDefinition checks the fields every definition needs.
func ValidateDefinition(def FeeObligationDefinition) error {
	switch {
	case def.ID == "":
		return &ValidationError{Field: "id", Message: "is required"}
	case def.FeeType == "":
		return &ValidationError{Field: "fee_type", Message: "is required"}
	case def.AcademicYearID == "" || def.TermID == "":
		return &ValidationError{Field: "academic_year_id/term_id", Message: "academic year and term are required"}
	case def.Amount.IsNegative():
		return &ValidationError{Field: "amount", Message: "must not be negative"}
	case len(def.Categories) == 0 && len(def.SpecialProgrammes) == 0 && len(def.Grades) == 0:
		return &ValidationError{Field: "grades", Message: "a definition without categories or programmes needs at least one grade"}
	}
	return nil
}

// SaveException records a discount for one student and definition.
func (e *Engine) SaveException(ctx context.Context, exc FeeException, performedBy string) (*FeeException, error) {
	if exc.ID == "" {
		exc.ID = ExceptionID(NewID("exc"))
	}
	if err := ValidateException(exc); err != nil {
		return nil, err
	}
	exc.CreatedAt = e.now()

	err := e.store.WithTx(ctx, func(tx Store) error {
		if _, err := tx.GetStudent(ctx, exc.StudentID); err != nil {
			return err
		}
		if _, err := tx.GetDefinition(ctx, exc.DefinitionID); err != nil {
			return err
		}
		if err := tx.SaveException(ctx, exc); err != nil {
			return err
		}
		newValues := map[string]any{
			"student_id":    string(exc.StudentID),
			"definition_id": string(exc.DefinitionID),
			"type":          string(exc.Type),
			"value":         exc.Value.String(),
			"start_date":    exc.StartDate.Format(time.DateOnly),
			"reason":        exc.Reason,
		}
		if exc.EndDate != nil {
			newValues["end_date"] = exc.EndDate.Format(time.DateOnly)
		}
		e.audit.Record(ctx, tx, AuditRecord{
			EntityType:  EntityException,
			EntityID:    string(exc.ID),
			Action:      AuditExceptionCreated,
			NewValues:   newValues,
			PerformedBy: performedBy,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &exc, nil
}

func ValidateException(exc FeeException) error {
	switch {
	case exc.StudentID == "":
		return &ValidationError{Field: "student_id", Message: "is required"}
	case exc.DefinitionID == "":
		return &ValidationError{Field: "definition_id", Message: "is required"}
	case !exc.Type.Valid():
		return &ValidationError{Field: "type", Message: "must be PERCENTAGE or FIXED_AMOUNT"}
	case exc.Value.IsNegative():
		return &ValidationError{Field: "value", Message: "must not be negative"}
	case exc.Type == ExceptionPercentage && exc.Value.GreaterThan(hundred):
		return &ValidationError{Field: "value", Message: "percentage must not exceed 100"}
	case exc.StartDate.IsZero():
		return &ValidationError{Field: "start_date", Message: "is required"}
	case exc.EndDate != nil && exc.EndDate.Before(exc.StartDate):
		return &ValidationError{Field: "end_date", Message: "must not be before start_date"}
	}
	return nil
}

// =============================================================================
// OVERDUE SWEEP
// =============================================================================

// MarkOverdue flips every open obligation whose definition is due before
// asOf to OVERDUE. Returns how many rows changed. Each row is its own
// transaction so one conflict does not hold back the rest.
func (e *Engine) MarkOverdue(ctx context.Context, asOf time.Time, performedBy string) (int, error) {
	open, err := e.store.ListOpenObligationStatuses(ctx)
	if err != nil {
		return 0, err
	}

	dueDates := map[DefinitionID]*time.Time{}
	marked := 0
	for _, st := range open {
		if st.Status == StatusOverdue || st.IsSettled() {
			continue
		}
		due, ok := dueDates[st.DefinitionID]
		if !ok {
			def, err := e.store.GetDefinition(ctx, st.DefinitionID)
			if err != nil {
				return marked, err
			}
			due = def.DueDate
			dueDates[st.DefinitionID] = due
		}
		if due == nil || !due.Before(asOf) {
			continue
		}

		err := e.store.WithTx(ctx, func(tx Store) error {
			updated := st
			updated.Status = StatusOverdue
			updated.UpdatedAt = e.now()
			if err := tx.UpdateObligationStatus(ctx, updated, st.Version); err != nil {
				return err
			}
			updated.Version = st.Version + 1
			e.audit.Record(ctx, tx, AuditRecord{
				EntityType:  EntityObligationStatus,
				EntityID:    string(st.ID),
				Action:      AuditObligationOverdue,
				Changes:     map[string]any{"as_of": asOf.Format(time.RFC3339)},
				OldValues:   statusValues(st),
				NewValues:   statusValues(updated),
				PerformedBy: performedBy,
			})
			return nil
		})
		if IsRetryable(err) {
			// a payment touched the row; the next sweep sees it again
			e.logger.WarnContext(ctx, "overdue sweep skipped row", slog.String("obligation_id", string(st.ID)))
			continue
		}
		if err != nil {
			return marked, err
		}
		marked++
	}

	e.logger.InfoContext(ctx, "overdue sweep finished",
		slog.Time("as_of", asOf),
		slog.Int("checked", len(open)),
		slog.Int("marked", marked))
	return marked, nil
}

// =============================================================================
// STATEMENT
// =============================================================================

// StudentStatement is the ledger view of one student for a term.
type StudentStatement struct {
	Summary      StudentObligationSummary `json:"summary"`
	Payments     []Payment                `json:"payments"`
	ExcessFees   []ExcessFee              `json:"excess_fees"`
	CreditUsages []CreditUsage            `json:"credit_usages"`
}

func (e *Engine) StudentStatement(ctx context.Context, studentID StudentID, year AcademicYearID, term TermID) (*StudentStatement, error) {
	if year == "" || term == "" {
		return nil, &ValidationError{Field: "academic_year_id/term_id", Message: "academic year and term are required"}
	}
	student, err := e.store.GetStudent(ctx, studentID)
	if err != nil {
		return nil, err
	}
	defs, err := e.store.ListDefinitions(ctx, year, term)
	if err != nil {
		return nil, err
	}
	summary, err := e.summarize(ctx, e.store, *student, defs, year, term, e.now(), true)
	if err != nil {
		return nil, err
	}
	payments, err := e.store.ListPayments(ctx, studentID, year, term)
	if err != nil {
		return nil, err
	}
	excess, err := e.store.ListExcessFees(ctx, studentID, year, term)
	if err != nil {
		return nil, err
	}
	usages, err := e.store.ListCreditUsages(ctx, studentID)
	if err != nil {
		return nil, err
	}

	inScope := make(map[ExcessFeeID]bool, len(excess))
	for _, x := range excess {
		inScope[x.ID] = true
	}
	scoped := make([]CreditUsage, 0, len(usages))
	for _, u := range usages {
		if inScope[u.ExcessFeeID] {
			scoped = append(scoped, u)
		}
	}

	return &StudentStatement{
		Summary:      summary,
		Payments:     payments,
		ExcessFees:   excess,
		CreditUsages: scoped,
	}, nil
}

// CreditBalance returns the student's unused credit for a term.
func (e *Engine) CreditBalance(ctx context.Context, studentID StudentID, year AcademicYearID, term TermID) (decimal.Decimal, error) {
	if _, err := e.store.GetStudent(ctx, studentID); err != nil {
		return decimal.Zero, err
	}
	return e.creditLedger(e.store, "").Available(ctx, studentID, year, term)
}
