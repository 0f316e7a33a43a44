/*
allocator.go - Payment allocation across outstanding obligations

PURPOSE:
  The write path of the engine. One incoming payment (plus, optionally,
  the student's credit balance) is spread over a set of obligations in a
  fixed order. Over-payment becomes credit.

ALGORITHM:
  1. Validate input (before any transaction opens)
  2. Inside one transaction:
     a. target = eligible definitions ∩ requested IDs, discounted,
        ordered by due date (nil last) then ID
     b. credit snapshot = available credit, read once
     c. for each target while cash or credit remains:
          owed = due - paid
          cash = min(owed, remainingPayment)
          if cash < owed and credit > 0: draw min(owed - cash, credit)
          apply cash + credit, COMPLETED if paid >= due else PARTIAL
          remainingPayment -= cash   (credit never depletes the payment)
     d. leftover cash -> new ExcessFee, last payment tagged with it
     e. payments inserted
  3. Conflicts retry the whole transaction with a new batch ID

CONSERVATION:
  sum(FeesPaid[].AmountPaid) + ExcessAmount == Amount + CreditUsed

SEE ALSO:
  - credit.go: FIFO draws and credit creation
  - obligation.go: read-side view of the same numbers
*/
package fees

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// REQUEST / RESULT
// =============================================================================

type PaymentRequest struct {
	StudentID               StudentID
	Amount                  decimal.Decimal
	ObligationDefinitionIDs []DefinitionID
	AcademicYearID          AcademicYearID
	TermID                  TermID
	UseCreditBalance        bool
	PaymentType             PaymentType
	Reference               string
	PerformedBy             string
	PaidAt                  time.Time // zero = engine clock
}

// FeePaid is the per-obligation line of a PaymentResult.
type FeePaid struct {
	DefinitionID  DefinitionID    `json:"definition_id"`
	FeeType       string          `json:"fee_type"`
	AmountPaid    decimal.Decimal `json:"amount_paid"`
	CreditApplied decimal.Decimal `json:"credit_applied"`
	PaidAmount    decimal.Decimal `json:"paid_amount"`
	DueAmount     decimal.Decimal `json:"due_amount"`
	Status        ObligationState `json:"status"`
}

type PaymentResult struct {
	Success             bool            `json:"success"`
	StudentID           StudentID       `json:"student_id"`
	BatchID             BatchID         `json:"batch_id,omitempty"`
	TotalPaid           decimal.Decimal `json:"total_paid"`
	CashApplied         decimal.Decimal `json:"cash_applied"`
	FeesPaid            []FeePaid       `json:"fees_paid"`
	PrimaryDefinitionID DefinitionID    `json:"primary_definition_id,omitempty"`
	CreditUsed          decimal.Decimal `json:"credit_used"`
	ExcessAmount        decimal.Decimal `json:"excess_amount"`
	ExcessFeeID         *ExcessFeeID    `json:"excess_fee_id,omitempty"`
	ErrorCode           string          `json:"error_code,omitempty"`
	ErrorMessage        string          `json:"error_message,omitempty"`

	// Err is the underlying error for Go callers. Not serialised.
	Err error `json:"-"`
}

func failedResult(studentID StudentID, err error) PaymentResult {
	return PaymentResult{
		Success:      false,
		StudentID:    studentID,
		TotalPaid:    decimal.Zero,
		CashApplied:  decimal.Zero,
		FeesPaid:     []FeePaid{},
		CreditUsed:   decimal.Zero,
		ExcessAmount: decimal.Zero,
		ErrorCode:    ErrorCode(err),
		ErrorMessage: err.Error(),
		Err:          err,
	}
}

// =============================================================================
// ENTRY POINTS
// =============================================================================

// AllocatePayment applies one payment atomically. Failures come back as a
// result with Success=false; nothing is persisted for a failed payment.
func (e *Engine) AllocatePayment(ctx context.Context, req PaymentRequest) PaymentResult {
	start := time.Now()
	result := e.allocate(ctx, req)
	e.observer.AllocationFinished(result, time.Since(start))

	if result.Success {
		e.logger.InfoContext(ctx, "payment allocated",
			slog.String("student_id", string(result.StudentID)),
			slog.String("batch_id", string(result.BatchID)),
			slog.String("total_paid", money(result.TotalPaid)),
			slog.String("credit_used", money(result.CreditUsed)),
			slog.String("excess", money(result.ExcessAmount)),
			slog.Int("fees", len(result.FeesPaid)))
	} else {
		e.logger.WarnContext(ctx, "payment rejected",
			slog.String("student_id", string(req.StudentID)),
			slog.String("code", result.ErrorCode),
			slog.String("error", result.ErrorMessage))
	}
	return result
}

// AllocatePaymentBatch runs each request in its own transaction, in order.
// A failed request does not affect the others.
func (e *Engine) AllocatePaymentBatch(ctx context.Context, reqs []PaymentRequest) []PaymentResult {
	results := make([]PaymentResult, 0, len(reqs))
	for _, req := range reqs {
		results = append(results, e.AllocatePayment(ctx, req))
	}
	return results
}

func (e *Engine) allocate(ctx context.Context, req PaymentRequest) PaymentResult {
	if err := e.validatePayment(ctx, req); err != nil {
		return failedResult(req.StudentID, err)
	}
	if req.PaidAt.IsZero() {
		req.PaidAt = e.now()
	}

	var lastErr error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		var result PaymentResult
		err := e.store.WithTx(ctx, func(tx Store) error {
			var err error
			result, err = e.allocateOnce(ctx, tx, req)
			return err
		})
		if err == nil {
			return result
		}
		lastErr = err
		if !IsRetryable(err) {
			break
		}
		e.logger.WarnContext(ctx, "allocation conflict, retrying",
			slog.String("student_id", string(req.StudentID)),
			slog.Int("attempt", attempt+1),
			slog.Any("error", err))
	}
	return failedResult(req.StudentID, lastErr)
}

func (e *Engine) validatePayment(ctx context.Context, req PaymentRequest) error {
	switch {
	case req.StudentID == "":
		return &ValidationError{Field: "student_id", Message: "is required"}
	case !req.Amount.IsPositive():
		return &ValidationError{Field: "amount", Message: "must be greater than zero"}
	case len(req.ObligationDefinitionIDs) == 0:
		return &ValidationError{Field: "obligation_definition_ids", Message: "at least one obligation is required"}
	case req.AcademicYearID == "" || req.TermID == "":
		return &ValidationError{Field: "academic_year_id/term_id", Message: "academic year and term are required"}
	case !req.PaymentType.Valid():
		return &ValidationError{Field: "payment_type", Message: "unknown payment type " + string(req.PaymentType)}
	}
	if !req.Amount.Equal(req.Amount.Round(MoneyScale)) {
		return &ValidationError{Field: "amount", Message: "more than two decimal places"}
	}

	student, err := e.store.GetStudent(ctx, req.StudentID)
	if err != nil {
		if IsNotFound(err) {
			return &ValidationError{Field: "student_id", Message: "unknown student " + string(req.StudentID)}
		}
		return err
	}
	if !student.Active {
		return &ValidationError{Field: "student_id", Message: "student is not active"}
	}
	return nil
}

// =============================================================================
// ONE ATTEMPT
// =============================================================================

type allocationTarget struct {
	adjusted AdjustedObligation
	status   *ObligationStatus // nil until first allocation
}

func (t allocationTarget) owed() decimal.Decimal {
	if t.status == nil {
		return t.adjusted.AdjustedAmount
	}
	return t.status.Remaining()
}

func (e *Engine) allocateOnce(ctx context.Context, tx Store, req PaymentRequest) (PaymentResult, error) {
	batchID := BatchID(NewID("batch"))
	ledger := e.creditLedger(tx, req.PerformedBy)

	targets, err := e.loadTargets(ctx, tx, req)
	if err != nil {
		return PaymentResult{}, err
	}

	creditLeft := decimal.Zero
	if req.UseCreditBalance {
		if creditLeft, err = ledger.Available(ctx, req.StudentID, req.AcademicYearID, req.TermID); err != nil {
			return PaymentResult{}, err
		}
	}

	result := PaymentResult{
		Success:      true,
		StudentID:    req.StudentID,
		BatchID:      batchID,
		TotalPaid:    decimal.Zero,
		FeesPaid:     []FeePaid{},
		CreditUsed:   decimal.Zero,
		ExcessAmount: decimal.Zero,
	}
	remainingPayment := req.Amount
	var payments []Payment

	for _, target := range targets {
		if !remainingPayment.IsPositive() && !creditLeft.IsPositive() {
			break
		}
		owed := target.owed()
		if !owed.IsPositive() {
			continue
		}

		cash := minDecimal(owed, remainingPayment)
		credit := decimal.Zero
		if cash.LessThan(owed) && creditLeft.IsPositive() {
			credit = minDecimal(owed.Sub(cash), creditLeft)
			_, err := ledger.Consume(ctx, ConsumeRequest{
				StudentID:      req.StudentID,
				AcademicYearID: req.AcademicYearID,
				TermID:         req.TermID,
				Amount:         credit,
				BatchID:        batchID,
			})
			if err != nil {
				return PaymentResult{}, err
			}
			creditLeft = creditLeft.Sub(credit)
			result.CreditUsed = result.CreditUsed.Add(credit)
		}

		applied := cash.Add(credit)
		if !applied.IsPositive() {
			continue
		}

		status, err := e.applyToObligation(ctx, tx, req, target, applied)
		if err != nil {
			return PaymentResult{}, err
		}

		payments = append(payments, Payment{
			ID:                 PaymentID(NewID("pay")),
			BatchID:            batchID,
			ObligationStatusID: status.ID,
			StudentID:          req.StudentID,
			DefinitionID:       target.adjusted.Definition.ID,
			AcademicYearID:     req.AcademicYearID,
			TermID:             req.TermID,
			Amount:             applied,
			CreditAmount:       credit,
			PaymentType:        req.PaymentType,
			Reference:          req.Reference,
			PerformedBy:        req.PerformedBy,
			PaidAt:             req.PaidAt,
			ExcessAmount:       decimal.Zero,
		})
		result.FeesPaid = append(result.FeesPaid, FeePaid{
			DefinitionID:  target.adjusted.Definition.ID,
			FeeType:       target.adjusted.Definition.FeeType,
			AmountPaid:    applied,
			CreditApplied: credit,
			PaidAmount:    status.PaidAmount,
			DueAmount:     status.DueAmount,
			Status:        status.Status,
		})
		if result.PrimaryDefinitionID == "" {
			result.PrimaryDefinitionID = target.adjusted.Definition.ID
		}
		result.TotalPaid = result.TotalPaid.Add(applied)
		remainingPayment = remainingPayment.Sub(cash)
	}

	if remainingPayment.IsPositive() {
		excess, err := ledger.Create(ctx, CreditGrant{
			StudentID:      req.StudentID,
			AcademicYearID: req.AcademicYearID,
			TermID:         req.TermID,
			Amount:         remainingPayment,
			Description:    "overpayment " + string(batchID),
			BatchID:        batchID,
		})
		if err != nil {
			return PaymentResult{}, err
		}
		result.ExcessAmount = remainingPayment
		result.ExcessFeeID = &excess.ID
		if n := len(payments); n > 0 {
			payments[n-1].HasExcessFee = true
			payments[n-1].ExcessAmount = remainingPayment
			payments[n-1].GeneratedExcessFeeID = &excess.ID
		}
	}
	result.CashApplied = req.Amount.Sub(result.ExcessAmount)

	for _, p := range payments {
		if err := tx.InsertPayment(ctx, p); err != nil {
			return PaymentResult{}, err
		}
		e.audit.Record(ctx, tx, AuditRecord{
			EntityType:  EntityPayment,
			EntityID:    string(p.ID),
			Action:      AuditPaymentCreated,
			Changes:     map[string]any{"amount": money(p.Amount), "credit_amount": money(p.CreditAmount)},
			NewValues:   paymentValues(p),
			PerformedBy: req.PerformedBy,
		})
	}
	return result, nil
}

// loadTargets resolves the requested definitions the student is liable for,
// with discounts applied and existing obligation rows attached.
func (e *Engine) loadTargets(ctx context.Context, tx Store, req PaymentRequest) ([]allocationTarget, error) {
	student, err := tx.GetStudent(ctx, req.StudentID)
	if err != nil {
		return nil, err
	}
	defs, err := tx.ListDefinitions(ctx, req.AcademicYearID, req.TermID)
	if err != nil {
		return nil, err
	}
	requested := make([]FeeObligationDefinition, 0, len(req.ObligationDefinitionIDs))
	for _, def := range defs {
		if slices.Contains(req.ObligationDefinitionIDs, def.ID) {
			requested = append(requested, def)
		}
	}
	eligible := ResolveEligible(*student, requested)
	if len(eligible) == 0 {
		return nil, &NotFoundError{Entity: "eligible obligation", ID: joinIDs(req.ObligationDefinitionIDs)}
	}

	exceptions, err := tx.ActiveExceptions(ctx, req.StudentID, req.PaidAt)
	if err != nil {
		return nil, err
	}
	adjusted := e.adjuster.Adjust(eligible, exceptions, req.PaidAt)

	targets := make([]allocationTarget, 0, len(adjusted))
	for _, adj := range adjusted {
		status, err := tx.GetObligationStatus(ctx, req.StudentID, adj.Definition.ID, req.AcademicYearID, req.TermID)
		if err != nil {
			return nil, err
		}
		targets = append(targets, allocationTarget{adjusted: adj, status: status})
	}
	return targets, nil
}

// applyToObligation adds amount to the obligation, creating its status row
// on first touch. amount never exceeds what is owed.
func (e *Engine) applyToObligation(ctx context.Context, tx Store, req PaymentRequest, target allocationTarget, amount decimal.Decimal) (ObligationStatus, error) {
	now := e.now()
	paidAt := req.PaidAt

	if target.status == nil {
		status := ObligationStatus{
			ID:             ObligationStatusID(NewID("obl")),
			StudentID:      req.StudentID,
			DefinitionID:   target.adjusted.Definition.ID,
			AcademicYearID: req.AcademicYearID,
			TermID:         req.TermID,
			DueAmount:      target.adjusted.AdjustedAmount,
			PaidAmount:     amount,
			LastPaymentAt:  &paidAt,
			Version:        1,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		status.Status = settledState(status)
		if err := tx.InsertObligationStatus(ctx, status); err != nil {
			return ObligationStatus{}, err
		}
		e.audit.Record(ctx, tx, AuditRecord{
			EntityType:  EntityObligationStatus,
			EntityID:    string(status.ID),
			Action:      AuditObligationCreated,
			Changes:     map[string]any{"paid": money(amount), "adjustment": target.adjusted.Description},
			NewValues:   statusValues(status),
			PerformedBy: req.PerformedBy,
		})
		return status, nil
	}

	old := *target.status
	updated := old
	updated.PaidAmount = old.PaidAmount.Add(amount)
	updated.Status = settledState(updated)
	updated.LastPaymentAt = &paidAt
	updated.UpdatedAt = now
	if err := tx.UpdateObligationStatus(ctx, updated, old.Version); err != nil {
		return ObligationStatus{}, err
	}
	updated.Version = old.Version + 1

	e.audit.Record(ctx, tx, AuditRecord{
		EntityType:  EntityObligationStatus,
		EntityID:    string(updated.ID),
		Action:      AuditObligationPaid,
		Changes:     map[string]any{"paid": money(amount)},
		OldValues:   statusValues(old),
		NewValues:   statusValues(updated),
		PerformedBy: req.PerformedBy,
	})
	return updated, nil
}

func settledState(s ObligationStatus) ObligationState {
	if s.IsSettled() {
		return StatusCompleted
	}
	return StatusPartial
}
