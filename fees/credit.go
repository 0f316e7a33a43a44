/*
credit.go - Excess fee (credit) ledger

PURPOSE:
  Over-payment becomes credit. Credit is scoped to student + academic
  year + term and is drawn oldest-first when a later payment asks for it.

CRITICAL INVARIANTS:
  1. FIFO: a newer ExcessFee is never drawn while an older one has a
     positive balance
  2. NON-NEGATIVE: ExcessFee.Amount never drops below zero
  3. NO MERGING: every Create is its own row with its own audit entry
  4. TRACEABLE: every draw writes one CreditUsage row

PARTIAL CONSUMPTION:
  A row drawn in full is marked IsUsed with Amount 0. A row drawn in part
  keeps IsUsed=false and its Amount is reduced in place. OriginalAmount
  keeps the value the row was created with.

CONCURRENCY:
  Consume re-reads the rows inside the caller's transaction through
  LockUnusedExcessFees and re-checks the total before writing, so a stale
  snapshot taken earlier in the batch can never overdraw. Each row update
  is version-checked; a lost update is a ConcurrencyConflictError.

EXAMPLE FLOW:
  1. Term 1: student pays 600 against 400 owed -> Create(200)
  2. Term 1: student pays 50 more, over-pays again -> Create(50)
  3. Later payment asks for 220 of credit:
     row(200) fully used, row(50) reduced to 30, two CreditUsage rows
*/
package fees

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// CreditLedger operates on one Store, normally the transaction view handed
// out by TxStore.WithTx.
type CreditLedger struct {
	Store       Store
	Audit       *AuditRecorder
	Now         func() time.Time
	PerformedBy string
}

// CreditSlice is the part of one ExcessFee consumed by a Consume call.
type CreditSlice struct {
	ExcessFeeID ExcessFeeID
	Amount      decimal.Decimal
	Remaining   decimal.Decimal
}

type ConsumeRequest struct {
	StudentID      StudentID
	AcademicYearID AcademicYearID
	TermID         TermID
	Amount         decimal.Decimal
	BatchID        BatchID
}

type CreditGrant struct {
	StudentID      StudentID
	AcademicYearID AcademicYearID
	TermID         TermID
	Amount         decimal.Decimal
	Description    string
	BatchID        BatchID
}

// Available returns the sum of unused credit for the scope.
func (l *CreditLedger) Available(ctx context.Context, studentID StudentID, year AcademicYearID, term TermID) (decimal.Decimal, error) {
	rows, err := l.Store.ListUnusedExcessFees(ctx, studentID, year, term)
	if err != nil {
		return decimal.Zero, err
	}
	return sumExcess(rows), nil
}

// Consume draws exactly req.Amount from the oldest unused rows.
func (l *CreditLedger) Consume(ctx context.Context, req ConsumeRequest) ([]CreditSlice, error) {
	if !req.Amount.IsPositive() {
		return nil, &ValidationError{Field: "amount", Message: "credit to consume must be positive"}
	}

	rows, err := l.Store.LockUnusedExcessFees(ctx, req.StudentID, req.AcademicYearID, req.TermID)
	if err != nil {
		return nil, err
	}
	available := sumExcess(rows)
	if available.LessThan(req.Amount) {
		return nil, &InsufficientCreditError{StudentID: req.StudentID, Available: available, Requested: req.Amount}
	}

	now := l.now()
	remaining := req.Amount
	var drawn []CreditSlice
	for _, row := range rows {
		if !remaining.IsPositive() {
			break
		}
		if !row.Amount.IsPositive() {
			continue
		}

		take := minDecimal(remaining, row.Amount)
		updated := row
		updated.Amount = row.Amount.Sub(take)
		updated.IsUsed = updated.Amount.IsZero()
		updated.UpdatedAt = now

		if err := l.Store.UpdateExcessFee(ctx, updated, row.Version); err != nil {
			return nil, err
		}
		updated.Version = row.Version + 1

		usage := CreditUsage{
			ID:          NewID("cu"),
			ExcessFeeID: row.ID,
			StudentID:   row.StudentID,
			BatchID:     req.BatchID,
			Amount:      take,
			CreatedAt:   now,
		}
		if err := l.Store.InsertCreditUsage(ctx, usage); err != nil {
			return nil, err
		}

		l.Audit.Record(ctx, l.Store, AuditRecord{
			EntityType: EntityExcessFee,
			EntityID:   string(row.ID),
			Action:     AuditCreditConsumed,
			Changes: map[string]any{
				"consumed":       money(take),
				"batch_id":       string(req.BatchID),
				"credit_usage":   usage.ID,
				"fully_consumed": updated.IsUsed,
			},
			OldValues:   excessValues(row),
			NewValues:   excessValues(updated),
			PerformedBy: l.PerformedBy,
		})

		drawn = append(drawn, CreditSlice{ExcessFeeID: row.ID, Amount: take, Remaining: updated.Amount})
		remaining = remaining.Sub(take)
	}
	return drawn, nil
}

// Create records a new unused credit row. Rows are never merged.
func (l *CreditLedger) Create(ctx context.Context, grant CreditGrant) (*ExcessFee, error) {
	if !grant.Amount.IsPositive() {
		return nil, &ValidationError{Field: "amount", Message: "credit must be positive"}
	}
	now := l.now()
	fee := ExcessFee{
		ID:             ExcessFeeID(NewID("xs")),
		StudentID:      grant.StudentID,
		AcademicYearID: grant.AcademicYearID,
		TermID:         grant.TermID,
		OriginalAmount: grant.Amount,
		Amount:         grant.Amount,
		Description:    grant.Description,
		SourceBatchID:  grant.BatchID,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := l.Store.InsertExcessFee(ctx, fee); err != nil {
		return nil, err
	}
	l.Audit.Record(ctx, l.Store, AuditRecord{
		EntityType:  EntityExcessFee,
		EntityID:    string(fee.ID),
		Action:      AuditCreditCreated,
		Changes:     map[string]any{"created": money(fee.Amount), "batch_id": string(grant.BatchID)},
		NewValues:   excessValues(fee),
		PerformedBy: l.PerformedBy,
	})
	return &fee, nil
}

func (l *CreditLedger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now().UTC()
}

func sumExcess(rows []ExcessFee) decimal.Decimal {
	total := decimal.Zero
	for _, r := range rows {
		if !r.IsUsed {
			total = total.Add(r.Amount)
		}
	}
	return total
}
