package fees

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// AuditRecord is the input to AuditRecorder.Record.
type AuditRecord struct {
	EntityType  AuditEntityType
	EntityID    string
	Action      AuditAction
	Changes     map[string]any
	OldValues   map[string]any
	NewValues   map[string]any
	PerformedBy string
}

// AuditRecorder appends audit entries on a best-effort basis.
//
// Financial state must never be lost; audit completeness may be. Record
// therefore never returns an error: failures are logged and reported to the
// Observer, and the caller's transaction carries on.
type AuditRecorder struct {
	Logger   *slog.Logger
	Observer Observer
	Now      func() time.Time
}

func (r *AuditRecorder) Record(ctx context.Context, log AuditLog, rec AuditRecord) {
	entry, err := r.build(rec)
	if err == nil {
		err = log.AppendAudit(ctx, entry)
	}
	if err != nil {
		r.logger().ErrorContext(ctx, "audit write failed",
			slog.String("entity_type", string(rec.EntityType)),
			slog.String("entity_id", rec.EntityID),
			slog.String("action", string(rec.Action)),
			slog.Any("error", err))
		if r.Observer != nil {
			r.Observer.AuditFailed(rec.EntityType, rec.Action)
		}
	}
}

func (r *AuditRecorder) build(rec AuditRecord) (AuditLogEntry, error) {
	if rec.EntityType == "" || rec.EntityID == "" || rec.Action == "" {
		return AuditLogEntry{}, errors.New("audit record requires entity type, entity id and action")
	}
	for _, m := range []map[string]any{rec.Changes, rec.OldValues, rec.NewValues} {
		if _, err := json.Marshal(m); err != nil {
			return AuditLogEntry{}, err
		}
	}
	now := time.Now().UTC()
	if r.Now != nil {
		now = r.Now()
	}
	performedBy := rec.PerformedBy
	if performedBy == "" {
		performedBy = "system"
	}
	return AuditLogEntry{
		ID:          NewID("audit"),
		EntityType:  rec.EntityType,
		EntityID:    rec.EntityID,
		Action:      rec.Action,
		Changes:     rec.Changes,
		OldValues:   rec.OldValues,
		NewValues:   rec.NewValues,
		PerformedBy: performedBy,
		Timestamp:   now,
	}, nil
}

func (r *AuditRecorder) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// =============================================================================
// VALUE SNAPSHOTS - before/after maps for audit entries
// =============================================================================

func money(d decimal.Decimal) string { return d.StringFixed(MoneyScale) }

func statusValues(s ObligationStatus) map[string]any {
	return map[string]any{
		"due_amount":  money(s.DueAmount),
		"paid_amount": money(s.PaidAmount),
		"status":      string(s.Status),
		"version":     s.Version,
	}
}

func excessValues(e ExcessFee) map[string]any {
	return map[string]any{
		"amount":          money(e.Amount),
		"original_amount": money(e.OriginalAmount),
		"is_used":         e.IsUsed,
	}
}

func paymentValues(p Payment) map[string]any {
	v := map[string]any{
		"amount":         money(p.Amount),
		"credit_amount":  money(p.CreditAmount),
		"payment_type":   string(p.PaymentType),
		"reference":      p.Reference,
		"batch_id":       string(p.BatchID),
		"obligation_id":  string(p.ObligationStatusID),
		"definition_id":  string(p.DefinitionID),
		"has_excess_fee": p.HasExcessFee,
	}
	if p.HasExcessFee {
		v["excess_amount"] = money(p.ExcessAmount)
		if p.GeneratedExcessFeeID != nil {
			v["generated_excess_fee_id"] = string(*p.GeneratedExcessFeeID)
		}
	}
	return v
}

func definitionValues(d FeeObligationDefinition) map[string]any {
	v := map[string]any{
		"fee_type":           d.FeeType,
		"academic_year_id":   string(d.AcademicYearID),
		"term_id":            string(d.TermID),
		"amount":             money(d.Amount),
		"categories":         d.Categories,
		"special_programmes": d.SpecialProgrammes,
		"grades":             d.Grades,
		"classes":            d.Classes,
		"version":            d.Version,
		"active":             d.Active,
	}
	if d.DueDate != nil {
		v["due_date"] = d.DueDate.Format(time.DateOnly)
	}
	return v
}
