/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine's domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

VALIDATION:
  Request types carry go-playground/validator tags for shape checks
  (required fields, enums, date formats). Business rules (amount > 0,
  two decimal places, eligibility) stay in the engine.

MONEY:
  decimal.Decimal marshals as a JSON string ("500.00" style input is
  accepted as string or number).

SEE ALSO:
  - handlers.go: Uses these types
  - factory/schedule.go: ScheduleJSON for imports
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/fee-engine/fees"
)

const dateLayout = "2006-01-02"

// =============================================================================
// STUDENTS
// =============================================================================

// StudentDTO represents a student in API responses.
type StudentDTO struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	GradeID           string   `json:"grade_id"`
	ClassID           string   `json:"class_id,omitempty"`
	Categories        []string `json:"categories,omitempty"`
	SpecialProgrammes []string `json:"special_programmes,omitempty"`
	Active            bool     `json:"active"`
	CreatedAt         string   `json:"created_at,omitempty"`
}

// SaveStudentRequest is the body for POST /api/students.
type SaveStudentRequest struct {
	ID                string   `json:"id" validate:"required,max=64"`
	Name              string   `json:"name" validate:"required,max=200"`
	GradeID           string   `json:"grade_id" validate:"required"`
	ClassID           string   `json:"class_id"`
	Categories        []string `json:"categories" validate:"dive,required"`
	SpecialProgrammes []string `json:"special_programmes" validate:"dive,required"`
	Active            *bool    `json:"active"` // default true
	PerformedBy       string   `json:"performed_by"`
}

func toStudentDTO(s fees.Student) StudentDTO {
	dto := StudentDTO{
		ID:                string(s.ID),
		Name:              s.Name,
		GradeID:           s.GradeID,
		ClassID:           s.ClassID,
		Categories:        s.Categories,
		SpecialProgrammes: s.SpecialProgrammes,
		Active:            s.Active,
	}
	if !s.CreatedAt.IsZero() {
		dto.CreatedAt = s.CreatedAt.Format(time.RFC3339)
	}
	return dto
}

// =============================================================================
// DEFINITIONS & EXCEPTIONS
// =============================================================================

// DefinitionDTO represents a fee definition in API responses.
type DefinitionDTO struct {
	ID                string          `json:"id"`
	FeeType           string          `json:"fee_type"`
	AcademicYearID    string          `json:"academic_year_id"`
	TermID            string          `json:"term_id"`
	Amount            decimal.Decimal `json:"amount"`
	DueDate           string          `json:"due_date,omitempty"`
	Categories        []string        `json:"categories,omitempty"`
	SpecialProgrammes []string        `json:"special_programmes,omitempty"`
	Grades            []string        `json:"grades,omitempty"`
	Classes           []string        `json:"classes,omitempty"`
	Version           int             `json:"version"`
	Active            bool            `json:"active"`
}

// DefinitionRequest is the body for POST /api/definitions and
// PUT /api/definitions/{id}.
type DefinitionRequest struct {
	ID                string          `json:"id" validate:"omitempty,max=64"`
	FeeType           string          `json:"fee_type" validate:"required,max=100"`
	AcademicYearID    string          `json:"academic_year_id" validate:"required"`
	TermID            string          `json:"term_id" validate:"required"`
	Amount            decimal.Decimal `json:"amount"`
	DueDate           string          `json:"due_date" validate:"omitempty,datetime=2006-01-02"`
	Categories        []string        `json:"categories"`
	SpecialProgrammes []string        `json:"special_programmes"`
	Grades            []string        `json:"grades"`
	Classes           []string        `json:"classes"`
	PerformedBy       string          `json:"performed_by"`
}

func (r DefinitionRequest) toDomain() fees.FeeObligationDefinition {
	def := fees.FeeObligationDefinition{
		ID:                fees.DefinitionID(r.ID),
		FeeType:           r.FeeType,
		AcademicYearID:    fees.AcademicYearID(r.AcademicYearID),
		TermID:            fees.TermID(r.TermID),
		Amount:            r.Amount,
		Categories:        r.Categories,
		SpecialProgrammes: r.SpecialProgrammes,
		Grades:            r.Grades,
		Classes:           r.Classes,
		Active:            true,
	}
	if r.DueDate != "" {
		// format checked by the validator
		due, _ := time.ParseInLocation(dateLayout, r.DueDate, time.UTC)
		def.DueDate = &due
	}
	return def
}

func toDefinitionDTO(def fees.FeeObligationDefinition) DefinitionDTO {
	dto := DefinitionDTO{
		ID:                string(def.ID),
		FeeType:           def.FeeType,
		AcademicYearID:    string(def.AcademicYearID),
		TermID:            string(def.TermID),
		Amount:            def.Amount,
		Categories:        def.Categories,
		SpecialProgrammes: def.SpecialProgrammes,
		Grades:            def.Grades,
		Classes:           def.Classes,
		Version:           def.Version,
		Active:            def.Active,
	}
	if def.DueDate != nil {
		dto.DueDate = def.DueDate.Format(dateLayout)
	}
	return dto
}

// ExceptionRequest is the body for POST /api/exceptions.
type ExceptionRequest struct {
	StudentID    string          `json:"student_id" validate:"required"`
	DefinitionID string          `json:"definition_id" validate:"required"`
	Type         string          `json:"type" validate:"required,oneof=PERCENTAGE FIXED_AMOUNT"`
	Value        decimal.Decimal `json:"value"`
	StartDate    string          `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate      string          `json:"end_date" validate:"omitempty,datetime=2006-01-02"`
	Reason       string          `json:"reason" validate:"max=500"`
	PerformedBy  string          `json:"performed_by"`
}

func (r ExceptionRequest) toDomain() fees.FeeException {
	start, _ := time.ParseInLocation(dateLayout, r.StartDate, time.UTC)
	exc := fees.FeeException{
		StudentID:    fees.StudentID(r.StudentID),
		DefinitionID: fees.DefinitionID(r.DefinitionID),
		Type:         fees.ExceptionType(r.Type),
		Value:        r.Value,
		StartDate:    start,
		Reason:       r.Reason,
	}
	if r.EndDate != "" {
		end, _ := time.ParseInLocation(dateLayout, r.EndDate, time.UTC)
		end = end.Add(24*time.Hour - time.Nanosecond)
		exc.EndDate = &end
	}
	return exc
}

// ExceptionDTO represents a saved exception.
type ExceptionDTO struct {
	ID           string          `json:"id"`
	StudentID    string          `json:"student_id"`
	DefinitionID string          `json:"definition_id"`
	Type         string          `json:"type"`
	Value        decimal.Decimal `json:"value"`
	StartDate    string          `json:"start_date"`
	EndDate      string          `json:"end_date,omitempty"`
	Reason       string          `json:"reason,omitempty"`
}

func toExceptionDTO(e fees.FeeException) ExceptionDTO {
	dto := ExceptionDTO{
		ID:           string(e.ID),
		StudentID:    string(e.StudentID),
		DefinitionID: string(e.DefinitionID),
		Type:         string(e.Type),
		Value:        e.Value,
		StartDate:    e.StartDate.Format(dateLayout),
		Reason:       e.Reason,
	}
	if e.EndDate != nil {
		dto.EndDate = e.EndDate.Format(dateLayout)
	}
	return dto
}

// ImportScheduleResponse summarises a fee schedule import.
type ImportScheduleResponse struct {
	Created    []string `json:"created"`
	Updated    []string `json:"updated"`
	Exceptions []string `json:"exceptions"`
}

// =============================================================================
// PAYMENTS
// =============================================================================

// PaymentRequestDTO is the body for POST /api/payments.
type PaymentRequestDTO struct {
	StudentID               string          `json:"student_id" validate:"required"`
	Amount                  decimal.Decimal `json:"amount"`
	ObligationDefinitionIDs []string        `json:"obligation_definition_ids" validate:"required,min=1,dive,required"`
	AcademicYearID          string          `json:"academic_year_id" validate:"required"`
	TermID                  string          `json:"term_id" validate:"required"`
	UseCreditBalance        bool            `json:"use_credit_balance"`
	PaymentType             string          `json:"payment_type" validate:"required,oneof=CASH BANK MOBILE_MONEY CHEQUE CARD"`
	Reference               string          `json:"reference" validate:"max=100"`
	PerformedBy             string          `json:"performed_by" validate:"max=100"`
	PaidAt                  *time.Time      `json:"paid_at,omitempty"`
}

func (r PaymentRequestDTO) toDomain() fees.PaymentRequest {
	ids := make([]fees.DefinitionID, len(r.ObligationDefinitionIDs))
	for i, id := range r.ObligationDefinitionIDs {
		ids[i] = fees.DefinitionID(id)
	}
	req := fees.PaymentRequest{
		StudentID:               fees.StudentID(r.StudentID),
		Amount:                  r.Amount,
		ObligationDefinitionIDs: ids,
		AcademicYearID:          fees.AcademicYearID(r.AcademicYearID),
		TermID:                  fees.TermID(r.TermID),
		UseCreditBalance:        r.UseCreditBalance,
		PaymentType:             fees.PaymentType(r.PaymentType),
		Reference:               r.Reference,
		PerformedBy:             r.PerformedBy,
	}
	if r.PaidAt != nil {
		req.PaidAt = r.PaidAt.UTC()
	}
	return req
}

// BatchPaymentRequest is the body for POST /api/payments/batch.
type BatchPaymentRequest struct {
	Payments []PaymentRequestDTO `json:"payments" validate:"required,min=1,max=500,dive"`
}

// BatchPaymentResponse reports each payment independently.
type BatchPaymentResponse struct {
	Succeeded int                  `json:"succeeded"`
	Failed    int                  `json:"failed"`
	Results   []fees.PaymentResult `json:"results"`
}

// CreditBalanceDTO is the response for GET /api/students/{id}/credit.
type CreditBalanceDTO struct {
	StudentID       string          `json:"student_id"`
	AcademicYearID  string          `json:"academic_year_id"`
	TermID          string          `json:"term_id"`
	AvailableCredit decimal.Decimal `json:"available_credit"`
}

// StatementDTO is the response for GET /api/students/{id}/statement.
type StatementDTO struct {
	Summary      fees.StudentObligationSummary `json:"summary"`
	Payments     []PaymentDTO                  `json:"payments"`
	Credits      []ExcessFeeDTO                `json:"credits"`
	CreditUsages []CreditUsageDTO              `json:"credit_usages"`
}

type PaymentDTO struct {
	ID           string          `json:"id"`
	BatchID      string          `json:"batch_id"`
	DefinitionID string          `json:"definition_id"`
	Amount       decimal.Decimal `json:"amount"`
	CreditAmount decimal.Decimal `json:"credit_amount"`
	PaymentType  string          `json:"payment_type"`
	Reference    string          `json:"reference,omitempty"`
	PaidAt       string          `json:"paid_at"`
	ExcessAmount decimal.Decimal `json:"excess_amount"`
	ExcessFeeID  string          `json:"excess_fee_id,omitempty"`
}

type ExcessFeeDTO struct {
	ID             string          `json:"id"`
	OriginalAmount decimal.Decimal `json:"original_amount"`
	Amount         decimal.Decimal `json:"amount"`
	IsUsed         bool            `json:"is_used"`
	Description    string          `json:"description"`
	CreatedAt      string          `json:"created_at"`
}

type CreditUsageDTO struct {
	ExcessFeeID string          `json:"excess_fee_id"`
	BatchID     string          `json:"batch_id"`
	Amount      decimal.Decimal `json:"amount"`
	CreatedAt   string          `json:"created_at"`
}

func toStatementDTO(s *fees.StudentStatement) StatementDTO {
	dto := StatementDTO{
		Summary:      s.Summary,
		Payments:     make([]PaymentDTO, 0, len(s.Payments)),
		Credits:      make([]ExcessFeeDTO, 0, len(s.ExcessFees)),
		CreditUsages: make([]CreditUsageDTO, 0, len(s.CreditUsages)),
	}
	for _, p := range s.Payments {
		pd := PaymentDTO{
			ID:           string(p.ID),
			BatchID:      string(p.BatchID),
			DefinitionID: string(p.DefinitionID),
			Amount:       p.Amount,
			CreditAmount: p.CreditAmount,
			PaymentType:  string(p.PaymentType),
			Reference:    p.Reference,
			PaidAt:       p.PaidAt.Format(time.RFC3339),
			ExcessAmount: p.ExcessAmount,
		}
		if p.GeneratedExcessFeeID != nil {
			pd.ExcessFeeID = string(*p.GeneratedExcessFeeID)
		}
		dto.Payments = append(dto.Payments, pd)
	}
	for _, x := range s.ExcessFees {
		dto.Credits = append(dto.Credits, ExcessFeeDTO{
			ID:             string(x.ID),
			OriginalAmount: x.OriginalAmount,
			Amount:         x.Amount,
			IsUsed:         x.IsUsed,
			Description:    x.Description,
			CreatedAt:      x.CreatedAt.Format(time.RFC3339),
		})
	}
	for _, u := range s.CreditUsages {
		dto.CreditUsages = append(dto.CreditUsages, CreditUsageDTO{
			ExcessFeeID: string(u.ExcessFeeID),
			BatchID:     string(u.BatchID),
			Amount:      u.Amount,
			CreatedAt:   u.CreatedAt.Format(time.RFC3339),
		})
	}
	return dto
}

// =============================================================================
// ADMIN & AUDIT
// =============================================================================

// OverdueSweepRequest is the optional body for POST /api/admin/overdue-sweep.
type OverdueSweepRequest struct {
	AsOf        string `json:"as_of" validate:"omitempty,datetime=2006-01-02"`
	PerformedBy string `json:"performed_by"`
}

type OverdueSweepResponse struct {
	AsOf   string `json:"as_of"`
	Marked int    `json:"marked"`
}

// AuditEntryDTO represents one audit log entry.
type AuditEntryDTO struct {
	ID          string         `json:"id"`
	EntityType  string         `json:"entity_type"`
	EntityID    string         `json:"entity_id"`
	Action      string         `json:"action"`
	Changes     map[string]any `json:"changes,omitempty"`
	OldValues   map[string]any `json:"old_values,omitempty"`
	NewValues   map[string]any `json:"new_values,omitempty"`
	PerformedBy string         `json:"performed_by"`
	Timestamp   string         `json:"timestamp"`
}

func toAuditEntryDTO(e fees.AuditLogEntry) AuditEntryDTO {
	return AuditEntryDTO{
		ID:          e.ID,
		EntityType:  string(e.EntityType),
		EntityID:    e.EntityID,
		Action:      string(e.Action),
		Changes:     e.Changes,
		OldValues:   e.OldValues,
		NewValues:   e.NewValues,
		PerformedBy: e.PerformedBy,
		Timestamp:   e.Timestamp.Format(time.RFC3339Nano),
	}
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`

	// SuggestedPayment is the POST /api/payments body that demonstrates
	// the scenario once loaded.
	SuggestedPayment *PaymentRequestDTO `json:"suggested_payment,omitempty"`
}

// LoadScenarioRequest is the body for POST /api/scenarios/load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}
