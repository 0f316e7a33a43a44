/*
handlers.go - HTTP API handlers for the fee engine

PURPOSE:
  Exposes the fee engine via REST API. Handles HTTP request/response,
  JSON serialization and request validation, and delegates to fees.Engine.

ENDPOINTS:
  Students:
    GET    /api/students                   List students (?class_id, ?grade_id)
    POST   /api/students                   Create or replace student
    GET    /api/students/{id}              Get student
    GET    /api/students/{id}/statement    Obligations, payments and credit
    GET    /api/students/{id}/credit       Available credit balance

  Obligations:
    GET    /api/obligations/unpaid         Outstanding balances per student

  Payments:
    POST   /api/payments                   Allocate one payment
    POST   /api/payments/batch             Allocate many, independently

  Definitions & exceptions:
    GET    /api/definitions                List definitions for a term
    POST   /api/definitions                Create definition
    PUT    /api/definitions/{id}           Update definition (bumps version)
    POST   /api/definitions/import         Import a JSON fee schedule
    GET    /api/definitions/export         Export a term as a JSON schedule
    POST   /api/exceptions                 Create discount

  Admin:
    GET    /api/audit                      Query audit trail
    POST   /api/admin/overdue-sweep        Mark overdue obligations now

  Scenarios:
    GET    /api/scenarios                  List demo scenarios
    GET    /api/scenarios/current          Currently loaded scenario
    POST   /api/scenarios/load             Load a demo scenario

REQUEST FLOW:
  1. Decode JSON body
  2. Validate shape (go-playground/validator tags in dto.go)
  3. Call the engine
  4. Bump the summary cache after successful writes
  5. Serialize response

ERROR HANDLING:
  Engine errors map to HTTP status by kind:
  - 400: validation_error, insufficient_credit
  - 404: not_found
  - 409: concurrency_conflict
  - 500: persistence_error
  The response carries the stable code in ErrorResponse.Code.

SECURITY NOTE:
  No authentication or authorization. performed_by is taken on trust.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/warp/fee-engine/cache"
	"github.com/warp/fee-engine/factory"
	"github.com/warp/fee-engine/fees"
	"github.com/warp/fee-engine/metrics"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine    *fees.Engine
	Factory   *factory.ScheduleFactory
	Summaries *cache.SummaryCache
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	validate *validator.Validate

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler around engine. summaries, m and logger may
// be nil.
func NewHandler(engine *fees.Engine, summaries *cache.SummaryCache, m *metrics.Metrics, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if summaries == nil {
		summaries = cache.New(nil, 0, engine, logger)
	}
	return &Handler{
		Engine:    engine,
		Factory:   factory.NewScheduleFactory(),
		Summaries: summaries,
		Metrics:   m,
		Logger:    logger,
		validate:  newValidator(),
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	// Report JSON names so clients see the fields they sent.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// invalidate drops cached summaries after a write.
func (h *Handler) invalidate(ctx context.Context) {
	if err := h.Summaries.Bump(ctx); err != nil {
		h.Logger.Warn("summary cache bump failed", "error", err)
	}
}

// =============================================================================
// STUDENT HANDLERS
// =============================================================================

// ListStudents returns students, optionally narrowed by class or grade.
func (h *Handler) ListStudents(w http.ResponseWriter, r *http.Request) {
	students, err := h.Engine.Store().ListStudents(r.Context(), fees.StudentQuery{
		ClassID: r.URL.Query().Get("class_id"),
		GradeID: r.URL.Query().Get("grade_id"),
	})
	if err != nil {
		writeEngineError(w, "Failed to list students", err)
		return
	}

	dtos := make([]StudentDTO, len(students))
	for i, s := range students {
		dtos[i] = toStudentDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetStudent returns a single student.
func (h *Handler) GetStudent(w http.ResponseWriter, r *http.Request) {
	id := fees.StudentID(chi.URLParam(r, "id"))

	student, err := h.Engine.Store().GetStudent(r.Context(), id)
	if err != nil {
		writeEngineError(w, "Failed to get student", err)
		return
	}
	writeJSON(w, http.StatusOK, toStudentDTO(*student))
}

// SaveStudent creates or replaces a student.
func (h *Handler) SaveStudent(w http.ResponseWriter, r *http.Request) {
	var req SaveStudentRequest
	if !h.decode(w, r, &req) {
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}
	saved, err := h.Engine.SaveStudent(r.Context(), fees.Student{
		ID:                fees.StudentID(req.ID),
		Name:              req.Name,
		GradeID:           req.GradeID,
		ClassID:           req.ClassID,
		Categories:        req.Categories,
		SpecialProgrammes: req.SpecialProgrammes,
		Active:            active,
	}, req.PerformedBy)
	if err != nil {
		writeEngineError(w, "Failed to save student", err)
		return
	}

	h.invalidate(r.Context())
	writeJSON(w, http.StatusCreated, toStudentDTO(*saved))
}

// GetStatement returns the student's obligations, payments and credit for
// a term.
func (h *Handler) GetStatement(w http.ResponseWriter, r *http.Request) {
	id := fees.StudentID(chi.URLParam(r, "id"))
	year, term := termParams(r)

	statement, err := h.Engine.StudentStatement(r.Context(), id, year, term)
	if err != nil {
		writeEngineError(w, "Failed to build statement", err)
		return
	}
	writeJSON(w, http.StatusOK, toStatementDTO(statement))
}

// GetCreditBalance returns the unused credit for a term.
func (h *Handler) GetCreditBalance(w http.ResponseWriter, r *http.Request) {
	id := fees.StudentID(chi.URLParam(r, "id"))
	year, term := termParams(r)
	if year == "" || term == "" {
		writeError(w, http.StatusBadRequest, "academic_year_id and term_id are required", nil)
		return
	}

	balance, err := h.Engine.CreditBalance(r.Context(), id, year, term)
	if err != nil {
		writeEngineError(w, "Failed to get credit balance", err)
		return
	}
	writeJSON(w, http.StatusOK, CreditBalanceDTO{
		StudentID:       string(id),
		AcademicYearID:  string(year),
		TermID:          string(term),
		AvailableCredit: balance,
	})
}

// =============================================================================
// OBLIGATION HANDLERS
// =============================================================================

// GetUnpaidObligations returns outstanding balances for a set of students.
//
// Query parameters:
//
//	academic_year_id, term_id  required
//	student_id                 comma separated
//	class_id, grade_id
//	require_class, include_settled, only_outstanding  booleans
//	as_of                      YYYY-MM-DD, evaluation date for discounts
func (h *Handler) GetUnpaidObligations(w http.ResponseWriter, r *http.Request) {
	filter, err := parseStudentSetFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query parameters", err)
		return
	}

	summaries, err := h.Summaries.GetUnpaidObligations(r.Context(), filter)
	if err != nil {
		writeEngineError(w, "Failed to get unpaid obligations", err)
		return
	}
	if summaries == nil {
		summaries = []fees.StudentObligationSummary{}
	}
	writeJSON(w, http.StatusOK, summaries)
}

func parseStudentSetFilter(r *http.Request) (fees.StudentSetFilter, error) {
	q := r.URL.Query()
	year, term := termParams(r)
	filter := fees.StudentSetFilter{
		AcademicYearID: year,
		TermID:         term,
		ClassID:        q.Get("class_id"),
		GradeID:        q.Get("grade_id"),
	}
	if raw := q.Get("student_id"); raw != "" {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				filter.StudentIDs = append(filter.StudentIDs, fees.StudentID(id))
			}
		}
	}

	flags := map[string]*bool{
		"require_class":    &filter.RequireClass,
		"include_settled":  &filter.IncludeSettled,
		"only_outstanding": &filter.OnlyOutstanding,
	}
	for name, dst := range flags {
		if raw := q.Get(name); raw != "" {
			v, err := strconv.ParseBool(raw)
			if err != nil {
				return filter, &fees.ValidationError{Field: name, Message: "must be a boolean"}
			}
			*dst = v
		}
	}

	if raw := q.Get("as_of"); raw != "" {
		asOf, err := time.ParseInLocation(dateLayout, raw, time.UTC)
		if err != nil {
			return filter, &fees.ValidationError{Field: "as_of", Message: "use YYYY-MM-DD"}
		}
		filter.AsOf = asOf
	}
	return filter, nil
}

func termParams(r *http.Request) (fees.AcademicYearID, fees.TermID) {
	q := r.URL.Query()
	return fees.AcademicYearID(q.Get("academic_year_id")), fees.TermID(q.Get("term_id"))
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// CreatePayment allocates one payment. The body is always a PaymentResult;
// the status reflects its error code.
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequestDTO
	if !h.decode(w, r, &req) {
		return
	}

	result := h.Engine.AllocatePayment(r.Context(), req.toDomain())
	if !result.Success {
		writeJSON(w, statusFor(result.Err), result)
		return
	}

	h.invalidate(r.Context())
	writeJSON(w, http.StatusCreated, result)
}

// CreatePaymentBatch allocates each payment in its own transaction. One
// failure never affects the others.
func (h *Handler) CreatePaymentBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}

	reqs := make([]fees.PaymentRequest, len(req.Payments))
	for i, p := range req.Payments {
		reqs[i] = p.toDomain()
	}
	results := h.Engine.AllocatePaymentBatch(r.Context(), reqs)

	resp := BatchPaymentResponse{Results: results}
	for _, res := range results {
		if res.Success {
			resp.Succeeded++
		} else {
			resp.Failed++
		}
	}
	if resp.Succeeded > 0 {
		h.invalidate(r.Context())
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// DEFINITION HANDLERS
// =============================================================================

// ListDefinitions returns the active definitions of a term.
func (h *Handler) ListDefinitions(w http.ResponseWriter, r *http.Request) {
	year, term := termParams(r)
	if year == "" || term == "" {
		writeError(w, http.StatusBadRequest, "academic_year_id and term_id are required", nil)
		return
	}

	defs, err := h.Engine.Store().ListDefinitions(r.Context(), year, term)
	if err != nil {
		writeEngineError(w, "Failed to list definitions", err)
		return
	}
	fees.SortByDueDate(defs)

	dtos := make([]DefinitionDTO, len(defs))
	for i, d := range defs {
		dtos[i] = toDefinitionDTO(d)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateDefinition creates a definition at version 1.
func (h *Handler) CreateDefinition(w http.ResponseWriter, r *http.Request) {
	var req DefinitionRequest
	if !h.decode(w, r, &req) {
		return
	}

	def, err := h.Engine.SaveDefinition(r.Context(), req.toDomain(), req.PerformedBy)
	if err != nil {
		writeEngineError(w, "Failed to create definition", err)
		return
	}

	h.invalidate(r.Context())
	writeJSON(w, http.StatusCreated, toDefinitionDTO(*def))
}

// UpdateDefinition replaces a definition's fields and bumps its version.
func (h *Handler) UpdateDefinition(w http.ResponseWriter, r *http.Request) {
	var req DefinitionRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.ID = chi.URLParam(r, "id")

	def, err := h.Engine.UpdateDefinition(r.Context(), req.toDomain(), req.PerformedBy)
	if err != nil {
		writeEngineError(w, "Failed to update definition", err)
		return
	}

	h.invalidate(r.Context())
	writeJSON(w, http.StatusOK, toDefinitionDTO(*def))
}

// ImportSchedule creates or updates every definition of a JSON fee
// schedule, then records its exceptions. Rows are applied one at a time;
// the first failure stops the import and earlier rows stay applied.
func (h *Handler) ImportSchedule(w http.ResponseWriter, r *http.Request) {
	var sj factory.ScheduleJSON
	if err := json.NewDecoder(r.Body).Decode(&sj); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	schedule, err := h.Factory.FromJSON(sj)
	if err != nil {
		writeEngineError(w, "Invalid schedule", err)
		return
	}

	resp, err := h.importSchedule(r.Context(), schedule, r.URL.Query().Get("performed_by"))
	if len(resp.Created)+len(resp.Updated)+len(resp.Exceptions) > 0 {
		h.invalidate(r.Context())
	}
	if err != nil {
		writeEngineError(w, "Failed to import schedule", err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) importSchedule(ctx context.Context, schedule *factory.Schedule, performedBy string) (ImportScheduleResponse, error) {
	resp := ImportScheduleResponse{Created: []string{}, Updated: []string{}, Exceptions: []string{}}
	for _, def := range schedule.Definitions {
		_, err := h.Engine.Store().GetDefinition(ctx, def.ID)
		switch {
		case err == nil:
			if _, err := h.Engine.UpdateDefinition(ctx, def, performedBy); err != nil {
				return resp, err
			}
			resp.Updated = append(resp.Updated, string(def.ID))
		case fees.IsNotFound(err):
			if _, err := h.Engine.SaveDefinition(ctx, def, performedBy); err != nil {
				return resp, err
			}
			resp.Created = append(resp.Created, string(def.ID))
		default:
			return resp, err
		}
	}
	for _, exc := range schedule.Exceptions {
		saved, err := h.Engine.SaveException(ctx, exc, performedBy)
		if err != nil {
			return resp, err
		}
		resp.Exceptions = append(resp.Exceptions, string(saved.ID))
	}
	return resp, nil
}

// ExportSchedule renders a term's definitions in the import format.
func (h *Handler) ExportSchedule(w http.ResponseWriter, r *http.Request) {
	year, term := termParams(r)
	if year == "" || term == "" {
		writeError(w, http.StatusBadRequest, "academic_year_id and term_id are required", nil)
		return
	}

	defs, err := h.Engine.Store().ListDefinitions(r.Context(), year, term)
	if err != nil {
		writeEngineError(w, "Failed to list definitions", err)
		return
	}
	fees.SortByDueDate(defs)
	writeJSON(w, http.StatusOK, h.Factory.ToJSON(year, term, defs, nil))
}

// CreateException records a discount.
func (h *Handler) CreateException(w http.ResponseWriter, r *http.Request) {
	var req ExceptionRequest
	if !h.decode(w, r, &req) {
		return
	}

	exc, err := h.Engine.SaveException(r.Context(), req.toDomain(), req.PerformedBy)
	if err != nil {
		writeEngineError(w, "Failed to create exception", err)
		return
	}

	h.invalidate(r.Context())
	writeJSON(w, http.StatusCreated, toExceptionDTO(*exc))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// QueryAudit returns audit entries newest first.
//
// Query parameters: entity_type, entity_id, action (comma separated), limit.
func (h *Handler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := fees.AuditFilter{Limit: 100}
	if v := q.Get("entity_type"); v != "" {
		et := fees.AuditEntityType(v)
		filter.EntityType = &et
	}
	if v := q.Get("entity_id"); v != "" {
		filter.EntityID = &v
	}
	if v := q.Get("action"); v != "" {
		for _, a := range strings.Split(v, ",") {
			filter.Actions = append(filter.Actions, fees.AuditAction(strings.TrimSpace(a)))
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000", err)
			return
		}
		filter.Limit = n
	}

	entries, err := h.Engine.Store().QueryAudit(r.Context(), filter)
	if err != nil {
		writeEngineError(w, "Failed to query audit log", err)
		return
	}

	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toAuditEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// TriggerOverdueSweep marks overdue obligations immediately. The same
// sweep runs on a schedule via OverdueScheduler.
func (h *Handler) TriggerOverdueSweep(w http.ResponseWriter, r *http.Request) {
	var req OverdueSweepRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}

	asOf := time.Now().UTC()
	if req.AsOf != "" {
		asOf, _ = time.ParseInLocation(dateLayout, req.AsOf, time.UTC)
	}
	performedBy := req.PerformedBy
	if performedBy == "" {
		performedBy = "admin"
	}

	marked, err := h.sweepOverdue(r.Context(), asOf, performedBy)
	if err != nil {
		writeEngineError(w, "Overdue sweep failed", err)
		return
	}
	writeJSON(w, http.StatusOK, OverdueSweepResponse{AsOf: asOf.Format(dateLayout), Marked: marked})
}

func (h *Handler) sweepOverdue(ctx context.Context, asOf time.Time, performedBy string) (int, error) {
	marked, err := h.Engine.MarkOverdue(ctx, asOf, performedBy)
	h.Metrics.OverdueMarked(marked)
	if marked > 0 {
		h.invalidate(ctx)
	}
	return marked, err
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads a JSON body into dst and validates it. On failure the
// response has been written and decode returns false.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeValidationError(w, err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
		if status == http.StatusBadRequest {
			resp.Code = "validation_error"
		}
	}
	writeJSON(w, status, resp)
}

// writeEngineError maps an engine error to its HTTP status and code.
func writeEngineError(w http.ResponseWriter, message string, err error) {
	writeJSON(w, statusFor(err), ErrorResponse{
		Error:   message,
		Code:    fees.ErrorCode(err),
		Details: err.Error(),
	})
}

func writeValidationError(w http.ResponseWriter, err error) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		writeError(w, http.StatusBadRequest, "Invalid input", err)
		return
	}
	fields := make(map[string]string, len(verrs))
	for _, fieldErr := range verrs {
		fields[fieldErr.Field()] = fieldErr.Tag()
	}
	writeJSON(w, http.StatusBadRequest, ErrorResponse{
		Error:   "Validation failed",
		Code:    "validation_error",
		Details: fields,
	})
}

func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, fees.ErrValidation), errors.Is(err, fees.ErrInsufficientCredit):
		return http.StatusBadRequest
	case errors.Is(err, fees.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, fees.ErrConcurrencyConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
