/*
handlers_test.go - HTTP tests for API handlers

Tests for:
- Payment allocation over HTTP, including error status mapping
- Request validation (validator tags)
- Schedule import/export and definition updates
- Audit queries, overdue sweep, batch payments
- Router wiring: rate limit, metrics, health
*/
package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/fee-engine/config"
	"github.com/warp/fee-engine/fees"
	"github.com/warp/fee-engine/fees/store"
	"github.com/warp/fee-engine/metrics"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func testConfig() *config.Config {
	return &config.Config{
		AppEnv:             "test",
		RateLimitPerMinute: 1000,
		CORSOrigins:        []string{"http://localhost:3000"},
	}
}

func setupTestHandler(t *testing.T) *Handler {
	t.Helper()
	m := metrics.New()
	engine := fees.NewEngine(store.NewMemory(), fees.WithObserver(m))
	return NewHandler(engine, nil, m, nil)
}

func setupTestServer(t *testing.T) (*Handler, http.Handler) {
	t.Helper()
	h := setupTestHandler(t)
	return h, NewRouter(h, testConfig())
}

func doJSON(t *testing.T, srv http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func amount(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// seedTerm creates one student and the term's fee schedule over HTTP.
func seedTerm(t *testing.T, srv http.Handler) {
	t.Helper()
	rec := doJSON(t, srv, http.MethodPost, "/api/students", SaveStudentRequest{
		ID:         "stu-1",
		Name:       "Amina Otieno",
		GradeID:    "grade-5",
		ClassID:    "grade-5-a",
		Categories: []string{"day"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doJSON(t, srv, http.MethodPost, "/api/definitions/import", `{
		"academic_year_id": "2025",
		"term_id": "T1",
		"definitions": [
			{"id": "tuition", "fee_type": "Tuition", "amount": "500", "due_date": "2025-01-10", "categories": ["day"]},
			{"id": "lunch", "fee_type": "Lunch", "amount": "300", "due_date": "2025-02-10", "categories": ["day"]}
		]
	}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func payment(amt string, defs ...string) PaymentRequestDTO {
	return PaymentRequestDTO{
		StudentID:               "stu-1",
		Amount:                  amount(amt),
		ObligationDefinitionIDs: defs,
		AcademicYearID:          "2025",
		TermID:                  "T1",
		PaymentType:             "CASH",
	}
}

// =============================================================================
// PAYMENTS
// =============================================================================

func TestCreatePayment_AllocatesByDueDate(t *testing.T) {
	// GIVEN: Tuition 500 (due Jan) and lunch 300 (due Feb)
	// WHEN: Paying 600 against both
	// THEN: Tuition is settled and lunch receives the remaining 100

	_, srv := setupTestServer(t)
	seedTerm(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/api/payments", payment("600", "lunch", "tuition"))

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	result := decodeJSON[fees.PaymentResult](t, rec)
	assert.True(t, result.Success)
	require.Len(t, result.FeesPaid, 2)
	assert.Equal(t, fees.DefinitionID("tuition"), result.FeesPaid[0].DefinitionID)
	assert.Equal(t, fees.StatusCompleted, result.FeesPaid[0].Status)
	assert.True(t, amount("100").Equal(result.FeesPaid[1].AmountPaid))
	assert.Equal(t, fees.StatusPartial, result.FeesPaid[1].Status)
	assert.True(t, result.ExcessAmount.IsZero())
}

func TestCreatePayment_OverpaymentBecomesCredit(t *testing.T) {
	_, srv := setupTestServer(t)
	seedTerm(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/api/payments", payment("900", "tuition", "lunch"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	result := decodeJSON[fees.PaymentResult](t, rec)
	assert.True(t, amount("100").Equal(result.ExcessAmount))
	assert.NotNil(t, result.ExcessFeeID)

	rec = doJSON(t, srv, http.MethodGet, "/api/students/stu-1/credit?academic_year_id=2025&term_id=T1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	balance := decodeJSON[CreditBalanceDTO](t, rec)
	assert.True(t, amount("100").Equal(balance.AvailableCredit))
}

func TestCreatePayment_ZeroAmountWritesNothing(t *testing.T) {
	// GIVEN: A student with open fees
	// WHEN: Posting a payment of 0
	// THEN: 400 validation_error and no payment rows exist

	_, srv := setupTestServer(t)
	seedTerm(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/api/payments", payment("0", "tuition"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	result := decodeJSON[fees.PaymentResult](t, rec)
	assert.False(t, result.Success)
	assert.Equal(t, "validation_error", result.ErrorCode)

	rec = doJSON(t, srv, http.MethodGet, "/api/students/stu-1/statement?academic_year_id=2025&term_id=T1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	statement := decodeJSON[StatementDTO](t, rec)
	assert.Empty(t, statement.Payments)
	assert.Empty(t, statement.Credits)
}

func TestCreatePayment_UnknownObligationIsNotFound(t *testing.T) {
	_, srv := setupTestServer(t)
	seedTerm(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/api/payments", payment("100", "library"))

	assert.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())
	assert.Equal(t, "not_found", decodeJSON[fees.PaymentResult](t, rec).ErrorCode)
}

func TestCreatePayment_ValidatorRejectsShape(t *testing.T) {
	_, srv := setupTestServer(t)

	tests := []struct {
		name  string
		req   PaymentRequestDTO
		field string
		tag   string
	}{
		{"missing payment type", func() PaymentRequestDTO { p := payment("10", "tuition"); p.PaymentType = ""; return p }(), "payment_type", "required"},
		{"unknown payment type", func() PaymentRequestDTO { p := payment("10", "tuition"); p.PaymentType = "BITCOIN"; return p }(), "payment_type", "oneof"},
		{"no obligations", payment("10"), "obligation_definition_ids", "required"},
		{"missing term", func() PaymentRequestDTO { p := payment("10", "tuition"); p.TermID = ""; return p }(), "term_id", "required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, srv, http.MethodPost, "/api/payments", tt.req)

			require.Equal(t, http.StatusBadRequest, rec.Code)
			var resp struct {
				Code    string            `json:"code"`
				Details map[string]string `json:"details"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, "validation_error", resp.Code)
			assert.Equal(t, tt.tag, resp.Details[tt.field])
		})
	}
}

func TestCreatePayment_MalformedBody(t *testing.T) {
	_, srv := setupTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/payments", `{"amount": `)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreatePaymentBatch_IndependentResults(t *testing.T) {
	// GIVEN: One valid payment and one for an unknown student
	// WHEN: Posting them as a batch
	// THEN: The valid one succeeds regardless of the other

	_, srv := setupTestServer(t)
	seedTerm(t, srv)

	bad := payment("50", "tuition")
	bad.StudentID = "stu-ghost"
	rec := doJSON(t, srv, http.MethodPost, "/api/payments/batch", BatchPaymentRequest{
		Payments: []PaymentRequestDTO{payment("200", "tuition"), bad},
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeJSON[BatchPaymentResponse](t, rec)
	assert.Equal(t, 1, resp.Succeeded)
	assert.Equal(t, 1, resp.Failed)
	require.Len(t, resp.Results, 2)
	assert.True(t, resp.Results[0].Success)
	assert.Equal(t, "validation_error", resp.Results[1].ErrorCode)
}

// =============================================================================
// OBLIGATIONS & STUDENTS
// =============================================================================

func TestGetUnpaidObligations(t *testing.T) {
	_, srv := setupTestServer(t)
	seedTerm(t, srv)
	require.Equal(t, http.StatusCreated, doJSON(t, srv, http.MethodPost, "/api/payments", payment("200", "tuition")).Code)

	rec := doJSON(t, srv, http.MethodGet, "/api/obligations/unpaid?academic_year_id=2025&term_id=T1&student_id=stu-1", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	summaries := decodeJSON[[]fees.StudentObligationSummary](t, rec)
	require.Len(t, summaries, 1)
	assert.True(t, amount("800").Equal(summaries[0].TotalApplicable))
	assert.True(t, amount("200").Equal(summaries[0].TotalPaid))
	assert.True(t, amount("600").Equal(summaries[0].TotalRemaining))
}

func TestGetUnpaidObligations_BadQuery(t *testing.T) {
	_, srv := setupTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/api/obligations/unpaid?academic_year_id=2025&term_id=T1&include_settled=maybe", nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetStudent_NotFound(t *testing.T) {
	_, srv := setupTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/api/students/nobody", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeJSON[ErrorResponse](t, rec).Code)
}

func TestListStudents_FilterByGrade(t *testing.T) {
	_, srv := setupTestServer(t)
	seedTerm(t, srv)

	rec := doJSON(t, srv, http.MethodGet, "/api/students?grade_id=grade-5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeJSON[[]StudentDTO](t, rec), 1)

	rec = doJSON(t, srv, http.MethodGet, "/api/students?grade_id=grade-9", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeJSON[[]StudentDTO](t, rec))
}

// =============================================================================
// DEFINITIONS & EXCEPTIONS
// =============================================================================

func TestImportSchedule_CreatesThenUpdates(t *testing.T) {
	_, srv := setupTestServer(t)
	seedTerm(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/api/definitions/import", `{
		"academic_year_id": "2025",
		"term_id": "T1",
		"definitions": [
			{"id": "tuition", "fee_type": "Tuition", "amount": "550", "due_date": "2025-01-10", "categories": ["day"]},
			{"id": "bus", "fee_type": "Bus", "amount": "120", "grades": ["grade-5"]}
		]
	}`)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decodeJSON[ImportScheduleResponse](t, rec)
	assert.Equal(t, []string{"bus"}, resp.Created)
	assert.Equal(t, []string{"tuition"}, resp.Updated)

	rec = doJSON(t, srv, http.MethodGet, "/api/definitions?academic_year_id=2025&term_id=T1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	defs := decodeJSON[[]DefinitionDTO](t, rec)
	require.Len(t, defs, 3)
	for _, d := range defs {
		if d.ID == "tuition" {
			assert.Equal(t, 2, d.Version)
			assert.True(t, amount("550").Equal(d.Amount))
		}
	}
}

func TestImportSchedule_InvalidRow(t *testing.T) {
	_, srv := setupTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/definitions/import", `{
		"academic_year_id": "2025",
		"term_id": "T1",
		"definitions": [{"id": "tuition", "fee_type": "Tuition", "amount": "-5", "grades": ["g"]}]
	}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", decodeJSON[ErrorResponse](t, rec).Code)
}

func TestExportSchedule(t *testing.T) {
	_, srv := setupTestServer(t)
	seedTerm(t, srv)

	rec := doJSON(t, srv, http.MethodGet, "/api/definitions/export?academic_year_id=2025&term_id=T1", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var sj struct {
		AcademicYearID string `json:"academic_year_id"`
		Definitions    []struct {
			ID      string `json:"id"`
			DueDate string `json:"due_date"`
		} `json:"definitions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sj))
	assert.Equal(t, "2025", sj.AcademicYearID)
	require.Len(t, sj.Definitions, 2)
	assert.Equal(t, "tuition", sj.Definitions[0].ID)
	assert.Equal(t, "2025-01-10", sj.Definitions[0].DueDate)
}

func TestCreateDefinition_DuplicateRejected(t *testing.T) {
	_, srv := setupTestServer(t)
	seedTerm(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/api/definitions", DefinitionRequest{
		ID: "lunch", FeeType: "Lunch", AcademicYearID: "2025", TermID: "T1",
		Amount: amount("10"), Categories: []string{"day"},
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateDefinition_BumpsVersion(t *testing.T) {
	_, srv := setupTestServer(t)
	seedTerm(t, srv)

	rec := doJSON(t, srv, http.MethodPut, "/api/definitions/lunch", DefinitionRequest{
		FeeType: "Lunch", AcademicYearID: "2025", TermID: "T1",
		Amount: amount("320"), DueDate: "2025-02-10", Categories: []string{"day"},
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	def := decodeJSON[DefinitionDTO](t, rec)
	assert.Equal(t, "lunch", def.ID)
	assert.Equal(t, 2, def.Version)
	assert.True(t, amount("320").Equal(def.Amount))
}

func TestCreateException_ReducesAmountOwed(t *testing.T) {
	// GIVEN: Tuition 500
	// WHEN: A 10% discount is recorded
	// THEN: The unpaid report shows 450 for tuition

	_, srv := setupTestServer(t)
	seedTerm(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/api/exceptions", ExceptionRequest{
		StudentID: "stu-1", DefinitionID: "tuition", Type: "PERCENTAGE",
		Value: amount("10"), StartDate: "2020-01-01", Reason: "Sibling",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotEmpty(t, decodeJSON[ExceptionDTO](t, rec).ID)

	rec = doJSON(t, srv, http.MethodGet, "/api/obligations/unpaid?academic_year_id=2025&term_id=T1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	summaries := decodeJSON[[]fees.StudentObligationSummary](t, rec)
	require.Len(t, summaries, 1)
	assert.True(t, amount("750").Equal(summaries[0].TotalRemaining))
}

func TestCreateException_BadType(t *testing.T) {
	_, srv := setupTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/exceptions", ExceptionRequest{
		StudentID: "stu-1", DefinitionID: "tuition", Type: "BOGUS",
		Value: amount("10"), StartDate: "2020-01-01",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// ADMIN
// =============================================================================

func TestQueryAudit_NewestFirstWithFilters(t *testing.T) {
	_, srv := setupTestServer(t)
	seedTerm(t, srv)
	require.Equal(t, http.StatusCreated, doJSON(t, srv, http.MethodPost, "/api/payments", payment("900", "tuition", "lunch")).Code)

	rec := doJSON(t, srv, http.MethodGet, "/api/audit?entity_type=payment", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeJSON[[]AuditEntryDTO](t, rec), 2)

	rec = doJSON(t, srv, http.MethodGet, "/api/audit?action=credit_created&limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decodeJSON[[]AuditEntryDTO](t, rec)
	require.Len(t, entries, 1)
	assert.Equal(t, "excess_fee", entries[0].EntityType)

	rec = doJSON(t, srv, http.MethodGet, "/api/audit?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTriggerOverdueSweep(t *testing.T) {
	// GIVEN: Tuition partly paid, due 2025-01-10
	// WHEN: Sweeping as of 2025-02-01
	// THEN: One obligation is marked; a second sweep marks none

	_, srv := setupTestServer(t)
	seedTerm(t, srv)
	require.Equal(t, http.StatusCreated, doJSON(t, srv, http.MethodPost, "/api/payments", payment("100", "tuition")).Code)

	rec := doJSON(t, srv, http.MethodPost, "/api/admin/overdue-sweep", OverdueSweepRequest{AsOf: "2025-02-01"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, decodeJSON[OverdueSweepResponse](t, rec).Marked)

	rec = doJSON(t, srv, http.MethodPost, "/api/admin/overdue-sweep", OverdueSweepRequest{AsOf: "2025-02-01"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decodeJSON[OverdueSweepResponse](t, rec).Marked)

	rec = doJSON(t, srv, http.MethodGet, "/api/audit?action=obligation_overdue", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeJSON[[]AuditEntryDTO](t, rec), 1)
}

// =============================================================================
// ROUTER
// =============================================================================

func TestRouter_RateLimitsWrites(t *testing.T) {
	h := setupTestHandler(t)
	cfg := testConfig()
	cfg.RateLimitPerMinute = 1
	srv := NewRouter(h, cfg)

	first := doJSON(t, srv, http.MethodPost, "/api/payments", `{}`)
	second := doJSON(t, srv, http.MethodPost, "/api/payments", `{}`)
	read := doJSON(t, srv, http.MethodGet, "/api/scenarios", nil)

	assert.Equal(t, http.StatusBadRequest, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, http.StatusOK, read.Code)
}

func TestRouter_MetricsAndHealth(t *testing.T) {
	_, srv := setupTestServer(t)
	seedTerm(t, srv)
	doJSON(t, srv, http.MethodPost, "/api/payments", payment("100", "tuition"))

	rec := doJSON(t, srv, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "fee_engine_allocations_total")
	assert.Contains(t, rec.Body.String(), `route="/api/payments"`)
}

func TestRouter_SecurityHeaders(t *testing.T) {
	_, srv := setupTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/healthz", nil)

	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}
