/*
scenarios_test.go - Tests for demo scenarios

PURPOSE:
	Loads each scenario over HTTP, posts its suggested payment and checks
	the allocation outcome the scenario is meant to demonstrate.
*/
package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/fee-engine/fees"
)

func loadScenario(t *testing.T, srv http.Handler, id string) ScenarioDTO {
	t.Helper()
	rec := doJSON(t, srv, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: id})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	s, ok := findScenario(id)
	require.True(t, ok)
	return s
}

func paySuggested(t *testing.T, srv http.Handler, s ScenarioDTO) fees.PaymentResult {
	t.Helper()
	require.NotNil(t, s.SuggestedPayment)
	rec := doJSON(t, srv, http.MethodPost, "/api/payments", s.SuggestedPayment)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeJSON[fees.PaymentResult](t, rec)
}

func creditBalance(t *testing.T, srv http.Handler, studentID string) string {
	t.Helper()
	rec := doJSON(t, srv, http.MethodGet, "/api/students/"+studentID+"/credit?academic_year_id=2025&term_id=T1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeJSON[CreditBalanceDTO](t, rec).AvailableCredit.StringFixed(2)
}

func TestScenario_PartialAllocation(t *testing.T) {
	// GIVEN: 500 tuition and 300 lunch owed
	// WHEN: Paying 600
	// THEN: Tuition is paid in full and lunch receives 100

	_, srv := setupTestServer(t)
	s := loadScenario(t, srv, "partial-allocation")

	result := paySuggested(t, srv, s)

	require.Len(t, result.FeesPaid, 2)
	assert.Equal(t, fees.DefinitionID("tuition-t1"), result.FeesPaid[0].DefinitionID)
	assert.Equal(t, "500.00", result.FeesPaid[0].AmountPaid.StringFixed(2))
	assert.Equal(t, fees.StatusCompleted, result.FeesPaid[0].Status)
	assert.Equal(t, "100.00", result.FeesPaid[1].AmountPaid.StringFixed(2))
	assert.Equal(t, fees.StatusPartial, result.FeesPaid[1].Status)
	assert.Equal(t, fees.DefinitionID("tuition-t1"), result.PrimaryDefinitionID)
}

func TestScenario_OverpaymentCredit(t *testing.T) {
	_, srv := setupTestServer(t)
	s := loadScenario(t, srv, "overpayment-credit")

	result := paySuggested(t, srv, s)

	assert.Equal(t, "200.00", result.ExcessAmount.StringFixed(2))
	require.NotNil(t, result.ExcessFeeID)
	assert.Equal(t, "200.00", creditBalance(t, srv, "stu-brian"))
}

func TestScenario_CreditReuse(t *testing.T) {
	// GIVEN: 150 credit from an earlier overpayment and 500 tuition owed
	// WHEN: Paying 400 with use_credit_balance
	// THEN: Tuition is settled with 100 credit; 50 credit remains

	_, srv := setupTestServer(t)
	s := loadScenario(t, srv, "credit-reuse")
	require.Equal(t, "150.00", creditBalance(t, srv, "stu-chloe"))

	result := paySuggested(t, srv, s)

	assert.Equal(t, "100.00", result.CreditUsed.StringFixed(2))
	require.Len(t, result.FeesPaid, 1)
	assert.Equal(t, fees.StatusCompleted, result.FeesPaid[0].Status)
	assert.True(t, result.ExcessAmount.IsZero())
	assert.Equal(t, "50.00", creditBalance(t, srv, "stu-chloe"))
}

func TestScenario_DiscountClamp(t *testing.T) {
	// GIVEN: An 800 field trip with a FIXED 1000 discount
	// WHEN: Reading the unpaid report with settled obligations
	// THEN: The adjusted amount is 0 and nothing is owed

	_, srv := setupTestServer(t)
	loadScenario(t, srv, "discount-clamp")

	rec := doJSON(t, srv, http.MethodGet, "/api/obligations/unpaid?academic_year_id=2025&term_id=T1&include_settled=true", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	summaries := decodeJSON[[]fees.StudentObligationSummary](t, rec)
	require.Len(t, summaries, 1)
	require.Len(t, summaries[0].Obligations, 1)
	assert.Equal(t, "0.00", summaries[0].Obligations[0].AdjustedAmount.StringFixed(2))
	assert.Equal(t, "0.00", summaries[0].TotalRemaining.StringFixed(2))
}

func TestScenario_LoadResetsPreviousData(t *testing.T) {
	_, srv := setupTestServer(t)
	loadScenario(t, srv, "partial-allocation")
	loadScenario(t, srv, "overpayment-credit")

	rec := doJSON(t, srv, http.MethodGet, "/api/students", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	students := decodeJSON[[]StudentDTO](t, rec)
	require.Len(t, students, 1)
	assert.Equal(t, "stu-brian", students[0].ID)

	rec = doJSON(t, srv, http.MethodGet, "/api/scenarios/current", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "overpayment-credit", decodeJSON[ScenarioDTO](t, rec).ID)
}

func TestScenario_Unknown(t *testing.T) {
	_, srv := setupTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListScenarios(t *testing.T) {
	_, srv := setupTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/api/scenarios", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeJSON[[]ScenarioDTO](t, rec), len(scenarioLoaders))
}
