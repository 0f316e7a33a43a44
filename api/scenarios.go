/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with students, fee
	schedules and prior payments. Each scenario sets up one allocation rule
	and suggests the payment that demonstrates it.

AVAILABLE SCENARIOS:

	partial-allocation:  500 + 300 owed, pay 600 -> first paid, second gets 100
	overpayment-credit:  400 owed, pay 600 -> 200 becomes credit
	credit-reuse:        150 credit from an earlier overpayment, 500 owed,
	                     pay 400 using credit -> paid in full, 50 credit left
	discount-clamp:      FIXED 1000 discount on an 800 fee -> nothing owed

HOW SCENARIOS WORK:
 1. Reset store (clear all data)
 2. Create students
 3. Import the term's fee schedule via the schedule factory
 4. Optionally allocate earlier payments

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "credit-reuse"}

	then POST the scenario's suggested_payment to /api/payments.

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: ImportSchedule shares the import path
  - factory/schedule.go: Schedule JSON format
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/fee-engine/fees"
)

const (
	scenarioYear = "2025"
	scenarioTerm = "T1"
	scenarioUser = "scenario-loader"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "partial-allocation",
		Name:        "Partial Allocation",
		Description: "Owes 500 tuition and 300 lunch; a 600 payment clears tuition and puts 100 toward lunch",
		SuggestedPayment: &PaymentRequestDTO{
			StudentID:               "stu-amina",
			Amount:                  decimal.NewFromInt(600),
			ObligationDefinitionIDs: []string{"tuition-t1", "lunch-t1"},
			AcademicYearID:          scenarioYear,
			TermID:                  scenarioTerm,
			PaymentType:             string(fees.PaymentCash),
		},
	},
	{
		ID:          "overpayment-credit",
		Name:        "Overpayment Becomes Credit",
		Description: "Owes 400; paying 600 without credit leaves 200 as a credit balance",
		SuggestedPayment: &PaymentRequestDTO{
			StudentID:               "stu-brian",
			Amount:                  decimal.NewFromInt(600),
			ObligationDefinitionIDs: []string{"activity-t1"},
			AcademicYearID:          scenarioYear,
			TermID:                  scenarioTerm,
			PaymentType:             string(fees.PaymentMobileMoney),
		},
	},
	{
		ID:          "credit-reuse",
		Name:        "Credit Reuse",
		Description: "Holds 150 credit and owes 500; a 400 payment using credit settles the fee and leaves 50 credit",
		SuggestedPayment: &PaymentRequestDTO{
			StudentID:               "stu-chloe",
			Amount:                  decimal.NewFromInt(400),
			ObligationDefinitionIDs: []string{"tuition-t1"},
			AcademicYearID:          scenarioYear,
			TermID:                  scenarioTerm,
			UseCreditBalance:        true,
			PaymentType:             string(fees.PaymentBank),
		},
	},
	{
		ID:          "discount-clamp",
		Name:        "Discount Larger Than Fee",
		Description: "A FIXED 1000 discount on an 800 field trip clamps the amount owed to 0",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	if s, ok := findScenario(current); ok {
		writeJSON(w, http.StatusOK, s)
		return
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	loader, ok := scenarioLoaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	resetter, ok := h.Engine.Store().(fees.Resetter)
	if !ok {
		writeError(w, http.StatusNotImplemented, "Store does not support reset", nil)
		return
	}
	if err := resetter.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset store", err)
		return
	}
	h.currentScenario = ""
	defer h.invalidate(ctx)

	if err := loader(ctx, h); err != nil {
		writeEngineError(w, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	h.currentScenario = req.ScenarioID
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

func findScenario(id string) (ScenarioDTO, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return ScenarioDTO{}, false
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

var scenarioLoaders = map[string]func(context.Context, *Handler) error{
	"partial-allocation": loadPartialAllocationScenario,
	"overpayment-credit": loadOverpaymentScenario,
	"credit-reuse":       loadCreditReuseScenario,
	"discount-clamp":     loadDiscountClampScenario,
}

func loadPartialAllocationScenario(ctx context.Context, h *Handler) error {
	if err := h.saveScenarioStudent(ctx, "stu-amina", "Amina Otieno", "grade-5", "day"); err != nil {
		return err
	}
	return h.importScenarioSchedule(ctx, fmt.Sprintf(`{
		"academic_year_id": %q,
		"term_id": %q,
		"definitions": [
			{"id": "tuition-t1", "fee_type": "Tuition", "amount": "500", "due_date": %q, "categories": ["day"]},
			{"id": "lunch-t1", "fee_type": "Lunch", "amount": "300", "due_date": %q, "categories": ["day"]}
		]
	}`, scenarioYear, scenarioTerm, dueIn(10), dueIn(40)))
}

func loadOverpaymentScenario(ctx context.Context, h *Handler) error {
	if err := h.saveScenarioStudent(ctx, "stu-brian", "Brian Mwangi", "grade-7", "boarding"); err != nil {
		return err
	}
	return h.importScenarioSchedule(ctx, fmt.Sprintf(`{
		"academic_year_id": %q,
		"term_id": %q,
		"definitions": [
			{"id": "activity-t1", "fee_type": "Activity", "amount": "400", "due_date": %q, "grades": ["grade-7"]}
		]
	}`, scenarioYear, scenarioTerm, dueIn(14)))
}

func loadCreditReuseScenario(ctx context.Context, h *Handler) error {
	if err := h.saveScenarioStudent(ctx, "stu-chloe", "Chloe Wanjiru", "grade-3", "day"); err != nil {
		return err
	}
	err := h.importScenarioSchedule(ctx, fmt.Sprintf(`{
		"academic_year_id": %q,
		"term_id": %q,
		"definitions": [
			{"id": "registration-t1", "fee_type": "Registration", "amount": "350", "due_date": %q, "categories": ["day"]},
			{"id": "tuition-t1", "fee_type": "Tuition", "amount": "500", "due_date": %q, "categories": ["day"]}
		]
	}`, scenarioYear, scenarioTerm, dueIn(-5), dueIn(20)))
	if err != nil {
		return err
	}

	// Registration overpaid by 150 -> credit for the rest of the term.
	result := h.Engine.AllocatePayment(ctx, fees.PaymentRequest{
		StudentID:               "stu-chloe",
		Amount:                  decimal.NewFromInt(500),
		ObligationDefinitionIDs: []fees.DefinitionID{"registration-t1"},
		AcademicYearID:          scenarioYear,
		TermID:                  scenarioTerm,
		PaymentType:             fees.PaymentCash,
		Reference:               "RCPT-0001",
		PerformedBy:             scenarioUser,
	})
	if !result.Success {
		return result.Err
	}
	return nil
}

func loadDiscountClampScenario(ctx context.Context, h *Handler) error {
	if err := h.saveScenarioStudent(ctx, "stu-daniel", "Daniel Kiptoo", "grade-8", "day"); err != nil {
		return err
	}
	return h.importScenarioSchedule(ctx, fmt.Sprintf(`{
		"academic_year_id": %q,
		"term_id": %q,
		"definitions": [
			{"id": "field-trip-t1", "fee_type": "Field Trip", "amount": "800", "due_date": %q, "grades": ["grade-8"]}
		],
		"exceptions": [
			{"student_id": "stu-daniel", "definition_id": "field-trip-t1", "type": "fixed_amount", "value": "1000",
			 "start_date": "2020-01-01", "reason": "Sponsorship"}
		]
	}`, scenarioYear, scenarioTerm, dueIn(30)))
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) saveScenarioStudent(ctx context.Context, id, name, grade, category string) error {
	_, err := h.Engine.SaveStudent(ctx, fees.Student{
		ID:         fees.StudentID(id),
		Name:       name,
		GradeID:    grade,
		ClassID:    grade + "-a",
		Categories: []string{category},
		Active:     true,
	}, scenarioUser)
	return err
}

func (h *Handler) importScenarioSchedule(ctx context.Context, scheduleJSON string) error {
	schedule, err := h.Factory.ParseSchedule(scheduleJSON)
	if err != nil {
		return err
	}
	if _, err := h.importSchedule(ctx, schedule, scenarioUser); err != nil {
		return fmt.Errorf("import scenario schedule: %w", err)
	}
	return nil
}

// dueIn returns today + days as YYYY-MM-DD.
func dueIn(days int) string {
	return time.Now().UTC().AddDate(0, 0, days).Format(dateLayout)
}
