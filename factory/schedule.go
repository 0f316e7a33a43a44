/*
Package factory provides JSON to Go fee schedule conversion.

PURPOSE:
  Converts a JSON fee schedule into fees.FeeObligationDefinition and
  fees.FeeException values. The finance office maintains one schedule per
  term in JSON; the factory validates it and the API imports it through
  the engine so every row is versioned and audited.

JSON SCHEMA:
  {
    "academic_year_id": "2025",
    "term_id": "T1",
    "definitions": [
      {
        "id": "tuition-g1",
        "fee_type": "Tuition",
        "amount": "500.00",
        "due_date": "2025-01-10",
        "grades": ["G1", "G2"],
        "categories": ["boarding"]
      }
    ],
    "exceptions": [
      {
        "student_id": "stu-1",
        "definition_id": "tuition-g1",
        "type": "percentage",
        "value": "10",
        "start_date": "2025-01-01",
        "reason": "sibling discount"
      }
    ]
  }

DEFAULTS:
  - Definitions inherit academic_year_id and term_id from the schedule
  - Exception type accepts "percentage" / "fixed_amount" in any case
  - Dates are YYYY-MM-DD in UTC; an exception end_date covers the whole day

USAGE:
  factory := NewScheduleFactory()
  schedule, err := factory.ParseSchedule(jsonString)
  for _, def := range schedule.Definitions {
      engine.SaveDefinition(ctx, def, "importer")
  }

SEE ALSO:
  - fees/types.go: FeeObligationDefinition, FeeException
  - fees/admin.go: ValidateDefinition, ValidateException
*/
package factory

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/fee-engine/fees"
)

const dateLayout = "2006-01-02"

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// ScheduleJSON is the JSON representation of a term's fee schedule.
type ScheduleJSON struct {
	AcademicYearID string           `json:"academic_year_id"`
	TermID         string           `json:"term_id"`
	Definitions    []DefinitionJSON `json:"definitions"`
	Exceptions     []ExceptionJSON  `json:"exceptions,omitempty"`
}

// DefinitionJSON represents one fee definition.
type DefinitionJSON struct {
	ID                string          `json:"id"`
	FeeType           string          `json:"fee_type"`
	AcademicYearID    string          `json:"academic_year_id,omitempty"` // defaults to schedule
	TermID            string          `json:"term_id,omitempty"`          // defaults to schedule
	Amount            decimal.Decimal `json:"amount"`
	DueDate           string          `json:"due_date,omitempty"`
	Categories        []string        `json:"categories,omitempty"`
	SpecialProgrammes []string        `json:"special_programmes,omitempty"`
	Grades            []string        `json:"grades,omitempty"`
	Classes           []string        `json:"classes,omitempty"`
}

// ExceptionJSON represents one discount.
type ExceptionJSON struct {
	ID           string          `json:"id,omitempty"`
	StudentID    string          `json:"student_id"`
	DefinitionID string          `json:"definition_id"`
	Type         string          `json:"type"` // percentage, fixed_amount
	Value        decimal.Decimal `json:"value"`
	StartDate    string          `json:"start_date"`
	EndDate      string          `json:"end_date,omitempty"`
	Reason       string          `json:"reason,omitempty"`
}

// Schedule is a parsed, validated fee schedule.
type Schedule struct {
	AcademicYearID fees.AcademicYearID
	TermID         fees.TermID
	Definitions    []fees.FeeObligationDefinition
	Exceptions     []fees.FeeException
}

// =============================================================================
// SCHEDULE FACTORY
// =============================================================================

// ScheduleFactory converts JSON schedules to domain values.
type ScheduleFactory struct{}

// NewScheduleFactory creates a new schedule factory.
func NewScheduleFactory() *ScheduleFactory {
	return &ScheduleFactory{}
}

// ParseSchedule parses a JSON string into a Schedule.
func (f *ScheduleFactory) ParseSchedule(jsonStr string) (*Schedule, error) {
	var sj ScheduleJSON
	if err := json.Unmarshal([]byte(jsonStr), &sj); err != nil {
		return nil, &fees.ValidationError{Message: fmt.Sprintf("failed to parse schedule JSON: %v", err)}
	}
	return f.FromJSON(sj)
}

// FromJSON converts ScheduleJSON into a validated Schedule. The first
// invalid row aborts the conversion; errors name the row.
func (f *ScheduleFactory) FromJSON(sj ScheduleJSON) (*Schedule, error) {
	schedule := &Schedule{
		AcademicYearID: fees.AcademicYearID(sj.AcademicYearID),
		TermID:         fees.TermID(sj.TermID),
	}

	seen := make(map[fees.DefinitionID]bool, len(sj.Definitions))
	for i, dj := range sj.Definitions {
		def, err := parseDefinition(dj, schedule.AcademicYearID, schedule.TermID)
		if err != nil {
			return nil, rowError("definitions", i, err)
		}
		if err := fees.ValidateDefinition(def); err != nil {
			return nil, rowError("definitions", i, err)
		}
		if seen[def.ID] {
			return nil, rowError("definitions", i, &fees.ValidationError{Field: "id", Message: "duplicate id " + string(def.ID)})
		}
		seen[def.ID] = true
		schedule.Definitions = append(schedule.Definitions, def)
	}

	for i, ej := range sj.Exceptions {
		exc, err := parseException(ej)
		if err != nil {
			return nil, rowError("exceptions", i, err)
		}
		if err := fees.ValidateException(exc); err != nil {
			return nil, rowError("exceptions", i, err)
		}
		schedule.Exceptions = append(schedule.Exceptions, exc)
	}

	return schedule, nil
}

// ToJSON converts definitions and exceptions back to the schedule format.
func (f *ScheduleFactory) ToJSON(year fees.AcademicYearID, term fees.TermID, defs []fees.FeeObligationDefinition, excs []fees.FeeException) ScheduleJSON {
	sj := ScheduleJSON{AcademicYearID: string(year), TermID: string(term)}
	for _, def := range defs {
		dj := DefinitionJSON{
			ID:                string(def.ID),
			FeeType:           def.FeeType,
			Amount:            def.Amount,
			Categories:        def.Categories,
			SpecialProgrammes: def.SpecialProgrammes,
			Grades:            def.Grades,
			Classes:           def.Classes,
		}
		if def.AcademicYearID != year {
			dj.AcademicYearID = string(def.AcademicYearID)
		}
		if def.TermID != term {
			dj.TermID = string(def.TermID)
		}
		if def.DueDate != nil {
			dj.DueDate = def.DueDate.Format(dateLayout)
		}
		sj.Definitions = append(sj.Definitions, dj)
	}
	for _, exc := range excs {
		ej := ExceptionJSON{
			ID:           string(exc.ID),
			StudentID:    string(exc.StudentID),
			DefinitionID: string(exc.DefinitionID),
			Type:         strings.ToLower(string(exc.Type)),
			Value:        exc.Value,
			StartDate:    exc.StartDate.Format(dateLayout),
			Reason:       exc.Reason,
		}
		if exc.EndDate != nil {
			ej.EndDate = exc.EndDate.Format(dateLayout)
		}
		sj.Exceptions = append(sj.Exceptions, ej)
	}
	return sj
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseDefinition(dj DefinitionJSON, year fees.AcademicYearID, term fees.TermID) (fees.FeeObligationDefinition, error) {
	def := fees.FeeObligationDefinition{
		ID:                fees.DefinitionID(dj.ID),
		FeeType:           dj.FeeType,
		AcademicYearID:    year,
		TermID:            term,
		Amount:            dj.Amount,
		Categories:        dj.Categories,
		SpecialProgrammes: dj.SpecialProgrammes,
		Grades:            dj.Grades,
		Classes:           dj.Classes,
		Version:           1,
		Active:            true,
	}
	if dj.AcademicYearID != "" {
		def.AcademicYearID = fees.AcademicYearID(dj.AcademicYearID)
	}
	if dj.TermID != "" {
		def.TermID = fees.TermID(dj.TermID)
	}
	if dj.DueDate != "" {
		due, err := parseDate("due_date", dj.DueDate)
		if err != nil {
			return def, err
		}
		def.DueDate = &due
	}
	return def, nil
}

func parseException(ej ExceptionJSON) (fees.FeeException, error) {
	exc := fees.FeeException{
		ID:           fees.ExceptionID(ej.ID),
		StudentID:    fees.StudentID(ej.StudentID),
		DefinitionID: fees.DefinitionID(ej.DefinitionID),
		Type:         parseExceptionType(ej.Type),
		Value:        ej.Value,
		Reason:       ej.Reason,
	}
	if ej.StartDate != "" {
		start, err := parseDate("start_date", ej.StartDate)
		if err != nil {
			return exc, err
		}
		exc.StartDate = start
	}
	if ej.EndDate != "" {
		end, err := parseDate("end_date", ej.EndDate)
		if err != nil {
			return exc, err
		}
		// inclusive of the whole end day
		end = end.Add(24*time.Hour - time.Nanosecond)
		exc.EndDate = &end
	}
	return exc, nil
}

func parseExceptionType(s string) fees.ExceptionType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "percentage", "percent":
		return fees.ExceptionPercentage
	case "fixed_amount", "fixed":
		return fees.ExceptionFixedAmount
	default:
		return fees.ExceptionType(strings.ToUpper(s))
	}
}

func parseDate(field, s string) (time.Time, error) {
	t, err := time.ParseInLocation(dateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, &fees.ValidationError{Field: field, Message: fmt.Sprintf("invalid date %q, want YYYY-MM-DD", s)}
	}
	return t, nil
}

func rowError(section string, i int, err error) error {
	return fmt.Errorf("%s[%d]: %w", section, i, err)
}
