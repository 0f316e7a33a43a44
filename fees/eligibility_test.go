package fees_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/warp/fee-engine/fees"
)

func TestIsEligible(t *testing.T) {
	base := fees.Student{
		ID:                "stu-1",
		GradeID:           "G3",
		ClassID:           "G3-A",
		Categories:        []string{"boarder"},
		SpecialProgrammes: []string{"music"},
		Active:            true,
	}
	noClass := base
	noClass.ClassID = ""

	tests := []struct {
		name    string
		student fees.Student
		def     fees.FeeObligationDefinition
		want    bool
	}{
		{
			name:    "category held",
			student: base,
			def:     fees.FeeObligationDefinition{Active: true, Categories: []string{"day", "boarder"}},
			want:    true,
		},
		{
			name:    "category held beats grade mismatch",
			student: base,
			def:     fees.FeeObligationDefinition{Active: true, Categories: []string{"boarder"}, Grades: []string{"G9"}},
			want:    true,
		},
		{
			name:    "programme enrolled",
			student: base,
			def:     fees.FeeObligationDefinition{Active: true, SpecialProgrammes: []string{"music"}},
			want:    true,
		},
		{
			name:    "category not held, programme enrolled",
			student: base,
			def:     fees.FeeObligationDefinition{Active: true, Categories: []string{"day"}, SpecialProgrammes: []string{"music"}},
			want:    true,
		},
		{
			name:    "restricted to category not held does not fall through to grade",
			student: base,
			def:     fees.FeeObligationDefinition{Active: true, Categories: []string{"day"}, Grades: []string{"G3"}},
			want:    false,
		},
		{
			name:    "restricted to programme not enrolled",
			student: base,
			def:     fees.FeeObligationDefinition{Active: true, SpecialProgrammes: []string{"swimming"}, Grades: []string{"G3"}},
			want:    false,
		},
		{
			name:    "grade match, all classes",
			student: base,
			def:     fees.FeeObligationDefinition{Active: true, Grades: []string{"G2", "G3"}},
			want:    true,
		},
		{
			name:    "grade match, class listed",
			student: base,
			def:     fees.FeeObligationDefinition{Active: true, Grades: []string{"G3"}, Classes: []string{"G3-A"}},
			want:    true,
		},
		{
			name:    "grade match, other class",
			student: base,
			def:     fees.FeeObligationDefinition{Active: true, Grades: []string{"G3"}, Classes: []string{"G3-B"}},
			want:    false,
		},
		{
			name:    "grade match, class restricted, student unassigned",
			student: noClass,
			def:     fees.FeeObligationDefinition{Active: true, Grades: []string{"G3"}, Classes: []string{"G3-A"}},
			want:    false,
		},
		{
			name:    "grade mismatch",
			student: base,
			def:     fees.FeeObligationDefinition{Active: true, Grades: []string{"G4"}},
			want:    false,
		},
		{
			name:    "inactive definition",
			student: base,
			def:     fees.FeeObligationDefinition{Active: false, Categories: []string{"boarder"}},
			want:    false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, fees.IsEligible(tt.student, tt.def))
		})
	}
}

func TestResolveEligible_OrderIndependentOfInput(t *testing.T) {
	// GIVEN: The same definitions in two different orders
	// WHEN: Resolving eligibility for each
	// THEN: Same result, sorted by due date then ID, undated last

	s := student("stu-1")
	jan := definition("jan", "100", date(2025, time.January, 10))
	feb := definition("feb", "100", date(2025, time.February, 10))
	febB := definition("feb-b", "100", date(2025, time.February, 10))
	undated := definition("aaa-undated", "100", nil)
	other := definition("other-grade", "100", date(2025, time.January, 1))
	other.Grades = []string{"G9"}

	a := fees.ResolveEligible(s, []fees.FeeObligationDefinition{undated, febB, other, feb, jan})
	b := fees.ResolveEligible(s, []fees.FeeObligationDefinition{jan, feb, febB, undated, other})

	ids := func(defs []fees.FeeObligationDefinition) []fees.DefinitionID {
		out := make([]fees.DefinitionID, len(defs))
		for i, def := range defs {
			out[i] = def.ID
		}
		return out
	}
	want := []fees.DefinitionID{"jan", "feb", "feb-b", "aaa-undated"}
	assert.Equal(t, want, ids(a))
	assert.Equal(t, want, ids(b))
}

func TestResolveEligible_Idempotent(t *testing.T) {
	s := student("stu-1")
	defs := []fees.FeeObligationDefinition{
		definition("b", "100", nil),
		definition("a", "100", date(2025, time.March, 1)),
	}
	once := fees.ResolveEligible(s, defs)
	twice := fees.ResolveEligible(s, once)
	assert.Equal(t, once, twice)
}
