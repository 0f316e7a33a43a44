/*
eligibility.go - Which fee definitions apply to a student

MATCHING RULE (in precedence order):
  1. Definition lists categories and the student holds at least one -> match
  2. Else definition lists special programmes and the student is enrolled
     in at least one -> match
  3. Else, only when the definition lists NEITHER categories NOR programmes:
     match if the student's grade is in Grades AND (Classes is empty OR
     contains the student's class)

  A definition restricted to categories/programmes the student does not
  hold never falls through to grade/class matching.

PURITY:
  No I/O, no clock. The result is sorted by (due date, ID) so callers get
  the same slice whatever order the definitions arrived in.
*/
package fees

import (
	"slices"
	"sort"
)

// IsEligible reports whether def applies to student.
func IsEligible(student Student, def FeeObligationDefinition) bool {
	if !def.Active {
		return false
	}
	if len(def.Categories) > 0 && intersects(def.Categories, student.Categories) {
		return true
	}
	if len(def.SpecialProgrammes) > 0 && intersects(def.SpecialProgrammes, student.SpecialProgrammes) {
		return true
	}
	if len(def.Categories) > 0 || len(def.SpecialProgrammes) > 0 {
		return false
	}
	if !slices.Contains(def.Grades, student.GradeID) {
		return false
	}
	return len(def.Classes) == 0 || slices.Contains(def.Classes, student.ClassID)
}

// ResolveEligible returns the subset of defs applicable to student.
func ResolveEligible(student Student, defs []FeeObligationDefinition) []FeeObligationDefinition {
	var out []FeeObligationDefinition
	for _, def := range defs {
		if IsEligible(student, def) {
			out = append(out, def)
		}
	}
	SortByDueDate(out)
	return out
}

// SortByDueDate orders definitions by due date ascending (undated last),
// ties broken by ID.
func SortByDueDate(defs []FeeObligationDefinition) {
	sort.SliceStable(defs, func(i, j int) bool {
		a, b := defs[i].DueDate, defs[j].DueDate
		switch {
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		case a != nil && b == nil:
			return true
		case a == nil && b != nil:
			return false
		}
		return defs[i].ID < defs[j].ID
	})
}

func intersects(a, b []string) bool {
	for _, x := range a {
		if slices.Contains(b, x) {
			return true
		}
	}
	return false
}
