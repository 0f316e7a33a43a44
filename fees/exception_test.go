package fees_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/fee-engine/fees"
)

func TestAdjustAmount(t *testing.T) {
	tests := []struct {
		name  string
		base  string
		typ   fees.ExceptionType
		value string
		want  string
	}{
		{"percentage", "1000", fees.ExceptionPercentage, "10", "900"},
		{"full waiver", "750", fees.ExceptionPercentage, "100", "0"},
		{"percentage rounds to cents", "100", fees.ExceptionPercentage, "33.333", "66.67"},
		{"fixed", "800", fees.ExceptionFixedAmount, "150", "650"},
		{"fixed larger than base clamps to zero", "800", fees.ExceptionFixedAmount, "1000", "0"},
		{"percentage over 100 clamps to zero", "800", fees.ExceptionPercentage, "120", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := fees.AdjustAmount(d(tt.base), fees.FeeException{Type: tt.typ, Value: d(tt.value)})
			assertMoney(t, tt.want, got)
			assert.False(t, got.IsNegative())
		})
	}
}

func TestExceptionAdjuster_FirstActiveWins(t *testing.T) {
	// GIVEN: Two exceptions on the same definition, the older one expired
	// WHEN: Adjusting in January (both active) and in March (only the newer)
	// THEN: The first active exception in store order wins

	jan1 := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	jan31 := time.Date(2025, time.January, 31, 0, 0, 0, 0, time.UTC)
	def := definition("tuition", "1000", nil)

	exceptions := []fees.FeeException{
		{ID: "exc-1", DefinitionID: "tuition", Type: fees.ExceptionPercentage, Value: d("50"), StartDate: jan1, EndDate: &jan31, Reason: "bursary"},
		{ID: "exc-2", DefinitionID: "tuition", Type: fees.ExceptionFixedAmount, Value: d("100"), StartDate: jan1, Reason: "sibling"},
		{ID: "exc-3", DefinitionID: "other", Type: fees.ExceptionFixedAmount, Value: d("999"), StartDate: jan1},
	}
	adjuster := fees.ExceptionAdjuster{}

	inJan := adjuster.Adjust([]fees.FeeObligationDefinition{def}, exceptions, time.Date(2025, time.January, 15, 0, 0, 0, 0, time.UTC))
	require.Len(t, inJan, 1)
	assertMoney(t, "500", inJan[0].AdjustedAmount)
	assert.Equal(t, fees.ExceptionID("exc-1"), inJan[0].Exception.ID)
	assert.Equal(t, "50% discount (bursary)", inJan[0].Description)

	inMar := adjuster.Adjust([]fees.FeeObligationDefinition{def}, exceptions, time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC))
	require.Len(t, inMar, 1)
	assertMoney(t, "900", inMar[0].AdjustedAmount)
	assertMoney(t, "1000", inMar[0].BaseAmount)
	assert.Equal(t, "fixed discount of 100.00 (sibling)", inMar[0].Description)
}

func TestExceptionAdjuster_NoExceptionKeepsBase(t *testing.T) {
	out := fees.ExceptionAdjuster{}.Adjust(
		[]fees.FeeObligationDefinition{definition("tuition", "1000", nil)},
		nil,
		time.Now(),
	)
	require.Len(t, out, 1)
	assertMoney(t, "1000", out[0].AdjustedAmount)
	assert.Nil(t, out[0].Exception)
	assert.Empty(t, out[0].Description)
}

func TestExceptionAdjuster_NotYetStarted(t *testing.T) {
	start := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)
	out := fees.ExceptionAdjuster{}.Adjust(
		[]fees.FeeObligationDefinition{definition("tuition", "1000", nil)},
		[]fees.FeeException{{ID: "exc-1", DefinitionID: "tuition", Type: fees.ExceptionPercentage, Value: d("10"), StartDate: start}},
		time.Date(2025, time.May, 31, 0, 0, 0, 0, time.UTC),
	)
	assertMoney(t, "1000", out[0].AdjustedAmount)
}
