package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/fee-engine/fees"
)

type countingSource struct {
	calls     atomic.Int32
	remaining decimal.Decimal
	err       error
}

func (s *countingSource) GetUnpaidObligations(ctx context.Context, filter fees.StudentSetFilter) ([]fees.StudentObligationSummary, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return []fees.StudentObligationSummary{{
		StudentID:      "stu-1",
		AcademicYearID: filter.AcademicYearID,
		TermID:         filter.TermID,
		TotalRemaining: s.remaining,
		NetRemaining:   s.remaining,
	}}, nil
}

func setupCache(t *testing.T, source Source) (*SummaryCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, time.Minute, source, nil), mr
}

var filter = fees.StudentSetFilter{AcademicYearID: "2025", TermID: "T1"}

func TestSummaryCache_HitAfterMiss(t *testing.T) {
	ctx := context.Background()
	source := &countingSource{remaining: decimal.NewFromInt(570)}
	c, _ := setupCache(t, source)

	first, err := c.GetUnpaidObligations(ctx, filter)
	require.NoError(t, err)
	second, err := c.GetUnpaidObligations(ctx, filter)
	require.NoError(t, err)

	assert.Equal(t, int32(1), source.calls.Load())
	require.Len(t, second, 1)
	assert.Equal(t, "570.00", second[0].TotalRemaining.StringFixed(2))
	assert.Equal(t, first[0].StudentID, second[0].StudentID)
}

func TestSummaryCache_BumpInvalidates(t *testing.T) {
	// GIVEN: A cached summary
	// WHEN: A payment bumps the version
	// THEN: The next read goes back to the source

	ctx := context.Background()
	source := &countingSource{remaining: decimal.NewFromInt(570)}
	c, _ := setupCache(t, source)

	_, err := c.GetUnpaidObligations(ctx, filter)
	require.NoError(t, err)
	require.NoError(t, c.Bump(ctx))
	source.remaining = decimal.NewFromInt(70)

	got, err := c.GetUnpaidObligations(ctx, filter)

	require.NoError(t, err)
	assert.Equal(t, int32(2), source.calls.Load())
	assert.Equal(t, "70.00", got[0].TotalRemaining.StringFixed(2))
}

func TestSummaryCache_KeysDifferByFilter(t *testing.T) {
	ctx := context.Background()
	c, _ := setupCache(t, &countingSource{})

	a, err := c.BuildKey(ctx, fees.StudentSetFilter{AcademicYearID: "2025", TermID: "T1", StudentIDs: []fees.StudentID{"b", "a"}})
	require.NoError(t, err)
	b, err := c.BuildKey(ctx, fees.StudentSetFilter{AcademicYearID: "2025", TermID: "T1", StudentIDs: []fees.StudentID{"a", "b"}})
	require.NoError(t, err)
	other, err := c.BuildKey(ctx, fees.StudentSetFilter{AcademicYearID: "2025", TermID: "T2"})
	require.NoError(t, err)

	assert.Equal(t, a, b, "student order does not matter")
	assert.NotEqual(t, a, other)
}

func TestSummaryCache_ErrorsNotCached(t *testing.T) {
	ctx := context.Background()
	source := &countingSource{err: errors.New("db down")}
	c, mr := setupCache(t, source)

	_, err := c.GetUnpaidObligations(ctx, filter)
	require.Error(t, err)

	key, err := c.BuildKey(ctx, filter)
	require.NoError(t, err)
	assert.False(t, mr.Exists(key))
}

func TestSummaryCache_NilPassesThrough(t *testing.T) {
	source := &countingSource{remaining: decimal.NewFromInt(1)}
	c := New(nil, time.Minute, source, nil)

	_, err := c.GetUnpaidObligations(context.Background(), filter)
	require.NoError(t, err)
	_, err = c.GetUnpaidObligations(context.Background(), filter)
	require.NoError(t, err)

	assert.Equal(t, int32(2), source.calls.Load())
	assert.NoError(t, c.Bump(context.Background()))
}
