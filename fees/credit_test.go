package fees_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/fee-engine/fees"
	"github.com/warp/fee-engine/fees/store"
)

func newTestLedger(t *testing.T) (*fees.CreditLedger, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	clock := newClock()
	return &fees.CreditLedger{
		Store:       mem,
		Audit:       &fees.AuditRecorder{Now: clock.Now},
		Now:         clock.Now,
		PerformedBy: "bursar",
	}, mem
}

func grant(amount string) fees.CreditGrant {
	return fees.CreditGrant{
		StudentID:      "stu-1",
		AcademicYearID: year,
		TermID:         term,
		Amount:         d(amount),
		Description:    "overpayment",
		BatchID:        "batch-seed",
	}
}

func consume(amount string) fees.ConsumeRequest {
	return fees.ConsumeRequest{
		StudentID:      "stu-1",
		AcademicYearID: year,
		TermID:         term,
		Amount:         d(amount),
		BatchID:        "batch-use",
	}
}

func TestCreditLedger_ConsumesOldestFirst(t *testing.T) {
	// GIVEN: Credit rows of 200 then 50
	// WHEN: Consuming 220
	// THEN: The 200 row is used up, the 50 row is reduced to 30

	ctx := context.Background()
	ledger, mem := newTestLedger(t)
	first, err := ledger.Create(ctx, grant("200"))
	require.NoError(t, err)
	second, err := ledger.Create(ctx, grant("50"))
	require.NoError(t, err)

	drawn, err := ledger.Consume(ctx, consume("220"))

	require.NoError(t, err)
	require.Len(t, drawn, 2)
	assert.Equal(t, first.ID, drawn[0].ExcessFeeID)
	assertMoney(t, "200", drawn[0].Amount)
	assertMoney(t, "0", drawn[0].Remaining)
	assert.Equal(t, second.ID, drawn[1].ExcessFeeID)
	assertMoney(t, "20", drawn[1].Amount)
	assertMoney(t, "30", drawn[1].Remaining)

	rows, err := mem.ListExcessFees(ctx, "stu-1", year, term)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.True(t, rows[0].IsUsed)
	assertMoney(t, "200", rows[0].OriginalAmount)
	assert.False(t, rows[1].IsUsed)
	assertMoney(t, "30", rows[1].Amount)
	assert.Equal(t, int64(2), rows[1].Version)

	available, err := ledger.Available(ctx, "stu-1", year, term)
	require.NoError(t, err)
	assertMoney(t, "30", available)

	usages, err := mem.ListCreditUsages(ctx, "stu-1")
	require.NoError(t, err)
	assert.Len(t, usages, 2)
}

func TestCreditLedger_NeverDrainsNewerBeforeOlder(t *testing.T) {
	// GIVEN: Three rows of 10
	// WHEN: Consuming 5 three times
	// THEN: Only the oldest row moves until it is empty

	ctx := context.Background()
	ledger, mem := newTestLedger(t)
	for i := 0; i < 3; i++ {
		_, err := ledger.Create(ctx, grant("10"))
		require.NoError(t, err)
	}

	for i := 0; i < 3; i++ {
		_, err := ledger.Consume(ctx, consume("5"))
		require.NoError(t, err)

		rows, _ := mem.ListExcessFees(ctx, "stu-1", year, term)
		for j := 1; j < len(rows); j++ {
			if rows[j].Amount.LessThan(rows[j].OriginalAmount) {
				assert.True(t, rows[j-1].IsUsed, "step %d: row %d drawn while row %d has balance", i, j, j-1)
			}
		}
	}

	available, _ := ledger.Available(ctx, "stu-1", year, term)
	assertMoney(t, "15", available)
}

func TestCreditLedger_SameTimestampDrainsInInsertionOrder(t *testing.T) {
	// GIVEN: A 30 credit created before a 70 credit at the same instant
	// WHEN: Consuming 40
	// THEN: The 30 row is used up first and the 70 row keeps 60

	ctx := context.Background()
	fixed := func() time.Time { return time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC) }

	// Row IDs are random, so repeat to catch an ID-ordered tie break.
	for run := 0; run < 20; run++ {
		mem := store.NewMemory()
		ledger := &fees.CreditLedger{
			Store:       mem,
			Audit:       &fees.AuditRecorder{Now: fixed},
			Now:         fixed,
			PerformedBy: "bursar",
		}
		older, err := ledger.Create(ctx, grant("30"))
		require.NoError(t, err)
		newer, err := ledger.Create(ctx, grant("70"))
		require.NoError(t, err)

		drawn, err := ledger.Consume(ctx, consume("40"))

		require.NoError(t, err)
		require.Len(t, drawn, 2, "run %d", run)
		assert.Equal(t, older.ID, drawn[0].ExcessFeeID, "run %d", run)
		assertMoney(t, "0", drawn[0].Remaining)
		assert.Equal(t, newer.ID, drawn[1].ExcessFeeID, "run %d", run)
		assertMoney(t, "60", drawn[1].Remaining)
	}
}

func TestCreditLedger_InsufficientCredit(t *testing.T) {
	// GIVEN: 100 of credit
	// WHEN: Asking for 100.01
	// THEN: InsufficientCreditError and nothing changes

	ctx := context.Background()
	ledger, mem := newTestLedger(t)
	_, err := ledger.Create(ctx, grant("100"))
	require.NoError(t, err)

	_, err = ledger.Consume(ctx, consume("100.01"))

	require.Error(t, err)
	assert.True(t, errors.Is(err, fees.ErrInsufficientCredit))
	var ice *fees.InsufficientCreditError
	require.True(t, errors.As(err, &ice))
	assertMoney(t, "100", ice.Available)

	usages, _ := mem.ListCreditUsages(ctx, "stu-1")
	assert.Empty(t, usages)
}

func TestCreditLedger_ScopedToTerm(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger(t)
	_, err := ledger.Create(ctx, grant("100"))
	require.NoError(t, err)

	other, err := ledger.Available(ctx, "stu-1", year, "T2")
	require.NoError(t, err)
	assertMoney(t, "0", other)

	req := consume("10")
	req.TermID = "T2"
	_, err = ledger.Consume(ctx, req)
	assert.True(t, errors.Is(err, fees.ErrInsufficientCredit))
}

func TestCreditLedger_CreateNeverMerges(t *testing.T) {
	ctx := context.Background()
	ledger, mem := newTestLedger(t)

	_, err := ledger.Create(ctx, grant("40"))
	require.NoError(t, err)
	_, err = ledger.Create(ctx, grant("60"))
	require.NoError(t, err)

	rows, _ := mem.ListExcessFees(ctx, "stu-1", year, term)
	assert.Len(t, rows, 2)

	entries, _ := mem.QueryAudit(ctx, fees.AuditFilter{Actions: []fees.AuditAction{fees.AuditCreditCreated}})
	assert.Len(t, entries, 2)
}

func TestCreditLedger_RejectsNonPositive(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger(t)

	_, err := ledger.Create(ctx, grant("0"))
	assert.True(t, errors.Is(err, fees.ErrValidation))

	_, err = ledger.Consume(ctx, consume("-1"))
	assert.True(t, errors.Is(err, fees.ErrValidation))
}

func TestCreditLedger_StaleVersionConflicts(t *testing.T) {
	// GIVEN: A credit row someone else already drew from
	// WHEN: Updating it with the version read before that draw
	// THEN: ConcurrencyConflictError

	ctx := context.Background()
	ledger, mem := newTestLedger(t)
	row, err := ledger.Create(ctx, grant("100"))
	require.NoError(t, err)
	_, err = ledger.Consume(ctx, consume("10"))
	require.NoError(t, err)

	stale := *row
	stale.Amount = d("50")
	stale.UpdatedAt = time.Now()
	err = mem.UpdateExcessFee(ctx, stale, row.Version)

	assert.True(t, errors.Is(err, fees.ErrConcurrencyConflict))
}
