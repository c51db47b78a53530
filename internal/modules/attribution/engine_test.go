package attribution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aristath/reconciler/internal/domain"
	"github.com/aristath/reconciler/internal/modules/positions"
	testutil "github.com/aristath/reconciler/internal/testing"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubReader struct {
	positions []domain.Position
	err       error
	calls     int
}

func (s *stubReader) GetOpenByAccountSymbol(ctx context.Context, tradingAccountID, symbol string) ([]domain.Position, error) {
	s.calls++
	return s.positions, s.err
}

func newTestEngine(reader PositionReader) *Engine {
	return NewEngine(reader, nil, zerolog.New(nil).Level(zerolog.Disabled))
}

func exitRequest(qty string) AttributionRequest {
	return AttributionRequest{
		TradingAccountID: testutil.TestAccount,
		Symbol:           testutil.TestSymbol,
		ExitQuantity:     testutil.Dec(qty),
		ExitPrice:        testutil.Dec("151"),
		ExitTimestamp:    testutil.BaseTime.Add(24 * time.Hour),
	}
}

func TestAttributePartialExit_FIFO(t *testing.T) {
	engine := newTestEngine(&stubReader{positions: testutil.NewFIFOFixtures()})

	result, err := engine.AttributePartialExit(context.Background(), exitRequest("120"))
	require.NoError(t, err)

	require.Len(t, result.Allocations, 2)
	assert.Equal(t, "pos-1", result.Allocations[0].PositionID)
	assert.True(t, result.Allocations[0].AllocatedQuantity.Equal(testutil.Dec("100")))
	assert.True(t, result.Allocations[0].RemainingQuantity.IsZero())
	assert.Equal(t, "pos-2", result.Allocations[1].PositionID)
	assert.True(t, result.Allocations[1].AllocatedQuantity.Equal(testutil.Dec("20")))
	assert.True(t, result.Allocations[1].RemainingQuantity.Equal(testutil.Dec("30")))

	assert.True(t, result.TotalAllocatedQuantity.Equal(testutil.Dec("120")))
	assert.True(t, result.UnallocatedQuantity.IsZero())
	assert.False(t, result.RequiresManualIntervention)
	assert.Equal(t, domain.AllocationMethodFIFO, result.Method)
	assert.NotEmpty(t, result.AllocationID)
	assert.NotEmpty(t, result.AuditTrail)
}

func TestAttributePartialExit_ExceedsSupply(t *testing.T) {
	engine := newTestEngine(&stubReader{positions: testutil.NewFIFOFixtures()})

	result, err := engine.AttributePartialExit(context.Background(), exitRequest("200"))
	require.NoError(t, err)

	assert.True(t, result.TotalAllocatedQuantity.Equal(testutil.Dec("150")))
	assert.True(t, result.UnallocatedQuantity.Equal(testutil.Dec("50")))
	assert.True(t, result.RequiresManualIntervention)
	// Unallocated is measured against the original request
	assert.True(t, result.ExitQuantity.Equal(testutil.Dec("200")))
}

func TestAttributePartialExit_OrdersByCreatedAtRegardlessOfInput(t *testing.T) {
	fixtures := testutil.NewFIFOFixtures()
	reversed := []domain.Position{fixtures[1], fixtures[0]}
	engine := newTestEngine(&stubReader{positions: reversed})

	result, err := engine.AttributePartialExit(context.Background(), exitRequest("60"))
	require.NoError(t, err)

	require.Len(t, result.Allocations, 1)
	assert.Equal(t, "pos-1", result.Allocations[0].PositionID)
	assert.True(t, result.Allocations[0].RemainingQuantity.Equal(testutil.Dec("40")))
}

func TestAttributePartialExit_NoPositions(t *testing.T) {
	engine := newTestEngine(&stubReader{})

	result, err := engine.AttributePartialExit(context.Background(), exitRequest("10"))
	require.NoError(t, err)

	assert.Empty(t, result.Allocations)
	assert.True(t, result.TotalAllocatedQuantity.IsZero())
	assert.True(t, result.UnallocatedQuantity.Equal(testutil.Dec("10")))
	assert.True(t, result.RequiresManualIntervention)
}

func TestAttributePartialExit_SkipsShortAndFlatPositions(t *testing.T) {
	short := testutil.NewPositionFixture("short", "-30", testutil.BaseTime.Add(-time.Hour))
	flat := testutil.NewPositionFixture("flat", "0", testutil.BaseTime.Add(-2*time.Hour))
	long := testutil.NewPositionFixture("long", "25", testutil.BaseTime)
	engine := newTestEngine(&stubReader{positions: []domain.Position{short, flat, long}})

	result, err := engine.AttributePartialExit(context.Background(), exitRequest("25"))
	require.NoError(t, err)

	require.Len(t, result.Allocations, 1)
	assert.Equal(t, "long", result.Allocations[0].PositionID)

	var skipped []string
	for _, entry := range result.AuditTrail {
		if entry.Action == "skipped" {
			skipped = append(skipped, entry.PositionID)
		}
	}
	assert.ElementsMatch(t, []string{"short", "flat"}, skipped)
}

func TestAttributePartialExit_Validation(t *testing.T) {
	engine := newTestEngine(&stubReader{})

	tests := []struct {
		name string
		req  AttributionRequest
	}{
		{"zero quantity", exitRequest("0")},
		{"negative quantity", exitRequest("-5")},
		{"missing account", func() AttributionRequest { r := exitRequest("5"); r.TradingAccountID = ""; return r }()},
		{"missing symbol", func() AttributionRequest { r := exitRequest("5"); r.Symbol = ""; return r }()},
		{"unknown method", func() AttributionRequest { r := exitRequest("5"); r.Method = "LIFO"; return r }()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.AttributePartialExit(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, domain.IsValidation(err))
		})
	}
}

func TestAttributePartialExit_StoreError(t *testing.T) {
	engine := newTestEngine(&stubReader{err: errors.New("boom")})

	_, err := engine.AttributePartialExit(context.Background(), exitRequest("5"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestAttributePartialExit_UsesSuppliedSnapshot(t *testing.T) {
	reader := &stubReader{}
	engine := newTestEngine(reader)

	req := exitRequest("10")
	req.Positions = []domain.Position{testutil.NewPositionFixture("snap", "15", testutil.BaseTime)}

	result, err := engine.AttributePartialExit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 0, reader.calls)
	require.Len(t, result.Allocations, 1)
	assert.True(t, result.Allocations[0].RemainingQuantity.Equal(testutil.Dec("5")))
}

func TestAttributePartialExit_Proportional(t *testing.T) {
	tests := []struct {
		name     string
		exit     string
		expected map[string]string
	}{
		{
			name:     "even split",
			exit:     "30",
			expected: map[string]string{"pos-1": "20", "pos-2": "10"},
		},
		{
			name:     "truncation remainder goes to the oldest lot",
			exit:     "1",
			expected: map[string]string{"pos-1": "0.66666667", "pos-2": "0.33333333"},
		},
		{
			name:     "supply exhausted",
			exit:     "180",
			expected: map[string]string{"pos-1": "100", "pos-2": "50"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newTestEngine(&stubReader{positions: testutil.NewFIFOFixtures()})
			req := exitRequest(tt.exit)
			req.Method = domain.AllocationMethodProportional

			result, err := engine.AttributePartialExit(context.Background(), req)
			require.NoError(t, err)

			got := map[string]string{}
			sum := decimal.Zero
			for _, a := range result.Allocations {
				got[a.PositionID] = a.AllocatedQuantity.String()
				sum = sum.Add(a.AllocatedQuantity)
			}
			assert.Equal(t, tt.expected, got)
			assert.True(t, sum.Equal(result.TotalAllocatedQuantity))
			assert.True(t, result.UnallocatedQuantity.Equal(testutil.Dec(tt.exit).Sub(sum)))
		})
	}
}

func TestAttributePartialExit_AgainstLedger(t *testing.T) {
	db, cleanup := testutil.NewTestDB(t)
	defer cleanup()
	testutil.SeedPositions(t, db.Conn(), testutil.NewFIFOFixtures()...)

	repo := positions.NewPositionRepository(db.Conn(), zerolog.Nop())
	engine := newTestEngine(repo)

	result, err := engine.AttributePartialExit(context.Background(), exitRequest("120"))
	require.NoError(t, err)
	assert.True(t, result.TotalAllocatedQuantity.Equal(testutil.Dec("120")))

	// Attribution never mutates positions
	p2, err := repo.GetByID(context.Background(), "pos-2")
	require.NoError(t, err)
	assert.True(t, p2.Quantity.Equal(testutil.Dec("50")))
}
