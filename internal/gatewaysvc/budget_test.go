package gatewaysvc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestActionCounterBudgetReserveUnderCap(t *testing.T) {
	db := testDB(t)
	b := NewActionCounterBudget(db)
	now := time.Now().UTC()

	reserved, count, err := b.Reserve(context.Background(), "org1", "agentA", 3, now)
	require.NoError(t, err)
	require.True(t, reserved)
	require.EqualValues(t, 1, count)

	reserved, count, err = b.Reserve(context.Background(), "org1", "agentA", 3, now)
	require.NoError(t, err)
	require.True(t, reserved)
	require.EqualValues(t, 2, count)
}

func TestActionCounterBudgetDeniesAtCap(t *testing.T) {
	db := testDB(t)
	b := NewActionCounterBudget(db)
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		reserved, _, err := b.Reserve(context.Background(), "org1", "agentA", 3, now)
		require.NoError(t, err)
		require.True(t, reserved)
	}

	reserved, count, err := b.Reserve(context.Background(), "org1", "agentA", 3, now)
	require.NoError(t, err)
	require.False(t, reserved)
	require.EqualValues(t, 3, count)
}

func TestActionCounterBudgetReleaseDecrements(t *testing.T) {
	db := testDB(t)
	b := NewActionCounterBudget(db)
	now := time.Now().UTC()

	_, _, err := b.Reserve(context.Background(), "org1", "agentA", 3, now)
	require.NoError(t, err)
	require.NoError(t, b.Release(context.Background(), "org1", "agentA", now))

	reserved, count, err := b.Reserve(context.Background(), "org1", "agentA", 3, now)
	require.NoError(t, err)
	require.True(t, reserved)
	require.EqualValues(t, 1, count)
}

func TestActionCounterBudgetReleaseNeverGoesNegative(t *testing.T) {
	db := testDB(t)
	b := NewActionCounterBudget(db)
	now := time.Now().UTC()

	require.NoError(t, b.Release(context.Background(), "org1", "agentA", now))
	reserved, count, err := b.Reserve(context.Background(), "org1", "agentA", 1, now)
	require.NoError(t, err)
	require.True(t, reserved)
	require.EqualValues(t, 1, count)
}

func TestActionCounterBudgetConcurrentReservesRespectCap(t *testing.T) {
	db := testDB(t)
	b := NewActionCounterBudget(db)
	now := time.Now().UTC()

	const cap = 3
	const attempts = 4
	var wg sync.WaitGroup
	results := make([]bool, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reserved, _, err := b.Reserve(context.Background(), "org1", "agentA", cap, now)
			require.NoError(t, err)
			results[i] = reserved
		}(i)
	}
	wg.Wait()

	successCount := 0
	for _, ok := range results {
		if ok {
			successCount++
		}
	}
	require.Equal(t, cap, successCount, "exactly daily_cap reservations should succeed under concurrency")
}
