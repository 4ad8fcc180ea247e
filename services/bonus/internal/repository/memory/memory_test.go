package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Le1NZ/car-detailing-project-sub001/services/bonus/internal/repository"
)

func TestMemoryRepository_ApplyAccrual(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	applied, err := repo.ApplyAccrual(ctx, "order-1", "user-1", 50)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = repo.ApplyAccrual(ctx, "order-1", "user-1", 50)
	require.NoError(t, err)
	assert.False(t, applied, "duplicate delivery must not be applied")

	balance, err := repo.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 50.0, balance)

	balance, err = repo.Balance(ctx, "unknown")
	require.NoError(t, err)
	assert.Zero(t, balance)
}

func TestMemoryRepository_ConcurrentDuplicatesCreditedOnce(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	const n = 50
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applies int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			applied, err := repo.ApplyAccrual(ctx, "order-1", "user-1", 50)
			if err == nil && applied {
				mu.Lock()
				applies++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applies)
	balance, err := repo.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 50.0, balance)
}

func TestMemoryRepository_Debit(t *testing.T) {
	ctx := context.Background()

	t.Run("debit and insufficient funds", func(t *testing.T) {
		repo := NewMemoryRepository()
		_, err := repo.ApplyAccrual(ctx, "order-1", "user-1", 100)
		require.NoError(t, err)

		balance, err := repo.Debit(ctx, "user-1", 30)
		require.NoError(t, err)
		assert.Equal(t, 70.0, balance)

		_, err = repo.Debit(ctx, "user-1", 71)
		assert.ErrorIs(t, err, repository.ErrInsufficientFunds)

		balance, err = repo.Debit(ctx, "user-1", 70)
		require.NoError(t, err)
		assert.Zero(t, balance)
	})

	t.Run("concurrent debits never go negative", func(t *testing.T) {
		repo := NewMemoryRepository()
		_, err := repo.ApplyAccrual(ctx, "order-1", "user-1", 100)
		require.NoError(t, err)

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
		)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := repo.Debit(ctx, "user-1", 30); err == nil {
					mu.Lock()
					successes++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 3, successes)
		balance, err := repo.Balance(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, 10.0, balance)
	})

	t.Run("negative stored balance is reported", func(t *testing.T) {
		repo := NewMemoryRepository()
		repo.balances["user-1"] = -5

		_, err := repo.Debit(ctx, "user-1", 1)
		assert.ErrorIs(t, err, repository.ErrInvariantViolation)
	})
}
