package memory

import (
	"context"
	"sync"

	"github.com/Le1NZ/car-detailing-project-sub001/services/bonus/internal/repository"
)

// MemoryRepository реализует BonusRepository в памяти
// Журнал начислений и балансы под одним мьютексом
type MemoryRepository struct {
	mu       sync.Mutex
	applied  map[string]string // order_id -> user_id
	balances map[string]float64
}

// NewMemoryRepository создаёт новый in-memory репозиторий
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		applied:  make(map[string]string),
		balances: make(map[string]float64),
	}
}

// ApplyAccrual начисляет бонусы один раз на заказ
func (r *MemoryRepository) ApplyAccrual(ctx context.Context, orderID, userID string, amount float64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.applied[orderID]; ok {
		return false, nil
	}
	r.applied[orderID] = userID
	r.balances[userID] += amount
	return true, nil
}

// Balance возвращает баланс пользователя
func (r *MemoryRepository) Balance(ctx context.Context, userID string) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.balances[userID], nil
}

// Debit списывает бонусы, баланс не уходит в минус
func (r *MemoryRepository) Debit(ctx context.Context, userID string, amount float64) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	balance := r.balances[userID]
	if balance < 0 {
		return balance, repository.ErrInvariantViolation
	}
	if balance < amount {
		return balance, repository.ErrInsufficientFunds
	}
	balance -= amount
	r.balances[userID] = balance
	return balance, nil
}
