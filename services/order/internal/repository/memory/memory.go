package memory

import (
	"context"
	"sync"
	"time"

	"github.com/Le1NZ/car-detailing-project-sub001/services/order/internal/repository"
)

// MemoryRepository реализует OrderRepository используя in-memory хранилище
// Все проверки "прочитать-сравнить-записать" выполняются под одним мьютексом
type MemoryRepository struct {
	mu      sync.RWMutex
	orders  map[string]repository.Order
	reviews map[string]repository.Review // order_id -> review
}

// NewMemoryRepository создаёт новый in-memory репозиторий
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		orders:  make(map[string]repository.Order),
		reviews: make(map[string]repository.Review),
	}
}

// Create сохраняет заказ в памяти
func (r *MemoryRepository) Create(ctx context.Context, order repository.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.orders[order.ID] = order
	return nil
}

// GetByID получает заказ по ID из памяти
func (r *MemoryRepository) GetByID(ctx context.Context, id string) (repository.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order, exists := r.orders[id]
	if !exists {
		return repository.Order{}, repository.ErrNotFound
	}
	return order, nil
}

// UpdateStatus меняет статус, только если текущий равен from
func (r *MemoryRepository) UpdateStatus(ctx context.Context, id string, from, to repository.Status, updatedAt time.Time) (repository.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, exists := r.orders[id]
	if !exists {
		return repository.Order{}, repository.ErrNotFound
	}
	if order.Status != from {
		return repository.Order{}, repository.ErrStatusMismatch
	}

	order.Status = to
	order.UpdatedAt = updatedAt
	r.orders[id] = order
	return order, nil
}

// CreateReview сохраняет отзыв, если у заказа его ещё нет
func (r *MemoryRepository) CreateReview(ctx context.Context, review repository.Review) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.reviews[review.OrderID]; exists {
		return repository.ErrReviewExists
	}
	r.reviews[review.OrderID] = review
	return nil
}
