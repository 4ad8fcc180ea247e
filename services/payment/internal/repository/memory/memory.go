package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Le1NZ/car-detailing-project-sub001/services/payment/internal/repository"
)

// MemoryRepository реализует PaymentRepository и OutboxRepository в памяти
// Платежи и outbox под одним мьютексом: MarkSucceeded атомарен так же, как транзакция в PostgreSQL
type MemoryRepository struct {
	mu       sync.RWMutex
	payments map[string]repository.Payment
	outbox   map[string]repository.OutboxEvent
}

// NewMemoryRepository создаёт новый in-memory репозиторий
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		payments: make(map[string]repository.Payment),
		outbox:   make(map[string]repository.OutboxEvent),
	}
}

// Create сохраняет платёж
func (r *MemoryRepository) Create(ctx context.Context, p repository.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.payments[p.ID] = p
	return nil
}

// GetByID получает платёж по ID
func (r *MemoryRepository) GetByID(ctx context.Context, id string) (repository.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.payments[id]
	if !ok {
		return repository.Payment{}, repository.ErrNotFound
	}
	return p, nil
}

// HasSucceeded проверяет наличие успешного платежа по заказу
func (r *MemoryRepository) HasSucceeded(ctx context.Context, orderID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.hasSucceededLocked(orderID), nil
}

func (r *MemoryRepository) hasSucceededLocked(orderID string) bool {
	for _, p := range r.payments {
		if p.OrderID == orderID && p.Status == repository.StatusSucceeded {
			return true
		}
	}
	return false
}

// MarkSucceeded переводит платёж в succeeded и добавляет событие в outbox в одной критической секции
func (r *MemoryRepository) MarkSucceeded(ctx context.Context, id string, paidAt time.Time, event repository.OutboxEvent) (repository.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.payments[id]
	if !ok {
		return repository.Payment{}, repository.ErrNotFound
	}
	if p.Status != repository.StatusPending {
		return repository.Payment{}, repository.ErrNotPending
	}
	if r.hasSucceededLocked(p.OrderID) {
		return repository.Payment{}, repository.ErrAlreadyPaid
	}

	p.Status = repository.StatusSucceeded
	p.PaidAt = &paidAt
	r.payments[id] = p

	event.Status = repository.OutboxStatusPending
	r.outbox[event.ID] = event
	return p, nil
}

// MarkFailed переводит платёж в failed
func (r *MemoryRepository) MarkFailed(ctx context.Context, id string) (repository.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.payments[id]
	if !ok {
		return repository.Payment{}, repository.ErrNotFound
	}
	if p.Status != repository.StatusPending {
		return repository.Payment{}, repository.ErrNotPending
	}
	p.Status = repository.StatusFailed
	r.payments[id] = p
	return p, nil
}

// ClaimPendingOutboxEvents возвращает самые старые готовые к отправке события
func (r *MemoryRepository) ClaimPendingOutboxEvents(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]repository.OutboxEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ready := make([]repository.OutboxEvent, 0)
	for _, e := range r.outbox {
		if e.Status == repository.OutboxStatusPending && !e.NextAttemptAt.After(now) {
			ready = append(ready, e)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].CreatedAt.Before(ready[j].CreatedAt) })
	if len(ready) > limit {
		ready = ready[:limit]
	}

	for i := range ready {
		e := r.outbox[ready[i].ID]
		e.NextAttemptAt = now.Add(lease)
		r.outbox[e.ID] = e
	}
	return ready, nil
}

// GetOutboxEvent получает событие по ID
func (r *MemoryRepository) GetOutboxEvent(ctx context.Context, id string) (repository.OutboxEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.outbox[id]
	if !ok {
		return repository.OutboxEvent{}, repository.ErrNotFound
	}
	return e, nil
}

// MarkOutboxEventSent отмечает событие как отправленное
func (r *MemoryRepository) MarkOutboxEventSent(ctx context.Context, id string, sentAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.outbox[id]
	if !ok {
		return repository.ErrNotFound
	}
	e.Status = repository.OutboxStatusSent
	e.SentAt = &sentAt
	r.outbox[id] = e
	return nil
}

// MarkOutboxEventFailed фиксирует неудачную попытку
func (r *MemoryRepository) MarkOutboxEventFailed(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.outbox[id]
	if !ok {
		return repository.ErrNotFound
	}
	if e.Status == repository.OutboxStatusSent {
		return nil
	}
	e.Attempts++
	e.LastError = errMsg
	e.NextAttemptAt = nextAttemptAt
	r.outbox[id] = e
	return nil
}
