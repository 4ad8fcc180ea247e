package repository

import (
	"context"
	"errors"
	"time"
)

// PaymentStatus - статус платежа
type PaymentStatus string

const (
	StatusPending   PaymentStatus = "pending"
	StatusSucceeded PaymentStatus = "succeeded"
	StatusFailed    PaymentStatus = "failed"
)

// Статусы записи outbox
const (
	OutboxStatusPending = "pending"
	OutboxStatusSent    = "sent"
)

// Payment представляет доменную модель платежа
type Payment struct {
	ID              string
	OrderID         string
	UserID          string
	Method          string
	Amount          float64
	Currency        string
	Status          PaymentStatus
	ConfirmationURL string
	CreatedAt       time.Time
	// PaidAt заполняется только при успешной оплате
	PaidAt *time.Time
}

// OutboxEvent - событие, ожидающее публикации в брокер
type OutboxEvent struct {
	ID          string
	AggregateID string // order_id
	Queue       string
	Payload     []byte
	Status      string
	Attempts    int
	LastError   string
	// NextAttemptAt - раньше этого момента фоновый dispatcher событие не берёт
	NextAttemptAt time.Time
	CreatedAt     time.Time
	SentAt        *time.Time
}

// PaymentRepository определяет интерфейс для работы с платежами
type PaymentRepository interface {
	// Create сохраняет новый платёж в статусе pending
	Create(ctx context.Context, p Payment) error

	// GetByID получает платёж по ID
	// Возвращает ErrNotFound, если платёж не найден
	GetByID(ctx context.Context, id string) (Payment, error)

	// HasSucceeded сообщает, есть ли у заказа успешный платёж
	HasSucceeded(ctx context.Context, orderID string) (bool, error)

	// MarkSucceeded атомарно переводит платёж pending -> succeeded и сохраняет событие в outbox
	// Ошибки: ErrNotFound, ErrNotPending, ErrAlreadyPaid
	MarkSucceeded(ctx context.Context, id string, paidAt time.Time, event OutboxEvent) (Payment, error)

	// MarkFailed переводит платёж pending -> failed
	// Ошибки: ErrNotFound, ErrNotPending
	MarkFailed(ctx context.Context, id string) (Payment, error)
}

// OutboxRepository определяет интерфейс для работы с outbox
type OutboxRepository interface {
	// ClaimPendingOutboxEvents берёт до limit pending событий с NextAttemptAt <= now
	// и сдвигает им NextAttemptAt на now+lease, чтобы другой экземпляр их не взял
	ClaimPendingOutboxEvents(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]OutboxEvent, error)

	// GetOutboxEvent получает событие по ID
	GetOutboxEvent(ctx context.Context, id string) (OutboxEvent, error)

	// MarkOutboxEventSent отмечает событие как опубликованное
	MarkOutboxEventSent(ctx context.Context, id string, sentAt time.Time) error

	// MarkOutboxEventFailed увеличивает attempts, сохраняет ошибку и время следующей попытки
	// Событие остаётся pending
	MarkOutboxEventFailed(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error
}

var (
	// ErrNotFound возвращается, когда платёж или событие не найдены
	ErrNotFound = errors.New("payment not found")
	// ErrNotPending - платёж уже в терминальном статусе
	ErrNotPending = errors.New("payment is not pending")
	// ErrAlreadyPaid - у заказа уже есть успешный платёж
	ErrAlreadyPaid = errors.New("order already paid")
)
