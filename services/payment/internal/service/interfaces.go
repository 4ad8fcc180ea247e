package service

import (
	"context"
	"time"
)

// OrderLookup проверяет существование заказа в order сервисе
// (false, nil) - заказа нет, ошибка - сервис недоступен
type OrderLookup interface {
	OrderExists(ctx context.Context, orderID string) (bool, error)
}

// EventDispatcher публикует событие из outbox немедленно
// true - брокер подтвердил публикацию
type EventDispatcher interface {
	DispatchNow(ctx context.Context, eventID string) (bool, error)
}

// Sleeper определяет интерфейс для задержки (автоподтверждение, подменяется в тестах)
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// DefaultSleeper реализует Sleeper используя time.After
type DefaultSleeper struct{}

// Sleep ждёт d или отмену контекста
func (DefaultSleeper) Sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
