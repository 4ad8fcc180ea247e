package service

import (
	"context"
	"time"
)

// CarStatus - результат проверки существования машины
type CarStatus int

const (
	// CarUnavailable - car-service не ответил определённо (таймаут, 5xx, сеть)
	CarUnavailable CarStatus = iota
	// CarExists - машина найдена
	CarExists
	// CarNotFound - car-service ответил 404
	CarNotFound
)

func (s CarStatus) String() string {
	switch s {
	case CarExists:
		return "exists"
	case CarNotFound:
		return "not_found"
	default:
		return "unavailable"
	}
}

// CarVerifier проверяет, что машина существует во внешнем сервисе
// При CarUnavailable err описывает причину
type CarVerifier interface {
	Verify(ctx context.Context, carID string) (CarStatus, error)
}

// Sleeper определяет интерфейс для задержки между попытками (подменяется в тестах)
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
