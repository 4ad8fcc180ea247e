package service

import "context"

// Metrics - счётчики бизнес-событий бонусного сервиса
type Metrics interface {
	// RecordAccrued вызывается после фактического начисления (дубликаты не считаются)
	RecordAccrued(ctx context.Context)
	// RecordInvariantViolation вызывается, если в хранилище найден отрицательный баланс
	RecordInvariantViolation(ctx context.Context)
}

type noopMetrics struct{}

func (noopMetrics) RecordAccrued(context.Context)            {}
func (noopMetrics) RecordInvariantViolation(context.Context) {}
