package repository

import (
	"context"
	"errors"
)

// BonusRepository определяет интерфейс хранилища бонусных балансов
// Все операции атомарны по ключу: проверка и изменение выполняются вместе
type BonusRepository interface {
	// ApplyAccrual начисляет amount пользователю, если начисление по orderID ещё не применялось
	// Возвращает applied=false для повторной доставки того же события
	ApplyAccrual(ctx context.Context, orderID, userID string, amount float64) (applied bool, err error)

	// Balance возвращает текущий баланс, для неизвестного пользователя 0
	Balance(ctx context.Context, userID string) (float64, error)

	// Debit списывает amount, если баланса хватает
	// Ошибки: ErrInsufficientFunds, ErrInvariantViolation
	Debit(ctx context.Context, userID string, amount float64) (newBalance float64, err error)
}

// Promocode - промокод со скидкой в рублях
type Promocode struct {
	Code           string
	DiscountAmount float64
	Active         bool
}

// PromocodeRepository ищет промокоды
type PromocodeRepository interface {
	// FindPromocode возвращает активный промокод или ErrPromocodeNotFound
	FindPromocode(ctx context.Context, code string) (Promocode, error)
}

var (
	// ErrInsufficientFunds - на балансе меньше, чем запрошено к списанию
	ErrInsufficientFunds = errors.New("insufficient bonuses")
	// ErrInvariantViolation - в хранилище найден отрицательный баланс
	ErrInvariantViolation = errors.New("bonus balance invariant violated")
	// ErrPromocodeNotFound - промокод не существует или неактивен
	ErrPromocodeNotFound = errors.New("promocode not found")
)
