package service

import (
	"context"
	"errors"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/Le1NZ/car-detailing-project-sub001/platform/apperr"
	"github.com/Le1NZ/car-detailing-project-sub001/platform/observability"
	"github.com/Le1NZ/car-detailing-project-sub001/services/bonus/internal/repository"
)

// DefaultAccrualRate - доля суммы платежа, начисляемая бонусами
const DefaultAccrualRate = 0.01

// PromocodeStatusApplied - статус успешно применённого промокода
const PromocodeStatusApplied = "applied"

// BonusService содержит бизнес-логику начисления и списания бонусов
type BonusService struct {
	logger     *zap.Logger
	repo       repository.BonusRepository
	promocodes repository.PromocodeRepository
	metrics    Metrics
	rate       float64
}

// NewBonusService создаёт новый экземпляр BonusService
// rate <= 0 заменяется на DefaultAccrualRate, nil metrics - на noop
func NewBonusService(logger *zap.Logger, repo repository.BonusRepository, promocodes repository.PromocodeRepository, metrics Metrics, rate float64) *BonusService {
	if rate <= 0 {
		rate = DefaultAccrualRate
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &BonusService{
		logger:     logger,
		repo:       repo,
		promocodes: promocodes,
		metrics:    metrics,
		rate:       rate,
	}
}

// SpendResult - результат списания бонусов
type SpendResult struct {
	OrderID    string
	Spent      float64
	NewBalance float64
}

// PromocodeResult - результат применения промокода
type PromocodeResult struct {
	OrderID        string
	Promocode      string
	Status         string
	DiscountAmount float64
}

// Accrue начисляет бонусы за оплаченный заказ
// Повторная доставка того же события не меняет баланс и не считается ошибкой
func (s *BonusService) Accrue(ctx context.Context, event PaymentSucceededEvent) error {
	const op = "BonusService.Accrue"
	log := observability.L(ctx, s.logger)

	if event.OrderID == "" || event.UserID == "" {
		return apperr.New(apperr.KindValidation, op, "order_id and user_id are required")
	}
	if event.Amount <= 0 {
		return apperr.New(apperr.KindValidation, op, "amount must be positive")
	}

	bonus := round2(event.Amount * s.rate)
	applied, err := s.repo.ApplyAccrual(ctx, event.OrderID, event.UserID, bonus)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, op, err, "apply accrual")
	}

	if !applied {
		log.Info("accrual already applied, skipping",
			zap.String("event_id", event.EventID),
			zap.String("order_id", event.OrderID),
		)
		return nil
	}

	s.metrics.RecordAccrued(ctx)
	log.Info("bonuses accrued",
		zap.String("event_id", event.EventID),
		zap.String("order_id", event.OrderID),
		zap.String("user_id", event.UserID),
		zap.Float64("payment_amount", event.Amount),
		zap.Float64("bonus", bonus),
	)
	return nil
}

// Balance возвращает текущий баланс пользователя
func (s *BonusService) Balance(ctx context.Context, userID string) (float64, error) {
	const op = "BonusService.Balance"

	balance, err := s.repo.Balance(ctx, userID)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindInternal, op, err, "get balance")
	}
	return balance, nil
}

// Spend списывает бонусы в счёт заказа
func (s *BonusService) Spend(ctx context.Context, userID, orderID string, amount float64) (SpendResult, error) {
	const op = "BonusService.Spend"
	log := observability.L(ctx, s.logger)

	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return SpendResult{}, apperr.New(apperr.KindValidation, op, "order_id is required")
	}
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return SpendResult{}, apperr.New(apperr.KindValidation, op, "amount must be positive")
	}
	amount = round2(amount)

	balance, err := s.repo.Debit(ctx, userID, amount)
	switch {
	case errors.Is(err, repository.ErrInsufficientFunds):
		return SpendResult{}, apperr.Wrap(apperr.KindValidation, op, err, "insufficient bonuses")
	case errors.Is(err, repository.ErrInvariantViolation):
		s.metrics.RecordInvariantViolation(ctx)
		log.Error("negative bonus balance detected",
			zap.String("user_id", userID),
			zap.Float64("balance", balance),
			zap.Error(err),
		)
		return SpendResult{}, apperr.Wrap(apperr.KindInternal, op, err, "bonus balance invariant violated")
	case err != nil:
		return SpendResult{}, apperr.Wrap(apperr.KindInternal, op, err, "debit bonuses")
	}

	log.Info("bonuses spent",
		zap.String("user_id", userID),
		zap.String("order_id", orderID),
		zap.Float64("amount", amount),
		zap.Float64("new_balance", balance),
	)
	return SpendResult{OrderID: orderID, Spent: amount, NewBalance: balance}, nil
}

// ApplyPromocode проверяет промокод и возвращает размер скидки
func (s *BonusService) ApplyPromocode(ctx context.Context, orderID, code string) (PromocodeResult, error) {
	const op = "BonusService.ApplyPromocode"

	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return PromocodeResult{}, apperr.New(apperr.KindValidation, op, "order_id is required")
	}

	promo, err := s.promocodes.FindPromocode(ctx, code)
	if errors.Is(err, repository.ErrPromocodeNotFound) {
		return PromocodeResult{}, apperr.Wrap(apperr.KindNotFound, op, err, "promocode not found or inactive")
	}
	if err != nil {
		return PromocodeResult{}, apperr.Wrap(apperr.KindInternal, op, err, "find promocode")
	}

	observability.L(ctx, s.logger).Info("promocode applied",
		zap.String("order_id", orderID),
		zap.String("promocode", promo.Code),
		zap.Float64("discount_amount", promo.DiscountAmount),
	)
	return PromocodeResult{
		OrderID:        orderID,
		Promocode:      promo.Code,
		Status:         PromocodeStatusApplied,
		DiscountAmount: promo.DiscountAmount,
	}, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
