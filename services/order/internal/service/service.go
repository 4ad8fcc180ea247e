package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Le1NZ/car-detailing-project-sub001/platform/apperr"
	"github.com/Le1NZ/car-detailing-project-sub001/platform/keylock"
	"github.com/Le1NZ/car-detailing-project-sub001/platform/observability"
	"github.com/Le1NZ/car-detailing-project-sub001/services/order/internal/repository"
)

const (
	maxDescriptionLen = 500
	maxCommentLen     = 1000
)

// ErrInvalidTransition - целевой статус не является единственным разрешённым следующим
var ErrInvalidTransition = errors.New("invalid status transition")

// Options - политика повторов проверки машины на стороне OrderService
type Options struct {
	// VerifyMaxAttempts сколько раз вызывать CarVerifier при CarUnavailable (1 = без повторов)
	VerifyMaxAttempts int
	// VerifyBackoff базовая пауза, n-я повторная попытка ждёт VerifyBackoff * 2^(n-1)
	VerifyBackoff time.Duration
}

// OrderService содержит бизнес-логику работы с заказами
type OrderService struct {
	logger  *zap.Logger
	cars    CarVerifier
	repo    repository.OrderRepository
	locks   *keylock.KeyLock
	sleeper Sleeper
	opts    Options
	now     func() time.Time
}

// NewOrderService создаёт новый экземпляр OrderService
func NewOrderService(logger *zap.Logger, cars CarVerifier, repo repository.OrderRepository, opts Options) *OrderService {
	return NewOrderServiceWithSleeper(logger, cars, repo, opts, DefaultSleeper{})
}

// NewOrderServiceWithSleeper создаёт OrderService с кастомным sleeper (для тестов)
func NewOrderServiceWithSleeper(logger *zap.Logger, cars CarVerifier, repo repository.OrderRepository, opts Options, sleeper Sleeper) *OrderService {
	if opts.VerifyMaxAttempts <= 0 {
		opts.VerifyMaxAttempts = 1
	}
	return &OrderService{
		logger:  logger,
		cars:    cars,
		repo:    repo,
		locks:   keylock.New(),
		sleeper: sleeper,
		opts:    opts,
		now:     time.Now,
	}
}

// CreateOrderInput содержит входные данные для создания заказа
type CreateOrderInput struct {
	UserID          string
	CarID           string
	AppointmentTime time.Time
	Description     string
}

// CreateOrder проверяет машину и сохраняет заказ в статусе created
// Заказ не сохраняется, пока CarVerifier не ответил CarExists
func (s *OrderService) CreateOrder(ctx context.Context, input CreateOrderInput) (repository.Order, error) {
	const op = "OrderService.CreateOrder"
	log := observability.L(ctx, s.logger)

	if _, err := uuid.Parse(input.CarID); err != nil {
		return repository.Order{}, apperr.New(apperr.KindValidation, op, "car_id must be a valid UUID")
	}
	if input.AppointmentTime.IsZero() {
		return repository.Order{}, apperr.New(apperr.KindValidation, op, "desired_time is required")
	}
	description := strings.TrimSpace(input.Description)
	if n := utf8.RuneCountInString(description); n == 0 || n > maxDescriptionLen {
		return repository.Order{}, apperr.New(apperr.KindValidation, op,
			fmt.Sprintf("description must be 1..%d characters", maxDescriptionLen))
	}

	status, err := s.verifyCar(ctx, input.CarID)
	switch status {
	case CarExists:
	case CarNotFound:
		log.Info("car not found", zap.String("car_id", input.CarID))
		return repository.Order{}, apperr.New(apperr.KindNotFound, op, "car not found")
	default:
		log.Warn("car service unavailable", zap.String("car_id", input.CarID), zap.Error(err))
		return repository.Order{}, apperr.Wrap(apperr.KindUnavailable, op, err, "car service unavailable")
	}

	now := s.now().UTC()
	order := repository.Order{
		ID:              uuid.NewString(),
		CarID:           input.CarID,
		UserID:          input.UserID,
		AppointmentTime: input.AppointmentTime.UTC(),
		Description:     description,
		Status:          repository.StatusCreated,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.repo.Create(ctx, order); err != nil {
		return repository.Order{}, fmt.Errorf("%s: save order: %w", op, err)
	}

	log.Info("order created",
		zap.String("order_id", order.ID),
		zap.String("car_id", order.CarID),
		zap.String("user_id", order.UserID),
	)
	return order, nil
}

// verifyCar вызывает CarVerifier, повторяя только CarUnavailable
func (s *OrderService) verifyCar(ctx context.Context, carID string) (CarStatus, error) {
	var (
		status CarStatus
		err    error
	)
	for attempt := 1; attempt <= s.opts.VerifyMaxAttempts; attempt++ {
		if attempt > 1 {
			backoff := s.opts.VerifyBackoff * time.Duration(1<<uint(attempt-2))
			observability.L(ctx, s.logger).Info("retrying car verification",
				zap.String("car_id", carID),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
			)
			if sleepErr := s.sleeper.Sleep(ctx, backoff); sleepErr != nil {
				return CarUnavailable, sleepErr
			}
		}

		status, err = s.cars.Verify(ctx, carID)
		if status != CarUnavailable {
			return status, nil
		}
	}
	return CarUnavailable, err
}

// GetOrder получает заказ по ID
func (s *OrderService) GetOrder(ctx context.Context, id string) (repository.Order, error) {
	const op = "OrderService.GetOrder"

	order, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return repository.Order{}, apperr.New(apperr.KindNotFound, op, "order not found")
		}
		return repository.Order{}, fmt.Errorf("%s: %w", op, err)
	}
	return order, nil
}

// UpdateStatus переводит заказ в следующий статус
// Чтение, проверка перехода и запись выполняются под блокировкой заказа,
// запись дополнительно защищена compare-and-set в репозитории
func (s *OrderService) UpdateStatus(ctx context.Context, id, target string) (repository.Order, error) {
	const op = "OrderService.UpdateStatus"

	to, ok := ParseStatus(target)
	if !ok {
		return repository.Order{}, apperr.New(apperr.KindValidation, op, fmt.Sprintf("unknown status: %q", target))
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	order, err := s.GetOrder(ctx, id)
	if err != nil {
		return repository.Order{}, err
	}

	if !CanTransition(order.Status, to) {
		return repository.Order{}, apperr.Wrap(apperr.KindConflict, op, ErrInvalidTransition,
			fmt.Sprintf("cannot change status from %s to %s", order.Status, to))
	}

	updated, err := s.repo.UpdateStatus(ctx, id, order.Status, to, s.now().UTC())
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrStatusMismatch):
		return repository.Order{}, apperr.Wrap(apperr.KindConflict, op, err, "order status changed concurrently")
	case errors.Is(err, repository.ErrNotFound):
		return repository.Order{}, apperr.New(apperr.KindNotFound, op, "order not found")
	default:
		return repository.Order{}, fmt.Errorf("%s: %w", op, err)
	}

	observability.L(ctx, s.logger).Info("order status changed",
		zap.String("order_id", id),
		zap.String("from", string(order.Status)),
		zap.String("to", string(to)),
	)
	return updated, nil
}

// AddReviewInput содержит входные данные для отзыва
type AddReviewInput struct {
	Rating  int
	Comment string
}

// AddReview добавляет отзыв к заказу, не более одного на заказ
func (s *OrderService) AddReview(ctx context.Context, orderID string, input AddReviewInput) (repository.Review, error) {
	const op = "OrderService.AddReview"

	if input.Rating < 1 || input.Rating > 5 {
		return repository.Review{}, apperr.New(apperr.KindValidation, op, "rating must be between 1 and 5")
	}
	comment := strings.TrimSpace(input.Comment)
	if n := utf8.RuneCountInString(comment); n == 0 || n > maxCommentLen {
		return repository.Review{}, apperr.New(apperr.KindValidation, op,
			fmt.Sprintf("comment must be 1..%d characters", maxCommentLen))
	}

	unlock := s.locks.Lock(orderID)
	defer unlock()

	if _, err := s.GetOrder(ctx, orderID); err != nil {
		return repository.Review{}, err
	}

	review := repository.Review{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		Rating:    input.Rating,
		Comment:   comment,
		Status:    repository.ReviewStatusPublished,
		CreatedAt: s.now().UTC(),
	}
	if err := s.repo.CreateReview(ctx, review); err != nil {
		if errors.Is(err, repository.ErrReviewExists) {
			return repository.Review{}, apperr.Wrap(apperr.KindConflict, op, err, "review for this order already exists")
		}
		return repository.Review{}, fmt.Errorf("%s: save review: %w", op, err)
	}

	observability.L(ctx, s.logger).Info("review added",
		zap.String("order_id", orderID),
		zap.String("review_id", review.ID),
		zap.Int("rating", review.Rating),
	)
	return review, nil
}
