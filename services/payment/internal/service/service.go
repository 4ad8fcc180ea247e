package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Le1NZ/car-detailing-project-sub001/platform/apperr"
	"github.com/Le1NZ/car-detailing-project-sub001/platform/keylock"
	"github.com/Le1NZ/car-detailing-project-sub001/platform/observability"
	"github.com/Le1NZ/car-detailing-project-sub001/services/payment/internal/repository"
)

const (
	currencyRUB        = "RUB"
	confirmationURLFmt = "https://payment.gateway/confirm?token=%s"
)

// Статус события в ответе Confirm
const (
	EventStatusSent    = "sent"
	EventStatusPending = "pending"
)

var allowedMethods = map[string]struct{}{
	"card": {},
	"sbp":  {},
}

// Options - параметры PaymentService
type Options struct {
	// DefaultAmount используется, если сумма не передана или равна 0
	DefaultAmount float64
	// Queue - очередь, в которую попадает событие payment.succeeded
	Queue string
	// ConfirmPublishTimeout ограничивает синхронную публикацию в Confirm
	ConfirmPublishTimeout time.Duration
	// AutoConfirmDelay > 0 включает автоматическое подтверждение платежа
	AutoConfirmDelay time.Duration
}

// PaymentService содержит бизнес-логику работы с платежами
type PaymentService struct {
	logger     *zap.Logger
	repo       repository.PaymentRepository
	orders     OrderLookup
	dispatcher EventDispatcher
	locks      *keylock.KeyLock
	sleeper    Sleeper
	opts       Options
	now        func() time.Time

	// фоновые автоподтверждения
	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

// NewPaymentService создаёт новый экземпляр PaymentService
func NewPaymentService(logger *zap.Logger, repo repository.PaymentRepository, orders OrderLookup, dispatcher EventDispatcher, opts Options) *PaymentService {
	return NewPaymentServiceWithSleeper(logger, repo, orders, dispatcher, opts, DefaultSleeper{})
}

// NewPaymentServiceWithSleeper создаёт PaymentService с кастомным sleeper (для тестов)
func NewPaymentServiceWithSleeper(logger *zap.Logger, repo repository.PaymentRepository, orders OrderLookup, dispatcher EventDispatcher, opts Options, sleeper Sleeper) *PaymentService {
	if opts.ConfirmPublishTimeout <= 0 {
		opts.ConfirmPublishTimeout = 5 * time.Second
	}
	bgCtx, bgCancel := context.WithCancel(context.Background())
	return &PaymentService{
		logger:     logger,
		repo:       repo,
		orders:     orders,
		dispatcher: dispatcher,
		locks:      keylock.New(),
		sleeper:    sleeper,
		opts:       opts,
		now:        time.Now,
		bgCtx:      bgCtx,
		bgCancel:   bgCancel,
	}
}

// InitiateInput содержит входные данные для создания платежа
type InitiateInput struct {
	OrderID string
	UserID  string
	Method  string
	Amount  float64
}

// ConfirmResult - результат подтверждения платежа
type ConfirmResult struct {
	Payment repository.Payment
	// EventStatus - sent, если брокер подтвердил событие, иначе pending
	EventStatus string
}

// Initiate создаёт pending платёж для существующего неоплаченного заказа
func (s *PaymentService) Initiate(ctx context.Context, input InitiateInput) (repository.Payment, error) {
	const op = "PaymentService.Initiate"
	log := observability.L(ctx, s.logger)

	orderID := strings.TrimSpace(input.OrderID)
	if orderID == "" {
		return repository.Payment{}, apperr.New(apperr.KindValidation, op, "order_id is required")
	}
	if _, ok := allowedMethods[input.Method]; !ok {
		return repository.Payment{}, apperr.New(apperr.KindValidation, op, "payment_method must be card or sbp")
	}
	if input.Amount < 0 {
		return repository.Payment{}, apperr.New(apperr.KindValidation, op, "amount must not be negative")
	}
	amount := input.Amount
	if amount == 0 {
		amount = s.opts.DefaultAmount
	}

	unlock := s.locks.Lock(orderID)
	defer unlock()

	exists, err := s.orders.OrderExists(ctx, orderID)
	if err != nil {
		log.Warn("order service unavailable", zap.String("order_id", orderID), zap.Error(err))
		return repository.Payment{}, apperr.Wrap(apperr.KindUnavailable, op, err, "order service unavailable")
	}
	if !exists {
		return repository.Payment{}, apperr.New(apperr.KindNotFound, op, "order not found")
	}

	if err := s.ensureNotPaid(ctx, op, orderID); err != nil {
		return repository.Payment{}, err
	}

	id := newPaymentID()
	payment := repository.Payment{
		ID:              id,
		OrderID:         orderID,
		UserID:          input.UserID,
		Method:          input.Method,
		Amount:          amount,
		Currency:        currencyRUB,
		Status:          repository.StatusPending,
		ConfirmationURL: fmt.Sprintf(confirmationURLFmt, id),
		CreatedAt:       s.now().UTC(),
	}
	if err := s.repo.Create(ctx, payment); err != nil {
		return repository.Payment{}, fmt.Errorf("%s: save payment: %w", op, err)
	}

	log.Info("payment initiated",
		zap.String("payment_id", payment.ID),
		zap.String("order_id", payment.OrderID),
		zap.Float64("amount", payment.Amount),
		zap.String("method", payment.Method),
	)

	if s.opts.AutoConfirmDelay > 0 {
		s.scheduleAutoConfirm(payment.ID)
	}
	return payment, nil
}

// Get возвращает платёж по ID
func (s *PaymentService) Get(ctx context.Context, id string) (repository.Payment, error) {
	const op = "PaymentService.Get"

	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return repository.Payment{}, mapRepoError(op, err)
	}
	return p, nil
}

// Confirm переводит платёж в succeeded, сохраняет событие в outbox и пытается сразу его опубликовать
// Успех возвращается только после записи события: при недоступном брокере EventStatus = pending
func (s *PaymentService) Confirm(ctx context.Context, id string) (ConfirmResult, error) {
	const op = "PaymentService.Confirm"
	log := observability.L(ctx, s.logger)

	current, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return ConfirmResult{}, mapRepoError(op, err)
	}

	payment, eventID, err := s.markSucceeded(ctx, op, current)
	if err != nil {
		return ConfirmResult{}, err
	}

	log.Info("payment succeeded",
		zap.String("payment_id", payment.ID),
		zap.String("order_id", payment.OrderID),
		zap.String("event_id", eventID),
	)

	// Клиент мог отключиться, событие всё равно пробуем отправить
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ConfirmPublishTimeout)
	defer cancel()

	result := ConfirmResult{Payment: payment, EventStatus: EventStatusPending}
	sent, err := s.dispatcher.DispatchNow(publishCtx, eventID)
	if err != nil {
		log.Warn("payment event publish deferred to outbox",
			zap.String("payment_id", payment.ID),
			zap.String("event_id", eventID),
			zap.Error(err),
		)
	}
	if sent {
		result.EventStatus = EventStatusSent
	}
	return result, nil
}

// markSucceeded под блокировкой заказа проверяет конфликт и атомарно пишет статус и outbox
func (s *PaymentService) markSucceeded(ctx context.Context, op string, current repository.Payment) (repository.Payment, string, error) {
	unlock := s.locks.Lock(current.OrderID)
	defer unlock()

	if current.Status != repository.StatusPending {
		return repository.Payment{}, "", apperr.New(apperr.KindConflict, op,
			fmt.Sprintf("payment is already %s", current.Status))
	}
	if err := s.ensureNotPaid(ctx, op, current.OrderID); err != nil {
		return repository.Payment{}, "", err
	}

	paidAt := s.now().UTC()
	eventID := uuid.NewString()
	payload, err := json.Marshal(PaymentSucceededEvent{
		EventID:    eventID,
		EventType:  EventTypePaymentSucceeded,
		OccurredAt: paidAt,
		OrderID:    current.OrderID,
		UserID:     current.UserID,
		Amount:     current.Amount,
		PaymentID:  current.ID,
	})
	if err != nil {
		return repository.Payment{}, "", fmt.Errorf("%s: marshal event: %w", op, err)
	}

	// Фоновый цикл не берёт событие, пока идёт синхронная публикация
	event := repository.OutboxEvent{
		ID:            eventID,
		AggregateID:   current.OrderID,
		Queue:         s.opts.Queue,
		Payload:       payload,
		Status:        repository.OutboxStatusPending,
		NextAttemptAt: paidAt.Add(s.opts.ConfirmPublishTimeout),
		CreatedAt:     paidAt,
	}

	payment, err := s.repo.MarkSucceeded(ctx, current.ID, paidAt, event)
	if err != nil {
		return repository.Payment{}, "", mapRepoError(op, err)
	}
	return payment, eventID, nil
}

// Fail переводит pending платёж в failed
func (s *PaymentService) Fail(ctx context.Context, id string) (repository.Payment, error) {
	const op = "PaymentService.Fail"

	p, err := s.repo.MarkFailed(ctx, id)
	if err != nil {
		return repository.Payment{}, mapRepoError(op, err)
	}
	observability.L(ctx, s.logger).Info("payment failed",
		zap.String("payment_id", p.ID),
		zap.String("order_id", p.OrderID),
	)
	return p, nil
}

// Stop отменяет запланированные автоподтверждения и ждёт уже начатые
func (s *PaymentService) Stop(ctx context.Context) error {
	s.bgCancel()

	done := make(chan struct{})
	go func() {
		s.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *PaymentService) scheduleAutoConfirm(id string) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		if err := s.sleeper.Sleep(s.bgCtx, s.opts.AutoConfirmDelay); err != nil {
			return
		}
		res, err := s.Confirm(s.bgCtx, id)
		if err != nil {
			// платёж могли подтвердить или отклонить вручную
			s.logger.Info("auto confirm skipped", zap.String("payment_id", id), zap.Error(err))
			return
		}
		s.logger.Info("payment auto confirmed",
			zap.String("payment_id", id),
			zap.String("event_status", res.EventStatus),
		)
	}()
}

func (s *PaymentService) ensureNotPaid(ctx context.Context, op, orderID string) error {
	paid, err := s.repo.HasSucceeded(ctx, orderID)
	if err != nil {
		return fmt.Errorf("%s: check order payments: %w", op, err)
	}
	if paid {
		return apperr.New(apperr.KindConflict, op, "order already paid")
	}
	return nil
}

func mapRepoError(op string, err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return apperr.New(apperr.KindNotFound, op, "payment not found")
	case errors.Is(err, repository.ErrNotPending):
		return apperr.New(apperr.KindConflict, op, "payment is not pending")
	case errors.Is(err, repository.ErrAlreadyPaid):
		return apperr.New(apperr.KindConflict, op, "order already paid")
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// newPaymentID возвращает ID вида pay_<8 hex>
func newPaymentID() string {
	return "pay_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
