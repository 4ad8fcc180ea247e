package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/Le1NZ/car-detailing-project-sub001/platform/observability"
	platformrmq "github.com/Le1NZ/car-detailing-project-sub001/platform/rabbitmq"
	"github.com/Le1NZ/car-detailing-project-sub001/services/bonus/internal/service"
)

// Результаты обработки доставки для метрики bonus_messages_total
const (
	ResultAccrued      = "accrued"
	ResultDeadLettered = "dead_lettered"
	ResultRequeued     = "requeued"
	ResultDLQFailed    = "dlq_failed"
)

const tracerName = "bonus-service"

// errDeliveriesClosed - брокер закрыл канал доставок (обрыв соединения)
var errDeliveriesClosed = errors.New("delivery channel closed")

// Accruer начисляет бонусы по событию оплаты
type Accruer interface {
	Accrue(ctx context.Context, event service.PaymentSucceededEvent) error
}

// DeadLetterPublisher отправляет непригодную доставку в DLQ
type DeadLetterPublisher interface {
	Publish(ctx context.Context, d amqp.Delivery, err error, eventType, eventID, orderID string) error
}

// Metrics записывает результат обработки каждой доставки
type Metrics interface {
	RecordMessage(ctx context.Context, result string)
}

type noopMetrics struct{}

func (noopMetrics) RecordMessage(context.Context, string) {}

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

// ConsumerOptions - параметры consumer'а
type ConsumerOptions struct {
	Workers     int
	MaxAttempts int
	BackoffBase time.Duration
	// HandleTimeout ограничивает одну попытку обработки, в том числе после начала shutdown
	HandleTimeout time.Duration
	// ReconnectBackoff - пауза перед переподключением после обрыва
	ReconnectBackoff time.Duration
}

// PaymentSucceededConsumer читает события payment.succeeded и начисляет бонусы
// Ack только после успешной записи в хранилище (at-least-once)
type PaymentSucceededConsumer struct {
	logger  *zap.Logger
	cfg     platformrmq.Config
	svc     Accruer
	dlq     DeadLetterPublisher
	metrics Metrics
	opts    ConsumerOptions
	sleeper Sleeper
	tag     string

	connected atomic.Bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// NewPaymentSucceededConsumer создаёт новый consumer событий оплаты
func NewPaymentSucceededConsumer(logger *zap.Logger, cfg platformrmq.Config, svc Accruer, dlq DeadLetterPublisher, metrics Metrics, opts ConsumerOptions) *PaymentSucceededConsumer {
	return NewPaymentSucceededConsumerWithSleeper(logger, cfg, svc, dlq, metrics, opts, DefaultSleeper{})
}

// NewPaymentSucceededConsumerWithSleeper создаёт consumer с кастомным sleeper (для тестов)
func NewPaymentSucceededConsumerWithSleeper(logger *zap.Logger, cfg platformrmq.Config, svc Accruer, dlq DeadLetterPublisher, metrics Metrics, opts ConsumerOptions, sleeper Sleeper) *PaymentSucceededConsumer {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.HandleTimeout <= 0 {
		opts.HandleTimeout = 10 * time.Second
	}
	if opts.ReconnectBackoff <= 0 {
		opts.ReconnectBackoff = cfg.DialBackoff
	}
	if opts.ReconnectBackoff <= 0 {
		opts.ReconnectBackoff = 2 * time.Second
	}
	return &PaymentSucceededConsumer{
		logger:  logger,
		cfg:     cfg,
		svc:     svc,
		dlq:     dlq,
		metrics: metrics,
		opts:    opts,
		sleeper: sleeper,
		tag:     "bonus-" + uuid.NewString(),
	}
}

// Start подключается к брокеру и обрабатывает доставки до отмены ctx или Stop
// После обрыва соединения переподключается с паузой ReconnectBackoff
func (c *PaymentSucceededConsumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		cancel()
		return nil
	}
	if c.cancel != nil {
		c.mu.Unlock()
		cancel()
		return errors.New("consumer already started")
	}
	c.cancel, c.done = cancel, done
	c.mu.Unlock()
	defer close(done)

	c.logger.Info("starting rabbitmq consumer",
		zap.String("queue", c.cfg.Queue),
		zap.Int("prefetch", c.cfg.Prefetch),
		zap.Int("workers", c.opts.Workers),
		zap.Int("max_retry_attempts", c.opts.MaxAttempts),
	)

	for {
		err := c.consume(ctx)
		if ctx.Err() != nil {
			c.logger.Info("consumer context cancelled, stopping")
			return nil
		}
		c.logger.Warn("rabbitmq consumer interrupted, reconnecting",
			zap.Error(err),
			zap.Duration("backoff", c.opts.ReconnectBackoff),
		)
		if err := c.sleeper.Sleep(ctx, c.opts.ReconnectBackoff); err != nil {
			c.logger.Info("consumer context cancelled, stopping")
			return nil
		}
	}
}

// Stop прекращает приём новых доставок и ждёт обработки текущих
func (c *PaymentSucceededConsumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	c.stopped = true
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Healthy возвращает ошибку, пока consumer не подписан на очередь
func (c *PaymentSucceededConsumer) Healthy(context.Context) error {
	if !c.connected.Load() {
		return errors.New("rabbitmq consumer is not connected")
	}
	return nil
}

// consume обслуживает одно соединение: возвращает nil при отмене ctx,
// ошибку при обрыве
func (c *PaymentSucceededConsumer) consume(ctx context.Context) error {
	conn, err := platformrmq.Dial(ctx, c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if err := platformrmq.DeclareQueue(ch, c.cfg.Queue); err != nil {
		return err
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}

	deliveries, err := ch.Consume(
		c.cfg.Queue,
		c.tag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	c.logger.Info("consuming payment succeeded events", zap.String("queue", c.cfg.Queue), zap.String("consumer_tag", c.tag))
	c.connected.Store(true)
	defer c.connected.Store(false)

	var wg sync.WaitGroup
	for i := 0; i < c.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deliveries {
				c.processDelivery(ctx, d)
			}
		}()
	}
	workersDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(workersDone)
	}()

	select {
	case <-ctx.Done():
		c.logger.Info("cancelling consumer, waiting for in-flight messages", zap.String("consumer_tag", c.tag))
		// после basic.cancel библиотека закрывает deliveries, воркеры дочитывают буфер
		if err := ch.Cancel(c.tag, false); err != nil {
			c.logger.Warn("failed to cancel consumer", zap.Error(err))
			ch.Close()
		}
		<-workersDone
		return nil
	case <-workersDone:
		return errDeliveriesClosed
	}
}

// processDelivery обрабатывает одну доставку и подтверждает её брокеру
// Возвращает результат для метрики
func (c *PaymentSucceededConsumer) processDelivery(ctx context.Context, d amqp.Delivery) string {
	ctx, span := observability.StartConsumerSpan(ctx, tracerName, c.cfg.Queue+" process", d.Headers,
		attribute.String("messaging.system", "rabbitmq"),
		attribute.String("messaging.destination.name", c.cfg.Queue),
		attribute.String("messaging.message.id", d.MessageId),
	)
	defer span.End()

	result := c.handleDelivery(ctx, d)
	if result != ResultAccrued && result != ResultDeadLettered {
		span.SetStatus(codes.Error, result)
	}
	span.SetAttributes(attribute.String("bonus.result", result))
	c.metrics.RecordMessage(ctx, result)
	return result
}

func (c *PaymentSucceededConsumer) handleDelivery(ctx context.Context, d amqp.Delivery) string {
	log := observability.L(ctx, c.logger).With(zap.Uint64("delivery_tag", d.DeliveryTag))

	event, err := parsePaymentSucceeded(d.Body)
	if err != nil {
		log.Error("invalid payment succeeded message - sending to DLQ", zap.Error(err), zap.Bool("redelivered", d.Redelivered))
		return c.deadLetter(ctx, log, d, err, event)
	}

	log = log.With(zap.String("event_id", event.EventID), zap.String("order_id", event.OrderID))
	log.Info("received payment succeeded event", zap.String("user_id", event.UserID), zap.Float64("amount", event.Amount))

	if !c.handleWithRetry(ctx, log, event) {
		// брокер доставит сообщение повторно
		if err := d.Nack(false, true); err != nil {
			log.Error("failed to nack message", zap.Error(err))
		}
		return ResultRequeued
	}

	if err := d.Ack(false); err != nil {
		log.Error("failed to ack message", zap.Error(err))
	}
	log.Info("payment succeeded event processed successfully")
	return ResultAccrued
}

func (c *PaymentSucceededConsumer) deadLetter(ctx context.Context, log *zap.Logger, d amqp.Delivery, cause error, event service.PaymentSucceededEvent) string {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.HandleTimeout)
	defer cancel()

	if err := c.dlq.Publish(pubCtx, d, cause, event.EventType, event.EventID, event.OrderID); err != nil {
		log.Error("failed to send message to DLQ, requeueing", zap.Error(err))
		if err := d.Nack(false, true); err != nil {
			log.Error("failed to nack message", zap.Error(err))
		}
		return ResultDLQFailed
	}

	if err := d.Ack(false); err != nil {
		log.Error("failed to ack message", zap.Error(err))
	}
	return ResultDeadLettered
}

// handleWithRetry вызывает Accrue с экспоненциальным backoff: base, 2*base, 4*base...
// Возвращает false, если попытки исчерпаны или ожидание прервано отменой ctx
func (c *PaymentSucceededConsumer) handleWithRetry(ctx context.Context, log *zap.Logger, event service.PaymentSucceededEvent) bool {
	var lastErr error

	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			backoff := c.opts.BackoffBase * time.Duration(1<<uint(attempt-2))
			log.Info("retrying payment succeeded event",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", c.opts.MaxAttempts),
				zap.Duration("backoff", backoff),
			)
			if err := c.sleeper.Sleep(ctx, backoff); err != nil {
				log.Warn("retry interrupted by shutdown", zap.Error(lastErr))
				return false
			}
		}

		err := c.accrue(ctx, event)
		if err == nil {
			if attempt > 1 {
				log.Info("payment succeeded event processed after retry", zap.Int("attempt", attempt))
			}
			return true
		}

		lastErr = &ProcessingError{Message: "accrue bonuses", OrderID: event.OrderID, Err: err}
		log.Warn("failed to handle payment succeeded event",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.opts.MaxAttempts),
		)
	}

	log.Error("exhausted all retry attempts", zap.Error(lastErr), zap.Int("max_attempts", c.opts.MaxAttempts))
	return false
}

// accrue выполняет одну попытку: in-flight обработка доводится до конца даже после отмены ctx
func (c *PaymentSucceededConsumer) accrue(ctx context.Context, event service.PaymentSucceededEvent) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.HandleTimeout)
	defer cancel()
	return c.svc.Accrue(ctx, event)
}

type paymentSucceededMessage struct {
	EventID    string   `json:"event_id"`
	EventType  string   `json:"event_type"`
	OccurredAt string   `json:"occurred_at"`
	OrderID    string   `json:"order_id"`
	UserID     string   `json:"user_id"`
	Amount     *float64 `json:"amount"`
	PaymentID  string   `json:"payment_id"`
}

// parsePaymentSucceeded разбирает тело доставки
// При ошибке возвращает заполненные поля, чтобы положить их в DLQ
func parsePaymentSucceeded(body []byte) (service.PaymentSucceededEvent, error) {
	var msg paymentSucceededMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return service.PaymentSucceededEvent{}, &ParseError{Message: "invalid json: " + err.Error()}
	}

	event := service.PaymentSucceededEvent{
		EventID:   msg.EventID,
		EventType: msg.EventType,
		OrderID:   msg.OrderID,
		UserID:    msg.UserID,
		PaymentID: msg.PaymentID,
	}
	if msg.OccurredAt != "" {
		if t, err := time.Parse(time.RFC3339, msg.OccurredAt); err == nil {
			event.OccurredAt = t
		}
	}

	if msg.EventType != "" && msg.EventType != service.EventTypePaymentSucceeded {
		return event, &ParseError{Field: "event_type", Message: "unexpected event_type " + msg.EventType}
	}
	if msg.OrderID == "" {
		return event, &ParseError{Field: "order_id", Message: "order_id is required"}
	}
	if msg.UserID == "" {
		return event, &ParseError{Field: "user_id", Message: "user_id is required"}
	}
	if msg.Amount == nil {
		return event, &ParseError{Field: "amount", Message: "amount is required"}
	}
	if *msg.Amount <= 0 {
		return event, &ParseError{Field: "amount", Message: "amount must be positive"}
	}
	event.Amount = *msg.Amount

	return event, nil
}
