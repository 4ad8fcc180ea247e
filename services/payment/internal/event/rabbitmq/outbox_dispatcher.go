package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Le1NZ/car-detailing-project-sub001/platform/rabbitmq"
	"github.com/Le1NZ/car-detailing-project-sub001/services/payment/internal/repository"
)

// Результаты публикации для метрики payment_outbox_publish_total
const (
	ResultSent     = "sent"
	ResultRetry    = "retry"
	ResultDeferred = "deferred"
)

// maxBackoffShift ограничивает рост задержки между циклами: backoff * 2^6
const maxBackoffShift = 6

// bookkeepingTimeout - сколько ждём запись статуса события, если ctx публикации уже истёк
const bookkeepingTimeout = 5 * time.Second

// Publisher публикует сообщение и возвращает nil только после подтверждения брокера
type Publisher interface {
	Publish(ctx context.Context, queue string, msg rabbitmq.Message) error
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

// Metrics записывает результаты публикации
type Metrics interface {
	RecordPublish(ctx context.Context, result string)
}

type noopMetrics struct{}

func (noopMetrics) RecordPublish(context.Context, string) {}

// Options - параметры dispatcher'а
type Options struct {
	BatchSize  int
	Interval   time.Duration
	MaxRetries int
	Backoff    time.Duration
	// Lease - на сколько фоновый цикл забирает событие себе
	Lease time.Duration
}

// OutboxDispatcher публикует события из outbox в RabbitMQ
// Фоновый цикл забирает готовые события, Confirm вызывает DispatchNow для своего события
type OutboxDispatcher struct {
	logger    *zap.Logger
	repo      repository.OutboxRepository
	publisher Publisher
	opts      Options
	sleeper   Sleeper
	metrics   Metrics
	now       func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// NewOutboxDispatcher создаёт новый outbox dispatcher
func NewOutboxDispatcher(logger *zap.Logger, repo repository.OutboxRepository, publisher Publisher, metrics Metrics, opts Options) *OutboxDispatcher {
	return NewOutboxDispatcherWithSleeper(logger, repo, publisher, metrics, opts, DefaultSleeper{})
}

// NewOutboxDispatcherWithSleeper создаёт dispatcher с кастомным sleeper (для тестов)
func NewOutboxDispatcherWithSleeper(logger *zap.Logger, repo repository.OutboxRepository, publisher Publisher, metrics Metrics, opts Options, sleeper Sleeper) *OutboxDispatcher {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 1
	}
	return &OutboxDispatcher{
		logger:    logger,
		repo:      repo,
		publisher: publisher,
		opts:      opts,
		sleeper:   sleeper,
		metrics:   metrics,
		now:       time.Now,
	}
}

// Start запускает фоновый цикл и блокируется до отмены ctx или Stop
func (d *OutboxDispatcher) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		cancel()
		return nil
	}
	if d.cancel != nil {
		d.mu.Unlock()
		cancel()
		return errors.New("outbox dispatcher already started")
	}
	d.cancel, d.done = cancel, done
	d.mu.Unlock()
	defer close(done)

	d.logger.Info("starting outbox dispatcher",
		zap.Int("batch_size", d.opts.BatchSize),
		zap.Duration("interval", d.opts.Interval),
		zap.Int("max_retries", d.opts.MaxRetries),
	)

	ticker := time.NewTicker(d.opts.Interval)
	defer ticker.Stop()

	// Обрабатываем сразу при старте: события могли остаться с прошлого запуска
	if err := d.processBatch(ctx); err != nil && ctx.Err() == nil {
		d.logger.Error("failed to process initial batch", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("outbox dispatcher context cancelled, stopping")
			return nil
		case <-ticker.C:
			if err := d.processBatch(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("failed to process batch", zap.Error(err))
			}
		}
	}
}

// Stop останавливает фоновый цикл и ждёт завершения текущего события
func (d *OutboxDispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	d.stopped = true
	cancel, done := d.cancel, d.done
	d.mu.Unlock()
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

// DispatchNow публикует конкретное событие, не дожидаясь фонового цикла
// Возвращает true, если брокер подтвердил публикацию. При false событие остаётся pending
func (d *OutboxDispatcher) DispatchNow(ctx context.Context, eventID string) (bool, error) {
	event, err := d.repo.GetOutboxEvent(ctx, eventID)
	if err != nil {
		return false, fmt.Errorf("failed to get outbox event: %w", err)
	}
	if event.Status == repository.OutboxStatusSent {
		return true, nil
	}

	if err := d.processEvent(ctx, event); err != nil {
		d.metrics.RecordPublish(ctx, ResultDeferred)
		return false, err
	}
	return true, nil
}

// processBatch обрабатывает батч готовых pending событий
func (d *OutboxDispatcher) processBatch(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	events, err := d.repo.ClaimPendingOutboxEvents(ctx, d.now(), d.lease(), d.opts.BatchSize)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to claim pending events: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	d.logger.Debug("processing outbox batch", zap.Int("count", len(events)))

	for _, event := range events {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := d.processEvent(ctx, event); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.logger.Error("failed to process event",
				zap.Error(err),
				zap.String("event_id", event.ID),
				zap.String("queue", event.Queue),
			)
			// Продолжаем обработку следующих событий
		}
	}
	return nil
}

// processEvent публикует одно событие с retry и фиксирует результат в outbox
func (d *OutboxDispatcher) processEvent(ctx context.Context, event repository.OutboxEvent) error {
	var lastErr error

	for attempt := 1; attempt <= d.opts.MaxRetries; attempt++ {
		err := d.publisher.Publish(ctx, event.Queue, rabbitmq.Message{
			ID:   event.ID,
			Body: event.Payload,
		})
		if err == nil {
			d.metrics.RecordPublish(ctx, ResultSent)
			return d.markSent(ctx, event, attempt)
		}

		lastErr = err
		d.metrics.RecordPublish(ctx, ResultRetry)
		d.logger.Warn("failed to publish outbox event",
			zap.Error(err),
			zap.String("event_id", event.ID),
			zap.String("queue", event.Queue),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", d.opts.MaxRetries),
		)

		if ctx.Err() != nil {
			break
		}
		if attempt < d.opts.MaxRetries {
			if err := d.sleeper.Sleep(ctx, d.opts.Backoff*time.Duration(attempt)); err != nil {
				break
			}
		}
	}

	// Все попытки исчерпаны: событие остаётся pending до следующего цикла
	attempts := event.Attempts + 1
	nextAttemptAt := d.now().Add(d.nextBackoff(attempts))
	errMsg := fmt.Sprintf("publish failed: %v", lastErr)

	markCtx, cancel := detached(ctx)
	defer cancel()
	if markErr := d.repo.MarkOutboxEventFailed(markCtx, event.ID, errMsg, nextAttemptAt); markErr != nil {
		d.logger.Error("failed to mark event as failed",
			zap.Error(markErr),
			zap.String("event_id", event.ID),
		)
		return markErr
	}

	d.logger.Info("outbox event deferred",
		zap.String("event_id", event.ID),
		zap.Int("attempts", attempts),
		zap.Time("next_attempt_at", nextAttemptAt),
	)
	return fmt.Errorf("failed to publish event: %w", lastErr)
}

func (d *OutboxDispatcher) markSent(ctx context.Context, event repository.OutboxEvent, attempt int) error {
	// Брокер уже подтвердил публикацию, статус пишем даже если ctx вызова истёк
	markCtx, cancel := detached(ctx)
	defer cancel()

	if err := d.repo.MarkOutboxEventSent(markCtx, event.ID, d.now()); err != nil {
		d.logger.Error("failed to mark event as sent",
			zap.Error(err),
			zap.String("event_id", event.ID),
		)
		return err
	}

	d.logger.Info("outbox event published successfully",
		zap.String("event_id", event.ID),
		zap.String("queue", event.Queue),
		zap.String("aggregate_id", event.AggregateID),
		zap.Int("attempt", attempt),
	)
	return nil
}

// nextBackoff = backoff * 2^min(attempts, 6)
func (d *OutboxDispatcher) nextBackoff(attempts int) time.Duration {
	shift := attempts
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	return d.opts.Backoff * time.Duration(1<<shift)
}

func (d *OutboxDispatcher) lease() time.Duration {
	if d.opts.Lease > 0 {
		return d.opts.Lease
	}
	return 30 * time.Second
}

func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
}
