package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/Le1NZ/car-detailing-project-sub001/platform/observability"
)

// ErrNacked возвращается, если брокер ответил nack на publisher confirm
var ErrNacked = errors.New("rabbitmq: message nacked by broker")

// ErrClosed возвращается при публикации после Close
var ErrClosed = errors.New("rabbitmq: publisher closed")

// Message - сообщение для публикации в очередь через default exchange
type Message struct {
	ID      string
	Body    []byte
	Headers amqp.Table
}

// Publisher публикует persistent сообщения в канал с включёнными publisher confirms.
// Publish возвращает nil только после ack брокера. Соединение поднимается лениво
// и переоткрывается после обрыва.
type Publisher struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	declared map[string]struct{}
	closed   bool
}

// NewPublisher создаёт publisher без подключения
func NewPublisher(cfg Config, logger *zap.Logger) *Publisher {
	return &Publisher{
		cfg:    cfg,
		logger: logger,
	}
}

// Connect подключается к брокеру с повторами (используется при старте сервиса)
// и объявляет очереди
func (p *Publisher) Connect(ctx context.Context, queues ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	conn, err := Dial(ctx, p.cfg, p.logger)
	if err != nil {
		return err
	}
	if err := p.openChannelLocked(conn); err != nil {
		conn.Close()
		return err
	}
	for _, q := range queues {
		if err := p.declareLocked(q); err != nil {
			return err
		}
	}
	return nil
}

// Publish публикует msg в queue и ждёт подтверждения брокера
// ctx ограничивает и отправку, и ожидание confirm
func (p *Publisher) Publish(ctx context.Context, queue string, msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if err := p.ensureChannelLocked(ctx); err != nil {
		return err
	}
	if err := p.declareLocked(queue); err != nil {
		p.resetLocked()
		return err
	}

	dc, err := p.ch.PublishWithDeferredConfirmWithContext(ctx,
		"",    // exchange
		queue, // routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			MessageId:    msg.ID,
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Headers:      observability.InjectAMQP(ctx, msg.Headers),
			Body:         msg.Body,
		})
	if err != nil {
		p.resetLocked()
		return fmt.Errorf("failed to publish message: %w", err)
	}

	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to wait for publisher confirm: %w", err)
	}
	if !acked {
		return ErrNacked
	}
	return nil
}

// Healthy возвращает ошибку, если соединение с брокером не установлено
func (p *Publisher) Healthy(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil || p.conn.IsClosed() {
		return errors.New("rabbitmq connection is closed")
	}
	return nil
}

// Close закрывает канал и соединение
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.logger.Info("closing rabbitmq publisher")
	return p.closeLocked()
}

func (p *Publisher) ensureChannelLocked(ctx context.Context) error {
	if p.ch != nil && !p.ch.IsClosed() && p.conn != nil && !p.conn.IsClosed() {
		return nil
	}
	p.closeLocked()

	// Одна попытка: повторами на горячем пути занимается вызывающий (outbox)
	cfg := p.cfg
	cfg.DialAttempts = 1
	conn, err := Dial(ctx, cfg, p.logger)
	if err != nil {
		return err
	}
	if err := p.openChannelLocked(conn); err != nil {
		conn.Close()
		return err
	}
	p.logger.Info("rabbitmq publisher reconnected")
	return nil
}

func (p *Publisher) openChannelLocked(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open a channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	p.conn = conn
	p.ch = ch
	p.declared = make(map[string]struct{})
	return nil
}

func (p *Publisher) declareLocked(queue string) error {
	if _, ok := p.declared[queue]; ok {
		return nil
	}
	if err := DeclareQueue(p.ch, queue); err != nil {
		return err
	}
	p.declared[queue] = struct{}{}
	return nil
}

// resetLocked сбрасывает канал, следующий Publish переподключится
func (p *Publisher) resetLocked() {
	_ = p.closeLocked()
}

func (p *Publisher) closeLocked() error {
	var errs []error
	if p.ch != nil {
		if err := p.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
		p.ch = nil
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
		p.conn = nil
	}
	return errors.Join(errs...)
}
