package rabbitmq

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	handshakeTimeout = 30 * time.Second
	heartbeat        = 10 * time.Second
)

// Dial подключается к брокеру, повторяя попытки cfg.DialAttempts раз с паузой cfg.DialBackoff.
// TCP соединение и AMQP handshake ограничены ctx
func Dial(ctx context.Context, cfg Config, logger *zap.Logger) (*amqp.Connection, error) {
	attempts := cfg.DialAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		conn, err := dialContext(ctx, cfg.URL)
		if err == nil {
			return conn, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		lastErr = err

		if i == attempts {
			break
		}
		logger.Warn("failed to connect to rabbitmq, retrying",
			zap.Error(err),
			zap.Int("attempt", i),
			zap.Int("max_attempts", attempts),
			zap.Duration("backoff", cfg.DialBackoff),
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cfg.DialBackoff):
		}
	}

	return nil, fmt.Errorf("failed to connect to rabbitmq after %d attempts: %w", attempts, lastErr)
}

// dialContext - одна попытка подключения.
// Дедлайн handshake берётся из ctx, отмена ctx прерывает handshake через дедлайн сокета
func dialContext(ctx context.Context, url string) (*amqp.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		mu  sync.Mutex
		raw net.Conn
	)
	config := amqp.Config{
		Heartbeat: heartbeat,
		Locale:    "en_US",
		Dial: func(network, addr string) (net.Conn, error) {
			var d net.Dialer
			c, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			deadline := time.Now().Add(handshakeTimeout)
			if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
				deadline = ctxDeadline
			}
			if err := c.SetDeadline(deadline); err != nil {
				_ = c.Close()
				return nil, err
			}
			mu.Lock()
			raw = c
			mu.Unlock()
			return c, nil
		},
	}

	stop := context.AfterFunc(ctx, func() {
		mu.Lock()
		defer mu.Unlock()
		if raw != nil {
			_ = raw.SetDeadline(time.Now())
		}
	})

	conn, err := amqp.DialConfig(url, config)
	if !stop() {
		// ctx отменён во время handshake, соединению уже выставлен истёкший дедлайн
		if conn != nil {
			_ = conn.Close()
		}
		return nil, ctx.Err()
	}
	if err != nil {
		if ctxDeadline, ok := ctx.Deadline(); ok && !time.Now().Before(ctxDeadline) {
			return nil, context.DeadlineExceeded
		}
		return nil, err
	}
	return conn, nil
}

// DeclareQueue объявляет durable очередь; повторное объявление с теми же параметрами идемпотентно
func DeclareQueue(ch *amqp.Channel, name string) error {
	_, err := ch.QueueDeclare(
		name,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	return nil
}
