//go:build integration

package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	platformrmq "github.com/Le1NZ/car-detailing-project-sub001/platform/rabbitmq"
	"github.com/Le1NZ/car-detailing-project-sub001/services/bonus/internal/repository"
	"github.com/Le1NZ/car-detailing-project-sub001/services/bonus/internal/repository/memory"
	"github.com/Le1NZ/car-detailing-project-sub001/services/bonus/internal/service"
)

func TestConsumer_Integration(t *testing.T) {
	ctx := context.Background()

	// Поднимаем RabbitMQ контейнер через testcontainers
	rmqContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "rabbitmq:3-management-alpine",
			ExposedPorts: []string{"5672/tcp"},
			WaitingFor:   wait.ForListeningPort("5672/tcp").WithStartupTimeout(2 * time.Minute),
		},
		Started: true,
	})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, rmqContainer.Terminate(ctx))
	}()

	host, err := rmqContainer.Host(ctx)
	require.NoError(t, err)
	port, err := rmqContainer.MappedPort(ctx, "5672/tcp")
	require.NoError(t, err)

	cfg := platformrmq.Config{
		URL:          fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port()),
		Queue:        "payment_succeeded_queue",
		DLQ:          "payment_succeeded_queue.dlq",
		Prefetch:     1,
		DialAttempts: 10,
		DialBackoff:  time.Second,
	}
	logger := zap.NewNop()

	publisher := platformrmq.NewPublisher(cfg, logger)
	require.NoError(t, publisher.Connect(ctx, cfg.Queue, cfg.DLQ))
	defer publisher.Close()

	repo := memory.NewMemoryRepository()
	svc := service.NewBonusService(logger, repo, repository.NewStaticPromocodes(repository.DefaultPromocodes()), nil, 0)
	dlq := NewDLQPublisher(logger, publisher, cfg.Queue, cfg.DLQ)
	consumer := NewPaymentSucceededConsumer(logger, cfg, svc, dlq, nil, ConsumerOptions{Workers: 2, HandleTimeout: 5 * time.Second})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	consumerDone := make(chan error, 1)
	go func() { consumerDone <- consumer.Start(runCtx) }()

	publish := func(body string) {
		require.NoError(t, publisher.Publish(ctx, cfg.Queue, platformrmq.Message{Body: []byte(body)}))
	}

	t.Run("duplicate deliveries credited once", func(t *testing.T) {
		body := `{"event_id":"evt-1","event_type":"payment.succeeded","order_id":"order-1","user_id":"user-1","amount":5000,"payment_id":"pay_0001"}`
		for i := 0; i < 5; i++ {
			publish(body)
		}

		assert.Eventually(t, func() bool {
			balance, err := svc.Balance(ctx, "user-1")
			return err == nil && balance == 50
		}, 10*time.Second, 100*time.Millisecond)

		// дубликаты не должны дать повторного начисления после дочитывания очереди
		time.Sleep(500 * time.Millisecond)
		balance, err := svc.Balance(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, 50.0, balance)
	})

	t.Run("poison message goes to DLQ", func(t *testing.T) {
		publish(`{"event_id":"evt-2","order_id":"order-2","amount":100}`)

		conn, err := amqp.Dial(cfg.URL)
		require.NoError(t, err)
		defer conn.Close()
		ch, err := conn.Channel()
		require.NoError(t, err)
		defer ch.Close()

		var msg amqp.Delivery
		require.Eventually(t, func() bool {
			d, ok, err := ch.Get(cfg.DLQ, true)
			if err != nil || !ok {
				return false
			}
			msg = d
			return true
		}, 10*time.Second, 100*time.Millisecond)

		var got DLQMessage
		require.NoError(t, json.Unmarshal(msg.Body, &got))
		assert.Equal(t, "order-2", got.OrderID)
		assert.Equal(t, "user_id is required", got.ErrorMessage)
	})

	cancel()
	select {
	case err := <-consumerDone:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("consumer did not stop")
	}
}
