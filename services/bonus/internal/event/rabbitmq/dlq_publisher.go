package rabbitmq

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	platformrmq "github.com/Le1NZ/car-detailing-project-sub001/platform/rabbitmq"
)

// DLQMessage представляет сообщение для Dead Letter Queue
type DLQMessage struct {
	OriginalQueue     string `json:"original_queue"`      // очередь, из которой пришло сообщение
	OriginalMessageID string `json:"original_message_id"` // message_id доставки, если был
	OriginalBody      string `json:"original_body"`       // base64 encoded тело
	Redelivered       bool   `json:"redelivered"`
	ErrorMessage      string `json:"error_message"`
	FailedAt          string `json:"failed_at"`  // RFC3339
	EventType         string `json:"event_type"` // если удалось извлечь тип события
	EventID           string `json:"event_id"`   // если удалось извлечь ID события
	OrderID           string `json:"order_id"`   // если удалось извлечь ID заказа
}

// MessagePublisher публикует сообщение в очередь с подтверждением брокера
type MessagePublisher interface {
	Publish(ctx context.Context, queue string, msg platformrmq.Message) error
}

// DLQPublisher публикует сообщения в Dead Letter Queue
type DLQPublisher struct {
	logger    *zap.Logger
	publisher MessagePublisher
	source    string
	queue     string
	now       func() time.Time
}

// NewDLQPublisher создаёт новый publisher для DLQ
// source - имя исходной очереди, queue - имя DLQ
func NewDLQPublisher(logger *zap.Logger, publisher MessagePublisher, source, queue string) *DLQPublisher {
	return &DLQPublisher{
		logger:    logger,
		publisher: publisher,
		source:    source,
		queue:     queue,
		now:       time.Now,
	}
}

// Publish отправляет доставку в DLQ
func (p *DLQPublisher) Publish(ctx context.Context, d amqp.Delivery, err error, eventType, eventID, orderID string) error {
	errorMsg := "unknown error"
	if err != nil {
		errorMsg = err.Error()
	}

	dlqMsg := DLQMessage{
		OriginalQueue:     p.source,
		OriginalMessageID: d.MessageId,
		OriginalBody:      base64.StdEncoding.EncodeToString(d.Body),
		Redelivered:       d.Redelivered,
		ErrorMessage:      errorMsg,
		FailedAt:          p.now().UTC().Format(time.RFC3339),
		EventType:         eventType,
		EventID:           eventID,
		OrderID:           orderID,
	}

	body, err := json.Marshal(dlqMsg)
	if err != nil {
		p.logger.Error("failed to marshal DLQ message", zap.Error(err), zap.String("original_queue", p.source))
		return err
	}

	msgID := d.MessageId
	if eventID != "" {
		msgID = eventID
	}

	if err := p.publisher.Publish(ctx, p.queue, platformrmq.Message{ID: msgID, Body: body}); err != nil {
		p.logger.Error("failed to publish message to DLQ",
			zap.Error(err),
			zap.String("dlq_queue", p.queue),
			zap.String("original_queue", p.source),
			zap.Uint64("delivery_tag", d.DeliveryTag),
		)
		return err
	}

	p.logger.Info("message sent to DLQ",
		zap.String("dlq_queue", p.queue),
		zap.String("original_queue", p.source),
		zap.Uint64("delivery_tag", d.DeliveryTag),
		zap.String("error", errorMsg),
	)
	return nil
}
