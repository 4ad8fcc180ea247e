package service

import "time"

// EventTypePaymentSucceeded - тип события об успешной оплате
const EventTypePaymentSucceeded = "payment.succeeded"

// PaymentSucceededEvent - тело сообщения в очереди payment_succeeded_queue
// order_id, user_id и amount обязательны для consumer'а бонусов
type PaymentSucceededEvent struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	OccurredAt time.Time `json:"occurred_at"`
	OrderID    string    `json:"order_id"`
	UserID     string    `json:"user_id"`
	Amount     float64   `json:"amount"`
	PaymentID  string    `json:"payment_id"`
}
