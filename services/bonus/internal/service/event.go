package service

import "time"

// EventTypePaymentSucceeded - тип события успешной оплаты
const EventTypePaymentSucceeded = "payment.succeeded"

// PaymentSucceededEvent - событие успешной оплаты заказа из очереди payment_succeeded_queue
type PaymentSucceededEvent struct {
	EventID    string
	EventType  string
	OccurredAt time.Time
	OrderID    string
	UserID     string
	Amount     float64
	PaymentID  string
}
