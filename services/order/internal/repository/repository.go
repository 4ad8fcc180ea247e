package repository

import (
	"context"
	"errors"
	"time"
)

// Status - статус заказа в workflow
type Status string

const (
	StatusCreated       Status = "created"
	StatusInProgress    Status = "in_progress"
	StatusWorkCompleted Status = "work_completed"
	StatusCarIssued     Status = "car_issued"
)

// ReviewStatusPublished - отзыв публикуется сразу
const ReviewStatusPublished = "published"

// Order представляет доменную модель заказа на обслуживание машины
type Order struct {
	ID              string
	CarID           string
	UserID          string
	AppointmentTime time.Time
	Description     string
	Status          Status
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Review - отзыв по заказу, не более одного на заказ
type Review struct {
	ID        string
	OrderID   string
	Rating    int
	Comment   string
	Status    string
	CreatedAt time.Time
}

// OrderRepository определяет интерфейс для работы с хранилищем заказов и отзывов
type OrderRepository interface {
	// Create сохраняет новый заказ
	Create(ctx context.Context, order Order) error

	// GetByID получает заказ по ID
	// Возвращает ErrNotFound, если заказ не найден
	GetByID(ctx context.Context, id string) (Order, error)

	// UpdateStatus атомарно меняет статус from -> to (compare-and-set)
	// Возвращает ErrNotFound, если заказа нет, ErrStatusMismatch, если текущий статус не from
	UpdateStatus(ctx context.Context, id string, from, to Status, updatedAt time.Time) (Order, error)

	// CreateReview сохраняет отзыв
	// Возвращает ErrReviewExists, если у заказа уже есть отзыв
	CreateReview(ctx context.Context, review Review) error
}

var (
	// ErrNotFound возвращается, когда заказ не найден в хранилище
	ErrNotFound = errors.New("order not found")
	// ErrStatusMismatch - статус заказа изменился между чтением и записью
	ErrStatusMismatch = errors.New("order status changed concurrently")
	// ErrReviewExists - у заказа уже есть отзыв
	ErrReviewExists = errors.New("review already exists")
)
