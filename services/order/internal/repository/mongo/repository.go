package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/Le1NZ/car-detailing-project-sub001/services/order/internal/repository"
)

// OrderDocument представляет документ в коллекции orders
type OrderDocument struct {
	ID              string    `bson:"_id"`
	CarID           string    `bson:"car_id"`
	UserID          string    `bson:"user_id"`
	AppointmentTime time.Time `bson:"appointment_time"`
	Description     string    `bson:"description"`
	Status          string    `bson:"status"`
	CreatedAt       time.Time `bson:"created_at"`
	UpdatedAt       time.Time `bson:"updated_at"`
}

// ReviewDocument представляет документ в коллекции reviews
type ReviewDocument struct {
	ID        string    `bson:"_id"`
	OrderID   string    `bson:"order_id"`
	Rating    int       `bson:"rating"`
	Comment   string    `bson:"comment"`
	Status    string    `bson:"status"`
	CreatedAt time.Time `bson:"created_at"`
}

// Repository реализует OrderRepository используя MongoDB
type Repository struct {
	orders  *mongo.Collection
	reviews *mongo.Collection
}

// NewRepository создаёт новый MongoDB репозиторий
func NewRepository(client *mongo.Client, dbName string) *Repository {
	db := client.Database(dbName)
	return &Repository{
		orders:  db.Collection("orders"),
		reviews: db.Collection("reviews"),
	}
}

// EnsureIndexes создаёт уникальный индекс reviews.order_id: один отзыв на заказ
func (r *Repository) EnsureIndexes(ctx context.Context) error {
	_, err := r.reviews.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "order_id", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("uniq_review_order_id"),
	})
	if err != nil {
		return fmt.Errorf("failed to create reviews index: %w", err)
	}
	return nil
}

// Create вставляет заказ
func (r *Repository) Create(ctx context.Context, order repository.Order) error {
	_, err := r.orders.InsertOne(ctx, toOrderDocument(order))
	return err
}

// GetByID получает заказ по ID
func (r *Repository) GetByID(ctx context.Context, id string) (repository.Order, error) {
	var doc OrderDocument
	err := r.orders.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return repository.Order{}, repository.ErrNotFound
		}
		return repository.Order{}, err
	}
	return fromOrderDocument(doc), nil
}

// UpdateStatus атомарно меняет статус через FindOneAndUpdate с условием на текущий статус
func (r *Repository) UpdateStatus(ctx context.Context, id string, from, to repository.Status, updatedAt time.Time) (repository.Order, error) {
	filter := bson.M{"_id": id, "status": string(from)}
	update := bson.M{"$set": bson.M{"status": string(to), "updated_at": updatedAt}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc OrderDocument
	err := r.orders.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if err == nil {
		return fromOrderDocument(doc), nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return repository.Order{}, err
	}

	// Документ не подошёл под фильтр: либо заказа нет, либо статус уже другой
	if _, getErr := r.GetByID(ctx, id); getErr != nil {
		return repository.Order{}, getErr
	}
	return repository.Order{}, repository.ErrStatusMismatch
}

// CreateReview вставляет отзыв, дубликат по order_id отсекается уникальным индексом
func (r *Repository) CreateReview(ctx context.Context, review repository.Review) error {
	_, err := r.reviews.InsertOne(ctx, ReviewDocument{
		ID:        review.ID,
		OrderID:   review.OrderID,
		Rating:    review.Rating,
		Comment:   review.Comment,
		Status:    review.Status,
		CreatedAt: review.CreatedAt,
	})
	if mongo.IsDuplicateKeyError(err) {
		return repository.ErrReviewExists
	}
	return err
}

// Ping проверяет соединение (для /health)
func Ping(client *mongo.Client) func(context.Context) error {
	return func(ctx context.Context) error {
		return client.Ping(ctx, nil)
	}
}

func toOrderDocument(o repository.Order) OrderDocument {
	return OrderDocument{
		ID:              o.ID,
		CarID:           o.CarID,
		UserID:          o.UserID,
		AppointmentTime: o.AppointmentTime.UTC(),
		Description:     o.Description,
		Status:          string(o.Status),
		CreatedAt:       o.CreatedAt.UTC(),
		UpdatedAt:       o.UpdatedAt.UTC(),
	}
}

func fromOrderDocument(d OrderDocument) repository.Order {
	return repository.Order{
		ID:              d.ID,
		CarID:           d.CarID,
		UserID:          d.UserID,
		AppointmentTime: d.AppointmentTime,
		Description:     d.Description,
		Status:          repository.Status(d.Status),
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
}
