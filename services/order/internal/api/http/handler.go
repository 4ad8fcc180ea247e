package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Le1NZ/car-detailing-project-sub001/platform/apperr"
	"github.com/Le1NZ/car-detailing-project-sub001/platform/httpjson"
	"github.com/Le1NZ/car-detailing-project-sub001/platform/identity"
	"github.com/Le1NZ/car-detailing-project-sub001/platform/observability"
	"github.com/Le1NZ/car-detailing-project-sub001/services/order/internal/repository"
	"github.com/Le1NZ/car-detailing-project-sub001/services/order/internal/service"
)

// Handler содержит HTTP-обработчики для Order Service
type Handler struct {
	orderService *service.OrderService
	logger       *zap.Logger
}

// NewHandler создаёт новый HTTP handler
func NewHandler(orderService *service.OrderService, logger *zap.Logger) *Handler {
	return &Handler{
		orderService: orderService,
		logger:       logger,
	}
}

// CreateOrderRequest - тело POST /api/orders
type CreateOrderRequest struct {
	CarID       string `json:"car_id"`
	DesiredTime string `json:"desired_time"`
	Description string `json:"description"`
}

// OrderResponse - представление заказа в API
type OrderResponse struct {
	OrderID         string    `json:"order_id"`
	CarID           string    `json:"car_id"`
	Status          string    `json:"status"`
	AppointmentTime time.Time `json:"appointment_time"`
	Description     string    `json:"description"`
	CreatedAt       time.Time `json:"created_at"`
}

// UpdateStatusRequest - тело PATCH /api/orders/{order_id}/status
type UpdateStatusRequest struct {
	Status string `json:"status"`
}

// ReviewRequest - тело POST /api/orders/review
type ReviewRequest struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment"`
}

// ReviewResponse - представление отзыва в API
type ReviewResponse struct {
	ReviewID  string    `json:"review_id"`
	OrderID   string    `json:"order_id"`
	Status    string    `json:"status"`
	Rating    int       `json:"rating"`
	Comment   string    `json:"comment"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateOrder обрабатывает POST /api/orders
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateOrderRequest
	if err := httpjson.Decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	var desired time.Time
	if req.DesiredTime != "" {
		t, err := time.Parse(time.RFC3339, req.DesiredTime)
		if err != nil {
			h.fail(w, r, apperr.New(apperr.KindValidation, "httpapi.CreateOrder", "desired_time must be RFC3339"))
			return
		}
		desired = t
	}

	userID, _ := identity.UserIDFromContext(ctx)
	order, err := h.orderService.CreateOrder(ctx, service.CreateOrderInput{
		UserID:          userID,
		CarID:           req.CarID,
		AppointmentTime: desired,
		Description:     req.Description,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	httpjson.Write(w, http.StatusCreated, toOrderResponse(order))
}

// GetOrder обрабатывает GET /api/orders/{order_id}
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orderService.GetOrder(r.Context(), chi.URLParam(r, "order_id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpjson.Write(w, http.StatusOK, toOrderResponse(order))
}

// UpdateStatus обрабатывает PATCH /api/orders/{order_id}/status
func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateStatusRequest
	if err := httpjson.Decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	order, err := h.orderService.UpdateStatus(r.Context(), chi.URLParam(r, "order_id"), req.Status)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpjson.Write(w, http.StatusOK, toOrderResponse(order))
}

// AddReview обрабатывает POST /api/orders/review?order_id=...
func (h *Handler) AddReview(w http.ResponseWriter, r *http.Request) {
	orderID := r.URL.Query().Get("order_id")
	if orderID == "" {
		h.fail(w, r, apperr.New(apperr.KindValidation, "httpapi.AddReview", "order_id query parameter is required"))
		return
	}

	var req ReviewRequest
	if err := httpjson.Decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	review, err := h.orderService.AddReview(r.Context(), orderID, service.AddReviewInput{
		Rating:  req.Rating,
		Comment: req.Comment,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	httpjson.Write(w, http.StatusCreated, ReviewResponse{
		ReviewID:  review.ID,
		OrderID:   review.OrderID,
		Status:    review.Status,
		Rating:    review.Rating,
		Comment:   review.Comment,
		CreatedAt: review.CreatedAt,
	})
}

// fail логирует ошибку (internal - на уровне error) и пишет ответ
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	log := observability.LoggerFromContext(r.Context(), h.logger)
	kind := apperr.KindOf(err)
	if kind == apperr.KindInternal {
		log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	} else {
		log.Info("request rejected", zap.String("path", r.URL.Path), zap.String("kind", kind.String()), zap.Error(err))
	}
	httpjson.Error(w, err)
}

func toOrderResponse(o repository.Order) OrderResponse {
	return OrderResponse{
		OrderID:         o.ID,
		CarID:           o.CarID,
		Status:          string(o.Status),
		AppointmentTime: o.AppointmentTime,
		Description:     o.Description,
		CreatedAt:       o.CreatedAt,
	}
}
