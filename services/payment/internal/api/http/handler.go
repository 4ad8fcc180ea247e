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
	"github.com/Le1NZ/car-detailing-project-sub001/services/payment/internal/service"
)

// Handler содержит HTTP-обработчики для Payment Service
type Handler struct {
	paymentService *service.PaymentService
	logger         *zap.Logger
}

// NewHandler создаёт новый HTTP handler
func NewHandler(paymentService *service.PaymentService, logger *zap.Logger) *Handler {
	return &Handler{
		paymentService: paymentService,
		logger:         logger,
	}
}

// InitiatePaymentRequest - тело POST /api/payments
type InitiatePaymentRequest struct {
	OrderID       string  `json:"order_id"`
	PaymentMethod string  `json:"payment_method"`
	Amount        float64 `json:"amount,omitempty"`
}

// InitiatePaymentResponse - ответ POST /api/payments
type InitiatePaymentResponse struct {
	PaymentID       string  `json:"payment_id"`
	OrderID         string  `json:"order_id"`
	Status          string  `json:"status"`
	Amount          float64 `json:"amount"`
	Currency        string  `json:"currency"`
	ConfirmationURL string  `json:"confirmation_url"`
}

// PaymentStatusResponse - ответ GET /api/payments/{payment_id} и /fail
type PaymentStatusResponse struct {
	PaymentID string     `json:"payment_id"`
	Status    string     `json:"status"`
	PaidAt    *time.Time `json:"paid_at"`
}

// ConfirmPaymentResponse - ответ POST /api/payments/{payment_id}/confirm
type ConfirmPaymentResponse struct {
	PaymentID   string     `json:"payment_id"`
	Status      string     `json:"status"`
	PaidAt      *time.Time `json:"paid_at"`
	EventStatus string     `json:"event_status"`
}

// InitiatePayment обрабатывает POST /api/payments
func (h *Handler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req InitiatePaymentRequest
	if err := httpjson.Decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	userID, _ := identity.UserIDFromContext(ctx)
	p, err := h.paymentService.Initiate(ctx, service.InitiateInput{
		OrderID: req.OrderID,
		UserID:  userID,
		Method:  req.PaymentMethod,
		Amount:  req.Amount,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	httpjson.Write(w, http.StatusCreated, InitiatePaymentResponse{
		PaymentID:       p.ID,
		OrderID:         p.OrderID,
		Status:          string(p.Status),
		Amount:          p.Amount,
		Currency:        p.Currency,
		ConfirmationURL: p.ConfirmationURL,
	})
}

// GetPayment обрабатывает GET /api/payments/{payment_id}
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.paymentService.Get(r.Context(), chi.URLParam(r, "payment_id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpjson.Write(w, http.StatusOK, PaymentStatusResponse{PaymentID: p.ID, Status: string(p.Status), PaidAt: p.PaidAt})
}

// ConfirmPayment обрабатывает POST /api/payments/{payment_id}/confirm
func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	res, err := h.paymentService.Confirm(r.Context(), chi.URLParam(r, "payment_id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpjson.Write(w, http.StatusOK, ConfirmPaymentResponse{
		PaymentID:   res.Payment.ID,
		Status:      string(res.Payment.Status),
		PaidAt:      res.Payment.PaidAt,
		EventStatus: res.EventStatus,
	})
}

// FailPayment обрабатывает POST /api/payments/{payment_id}/fail
func (h *Handler) FailPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.paymentService.Fail(r.Context(), chi.URLParam(r, "payment_id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpjson.Write(w, http.StatusOK, PaymentStatusResponse{PaymentID: p.ID, Status: string(p.Status), PaidAt: p.PaidAt})
}

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
