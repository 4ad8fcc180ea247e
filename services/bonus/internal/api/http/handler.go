package httpapi

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/Le1NZ/car-detailing-project-sub001/platform/apperr"
	"github.com/Le1NZ/car-detailing-project-sub001/platform/httpjson"
	"github.com/Le1NZ/car-detailing-project-sub001/platform/identity"
	"github.com/Le1NZ/car-detailing-project-sub001/platform/observability"
	"github.com/Le1NZ/car-detailing-project-sub001/services/bonus/internal/service"
)

// Handler содержит HTTP-обработчики для Bonus Service
type Handler struct {
	bonusService *service.BonusService
	logger       *zap.Logger
}

// NewHandler создаёт новый HTTP handler
func NewHandler(bonusService *service.BonusService, logger *zap.Logger) *Handler {
	return &Handler{
		bonusService: bonusService,
		logger:       logger,
	}
}

// BalanceResponse - ответ GET /api/bonuses/balance
type BalanceResponse struct {
	UserID  string  `json:"user_id"`
	Balance float64 `json:"balance"`
}

// SpendRequest - тело POST /api/bonuses/spend
type SpendRequest struct {
	OrderID string  `json:"order_id"`
	Amount  float64 `json:"amount"`
}

// SpendResponse - ответ POST /api/bonuses/spend
type SpendResponse struct {
	OrderID      string  `json:"order_id"`
	BonusesSpent float64 `json:"bonuses_spent"`
	NewBalance   float64 `json:"new_balance"`
}

// ApplyPromocodeRequest - тело POST /api/bonuses/promocodes/apply
type ApplyPromocodeRequest struct {
	OrderID   string `json:"order_id"`
	Promocode string `json:"promocode"`
}

// ApplyPromocodeResponse - ответ POST /api/bonuses/promocodes/apply
type ApplyPromocodeResponse struct {
	OrderID        string  `json:"order_id"`
	Promocode      string  `json:"promocode"`
	Status         string  `json:"status"`
	DiscountAmount float64 `json:"discount_amount"`
}

// GetBalance обрабатывает GET /api/bonuses/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, _ := identity.UserIDFromContext(ctx)

	balance, err := h.bonusService.Balance(ctx, userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpjson.Write(w, http.StatusOK, BalanceResponse{UserID: userID, Balance: balance})
}

// SpendBonuses обрабатывает POST /api/bonuses/spend
func (h *Handler) SpendBonuses(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req SpendRequest
	if err := httpjson.Decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	userID, _ := identity.UserIDFromContext(ctx)
	res, err := h.bonusService.Spend(ctx, userID, req.OrderID, req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpjson.Write(w, http.StatusOK, SpendResponse{
		OrderID:      res.OrderID,
		BonusesSpent: res.Spent,
		NewBalance:   res.NewBalance,
	})
}

// ApplyPromocode обрабатывает POST /api/bonuses/promocodes/apply
func (h *Handler) ApplyPromocode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ApplyPromocodeRequest
	if err := httpjson.Decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.bonusService.ApplyPromocode(ctx, req.OrderID, req.Promocode)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpjson.Write(w, http.StatusOK, ApplyPromocodeResponse{
		OrderID:        res.OrderID,
		Promocode:      res.Promocode,
		Status:         res.Status,
		DiscountAmount: res.DiscountAmount,
	})
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
