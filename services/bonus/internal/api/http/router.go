package httpapi

import (
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	platformhealth "github.com/Le1NZ/car-detailing-project-sub001/platform/health/http"
	"github.com/Le1NZ/car-detailing-project-sub001/platform/identity"
	platformobservability "github.com/Le1NZ/car-detailing-project-sub001/platform/observability"
)

// NewRouter создаёт и настраивает HTTP роутер для Bonus Service
func NewRouter(handler *Handler, checks map[string]platformhealth.Check, logger *zap.Logger) chi.Router {
	router := chi.NewRouter()

	if logger != nil {
		router.Use(platformobservability.HTTPMiddleware("bonus", logger))
	}

	router.Route("/api/bonuses", func(r chi.Router) {
		r.Use(identity.Require)
		r.Get("/balance", handler.GetBalance)
		r.Post("/spend", handler.SpendBonuses)
		r.Post("/promocodes/apply", handler.ApplyPromocode)
	})

	router.Get("/health", platformhealth.Handler(2*time.Second, checks))

	return router
}
