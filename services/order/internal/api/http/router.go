package httpapi

import (
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	platformhealth "github.com/Le1NZ/car-detailing-project-sub001/platform/health/http"
	"github.com/Le1NZ/car-detailing-project-sub001/platform/identity"
	platformobservability "github.com/Le1NZ/car-detailing-project-sub001/platform/observability"
)

// NewRouter создаёт и настраивает HTTP роутер для Order Service
// checks - проверки зависимостей для /health (пусто при memory хранилище)
func NewRouter(handler *Handler, checks map[string]platformhealth.Check, logger *zap.Logger) chi.Router {
	router := chi.NewRouter()

	if logger != nil {
		router.Use(platformobservability.HTTPMiddleware("order", logger))
	}

	// /api/orders* требуют X-User-ID (middleware возвращает 401 при отсутствии)
	router.Route("/api/orders", func(r chi.Router) {
		r.Use(identity.Require)
		r.Post("/", handler.CreateOrder)
		r.Post("/review", handler.AddReview)
		r.Get("/{order_id}", handler.GetOrder)
		r.Patch("/{order_id}/status", handler.UpdateStatus)
	})

	router.Get("/health", platformhealth.Handler(2*time.Second, checks))

	return router
}
