package httpclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/Le1NZ/car-detailing-project-sub001/platform/identity"
	"github.com/Le1NZ/car-detailing-project-sub001/platform/observability"
	"github.com/Le1NZ/car-detailing-project-sub001/services/order/internal/service"
)

// BaseURL возвращает базовый адрес car-service (статический или из Consul)
type BaseURL func(ctx context.Context) (string, error)

// StaticURL - BaseURL с фиксированным адресом
func StaticURL(u string) BaseURL {
	u = strings.TrimRight(u, "/")
	return func(context.Context) (string, error) { return u, nil }
}

// CarClient реализует service.CarVerifier поверх HTTP API car-service
// Делает ровно одну попытку, повторами управляет OrderService
type CarClient struct {
	baseURL BaseURL
	client  *http.Client
	logger  *zap.Logger
}

// NewCarClient создаёт клиента с таймаутом на весь запрос
func NewCarClient(baseURL BaseURL, timeout time.Duration, logger *zap.Logger) *CarClient {
	return &CarClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Verify выполняет GET {base}/api/cars/{id}
// 200 -> CarExists, 404 -> CarNotFound, всё остальное (включая таймаут и отмену ctx) -> CarUnavailable
func (c *CarClient) Verify(ctx context.Context, carID string) (service.CarStatus, error) {
	ctx, span := observability.StartClientSpan(ctx, "order", "car-service.GetCar",
		attribute.String("car.id", carID),
	)
	defer span.End()

	base, err := c.baseURL(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "resolve car-service")
		return service.CarUnavailable, fmt.Errorf("resolve car-service address: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/cars/"+url.PathEscape(carID), nil)
	if err != nil {
		return service.CarUnavailable, fmt.Errorf("build car request: %w", err)
	}
	identity.Forward(ctx, req)
	observability.InjectHTTP(ctx, req)

	resp, err := c.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport error")
		return service.CarUnavailable, fmt.Errorf("car-service request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	switch resp.StatusCode {
	case http.StatusOK:
		return service.CarExists, nil
	case http.StatusNotFound:
		return service.CarNotFound, nil
	default:
		span.SetStatus(codes.Error, resp.Status)
		observability.L(ctx, c.logger).Warn("unexpected car-service response",
			zap.String("car_id", carID),
			zap.Int("status", resp.StatusCode),
		)
		return service.CarUnavailable, fmt.Errorf("car-service returned status %d", resp.StatusCode)
	}
}
