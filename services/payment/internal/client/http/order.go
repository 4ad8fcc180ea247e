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
)

// BaseURL возвращает базовый адрес order сервиса (статический или из Consul)
type BaseURL func(ctx context.Context) (string, error)

// StaticURL - BaseURL с фиксированным адресом
func StaticURL(u string) BaseURL {
	u = strings.TrimRight(u, "/")
	return func(context.Context) (string, error) { return u, nil }
}

// OrderClient реализует service.OrderLookup поверх HTTP API order сервиса
type OrderClient struct {
	baseURL BaseURL
	client  *http.Client
	logger  *zap.Logger
}

// NewOrderClient создаёт клиента с таймаутом на весь запрос
func NewOrderClient(baseURL BaseURL, timeout time.Duration, logger *zap.Logger) *OrderClient {
	return &OrderClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// OrderExists выполняет GET {base}/api/orders/{id} от имени текущего пользователя
// 200 -> true, 404 -> false, остальное -> ошибка
func (c *OrderClient) OrderExists(ctx context.Context, orderID string) (bool, error) {
	ctx, span := observability.StartClientSpan(ctx, "payment", "order-service.GetOrder",
		attribute.String("order.id", orderID),
	)
	defer span.End()

	base, err := c.baseURL(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "resolve order-service")
		return false, fmt.Errorf("resolve order-service address: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/orders/"+url.PathEscape(orderID), nil)
	if err != nil {
		return false, fmt.Errorf("build order request: %w", err)
	}
	identity.Forward(ctx, req)
	observability.InjectHTTP(ctx, req)

	resp, err := c.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport error")
		return false, fmt.Errorf("order-service request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		span.SetStatus(codes.Error, resp.Status)
		observability.L(ctx, c.logger).Warn("unexpected order-service response",
			zap.String("order_id", orderID),
			zap.Int("status", resp.StatusCode),
		)
		return false, fmt.Errorf("order-service returned status %d", resp.StatusCode)
	}
}
