package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Le1NZ/car-detailing-project-sub001/platform/observability"
	"github.com/Le1NZ/car-detailing-project-sub001/services/order/internal/service"
)

const keyPrefix = "order:car_exists:"

// Store - подмножество команд Redis, нужное кешу
type Store interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.StatusCmd
}

// CachedCarVerifier кеширует только положительные ответы CarVerifier
// NotFound и Unavailable каждый раз проверяются заново.
// Машина, удалённая в car-service, считается существующей, пока не истечёт ttl
type CachedCarVerifier struct {
	next   service.CarVerifier
	store  Store
	ttl    time.Duration
	logger *zap.Logger
}

// NewCachedCarVerifier оборачивает next кешем в Redis
func NewCachedCarVerifier(next service.CarVerifier, store Store, ttl time.Duration, logger *zap.Logger) *CachedCarVerifier {
	return &CachedCarVerifier{
		next:   next,
		store:  store,
		ttl:    ttl,
		logger: logger,
	}
}

// Verify сначала смотрит в кеш, при промахе или ошибке Redis идёт в next.
// Попадание в кеш возвращает CarExists без обращения к next
func (c *CachedCarVerifier) Verify(ctx context.Context, carID string) (service.CarStatus, error) {
	log := observability.L(ctx, c.logger)
	key := keyPrefix + carID

	err := c.store.Get(ctx, key).Err()
	if err == nil {
		log.Debug("car existence cache hit", zap.String("car_id", carID))
		return service.CarExists, nil
	}
	if !errors.Is(err, goredis.Nil) {
		log.Warn("car existence cache read failed", zap.Error(err))
	}

	status, verr := c.next.Verify(ctx, carID)
	if status == service.CarExists {
		if err := c.store.Set(ctx, key, "1", c.ttl).Err(); err != nil {
			log.Warn("car existence cache write failed", zap.Error(err))
		}
	}
	return status, verr
}
