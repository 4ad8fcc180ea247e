package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/Le1NZ/car-detailing-project-sub001/services/order/internal/service"
)

// fakeStore - in-memory Store, можно заставить возвращать ошибку
type fakeStore struct {
	mu     sync.Mutex
	data   map[string]string
	ttls   map[string]time.Duration
	getErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (s *fakeStore) Get(ctx context.Context, key string) *goredis.StringCmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return goredis.NewStringResult("", s.getErr)
	}
	v, ok := s.data[key]
	if !ok {
		return goredis.NewStringResult("", goredis.Nil)
	}
	return goredis.NewStringResult(v, nil)
}

func (s *fakeStore) expire(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	delete(s.ttls, key)
}

func (s *fakeStore) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.StatusCmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value.(string)
	s.ttls[key] = expiration
	return goredis.NewStatusResult("OK", nil)
}

// countingVerifier возвращает фиксированный ответ и считает вызовы
type countingVerifier struct {
	status service.CarStatus
	err    error
	calls  int
}

func (v *countingVerifier) Verify(context.Context, string) (service.CarStatus, error) {
	v.calls++
	return v.status, v.err
}

func TestCachedCarVerifier(t *testing.T) {
	ctx := context.Background()

	t.Run("exists is cached", func(t *testing.T) {
		store := newFakeStore()
		next := &countingVerifier{status: service.CarExists}
		c := NewCachedCarVerifier(next, store, 5*time.Minute, zap.NewNop())

		for i := 0; i < 3; i++ {
			st, err := c.Verify(ctx, "car-1")
			assert.NoError(t, err)
			assert.Equal(t, service.CarExists, st)
		}
		assert.Equal(t, 1, next.calls)
		assert.Equal(t, 5*time.Minute, store.ttls[keyPrefix+"car-1"])
	})

	t.Run("not found and unavailable are not cached", func(t *testing.T) {
		for _, st := range []service.CarStatus{service.CarNotFound, service.CarUnavailable} {
			store := newFakeStore()
			next := &countingVerifier{status: st}
			c := NewCachedCarVerifier(next, store, time.Minute, zap.NewNop())

			_, _ = c.Verify(ctx, "car-1")
			got, _ := c.Verify(ctx, "car-1")
			assert.Equal(t, st, got)
			assert.Equal(t, 2, next.calls)
			assert.Empty(t, store.data)
		}
	})

	t.Run("removed car is seen only after ttl expires", func(t *testing.T) {
		store := newFakeStore()
		next := &countingVerifier{status: service.CarExists}
		c := NewCachedCarVerifier(next, store, time.Minute, zap.NewNop())

		st, _ := c.Verify(ctx, "car-1")
		assert.Equal(t, service.CarExists, st)

		next.status = service.CarNotFound
		st, err := c.Verify(ctx, "car-1")
		assert.NoError(t, err)
		assert.Equal(t, service.CarExists, st)
		assert.Equal(t, 1, next.calls)

		store.expire(keyPrefix + "car-1")
		st, _ = c.Verify(ctx, "car-1")
		assert.Equal(t, service.CarNotFound, st)
		assert.Equal(t, 2, next.calls)
	})

	t.Run("redis error falls through", func(t *testing.T) {
		store := newFakeStore()
		store.getErr = errors.New("connection refused")
		next := &countingVerifier{status: service.CarUnavailable, err: errors.New("timeout")}
		c := NewCachedCarVerifier(next, store, time.Minute, zap.NewNop())

		st, err := c.Verify(ctx, "car-1")
		assert.Equal(t, service.CarUnavailable, st)
		assert.EqualError(t, err, "timeout")
		assert.Equal(t, 1, next.calls)
	})
}
