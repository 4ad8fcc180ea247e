package httpclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/Le1NZ/car-detailing-project-sub001/platform/identity"
)

func TestOrderClient_OrderExists(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		wantExists bool
		wantErr    bool
	}{
		{name: "exists", status: http.StatusOK, wantExists: true},
		{name: "not found", status: http.StatusNotFound},
		{name: "server error", status: http.StatusInternalServerError, wantErr: true},
		{name: "unauthorized", status: http.StatusUnauthorized, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var (
				mu               sync.Mutex
				gotPath, gotUser string
			)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				mu.Lock()
				gotPath = r.URL.Path
				gotUser = r.Header.Get(identity.Header)
				mu.Unlock()
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			client := NewOrderClient(StaticURL(srv.URL), time.Second, zap.NewNop())
			ctx := identity.WithUserID(context.Background(), "user-1")

			exists, err := client.OrderExists(ctx, "order-1")
			assert.Equal(t, tt.wantExists, exists)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, "/api/orders/order-1", gotPath)
			assert.Equal(t, "user-1", gotUser)
		})
	}
}

func TestOrderClient_TransportErrors(t *testing.T) {
	t.Run("connection refused", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		addr := srv.URL
		srv.Close()

		exists, err := NewOrderClient(StaticURL(addr), time.Second, zap.NewNop()).OrderExists(context.Background(), "order-1")
		assert.False(t, exists)
		assert.Error(t, err)
	})

	t.Run("resolve failure", func(t *testing.T) {
		resolve := func(context.Context) (string, error) { return "", errors.New("no healthy instances") }

		_, err := NewOrderClient(resolve, time.Second, zap.NewNop()).OrderExists(context.Background(), "order-1")
		assert.ErrorContains(t, err, "no healthy instances")
	})
}
