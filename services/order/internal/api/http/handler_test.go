package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Le1NZ/car-detailing-project-sub001/platform/identity"
	"github.com/Le1NZ/car-detailing-project-sub001/services/order/internal/repository/memory"
	"github.com/Le1NZ/car-detailing-project-sub001/services/order/internal/service"
)

// staticVerifier отвечает по таблице car_id -> статус, остальные машины недоступны
type staticVerifier map[string]service.CarStatus

func (v staticVerifier) Verify(_ context.Context, carID string) (service.CarStatus, error) {
	if st, ok := v[carID]; ok {
		return st, nil
	}
	return service.CarUnavailable, context.DeadlineExceeded
}

func newTestRouter(cars staticVerifier) http.Handler {
	svc := service.NewOrderService(zap.NewNop(), cars, memory.NewMemoryRepository(), service.Options{})
	return NewRouter(NewHandler(svc, zap.NewNop()), nil, zap.NewNop())
}

func do(t *testing.T, h http.Handler, method, target, body string, withUser bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if withUser {
		req.Header.Set(identity.Header, "user-1")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func TestOrderAPI_Workflow(t *testing.T) {
	carID := uuid.NewString()
	router := newTestRouter(staticVerifier{carID: service.CarExists})

	createBody := `{"car_id":"` + carID + `","desired_time":"2026-05-01T10:00:00Z","description":"химчистка салона"}`
	rec := do(t, router, http.MethodPost, "/api/orders", createBody, true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode(t, rec)
	assert.Equal(t, "created", created["status"])
	assert.Equal(t, carID, created["car_id"])
	orderID := created["order_id"].(string)

	rec = do(t, router, http.MethodGet, "/api/orders/"+orderID, "", true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, http.MethodPatch, "/api/orders/"+orderID+"/status", `{"status":"work_completed"}`, true)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.NotEmpty(t, decode(t, rec)["message"])

	rec = do(t, router, http.MethodPatch, "/api/orders/"+orderID+"/status", `{"status":"in_progress"}`, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "in_progress", decode(t, rec)["status"])

	rec = do(t, router, http.MethodPatch, "/api/orders/"+orderID+"/status", `{"status":"done"}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, http.MethodPost, "/api/orders/review?order_id="+orderID, `{"rating":5,"comment":"супер"}`, true)
	require.Equal(t, http.StatusCreated, rec.Code)
	review := decode(t, rec)
	assert.Equal(t, "published", review["status"])
	assert.Equal(t, orderID, review["order_id"])

	rec = do(t, router, http.MethodPost, "/api/orders/review?order_id="+orderID, `{"rating":4,"comment":"снова"}`, true)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestOrderAPI_Errors(t *testing.T) {
	existing := uuid.NewString()
	missing := uuid.NewString()
	down := uuid.NewString()
	router := newTestRouter(staticVerifier{existing: service.CarExists, missing: service.CarNotFound})

	body := func(carID string) string {
		return `{"car_id":"` + carID + `","desired_time":"2026-05-01T10:00:00Z","description":"мойка"}`
	}

	tests := []struct {
		name     string
		method   string
		target   string
		body     string
		withUser bool
		wantCode int
	}{
		{name: "no identity", method: http.MethodPost, target: "/api/orders", body: body(existing), wantCode: http.StatusUnauthorized},
		{name: "car not found", method: http.MethodPost, target: "/api/orders", body: body(missing), withUser: true, wantCode: http.StatusNotFound},
		{name: "car service unavailable", method: http.MethodPost, target: "/api/orders", body: body(down), withUser: true, wantCode: http.StatusServiceUnavailable},
		{name: "invalid json", method: http.MethodPost, target: "/api/orders", body: `{`, withUser: true, wantCode: http.StatusBadRequest},
		{name: "invalid time", method: http.MethodPost, target: "/api/orders", body: `{"car_id":"` + existing + `","desired_time":"tomorrow","description":"x"}`, withUser: true, wantCode: http.StatusBadRequest},
		{name: "unknown order", method: http.MethodGet, target: "/api/orders/" + uuid.NewString(), withUser: true, wantCode: http.StatusNotFound},
		{name: "status of unknown order", method: http.MethodPatch, target: "/api/orders/nope/status", body: `{"status":"in_progress"}`, withUser: true, wantCode: http.StatusNotFound},
		{name: "review without order_id", method: http.MethodPost, target: "/api/orders/review", body: `{"rating":5,"comment":"x"}`, withUser: true, wantCode: http.StatusBadRequest},
		{name: "review for unknown order", method: http.MethodPost, target: "/api/orders/review?order_id=nope", body: `{"rating":5,"comment":"x"}`, withUser: true, wantCode: http.StatusNotFound},
		{name: "health without identity", method: http.MethodGet, target: "/health", wantCode: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, router, tt.method, tt.target, tt.body, tt.withUser)
			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
		})
	}
}
