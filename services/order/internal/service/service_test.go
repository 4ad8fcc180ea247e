package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Le1NZ/car-detailing-project-sub001/platform/apperr"
	"github.com/Le1NZ/car-detailing-project-sub001/services/order/internal/repository"
	"github.com/Le1NZ/car-detailing-project-sub001/services/order/internal/repository/memory"
)

// MockCarVerifier - мок CarVerifier на testify/mock
type MockCarVerifier struct {
	mock.Mock
}

func (m *MockCarVerifier) Verify(ctx context.Context, carID string) (CarStatus, error) {
	args := m.Called(ctx, carID)
	return args.Get(0).(CarStatus), args.Error(1)
}

// MockOrderRepository - мок OrderRepository для сценариев, которые сложно воспроизвести на memory
type MockOrderRepository struct {
	mock.Mock
}

func (m *MockOrderRepository) Create(ctx context.Context, order repository.Order) error {
	return m.Called(ctx, order).Error(0)
}

func (m *MockOrderRepository) GetByID(ctx context.Context, id string) (repository.Order, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(repository.Order), args.Error(1)
}

func (m *MockOrderRepository) UpdateStatus(ctx context.Context, id string, from, to repository.Status, updatedAt time.Time) (repository.Order, error) {
	args := m.Called(ctx, id, from, to, updatedAt)
	return args.Get(0).(repository.Order), args.Error(1)
}

func (m *MockOrderRepository) CreateReview(ctx context.Context, review repository.Review) error {
	return m.Called(ctx, review).Error(0)
}

// recordingSleeper не ждёт реального времени, запоминает запрошенные паузы
type recordingSleeper struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits = append(s.waits, d)
	return ctx.Err()
}

func newTestService(cars CarVerifier, repo repository.OrderRepository, opts Options) (*OrderService, *recordingSleeper) {
	sleeper := &recordingSleeper{}
	return NewOrderServiceWithSleeper(zap.NewNop(), cars, repo, opts, sleeper), sleeper
}

func validInput(carID string) CreateOrderInput {
	return CreateOrderInput{
		UserID:          "user-1",
		CarID:           carID,
		AppointmentTime: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
		Description:     "  мойка и полировка  ",
	}
}

func TestOrderService_CreateOrder(t *testing.T) {
	ctx := context.Background()
	carID := uuid.NewString()

	tests := []struct {
		name       string
		input      CreateOrderInput
		verify     []CarStatus // ответы verifier по попыткам
		attempts   int
		wantKind   apperr.Kind
		wantErr    bool
		wantSaved  bool
		wantWaits  []time.Duration
		errContain string
	}{
		{
			name:      "success: car exists",
			input:     validInput(carID),
			verify:    []CarStatus{CarExists},
			wantSaved: true,
		},
		{
			name:       "error: car_id is not uuid",
			input:      func() CreateOrderInput { in := validInput("car-1"); return in }(),
			wantErr:    true,
			wantKind:   apperr.KindValidation,
			errContain: "car_id",
		},
		{
			name:     "error: zero appointment time",
			input:    func() CreateOrderInput { in := validInput(carID); in.AppointmentTime = time.Time{}; return in }(),
			wantErr:  true,
			wantKind: apperr.KindValidation,
		},
		{
			name:     "error: blank description",
			input:    func() CreateOrderInput { in := validInput(carID); in.Description = "   "; return in }(),
			wantErr:  true,
			wantKind: apperr.KindValidation,
		},
		{
			name:     "error: description too long",
			input:    func() CreateOrderInput { in := validInput(carID); in.Description = strings.Repeat("я", 501); return in }(),
			wantErr:  true,
			wantKind: apperr.KindValidation,
		},
		{
			name:       "error: car not found",
			input:      validInput(carID),
			verify:     []CarStatus{CarNotFound},
			wantErr:    true,
			wantKind:   apperr.KindNotFound,
			errContain: "car not found",
		},
		{
			name:       "error: car service unavailable, no retry by default",
			input:      validInput(carID),
			verify:     []CarStatus{CarUnavailable},
			wantErr:    true,
			wantKind:   apperr.KindUnavailable,
			errContain: "car service unavailable",
		},
		{
			name:      "success: unavailable then exists with retry policy",
			input:     validInput(carID),
			verify:    []CarStatus{CarUnavailable, CarUnavailable, CarExists},
			attempts:  3,
			wantSaved: true,
			wantWaits: []time.Duration{100 * time.Millisecond, 200 * time.Millisecond},
		},
		{
			name:     "error: retry does not turn not found into unavailable",
			input:    validInput(carID),
			verify:    []CarStatus{CarUnavailable, CarNotFound},
			attempts:  3,
			wantErr:   true,
			wantKind:  apperr.KindNotFound,
			wantWaits: []time.Duration{100 * time.Millisecond},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cars := &MockCarVerifier{}
			for _, st := range tt.verify {
				var err error
				if st == CarUnavailable {
					err = errors.New("connection refused")
				}
				cars.On("Verify", mock.Anything, tt.input.CarID).Return(st, err).Once()
			}
			repo := memory.NewMemoryRepository()
			svc, sleeper := newTestService(cars, repo, Options{VerifyMaxAttempts: tt.attempts, VerifyBackoff: 100 * time.Millisecond})

			order, err := svc.CreateOrder(ctx, tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, tt.wantKind, apperr.KindOf(err))
				if tt.errContain != "" {
					assert.Contains(t, apperr.Message(err), tt.errContain)
				}
			} else {
				require.NoError(t, err)
				assert.Equal(t, repository.StatusCreated, order.Status)
				assert.Equal(t, "мойка и полировка", order.Description)
				assert.NotEmpty(t, order.ID)
			}

			if tt.wantSaved {
				stored, getErr := repo.GetByID(ctx, order.ID)
				require.NoError(t, getErr)
				assert.Equal(t, tt.input.CarID, stored.CarID)
			}
			assert.Equal(t, tt.wantWaits, sleeper.waits)
			cars.AssertExpectations(t)
		})
	}
}

func TestOrderService_CreateOrder_NothingStoredWithoutExists(t *testing.T) {
	ctx := context.Background()
	carID := uuid.NewString()

	cars := &MockCarVerifier{}
	cars.On("Verify", mock.Anything, carID).Return(CarUnavailable, context.DeadlineExceeded)
	repo := &MockOrderRepository{}
	svc, _ := newTestService(cars, repo, Options{})

	_, err := svc.CreateOrder(ctx, validInput(carID))
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindUnavailable))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	repo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func createdOrder(t *testing.T, svc *OrderService, cars *MockCarVerifier) repository.Order {
	t.Helper()
	carID := uuid.NewString()
	cars.On("Verify", mock.Anything, carID).Return(CarExists, nil)
	order, err := svc.CreateOrder(context.Background(), validInput(carID))
	require.NoError(t, err)
	return order
}

func TestOrderService_UpdateStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("forward chain to terminal", func(t *testing.T) {
		cars := &MockCarVerifier{}
		svc, _ := newTestService(cars, memory.NewMemoryRepository(), Options{})
		order := createdOrder(t, svc, cars)

		for _, st := range []string{"in_progress", "work_completed", "car_issued"} {
			updated, err := svc.UpdateStatus(ctx, order.ID, st)
			require.NoError(t, err)
			assert.Equal(t, repository.Status(st), updated.Status)
		}

		// из терминального статуса переходов нет
		for _, st := range []string{"created", "in_progress", "work_completed", "car_issued"} {
			_, err := svc.UpdateStatus(ctx, order.ID, st)
			require.Error(t, err)
			assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
			assert.ErrorIs(t, err, ErrInvalidTransition)
		}
	})

	t.Run("invalid transitions", func(t *testing.T) {
		cars := &MockCarVerifier{}
		svc, _ := newTestService(cars, memory.NewMemoryRepository(), Options{})
		order := createdOrder(t, svc, cars)

		tests := []struct {
			name     string
			target   string
			wantKind apperr.Kind
		}{
			{name: "skip", target: "work_completed", wantKind: apperr.KindConflict},
			{name: "skip to terminal", target: "car_issued", wantKind: apperr.KindConflict},
			{name: "same state", target: "created", wantKind: apperr.KindConflict},
			{name: "unknown status", target: "cancelled", wantKind: apperr.KindValidation},
			{name: "empty status", target: "", wantKind: apperr.KindValidation},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := svc.UpdateStatus(ctx, order.ID, tt.target)
				require.Error(t, err)
				assert.Equal(t, tt.wantKind, apperr.KindOf(err))
			})
		}

		// заказ остался в created
		got, err := svc.GetOrder(ctx, order.ID)
		require.NoError(t, err)
		assert.Equal(t, repository.StatusCreated, got.Status)
	})

	t.Run("backward", func(t *testing.T) {
		cars := &MockCarVerifier{}
		svc, _ := newTestService(cars, memory.NewMemoryRepository(), Options{})
		order := createdOrder(t, svc, cars)
		_, err := svc.UpdateStatus(ctx, order.ID, "in_progress")
		require.NoError(t, err)

		_, err = svc.UpdateStatus(ctx, order.ID, "created")
		assert.True(t, apperr.Is(err, apperr.KindConflict))
	})

	t.Run("not found", func(t *testing.T) {
		svc, _ := newTestService(&MockCarVerifier{}, memory.NewMemoryRepository(), Options{})
		_, err := svc.UpdateStatus(ctx, "missing", "in_progress")
		assert.True(t, apperr.Is(err, apperr.KindNotFound))
	})

	t.Run("concurrent transitions from the same state", func(t *testing.T) {
		cars := &MockCarVerifier{}
		svc, _ := newTestService(cars, memory.NewMemoryRepository(), Options{})
		order := createdOrder(t, svc, cars)

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			succeeded int
			conflicts int
		)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := svc.UpdateStatus(ctx, order.ID, "in_progress")
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					succeeded++
				} else if apperr.Is(err, apperr.KindConflict) {
					conflicts++
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, succeeded)
		assert.Equal(t, 19, conflicts)
	})

	t.Run("CAS mismatch maps to conflict", func(t *testing.T) {
		repo := &MockOrderRepository{}
		repo.On("GetByID", mock.Anything, "o-1").Return(repository.Order{ID: "o-1", Status: repository.StatusCreated}, nil)
		repo.On("UpdateStatus", mock.Anything, "o-1", repository.StatusCreated, repository.StatusInProgress, mock.Anything).
			Return(repository.Order{}, repository.ErrStatusMismatch)
		svc, _ := newTestService(&MockCarVerifier{}, repo, Options{})

		_, err := svc.UpdateStatus(ctx, "o-1", "in_progress")
		require.Error(t, err)
		assert.True(t, apperr.Is(err, apperr.KindConflict))
		assert.ErrorIs(t, err, repository.ErrStatusMismatch)
	})
}

func TestOrderService_AddReview(t *testing.T) {
	ctx := context.Background()

	t.Run("one review per order", func(t *testing.T) {
		cars := &MockCarVerifier{}
		svc, _ := newTestService(cars, memory.NewMemoryRepository(), Options{})
		order := createdOrder(t, svc, cars)

		review, err := svc.AddReview(ctx, order.ID, AddReviewInput{Rating: 5, Comment: "отлично"})
		require.NoError(t, err)
		assert.Equal(t, repository.ReviewStatusPublished, review.Status)
		assert.Equal(t, order.ID, review.OrderID)

		_, err = svc.AddReview(ctx, order.ID, AddReviewInput{Rating: 4, Comment: "ещё раз"})
		require.Error(t, err)
		assert.True(t, apperr.Is(err, apperr.KindConflict))
	})

	t.Run("concurrent reviews single winner", func(t *testing.T) {
		cars := &MockCarVerifier{}
		svc, _ := newTestService(cars, memory.NewMemoryRepository(), Options{})
		order := createdOrder(t, svc, cars)

		var (
			wg sync.WaitGroup
			mu sync.Mutex
			ok int
		)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := svc.AddReview(ctx, order.ID, AddReviewInput{Rating: 3, Comment: "норм"}); err == nil {
					mu.Lock()
					ok++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, ok)
	})

	t.Run("validation and missing order", func(t *testing.T) {
		svc, _ := newTestService(&MockCarVerifier{}, memory.NewMemoryRepository(), Options{})

		tests := []struct {
			name     string
			orderID  string
			input    AddReviewInput
			wantKind apperr.Kind
		}{
			{name: "rating too low", orderID: "o-1", input: AddReviewInput{Rating: 0, Comment: "x"}, wantKind: apperr.KindValidation},
			{name: "rating too high", orderID: "o-1", input: AddReviewInput{Rating: 6, Comment: "x"}, wantKind: apperr.KindValidation},
			{name: "empty comment", orderID: "o-1", input: AddReviewInput{Rating: 3, Comment: " "}, wantKind: apperr.KindValidation},
			{name: "comment too long", orderID: "o-1", input: AddReviewInput{Rating: 3, Comment: strings.Repeat("a", 1001)}, wantKind: apperr.KindValidation},
			{name: "order missing", orderID: "missing", input: AddReviewInput{Rating: 3, Comment: "ok"}, wantKind: apperr.KindNotFound},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := svc.AddReview(ctx, tt.orderID, tt.input)
				require.Error(t, err)
				assert.Equal(t, tt.wantKind, apperr.KindOf(err))
			})
		}
	})
}

func TestCanTransition(t *testing.T) {
	all := []repository.Status{
		repository.StatusCreated,
		repository.StatusInProgress,
		repository.StatusWorkCompleted,
		repository.StatusCarIssued,
	}
	// разрешены только шаги на одну позицию вперёд
	for i, from := range all {
		for j, to := range all {
			assert.Equal(t, j == i+1, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}
