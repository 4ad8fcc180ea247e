package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Le1NZ/car-detailing-project-sub001/platform/rabbitmq"
	"github.com/Le1NZ/car-detailing-project-sub001/services/payment/internal/repository"
	"github.com/Le1NZ/car-detailing-project-sub001/services/payment/internal/repository/memory"
)

// fakePublisher возвращает ошибки из errs по очереди, потом nil
type fakePublisher struct {
	mu    sync.Mutex
	errs  []error
	calls []rabbitmq.Message
	queue string
}

func (p *fakePublisher) Publish(_ context.Context, queue string, msg rabbitmq.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, msg)
	p.queue = queue
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		return err
	}
	return nil
}

func (p *fakePublisher) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type recordingSleeper struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return ctx.Err()
}

type recordingMetrics struct {
	mu      sync.Mutex
	results []string
}

func (m *recordingMetrics) RecordPublish(_ context.Context, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, result)
}

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// seedEvent создаёт успешный платёж с pending событием в outbox
func seedEvent(t *testing.T, repo *memory.MemoryRepository, id string) repository.OutboxEvent {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, repository.Payment{
		ID:      "pay_" + id,
		OrderID: "order-" + id,
		UserID:  "user-1",
		Status:  repository.StatusPending,
	}))
	event := repository.OutboxEvent{
		ID:            "evt-" + id,
		AggregateID:   "order-" + id,
		Queue:         "payment_succeeded_queue",
		Payload:       []byte(`{"order_id":"order-` + id + `"}`),
		NextAttemptAt: testNow,
		CreatedAt:     testNow,
	}
	_, err := repo.MarkSucceeded(ctx, "pay_"+id, testNow, event)
	require.NoError(t, err)
	return event
}

func newTestDispatcher(repo repository.OutboxRepository, pub Publisher, metrics Metrics, sleeper Sleeper) *OutboxDispatcher {
	d := NewOutboxDispatcherWithSleeper(zap.NewNop(), repo, pub, metrics, Options{
		BatchSize:  10,
		Interval:   10 * time.Millisecond,
		MaxRetries: 3,
		Backoff:    100 * time.Millisecond,
		Lease:      time.Minute,
	}, sleeper)
	d.now = func() time.Time { return testNow }
	return d
}

func TestOutboxDispatcher_ProcessBatch(t *testing.T) {
	brokerDown := errors.New("connection refused")

	tests := []struct {
		name         string
		publishErrs  []error
		wantCalls    int
		wantWaits    []time.Duration
		wantStatus   string
		wantAttempts int
		wantNext     time.Time
		wantResults  []string
	}{
		{
			name:        "published on first attempt",
			wantCalls:   1,
			wantStatus:  repository.OutboxStatusSent,
			wantResults: []string{ResultSent},
		},
		{
			name:        "published after retry with linear backoff",
			publishErrs: []error{brokerDown, brokerDown},
			wantCalls:   3,
			wantWaits:   []time.Duration{100 * time.Millisecond, 200 * time.Millisecond},
			wantStatus:  repository.OutboxStatusSent,
			wantResults: []string{ResultRetry, ResultRetry, ResultSent},
		},
		{
			name:         "all attempts failed keeps event pending",
			publishErrs:  []error{brokerDown, brokerDown, brokerDown},
			wantCalls:    3,
			wantWaits:    []time.Duration{100 * time.Millisecond, 200 * time.Millisecond},
			wantStatus:   repository.OutboxStatusPending,
			wantAttempts: 1,
			// backoff * 2^1
			wantNext:    testNow.Add(200 * time.Millisecond),
			wantResults: []string{ResultRetry, ResultRetry, ResultRetry},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := memory.NewMemoryRepository()
			event := seedEvent(t, repo, "1")
			pub := &fakePublisher{errs: tt.publishErrs}
			sleeper := &recordingSleeper{}
			metrics := &recordingMetrics{}
			d := newTestDispatcher(repo, pub, metrics, sleeper)

			require.NoError(t, d.processBatch(context.Background()))

			assert.Equal(t, tt.wantCalls, pub.callCount())
			assert.Equal(t, "payment_succeeded_queue", pub.queue)
			assert.Equal(t, event.ID, pub.calls[0].ID)
			assert.Equal(t, event.Payload, pub.calls[0].Body)
			assert.Equal(t, tt.wantWaits, sleeper.waits)
			assert.Equal(t, tt.wantResults, metrics.results)

			stored, err := repo.GetOutboxEvent(context.Background(), event.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, stored.Status)
			assert.Equal(t, tt.wantAttempts, stored.Attempts)
			if !tt.wantNext.IsZero() {
				assert.Equal(t, tt.wantNext, stored.NextAttemptAt)
				assert.Contains(t, stored.LastError, "connection refused")
			}
		})
	}
}

func TestOutboxDispatcher_NextBackoffIsCapped(t *testing.T) {
	d := newTestDispatcher(memory.NewMemoryRepository(), &fakePublisher{}, nil, &recordingSleeper{})

	assert.Equal(t, 200*time.Millisecond, d.nextBackoff(1))
	assert.Equal(t, 800*time.Millisecond, d.nextBackoff(3))
	assert.Equal(t, 6400*time.Millisecond, d.nextBackoff(6))
	assert.Equal(t, 6400*time.Millisecond, d.nextBackoff(20))
}

func TestOutboxDispatcher_DispatchNow(t *testing.T) {
	ctx := context.Background()

	t.Run("sent", func(t *testing.T) {
		repo := memory.NewMemoryRepository()
		event := seedEvent(t, repo, "1")
		pub := &fakePublisher{}
		d := newTestDispatcher(repo, pub, nil, &recordingSleeper{})

		sent, err := d.DispatchNow(ctx, event.ID)
		require.NoError(t, err)
		assert.True(t, sent)

		// повторный вызов не публикует снова
		sent, err = d.DispatchNow(ctx, event.ID)
		require.NoError(t, err)
		assert.True(t, sent)
		assert.Equal(t, 1, pub.callCount())
	})

	t.Run("broker unavailable leaves event pending", func(t *testing.T) {
		repo := memory.NewMemoryRepository()
		event := seedEvent(t, repo, "1")
		down := errors.New("connection refused")
		pub := &fakePublisher{errs: []error{down, down, down}}
		metrics := &recordingMetrics{}
		d := newTestDispatcher(repo, pub, metrics, &recordingSleeper{})

		sent, err := d.DispatchNow(ctx, event.ID)
		require.Error(t, err)
		assert.False(t, sent)
		assert.Equal(t, ResultDeferred, metrics.results[len(metrics.results)-1])

		stored, err := repo.GetOutboxEvent(ctx, event.ID)
		require.NoError(t, err)
		assert.Equal(t, repository.OutboxStatusPending, stored.Status)
		assert.Equal(t, 1, stored.Attempts)
	})

	t.Run("expired context still records the failure", func(t *testing.T) {
		repo := memory.NewMemoryRepository()
		event := seedEvent(t, repo, "1")
		pub := &fakePublisher{errs: []error{context.DeadlineExceeded}}
		d := newTestDispatcher(repo, pub, nil, &recordingSleeper{})

		expired, cancel := context.WithCancel(ctx)
		cancel()
		sent, err := d.DispatchNow(expired, event.ID)
		require.Error(t, err)
		assert.False(t, sent)
		assert.Equal(t, 1, pub.callCount())

		stored, err := repo.GetOutboxEvent(ctx, event.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, stored.Attempts)
	})

	t.Run("unknown event", func(t *testing.T) {
		d := newTestDispatcher(memory.NewMemoryRepository(), &fakePublisher{}, nil, &recordingSleeper{})
		_, err := d.DispatchNow(ctx, "missing")
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})
}

func TestOutboxDispatcher_StartStop(t *testing.T) {
	repo := memory.NewMemoryRepository()
	event := seedEvent(t, repo, "1")
	pub := &fakePublisher{}
	d := newTestDispatcher(repo, pub, nil, &recordingSleeper{})

	errCh := make(chan error, 1)
	go func() { errCh <- d.Start(context.Background()) }()

	require.Eventually(t, func() bool {
		stored, err := repo.GetOutboxEvent(context.Background(), event.ID)
		return err == nil && stored.Status == repository.OutboxStatusSent
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))
	require.NoError(t, <-errCh)
}
