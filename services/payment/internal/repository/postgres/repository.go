package postgres

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Le1NZ/car-detailing-project-sub001/services/payment/internal/repository"
)

// uniqueViolation - код ошибки PostgreSQL для нарушения уникального индекса
const uniqueViolation = "23505"

const paymentColumns = `id, order_id, user_id, method, amount, currency, status, confirmation_url, created_at, paid_at`

const outboxColumns = `id::text, aggregate_id, queue, payload, status, attempts, last_error, next_attempt_at, created_at, sent_at`

// Repository реализует PaymentRepository и OutboxRepository используя PostgreSQL
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository создаёт новый PostgreSQL репозиторий
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{
		pool: pool,
	}
}

// Create сохраняет платёж
func (r *Repository) Create(ctx context.Context, p repository.Payment) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO payments (`+paymentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.ID, p.OrderID, p.UserID, p.Method, p.Amount, p.Currency, string(p.Status), p.ConfirmationURL, p.CreatedAt, p.PaidAt)
	return err
}

// GetByID получает платёж по ID
func (r *Repository) GetByID(ctx context.Context, id string) (repository.Payment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.Payment{}, repository.ErrNotFound
		}
		return repository.Payment{}, err
	}
	return p, nil
}

// HasSucceeded проверяет наличие успешного платежа по заказу
func (r *Repository) HasSucceeded(ctx context.Context, orderID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM payments WHERE order_id = $1 AND status = 'succeeded')`,
		orderID).Scan(&exists)
	return exists, err
}

// MarkSucceeded переводит платёж в succeeded и пишет событие в outbox в одной транзакции
func (r *Repository) MarkSucceeded(ctx context.Context, id string, paidAt time.Time, event repository.OutboxEvent) (repository.Payment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return repository.Payment{}, err
	}
	// Гарантируем откат транзакции в случае ошибки
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`UPDATE payments SET status = 'succeeded', paid_at = $2
		 WHERE id = $1 AND status = 'pending'
		 RETURNING `+paymentColumns,
		id, paidAt)
	p, err := scanPayment(row)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.Payment{}, repository.ErrAlreadyPaid
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.Payment{}, r.classifyNotPending(ctx, tx, id)
		}
		return repository.Payment{}, err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO outbox_events (id, aggregate_id, queue, payload, status, attempts, last_error, next_attempt_at, created_at)
		 VALUES ($1, $2, $3, $4, 'pending', 0, '', $5, $6)`,
		event.ID, event.AggregateID, event.Queue, event.Payload, event.NextAttemptAt, event.CreatedAt)
	if err != nil {
		return repository.Payment{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return repository.Payment{}, err
	}
	return p, nil
}

// MarkFailed переводит платёж в failed
func (r *Repository) MarkFailed(ctx context.Context, id string) (repository.Payment, error) {
	row := r.pool.QueryRow(ctx,
		`UPDATE payments SET status = 'failed'
		 WHERE id = $1 AND status = 'pending'
		 RETURNING `+paymentColumns,
		id)
	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.Payment{}, r.classifyNotPending(ctx, r.pool, id)
		}
		return repository.Payment{}, err
	}
	return p, nil
}

// ClaimPendingOutboxEvents выбирает события с FOR UPDATE SKIP LOCKED и сдвигает им next_attempt_at
// Параллельные экземпляры dispatcher'а получают непересекающиеся наборы
func (r *Repository) ClaimPendingOutboxEvents(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]repository.OutboxEvent, error) {
	rows, err := r.pool.Query(ctx,
		`UPDATE outbox_events SET next_attempt_at = $2
		 WHERE id IN (
		     SELECT id FROM outbox_events
		     WHERE status = 'pending' AND next_attempt_at <= $1
		     ORDER BY created_at ASC
		     LIMIT $3
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+outboxColumns,
		now, now.Add(lease), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]repository.OutboxEvent, 0)
	for rows.Next() {
		e, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	// RETURNING не сохраняет порядок подзапроса
	sortByCreatedAt(events)
	return events, nil
}

// GetOutboxEvent получает событие по ID
func (r *Repository) GetOutboxEvent(ctx context.Context, id string) (repository.OutboxEvent, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+outboxColumns+` FROM outbox_events WHERE id = $1`, id)
	e, err := scanOutboxEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.OutboxEvent{}, repository.ErrNotFound
		}
		return repository.OutboxEvent{}, err
	}
	return e, nil
}

// MarkOutboxEventSent отмечает событие как отправленное
func (r *Repository) MarkOutboxEventSent(ctx context.Context, id string, sentAt time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE outbox_events SET status = 'sent', sent_at = $2 WHERE id = $1`,
		id, sentAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// MarkOutboxEventFailed фиксирует неудачную попытку публикации
func (r *Repository) MarkOutboxEventFailed(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE outbox_events
		 SET attempts = attempts + 1, last_error = $2, next_attempt_at = $3
		 WHERE id = $1 AND status = 'pending'`,
		id, errMsg, nextAttemptAt)
	return err
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// classifyNotPending различает "платёж не найден" и "платёж уже не pending"
func (r *Repository) classifyNotPending(ctx context.Context, q queryRower, id string) error {
	var status string
	err := q.QueryRow(ctx, `SELECT status FROM payments WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrNotFound
		}
		return err
	}
	return repository.ErrNotPending
}

func scanPayment(row pgx.Row) (repository.Payment, error) {
	var (
		p      repository.Payment
		status string
	)
	err := row.Scan(&p.ID, &p.OrderID, &p.UserID, &p.Method, &p.Amount, &p.Currency, &status, &p.ConfirmationURL, &p.CreatedAt, &p.PaidAt)
	if err != nil {
		return repository.Payment{}, err
	}
	p.Status = repository.PaymentStatus(status)
	return p, nil
}

func scanOutboxEvent(row pgx.Row) (repository.OutboxEvent, error) {
	var e repository.OutboxEvent
	err := row.Scan(&e.ID, &e.AggregateID, &e.Queue, &e.Payload, &e.Status, &e.Attempts, &e.LastError, &e.NextAttemptAt, &e.CreatedAt, &e.SentAt)
	return e, err
}

func sortByCreatedAt(events []repository.OutboxEvent) {
	sort.SliceStable(events, func(i, j int) bool { return events[i].CreatedAt.Before(events[j].CreatedAt) })
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
