package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"github.com/Le1NZ/car-detailing-project-sub001/services/bonus/internal/repository"
)

const (
	appliedKeyPrefix = "bonus:applied:"
	balanceKeyPrefix = "bonus:balance:"
)

// accrualScript: отметка о начислении и пополнение баланса в одном вызове
// KEYS[1] - bonus:applied:{order}, KEYS[2] - bonus:balance:{user}
// ARGV[1] - сумма, ARGV[2] - user_id
var accrualScript = goredis.NewScript(`
if redis.call('SETNX', KEYS[1], ARGV[2]) == 1 then
  redis.call('INCRBYFLOAT', KEYS[2], ARGV[1])
  return 1
end
return 0
`)

// debitScript: проверка баланса и списание
// KEYS[1] - bonus:balance:{user}, ARGV[1] - сумма, ARGV[2] - сумма со знаком минус
var debitScript = goredis.NewScript(`
local balance = tonumber(redis.call('GET', KEYS[1]) or '0')
local amount = tonumber(ARGV[1])
if balance < 0 then
  return {'invariant', tostring(balance)}
end
if balance < amount then
  return {'insufficient', tostring(balance)}
end
local updated = redis.call('INCRBYFLOAT', KEYS[1], ARGV[2])
return {'ok', updated}
`)

// Repository реализует BonusRepository поверх Redis
type Repository struct {
	rdb goredis.UniversalClient
}

// NewRepository создаёт Redis репозиторий
func NewRepository(rdb goredis.UniversalClient) *Repository {
	return &Repository{rdb: rdb}
}

// ApplyAccrual начисляет бонусы один раз на заказ
func (r *Repository) ApplyAccrual(ctx context.Context, orderID, userID string, amount float64) (bool, error) {
	res, err := accrualScript.Run(ctx, r.rdb,
		[]string{appliedKeyPrefix + orderID, balanceKeyPrefix + userID},
		formatAmount(amount), userID,
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis accrual script: %w", err)
	}
	return res == 1, nil
}

// Balance возвращает баланс пользователя
func (r *Repository) Balance(ctx context.Context, userID string) (float64, error) {
	balance, err := r.rdb.Get(ctx, balanceKeyPrefix+userID).Float64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get balance: %w", err)
	}
	return balance, nil
}

// Debit списывает бонусы, баланс не уходит в минус
func (r *Repository) Debit(ctx context.Context, userID string, amount float64) (float64, error) {
	res, err := debitScript.Run(ctx, r.rdb,
		[]string{balanceKeyPrefix + userID},
		formatAmount(amount), formatAmount(-amount),
	).StringSlice()
	if err != nil {
		return 0, fmt.Errorf("redis debit script: %w", err)
	}
	if len(res) != 2 {
		return 0, fmt.Errorf("redis debit script: unexpected reply %v", res)
	}

	balance, err := strconv.ParseFloat(res[1], 64)
	if err != nil {
		return 0, fmt.Errorf("redis debit script: parse balance %q: %w", res[1], err)
	}
	switch res[0] {
	case "ok":
		return balance, nil
	case "insufficient":
		return balance, repository.ErrInsufficientFunds
	case "invariant":
		return balance, repository.ErrInvariantViolation
	default:
		return 0, fmt.Errorf("redis debit script: unknown status %q", res[0])
	}
}

// Ping возвращает health check для Redis
func Ping(rdb goredis.UniversalClient) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
