package cache

import (
	"context"
	"time"
)

// StatementCache holds rendered read views (debt statements, credit books)
// as JSON. Any ledger mutation for a counterparty deletes its keys.
//
// Every key carries a generation that Delete bumps. A fill reads the
// generation before loading and Set refuses to store once it has moved, so a
// load that raced a mutation never outlives the invalidation.
type StatementCache interface {
	Get(ctx context.Context, key string, dest any) (bool, error)
	Generation(ctx context.Context, key string) (int64, error)
	Set(ctx context.Context, key string, generation int64, value any, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
}

type NoopStatementCache struct{}

func (NoopStatementCache) Get(_ context.Context, _ string, _ any) (bool, error) {
	return false, nil
}

func (NoopStatementCache) Generation(_ context.Context, _ string) (int64, error) {
	return 0, nil
}

func (NoopStatementCache) Set(_ context.Context, _ string, _ int64, _ any, _ time.Duration) (bool, error) {
	return false, nil
}

func (NoopStatementCache) Delete(_ context.Context, _ ...string) error {
	return nil
}

func DebtsKey(phone string) string {
	return "ledger:debts:" + phone
}

func CreditBookKey(resellerID string) string {
	return "ledger:credit-book:" + resellerID
}

func generationKey(key string) string {
	return key + ":gen"
}
