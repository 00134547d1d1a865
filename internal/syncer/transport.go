package syncer

import (
	"context"
)

// Transport is the opaque remote-backend collaborator. Each call either
// succeeds, fails with a retryable error (store.NewRetryableError), or
// fails with a conflict error carrying the server's current entity
// (store.NewConflictError).
type Transport interface {
	Create(ctx context.Context, entityType string, entity map[string]any) error
	Update(ctx context.Context, entityType, entityID string, payload map[string]any) error
	Delete(ctx context.Context, entityType, entityID string) error
	Toggle(ctx context.Context, entityType, entityID string, on bool) error
}

type idempotencyKeyCtx struct{}

// WithIdempotencyKey attaches the operation's idempotency key to the
// context so transports can forward it to the backend. The same key is
// reused across retries of one logical mutation.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	if key == "" {
		return ctx
	}
	return context.WithValue(ctx, idempotencyKeyCtx{}, key)
}

// IdempotencyKeyFromContext returns the key set by WithIdempotencyKey.
func IdempotencyKeyFromContext(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(idempotencyKeyCtx{}).(string)
	return key, ok && key != ""
}
