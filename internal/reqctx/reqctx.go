// Package reqctx carries the per-request correlation ID through
// context.Context, the same X-Request-ID convention the teacher's HTTP
// middleware and logging package share.
package reqctx

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

type ctxKey int

const requestIDKey ctxKey = iota

// WithRequestID attaches id to ctx, generating a fresh UUIDv4 when id is
// empty or all whitespace. ctx may be nil, matching the teacher's
// WithRequestID(nil, "") convenience call from tests and early
// bootstrap code, in which case context.Background() is substituted.
func WithRequestID(ctx context.Context, id string) (context.Context, string) {
	if ctx == nil {
		ctx = context.Background()
	}
	id = strings.TrimSpace(id)
	if id == "" {
		id = uuid.NewString()
	}
	return context.WithValue(ctx, requestIDKey, id), id
}

// RequestID returns the correlation ID carried by ctx, or "" if none was
// ever attached.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
