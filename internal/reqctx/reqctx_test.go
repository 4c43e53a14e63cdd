package reqctx

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithRequestIDGeneratesWhenEmpty(t *testing.T) {
	ctx, id := WithRequestID(context.Background(), "")
	require.NotEmpty(t, id)
	assert.Equal(t, id, RequestID(ctx))
}

func TestWithRequestIDKeepsProvidedValue(t *testing.T) {
	ctx, id := WithRequestID(context.Background(), "custom-123")
	assert.Equal(t, "custom-123", id)
	assert.Equal(t, "custom-123", RequestID(ctx))
}

func TestWithRequestIDTrimsWhitespaceOnly(t *testing.T) {
	_, id := WithRequestID(context.Background(), "   ")
	assert.NotEmpty(t, strings.TrimSpace(id))
}

func TestWithRequestIDAcceptsNilContext(t *testing.T) {
	ctx, id := WithRequestID(nil, "")
	require.NotNil(t, ctx)
	assert.Equal(t, id, RequestID(ctx))
}

func TestRequestIDUnsetReturnsEmpty(t *testing.T) {
	assert.Equal(t, "", RequestID(context.Background()))
}
