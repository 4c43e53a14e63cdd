package httpapi

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nya-Foundation/nyaproxy-go/internal/credential"
	"github.com/Nya-Foundation/nyaproxy-go/internal/errs"
	"github.com/Nya-Foundation/nyaproxy-go/internal/finalize"
	"github.com/Nya-Foundation/nyaproxy-go/internal/orchestrator"
	"github.com/Nya-Foundation/nyaproxy-go/internal/queue"
)

type fakeOrchestrator struct {
	result *finalize.Result
	err    error
	gotIn  orchestrator.Inbound
}

func (f *fakeOrchestrator) Process(ctx context.Context, in orchestrator.Inbound) (*finalize.Result, error) {
	f.gotIn = in
	return f.result, f.err
}

func TestHandleProxyWritesUpstreamResponse(t *testing.T) {
	orc := &fakeOrchestrator{result: &finalize.Result{
		Status: 200,
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   io.NopCloser(strings.NewReader(`{"ok":true}`)),
	}}

	router := NewRouter(Config{Orchestrator: orc, Queue: queue.New(queue.Config{}), Credentials: credential.New(), APIPrefix: "api"})

	req := httptest.NewRequest(http.MethodGet, "/api/oai/v1/models", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"ok":true}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "/api/oai/v1/models", orc.gotIn.Path)
}

func TestHandleProxyMapsTaggedErrorToStatus(t *testing.T) {
	orc := &fakeOrchestrator{err: &errs.UnknownUpstream{Path: "/api/nope"}}
	router := NewRouter(Config{Orchestrator: orc, Queue: queue.New(queue.Config{}), Credentials: credential.New(), APIPrefix: "api"})

	req := httptest.NewRequest(http.MethodGet, "/api/nope", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthzReturnsOK(t *testing.T) {
	router := NewRouter(Config{Orchestrator: &fakeOrchestrator{}, Queue: queue.New(queue.Config{}), Credentials: credential.New(), APIPrefix: "api"})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminQueueSizesWithoutAuthWhenUnconfigured(t *testing.T) {
	qm := queue.New(queue.Config{})
	router := NewRouter(Config{Orchestrator: &fakeOrchestrator{}, Queue: qm, Credentials: credential.New(), APIPrefix: "api"})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/queue/sizes", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "{}")
}

func TestAdminRoutesRequireAuthWhenConfigured(t *testing.T) {
	router := NewRouter(Config{
		Orchestrator: &fakeOrchestrator{},
		Queue:        queue.New(queue.Config{}),
		Credentials:  credential.New(),
		APIPrefix:    "api",
		Auth:         denyAllAuth{},
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/queue/sizes", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

type denyAllAuth struct{}

func (denyAllAuth) RequireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "denied", http.StatusUnauthorized)
	})
}

func TestRecoveryMiddlewareConvertsPanicToInternalError(t *testing.T) {
	panicky := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	rec := httptest.NewRecorder()
	recoveryMiddleware(panicky).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
