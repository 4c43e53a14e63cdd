package executor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nya-Foundation/nyaproxy-go/internal/metrics"
	"github.com/Nya-Foundation/nyaproxy-go/internal/upstream"
)

type fakeRotator struct {
	next   string
	err    error
	marked map[string]time.Duration
	calls  int32
}

func (f *fakeRotator) GetAvailableKey(string, bool) (string, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.next, f.err
}

func (f *fakeRotator) MarkRateLimited(_, cred string, d time.Duration) {
	if f.marked == nil {
		f.marked = map[string]time.Duration{}
	}
	f.marked[cred] = d
}

func newTestExecutor(rot Rotator) (*Executor, *metrics.Fake) {
	sink := metrics.NewFake()
	ex := New(rot, sink, nil)
	ex.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return ex, sink
}

func basicPolicy() upstream.RetryPolicy {
	return upstream.RetryPolicy{
		Enabled:          true,
		MaxAttempts:      3,
		BaseDelay:        time.Millisecond,
		Mode:             upstream.RetryLinear,
		RetryableStatus:  map[int]bool{500: true, 429: true},
		RetryableMethods: map[string]bool{"GET": true, "POST": true},
	}
}

func TestExecuteReturnsFirstSuccessfulResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))
	defer srv.Close()

	ex, sink := newTestExecutor(&fakeRotator{})
	resp, err := ex.Execute(context.Background(), Request{
		Upstream:          "oai",
		Method:            "GET",
		URL:               srv.URL,
		HeaderTemplates:   map[string]string{},
		Values:            map[string]string{},
		OriginalHeader:    http.Header{},
		KeyVariable:       "keys",
		InitialCredential: "k1",
		Policy:            basicPolicy(),
		Timeouts:          upstream.Timeouts{Total: time.Second},
	})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Len(t, sink.Requests, 1)
	assert.Len(t, sink.Responses, 1)
}

func TestExecuteRetriesOnRetryableStatus(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(500)
			return
		}
		w.WriteHeader(200)
	}))
	defer srv.Close()

	ex, _ := newTestExecutor(&fakeRotator{})
	resp, err := ex.Execute(context.Background(), Request{
		Upstream:          "oai",
		Method:            "GET",
		URL:               srv.URL,
		HeaderTemplates:   map[string]string{},
		Values:            map[string]string{},
		OriginalHeader:    http.Header{},
		KeyVariable:       "keys",
		InitialCredential: "k1",
		Policy:            basicPolicy(),
		Timeouts:          upstream.Timeouts{Total: time.Second},
	})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestExecuteNonRetryableMethodGetsSingleAttempt(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(500)
	}))
	defer srv.Close()

	policy := basicPolicy()
	policy.RetryableMethods = map[string]bool{"GET": true}

	ex, _ := newTestExecutor(&fakeRotator{})
	resp, err := ex.Execute(context.Background(), Request{
		Upstream:          "oai",
		Method:            "DELETE",
		URL:               srv.URL,
		HeaderTemplates:   map[string]string{},
		Values:            map[string]string{},
		OriginalHeader:    http.Header{},
		KeyVariable:       "keys",
		InitialCredential: "k1",
		Policy:            policy,
		Timeouts:          upstream.Timeouts{Total: time.Second},
	})
	require.NoError(t, err)
	assert.Equal(t, 500, resp.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestExecuteRotationRotatesCredentialBetweenAttempts(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Header.Get("Authorization"))
		if len(seen) < 2 {
			w.WriteHeader(500)
			return
		}
		w.WriteHeader(200)
	}))
	defer srv.Close()

	rot := &fakeRotator{next: "k2"}
	policy := basicPolicy()
	policy.Mode = upstream.RetryRotation

	ex, _ := newTestExecutor(rot)
	_, err := ex.Execute(context.Background(), Request{
		Upstream:          "oai",
		Method:            "GET",
		URL:               srv.URL,
		HeaderTemplates:   map[string]string{"Authorization": "Bearer ${{keys}}"},
		Values:            map[string]string{},
		OriginalHeader:    http.Header{},
		KeyVariable:       "keys",
		InitialCredential: "k1",
		Policy:            policy,
		Timeouts:          upstream.Timeouts{Total: time.Second},
	})
	require.NoError(t, err)
	require.Len(t, seen, 2)
	assert.Equal(t, "Bearer k1", seen[0])
	assert.Equal(t, "Bearer k2", seen[1])
	assert.Equal(t, int32(1), atomic.LoadInt32(&rot.calls))
}

func TestParseRetryAfterSeconds(t *testing.T) {
	d, ok := parseRetryAfter("5")
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, d)
}

func TestRetryAfterDelayCapsAtCeiling(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "9999")
		w.WriteHeader(429)
	}))
	defer srv.Close()

	ex, _ := newTestExecutor(&fakeRotator{})
	var captured time.Duration
	ex.credential = &fakeRotator{marked: map[string]time.Duration{}}
	rot := ex.credential.(*fakeRotator)

	policy := basicPolicy()
	policy.MaxAttempts = 2

	_, _ = ex.Execute(context.Background(), Request{
		Upstream:          "oai",
		Method:            "GET",
		URL:               srv.URL,
		HeaderTemplates:   map[string]string{},
		Values:            map[string]string{},
		OriginalHeader:    http.Header{},
		KeyVariable:       "keys",
		InitialCredential: "k1",
		Policy:            policy,
		Timeouts:          upstream.Timeouts{Total: time.Second},
	})
	captured = rot.marked["k1"]
	assert.Equal(t, maxRetryAfter, captured)
}

func TestExecuteNetworkErrorIsRetryable(t *testing.T) {
	rot := &fakeRotator{}
	ex, _ := newTestExecutor(rot)
	_, err := ex.Execute(context.Background(), Request{
		Upstream:          "oai",
		Method:            "GET",
		URL:               "http://127.0.0.1:1",
		HeaderTemplates:   map[string]string{},
		Values:            map[string]string{},
		OriginalHeader:    http.Header{},
		KeyVariable:       "keys",
		InitialCredential: "k1",
		Policy:            basicPolicy(),
		Timeouts:          upstream.Timeouts{Total: 200 * time.Millisecond},
	})
	require.Error(t, err)
	assert.Contains(t, rot.marked, "k1")
}
