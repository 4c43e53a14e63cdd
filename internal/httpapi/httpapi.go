// Package httpapi is the HTTP server framing collaborator spec §1 scopes
// out of the core ("HTTP server framing and TLS termination"): it turns
// net/http requests into orchestrator.Inbound values, writes
// finalize.Result back to the wire (including SSE passthrough), and
// wraps the proxy and admin surfaces with recovery, request-ID, and
// access-log middleware the way the teacher's cmd/pulse-sensor-proxy
// http_server.go layers its own middleware chain around a ServeMux.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"

	"github.com/Nya-Foundation/nyaproxy-go/internal/credential"
	"github.com/Nya-Foundation/nyaproxy-go/internal/errs"
	"github.com/Nya-Foundation/nyaproxy-go/internal/finalize"
	"github.com/Nya-Foundation/nyaproxy-go/internal/orchestrator"
	"github.com/Nya-Foundation/nyaproxy-go/internal/queue"
	"github.com/Nya-Foundation/nyaproxy-go/internal/reqctx"
)

// Orchestrator is the subset of *orchestrator.Orchestrator the HTTP
// layer depends on, narrowed for testability the way orchestrator.go
// itself narrows *executor.Executor to an Executor interface.
type Orchestrator interface {
	Process(ctx context.Context, in orchestrator.Inbound) (*finalize.Result, error)
}

// AdminAuth is the subset of *adminauth.Verifier the admin routes
// require, kept as an interface so a nil Auth can stand for "no secret
// configured" (see cmd/nyaproxy), in which case the admin routes are
// served without authentication.
type AdminAuth interface {
	RequireBearer(next http.Handler) http.Handler
}

// Config wires every collaborator the HTTP layer needs. Auth, DashboardWS,
// and MetricsHandler are all optional: a nil Auth serves the admin
// routes unauthenticated (local/dev use only), a nil DashboardWS omits the
// websocket route, and a nil MetricsHandler omits /metrics.
type Config struct {
	Orchestrator   Orchestrator
	Queue          *queue.Manager
	Credentials    *credential.Manager
	Auth           AdminAuth
	DashboardWS    http.HandlerFunc
	MetricsHandler http.Handler
	APIPrefix      string
}

// NewRouter builds the complete HTTP surface: the catch-all proxy route
// under cfg.APIPrefix, the admin/dashboard routes, /metrics, and
// /healthz, all wrapped in recovery, request-ID, and access-log
// middleware.
func NewRouter(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", handleHealthz)

	if cfg.MetricsHandler != nil {
		mux.Handle("/metrics", cfg.MetricsHandler)
	}

	proxy := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleProxy(w, r, cfg.Orchestrator)
	})
	mux.Handle("/"+trimSlashes(cfg.APIPrefix)+"/", proxy)

	admin := newAdminMux(cfg.Queue, cfg.Credentials)
	if cfg.Auth != nil {
		mux.Handle("/admin/", cfg.Auth.RequireBearer(admin))
	} else {
		mux.Handle("/admin/", admin)
	}

	if cfg.DashboardWS != nil {
		mux.HandleFunc("/dashboard/ws", cfg.DashboardWS)
	}

	return recoveryMiddleware(requestIDMiddleware(accessLogMiddleware(mux)))
}

func trimSlashes(s string) string {
	for len(s) > 0 && s[0] == '/' {
		s = s[1:]
	}
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	if s == "" {
		return "api"
	}
	return s
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleProxy is the one catch-all route forwarding to the orchestrator,
// writing its finalize.Result back to the client.
func handleProxy(w http.ResponseWriter, r *http.Request, orc Orchestrator) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, &errs.ConfigError{Upstream: r.URL.Path, Reason: "failed to read request body"})
		return
	}

	in := orchestrator.Inbound{
		Method:       r.Method,
		Path:         r.URL.Path,
		Header:       r.Header,
		Body:         body,
		OriginalHost: r.Host,
	}

	result, err := orc.Process(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, result)
}

func writeResult(w http.ResponseWriter, result *finalize.Result) {
	for k, vs := range result.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(result.Status)
	if result.Body == nil {
		return
	}
	defer result.Body.Close()

	if result.Stream {
		streamSSE(w, result.Body)
		return
	}
	_, _ = io.Copy(w, result.Body)
}

// streamSSE copies body to w chunk-by-chunk, flushing after every chunk
// so event-stream consumers see events as they arrive (spec §6
// "forwarded chunk-by-chunk").
func streamSSE(w http.ResponseWriter, body io.Reader) {
	flusher, ok := w.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if ok {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := errs.StatusOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// recoveryMiddleware converts a panic in a handler into a 500 and
// reports it to Sentry, the way a proxy that must not crash on one bad
// upstream response recovers at the edge rather than per-handler.
func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				sentry.CurrentHub().Recover(rec)
				sentry.Flush(2 * time.Second)
				log.Error().Str("component", "httpapi").Interface("panic", rec).Str("path", r.URL.Path).Msg("recovered from panic")
				w.WriteHeader(http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestIDMiddleware assigns or forwards a request ID, stamping it on
// both the request context and the response header (spec §3's implied
// per-request correlation, SPEC_FULL.md domain-stack wiring).
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, id := reqctx.WithRequestID(r.Context(), r.Header.Get("X-Request-ID"))
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		log.Info().
			Str("component", "httpapi").
			Str("request_id", reqctx.RequestID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Dur("elapsed", time.Since(start)).
			Msg("request handled")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (s *statusWriter) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
