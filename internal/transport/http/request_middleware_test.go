// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/adiadia/workflow-core/internal/auth"
	"github.com/go-chi/chi/v5"
)

func TestRequestIDMiddlewareGeneratesAndPropagatesRequestID(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	var gotRequestID string
	h := requestIDMiddleware()(requestLoggingMiddleware(logger, "development")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID, ok := requestIDFromContext(r.Context())
		if !ok {
			t.Fatal("expected request_id in context")
		}
		gotRequestID = requestID
		*r = *r.WithContext(auth.WithIdentity(r.Context(), auth.Identity{UserID: "user-9"}))
		w.WriteHeader(http.StatusOK)
	})))

	req := httptest.NewRequest(http.MethodGet, "/runs/abc", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	respRequestID := rec.Header().Get(headerRequestID)
	if respRequestID == "" {
		t.Fatal("expected X-Request-Id response header")
	}
	if gotRequestID != respRequestID {
		t.Fatalf("expected context request_id %q got %q", respRequestID, gotRequestID)
	}
	if !strings.Contains(logs.String(), "user_id=user-9") {
		t.Fatalf("expected request log to carry user_id, got %q", logs.String())
	}
}

func TestRequestIDMiddlewarePreservesIncomingRequestID(t *testing.T) {
	h := requestIDMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID, ok := requestIDFromContext(r.Context())
		if !ok {
			t.Fatal("expected request_id in context")
		}
		if requestID != "req-fixed-id" {
			t.Fatalf("expected request_id req-fixed-id got %q", requestID)
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(headerRequestID, "req-fixed-id")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	if got := rec.Header().Get(headerRequestID); got != "req-fixed-id" {
		t.Fatalf("expected X-Request-Id req-fixed-id got %q", got)
	}
}

func TestRequestLoggingRecordsRouteIDsAndEnvironment(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	r := chi.NewRouter()
	r.Use(requestIDMiddleware())
	r.Use(requestLoggingMiddleware(logger, "development"))
	r.Get("/runs/{runId}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{}"))
	})
	r.Get("/conversion_status/{jobId}", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "store down", http.StatusInternalServerError)
	})

	req := httptest.NewRequest(http.MethodGet, "/runs/run-42", nil)
	req.Header.Set(headerEnvironment, "staging")
	r.ServeHTTP(httptest.NewRecorder(), req)

	line := logs.String()
	for _, want := range []string{"run_id=run-42", "route=/runs/{runId}", "environment=staging", "bytes=2", "level=INFO"} {
		if !strings.Contains(line, want) {
			t.Fatalf("expected %q in request log, got %q", want, line)
		}
	}

	logs.Reset()
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/conversion_status/job-7", nil))

	line = logs.String()
	for _, want := range []string{"job_id=job-7", "environment=development", "level=ERROR", "status=500"} {
		if !strings.Contains(line, want) {
			t.Fatalf("expected %q in request log, got %q", want, line)
		}
	}
}

func TestRequestIDMiddlewareReplacesMalformedRequestID(t *testing.T) {
	h := requestIDMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for _, incoming := range []string{"has space", "line\nbreak", strings.Repeat("a", maxRequestIDLen+1)} {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.Header.Set(headerRequestID, incoming)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		got := rec.Header().Get(headerRequestID)
		if got == incoming || !validRequestID(got) {
			t.Fatalf("expected %q to be replaced with a generated id, got %q", incoming, got)
		}
	}
}
