// SPDX-License-Identifier: Apache-2.0

package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/adiadia/workflow-core/internal/auth"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL+"/", srv.Client())
}

func TestJSONSendsBodyAndIdentity(t *testing.T) {
	var (
		gotHeader http.Header
		gotPath   string
		gotBody   map[string]string
	)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "run-1"})
	})

	ctx := auth.WithIdentity(context.Background(), auth.Identity{UserID: "user-3", Groups: []string{"legal", "ops"}})
	header := http.Header{}
	header.Set("If-Match", "4")

	var out struct {
		ID string `json:"id"`
	}
	if err := client.JSON(ctx, http.MethodPut, "/runs/run-1", map[string]string{"name": "nda"}, header, &out); err != nil {
		t.Fatalf("json: %v", err)
	}
	if out.ID != "run-1" {
		t.Fatalf("expected decoded id run-1 got %q", out.ID)
	}
	if gotPath != "/runs/run-1" {
		t.Fatalf("expected path /runs/run-1 got %q", gotPath)
	}
	if gotBody["name"] != "nda" {
		t.Fatalf("expected JSON body got %v", gotBody)
	}
	if gotHeader.Get("Content-Type") != "application/json" || gotHeader.Get("Accept") != "application/json" {
		t.Fatalf("expected JSON content headers got %v", gotHeader)
	}
	if gotHeader.Get("If-Match") != "4" {
		t.Fatalf("expected caller header to pass through got %q", gotHeader.Get("If-Match"))
	}
	if gotHeader.Get(HeaderUserID) != "user-3" || gotHeader.Get(HeaderGroups) != "legal,ops" {
		t.Fatalf("expected identity headers got %v", gotHeader)
	}
}

func TestJSONWithoutIdentityOrBody(t *testing.T) {
	var gotHeader http.Header
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		_, _ = io.WriteString(w, "ignored")
	})

	if err := client.JSON(context.Background(), http.MethodPost, "/runs/run-1/checkpoint", nil, nil, nil); err != nil {
		t.Fatalf("json: %v", err)
	}
	if gotHeader.Get(HeaderUserID) != "" || gotHeader.Get("Content-Type") != "" {
		t.Fatalf("expected no identity or content type got %v", gotHeader)
	}
}

func TestJSONReturnsStatusError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, strings.Repeat("x", 2*maxErrorBody), http.StatusBadGateway)
	})

	err := client.JSON(context.Background(), http.MethodGet, "/templates?env=prod", nil, nil, &struct{}{})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StatusError got %v", err)
	}
	if se.Code != http.StatusBadGateway || se.Method != http.MethodGet || se.Path != "/templates" {
		t.Fatalf("unexpected status error %+v", se)
	}
	if len(se.Body) != maxErrorBody {
		t.Fatalf("expected body truncated to %d bytes got %d", maxErrorBody, len(se.Body))
	}
	if !HasStatus(err, http.StatusNotFound, http.StatusBadGateway) {
		t.Fatal("expected HasStatus to match 502")
	}
	if HasStatus(err, http.StatusNotFound) || HasStatus(errors.New("boom"), http.StatusBadGateway) {
		t.Fatal("expected HasStatus to reject other codes and plain errors")
	}
}

func TestJSONReportsDecodeFailure(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "{not json")
	})

	var out map[string]any
	err := client.JSON(context.Background(), http.MethodGet, "/runs/run-1", nil, nil, &out)
	if err == nil || !strings.Contains(err.Error(), "decode GET /runs/run-1") {
		t.Fatalf("expected decode error got %v", err)
	}
}

func TestSendLeavesSuccessBodyOpen(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = io.WriteString(w, "%PDF")
	})

	req, err := client.Request(context.Background(), http.MethodGet, "/files/view?path=a.pdf", nil, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := client.Send(req)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "%PDF" || resp.Header.Get("Content-Type") != "application/pdf" {
		t.Fatalf("unexpected response %q %q", body, resp.Header.Get("Content-Type"))
	}
}
