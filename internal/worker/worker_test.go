// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/adiadia/workflow-core/internal/domain"
)

type fakeConverter struct {
	output string
	lines  []string
	err    error
	called bool
	job    domain.ConversionRecord
}

func (f *fakeConverter) Convert(ctx context.Context, job domain.ConversionRecord, logf func(string)) (string, error) {
	f.called = true
	f.job = job
	for _, line := range f.lines {
		logf(line)
	}
	return f.output, f.err
}

func TestNewDefaults(t *testing.T) {
	w := New(Deps{})

	if w.logger == nil {
		t.Fatal("expected default logger to be set")
	}
	if w.reclaimAfter != 5*time.Minute {
		t.Fatalf("expected default reclaimAfter=5m, got %s", w.reclaimAfter)
	}
	if w.maxAttempts != 3 {
		t.Fatalf("expected default maxAttempts=3, got %d", w.maxAttempts)
	}
	if w.retryBaseDelay != 2*time.Second {
		t.Fatalf("expected default retryBaseDelay=2s, got %s", w.retryBaseDelay)
	}
	if w.convertTimeout != 2*time.Minute {
		t.Fatalf("expected default convertTimeout=2m, got %s", w.convertTimeout)
	}
	if w.httpClient == nil {
		t.Fatal("expected default webhook client")
	}
}

func TestNewCustomValues(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := &http.Client{}
	conv := &fakeConverter{}

	w := New(Deps{
		Logger:         logger,
		Converter:      conv,
		HTTPClient:     client,
		ReclaimAfter:   30 * time.Second,
		MaxAttempts:    7,
		RetryBaseDelay: 9 * time.Second,
		ConvertTimeout: 11 * time.Second,
	})

	if w.logger != logger {
		t.Fatal("expected provided logger to be used")
	}
	if w.converter != conv {
		t.Fatal("expected provided converter to be used")
	}
	if w.httpClient != client {
		t.Fatal("expected provided http client to be used")
	}
	if w.reclaimAfter != 30*time.Second {
		t.Fatalf("expected reclaimAfter=30s, got %s", w.reclaimAfter)
	}
	if w.maxAttempts != 7 {
		t.Fatalf("expected maxAttempts=7, got %d", w.maxAttempts)
	}
	if w.retryBaseDelay != 9*time.Second {
		t.Fatalf("expected retryBaseDelay=9s, got %s", w.retryBaseDelay)
	}
	if w.convertTimeout != 11*time.Second {
		t.Fatalf("expected convertTimeout=11s, got %s", w.convertTimeout)
	}
}

func TestConvertSuccess(t *testing.T) {
	conv := &fakeConverter{output: "converted/nda.docx", lines: []string{"convert nda.doc -> nda.docx"}}
	w := &Worker{
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		converter:      conv,
		convertTimeout: time.Second,
	}

	rec := domain.ConversionRecord{ID: "job-1", SourcePath: "sources/nda.doc", Attempts: 1}
	out, err := w.convert(context.Background(), rec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !conv.called {
		t.Fatal("expected converter to be called")
	}
	if conv.job.ID != "job-1" {
		t.Fatalf("expected job id job-1 got %s", conv.job.ID)
	}
	if out != "converted/nda.docx" {
		t.Fatalf("expected output converted/nda.docx got %s", out)
	}
}

func TestConvertError(t *testing.T) {
	wantErr := errors.New("boom")
	w := &Worker{
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		converter:      &fakeConverter{err: wantErr},
		convertTimeout: time.Second,
	}

	_, err := w.convert(context.Background(), domain.ConversionRecord{ID: "job-1"})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected error %v got %v", wantErr, err)
	}
}

type blockingConverter struct{}

func (blockingConverter) Convert(ctx context.Context, _ domain.ConversionRecord, _ func(string)) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestConvertTimeout(t *testing.T) {
	w := &Worker{
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		converter:      blockingConverter{},
		convertTimeout: 20 * time.Millisecond,
	}

	_, err := w.convert(context.Background(), domain.ConversionRecord{ID: "job-1"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline exceeded, got %v", err)
	}
}

func TestConvertMissingConverter(t *testing.T) {
	w := &Worker{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	_, err := w.convert(context.Background(), domain.ConversionRecord{ID: "job-1"})
	if err == nil {
		t.Fatal("expected missing converter error")
	}
	if !strings.Contains(err.Error(), "no converter configured") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRetryDelayDoubles(t *testing.T) {
	w := &Worker{retryBaseDelay: time.Second}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: time.Second},
		{attempt: 1, want: time.Second},
		{attempt: 2, want: 2 * time.Second},
		{attempt: 3, want: 4 * time.Second},
	}
	for _, tc := range cases {
		if got := w.retryDelay(tc.attempt); got != tc.want {
			t.Fatalf("attempt %d: expected %s got %s", tc.attempt, tc.want, got)
		}
	}
}
