// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adiadia/workflow-core/internal/domain"
	"github.com/adiadia/workflow-core/internal/metrics"
)

const (
	webhookRetryAttempts = 3
	webhookRetryBase     = 300 * time.Millisecond

	webhookHeaderSig     = "X-Signature"
	webhookHeaderJob     = "X-Conversion-Job"
	webhookHeaderStatus  = "X-Conversion-Status"
	webhookHeaderAttempt = "X-Delivery-Attempt"
)

// deliverTerminalWebhook posts event to the job's callback URL, if any.
// Before every attempt the job row must still hold event's terminal status:
// a job that was requeued or finished differently since is not announced.
// Delivery is best effort and never changes the job.
func (w *Worker) deliverTerminalWebhook(ctx context.Context, job domain.ConversionRecord, event domain.ConversionEvent) {
	url := strings.TrimSpace(job.CallbackURL)
	if url == "" || w.httpClient == nil || !event.Status.Terminal() {
		return
	}

	body, err := json.Marshal(event)
	if err != nil {
		w.logger.Error("webhook payload marshal failed", "job_id", event.JobID, "error", err)
		metrics.IncWebhookDelivery(metrics.WebhookFailed)
		return
	}
	signature := signWebhookPayload(job.CallbackSecret, body)

	for attempt := 1; attempt <= webhookRetryAttempts; attempt++ {
		if !w.stillTerminal(ctx, event) {
			w.logger.Warn("webhook skipped, job no longer terminal",
				"job_id", event.JobID,
				"status", event.Status,
				"attempt", attempt,
			)
			metrics.IncWebhookDelivery(metrics.WebhookSkipped)
			return
		}

		retry, err := w.postEvent(ctx, url, event, body, signature, attempt)
		if err == nil {
			w.logger.Info("webhook delivered", "job_id", event.JobID, "status", event.Status, "attempt", attempt)
			metrics.IncWebhookDelivery(metrics.WebhookDelivered)
			return
		}
		w.logger.Warn("webhook attempt failed",
			"job_id", event.JobID,
			"status", event.Status,
			"attempt", attempt,
			"error", err,
		)
		if !retry || attempt == webhookRetryAttempts {
			w.logger.Error("webhook delivery abandoned", "job_id", event.JobID, "error", err)
			metrics.IncWebhookDelivery(metrics.WebhookFailed)
			return
		}

		timer := time.NewTimer(webhookRetryBase * time.Duration(1<<(attempt-1)))
		select {
		case <-ctx.Done():
			timer.Stop()
			w.logger.Warn("webhook canceled before retry", "job_id", event.JobID, "error", ctx.Err())
			metrics.IncWebhookDelivery(metrics.WebhookFailed)
			return
		case <-timer.C:
		}
	}
}

// postEvent sends one delivery attempt. It reports whether a failure is
// worth retrying: transport errors, 408, 429 and 5xx are; other statuses
// are final.
func (w *Worker) postEvent(ctx context.Context, url string, event domain.ConversionEvent, body []byte, signature string, attempt int) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(webhookHeaderJob, event.JobID)
	req.Header.Set(webhookHeaderStatus, string(event.Status))
	req.Header.Set(webhookHeaderAttempt, strconv.Itoa(attempt))
	if signature != "" {
		req.Header.Set(webhookHeaderSig, signature)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return ctx.Err() == nil, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return false, nil
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return true, fmt.Errorf("callback answered %d", code)
	default:
		return false, fmt.Errorf("callback rejected event with %d", code)
	}
}

// stillTerminal reports whether the job row still carries event's status.
// Without a status lookup, or when the lookup fails, the event is trusted.
func (w *Worker) stillTerminal(ctx context.Context, event domain.ConversionEvent) bool {
	if w.jobStatus == nil {
		return true
	}
	status, err := w.jobStatus(ctx, event.JobID)
	if err != nil {
		w.logger.Warn("webhook job status lookup failed", "job_id", event.JobID, "error", err)
		return true
	}
	return status == event.Status
}

func (w *Worker) lookupJobStatus(ctx context.Context, jobID string) (domain.JobStatus, error) {
	var status domain.JobStatus
	err := w.pool.QueryRow(ctx, `SELECT status FROM conversion_jobs WHERE id=$1`, jobID).Scan(&status)
	return status, err
}

func signWebhookPayload(secret string, payload []byte) string {
	if strings.TrimSpace(secret) == "" {
		return ""
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
